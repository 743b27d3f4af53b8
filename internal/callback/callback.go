// Package callback implements the bounded, ordered listener chain through
// which session lifecycle and fatal error events reach the host application.
package callback

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/zsiec/framecast/internal/errdefs"
)

// DefaultCapacity is the maximum number of listeners in a chain.
const DefaultCapacity = 5

// ErrDuplicateListener is returned when a listener is registered twice.
var ErrDuplicateListener = errors.New("callback: listener already registered")

// EventType names a lifecycle or error notification.
type EventType string

const (
	EventSessionStarted    EventType = "SessionStarted"
	EventSessionStopped    EventType = "SessionStopped"
	EventConnectionAborted EventType = "ConnectionAborted"
	EventDurationReached   EventType = "DurationReached"
)

// Event is delivered to every listener in the chain.
type Event struct {
	Type      EventType
	SessionID string
	Stream    string
	Timestamp time.Time
	Err       error
	Metadata  map[string]any
}

// Listener receives chain events. A returned error is reported but does not
// stop delivery to later listeners.
type Listener interface {
	OnEvent(ev Event) error
}

// ListenerFunc adapts a function to Listener. Function listeners are never
// considered duplicates of one another.
type ListenerFunc func(ev Event) error

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(ev Event) error { return f(ev) }

// Handle identifies a registration for Unregister.
type Handle uint64

// ListenerError records the failure of one listener during Invoke.
type ListenerError struct {
	Handle Handle
	Index  int
	Event  EventType
	Err    error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("callback: listener %d failed on %s: %v", e.Index, e.Event, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}

type entry struct {
	handle   Handle
	listener Listener
}

// Chain is an ordered, fixed-capacity list of listeners. Registration order
// is invocation order.
type Chain struct {
	log      *slog.Logger
	capacity int

	mu      sync.RWMutex
	entries []entry
	next    Handle
}

// New creates a chain. A non-positive capacity selects DefaultCapacity. If
// log is nil, slog.Default() is used.
func New(capacity int, log *slog.Logger) *Chain {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	return &Chain{
		log:      log.With("component", "callback-chain"),
		capacity: capacity,
	}
}

// Register appends l. It fails with an error matching
// errdefs.ErrCapacityExceeded when the chain is full, and with
// ErrDuplicateListener when l is already present.
func (c *Chain) Register(l Listener) (Handle, error) {
	if l == nil {
		return 0, errors.New("callback: nil listener")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if sameListener(e.listener, l) {
			return 0, ErrDuplicateListener
		}
	}
	if len(c.entries) >= c.capacity {
		return 0, &errdefs.CapacityError{Resource: "callback chain", Capacity: c.capacity}
	}

	c.next++
	c.entries = append(c.entries, entry{handle: c.next, listener: l})
	return c.next, nil
}

// sameListener compares listeners without panicking on uncomparable
// dynamic types such as ListenerFunc.
func sameListener(a, b Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Unregister removes the listener registered under h. Unknown handles are
// ignored.
func (c *Chain) Unregister(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, e := range c.entries {
		if e.handle == h {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Invoke delivers ev to every listener in registration order. Errors and
// panics are caught per listener; all listeners always run. The returned
// error joins one *ListenerError per failing listener, or is nil.
func (c *Chain) Invoke(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	c.mu.RLock()
	entries := make([]entry, len(c.entries))
	copy(entries, c.entries)
	c.mu.RUnlock()

	var errs []error
	for i, e := range entries {
		if err := dispatch(e.listener, ev); err != nil {
			c.log.Warn("listener failed",
				"event", ev.Type,
				"listener", i,
				"error", err)
			errs = append(errs, &ListenerError{Handle: e.handle, Index: i, Event: ev.Type, Err: err})
		}
	}
	return errors.Join(errs...)
}

func dispatch(l Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.OnEvent(ev)
}
