// Package timerq implements a fixed-capacity queue of periodic timers driven
// by explicit Tick calls. It backs every periodic activity in a session:
// endpoint refresh, health checks, per-track flushing and the optional
// streaming-duration limit.
package timerq

import (
	"errors"
	"sync"

	"github.com/zsiec/framecast/internal/errdefs"
	"github.com/zsiec/framecast/internal/timeunit"
)

// DefaultCapacity is the maximum number of live timers per queue.
const DefaultCapacity = 32

// ErrInvalidPeriod is returned when arming a timer with a non-positive period.
var ErrInvalidPeriod = errors.New("timerq: period must be positive")

// ID identifies an armed timer. The zero ID is never issued.
type ID uint64

// Action runs when a timer fires. now is the time passed to Tick.
type Action func(now timeunit.Unit)

type timer struct {
	id      ID
	period  timeunit.Unit
	next    timeunit.Unit
	action  Action
	enabled bool
}

// Queue holds at most Cap() live timers in arm order. All methods are safe
// for concurrent use; actions run without the queue lock held, so they may
// arm and cancel timers themselves.
type Queue struct {
	clock    timeunit.Clock
	capacity int

	mu     sync.Mutex
	timers []*timer
	nextID ID
	closed bool
}

// New creates a Queue reading arm times from clock. A non-positive capacity
// selects DefaultCapacity.
func New(capacity int, clock timeunit.Clock) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		clock:    clock,
		capacity: capacity,
		timers:   make([]*timer, 0, capacity),
	}
}

// Arm schedules action every period, first firing at clock.Now()+period.
// When the queue is full the call fails with an error matching
// errdefs.ErrCapacityExceeded and the queue is left unchanged.
func (q *Queue) Arm(period timeunit.Unit, action Action) (ID, error) {
	if period <= 0 {
		return 0, ErrInvalidPeriod
	}
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, errdefs.ErrClosed
	}
	if len(q.timers) >= q.capacity {
		return 0, &errdefs.CapacityError{Resource: "timer queue", Capacity: q.capacity}
	}

	q.nextID++
	t := &timer{
		id:      q.nextID,
		period:  period,
		next:    now + period,
		action:  action,
		enabled: true,
	}
	q.timers = append(q.timers, t)
	return t.id, nil
}

// Cancel disarms the timer. Unknown or already-cancelled ids are ignored.
func (q *Queue) Cancel(id ID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.timers {
		if t.id == id {
			t.enabled = false
			q.timers = append(q.timers[:i], q.timers[i+1:]...)
			return
		}
	}
}

// Tick fires every timer due at now, once each, in arm order. Each fired
// timer advances to its first period boundary strictly after now, so a late
// tick skips missed periods instead of bursting through them. It returns the
// number of actions invoked.
func (q *Queue) Tick(now timeunit.Unit) int {
	q.mu.Lock()
	var due []*timer
	for _, t := range q.timers {
		if !t.enabled || t.next > now {
			continue
		}
		t.next = advance(t.next, t.period, now)
		due = append(due, t)
	}
	q.mu.Unlock()

	fired := 0
	for _, t := range due {
		// An earlier action in this tick may have cancelled t.
		q.mu.Lock()
		enabled := t.enabled
		q.mu.Unlock()
		if !enabled {
			continue
		}
		t.action(now)
		fired++
	}
	return fired
}

// advance returns the first next+k*period (k ≥ 1) strictly greater than now.
func advance(next, period, now timeunit.Unit) timeunit.Unit {
	next += period
	if next <= now {
		missed := (now-next)/period + 1
		next += missed * period
	}
	return next
}

// NextFire reports when the timer fires next.
func (q *Queue) NextFire(id ID) (timeunit.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.timers {
		if t.id == id {
			return t.next, true
		}
	}
	return 0, false
}

// Len returns the number of live timers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// Close cancels every timer. Later Arm calls fail with errdefs.ErrClosed.
// Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.timers {
		t.enabled = false
	}
	q.timers = nil
	q.closed = true
}
