package callback

import (
	"errors"
	"testing"

	"github.com/zsiec/framecast/internal/errdefs"
)

// recorder is a comparable listener that appends its id to a shared log.
type recorder struct {
	id  int
	log *[]int
	err error
}

func (r *recorder) OnEvent(Event) error {
	*r.log = append(*r.log, r.id)
	return r.err
}

func TestRegisterBeyondCapacityFails(t *testing.T) {
	t.Parallel()

	c := New(DefaultCapacity, nil)
	var calls []int
	for i := 0; i < DefaultCapacity; i++ {
		if _, err := c.Register(&recorder{id: i, log: &calls}); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}

	_, err := c.Register(&recorder{id: 99, log: &calls})
	if !errors.Is(err, errdefs.ErrCapacityExceeded) {
		t.Fatalf("6th register err = %v, want ErrCapacityExceeded", err)
	}

	if err := c.Invoke(Event{Type: EventSessionStarted}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	want := []int{0, 1, 2, 3, 4}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestFailingListenerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	c := New(DefaultCapacity, nil)
	var calls []int
	boom := errors.New("boom")
	for i := 0; i < DefaultCapacity; i++ {
		r := &recorder{id: i, log: &calls}
		if i == 0 {
			r.err = boom
		}
		c.Register(r)
	}

	err := c.Invoke(Event{Type: EventConnectionAborted})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	var le *ListenerError
	if !errors.As(err, &le) || le.Index != 0 || le.Event != EventConnectionAborted {
		t.Fatalf("ListenerError = %+v", le)
	}
	if len(calls) != DefaultCapacity {
		t.Fatalf("calls = %v, want all %d listeners", calls, DefaultCapacity)
	}
}

func TestPanickingListenerIsContained(t *testing.T) {
	t.Parallel()

	c := New(3, nil)
	ran := 0
	c.Register(ListenerFunc(func(Event) error { panic("listener bug") }))
	c.Register(ListenerFunc(func(Event) error { ran++; return nil }))

	err := c.Invoke(Event{Type: EventSessionStopped})
	if err == nil {
		t.Fatal("expected error from panicking listener")
	}
	if ran != 1 {
		t.Fatalf("second listener ran %d times, want 1", ran)
	}
}

func TestDuplicateListenerRejected(t *testing.T) {
	t.Parallel()

	c := New(3, nil)
	var calls []int
	r := &recorder{id: 1, log: &calls}
	if _, err := c.Register(r); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Register(r); !errors.Is(err, ErrDuplicateListener) {
		t.Fatalf("err = %v, want ErrDuplicateListener", err)
	}

	c.Invoke(Event{Type: EventSessionStarted})
	if len(calls) != 1 {
		t.Fatalf("listener invoked %d times, want 1", len(calls))
	}
}

func TestFuncListenersNeverCompare(t *testing.T) {
	t.Parallel()

	c := New(3, nil)
	f := ListenerFunc(func(Event) error { return nil })
	if _, err := c.Register(f); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Register(f); err != nil {
		t.Fatalf("func listeners are distinct registrations: %v", err)
	}
}

func TestUnregister(t *testing.T) {
	t.Parallel()

	c := New(2, nil)
	var calls []int
	h, _ := c.Register(&recorder{id: 1, log: &calls})
	c.Register(&recorder{id: 2, log: &calls})

	c.Unregister(h)
	c.Unregister(h)
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if _, err := c.Register(&recorder{id: 3, log: &calls}); err != nil {
		t.Fatalf("slot should be free after Unregister: %v", err)
	}

	c.Invoke(Event{Type: EventSessionStarted})
	if len(calls) != 2 || calls[0] != 2 || calls[1] != 3 {
		t.Fatalf("calls = %v, want [2 3]", calls)
	}
}

func TestInvokeStampsTimestamp(t *testing.T) {
	t.Parallel()

	c := New(1, nil)
	var got Event
	c.Register(ListenerFunc(func(ev Event) error { got = ev; return nil }))
	c.Invoke(Event{Type: EventDurationReached})

	if got.Timestamp.IsZero() {
		t.Fatal("Timestamp should be set")
	}
}
