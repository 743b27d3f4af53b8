// Package framequeue provides the bounded per-track FIFO that absorbs jitter
// between the capture layer and the transport. A full queue never blocks the
// producer: the overflow policy drops a frame and counts it.
package framequeue

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zsiec/framecast/internal/errdefs"
	"github.com/zsiec/framecast/internal/media"
)

// DefaultCapacity holds about 2.5 s of video at 24 fps.
const DefaultCapacity = 60

// Policy selects which frame is discarded when a push finds the queue full.
type Policy int

const (
	// DropOldest evicts the head to make room for the incoming frame.
	DropOldest Policy = iota
	// RejectNewest keeps the queue intact and discards the incoming frame.
	RejectNewest
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case RejectNewest:
		return "reject-newest"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy accepts the names produced by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop-oldest", "oldest":
		return DropOldest, nil
	case "reject-newest", "newest":
		return RejectNewest, nil
	}
	return 0, fmt.Errorf("framequeue: unknown policy %q", s)
}

// DropError reports the frame discarded by an overflowing Push.
type DropError struct {
	TrackID media.TrackID
	Seq     uint64
	Policy  Policy
}

func (e *DropError) Error() string {
	return fmt.Sprintf("framequeue: track %d dropped frame %d (%s)", e.TrackID, e.Seq, e.Policy)
}

// Is lets errors.Is(err, errdefs.ErrFrameDropped) match.
func (e *DropError) Is(target error) bool {
	return target == errdefs.ErrFrameDropped
}

// Queue is a fixed-size ring of frames for one track. Push and Pop may run
// on different goroutines; each holds the lock only for O(1) work.
type Queue struct {
	trackID media.TrackID
	policy  Policy

	mu   sync.Mutex
	ring []*media.Frame
	head int
	size int

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a queue for trackID. A non-positive capacity selects
// DefaultCapacity.
func New(trackID media.TrackID, capacity int, policy Policy) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		trackID: trackID,
		policy:  policy,
		ring:    make([]*media.Frame, capacity),
	}
}

// Push appends frame at the tail. When the queue is full one frame is
// discarded according to the policy, released, and a *DropError describing
// it is returned; under DropOldest the incoming frame is still enqueued.
func (q *Queue) Push(frame *media.Frame) error {
	q.pushed.Add(1)

	q.mu.Lock()
	defer q.mu.Unlock()

	capacity := len(q.ring)
	if q.size < capacity {
		q.ring[(q.head+q.size)%capacity] = frame
		q.size++
		return nil
	}

	q.dropped.Add(1)
	if q.policy == RejectNewest {
		frame.Release()
		return &DropError{TrackID: q.trackID, Seq: frame.Seq, Policy: q.policy}
	}

	evicted := q.ring[q.head]
	q.ring[q.head] = frame
	q.head = (q.head + 1) % capacity
	evicted.Release()
	return &DropError{TrackID: q.trackID, Seq: evicted.Seq, Policy: q.policy}
}

// Pop removes and returns the oldest frame, or false when empty.
func (q *Queue) Pop() (*media.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil, false
	}
	f := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.size--
	return f, true
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.ring)
}

// Pushed returns the total number of Push calls.
func (q *Queue) Pushed() uint64 {
	return q.pushed.Load()
}

// Dropped returns the total number of frames discarded by overflow.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// TrackID returns the track this queue buffers.
func (q *Queue) TrackID() media.TrackID {
	return q.trackID
}

// Reset releases every queued frame and empties the queue. Counters are kept.
func (q *Queue) Reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % len(q.ring)
		q.ring[idx].Release()
		q.ring[idx] = nil
	}
	q.head, q.size = 0, 0
	return n
}
