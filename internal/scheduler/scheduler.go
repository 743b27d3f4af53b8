// Package scheduler drives one upload session. A single tick driver fires the
// session's timers, drains the per-track frame queues the flush timers marked
// ready, hands frames to the transport and feeds every outcome to the health
// monitor. Capture goroutines only touch the scheduler through Push.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/framecast/internal/callback"
	"github.com/zsiec/framecast/internal/config"
	"github.com/zsiec/framecast/internal/endpoint"
	"github.com/zsiec/framecast/internal/errdefs"
	"github.com/zsiec/framecast/internal/framequeue"
	"github.com/zsiec/framecast/internal/health"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/timerq"
	"github.com/zsiec/framecast/internal/timeunit"
)

// ErrUnknownTrack is returned by Push for a track that was never added.
var ErrUnknownTrack = errors.New("scheduler: unknown track")

// Outcome is what a transport reports for one delivered frame.
type Outcome struct {
	Bytes   int64
	Elapsed time.Duration
}

// Transport ships frames to an endpoint. Send is called only from the tick
// driver; it may block, and its duration counts against connection health.
type Transport interface {
	Send(ctx context.Context, frame *media.Frame, ep endpoint.Endpoint) (Outcome, error)
	Close() error
}

// Deps are the collaborators a Scheduler needs. Either Cache or Resolver
// must be set; a Cache passed in is shared and not closed by Shutdown.
type Deps struct {
	Clock     timeunit.Clock
	Transport Transport
	Cache     *endpoint.Cache
	Resolver  endpoint.Resolver
	Chain     *callback.Chain
	SessionID string
	Log       *slog.Logger
}

type state int32

const (
	stateRunning state = iota
	stateFinished
	stateAborted
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateFinished:
		return "finished"
	case stateAborted:
		return "aborted"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type track struct {
	info  media.Track
	queue *framequeue.Queue
	timer timerq.ID
	ready bool

	sent     atomic.Uint64
	failed   atomic.Uint64
	rejected atomic.Uint64
}

// Scheduler owns the timer queue and the frame queues of one session.
type Scheduler struct {
	log       *slog.Logger
	cfg       config.Config
	clock     timeunit.Clock
	transport Transport
	cache     *endpoint.Cache
	ownCache  bool
	chain     *callback.Chain
	monitor   *health.Monitor
	timers    *timerq.Queue
	sessionID string

	refreshTimer  timerq.ID
	healthTimer   timerq.ID
	durationTimer timerq.ID

	mu     sync.RWMutex
	tracks map[media.TrackID]*track
	order  []media.TrackID

	state      atomic.Int32
	aborted    atomic.Bool
	done       chan struct{}
	doneOnce   sync.Once
	shutdown   sync.Once
	closeErr   error
	lastSample timeunit.Unit
	bytesSent  atomic.Int64
}

// New builds a Scheduler and arms its session timers: endpoint refresh,
// health check and, when configured, the streaming-duration limit. Tracks
// are added with AddTrack.
func New(cfg config.Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil {
		return nil, errors.New("scheduler: nil transport")
	}
	if deps.Cache == nil && deps.Resolver == nil {
		return nil, errors.New("scheduler: no endpoint cache or resolver")
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = timeunit.NewSystemClock(cfg.TimeUnit)
	}
	chain := deps.Chain
	if chain == nil {
		chain = callback.New(cfg.CallbackChainCapacity, log)
	}

	s := &Scheduler{
		log:       log.With("component", "scheduler", "session", deps.SessionID),
		cfg:       cfg,
		clock:     clock,
		transport: deps.Transport,
		cache:     deps.Cache,
		chain:     chain,
		timers:    timerq.New(cfg.TimerQueueCapacity, clock),
		sessionID: deps.SessionID,
		tracks:    make(map[media.TrackID]*track),
		done:      make(chan struct{}),
	}
	if s.cache == nil {
		s.cache = endpoint.NewCache(deps.Resolver, clock, endpoint.CacheConfig{
			TTL:        cfg.EndpointTTL,
			Scale:      cfg.TimeUnit,
			Policy:     cfg.StalePolicy,
			NameMaxLen: cfg.NameMaxLen,
		}, log)
		s.ownCache = true
	}
	s.monitor = health.New(health.Config{
		LowSpeedLimit:     cfg.LowSpeedLimit,
		LowSpeedTimeLimit: cfg.LowSpeedTimeLimit,
		Scale:             cfg.TimeUnit,
		SessionID:         deps.SessionID,
		Stream:            cfg.StreamName,
	}, chain, log)
	s.lastSample = clock.Now()

	var err error
	if s.refreshTimer, err = s.arm(cfg.EndpointCacheUpdatePeriod, s.onRefresh); err != nil {
		return nil, s.failStart(err)
	}
	if s.healthTimer, err = s.arm(cfg.HealthCheckPeriod, s.onHealthCheck); err != nil {
		return nil, s.failStart(err)
	}
	if cfg.StreamingDuration > 0 {
		if s.durationTimer, err = s.arm(cfg.StreamingDuration, s.onDuration); err != nil {
			return nil, s.failStart(err)
		}
	}
	return s, nil
}

func (s *Scheduler) arm(d time.Duration, action timerq.Action) (timerq.ID, error) {
	return s.timers.Arm(s.cfg.TimeUnit.Units(d), action)
}

func (s *Scheduler) failStart(err error) error {
	s.timers.Close()
	if s.ownCache {
		s.cache.Close()
	}
	return fmt.Errorf("scheduler: arm timers: %w", err)
}

// AddTrack creates the track's frame queue and arms its flush timer at the
// track's frame interval. It fails with an error matching
// errdefs.ErrCapacityExceeded when the timer queue is full.
func (s *Scheduler) AddTrack(t media.Track) error {
	if t.FrameRate <= 0 {
		t.FrameRate = s.cfg.FrameRate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tracks[t.ID]; ok {
		return fmt.Errorf("scheduler: track %d already added", t.ID)
	}
	tr := &track{
		info:  t,
		queue: framequeue.New(t.ID, s.cfg.MaxFramesPerTrack, s.cfg.EvictionPolicy),
	}
	id, err := s.arm(t.FrameInterval(), func(timeunit.Unit) { tr.ready = true })
	if err != nil {
		return fmt.Errorf("scheduler: add track %d: %w", t.ID, err)
	}
	tr.timer = id
	s.tracks[t.ID] = tr
	s.order = append(s.order, t.ID)
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })

	s.log.Debug("track added",
		"track", t.ID,
		"kind", t.Kind,
		"fps", t.FrameRate,
		"queue", s.cfg.MaxFramesPerTrack)
	return nil
}

// Push enqueues a captured frame. It never blocks on I/O. An overflow drops
// a frame per the eviction policy and returns an error matching
// errdefs.ErrFrameDropped; the drop is counted and the session continues.
func (s *Scheduler) Push(id media.TrackID, frame *media.Frame) error {
	if state(s.state.Load()) == stateClosed {
		frame.Release()
		return errdefs.ErrClosed
	}

	s.mu.RLock()
	tr, ok := s.tracks[id]
	s.mu.RUnlock()
	if !ok {
		frame.Release()
		return fmt.Errorf("%w: %d", ErrUnknownTrack, id)
	}

	frame.TrackID = id
	frame.Enqueued = s.clock.Now()
	if err := tr.queue.Push(frame); err != nil {
		s.log.Debug("frame dropped", "track", id, "error", err, "dropped", tr.queue.Dropped())
		return err
	}
	return nil
}

// Tick fires due timers and drains every track whose flush timer fired, up
// to DrainBudget frames each, in track-id order. It returns
// errdefs.ErrConnectionAborted once the session has aborted and
// errdefs.ErrClosed after Shutdown.
func (s *Scheduler) Tick(ctx context.Context, now timeunit.Unit) error {
	switch state(s.state.Load()) {
	case stateClosed:
		return errdefs.ErrClosed
	case stateAborted:
		return errdefs.ErrConnectionAborted
	}

	s.timers.Tick(now)

	s.mu.RLock()
	ready := make([]*track, 0, len(s.order))
	for _, id := range s.order {
		if tr := s.tracks[id]; tr.ready {
			tr.ready = false
			ready = append(ready, tr)
		}
	}
	s.mu.RUnlock()

	if len(ready) > 0 && state(s.state.Load()) == stateRunning {
		s.drain(ctx, ready)
	}

	if state(s.state.Load()) == stateAborted {
		return errdefs.ErrConnectionAborted
	}
	return nil
}

func (s *Scheduler) drain(ctx context.Context, ready []*track) {
	ep, err := s.cache.Get(ctx, s.cfg.StreamName)
	if err != nil {
		// Frames stay queued; overflow policy bounds the backlog until the
		// endpoint resolves.
		s.log.Warn("no endpoint, holding frames", "error", err)
		// Time spent holding is not charged to the connection.
		s.lastSample = s.clock.Now()
		return
	}

	for _, tr := range ready {
		for range s.cfg.DrainBudget {
			frame, ok := tr.queue.Pop()
			if !ok {
				break
			}
			if !s.send(ctx, tr, frame, ep) {
				return
			}
		}
	}
}

// send delivers one frame and records the outcome. It reports whether
// draining may continue.
func (s *Scheduler) send(ctx context.Context, tr *track, frame *media.Frame, ep endpoint.Endpoint) bool {
	defer frame.Release()

	out, err := s.transport.Send(ctx, frame, ep)
	now := s.clock.Now()
	switch {
	case errors.Is(err, errdefs.ErrInvalidFrame):
		tr.rejected.Add(1)
		s.log.Warn("frame rejected", "track", tr.info.ID, "seq", frame.Seq, "error", err)
		return true
	case err != nil:
		tr.failed.Add(1)
		s.log.Warn("send failed", "track", tr.info.ID, "seq", frame.Seq, "endpoint", ep.Address(), "error", err)
		// Charged from the later of the previous sample and the frame's
		// arrival, never less than the send itself took.
		waited := now - max(s.lastSample, frame.Enqueued)
		s.record(0, max(s.cfg.TimeUnit.Units(out.Elapsed), waited), now)
		return false
	}

	tr.sent.Add(1)
	s.bytesSent.Add(out.Bytes)
	s.record(out.Bytes, s.cfg.TimeUnit.Units(out.Elapsed), now)
	return state(s.state.Load()) == stateRunning
}

func (s *Scheduler) record(n int64, elapsed, now timeunit.Unit) {
	s.lastSample = now
	if s.monitor.OnBytesTransferred(n, elapsed) == health.Aborted {
		s.abort()
	}
}

// abort tears down the flush and health timers. The monitor has already
// notified the callback chain.
func (s *Scheduler) abort() {
	if !s.state.CompareAndSwap(int32(stateRunning), int32(stateAborted)) {
		return
	}
	s.aborted.Store(true)
	s.timers.Cancel(s.healthTimer)
	s.timers.Cancel(s.durationTimer)
	s.mu.RLock()
	for _, tr := range s.tracks {
		s.timers.Cancel(tr.timer)
	}
	s.mu.RUnlock()
	s.log.Warn("session aborted")
	s.finish()
}

func (s *Scheduler) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Scheduler) onRefresh(timeunit.Unit) {
	if !s.cache.RefreshAsync() {
		s.log.Debug("endpoint refresh already running")
	}
}

func (s *Scheduler) onHealthCheck(timeunit.Unit) {
	if !s.monitor.IsHealthy() {
		s.abort()
		return
	}
	snap := s.monitor.Snapshot()
	s.log.Debug("health check",
		"state", snap.State,
		"rate_bps", snap.LastRate,
		"degraded_ms", snap.DegradedMs)
}

func (s *Scheduler) onDuration(timeunit.Unit) {
	s.timers.Cancel(s.durationTimer)
	if !s.state.CompareAndSwap(int32(stateRunning), int32(stateFinished)) {
		return
	}
	s.log.Info("streaming duration reached", "duration", s.cfg.StreamingDuration)
	if err := s.chain.Invoke(callback.Event{
		Type:      callback.EventDurationReached,
		SessionID: s.sessionID,
		Stream:    s.cfg.StreamName,
		Metadata:  map[string]any{"duration": s.cfg.StreamingDuration},
	}); err != nil {
		s.log.Warn("duration notification had listener failures", "error", err)
	}
	s.finish()
}

// Run drives Tick from a ticker until ctx is cancelled, the streaming
// duration elapses, or the connection aborts. Only the abort is reported as
// an error, matching errdefs.ErrConnectionAborted.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return s.result()
		case <-ticker.C:
			if err := s.Tick(ctx, s.clock.Now()); err != nil {
				if errors.Is(err, errdefs.ErrClosed) {
					return nil
				}
				return s.result()
			}
		}
	}
}

func (s *Scheduler) result() error {
	if s.aborted.Load() {
		return fmt.Errorf("scheduler: session %s: %w", s.sessionID, errdefs.ErrConnectionAborted)
	}
	return nil
}

// Done is closed when the session finishes, aborts or shuts down.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Monitor returns the session's health monitor.
func (s *Scheduler) Monitor() *health.Monitor {
	return s.monitor
}

// Chain returns the callback chain session events are delivered on.
func (s *Scheduler) Chain() *callback.Chain {
	return s.chain
}

// Shutdown cancels every timer, waits for in-flight endpoint refreshes,
// releases queued frames and closes the transport. It is safe to call more
// than once and from any goroutine; later calls return the first result.
func (s *Scheduler) Shutdown() error {
	s.shutdown.Do(func() {
		s.state.Store(int32(stateClosed))
		s.timers.Close()
		if s.ownCache {
			s.cache.Close()
		}

		s.mu.RLock()
		released := 0
		for _, tr := range s.tracks {
			released += tr.queue.Reset()
		}
		s.mu.RUnlock()

		s.closeErr = s.transport.Close()
		s.finish()
		s.log.Info("scheduler shut down", "released_frames", released)
	})
	return s.closeErr
}
