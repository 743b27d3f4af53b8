// Package session runs upload sessions back to back for one stream. Each
// session gets a fresh scheduler, transport and health monitor; the
// endpoint cache and callback chain outlive them. A session aborted by the
// health monitor is replaced after an exponential backoff.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/framecast/internal/callback"
	"github.com/zsiec/framecast/internal/config"
	"github.com/zsiec/framecast/internal/endpoint"
	"github.com/zsiec/framecast/internal/errdefs"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/scheduler"
	"github.com/zsiec/framecast/internal/timeunit"
)

// HistorySize is how many finished sessions a Manager remembers.
const HistorySize = 16

// Session outcomes recorded in a Summary.
const (
	ResultRunning   = "running"
	ResultFinished  = "finished"
	ResultAborted   = "aborted"
	ResultCancelled = "cancelled"
	ResultFailed    = "failed"
)

// ErrNoSession is returned by Push between sessions. It matches
// errdefs.ErrFrameDropped so capture keeps running.
var ErrNoSession = fmt.Errorf("session: no active session: %w", errdefs.ErrFrameDropped)

// TransportFactory builds the transport for a new session. Each session
// closes its transport on shutdown, so the factory is called once per
// session.
type TransportFactory func() (scheduler.Transport, error)

// Options configures a Manager.
type Options struct {
	Config       config.Config
	Tracks       []media.Track
	Resolver     endpoint.Resolver
	NewTransport TransportFactory
	Reconnect    ReconnectConfig
	Chain        *callback.Chain
	Clock        timeunit.Clock
	Log          *slog.Logger
}

// Summary describes one session, running or finished.
type Summary struct {
	ID        string    `json:"id"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitzero"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
	BytesSent int64     `json:"bytesSent"`
}

// Status is the manager-level view served by the status API.
type Status struct {
	Stream     string              `json:"stream"`
	Device     string              `json:"device"`
	Transport  string              `json:"transport"`
	Sessions   int64               `json:"sessions"`
	Reconnects int64               `json:"reconnects"`
	Current    *scheduler.Snapshot `json:"current,omitempty"`
	History    []Summary           `json:"history"`
}

type active struct {
	summary Summary
	sched   *scheduler.Scheduler
}

// Manager owns the session lifecycle for one stream.
type Manager struct {
	log   *slog.Logger
	opts  Options
	cache *endpoint.Cache
	chain *callback.Chain

	mu      sync.RWMutex
	current *active
	history []Summary

	started    atomic.Int64
	reconnects atomic.Int64
	closed     atomic.Bool
	closeOnce  sync.Once
}

// NewManager validates opts and builds the shared endpoint cache and
// callback chain. If opts.Log is nil, slog.Default() is used.
func NewManager(opts Options) (*Manager, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Resolver == nil {
		return nil, errors.New("session: nil resolver")
	}
	if opts.NewTransport == nil {
		return nil, errors.New("session: nil transport factory")
	}
	if len(opts.Tracks) == 0 {
		return nil, errors.New("session: no tracks")
	}
	if need := opts.Config.TimersFor(len(opts.Tracks)); opts.Config.TimerQueueCapacity < need {
		return nil, fmt.Errorf("session: timer queue capacity %d cannot hold the %d timers for %d tracks",
			opts.Config.TimerQueueCapacity, need, len(opts.Tracks))
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = timeunit.NewSystemClock(opts.Config.TimeUnit)
	}
	opts.Reconnect = opts.Reconnect.withDefaults()

	cfg := opts.Config
	chain := opts.Chain
	if chain == nil {
		chain = callback.New(cfg.CallbackChainCapacity, opts.Log)
	}
	cache := endpoint.NewCache(opts.Resolver, opts.Clock, endpoint.CacheConfig{
		TTL:        cfg.EndpointTTL,
		Scale:      cfg.TimeUnit,
		Policy:     cfg.StalePolicy,
		NameMaxLen: cfg.NameMaxLen,
	}, opts.Log)
	return &Manager{
		log:   opts.Log.With("component", "session-manager", "stream", cfg.StreamName),
		opts:  opts,
		cache: cache,
		chain: chain,
	}, nil
}

// Chain returns the callback chain shared by every session.
func (m *Manager) Chain() *callback.Chain {
	return m.chain
}

// Push hands a captured frame to the running session. Between sessions the
// frame is released and ErrNoSession returned.
func (m *Manager) Push(id media.TrackID, frame *media.Frame) error {
	if m.closed.Load() {
		frame.Release()
		return errdefs.ErrClosed
	}

	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur == nil {
		frame.Release()
		return ErrNoSession
	}

	err := cur.sched.Push(id, frame)
	if errors.Is(err, errdefs.ErrClosed) && !m.closed.Load() {
		return ErrNoSession
	}
	return err
}

// Run starts sessions until ctx is cancelled, a session reaches its
// streaming duration, or MaxRetries consecutive sessions abort. An aborted
// session that delivered any bytes resets the retry count. A session that
// cannot start is not retried.
func (m *Manager) Run(ctx context.Context) error {
	rc := m.opts.Reconnect
	attempt := 0
	for {
		if ctx.Err() != nil || m.closed.Load() {
			return nil
		}

		delivered, err := m.runOnce(ctx, attempt)
		switch {
		case err == nil, ctx.Err() != nil:
			return nil
		case !errors.Is(err, errdefs.ErrConnectionAborted):
			return err
		}

		if delivered {
			attempt = 0
		}
		attempt++
		if attempt > rc.MaxRetries {
			return fmt.Errorf("session: max retries exceeded (%d attempts): %w", rc.MaxRetries, err)
		}
		m.reconnects.Add(1)

		delay := Backoff(attempt, rc)
		m.log.Warn("restarting session",
			"attempt", attempt,
			"max_retries", rc.MaxRetries,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runOnce starts one session and blocks until it ends. It reports whether
// the session delivered any bytes.
func (m *Manager) runOnce(ctx context.Context, attempt int) (bool, error) {
	cur, err := m.start(attempt)
	if err != nil {
		return false, err
	}

	runErr := cur.sched.Run(ctx)
	snap := cur.sched.Snapshot()
	m.stop(cur, snap, runErr, ctx.Err() != nil)
	return snap.BytesSent > 0, runErr
}

func (m *Manager) start(attempt int) (*active, error) {
	transport, err := m.opts.NewTransport()
	if err != nil {
		return nil, fmt.Errorf("session: build transport: %w", err)
	}

	id := uuid.NewString()
	sched, err := scheduler.New(m.opts.Config, scheduler.Deps{
		Clock:     m.opts.Clock,
		Transport: transport,
		Cache:     m.cache,
		Chain:     m.chain,
		SessionID: id,
		Log:       m.opts.Log,
	})
	if err != nil {
		transport.Close()
		return nil, err
	}
	for _, t := range m.opts.Tracks {
		if err := sched.AddTrack(t); err != nil {
			sched.Shutdown()
			return nil, err
		}
	}

	cur := &active{
		summary: Summary{
			ID:        id,
			Attempt:   attempt,
			StartedAt: time.Now(),
			Result:    ResultRunning,
		},
		sched: sched,
	}

	m.mu.Lock()
	m.current = cur
	m.mu.Unlock()
	m.started.Add(1)

	m.log.Info("session started", "session", id, "attempt", attempt, "transport", m.opts.Config.Transport)
	m.notify(callback.Event{
		Type:      callback.EventSessionStarted,
		SessionID: id,
		Stream:    m.opts.Config.StreamName,
		Metadata:  map[string]any{"attempt": attempt, "transport": m.opts.Config.Transport},
	})

	if m.closed.Load() {
		sched.Shutdown()
	}
	return cur, nil
}

func (m *Manager) stop(cur *active, snap scheduler.Snapshot, runErr error, cancelled bool) {
	if err := cur.sched.Shutdown(); err != nil {
		m.log.Debug("transport close", "session", cur.summary.ID, "error", err)
	}

	sum := cur.summary
	sum.EndedAt = time.Now()
	sum.BytesSent = snap.BytesSent
	switch {
	case errors.Is(runErr, errdefs.ErrConnectionAborted):
		sum.Result = ResultAborted
	case runErr != nil:
		sum.Result = ResultFailed
	case cancelled || m.closed.Load():
		sum.Result = ResultCancelled
	default:
		sum.Result = ResultFinished
	}
	if runErr != nil {
		sum.Error = runErr.Error()
	}

	m.mu.Lock()
	if m.current == cur {
		m.current = nil
	}
	m.history = append(m.history, sum)
	if len(m.history) > HistorySize {
		m.history = m.history[len(m.history)-HistorySize:]
	}
	m.mu.Unlock()

	m.log.Info("session stopped",
		"session", sum.ID,
		"result", sum.Result,
		"bytes_sent", sum.BytesSent,
		"duration", sum.EndedAt.Sub(sum.StartedAt))
	m.notify(callback.Event{
		Type:      callback.EventSessionStopped,
		SessionID: sum.ID,
		Stream:    m.opts.Config.StreamName,
		Err:       runErr,
		Metadata:  map[string]any{"result": sum.Result, "bytes_sent": sum.BytesSent},
	})
}

func (m *Manager) notify(ev callback.Event) {
	if err := m.chain.Invoke(ev); err != nil {
		m.log.Warn("session notification had listener failures", "event", ev.Type, "error", err)
	}
}

// Status returns the current session's snapshot and the recent history,
// newest last.
func (m *Manager) Status() Status {
	m.mu.RLock()
	cur := m.current
	history := make([]Summary, len(m.history))
	copy(history, m.history)
	m.mu.RUnlock()

	st := Status{
		Stream:     m.opts.Config.StreamName,
		Device:     m.opts.Config.DeviceName,
		Transport:  m.opts.Config.Transport,
		Sessions:   m.started.Load(),
		Reconnects: m.reconnects.Load(),
		History:    history,
	}
	if cur != nil {
		snap := cur.sched.Snapshot()
		st.Current = &snap
	}
	return st
}

// Lookup returns the summary of a running or remembered session.
func (m *Manager) Lookup(id string) (Summary, *scheduler.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current != nil && m.current.summary.ID == id {
		snap := m.current.sched.Snapshot()
		sum := m.current.summary
		sum.BytesSent = snap.BytesSent
		return sum, &snap, true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i], nil, true
		}
	}
	return Summary{}, nil, false
}

// Close shuts down the running session and the shared endpoint cache. Run
// returns shortly after. It is safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.mu.RLock()
		cur := m.current
		m.mu.RUnlock()
		if cur != nil {
			cur.sched.Shutdown()
		}
		m.cache.Close()
	})
}
