// Package health tracks transfer throughput for one upload session and
// decides when a connection has been too slow for too long to keep.
package health

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/framecast/internal/callback"
	"github.com/zsiec/framecast/internal/errdefs"
	"github.com/zsiec/framecast/internal/timeunit"
)

// Defaults for the low-speed abort.
const (
	DefaultLowSpeedLimit     = 30 // bytes per second
	DefaultLowSpeedTimeLimit = 30 * time.Second
)

// State is the connection health state. Aborted is terminal.
type State int

const (
	Healthy State = iota
	Degraded
	Aborted
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Notifier receives the abort event. *callback.Chain satisfies it.
type Notifier interface {
	Invoke(ev callback.Event) error
}

// Config tunes a Monitor.
type Config struct {
	LowSpeedLimit     int64
	LowSpeedTimeLimit time.Duration
	Scale             timeunit.Scale
	SessionID         string
	Stream            string
}

// Snapshot is a point-in-time view of the monitor.
type Snapshot struct {
	State       string  `json:"state"`
	LastRate    float64 `json:"lastRateBps"`
	DegradedMs  int64   `json:"degradedMs"`
	Samples     int64   `json:"samples"`
	BytesTotal  int64   `json:"bytesTotal"`
	LowSpeedBps int64   `json:"lowSpeedLimitBps"`
	TimeLimitMs int64   `json:"lowSpeedTimeLimitMs"`
}

// Monitor implements the Healthy → Degraded → Aborted state machine for a
// single session. A new session needs a new Monitor.
type Monitor struct {
	log      *slog.Logger
	cfg      Config
	limit    timeunit.Unit
	notifier Notifier

	mu         sync.Mutex
	state      State
	degraded   timeunit.Unit
	lastRate   float64
	samples    int64
	bytesTotal int64
}

// New creates a Monitor. Zero config fields take the package defaults. If
// log is nil, slog.Default() is used; notifier may be nil.
func New(cfg Config, notifier Notifier, log *slog.Logger) *Monitor {
	if cfg.LowSpeedLimit <= 0 {
		cfg.LowSpeedLimit = DefaultLowSpeedLimit
	}
	if cfg.LowSpeedTimeLimit <= 0 {
		cfg.LowSpeedTimeLimit = DefaultLowSpeedTimeLimit
	}
	if cfg.Scale <= 0 {
		cfg.Scale = timeunit.DefaultScale
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		log:      log.With("component", "health", "session", cfg.SessionID),
		cfg:      cfg,
		limit:    cfg.Scale.Units(cfg.LowSpeedTimeLimit),
		notifier: notifier,
	}
}

// OnBytesTransferred records that n bytes moved in elapsed ticks and returns
// the resulting state. A sample below the low-speed limit adds elapsed to
// the degraded-time accumulator; a sample at or above it resets the monitor
// to Healthy. Once the accumulator exceeds the time limit the monitor
// aborts and notifies exactly once. Samples with no elapsed time carry no
// rate and are ignored.
func (m *Monitor) OnBytesTransferred(n int64, elapsed timeunit.Unit) State {
	m.mu.Lock()
	if m.state == Aborted || elapsed <= 0 {
		s := m.state
		m.mu.Unlock()
		return s
	}

	m.samples++
	m.bytesTotal += n
	m.lastRate = float64(n) / m.cfg.Scale.Seconds(elapsed)

	if m.lastRate >= float64(m.cfg.LowSpeedLimit) {
		if m.state == Degraded {
			m.log.Info("transfer rate recovered", "rate_bps", m.lastRate)
		}
		m.state = Healthy
		m.degraded = 0
		m.mu.Unlock()
		return Healthy
	}

	m.degraded += elapsed
	if m.degraded <= m.limit {
		if m.state == Healthy {
			m.log.Debug("transfer rate below limit",
				"rate_bps", m.lastRate,
				"limit_bps", m.cfg.LowSpeedLimit)
		}
		m.state = Degraded
		m.mu.Unlock()
		return Degraded
	}

	m.state = Aborted
	degraded := m.cfg.Scale.Duration(m.degraded)
	rate := m.lastRate
	m.mu.Unlock()

	m.log.Warn("aborting slow connection",
		"degraded_for", degraded,
		"rate_bps", rate,
		"limit_bps", m.cfg.LowSpeedLimit)

	if m.notifier != nil {
		ev := callback.Event{
			Type:      callback.EventConnectionAborted,
			SessionID: m.cfg.SessionID,
			Stream:    m.cfg.Stream,
			Err:       fmt.Errorf("%w: below %d B/s for %s", errdefs.ErrConnectionAborted, m.cfg.LowSpeedLimit, degraded),
			Metadata: map[string]any{
				"rate_bps":     rate,
				"degraded_for": degraded,
			},
		}
		if err := m.notifier.Invoke(ev); err != nil {
			m.log.Warn("abort notification had listener failures", "error", err)
		}
	}
	return Aborted
}

// IsHealthy reports whether the session may keep transferring. Degraded
// connections are still healthy; only Aborted is not.
func (m *Monitor) IsHealthy() bool {
	return m.State() != Aborted
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current counters.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:       m.state.String(),
		LastRate:    m.lastRate,
		DegradedMs:  m.cfg.Scale.Duration(m.degraded).Milliseconds(),
		Samples:     m.samples,
		BytesTotal:  m.bytesTotal,
		LowSpeedBps: m.cfg.LowSpeedLimit,
		TimeLimitMs: m.cfg.LowSpeedTimeLimit.Milliseconds(),
	}
}
