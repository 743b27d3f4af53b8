package scheduler

import (
	"github.com/zsiec/framecast/internal/endpoint"
	"github.com/zsiec/framecast/internal/health"
)

// TrackStats is the per-track part of a Snapshot.
type TrackStats struct {
	ID       uint32 `json:"id"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	FPS      int    `json:"fps"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
	Pushed   uint64 `json:"pushed"`
	Dropped  uint64 `json:"dropped"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Rejected uint64 `json:"rejected"`
}

// Snapshot is a point-in-time view of a session for status reporting.
type Snapshot struct {
	SessionID string             `json:"sessionId"`
	Stream    string             `json:"stream"`
	State     string             `json:"state"`
	Transport string             `json:"transport"`
	BytesSent int64              `json:"bytesSent"`
	Timers    int                `json:"timers"`
	Tracks    []TrackStats       `json:"tracks"`
	Health    health.Snapshot    `json:"health"`
	Endpoint  *endpoint.Endpoint `json:"endpoint,omitempty"`
}

// Snapshot collects the session's counters. It never resolves the endpoint.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID: s.sessionID,
		Stream:    s.cfg.StreamName,
		State:     state(s.state.Load()).String(),
		Transport: s.cfg.Transport,
		BytesSent: s.bytesSent.Load(),
		Timers:    s.timers.Len(),
		Health:    s.monitor.Snapshot(),
	}
	if ep, ok := s.cache.Peek(s.cfg.StreamName); ok {
		snap.Endpoint = &ep
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap.Tracks = make([]TrackStats, 0, len(s.order))
	for _, id := range s.order {
		tr := s.tracks[id]
		snap.Tracks = append(snap.Tracks, TrackStats{
			ID:       uint32(id),
			Kind:     tr.info.Kind.String(),
			Name:     tr.info.Name,
			FPS:      tr.info.FrameRate,
			Depth:    tr.queue.Len(),
			Capacity: tr.queue.Cap(),
			Pushed:   tr.queue.Pushed(),
			Dropped:  tr.queue.Dropped(),
			Sent:     tr.sent.Load(),
			Failed:   tr.failed.Load(),
			Rejected: tr.rejected.Load(),
		})
	}
	return snap
}
