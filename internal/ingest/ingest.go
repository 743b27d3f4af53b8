// Package ingest is a loopback ingest sink for framecast publishers. It
// accepts envelope-framed frames over SRT, QUIC and WebSocket, tracks
// per-stream counters, and hands decoded frames to an optional callback.
package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/transport"
)

// Protocol names the transport a stream arrived on.
type Protocol string

const (
	ProtocolSRT  Protocol = "srt"
	ProtocolQUIC Protocol = "quic"
	ProtocolWS   Protocol = "ws"
)

// ErrStreamActive is returned when a second publisher claims a stream key.
var ErrStreamActive = errors.New("ingest: stream already active")

// IngestStats captures connection-level metrics for an ingest stream.
type IngestStats struct {
	Key           string           `json:"key"`
	Protocol      Protocol         `json:"protocol"`
	BytesReceived int64            `json:"bytesReceived"`
	FrameCount    int64            `json:"frameCount"`
	KeyFrames     int64            `json:"keyFrames"`
	Gaps          int64            `json:"gaps"`
	TrackFrames   map[uint32]int64 `json:"trackFrames"`
	ConnectedAt   int64            `json:"connectedAt"`
	UptimeMs      int64            `json:"uptimeMs"`
	RemoteAddr    string           `json:"remoteAddr"`
}

// Stream is one active publisher connection.
type Stream struct {
	Key       string
	Protocol  Protocol
	StartedAt time.Time
	done      chan struct{}

	bytesReceived atomic.Int64
	frameCount    atomic.Int64
	keyFrames     atomic.Int64
	gaps          atomic.Int64
	remoteAddr    atomic.Value

	mu      sync.Mutex
	tracks  map[media.TrackID]int64
	lastSeq map[media.TrackID]uint64
}

// RecordFrame counts a decoded frame of n wire bytes. A sequence number
// that skips ahead on its track counts as a gap.
func (s *Stream) RecordFrame(f *media.Frame, n int64) {
	s.bytesReceived.Add(n)
	s.frameCount.Add(1)
	if f.IsKeyFrame() {
		s.keyFrames.Add(1)
	}

	s.mu.Lock()
	last, seen := s.lastSeq[f.TrackID]
	if seen && f.Seq > last+1 {
		s.gaps.Add(1)
	}
	s.lastSeq[f.TrackID] = f.Seq
	s.tracks[f.TrackID]++
	s.mu.Unlock()
}

// SetRemoteAddr stores the publisher's address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// IngestStats returns a snapshot of the stream's counters.
func (s *Stream) IngestStats() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	s.mu.Lock()
	tracks := make(map[uint32]int64, len(s.tracks))
	for id, n := range s.tracks {
		tracks[uint32(id)] = n
	}
	s.mu.Unlock()

	return IngestStats{
		Key:           s.Key,
		Protocol:      s.Protocol,
		BytesReceived: s.bytesReceived.Load(),
		FrameCount:    s.frameCount.Load(),
		KeyFrames:     s.keyFrames.Load(),
		Gaps:          s.gaps.Load(),
		TrackFrames:   tracks,
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// FrameFunc receives every decoded frame. It runs on the connection's
// goroutine and must not retain f.Payload past the call unless it copies it.
type FrameFunc func(key string, f *media.Frame)

// Registry tracks active ingest streams by key. It is the rendezvous point
// between the protocol listeners and whoever consumes the frames.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
	totals  map[string]IngestStats

	onFrame FrameFunc
}

// NewRegistry creates a Registry. onFrame may be nil.
func NewRegistry(onFrame FrameFunc) *Registry {
	return &Registry{
		streams: make(map[string]*Stream),
		totals:  make(map[string]IngestStats),
		onFrame: onFrame,
	}
}

// Register claims key for a new publisher. A key that is already active is
// rejected with ErrStreamActive.
func (r *Registry) Register(key string, proto Protocol) (*Stream, error) {
	stream := &Stream{
		Key:       key,
		Protocol:  proto,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
		tracks:    make(map[media.TrackID]int64),
		lastSeq:   make(map[media.TrackID]uint64),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[key]; ok {
		return nil, fmt.Errorf("%w: %q", ErrStreamActive, key)
	}
	r.streams[key] = stream
	return stream, nil
}

// Unregister removes a stream by key, keeping its final counters for
// Finished, and closes Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
		r.totals[key] = stream.IngestStats()
	}
	r.mu.Unlock()

	if ok {
		close(stream.done)
	}
}

// Get returns the active Stream for key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Finished returns the final counters of the last stream that ended under key.
func (r *Registry) Finished(key string) (IngestStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.totals[key]
	return s, ok
}

// List returns stats for every active stream, sorted by key.
func (r *Registry) List() []IngestStats {
	r.mu.RLock()
	out := make([]IngestStats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.IngestStats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// countingReader counts bytes pulled from the connection.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// consume decodes envelopes from r until it ends, recording each frame on
// stream. A clean end between envelopes returns nil.
func (r *Registry) consume(stream *Stream, src io.Reader, bufSize int) error {
	cr := &countingReader{r: src}
	br := bufio.NewReaderSize(cr, bufSize)
	var prev int64
	for {
		f, err := transport.ReadEnvelope(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		used := cr.n - int64(br.Buffered())
		stream.RecordFrame(f, used-prev)
		prev = used
		if r.onFrame != nil {
			r.onFrame(stream.Key, f)
		}
	}
}
