package ingest

import (
	"context"
	"fmt"
	"log/slog"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/framecast/internal/transport"
)

// srtReadBufferSize holds ten live-mode SRT messages of 1316 bytes.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// SRTServer accepts SRT publish connections and decodes their envelopes.
type SRTServer struct {
	log      *slog.Logger
	addr     string
	registry *Registry
	ready    chan string
}

// NewSRTServer creates an SRT server listening on addr. If log is nil,
// slog.Default() is used.
func NewSRTServer(addr string, registry *Registry, log *slog.Logger) *SRTServer {
	if log == nil {
		log = slog.Default()
	}
	return &SRTServer{
		log:      log.With("component", "srt-ingest"),
		addr:     addr,
		registry: registry,
		ready:    make(chan string, 1),
	}
}

// Ready delivers the listen address once the listener is up.
func (s *SRTServer) Ready() <-chan string {
	return s.ready
}

// Start accepts publishers until ctx is cancelled.
func (s *SRTServer) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)
	s.ready <- s.addr

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if _, active := s.registry.Get(transport.StreamKey(req.StreamID)); active {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *SRTServer) handleConnection(conn *srtgo.Conn) {
	defer conn.Close()

	key := transport.StreamKey(conn.StreamID())
	stream, err := s.registry.Register(key, ProtocolSRT)
	if err != nil {
		s.log.Warn("rejecting publisher", "stream_key", key, "error", err)
		return
	}
	defer s.registry.Unregister(key)
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())

	if err := s.registry.consume(stream, conn, srtReadBufferSize); err != nil {
		s.log.Debug("read error", "stream_key", key, "error", err)
	}

	stats := stream.IngestStats()
	s.log.Info("connection closed", "stream_key", key,
		"bytes", stats.BytesReceived, "frames", stats.FrameCount,
		"uptime_ms", stats.UptimeMs)
}
