package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/framecast/internal/endpoint"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/scheduler"
)

// srtPayloadSize is the largest message SRT live mode carries: 7 MPEG-TS
// packets (188 * 7).
const srtPayloadSize = 1316

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// SRTSender publishes envelopes over an SRT caller connection, split into
// live-mode sized messages.
type SRTSender struct {
	log  *slog.Logger
	opts Options

	mu   sync.Mutex
	conn *srtgo.Conn
	addr string
	buf  []byte
}

// NewSRTSender creates a sender that dials on first Send.
func NewSRTSender(opts Options) *SRTSender {
	opts = opts.withDefaults()
	return &SRTSender{
		log:  opts.Log.With("component", "srt-sender"),
		opts: opts,
	}
}

// Send implements scheduler.Transport.
func (s *SRTSender) Send(ctx context.Context, f *media.Frame, ep endpoint.Endpoint) (scheduler.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connect(ctx, ep); err != nil {
		return scheduler.Outcome{}, err
	}

	buf, err := AppendEnvelope(s.buf[:0], f)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	s.buf = buf

	start := time.Now()
	for off := 0; off < len(buf); off += srtPayloadSize {
		end := min(off+srtPayloadSize, len(buf))
		if _, err := s.conn.Write(buf[off:end]); err != nil {
			s.reset()
			return scheduler.Outcome{Bytes: int64(off), Elapsed: time.Since(start)},
				fmt.Errorf("SRT write to %s: %w", ep.Address(), err)
		}
	}
	return scheduler.Outcome{Bytes: int64(len(buf)), Elapsed: time.Since(start)}, nil
}

func (s *SRTSender) connect(ctx context.Context, ep endpoint.Endpoint) error {
	addr := ep.Address()
	if s.conn != nil && s.addr == addr {
		return nil
	}
	if s.conn != nil {
		s.log.Info("endpoint changed, redialing", "from", s.addr, "to", addr)
		s.reset()
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = StreamID(ep.StreamName)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(s.opts.DialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial %s: %w", addr, res.err)
		}
		s.conn, s.addr = res.conn, addr
		s.log.Info("connected", "addr", addr, "stream_id", cfg.StreamID)
		return nil
	case <-timer.C:
		// Close any connection the abandoned dial still produces.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("SRT dial %s timed out after %s", addr, s.opts.DialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return ctx.Err()
	}
}

func (s *SRTSender) reset() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn, s.addr = nil, ""
}

// Close implements scheduler.Transport.
func (s *SRTSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}
