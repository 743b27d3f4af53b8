package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/framecast/internal/endpoint"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/scheduler"
)

// QUIC transport parameters.
const (
	quicKeepAlive   = 10 * time.Second
	quicIdleTimeout = 30 * time.Second
)

// QUICSender publishes envelopes on one unidirectional QUIC stream per
// connection. The stream opens with the varint-prefixed stream ID.
type QUICSender struct {
	log  *slog.Logger
	opts Options

	mu     sync.Mutex
	conn   quic.Connection
	stream quic.SendStream
	addr   string
	buf    []byte
}

// NewQUICSender creates a sender that dials on first Send.
func NewQUICSender(opts Options) *QUICSender {
	opts = opts.withDefaults()
	return &QUICSender{
		log:  opts.Log.With("component", "quic-sender"),
		opts: opts,
	}
}

// Send implements scheduler.Transport.
func (q *QUICSender) Send(ctx context.Context, f *media.Frame, ep endpoint.Endpoint) (scheduler.Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.connect(ctx, ep); err != nil {
		return scheduler.Outcome{}, err
	}

	buf, err := AppendEnvelope(q.buf[:0], f)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	q.buf = buf

	start := time.Now()
	q.stream.SetWriteDeadline(start.Add(q.opts.WriteTimeout))
	n, err := q.stream.Write(buf)
	out := scheduler.Outcome{Bytes: int64(n), Elapsed: time.Since(start)}
	if err != nil {
		q.reset("write failed")
		return out, fmt.Errorf("QUIC write to %s: %w", ep.Address(), err)
	}
	return out, nil
}

func (q *QUICSender) connect(ctx context.Context, ep endpoint.Endpoint) error {
	addr := ep.Address()
	if q.conn != nil && q.addr == addr {
		return nil
	}
	if q.conn != nil {
		q.log.Info("endpoint changed, redialing", "from", q.addr, "to", addr)
		q.reset("endpoint changed")
	}

	dialCtx, cancel := context.WithTimeout(ctx, q.opts.DialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, addr, q.opts.tlsConfig(ep.TLSServerName()), &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("QUIC dial %s: %w", addr, err)
	}
	stream, err := conn.OpenUniStreamSync(dialCtx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return fmt.Errorf("QUIC open stream to %s: %w", addr, err)
	}
	if err := WriteStreamHeader(stream, StreamID(ep.StreamName)); err != nil {
		conn.CloseWithError(0, "stream header failed")
		return fmt.Errorf("QUIC stream header to %s: %w", addr, err)
	}

	q.conn, q.stream, q.addr = conn, stream, addr
	q.log.Info("connected", "addr", addr, "stream", ep.StreamName)
	return nil
}

// WriteStreamHeader writes the varint-prefixed stream ID that opens a QUIC
// publish stream.
func WriteStreamHeader(w io.Writer, streamID string) error {
	buf := quicvarint.Append(nil, uint64(len(streamID)))
	buf = append(buf, streamID...)
	_, err := w.Write(buf)
	return err
}

// ReadStreamHeader reads the stream ID written by WriteStreamHeader.
func ReadStreamHeader(r quicvarint.Reader) (string, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return "", err
	}
	if n > 1024 {
		return "", fmt.Errorf("transport: stream id of %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (q *QUICSender) reset(reason string) {
	if q.stream != nil {
		q.stream.Close()
	}
	if q.conn != nil {
		q.conn.CloseWithError(0, reason)
	}
	q.conn, q.stream, q.addr = nil, nil, ""
}

// Close implements scheduler.Transport.
func (q *QUICSender) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reset("shutdown")
	return nil
}
