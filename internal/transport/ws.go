package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/framecast/internal/endpoint"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/scheduler"
)

// WSPath is the route prefix the ingest sink serves WebSocket publishers on.
const WSPath = "/ingest/"

// WSSender publishes one envelope per binary WebSocket message.
type WSSender struct {
	log  *slog.Logger
	opts Options

	mu   sync.Mutex
	conn *websocket.Conn
	addr string
	buf  []byte
}

// NewWSSender creates a sender that dials on first Send.
func NewWSSender(opts Options) *WSSender {
	opts = opts.withDefaults()
	return &WSSender{
		log:  opts.Log.With("component", "ws-sender"),
		opts: opts,
	}
}

// WSURL returns the publish URL for an endpoint.
func WSURL(ep endpoint.Endpoint) string {
	u := url.URL{Scheme: "ws", Host: ep.Address(), Path: WSPath + url.PathEscape(ep.StreamName)}
	if ep.Secure {
		u.Scheme = "wss"
	}
	return u.String()
}

// Send implements scheduler.Transport.
func (w *WSSender) Send(ctx context.Context, f *media.Frame, ep endpoint.Endpoint) (scheduler.Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.connect(ctx, ep); err != nil {
		return scheduler.Outcome{}, err
	}

	buf, err := AppendEnvelope(w.buf[:0], f)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	w.buf = buf

	start := time.Now()
	w.conn.SetWriteDeadline(start.Add(w.opts.WriteTimeout))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		w.reset()
		return scheduler.Outcome{Elapsed: time.Since(start)}, fmt.Errorf("websocket write to %s: %w", ep.Address(), err)
	}
	return scheduler.Outcome{Bytes: int64(len(buf)), Elapsed: time.Since(start)}, nil
}

func (w *WSSender) connect(ctx context.Context, ep endpoint.Endpoint) error {
	target := WSURL(ep)
	if w.conn != nil && w.addr == target {
		return nil
	}
	if w.conn != nil {
		w.log.Info("endpoint changed, redialing", "from", w.addr, "to", target)
		w.reset()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: w.opts.DialTimeout,
		TLSClientConfig:  w.opts.tlsConfig(ep.TLSServerName()),
	}
	dialCtx, cancel := context.WithTimeout(ctx, w.opts.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, target, wsHeader(ep))
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", target, err)
	}
	w.conn, w.addr = conn, target
	w.log.Info("connected", "url", target)
	return nil
}

// wsHeader carries the configured host name when the URL holds a resolved
// address.
func wsHeader(ep endpoint.Endpoint) http.Header {
	if ep.ServerName == "" || ep.ServerName == ep.Host {
		return nil
	}
	h := http.Header{}
	h.Set("Host", net.JoinHostPort(ep.ServerName, strconv.Itoa(ep.Port)))
	return h
}

func (w *WSSender) reset() {
	if w.conn != nil {
		w.conn.SetWriteDeadline(time.Now().Add(time.Second))
		w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.conn.Close()
	}
	w.conn, w.addr = nil, ""
}

// Close implements scheduler.Transport.
func (w *WSSender) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reset()
	return nil
}
