package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/framecast/internal/transport"
)

const (
	quicReadBufferSize = 64 << 10
	quicIdleTimeout    = 30 * time.Second
)

// QUICServer accepts QUIC publishers. Each connection carries one
// unidirectional stream that opens with the stream ID header.
type QUICServer struct {
	log      *slog.Logger
	addr     string
	tls      *tls.Config
	registry *Registry
	ready    chan string
}

// NewQUICServer creates a QUIC server on addr. tlsConf must carry a
// certificate; its ALPN is forced to transport.ALPN.
func NewQUICServer(addr string, tlsConf *tls.Config, registry *Registry, log *slog.Logger) *QUICServer {
	if log == nil {
		log = slog.Default()
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{transport.ALPN}
	return &QUICServer{
		log:      log.With("component", "quic-ingest"),
		addr:     addr,
		tls:      tlsConf,
		registry: registry,
		ready:    make(chan string, 1),
	}
}

// Ready delivers the bound address once the listener is up.
func (s *QUICServer) Ready() <-chan string {
	return s.ready
}

// Start accepts publishers until ctx is cancelled.
func (s *QUICServer) Start(ctx context.Context) error {
	ln, err := quic.ListenAddr(s.addr, s.tls, &quic.Config{MaxIdleTimeout: quicIdleTimeout})
	if err != nil {
		return fmt.Errorf("QUIC listen on %s: %w", s.addr, err)
	}
	defer ln.Close()
	s.log.Info("listening", "addr", ln.Addr())
	s.ready <- ln.Addr().String()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *QUICServer) handleConnection(ctx context.Context, conn quic.Connection) {
	defer conn.CloseWithError(0, "")

	stream, err := conn.AcceptUniStream(ctx)
	if err != nil {
		s.log.Debug("no publish stream", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	r := quicvarint.NewReader(stream)
	streamID, err := transport.ReadStreamHeader(r)
	if err != nil {
		s.log.Warn("bad stream header", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	key := transport.StreamKey(streamID)
	st, err := s.registry.Register(key, ProtocolQUIC)
	if err != nil {
		s.log.Warn("rejecting publisher", "stream_key", key, "error", err)
		stream.CancelRead(1)
		return
	}
	defer s.registry.Unregister(key)
	st.SetRemoteAddr(conn.RemoteAddr().String())
	s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())

	if err := s.registry.consume(st, r, quicReadBufferSize); err != nil {
		s.log.Debug("read error", "stream_key", key, "error", err)
	}
}
