// Package transport ships frames to the ingest endpoint over SRT, QUIC or
// WebSocket. Each frame travels inside a small varint envelope; senders dial
// lazily and re-dial when the cached endpoint address changes.
package transport

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zsiec/framecast/internal/config"
	"github.com/zsiec/framecast/internal/scheduler"
)

// ALPN is the application protocol negotiated on QUIC and TLS connections.
const ALPN = "framecast"

// Default timeouts.
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// Options configure a sender.
type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// TLS is cloned for every dial. ServerName and NextProtos are filled
	// in when empty.
	TLS *tls.Config
	Log *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// tlsConfig returns the dial config for serverName, which must be the name
// the ingest certificate was issued for, not a resolved address.
func (o Options) tlsConfig(serverName string) *tls.Config {
	var c *tls.Config
	if o.TLS != nil {
		c = o.TLS.Clone()
	} else {
		c = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	if c.ServerName == "" {
		c.ServerName = serverName
	}
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{ALPN}
	}
	return c
}

// StreamID is the identifier a sender announces for a stream, in the
// "live/<key>" form the ingest side strips.
func StreamID(stream string) string {
	return "live/" + stream
}

// StreamKey reverses StreamID, defaulting to "default" for an empty id.
func StreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}

// New returns the sender for kind, one of the config.Transport* names.
func New(kind string, opts Options) (scheduler.Transport, error) {
	switch kind {
	case config.TransportSRT:
		return NewSRTSender(opts), nil
	case config.TransportQUIC:
		return NewQUICSender(opts), nil
	case config.TransportWS:
		return NewWSSender(opts), nil
	}
	return nil, fmt.Errorf("transport: unknown kind %q", kind)
}
