package transport

import (
	"context"
	"testing"
	"time"

	"github.com/zsiec/framecast/internal/config"
	"github.com/zsiec/framecast/internal/endpoint"
	"github.com/zsiec/framecast/internal/media"
)

func TestStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
		{name: "round trip", streamID: StreamID("cam"), want: "cam"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := StreamKey(tc.streamID); got != tc.want {
				t.Errorf("StreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestNewByKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind string
		ok   func(any) bool
	}{
		{config.TransportSRT, func(v any) bool { _, ok := v.(*SRTSender); return ok }},
		{config.TransportQUIC, func(v any) bool { _, ok := v.(*QUICSender); return ok }},
		{config.TransportWS, func(v any) bool { _, ok := v.(*WSSender); return ok }},
	}
	for _, tc := range tests {
		tr, err := New(tc.kind, Options{})
		if err != nil {
			t.Fatalf("New(%q): %v", tc.kind, err)
		}
		if !tc.ok(tr) {
			t.Fatalf("New(%q) = %T", tc.kind, tr)
		}
		if err := tr.Close(); err != nil {
			t.Fatalf("Close before dial: %v", err)
		}
	}

	if _, err := New("smoke-signal", Options{}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestWSURL(t *testing.T) {
	t.Parallel()

	ep := endpoint.Endpoint{StreamName: "cam 1", Host: "127.0.0.1", Port: 8080}
	if got := WSURL(ep); got != "ws://127.0.0.1:8080/ingest/cam%201" {
		t.Fatalf("WSURL = %q", got)
	}
	ep.Secure = true
	ep.Port = 443
	if got := WSURL(ep); got != "wss://127.0.0.1:443/ingest/cam%201" {
		t.Fatalf("WSURL = %q", got)
	}
}

func TestTLSConfigDefaults(t *testing.T) {
	t.Parallel()

	c := Options{}.tlsConfig("ingest.example.com")
	if c.ServerName != "ingest.example.com" || len(c.NextProtos) != 1 || c.NextProtos[0] != ALPN {
		t.Fatalf("tls config = %+v", c)
	}
}

func TestTLSConfigUsesResolvedServerName(t *testing.T) {
	t.Parallel()

	r := &endpoint.DNSResolver{Host: "localhost", Secure: true}
	ep, err := r.Resolve(context.Background(), "cam")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c := (Options{}).tlsConfig(ep.TLSServerName()); c.ServerName != "localhost" {
		t.Fatalf("ServerName = %q, want localhost (resolved host %s)", c.ServerName, ep.Host)
	}

	if h := wsHeader(ep); h.Get("Host") != "localhost:443" {
		t.Fatalf("Host header = %q, want localhost:443", h.Get("Host"))
	}
	if h := wsHeader(endpoint.Endpoint{Host: "127.0.0.1", Port: 80}); h != nil {
		t.Fatalf("header without server name = %v, want nil", h)
	}
}

func TestSendToClosedPortFails(t *testing.T) {
	t.Parallel()

	s := NewWSSender(Options{DialTimeout: 500 * time.Millisecond})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.Send(ctx, &media.Frame{Payload: []byte("x")}, endpoint.Endpoint{StreamName: "cam", Host: "127.0.0.1", Port: 1})
	if err == nil {
		t.Fatal("expected dial error")
	}
}
