package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zsiec/framecast/internal/capture"
	"github.com/zsiec/framecast/internal/health"
	"github.com/zsiec/framecast/internal/scheduler"
	"github.com/zsiec/framecast/internal/session"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var (
	finished = session.Summary{ID: "s-1", Result: session.ResultAborted, BytesSent: 10}
	running  = session.Summary{ID: "s-2", Attempt: 1, Result: session.ResultRunning}
)

func newTestServer(t *testing.T, withCurrent bool) *Server {
	t.Helper()
	status := func() session.Status {
		st := session.Status{
			Stream:    "cam1",
			Transport: "srt",
			Sessions:  1,
			History:   []session.Summary{finished},
		}
		if withCurrent {
			st.Sessions = 2
			st.Current = &scheduler.Snapshot{
				SessionID: running.ID,
				State:     "running",
				Health:    health.Snapshot{State: health.Healthy.String()},
			}
		}
		return st
	}
	lookup := func(id string) (session.Summary, *scheduler.Snapshot, bool) {
		switch {
		case id == finished.ID:
			return finished, nil, true
		case withCurrent && id == running.ID:
			return running, &scheduler.Snapshot{SessionID: running.ID, BytesSent: 42}, true
		}
		return session.Summary{}, nil, false
	}
	srv, err := NewServer(ServerConfig{
		Status:  status,
		Lookup:  lookup,
		Capture: func() capture.Stats { return capture.Stats{Produced: 7, Dropped: 2} },
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, true).Handler(), "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Stream != "cam1" || resp.Sessions != 2 {
		t.Fatalf("stream = %q sessions = %d", resp.Stream, resp.Sessions)
	}
	if resp.Current == nil || resp.Current.SessionID != running.ID {
		t.Fatalf("current = %+v, want %s", resp.Current, running.ID)
	}
	if resp.Capture == nil || resp.Capture.Produced != 7 || resp.Capture.Dropped != 2 {
		t.Fatalf("capture = %+v", resp.Capture)
	}
}

func TestHandleListSessions(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, true).Handler(), "/api/sessions")
	var sessions []session.Summary
	if err := json.NewDecoder(rec.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != finished.ID || sessions[1].ID != running.ID {
		t.Fatalf("order = %s, %s", sessions[0].ID, sessions[1].ID)
	}
}

func TestHandleSession(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, true).Handler()

	rec := get(t, h, "/api/sessions/"+running.ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Snapshot == nil || resp.Snapshot.BytesSent != 42 {
		t.Fatalf("snapshot = %+v", resp.Snapshot)
	}

	rec = get(t, h, "/api/sessions/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	var errResp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil || errResp.Error == "" {
		t.Fatalf("error body = %+v (%v)", errResp, err)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	if rec := get(t, newTestServer(t, true).Handler(), "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("status with session = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := get(t, newTestServer(t, false).Handler(), "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status without session = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestCORSHeader(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, false).Handler(), "/api/status")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestNewServerRequiresStatus(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(ServerConfig{}); err == nil {
		t.Fatal("expected error without Status")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, true)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
