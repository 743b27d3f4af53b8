package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/framecast/internal/callback"
	"github.com/zsiec/framecast/internal/config"
	"github.com/zsiec/framecast/internal/endpoint"
	"github.com/zsiec/framecast/internal/errdefs"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/timeunit"
)

type mockTransport struct {
	mu      sync.Mutex
	frames  []media.Frame
	fail    bool
	err     error
	elapsed time.Duration
	closed  int
}

func (m *mockTransport) Send(_ context.Context, f *media.Frame, _ endpoint.Endpoint) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Outcome{}, m.err
	}
	if m.fail {
		return Outcome{}, errors.New("connection refused")
	}
	cp := *f
	cp.Payload = append([]byte(nil), f.Payload...)
	m.frames = append(m.frames, cp)
	elapsed := m.elapsed
	if elapsed == 0 {
		elapsed = 10 * time.Millisecond
	}
	return Outcome{Bytes: int64(len(f.Payload)), Elapsed: elapsed}, nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) sent() []media.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]media.Frame(nil), m.frames...)
}

type countingResolver struct {
	calls atomic.Int64
}

func (r *countingResolver) Resolve(context.Context, string) (endpoint.Endpoint, error) {
	r.calls.Add(1)
	return endpoint.Endpoint{Host: "127.0.0.1", Port: 9000}, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []callback.Event
}

func (r *eventRecorder) OnEvent(ev callback.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) count(t callback.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	s         *Scheduler
	clock     *timeunit.ManualClock
	transport *mockTransport
	resolver  *countingResolver
	events    *eventRecorder
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.StreamName = "cam"
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		clock:     timeunit.NewManualClock(0),
		transport: &mockTransport{},
		resolver:  &countingResolver{},
		events:    &eventRecorder{},
	}
	chain := callback.New(cfg.CallbackChainCapacity, nil)
	if _, err := chain.Register(h.events); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s, err := New(cfg, Deps{
		Clock:     h.clock,
		Transport: h.transport,
		Resolver:  h.resolver,
		Chain:     chain,
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })
	h.s = s
	return h
}

func (h *harness) push(t *testing.T, id media.TrackID, n int, size int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f := &media.Frame{Seq: uint64(i), Payload: make([]byte, size)}
		if err := h.s.Push(id, f); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
}

// step advances the clock by d and ticks.
func (h *harness) step(d timeunit.Unit) error {
	return h.s.Tick(context.Background(), h.clock.Advance(d))
}

var (
	second   = timeunit.HundredsOfNanosInASecond
	interval = timeunit.DefaultScale.Units(time.Second / 24)
)

func TestFlushWaitsForTrackInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.s.AddTrack(media.VideoTrack(24)); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	h.push(t, media.DefaultVideoTrackID, 3, 100)

	if err := h.s.Tick(context.Background(), h.clock.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n := len(h.transport.sent()); n != 0 {
		t.Fatalf("sent %d frames before the flush interval", n)
	}

	if err := h.step(interval); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	sent := h.transport.sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(sent))
	}
	for i, f := range sent {
		if f.Seq != uint64(i) || f.TrackID != media.DefaultVideoTrackID {
			t.Fatalf("frame %d = seq %d track %d", i, f.Seq, f.TrackID)
		}
	}
}

func TestDrainBudgetPerTick(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) { c.DrainBudget = 4 })
	h.s.AddTrack(media.VideoTrack(24))
	h.push(t, media.DefaultVideoTrackID, 10, 100)

	h.step(interval)
	if n := len(h.transport.sent()); n != 4 {
		t.Fatalf("first flush sent %d, want 4", n)
	}
	h.step(interval)
	h.step(interval)
	if n := len(h.transport.sent()); n != 10 {
		t.Fatalf("after three flushes sent %d, want 10", n)
	}
}

func TestTracksDrainInIDOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.s.AddTrack(media.CaptionTrack(24))
	h.s.AddTrack(media.AudioTrack(24))
	h.s.AddTrack(media.VideoTrack(24))
	h.push(t, media.DefaultCaptionTrackID, 1, 10)
	h.push(t, media.DefaultAudioTrackID, 1, 10)
	h.push(t, media.DefaultVideoTrackID, 1, 10)

	h.step(interval)
	sent := h.transport.sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(sent))
	}
	for i, want := range []media.TrackID{1, 2, 3} {
		if sent[i].TrackID != want {
			t.Fatalf("send %d went to track %d, want %d", i, sent[i].TrackID, want)
		}
	}
}

func TestPushOverflowCountsDrops(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) { c.MaxFramesPerTrack = 4 })
	h.s.AddTrack(media.VideoTrack(24))
	h.push(t, media.DefaultVideoTrackID, 4, 10)

	err := h.s.Push(media.DefaultVideoTrackID, &media.Frame{Seq: 99, Payload: []byte{1}})
	if !errors.Is(err, errdefs.ErrFrameDropped) {
		t.Fatalf("err = %v, want ErrFrameDropped", err)
	}

	ts := h.s.Snapshot().Tracks[0]
	if ts.Dropped != 1 || ts.Depth != 4 || ts.Pushed != 5 {
		t.Fatalf("track stats = %+v", ts)
	}

	if err := h.s.Push(42, &media.Frame{}); !errors.Is(err, ErrUnknownTrack) {
		t.Fatalf("unknown track err = %v", err)
	}
}

func TestAddTrackRespectsTimerCapacity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) { c.TimerQueueCapacity = 5 })
	for _, tr := range []media.Track{media.VideoTrack(24), media.AudioTrack(50), media.CaptionTrack(24)} {
		if err := h.s.AddTrack(tr); err != nil {
			t.Fatalf("AddTrack %d: %v", tr.ID, err)
		}
	}
	err := h.s.AddTrack(media.Track{ID: 4, Kind: media.KindVideo, Name: "alt"})
	if !errors.Is(err, errdefs.ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
	if err := h.s.AddTrack(media.VideoTrack(30)); err == nil {
		t.Fatal("expected duplicate track error")
	}
}

func TestSustainedFailureAbortsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.s.AddTrack(media.Track{ID: 1, Kind: media.KindVideo, Name: "video", FrameRate: 1})
	h.transport.fail = true

	for i := 1; i <= 30; i++ {
		h.push(t, 1, 1, 10)
		if err := h.step(second); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if !h.s.Monitor().IsHealthy() {
		t.Fatal("aborted at exactly the time limit")
	}

	h.push(t, 1, 1, 10)
	if err := h.step(second); !errors.Is(err, errdefs.ErrConnectionAborted) {
		t.Fatalf("err = %v, want ErrConnectionAborted", err)
	}
	if n := h.events.count(callback.EventConnectionAborted); n != 1 {
		t.Fatalf("ConnectionAborted fired %d times, want 1", n)
	}

	select {
	case <-h.s.Done():
	default:
		t.Fatal("Done not closed after abort")
	}
	// Only the endpoint refresh timer survives the teardown.
	if n := h.s.Snapshot().Timers; n != 1 {
		t.Fatalf("timers after abort = %d, want 1", n)
	}

	for i := 0; i < 5; i++ {
		h.step(second)
	}
	if n := h.events.count(callback.EventConnectionAborted); n != 1 {
		t.Fatalf("ConnectionAborted fired %d times after further ticks", n)
	}

	err := h.s.Run(context.Background())
	if !errors.Is(err, errdefs.ErrConnectionAborted) {
		t.Fatalf("Run err = %v, want ErrConnectionAborted", err)
	}
}

func TestFailureAfterIdleGapIsNotSustained(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.s.AddTrack(media.Track{ID: 1, Kind: media.KindVideo, Name: "video", FrameRate: 1})

	h.push(t, 1, 1, 1000)
	if err := h.step(second); err != nil {
		t.Fatalf("healthy tick: %v", err)
	}

	// No frames for 31 s, longer than the low-speed time limit.
	for i := 0; i < 31; i++ {
		if err := h.step(second); err != nil {
			t.Fatalf("idle tick %d: %v", i, err)
		}
	}
	h.clock.Advance(5 * second)

	h.transport.fail = true
	h.push(t, 1, 1, 10)
	if err := h.step(second); err != nil {
		t.Fatalf("failed send aborted the session: %v", err)
	}
	if !h.s.Monitor().IsHealthy() {
		t.Fatal("monitor unhealthy after a single failure")
	}
	if n := h.events.count(callback.EventConnectionAborted); n != 0 {
		t.Fatalf("ConnectionAborted fired %d times, want 0", n)
	}
	if ms := h.s.Monitor().Snapshot().DegradedMs; ms != 1000 {
		t.Fatalf("DegradedMs = %d, want 1000", ms)
	}
}

func TestInvalidFrameIsRejectedNotFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.s.AddTrack(media.VideoTrack(24))
	h.transport.err = fmt.Errorf("encode: %w", errdefs.ErrInvalidFrame)
	h.push(t, media.DefaultVideoTrackID, 3, 10)

	if err := h.step(interval); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	ts := h.s.Snapshot().Tracks[0]
	if ts.Rejected != 3 || ts.Failed != 0 || ts.Sent != 0 || ts.Depth != 0 {
		t.Fatalf("track stats = %+v, want 3 rejected and an empty queue", ts)
	}
	if snap := h.s.Monitor().Snapshot(); snap.Samples != 0 || snap.DegradedMs != 0 {
		t.Fatalf("health = %+v, want no samples", snap)
	}
}

func TestStreamingDurationFinishesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) { c.StreamingDuration = 2 * time.Second })
	h.s.AddTrack(media.VideoTrack(24))

	h.step(second)
	if h.events.count(callback.EventDurationReached) != 0 {
		t.Fatal("duration reached early")
	}
	h.step(second)
	if n := h.events.count(callback.EventDurationReached); n != 1 {
		t.Fatalf("DurationReached fired %d times, want 1", n)
	}
	h.step(2 * second)
	if n := h.events.count(callback.EventDurationReached); n != 1 {
		t.Fatalf("DurationReached is one-shot, fired %d times", n)
	}

	if err := h.s.Run(context.Background()); err != nil {
		t.Fatalf("Run after duration = %v, want nil", err)
	}
	if got := h.s.Snapshot().State; got != "finished" {
		t.Fatalf("state = %q", got)
	}
}

func TestEndpointRefreshTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.s.AddTrack(media.VideoTrack(24))
	h.push(t, media.DefaultVideoTrackID, 1, 10)
	h.step(interval)
	if h.resolver.calls.Load() != 1 {
		t.Fatalf("cold start resolutions = %d, want 1", h.resolver.calls.Load())
	}

	h.clock.Set(40 * timeunit.HundredsOfNanosInAMinute)
	h.s.Tick(context.Background(), h.clock.Now())
	h.s.Shutdown()

	if n := h.resolver.calls.Load(); n < 2 {
		t.Fatalf("resolutions after refresh period = %d, want at least 2", n)
	}
	if ep := h.s.Snapshot().Endpoint; ep == nil || ep.Port != 9000 {
		t.Fatalf("snapshot endpoint = %+v", ep)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.s.AddTrack(media.VideoTrack(24))
	held := &media.Frame{Payload: []byte("queued")}
	h.s.Push(media.DefaultVideoTrackID, held)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.s.Shutdown()
		}()
	}
	wg.Wait()

	if h.transport.closed != 1 {
		t.Fatalf("transport closed %d times, want 1", h.transport.closed)
	}
	if held.Payload != nil {
		t.Fatal("queued frame not released")
	}
	if n := h.s.Snapshot().Timers; n != 0 {
		t.Fatalf("timers after shutdown = %d", n)
	}
	if err := h.s.Push(media.DefaultVideoTrackID, &media.Frame{}); !errors.Is(err, errdefs.ErrClosed) {
		t.Fatalf("Push after shutdown = %v", err)
	}
	if err := h.s.Tick(context.Background(), h.clock.Now()); !errors.Is(err, errdefs.ErrClosed) {
		t.Fatalf("Tick after shutdown = %v", err)
	}
	if err := h.s.Run(context.Background()); err != nil {
		t.Fatalf("Run after shutdown = %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config) { c.TickInterval = time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- h.s.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSnapshotJSON(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.s.AddTrack(media.VideoTrack(24))
	h.push(t, media.DefaultVideoTrackID, 2, 500)
	h.step(interval)

	snap := h.s.Snapshot()
	if snap.BytesSent != 1000 || snap.Tracks[0].Sent != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Health.State != "healthy" {
		t.Fatalf("health = %q", snap.Health.State)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"sessionId", "tracks", "health", "endpoint", "timers"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("snapshot JSON missing %q", key)
		}
	}
}
