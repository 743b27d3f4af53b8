package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zsiec/framecast/internal/errdefs"
	"github.com/zsiec/framecast/internal/timeunit"
)

// Default cache timing.
const (
	DefaultTTL          = 40 * time.Minute
	DefaultUpdatePeriod = 40 * time.Minute
)

// StalePolicy decides what Get does with an expired entry.
type StalePolicy int

const (
	// ServeStale returns the expired value and refreshes in the background.
	ServeStale StalePolicy = iota
	// ResolveOnExpiry resolves synchronously, falling back to the expired
	// value if resolution fails.
	ResolveOnExpiry
)

func (p StalePolicy) String() string {
	switch p {
	case ServeStale:
		return "serve-stale"
	case ResolveOnExpiry:
		return "resolve-on-expiry"
	}
	return fmt.Sprintf("StalePolicy(%d)", int(p))
}

// ParseStalePolicy accepts the names produced by StalePolicy.String.
func ParseStalePolicy(s string) (StalePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "serve-stale", "stale":
		return ServeStale, nil
	case "resolve-on-expiry", "resolve":
		return ResolveOnExpiry, nil
	}
	return 0, fmt.Errorf("endpoint: unknown stale policy %q", s)
}

// CacheConfig tunes a Cache.
type CacheConfig struct {
	TTL        time.Duration
	Scale      timeunit.Scale
	Policy     StalePolicy
	NameMaxLen int
}

type entry struct {
	ep      atomic.Pointer[Endpoint]
	pending atomic.Bool
}

// Cache holds the last good Endpoint per stream.
type Cache struct {
	log      *slog.Logger
	resolver Resolver
	clock    timeunit.Clock
	cfg      CacheConfig
	ttl      timeunit.Unit

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	refreshing atomic.Bool
	refreshes  atomic.Int64
	failures   atomic.Int64
}

// NewCache creates a Cache backed by resolver. If log is nil, slog.Default()
// is used.
func NewCache(resolver Resolver, clock timeunit.Clock, cfg CacheConfig, log *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Scale <= 0 {
		cfg.Scale = timeunit.DefaultScale
	}
	if cfg.NameMaxLen <= 0 {
		cfg.NameMaxLen = DefaultNameMaxLen
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		log:      log.With("component", "endpoint-cache"),
		resolver: resolver,
		clock:    clock,
		cfg:      cfg,
		ttl:      cfg.Scale.Units(cfg.TTL),
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
	}
}

func (c *Cache) entry(stream string) *entry {
	c.mu.RLock()
	e, ok := c.entries[stream]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[stream]; !ok {
		e = &entry{}
		c.entries[stream] = e
	}
	return e
}

// Get returns the endpoint for stream. A value within its TTL is returned
// as is. With no cached value the endpoint is resolved synchronously, with
// concurrent callers sharing one resolution. An expired value is handled
// per the configured StalePolicy.
func (c *Cache) Get(ctx context.Context, stream string) (Endpoint, error) {
	if err := ValidateName("stream", stream, c.cfg.NameMaxLen); err != nil {
		return Endpoint{}, err
	}

	e := c.entry(stream)
	cached := e.ep.Load()
	if cached == nil {
		return c.resolve(ctx, stream, e)
	}

	now := c.clock.Now()
	if !cached.Expired(now) {
		return *cached, nil
	}

	if c.cfg.Policy == ServeStale {
		c.refreshStream(stream, e)
		return *cached, nil
	}

	fresh, err := c.resolve(ctx, stream, e)
	if err != nil {
		c.log.Warn("serving expired endpoint after failed resolution",
			"stream", stream,
			"age", c.cfg.Scale.Duration(cached.Age(now)),
			"error", err)
		return *cached, nil
	}
	return fresh, nil
}

// Peek returns the cached endpoint without resolving.
func (c *Cache) Peek(stream string) (Endpoint, bool) {
	c.mu.RLock()
	e, ok := c.entries[stream]
	c.mu.RUnlock()
	if !ok {
		return Endpoint{}, false
	}
	ep := e.ep.Load()
	if ep == nil {
		return Endpoint{}, false
	}
	return *ep, true
}

func (c *Cache) resolve(ctx context.Context, stream string, e *entry) (Endpoint, error) {
	v, err, _ := c.group.Do(stream, func() (any, error) {
		ep, err := c.resolver.Resolve(ctx, stream)
		if err != nil {
			c.failures.Add(1)
			return Endpoint{}, &errdefs.ResolutionError{Stream: stream, Err: err}
		}
		ep.StreamName = stream
		ep.ResolvedAt = c.clock.Now()
		ep.TTL = c.ttl
		e.ep.Store(&ep)
		c.refreshes.Add(1)
		c.log.Debug("endpoint resolved", "stream", stream, "addr", ep.Address())
		return ep, nil
	})
	if err != nil {
		return Endpoint{}, err
	}
	return v.(Endpoint), nil
}

// refreshStream resolves stream in the background unless a refresh for it
// is already pending.
func (c *Cache) refreshStream(stream string, e *entry) {
	if !e.pending.CompareAndSwap(false, true) {
		return
	}
	if !c.spawn(func(ctx context.Context) {
		defer e.pending.Store(false)
		if _, err := c.resolve(ctx, stream, e); err != nil {
			c.log.Warn("background endpoint refresh failed", "stream", stream, "error", err)
		}
	}) {
		e.pending.Store(false)
	}
}

// spawn runs fn on a tracked goroutine. It returns false after Close.
func (c *Cache) spawn(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return true
}

// Refresh re-resolves every stream seen so far. A stream whose resolution
// fails keeps its previous value; the joined error matches
// errdefs.ErrEndpointResolution.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.RLock()
	streams := make([]string, 0, len(c.entries))
	for s := range c.entries {
		streams = append(streams, s)
	}
	c.mu.RUnlock()
	sort.Strings(streams)

	var errs []error
	for _, s := range streams {
		if _, err := c.resolve(ctx, s, c.entry(s)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RefreshAsync starts Refresh on a background goroutine and returns at once.
// It reports false if a refresh is already running or the cache is closed.
// Failures are logged and counted; in-flight connections are untouched.
func (c *Cache) RefreshAsync() bool {
	if !c.refreshing.CompareAndSwap(false, true) {
		return false
	}
	ok := c.spawn(func(ctx context.Context) {
		defer c.refreshing.Store(false)
		if err := c.Refresh(ctx); err != nil {
			c.log.Warn("endpoint refresh failed, keeping previous values", "error", err)
		}
	})
	if !ok {
		c.refreshing.Store(false)
	}
	return ok
}

// Refreshes returns the number of successful resolutions.
func (c *Cache) Refreshes() int64 { return c.refreshes.Load() }

// Failures returns the number of failed resolutions.
func (c *Cache) Failures() int64 { return c.failures.Load() }

// Close cancels background refreshes and waits for them to finish. It is
// idempotent.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
