// Package config holds the immutable settings for one framecast client.
// Defaults mirror the constants the scheduler was tuned with; Load overlays
// FRAMECAST_* environment variables on top of them.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/framecast/internal/callback"
	"github.com/zsiec/framecast/internal/capture"
	"github.com/zsiec/framecast/internal/certs"
	"github.com/zsiec/framecast/internal/endpoint"
	"github.com/zsiec/framecast/internal/framequeue"
	"github.com/zsiec/framecast/internal/health"
	"github.com/zsiec/framecast/internal/logging"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/timerq"
	"github.com/zsiec/framecast/internal/timeunit"
)

// Transport names accepted in Config.Transport.
const (
	TransportSRT  = "srt"
	TransportQUIC = "quic"
	TransportWS   = "ws"
)

// Scheduler timing defaults not owned by a lower package.
const (
	DefaultTickInterval      = 10 * time.Millisecond
	DefaultHealthCheckPeriod = time.Second
	DefaultDrainBudget       = 8
	DefaultAPIAddr           = ":8081"
	DefaultIngestHost        = "localhost"
)

// Config is the full client configuration. Treat it as read-only once
// Validate has succeeded.
type Config struct {
	TimeUnit                  timeunit.Scale
	TimerQueueCapacity        int
	MaxFramesPerTrack         int
	FrameRate                 int
	NameMaxLen                int
	EndpointCacheUpdatePeriod time.Duration
	EndpointTTL               time.Duration
	LowSpeedLimit             int64
	LowSpeedTimeLimit         time.Duration
	SSLPort                   int
	NonSSLPort                int
	CallbackChainCapacity     int
	LogLevel                  logging.Level

	StreamName        string
	DeviceName        string
	IngestHost        string
	Secure            bool
	Transport         string
	EvictionPolicy    framequeue.Policy
	StalePolicy       endpoint.StalePolicy
	TickInterval      time.Duration
	HealthCheckPeriod time.Duration
	DrainBudget       int
	StreamingDuration time.Duration // zero streams until stopped
	KeyFrameInterval  int
	APIAddr           string
	CertFingerprint   string // base64 SHA-256 of the ingest certificate; empty uses system roots
}

// Default returns the configuration with every field at its default.
func Default() Config {
	return Config{
		TimeUnit:                  timeunit.DefaultScale,
		TimerQueueCapacity:        timerq.DefaultCapacity,
		MaxFramesPerTrack:         framequeue.DefaultCapacity,
		FrameRate:                 media.DefaultFrameRate,
		NameMaxLen:                endpoint.DefaultNameMaxLen,
		EndpointCacheUpdatePeriod: endpoint.DefaultUpdatePeriod,
		EndpointTTL:               endpoint.DefaultTTL,
		LowSpeedLimit:             health.DefaultLowSpeedLimit,
		LowSpeedTimeLimit:         health.DefaultLowSpeedTimeLimit,
		SSLPort:                   endpoint.DefaultSSLPort,
		NonSSLPort:                endpoint.DefaultNonSSLPort,
		CallbackChainCapacity:     callback.DefaultCapacity,
		LogLevel:                  logging.DefaultLevel,

		StreamName:        "stream",
		DeviceName:        "device",
		IngestHost:        DefaultIngestHost,
		Transport:         TransportSRT,
		EvictionPolicy:    framequeue.DropOldest,
		StalePolicy:       endpoint.ServeStale,
		TickInterval:      DefaultTickInterval,
		HealthCheckPeriod: DefaultHealthCheckPeriod,
		DrainBudget:       DefaultDrainBudget,
		KeyFrameInterval:  capture.DefaultKeyFrameInterval,
		APIAddr:           DefaultAPIAddr,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	positive("time unit", int64(c.TimeUnit))
	positive("timer queue capacity", int64(c.TimerQueueCapacity))
	positive("max frames per track", int64(c.MaxFramesPerTrack))
	positive("frame rate", int64(c.FrameRate))
	positive("name max length", int64(c.NameMaxLen))
	positive("endpoint update period", int64(c.EndpointCacheUpdatePeriod))
	positive("endpoint TTL", int64(c.EndpointTTL))
	positive("low speed limit", c.LowSpeedLimit)
	positive("low speed time limit", int64(c.LowSpeedTimeLimit))
	positive("SSL port", int64(c.SSLPort))
	positive("non-SSL port", int64(c.NonSSLPort))
	positive("callback chain capacity", int64(c.CallbackChainCapacity))
	positive("tick interval", int64(c.TickInterval))
	positive("health check period", int64(c.HealthCheckPeriod))
	positive("drain budget", int64(c.DrainBudget))
	positive("key frame interval", int64(c.KeyFrameInterval))

	if c.StreamingDuration < 0 {
		errs = append(errs, fmt.Errorf("streaming duration must not be negative, got %s", c.StreamingDuration))
	}
	if !c.LogLevel.Valid() {
		errs = append(errs, fmt.Errorf("invalid log level %d", int(c.LogLevel)))
	}
	if err := endpoint.ValidateName("stream", c.StreamName, c.NameMaxLen); err != nil {
		errs = append(errs, err)
	}
	if err := endpoint.ValidateName("device", c.DeviceName, c.NameMaxLen); err != nil {
		errs = append(errs, err)
	}
	if c.IngestHost == "" {
		errs = append(errs, errors.New("ingest host is empty"))
	}
	switch c.Transport {
	case TransportSRT, TransportQUIC, TransportWS:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.CertFingerprint != "" {
		if _, err := certs.ParseFingerprint(c.CertFingerprint); err != nil {
			errs = append(errs, err)
		}
	}
	if c.TimerQueueCapacity < c.MinTimers() {
		errs = append(errs, fmt.Errorf("timer queue capacity %d cannot hold the %d timers a session arms",
			c.TimerQueueCapacity, c.MinTimers()))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// MinTimers is the number of timers a session arms with the capture
// layer's default track set.
func (c Config) MinTimers() int {
	return c.TimersFor(len(capture.Config{FrameRate: c.FrameRate}.Tracks()))
}

// TimersFor is the number of timers a session with the given number of
// tracks arms: endpoint refresh, health check, one flush per track and the
// optional duration limit.
func (c Config) TimersFor(tracks int) int {
	n := 2 + tracks
	if c.StreamingDuration > 0 {
		n++
	}
	return n
}

// Port returns the ingest port for the configured security mode.
func (c Config) Port() int {
	return endpoint.Ports{SSL: c.SSLPort, NonSSL: c.NonSSLPort}.Pick(c.Secure)
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load returns Default overlaid with any FRAMECAST_* variables found by
// lookup, then validated.
func Load(lookup LookupFunc) (Config, error) {
	c := Default()
	l := loader{lookup: lookup}

	l.str("FRAMECAST_STREAM", &c.StreamName)
	l.str("FRAMECAST_DEVICE", &c.DeviceName)
	l.str("FRAMECAST_INGEST_HOST", &c.IngestHost)
	l.str("FRAMECAST_API_ADDR", &c.APIAddr)
	l.str("FRAMECAST_CERT_FINGERPRINT", &c.CertFingerprint)
	l.boolean("FRAMECAST_SECURE", &c.Secure)
	if v, ok := l.get("FRAMECAST_TRANSPORT"); ok {
		c.Transport = strings.ToLower(v)
	}
	if v, ok := l.get("FRAMECAST_LOG_LEVEL"); ok {
		lvl, err := logging.ParseLevel(v)
		l.check("FRAMECAST_LOG_LEVEL", err)
		c.LogLevel = lvl
	}
	if v, ok := l.get("FRAMECAST_EVICTION"); ok {
		p, err := framequeue.ParsePolicy(v)
		l.check("FRAMECAST_EVICTION", err)
		c.EvictionPolicy = p
	}
	if v, ok := l.get("FRAMECAST_STALE_POLICY"); ok {
		p, err := endpoint.ParseStalePolicy(v)
		l.check("FRAMECAST_STALE_POLICY", err)
		c.StalePolicy = p
	}

	var unit time.Duration
	if l.duration("FRAMECAST_TIME_UNIT", &unit) {
		c.TimeUnit = timeunit.Scale(unit)
	}
	l.integer("FRAMECAST_TIMER_CAPACITY", &c.TimerQueueCapacity)
	l.integer("FRAMECAST_MAX_FRAMES", &c.MaxFramesPerTrack)
	l.integer("FRAMECAST_FRAME_RATE", &c.FrameRate)
	l.integer("FRAMECAST_NAME_MAX_LEN", &c.NameMaxLen)
	l.integer("FRAMECAST_SSL_PORT", &c.SSLPort)
	l.integer("FRAMECAST_NON_SSL_PORT", &c.NonSSLPort)
	l.integer("FRAMECAST_CALLBACK_CAPACITY", &c.CallbackChainCapacity)
	l.integer("FRAMECAST_DRAIN_BUDGET", &c.DrainBudget)
	l.integer("FRAMECAST_KEYFRAME_INTERVAL", &c.KeyFrameInterval)
	l.int64("FRAMECAST_LOW_SPEED_LIMIT", &c.LowSpeedLimit)
	l.duration("FRAMECAST_LOW_SPEED_TIME", &c.LowSpeedTimeLimit)
	l.duration("FRAMECAST_ENDPOINT_UPDATE", &c.EndpointCacheUpdatePeriod)
	l.duration("FRAMECAST_ENDPOINT_TTL", &c.EndpointTTL)
	l.duration("FRAMECAST_TICK_INTERVAL", &c.TickInterval)
	l.duration("FRAMECAST_HEALTH_CHECK", &c.HealthCheckPeriod)
	l.duration("FRAMECAST_DURATION", &c.StreamingDuration)

	if err := errors.Join(l.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// loader collects parse errors so Load reports them all together.
type loader struct {
	lookup LookupFunc
	errs   []error
}

func (l *loader) get(key string) (string, bool) {
	if l.lookup == nil {
		return "", false
	}
	v, ok := l.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (l *loader) check(key string, err error) {
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
	}
}

func (l *loader) str(key string, dst *string) {
	if v, ok := l.get(key); ok {
		*dst = v
	}
}

func (l *loader) boolean(key string, dst *bool) {
	if v, ok := l.get(key); ok {
		b, err := strconv.ParseBool(v)
		l.check(key, err)
		*dst = b
	}
}

func (l *loader) integer(key string, dst *int) {
	if v, ok := l.get(key); ok {
		n, err := strconv.Atoi(v)
		l.check(key, err)
		*dst = n
	}
}

func (l *loader) int64(key string, dst *int64) {
	if v, ok := l.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		l.check(key, err)
		*dst = n
	}
}

func (l *loader) duration(key string, dst *time.Duration) bool {
	v, ok := l.get(key)
	if !ok {
		return false
	}
	d, err := time.ParseDuration(v)
	l.check(key, err)
	*dst = d
	return err == nil
}
