package session

import "time"

// ReconnectConfig bounds how a Manager replaces aborted sessions.
type ReconnectConfig struct {
	MaxRetries    int           // consecutive failed sessions before giving up
	RetryDelay    time.Duration // delay before the first retry
	MaxRetryDelay time.Duration // cap on the doubled delay
}

// DefaultReconnectConfig returns five retries starting at one second and
// doubling up to thirty.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	d := DefaultReconnectConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	return c
}

// Backoff returns the delay before retry attempt (1-based):
// RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func Backoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxRetryDelay {
			return cfg.MaxRetryDelay
		}
	}
	return min(delay, cfg.MaxRetryDelay)
}
