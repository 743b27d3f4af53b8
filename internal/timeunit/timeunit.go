// Package timeunit expresses timestamps and durations as integral ticks of a
// fixed granularity (100 ns by default), so periods and deadlines can be
// compared and accumulated without floating-point drift.
package timeunit

import (
	"sync"
	"time"
)

// Unit is a count of ticks since an arbitrary epoch.
type Unit int64

// Tick counts at the default 100 ns granularity.
const (
	HundredsOfNanosInAMicrosecond Unit = 10
	HundredsOfNanosInAMillisecond Unit = 1000 * HundredsOfNanosInAMicrosecond
	HundredsOfNanosInASecond      Unit = 1000 * HundredsOfNanosInAMillisecond
	HundredsOfNanosInAMinute      Unit = 60 * HundredsOfNanosInASecond
	HundredsOfNanosInAnHour       Unit = 60 * HundredsOfNanosInAMinute
)

// Scale is the wall-clock length of one Unit.
type Scale time.Duration

// DefaultScale is 100 ns per unit.
const DefaultScale = Scale(100 * time.Nanosecond)

// Units converts d to ticks, truncating toward zero.
func (s Scale) Units(d time.Duration) Unit {
	if s <= 0 {
		s = DefaultScale
	}
	return Unit(d / time.Duration(s))
}

// Duration converts u back to wall-clock time.
func (s Scale) Duration(u Unit) time.Duration {
	if s <= 0 {
		s = DefaultScale
	}
	return time.Duration(u) * time.Duration(s)
}

// FromTime converts an absolute time to ticks since the Unix epoch.
func (s Scale) FromTime(t time.Time) Unit {
	return s.Units(time.Duration(t.UnixNano()))
}

// Seconds returns u as fractional seconds, for reporting only.
func (s Scale) Seconds(u Unit) float64 {
	return s.Duration(u).Seconds()
}

// Clock reports the current time in ticks.
type Clock interface {
	Now() Unit
}

// SystemClock reads the wall clock at a fixed scale.
type SystemClock struct {
	Scale Scale
}

// NewSystemClock returns a wall clock ticking at s.
func NewSystemClock(s Scale) SystemClock {
	return SystemClock{Scale: s}
}

// Now implements Clock.
func (c SystemClock) Now() Unit {
	return c.Scale.FromTime(time.Now())
}

// ManualClock is a Clock advanced explicitly, for deterministic tests and
// replay drivers.
type ManualClock struct {
	mu  sync.Mutex
	now Unit
}

// NewManualClock returns a ManualClock starting at start.
func NewManualClock(start Unit) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock.
func (c *ManualClock) Now() Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d Unit) Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t Unit) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
