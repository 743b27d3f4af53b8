// Package logging maps the client's ordered verbosity levels (VERBOSE through
// SILENT) onto slog levels behind a single process-wide filter.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Level is an ordered log verbosity. Higher values log less.
type Level int

// Levels in increasing severity. Silent suppresses everything.
const (
	LevelVerbose Level = iota + 1
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	LevelSilent
)

// DefaultLevel is the minimum level applied when none is configured.
const DefaultLevel = LevelWarn

var levelNames = map[Level]string{
	LevelVerbose: "VERBOSE",
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarn:    "WARN",
	LevelError:   "ERROR",
	LevelFatal:   "FATAL",
	LevelSilent:  "SILENT",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= LevelVerbose && l <= LevelSilent
}

// ParseLevel accepts a level name (case-insensitive) or its numeric value.
func ParseLevel(s string) (Level, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && Level(n).Valid() {
		return Level(n), nil
	}
	return 0, fmt.Errorf("logging: unknown level %q", s)
}

// slogSilent sits above every level slog handlers emit.
const slogSilent = slog.Level(1 << 10)

// SlogLevel returns the slog threshold equivalent to l.
func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelVerbose:
		return slog.LevelDebug - 4
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelFatal:
		return slog.LevelError + 4
	case LevelSilent:
		return slogSilent
	}
	return slog.LevelWarn
}

// level is the process-wide minimum, shared by every logger built here.
var level = func() *slog.LevelVar {
	v := new(slog.LevelVar)
	v.Set(DefaultLevel.SlogLevel())
	return v
}()

// SetLevel changes the process-wide minimum level. It is meant to be called
// once during initialization.
func SetLevel(l Level) {
	level.Set(l.SlogLevel())
}

// New builds a text logger writing to w and filtered by the process-wide level.
func New(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Setup sets the process-wide level, installs a text logger on w as the slog
// default, and returns it.
func Setup(w io.Writer, l Level) *slog.Logger {
	SetLevel(l)
	log := New(w)
	slog.SetDefault(log)
	return log
}
