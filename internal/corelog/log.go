// Package corelog wires zerolog into the runtime's debug surface. Debug
// output is opt-in and keyed to the same flag bits exposed by
// coev.SetDebug, so enabling a flag turns on only the log lines gated
// on that flag's bit.
package corelog

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Logger is a debug-flag-gated zerolog.Logger. The zero value is usable
// and logs nothing until Enable is called, matching coev.SetDebug's
// default-off posture.
type Logger struct {
	base    zerolog.Logger
	enabled atomic.Bool
	mask    atomic.Uint32
}

// New builds a Logger writing console-formatted output to stderr, the
// same destination convention the pack's zerolog-backed services use
// for human-facing debug output (structured JSON is reserved for
// production log shipping, not this opt-in trace surface).
func New() *Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	return &Logger{base: zerolog.New(w).With().Timestamp().Logger()}
}

// Enable turns debug logging on or off and sets the active flag mask.
func (l *Logger) Enable(on bool, mask uint32) {
	l.enabled.Store(on)
	l.mask.Store(mask)
}

// Has reports whether flag bit is set in the active mask while logging
// is enabled.
func (l *Logger) Has(bit uint32) bool {
	return l.enabled.Load() && l.mask.Load()&bit != 0
}

// Event returns a zerolog event for bit if logging for that flag is
// active, otherwise a disabled (no-op) event. Safe to chain fields on
// unconditionally:
//
//	log.Event(uint32(coev.FlagCoroutine)).Str("state", s).Msg("resumed")
func (l *Logger) Event(bit uint32) *zerolog.Event {
	if !l.Has(bit) {
		return nil
	}
	ev := l.base.Debug()
	return ev
}

// Base exposes the underlying logger for components that want
// unconditional structured logging (errors, lifecycle) rather than the
// debug-flag-gated Event stream.
func (l *Logger) Base() zerolog.Logger { return l.base }
