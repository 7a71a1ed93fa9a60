// Package logging configures the daemon's structured logger and provides a
// panic-recovery log helper for goroutines other than the dispatcher loop.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the --debug/LOG_LEVEL surface: only debug/info/warn/error
// are accepted, matching the original's syslog priority set minus the
// levels this daemon never emits.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the logger's output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures New.
type Config struct {
	Level  Level
	Format Format
}

// New builds a zerolog.Logger with a timestamp, caller location, and a
// fixed service field, matching the shape of structured log lines
// produced throughout this codebase.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).With().Timestamp().Caller().Str("service", "v120irqd").Logger()
}

// LogPanic logs a recovered panic with its stack trace, for use in a
// deferred recover on a goroutine other than the dispatcher loop (a panic
// in the loop itself is a bug the process should die from). The metrics
// server's Run recovers and logs its own panics without it, and the
// signal-forwarding goroutine has no recover.
func LogPanic(logger zerolog.Logger, panicValue any, component string) {
	logger.Error().
		Interface("panic", panicValue).
		Str("component", component).
		Str("stack", string(debug.Stack())).
		Msg("recovered panic")
}
