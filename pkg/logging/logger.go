// Package logging configures zerolog for the cache layer and its tools.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(toZerolog(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel validates a level name. "warning" is accepted for warn.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// toZerolog converts LogLevel to zerolog.Level. Unknown levels map to info.
func toZerolog(level LogLevel) zerolog.Level {
	parsed, err := ParseLevel(string(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	switch parsed {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache hits, misses and stale serves (key, age)
//   - De-duplicated fetch joins
//   - Lock waits and applied remote invalidations
//
// Info: Normal operation events
//   - Sign-in / sign-out, store open/close/destroy
//   - Items queued for replay and replay pass results
//   - Connectivity changes back to online
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Failed background revalidations (stale data already served)
//   - Broadcast send failures
//   - Replay queue persistence failures
//   - Retriable mutation failures, switch to offline mode
//
// Error: Error conditions requiring attention
//   - Unexpected storage backend failures
//   - Items that could not be queued at all
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (swr, mutation, replay-queue, ...)
//   - key / pattern: cache key or invalidation pattern
//   - scope: per-user storage scope
//   - lock_key: mutation lock key
//   - label: human readable mutation label
//   - status / error_class: HTTP status and classification
