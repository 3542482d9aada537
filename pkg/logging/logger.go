// Package logging configures zerolog for the service and hands out
// component loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a configured level name.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DefaultService is stamped on every line unless Config.Service says otherwise.
const DefaultService = "metricd"

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written. Unknown names fall back to info.
	Level LogLevel

	// Pretty switches from JSON lines to the console writer.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer

	// Service is added as the "service" field.
	Service string
}

// DefaultConfig returns JSON output at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Output:  os.Stderr,
		Service: DefaultService,
	}
}

// ParseLevel validates a configured level name. The empty name is info.
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
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Zerolog maps the level name onto zerolog, defaulting to info.
func (l LogLevel) Zerolog() zerolog.Level {
	parsed, _ := ParseLevel(string(l))
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

// Setup installs the global logger and returns it. Loggers from NewLogger
// created afterwards inherit its output and fields.
func Setup(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}

	zerolog.SetGlobalLevel(cfg.Level.Zerolog())
	logger := zerolog.New(out).With().Timestamp().Str("service", cfg.Service).Logger()
	log.Logger = logger

	return logger
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Levels in use:
//
// Debug: cache hits and misses, providers skipped by the local limiter,
// callers that stopped waiting on a shared fetch, failed recovery probes.
//
// Info: provider registration, recovery back to healthy, warmer and
// probe loop start and stop, server lifecycle.
//
// Warn: provider failures followed by failover, stale values served,
// cache backend bypassed, hot keys that failed to warm.
//
// Error: requests with every provider exhausted and nothing stale,
// providers becoming unavailable, fatal configuration errors.
//
// Common fields: metric, asset, key, provider, state, ttl, error_class
// (timeout, rate_limit, malformed, upstream), duration.
