// Package logger configures the structured logger used by agentstate.
// Components receive a *log.Logger explicitly; Default is only the fallback
// for callers that pass nil.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// EnvLogLevel overrides the configured level when set.
const EnvLogLevel = "AGENTSTATE_LOG_LEVEL"

// Options controls how a logger is built.
type Options struct {
	// Level is one of debug, info, warn, error, fatal. Empty means info.
	Level string
	// Format is text (default), json or logfmt.
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
	// Prefix is prepended to every line.
	Prefix string
	// Timestamps enables the time field.
	Timestamps bool
}

var (
	defaultLogger *log.Logger
	defaultOnce   sync.Once
)

// New builds a logger from options. The environment level wins over
// Options.Level so operators can turn on debug output without editing config.
func New(opts Options) *log.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level := opts.Level
	if env := strings.TrimSpace(os.Getenv(EnvLogLevel)); env != "" {
		level = env
	}

	return log.NewWithOptions(out, log.Options{
		Level:           ParseLevel(level),
		Prefix:          opts.Prefix,
		ReportTimestamp: opts.Timestamps,
		Formatter:       parseFormat(opts.Format),
	})
}

// Default returns a shared info-level text logger on stderr.
func Default() *log.Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(Options{Prefix: "agentstate"})
	})
	return defaultLogger
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

// OrDefault returns l, or Default when l is nil.
func OrDefault(l *log.Logger) *log.Logger {
	if l == nil {
		return Default()
	}
	return l
}

// ParseLevel converts a level name to a log.Level, falling back to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "info", "":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

func parseFormat(format string) log.Formatter {
	switch strings.ToLower(format) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}
