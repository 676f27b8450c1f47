// Package logging builds the component-scoped zerolog loggers used by the
// herald binaries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options controls logger construction.
type Options struct {
	Level  string // trace, debug, info, warn, error; default info
	Format string // "json" (default) or "console"
}

// FromEnv reads HERALD_LOG_LEVEL and HERALD_LOG_FORMAT.
func FromEnv() Options {
	return Options{
		Level:  os.Getenv("HERALD_LOG_LEVEL"),
		Format: os.Getenv("HERALD_LOG_FORMAT"),
	}
}

// New returns a logger writing to stderr with a component field.
func New(component string, opts Options) zerolog.Logger {
	return NewWithWriter(component, opts, os.Stderr)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(component string, opts Options, w io.Writer) zerolog.Logger {
	if strings.EqualFold(opts.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: w != os.Stderr}
	}
	return zerolog.New(w).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLevel maps a level name to a zerolog level, falling back to info for
// empty or unknown names.
func ParseLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
