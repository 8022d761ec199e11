// Package logging configures the zerolog logger shared by every binary.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the root logger.
type Config struct {
	Level   string // debug, info, warn, error
	Format  string // json or pretty
	Service string // stamped on every event
}

// New builds the root logger. JSON output by default (log collectors
// consume it directly); pretty output is for local development.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.Service).
		Logger()
}

// Component derives a sub-logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
