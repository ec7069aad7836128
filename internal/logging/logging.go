// Package logging wires up the zerolog loggers every subsystem is handed
// at construction time instead of reaching for a process-global logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the base logger for the process. mode mirrors the teacher's
// Server.Mode switch: "development" gets a human-readable console
// writer, anything else gets structured JSON suitable for log
// aggregation.
func New(mode, component string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if mode != "production" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("component", component).Logger()
}

// Sub derives a child logger scoped to a narrower subsystem, e.g. a
// single component instance or connection.
func Sub(base zerolog.Logger, field, value string) zerolog.Logger {
	return base.With().Str(field, value).Logger()
}
