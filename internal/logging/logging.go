// Package logging builds the daemon's root zerolog.Logger and hands out
// per-component sub-loggers. Every constructor in this repository takes a
// zerolog.Logger explicitly (mirroring the teacher's explicit wiring of
// config/auth/player/ipc objects in cmd/musicd/main.go's run()) rather
// than reaching for a package-level global.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger. When verbose is false, only Info and above
// are emitted; verbose enables Debug.
func New(w io.Writer, verbose bool) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}

// Component returns a sub-logger tagged with the owning component's name,
// the structured replacement for the teacher's "[PLAYER]"/"[QUEUE]"
// bracketed prefixes.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Session further tags a component logger with the session it concerns.
func Session(base zerolog.Logger, uuid string) zerolog.Logger {
	return base.With().Str("session", uuid).Logger()
}
