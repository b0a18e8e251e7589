// Package logging builds the process logger. Every component logs through a
// zerolog.Logger created here; libraries that insist on log/slog get a
// handler that forwards into the same zerolog output.
package logging

import (
	"github.com/go-chi/httplog"
	"github.com/rs/zerolog"
)

// Options controls logger construction.
type Options struct {
	Level   string
	JSON    bool
	Concise bool
	Version string
}

// New returns the service logger, tagged with the app name and version.
func New(appName string, opts Options) zerolog.Logger {
	level := opts.Level
	if level == "" {
		level = "info"
	}

	return httplog.NewLogger(appName, httplog.Options{
		LogLevel: level,
		JSON:     opts.JSON,
		Concise:  opts.Concise,
		Tags: map[string]string{
			"version": opts.Version,
			"app":     appName,
		},
	})
}

// Component derives a sub-logger for one component.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
