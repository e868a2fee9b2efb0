// Package logging builds the colored structured logger shared by the
// sender and receiver binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Options tweak the tint handler.
type Options struct { // A
	// Level is the minimum level that is emitted.
	Level slog.Level
	// NoColor disables ANSI colors, e.g. when stderr is not a terminal.
	NoColor bool
	// AddSource adds file:line to every record.
	AddSource bool
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// New creates a slog.Logger backed by a tint handler.
func New(opts Options) *slog.Logger { // A
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.RFC3339,
		AddSource:  opts.AddSource,
		NoColor:    opts.NoColor,
	})

	return slog.New(handler)
}

// LevelFor maps the --debug flag to a level.
func LevelFor(debug bool) slog.Level { // A
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger { // A
	if l == nil {
		return slog.Default()
	}
	return l
}
