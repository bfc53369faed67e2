// Package logging configures the process-wide slog logger. Colored output
// via tint when stderr is a terminal, JSON otherwise.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is the global log level shared by every handler built here.
var Level = new(slog.LevelVar)

// Setup installs the default logger. debug lowers the level to Debug.
func Setup(debug bool) *slog.Logger {
	if debug {
		Level.Set(slog.LevelDebug)
	} else {
		Level.Set(slog.LevelInfo)
	}
	logger := slog.New(NewHandler(os.Stderr, isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())))
	slog.SetDefault(logger)
	return logger
}

// NewHandler returns a tint handler for terminals and a JSON handler for
// everything else (containers, CI, log shippers).
func NewHandler(w io.Writer, terminal bool) slog.Handler {
	if terminal {
		return tint.NewHandler(w, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: Level,
	})
}

// ParseLevel converts "debug", "info", "warn" or "error" (any case) to a
// slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}
