package main

import (
	"io"
	stdlog "log"
	"time"

	"github.com/rs/zerolog"
)

func newLogger(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// newStdLogger routes net/http's internal error log through log.
func newStdLogger(log zerolog.Logger) *stdlog.Logger {
	l := log.With().Str("level", "error").Logger()
	return stdlog.New(l, "", 0)
}
