package logging

import (
	"io"
	"log/slog"
)

// Setup builds a PrettyHandler-backed logger at the given level,
// installs it as slog's default, and returns it. Each cmd/ main calls
// this once at startup, mirroring the teacher's main.go and
// cmd/rabbit/main.go, which both inline the same three calls
// (DefaultOptions, NewPrettyHandler, slog.SetDefault).
func Setup(w io.Writer, level slog.Level) *slog.Logger {
	opts := DefaultOptions()
	opts.SlogOpts.Level = level

	h := NewPrettyHandler(w, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
