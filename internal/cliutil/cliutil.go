// Package cliutil holds the small conveniences shared by the
// cmd/tracker, cmd/publisher, and cmd/subscriber entry points: log
// level parsing and Predicate parsing from a flag value. Argument
// parsing proper (subcommands, XML subscription files) is a non-goal
// per spec.md §1 — this is just enough glue for three thin binaries to
// share instead of tripling.
package cliutil

import (
	"log/slog"
	"strings"

	"github.com/unidata/sruth/internal/filter"
)

// ParseLevel maps a -log-level flag value to a slog.Level, defaulting
// to Info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParsePredicate builds a Predicate from a comma-separated list of
// filter prefixes. An empty string yields EVERYTHING.
func ParsePredicate(s string) *filter.Predicate {
	s = strings.TrimSpace(s)
	if s == "" {
		return filter.NewPredicate(filter.EVERYTHING)
	}
	parts := strings.Split(s, ",")
	filters := make([]filter.Filter, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		filters = append(filters, filter.New(p))
	}
	return filter.NewPredicate(filters...)
}
