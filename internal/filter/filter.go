// Package filter implements the data-selection types used both at the
// subscription boundary (what a subscriber wants) and on the wire
// (what a peer can currently serve): Filter, a single predicate over
// ArchivePath, and Predicate, a disjunction of Filters.
package filter

import (
	"sort"
	"strings"

	"github.com/unidata/sruth/internal/archivepath"
)

// Filter is an immutable predicate over ArchivePath, expressed as a
// path prefix. EVERYTHING matches every path. Filters are totally
// ordered by their prefix string so they can key maps deterministically
// (Topology relies on this).
type Filter struct {
	prefix string // "" means EVERYTHING
}

// EVERYTHING is the distinguished filter matching every ArchivePath.
var EVERYTHING = Filter{prefix: ""}

// NOTHING is the distinguished filter matching no ArchivePath. A
// SourceServer announces it as its Peers' local filter (§4.7: "its
// Predicate is nothing"), since archivepath.Path values are built from
// real filesystem names and can never contain a NUL byte.
var NOTHING = Filter{prefix: "\x00"}

// IsNothing reports whether f is the distinguished NOTHING filter.
func (f Filter) IsNothing() bool { return f.prefix == NOTHING.prefix }

// New returns a Filter matching every ArchivePath at or under prefix.
// An empty prefix is EVERYTHING.
func New(prefix string) Filter {
	prefix = strings.Trim(prefix, "/")
	return Filter{prefix: prefix}
}

// String returns the filter's prefix ("" for EVERYTHING).
func (f Filter) String() string { return f.prefix }

// Matches reports whether p falls under f.
func (f Filter) Matches(p archivepath.Path) bool {
	if f.prefix == "" {
		return true
	}
	s := string(p)
	return s == f.prefix || strings.HasPrefix(s, f.prefix+"/")
}

// Includes reports whether f's match-set is a superset of other's —
// i.e. every path other matches, f also matches. A filter always
// includes itself.
func (f Filter) Includes(other Filter) bool {
	if f.prefix == "" {
		return true
	}
	if other.prefix == "" {
		return false
	}
	return other.prefix == f.prefix || strings.HasPrefix(other.prefix, f.prefix+"/")
}

// Less defines the total order used when Filter keys a sorted
// structure: plain lexicographic order of the prefixes, so a prefix
// sorts before every narrower prefix it includes.
func (f Filter) Less(other Filter) bool { return f.prefix < other.prefix }

// Predicate is a disjunction of Filters: it matches anything any one of
// its Filters matches. Predicate is NOT safe for concurrent mutation —
// callers needing that guard it with their own monitor (as the
// ClearingHouse does for its local Predicate).
type Predicate struct {
	filters []Filter
}

// NewPredicate returns a Predicate matching the union of fs.
func NewPredicate(fs ...Filter) *Predicate {
	p := &Predicate{filters: append([]Filter(nil), fs...)}
	p.normalize()
	return p
}

func (p *Predicate) normalize() {
	sort.Slice(p.filters, func(i, j int) bool { return p.filters[i].Less(p.filters[j]) })
}

// Filters returns a copy of the predicate's constituent Filters.
func (p *Predicate) Filters() []Filter { return append([]Filter(nil), p.filters...) }

// MatchesPath reports whether any Filter in p matches path.
func (p *Predicate) MatchesPath(path archivepath.Path) bool {
	for _, f := range p.filters {
		if f.Matches(path) {
			return true
		}
	}
	return false
}

// MatchesPiece reports whether any Filter in p matches the piece's
// file path.
func (p *Predicate) MatchesPiece(spec archivepath.PieceSpec) bool {
	return p.MatchesPath(spec.FileInfo.ID.Path)
}

// MatchesFileInfo reports whether any Filter in p matches fi's path.
func (p *Predicate) MatchesFileInfo(fi archivepath.FileInfo) bool {
	return p.MatchesPath(fi.ID.Path)
}

// RemoveIfPossible is called when a file has been fully received. If a
// Filter in p matches exactly that path and nothing more general is
// needed, it is dropped from the predicate — once dropped, a future
// arrival of a stale copy of that file is no longer "wanted". Filters
// covering more than the single path are left untouched, since removing
// them would also stop matching files not yet received.
func (p *Predicate) RemoveIfPossible(fi archivepath.FileInfo) {
	out := p.filters[:0]
	for _, f := range p.filters {
		if f.prefix == string(fi.ID.Path) {
			continue
		}
		out = append(out, f)
	}
	p.filters = out
}

// MatchesNothing reports whether every Filter has been satisfied and
// removed — i.e. this subscriber's Predicate is now empty.
func (p *Predicate) MatchesNothing() bool { return len(p.filters) == 0 }
