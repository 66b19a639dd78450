// Package topology implements the Filter → server-set map that the
// Tracker publishes and subscribers consult to find peers.
package topology

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/unidata/sruth/internal/filter"
)

// Topology maps each registered Filter to the set of server addresses
// known to satisfy it. Add/Remove mutate the receiver directly under
// its own lock; a caller that needs a stable, externally-immutable
// snapshot to publish to listeners should Clone before handing it out
// (see internal/tracker.Tracker.mutate).
type Topology struct {
	mu      sync.RWMutex
	servers map[filter.Filter]map[netip.AddrPort]struct{}
}

// New returns an empty Topology.
func New() *Topology {
	return &Topology{servers: make(map[filter.Filter]map[netip.AddrPort]struct{})}
}

// Add registers server as satisfying f.
func (t *Topology) Add(f filter.Filter, server netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.servers[f]
	if !ok {
		set = make(map[netip.AddrPort]struct{})
		t.servers[f] = set
	}
	set[server] = struct{}{}
}

// Remove prunes server from every filter it was registered under.
func (t *Topology) Remove(server netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for f, set := range t.servers {
		delete(set, server)
		if len(set) == 0 {
			delete(t.servers, f)
		}
	}
}

// RemoveSet prunes every server in servers.
func (t *Topology) RemoveSet(servers map[netip.AddrPort]struct{}) {
	for s := range servers {
		t.Remove(s)
	}
}

// Subset returns a new Topology containing only the entries whose
// registered filter includes f — i.e. servers that can serve at least
// everything f asks for.
func (t *Topology) Subset(f filter.Filter) *Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := New()
	for rf, set := range t.servers {
		if !rf.Includes(f) {
			continue
		}
		for s := range set {
			out.Add(rf, s)
		}
	}
	return out
}

// Servers returns every server address registered in t, deduplicated,
// in address order.
func (t *Topology) Servers() []netip.AddrPort {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[netip.AddrPort]struct{})
	for _, set := range t.servers {
		for s := range set {
			seen[s] = struct{}{}
		}
	}

	out := make([]netip.AddrPort, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return lessAddr(out[i], out[j]) })
	return out
}

// GetBestServer returns one server address satisfying f, chosen
// deterministically (lowest address, breaking ties by port) among the
// candidates, or ok=false if none qualify.
func (t *Topology) GetBestServer(f filter.Filter, exclude map[netip.AddrPort]struct{}) (server netip.AddrPort, ok bool) {
	sub := t.Subset(f)
	candidates := sub.Servers()

	for _, c := range candidates {
		if _, excluded := exclude[c]; excluded {
			continue
		}
		return c, true
	}
	return netip.AddrPort{}, false
}

func lessAddr(a, b netip.AddrPort) bool {
	if a.Addr() != b.Addr() {
		return a.Addr().Less(b.Addr())
	}
	return a.Port() < b.Port()
}

// Clone returns an independent deep copy of t.
func (t *Topology) Clone() *Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := New()
	for f, set := range t.servers {
		for s := range set {
			out.Add(f, s)
		}
	}
	return out
}
