// Package trackerproxy implements the subscriber-side TrackerProxy of
// §4.9: it caches the last-seen Topology, prefers fresh data fetched
// from the Tracker, and silently falls back to an archived copy when
// the Tracker is unreachable. Its getTopology(filter) is exposed here
// as GetBestServer so it can stand in directly for
// internal/clientmanager.ServerFinder.
//
// Grounded on the teacher's tracker-client announce/retry shape
// (internal/tracker/tracker.go in the example pack), adapted from
// "periodically re-announce to one external tracker" to "fetch on
// demand, cache, and fall back to a locally-archived snapshot."
package trackerproxy

import (
	"log/slog"
	"net/netip"
	"sync"

	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/topology"
	"github.com/unidata/sruth/internal/tracker"
)

// ArchiveFallback is the narrow seam into the distributed-topology
// file the publisher maintains via internal/distfiles (§4.9: "a
// subscriber that cannot reach the Tracker falls back to reading this
// distributed Topology file from its own Archive"). TrackerProxy never
// imports internal/archive or internal/distfiles directly.
type ArchiveFallback interface {
	LatestTopology() (*topology.Topology, bool)
}

// TrackerProxy is the subscriber-side read path onto a single Tracker.
type TrackerProxy struct {
	log         *slog.Logger
	trackerAddr string
	local       netip.AddrPort
	fallback    ArchiveFallback

	mu          sync.Mutex
	cached      *topology.Topology
	haveOnce    bool
	offlineAddr string // empty until a successful GetTopology reveals it
}

// New builds a TrackerProxy targeting the Tracker at trackerAddr.
// local is this node's own server address, announced on every
// TopologyGetter call; fallback may be nil if no distributed-file
// fallback is available (e.g. a node with no local Archive).
func New(trackerAddr string, local netip.AddrPort, fallback ArchiveFallback, log *slog.Logger) *TrackerProxy {
	if log == nil {
		log = slog.Default()
	}
	return &TrackerProxy{
		log:         log.With("component", "trackerproxy", "tracker", trackerAddr),
		trackerAddr: trackerAddr,
		local:       local,
		fallback:    fallback,
	}
}

// getTopology returns the filter-specific subset of the best Topology
// currently available: fresh from the Tracker when reachable, else the
// last successfully fetched snapshot, else the archived fallback.
func (p *TrackerProxy) getTopology(f filter.Filter) *topology.Topology {
	snap, offlineAddr, err := tracker.GetTopology(p.trackerAddr, p.local, f)
	if err == nil {
		p.log.Debug("tracker reachable", "offline_report_addr", offlineAddr)
		p.mu.Lock()
		p.cached = snap
		p.haveOnce = true
		p.offlineAddr = offlineAddr
		p.mu.Unlock()
		return snap.Subset(f)
	}
	p.log.Warn("tracker unreachable, falling back", "error", err)

	p.mu.Lock()
	cached, haveOnce := p.cached, p.haveOnce
	p.mu.Unlock()
	if haveOnce {
		return cached.Subset(f)
	}

	if p.fallback != nil {
		if archived, ok := p.fallback.LatestTopology(); ok {
			return archived.Subset(f)
		}
	}
	return topology.New()
}

// GetBestServer implements internal/clientmanager.ServerFinder: it
// fetches (or falls back to) the Topology for f and picks one
// candidate server that is neither this node's own local address
// (which every TopologyGetter call registers) nor present in exclude.
// getTopology already narrows
// to servers satisfying f, so candidates are read directly off that
// subset rather than filtered a second time.
func (p *TrackerProxy) GetBestServer(f filter.Filter, exclude map[netip.AddrPort]struct{}) (netip.AddrPort, bool) {
	for _, candidate := range p.getTopology(f).Servers() {
		if candidate == p.local {
			continue
		}
		if _, excluded := exclude[candidate]; excluded {
			continue
		}
		return candidate, true
	}
	return netip.AddrPort{}, false
}

// ReportOffline forwards to the Tracker's UDP offline-report port,
// implementing internal/clientmanager.OfflineReporter. It is a no-op
// until at least one GetTopology call has revealed that port.
func (p *TrackerProxy) ReportOffline(server netip.AddrPort) {
	p.mu.Lock()
	addr := p.offlineAddr
	p.mu.Unlock()
	if addr == "" {
		p.log.Warn("cannot report offline server: offline-report address unknown", "server", server)
		return
	}
	tracker.NewOfflineReporter(addr).ReportOffline(server)
}
