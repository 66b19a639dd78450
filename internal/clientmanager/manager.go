// Package clientmanager implements §4.10: for one Filter, it keeps a
// target number of outbound Clients running, periodically ranking them
// by usefulness and replacing the worst performers, and classifies each
// Client's termination so the caller can decide whether a server is
// offline, merely flaky, or simply no longer needed.
package clientmanager

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/unidata/sruth/internal/clearinghouse"
	"github.com/unidata/sruth/internal/client"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/peer"
)

// ServerFinder narrows whatever topology source is in play down to the
// one query Manager needs. internal/topology.Topology.GetBestServer
// already has this exact signature; internal/trackerproxy.TrackerProxy
// will satisfy it too, so Manager never imports either package.
type ServerFinder interface {
	GetBestServer(f filter.Filter, exclude map[netip.AddrPort]struct{}) (netip.AddrPort, bool)
}

// OfflineReporter lets Manager tell a Tracker that a server stopped
// answering (§4.10: "report offline to Tracker"), without pulling in
// the tracker-client package.
type OfflineReporter interface {
	ReportOffline(server netip.AddrPort)
}

// Config tunes the control loop. Defaults match §6's preference table.
type Config struct {
	// TargetClients is the number of outbound Clients to maintain per
	// Filter ("minimum number of clients per filter", default 8).
	TargetClients int
	// Period is the control loop's cadence ("client replacement period
	// in seconds", default 60s).
	Period time.Duration
	// DialTimeout bounds both the TCP dial and each Stream's per-read
	// timeout ("socket timeout in milliseconds", default 30s).
	DialTimeout time.Duration
	// InvalidServerTTL is how long a server stays in the invalid set
	// after a plain I/O error before it becomes eligible again.
	InvalidServerTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.TargetClients <= 0 {
		c.TargetClients = 8
	}
	if c.Period <= 0 {
		c.Period = 60 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.InvalidServerTTL <= 0 {
		// Open Question 3: invalidServerDecay defaults to 10x the
		// replacement period, so a flaky server gets several
		// replacement cycles to recover before being retried.
		c.InvalidServerTTL = 10 * c.Period
	}
	return c
}

type termination struct {
	server netip.AddrPort
	valid  bool
	err    error
}

type clientHandle struct {
	cancel context.CancelFunc
}

// Manager maintains Config.TargetClients outbound Clients subscribed to
// one Filter, ranking and replacing them on a fixed cadence (§4.10).
type Manager struct {
	log     *slog.Logger
	filter  filter.Filter
	local   netip.AddrPort
	house   *clearinghouse.ClearingHouse
	archive peer.ArchiveWalker
	peerCfg peer.Config
	finder  ServerFinder
	offline OfflineReporter
	cfg     Config

	mu      sync.Mutex
	clients map[netip.AddrPort]*clientHandle
	invalid map[netip.AddrPort]time.Time // zero value means permanent

	termCh chan termination
}

// New builds a Manager. local is this node's own server address, so the
// Manager never dials itself; it may be the zero value if unknown.
// offline may be nil if no Tracker offline-report channel is wired.
func New(f filter.Filter, local netip.AddrPort, house *clearinghouse.ClearingHouse, archive peer.ArchiveWalker, peerCfg peer.Config, finder ServerFinder, offline OfflineReporter, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "clientmanager", "filter", f.String()),
		filter:  f,
		local:   local,
		house:   house,
		archive: archive,
		peerCfg: peerCfg,
		finder:  finder,
		offline: offline,
		cfg:     cfg.withDefaults(),
		clients: make(map[netip.AddrPort]*clientHandle),
		invalid: make(map[netip.AddrPort]time.Time),
		termCh:  make(chan termination, 64),
	}
}

// Run executes the control loop until ctx is cancelled or the
// ClearingHouse signals its Predicate is satisfied.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()

	for {
		m.rankAndEvict()
		m.fillToTarget(ctx)
		m.resetCounters()

		select {
		case <-ctx.Done():
			m.cancelAll()
			return ctx.Err()
		case <-m.house.Done():
			m.cancelAll()
			return nil
		case t := <-m.termCh:
			m.handleTermination(t)
		case <-ticker.C:
		}
	}
}

func (m *Manager) cancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.clients {
		h.cancel()
	}
}

// rankAndEvict implements step 1: once at or above target, cancel the
// worst-ranked (fewest useful bytes received since the last reset)
// clients until the count equals target. Eviction only requests
// cancellation; the client is removed from the map once its
// termination is observed on termCh.
func (m *Manager) rankAndEvict() {
	m.mu.Lock()
	defer m.mu.Unlock()

	excess := len(m.clients) - m.cfg.TargetClients
	if excess <= 0 {
		return
	}

	type ranked struct {
		server netip.AddrPort
		bytes  uint64
	}
	all := make([]ranked, 0, len(m.clients))
	for addr := range m.clients {
		var n uint64
		if p := m.lookupPeer(addr); p != nil {
			n = p.UsefulBytesReceived()
		}
		all = append(all, ranked{addr, n})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].bytes < all[j].bytes })

	for i := 0; i < excess; i++ {
		m.clients[all[i].server].cancel()
	}
}

// fillToTarget implements step 2: while below target, ask the
// ServerFinder for the best next candidate and start a Client for it.
func (m *Manager) fillToTarget(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.clients) >= m.cfg.TargetClients {
			m.mu.Unlock()
			return
		}
		exclude := m.excludeSetLocked()
		m.mu.Unlock()

		server, ok := m.finder.GetBestServer(m.filter, exclude)
		if !ok {
			return
		}
		m.startClient(ctx, server)
	}
}

// excludeSetLocked builds the candidate exclusion set: the local
// server, currently-connected servers, servers present as inbound
// peers, and the unexpired invalid-servers set. Must be called with
// m.mu held; prunes expired invalid entries in place.
func (m *Manager) excludeSetLocked() map[netip.AddrPort]struct{} {
	out := make(map[netip.AddrPort]struct{})
	if m.local.IsValid() {
		out[m.local] = struct{}{}
	}
	for addr := range m.clients {
		out[addr] = struct{}{}
	}

	now := time.Now()
	for addr, expiry := range m.invalid {
		if !expiry.IsZero() && now.After(expiry) {
			delete(m.invalid, addr)
			continue
		}
		out[addr] = struct{}{}
	}

	for _, p := range m.house.Peers() {
		if addr, ok := addrPortOf(p.Connection().RemoteAddr); ok {
			out[addr] = struct{}{}
		}
	}
	return out
}

func (m *Manager) startClient(ctx context.Context, server netip.AddrPort) {
	cctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.clients[server] = &clientHandle{cancel: cancel}
	m.mu.Unlock()

	addr := server.String()
	go func() {
		valid, err := client.Run(cctx, addr, m.filter, m.house, m.archive, m.peerCfg, m.cfg.DialTimeout, m.log)
		m.termCh <- termination{server: server, valid: valid, err: err}
	}()
}

// resetCounters implements step 3, zeroing the useful-bytes counter of
// every Peer this Manager currently dials out to.
func (m *Manager) resetCounters() {
	m.mu.Lock()
	addrs := make([]netip.AddrPort, 0, len(m.clients))
	for addr := range m.clients {
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()

	for _, addr := range addrs {
		if p := m.lookupPeer(addr); p != nil {
			p.ResetUsefulBytes()
		}
	}
}

// handleTermination classifies a finished Client's outcome (§4.10).
func (m *Manager) handleTermination(t termination) {
	m.mu.Lock()
	delete(m.clients, t.server)
	m.mu.Unlock()

	select {
	case <-m.house.Done():
		m.log.Debug("client finished: predicate satisfied", "server", t.server)
		return
	default:
	}

	switch {
	case errors.Is(t.err, context.Canceled):
		// Interrupted by our own eviction or by shutdown: no side effect.
	case isConnRefusedOrReset(t.err):
		m.log.Warn("server unreachable", "server", t.server, "error", t.err)
		m.markInvalid(t.server, time.Time{})
		if m.offline != nil {
			m.offline.ReportOffline(t.server)
		}
	case t.err != nil:
		m.log.Warn("client terminated with I/O error", "server", t.server, "error", t.err)
		m.markInvalid(t.server, time.Now().Add(m.cfg.InvalidServerTTL))
	default:
		// valid == true, err == nil: the remote Server closed cleanly
		// without the Predicate being satisfied. No side effect — it
		// simply becomes eligible for reconnection next cycle.
	}
}

func (m *Manager) markInvalid(server netip.AddrPort, expiry time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid[server] = expiry
}

// lookupPeer finds the registered Peer dialing server, by matching its
// Connection's remote address. Safe to call with m.mu held: it only
// touches the ClearingHouse's own lock, never m.mu.
func (m *Manager) lookupPeer(server netip.AddrPort) *peer.Peer {
	for _, p := range m.house.Peers() {
		if addr, ok := addrPortOf(p.Connection().RemoteAddr); ok && addr == server {
			return p
		}
	}
	return nil
}

func addrPortOf(a net.Addr) (netip.AddrPort, bool) {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(tcp.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(tcp.Port)), true
}

func isConnRefusedOrReset(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
