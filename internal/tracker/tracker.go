// Package tracker implements the Tracker of §4.9: a standalone process
// (typically colocated with the publisher) that holds one Topology,
// answers TCP "tracker-task" requests (TopologyGetter, NetworkGetter,
// SubscriptionGetter), accepts UDP "server offline" reports, and
// notifies registered listeners whenever the Topology changes.
//
// Grounded on the teacher's internal/tracker package for the overall
// shape (a coordinator type wrapping a TCP/UDP transport, `Run(ctx)`
// driving its accept loops under one errgroup), generalized from an
// outbound BitTorrent tracker client (announcing to someone else's
// tracker) to this spec's inbound tracker server.
package tracker

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/unidata/sruth/internal/bencode"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/topology"
)

// Config tunes the Tracker (§6: "maximum number of server-checker
// threads", "server-checker thread keepalive time in seconds").
type Config struct {
	Host              string
	Port              uint16 // TCP tracker-task port, default 38800
	OfflineReportPort uint16 // UDP port; 0 means OS-assigned
	MaxProberThreads  int
	DefaultPredicate  *filter.Predicate // returned by SubscriptionGetter
}

func (c Config) withDefaults() Config {
	if c.MaxProberThreads <= 0 {
		c.MaxProberThreads = 16
	}
	if c.DefaultPredicate == nil {
		c.DefaultPredicate = filter.NewPredicate(filter.EVERYTHING)
	}
	return c
}

// Tracker is the §4.9 coordinator.
type Tracker struct {
	log *slog.Logger
	cfg Config

	tcpLn net.Listener
	udp   *net.UDPConn

	topoMu sync.RWMutex
	topo   *topology.Topology

	listenersMu sync.Mutex
	listeners   []func(*topology.Topology)

	proberSem chan struct{}
}

// Listen binds the Tracker's TCP tracker-task port and UDP
// offline-report port.
func Listen(cfg Config, log *slog.Logger) (*Tracker, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	tcpLn, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port))))
	if err != nil {
		return nil, errors.Wrap(err, "tracker: listen tcp")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.OfflineReportPort))))
	if err != nil {
		tcpLn.Close()
		return nil, errors.Wrap(err, "tracker: resolve udp")
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tcpLn.Close()
		return nil, errors.Wrap(err, "tracker: listen udp")
	}

	return &Tracker{
		log:       log.With("component", "tracker", "addr", tcpLn.Addr()),
		cfg:       cfg,
		tcpLn:     tcpLn,
		udp:       udp,
		topo:      topology.New(),
		proberSem: make(chan struct{}, cfg.MaxProberThreads),
	}, nil
}

// Addr returns the TCP tracker-task listener's address.
func (t *Tracker) Addr() net.Addr { return t.tcpLn.Addr() }

// OfflineReportAddr returns the UDP offline-report listener's address.
func (t *Tracker) OfflineReportAddr() net.Addr { return t.udp.LocalAddr() }

// AddTopologyListener registers fn to be called, with an immutable
// snapshot, every time the Topology changes. The publisher's listener
// distributes the snapshot through the Archive (§4.9); fn must not
// block — it should hand off to its own queue or goroutine if the
// distribution step can stall.
func (t *Tracker) AddTopologyListener(fn func(*topology.Topology)) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Snapshot returns the current Topology. The returned value is a
// private clone: mutating it has no effect on the Tracker.
func (t *Tracker) Snapshot() *topology.Topology {
	t.topoMu.RLock()
	defer t.topoMu.RUnlock()
	return t.topo.Clone()
}

// Run drives the TCP accept loop and UDP offline-report loop until ctx
// is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.acceptLoop(gctx) })
	g.Go(func() error { return t.offlineReportLoop(gctx) })

	go func() {
		<-gctx.Done()
		t.tcpLn.Close()
		t.udp.Close()
	}()

	return g.Wait()
}

func (t *Tracker) acceptLoop(ctx context.Context) error {
	for {
		conn, err := t.tcpLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return errors.Wrap(err, "tracker: accept")
		}
		go t.handleConn(conn)
	}
}

func (t *Tracker) handleConn(conn net.Conn) {
	defer conn.Close()

	tag, req, err := readFrame(conn)
	if err != nil {
		t.log.Warn("tracker-task: bad request", "error", err)
		return
	}

	var resp bencode.Dict
	switch tag {
	case taskTopologyGetter:
		resp = t.handleTopologyGetter(req)
	case taskNetworkGetter:
		resp = t.handleNetworkGetter()
	case taskSubscriptionGetter:
		resp = t.handleSubscriptionGetter()
	default:
		t.log.Warn("tracker-task: unknown tag", "tag", tag)
		return
	}

	if err := writeFrame(conn, tag, resp); err != nil {
		t.log.Warn("tracker-task: write response failed", "error", err)
	}
}

// handleTopologyGetter implements: response is the current Topology
// plus the offline-report UDP address; as a side effect, registers
// (filter, localServer) in the Topology (§4.9).
func (t *Tracker) handleTopologyGetter(req bencode.Dict) bencode.Dict {
	localStr, _ := req.String("local_server")
	filterStr, _ := req.String("filter")

	if local, err := netip.ParseAddrPort(localStr); err == nil {
		t.mutate(func(snap *topology.Topology) {
			snap.Add(filter.New(filterStr), local)
		})
	}

	return t.topologyResponse()
}

// handleNetworkGetter is the join-time variant: returns the current
// Topology and offline-report address without registering the caller.
func (t *Tracker) handleNetworkGetter() bencode.Dict {
	return t.topologyResponse()
}

func (t *Tracker) topologyResponse() bencode.Dict {
	snap := t.Snapshot()
	raw, err := snap.Marshal()
	if err != nil {
		t.log.Error("tracker: marshal topology", "error", err)
		raw = nil
	}
	return bencode.Dict{
		"topology":     string(raw),
		"offline_addr": t.OfflineReportAddr().String(),
	}
}

// handleSubscriptionGetter returns this tracker's address and default
// Predicate, serialized as its constituent filter prefixes.
func (t *Tracker) handleSubscriptionGetter() bencode.Dict {
	prefixes := make([]any, 0)
	for _, f := range t.cfg.DefaultPredicate.Filters() {
		prefixes = append(prefixes, f.String())
	}
	return bencode.Dict{
		"tracker_addr": t.Addr().String(),
		"predicate":    prefixes,
	}
}

// mutate clones the current Topology, applies fn to the clone, swaps
// it in, and notifies every registered listener with the new
// immutable snapshot (§5: "a mutation creates a new snapshot published
// to listeners").
func (t *Tracker) mutate(fn func(*topology.Topology)) {
	t.topoMu.Lock()
	next := t.topo.Clone()
	fn(next)
	t.topo = next
	t.topoMu.Unlock()

	t.notifyListeners(next)
}

func (t *Tracker) notifyListeners(snap *topology.Topology) {
	t.listenersMu.Lock()
	listeners := append([]func(*topology.Topology){}, t.listeners...)
	t.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}
