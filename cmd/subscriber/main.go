// Command subscriber runs the subscriber side of §4.7/§4.9/§4.10: a
// SinkServer accepting inbound peer-to-peer connections, a
// TrackerProxy resolving candidate upstream servers, and one
// ClientManager per Filter in the subscription Predicate maintaining
// that filter's target outbound client count.
package main

import (
	"context"
	"flag"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/clearinghouse"
	"github.com/unidata/sruth/internal/clientmanager"
	"github.com/unidata/sruth/internal/cliutil"
	"github.com/unidata/sruth/internal/config"
	"github.com/unidata/sruth/internal/delayqueue"
	"github.com/unidata/sruth/internal/distfiles"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/logging"
	"github.com/unidata/sruth/internal/peer"
	"github.com/unidata/sruth/internal/server"
	"github.com/unidata/sruth/internal/trackerproxy"
)

func main() {
	root := flag.String("root", "", "archive root directory to receive into (required)")
	host := flag.String("host", "0.0.0.0", "address to bind the sink server on")
	portLo := flag.Uint("port-lo", 0, "lower bound of the sink server's port range")
	portHi := flag.Uint("port-hi", 0, "upper bound of the sink server's port range")
	trackerAddr := flag.String("tracker", "", "tracker TCP address, host:port (required)")
	predicateFlag := flag.String("predicate", "", "comma-separated Predicate filter prefixes (required)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := logging.Setup(os.Stdout, cliutil.ParseLevel(*logLevel))

	if *root == "" || *trackerAddr == "" || *predicateFlag == "" {
		log.Error("subscriber: -root, -tracker, and -predicate are all required")
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	predicate := cliutil.ParsePredicate(*predicateFlag)

	var a *archive.Archive
	queueAction := func(path string) error {
		return a.RemoveAtPath(archivepath.New(path))
	}
	if err := os.MkdirAll(filepath.Join(*root, archive.HiddenDirName), 0o755); err != nil {
		log.Error("subscriber: failed to create archive root", "error", err)
		os.Exit(1)
	}
	queueFile := filepath.Join(*root, archive.HiddenDirName, archive.DeletionQueueFileName)
	queue, err := delayqueue.Open(queueFile, queueAction, log)
	if err != nil {
		log.Error("subscriber: failed to open deletion queue", "error", err)
		os.Exit(1)
	}

	a, err = archive.Open(*root, cfg.ActiveFileCacheSize, queue)
	if err != nil {
		log.Error("subscriber: failed to open archive", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	house := clearinghouse.New(a, predicate, log)
	walker := archive.Walker{Archive: a, PieceSize: cfg.PieceSize}
	peerCfg := peer.Config{
		MaxOutstandingRequests: cfg.MaxOutstandingRequests,
		OutboundQueueBacklog:   cfg.PeerOutboundQueueBacklog,
	}

	srv, err := server.Listen(*host, uint16(*portLo), uint16(*portHi), filter.EVERYTHING, house, walker, peerCfg, cfg.SocketTimeout, log)
	if err != nil {
		log.Error("subscriber: failed to start sink server", "error", err)
		os.Exit(1)
	}
	log.Info("subscriber: sink server listening", "addr", srv.Addr())

	local, err := addrPortOf(srv.Addr())
	if err != nil {
		log.Error("subscriber: failed to determine local address", "error", err)
		os.Exit(1)
	}

	fallback := distfiles.NewReader(*trackerAddr, a)
	proxy := trackerproxy.New(*trackerAddr, local, fallback, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return queue.Run(gctx) })

	cmCfg := clientmanager.Config{
		TargetClients: cfg.MinClientsPerFilter,
		Period:        cfg.ClientReplacementPeriod,
		DialTimeout:   cfg.SocketTimeout,
	}
	for _, f := range predicate.Filters() {
		mgr := clientmanager.New(f, local, house, walker, peerCfg, proxy, proxy, cmCfg, log)
		g.Go(func() error { return mgr.Run(gctx) })
	}

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info("subscriber: interrupted")
		return
	}
	if err != nil {
		log.Error("subscriber: exited with error", "error", err)
		os.Exit(1)
	}
}

func addrPortOf(a net.Addr) (netip.AddrPort, error) {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, errNotTCPAddr{a}
	}
	ip, ok := netip.AddrFromSlice(tcp.IP)
	if !ok {
		return netip.AddrPort{}, errNotTCPAddr{a}
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(tcp.Port)), nil
}

type errNotTCPAddr struct{ addr net.Addr }

func (e errNotTCPAddr) Error() string { return "not a TCP address: " + e.addr.String() }

