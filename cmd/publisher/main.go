// Command publisher runs the publisher side of §4.7: a SourceServer
// (its ClearingHouse never requests anything) serving the local
// Archive to connecting subscribers, fed by a FileWatcher that picks
// up files dropped into the archive root by something other than this
// process's own publication path.
//
// Exit codes follow §6: 0 normal termination, 1 invalid invocation, 2
// publisher error, 3 interrupt.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/clearinghouse"
	"github.com/unidata/sruth/internal/cliutil"
	"github.com/unidata/sruth/internal/config"
	"github.com/unidata/sruth/internal/delayqueue"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/logging"
	"github.com/unidata/sruth/internal/peer"
	"github.com/unidata/sruth/internal/server"
	"github.com/unidata/sruth/internal/watcher"
)

func main() {
	root := flag.String("root", "", "archive root directory to publish (required)")
	host := flag.String("host", "0.0.0.0", "address to bind the source server on")
	portLo := flag.Uint("port-lo", 0, "lower bound of the source server's port range (0,0 means OS-assigned)")
	portHi := flag.Uint("port-hi", 0, "upper bound of the source server's port range")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := logging.Setup(os.Stdout, cliutil.ParseLevel(*logLevel))

	if *root == "" {
		log.Error("publisher: -root is required")
		os.Exit(1)
	}

	cfg := config.DefaultConfig()

	var a *archive.Archive
	queueAction := func(path string) error {
		return a.RemoveAtPath(archivepath.New(path))
	}
	// The hidden tree must exist before the deletion queue file can be
	// opened; archive.Open itself only purges it, it doesn't create it
	// until after the scheduler it depends on is already constructed.
	if err := os.MkdirAll(filepath.Join(*root, archive.HiddenDirName), 0o755); err != nil {
		log.Error("publisher: failed to create archive root", "error", err)
		os.Exit(2)
	}
	queueFile := filepath.Join(*root, archive.HiddenDirName, archive.DeletionQueueFileName)
	queue, err := delayqueue.Open(queueFile, queueAction, log)
	if err != nil {
		log.Error("publisher: failed to open deletion queue", "error", err)
		os.Exit(2)
	}

	a, err = archive.Open(*root, cfg.ActiveFileCacheSize, queue)
	if err != nil {
		log.Error("publisher: failed to open archive", "error", err)
		os.Exit(2)
	}
	defer a.Close()

	house := clearinghouse.New(a, filter.NewPredicate(), log)
	walker := archive.Walker{Archive: a, PieceSize: cfg.PieceSize}
	peerCfg := peer.Config{
		MaxOutstandingRequests: cfg.MaxOutstandingRequests,
		OutboundQueueBacklog:   cfg.PeerOutboundQueueBacklog,
	}

	srv, err := server.Listen(*host, uint16(*portLo), uint16(*portHi), filter.NOTHING, house, walker, peerCfg, cfg.SocketTimeout, log)
	if err != nil {
		log.Error("publisher: failed to start source server", "error", err)
		os.Exit(2)
	}
	log.Info("publisher: source server listening", "addr", srv.Addr())

	fw, err := watcher.New(*root, cfg.PieceSize, srv, log)
	if err != nil {
		log.Error("publisher: failed to start file watcher", "error", err)
		os.Exit(2)
	}
	defer fw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return fw.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx) })

	err = g.Wait()
	switch {
	case ctx.Err() != nil:
		log.Info("publisher: interrupted")
		os.Exit(3)
	case err != nil:
		log.Error("publisher: exited with error", "error", err)
		os.Exit(2)
	}
}
