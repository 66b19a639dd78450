// Command tracker runs the standalone §4.9 Tracker process: a TCP
// tracker-task listener plus a UDP offline-report listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/cliutil"
	"github.com/unidata/sruth/internal/config"
	"github.com/unidata/sruth/internal/distfiles"
	"github.com/unidata/sruth/internal/logging"
	"github.com/unidata/sruth/internal/tracker"
)

func main() {
	host := flag.String("host", "0.0.0.0", "address to bind the tracker-task TCP port on")
	port := flag.Uint("port", 0, "tracker-task TCP port (0 uses the configured default)")
	offlinePort := flag.Uint("offline-report-port", 0, "UDP offline-report port (0 means OS-assigned)")
	predicateFlag := flag.String("predicate", "", "comma-separated default Predicate filter prefixes (empty means EVERYTHING)")
	archiveRoot := flag.String("archive-root", "", "shared archive root to distribute the Topology file into (optional; typically the colocated publisher's root)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := logging.Setup(os.Stdout, cliutil.ParseLevel(*logLevel))

	cfg := config.DefaultConfig()
	if *port == 0 {
		*port = uint(cfg.TrackerPort)
	}

	trackerCfg := tracker.Config{
		Host:              *host,
		Port:              uint16(*port),
		OfflineReportPort: uint16(*offlinePort),
		MaxProberThreads:  cfg.MaxServerCheckerThreads,
		DefaultPredicate:  cliutil.ParsePredicate(*predicateFlag),
	}

	tr, err := tracker.Listen(trackerCfg, log)
	if err != nil {
		log.Error("tracker: failed to start", "error", err)
		os.Exit(1)
	}
	log.Info("tracker listening", "tcp", tr.Addr(), "udp_offline_report", tr.OfflineReportAddr())

	if *archiveRoot != "" {
		// No DeletionScheduler: the Topology file is saved with an
		// indefinite TTL (it is replaced, never expired), so this
		// Archive handle never schedules a deletion.
		a, err := archive.Open(*archiveRoot, cfg.ActiveFileCacheSize, nil)
		if err != nil {
			log.Error("tracker: failed to open shared archive", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		tr.AddTopologyListener(distfiles.NewPublisher(tr.Addr().String(), a, log).Publish)
		log.Info("distributing topology file", "root", *archiveRoot, "path", fmt.Sprintf("admin/%s/Topology", tr.Addr()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tr.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("tracker: exited with error", "error", err)
		os.Exit(2)
	}
	log.Info("tracker: shut down")
}
