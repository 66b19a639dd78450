package tracker

import (
	"net"
	"net/netip"
	"time"
)

// OfflineReporter sends "server offline" UDP reports to a Tracker's
// offline-report port (§4.9). It implements
// internal/clientmanager.OfflineReporter, letting a ClientManager tell
// this node's Tracker that a remote server stopped answering without
// the clientmanager package importing this one.
type OfflineReporter struct {
	trackerAddr string
	dialTimeout time.Duration
}

// NewOfflineReporter builds a reporter that sends to trackerAddr (the
// Tracker's OfflineReportAddr, as returned by a TopologyGetter/
// NetworkGetter response).
func NewOfflineReporter(trackerAddr string) *OfflineReporter {
	return &OfflineReporter{trackerAddr: trackerAddr, dialTimeout: 5 * time.Second}
}

// ReportOffline sends the single datagram naming server. Best-effort:
// errors are not surfaced, since a dropped report just means the
// Tracker keeps the server listed until the next report or a future
// successful probe supersedes it.
func (r *OfflineReporter) ReportOffline(server netip.AddrPort) {
	conn, err := net.DialTimeout("udp", r.trackerAddr, r.dialTimeout)
	if err != nil {
		return
	}
	defer conn.Close()

	_, _ = conn.Write([]byte(server.String()))
}
