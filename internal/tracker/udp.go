package tracker

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/unidata/sruth/internal/topology"
)

// maxOfflineReportPacket bounds one "(host, port)" datagram.
const maxOfflineReportPacket = 256

// proberDialTimeout bounds the lightweight TCP connect the Tracker
// attempts before removing a reported-offline server (§4.9).
const proberDialTimeout = 5 * time.Second

// offlineReportLoop reads one-datagram "server offline" reports and
// dispatches a bounded pool of lightweight probers.
func (t *Tracker) offlineReportLoop(ctx context.Context) error {
	buf := make([]byte, maxOfflineReportPacket)
	for {
		n, _, err := t.udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return err
		}

		addr, err := netip.ParseAddrPort(string(buf[:n]))
		if err != nil {
			t.log.Warn("offline report: malformed packet", "error", err)
			continue
		}

		select {
		case t.proberSem <- struct{}{}:
			go t.probe(ctx, addr)
		default:
			t.log.Warn("offline report: prober pool saturated, dropping", "server", addr)
		}
	}
}

// probe attempts its own TCP connect to addr; on failure it removes
// addr from the Topology (§4.9).
func (t *Tracker) probe(ctx context.Context, addr netip.AddrPort) {
	defer func() { <-t.proberSem }()

	dialer := net.Dialer{Timeout: proberDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err == nil {
		conn.Close()
		return
	}

	t.log.Info("offline report confirmed, removing server", "server", addr, "error", err)
	t.mutate(func(snap *topology.Topology) { snap.Remove(addr) })
}
