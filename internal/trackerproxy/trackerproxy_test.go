package trackerproxy

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/topology"
	"github.com/unidata/sruth/internal/tracker"
)

type fakeFallback struct {
	snap *topology.Topology
	ok   bool
}

func (f fakeFallback) LatestTopology() (*topology.Topology, bool) { return f.snap, f.ok }

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	require.NoError(t, err)
	return ap
}

func TestGetBestServerUsesLiveTracker(t *testing.T) {
	tr, err := tracker.Listen(tracker.Config{Host: "127.0.0.1"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)

	proxy := New(tr.Addr().String(), mustAddrPort(t, "127.0.0.1:1"), nil, nil)

	server, ok := proxy.GetBestServer(filter.New("media"), nil)
	require.False(t, ok, "nothing registered yet")

	_, _, err = tracker.GetTopology(tr.Addr().String(), mustAddrPort(t, "127.0.0.1:4000"), filter.New("media"))
	require.NoError(t, err)

	server, ok = proxy.GetBestServer(filter.New("media"), nil)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:4000", server.String())
}

func TestGetBestServerFallsBackToArchive(t *testing.T) {
	archived := topology.New()
	archived.Add(filter.New("media"), mustAddrPort(t, "127.0.0.1:9999"))

	// 127.0.0.1:1 has nothing listening; dialing it should fail fast
	// (or at least not resolve to a live tracker), driving the proxy to
	// its fallback.
	proxy := New("127.0.0.1:1", mustAddrPort(t, "127.0.0.1:1"), fakeFallback{snap: archived, ok: true}, nil)

	server, ok := proxy.GetBestServer(filter.New("media"), nil)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:9999", server.String())
}

func TestReportOfflineNoopWithoutKnownAddress(t *testing.T) {
	proxy := New("127.0.0.1:1", netip.AddrPort{}, nil, nil)
	proxy.ReportOffline(mustAddrPort(t, "127.0.0.1:4000")) // must not panic
}
