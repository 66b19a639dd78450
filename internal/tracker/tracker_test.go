package tracker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unidata/sruth/internal/bencode"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/topology"
)

func startTracker(t *testing.T, cfg Config) *Tracker {
	t.Helper()
	tr, err := Listen(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tr.tcpLn.Close(); tr.udp.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)
	return tr
}

func roundTrip(t *testing.T, addr net.Addr, tag taskKind, req bencode.Dict) bencode.Dict {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, tag, req))
	_, resp, err := readFrame(conn)
	require.NoError(t, err)
	return resp
}

func TestTopologyGetterRegistersServerAndReturnsSnapshot(t *testing.T) {
	tr := startTracker(t, Config{Host: "127.0.0.1"})

	resp := roundTrip(t, tr.Addr(), taskTopologyGetter, bencode.Dict{
		"local_server": "127.0.0.1:4000",
		"filter":       "media",
	})

	raw, _ := resp.String("topology")
	require.NotEmpty(t, raw)

	snap, err := topology.Unmarshal([]byte(raw))
	require.NoError(t, err)

	server, ok := snap.GetBestServer(filter.New("media"), nil)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:4000", server.String())

	offlineAddr, _ := resp.String("offline_addr")
	require.NotEmpty(t, offlineAddr)
}

func TestOfflineReportRemovesUnreachableServer(t *testing.T) {
	tr := startTracker(t, Config{Host: "127.0.0.1"})

	// Grab a port nothing is listening on by binding then closing it.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := probe.Addr().String()
	require.NoError(t, probe.Close())

	roundTrip(t, tr.Addr(), taskTopologyGetter, bencode.Dict{
		"local_server": deadAddr,
		"filter":       "media",
	})
	_, ok := tr.Snapshot().GetBestServer(filter.New("media"), nil)
	require.True(t, ok)

	udpConn, err := net.Dial("udp", tr.OfflineReportAddr().String())
	require.NoError(t, err)
	defer udpConn.Close()
	_, err = udpConn.Write([]byte(deadAddr))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := tr.Snapshot().GetBestServer(filter.New("media"), nil)
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSubscriptionGetterReturnsDefaultPredicate(t *testing.T) {
	tr := startTracker(t, Config{
		Host:             "127.0.0.1",
		DefaultPredicate: filter.NewPredicate(filter.New("media"), filter.New("docs")),
	})

	resp := roundTrip(t, tr.Addr(), taskSubscriptionGetter, bencode.Dict{})

	trackerAddr, _ := resp.String("tracker_addr")
	require.Equal(t, tr.Addr().String(), trackerAddr)

	rawList, ok := resp.List("predicate")
	require.True(t, ok)
	require.Len(t, rawList, 2)
}
