package clientmanager

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/clearinghouse"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/peer"
	"github.com/unidata/sruth/internal/server"
)

// fakeFinder hands out servers once each, in order, then reports none.
type fakeFinder struct {
	mu      sync.Mutex
	servers []netip.AddrPort
}

func (f *fakeFinder) GetBestServer(_ filter.Filter, exclude map[netip.AddrPort]struct{}) (netip.AddrPort, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.servers {
		if _, excluded := exclude[s]; !excluded {
			return s, true
		}
	}
	return netip.AddrPort{}, false
}

type fakeOfflineReporter struct {
	mu      sync.Mutex
	reports []netip.AddrPort
}

func (f *fakeOfflineReporter) ReportOffline(s netip.AddrPort) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, s)
}

func TestManagerFillsTargetAndRegistersPeer(t *testing.T) {
	srcArchive, err := archive.Open(t.TempDir(), 8, nil)
	require.NoError(t, err)
	defer srcArchive.Close()
	_, err = srcArchive.Save(archivepath.New("a.bin"), []byte("hello"), -1)
	require.NoError(t, err)

	srcHouse := clearinghouse.New(srcArchive, filter.NewPredicate(), nil)
	srcWalker := archive.Walker{Archive: srcArchive, PieceSize: 131072}

	srv, err := server.Listen("127.0.0.1", 0, 0, filter.NOTHING, srcHouse, srcWalker, peer.Config{}, 2*time.Second, nil)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go srv.Serve(ctx)

	tcpAddr := srv.Addr().(*net.TCPAddr)
	ip, ok := netip.AddrFromSlice(tcpAddr.IP)
	require.True(t, ok)
	serverAddr := netip.AddrPortFrom(ip.Unmap(), uint16(tcpAddr.Port))

	sinkArchive, err := archive.Open(t.TempDir(), 8, nil)
	require.NoError(t, err)
	defer sinkArchive.Close()
	sinkHouse := clearinghouse.New(sinkArchive, filter.NewPredicate(filter.EVERYTHING), nil)
	sinkWalker := archive.Walker{Archive: sinkArchive, PieceSize: 131072}

	finder := &fakeFinder{servers: []netip.AddrPort{serverAddr}}
	mgr := New(filter.EVERYTHING, netip.AddrPort{}, sinkHouse, sinkWalker, peer.Config{}, finder, nil, Config{
		TargetClients: 1,
		Period:        50 * time.Millisecond,
		DialTimeout:   2 * time.Second,
	}, nil)

	go mgr.Run(ctx)

	require.Eventually(t, func() bool {
		return len(sinkHouse.Peers()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(srcHouse.Peers()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleTerminationConnRefusedMarksInvalidPermanently(t *testing.T) {
	house := clearinghouse.New(nil, filter.NewPredicate(filter.EVERYTHING), nil)
	reporter := &fakeOfflineReporter{}
	mgr := New(filter.EVERYTHING, netip.AddrPort{}, house, nil, peer.Config{}, &fakeFinder{}, reporter, Config{}, nil)

	addr := netip.MustParseAddrPort("10.0.0.1:9000")
	mgr.clients[addr] = &clientHandle{cancel: func() {}}

	mgr.handleTermination(termination{server: addr, valid: false, err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}})

	mgr.mu.Lock()
	expiry, marked := mgr.invalid[addr]
	_, stillClient := mgr.clients[addr]
	mgr.mu.Unlock()

	require.True(t, marked)
	require.True(t, expiry.IsZero())
	require.False(t, stillClient)
	require.Len(t, reporter.reports, 1)
	require.Equal(t, addr, reporter.reports[0])
}

func TestHandleTerminationCancelledIsNoop(t *testing.T) {
	house := clearinghouse.New(nil, filter.NewPredicate(filter.EVERYTHING), nil)
	mgr := New(filter.EVERYTHING, netip.AddrPort{}, house, nil, peer.Config{}, &fakeFinder{}, nil, Config{}, nil)

	addr := netip.MustParseAddrPort("10.0.0.2:9000")
	mgr.clients[addr] = &clientHandle{cancel: func() {}}

	mgr.handleTermination(termination{server: addr, valid: true, err: context.Canceled})

	mgr.mu.Lock()
	_, marked := mgr.invalid[addr]
	mgr.mu.Unlock()
	require.False(t, marked)
}
