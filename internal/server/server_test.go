package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/clearinghouse"
	"github.com/unidata/sruth/internal/client"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/peer"
)

func TestServerPromotesConnectionAndRegistersPeer(t *testing.T) {
	srcArchive, err := archive.Open(t.TempDir(), 8, nil)
	require.NoError(t, err)
	defer srcArchive.Close()
	_, err = srcArchive.Save(archivepath.New("a.bin"), []byte("hello"), -1)
	require.NoError(t, err)

	srcHouse := clearinghouse.New(srcArchive, filter.NewPredicate(), nil)
	walker := archive.Walker{Archive: srcArchive, PieceSize: 131072}

	srv, err := Listen("127.0.0.1", 0, 0, filter.NOTHING, srcHouse, walker, peer.Config{}, 2*time.Second, nil)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go srv.Serve(ctx)

	sinkArchive, err := archive.Open(t.TempDir(), 8, nil)
	require.NoError(t, err)
	defer sinkArchive.Close()
	sinkHouse := clearinghouse.New(sinkArchive, filter.NewPredicate(filter.EVERYTHING), nil)
	sinkWalker := archive.Walker{Archive: sinkArchive, PieceSize: 131072}

	go client.Run(ctx, srv.Addr().String(), filter.EVERYTHING, sinkHouse, sinkWalker, peer.Config{}, 2*time.Second, nil)

	require.Eventually(t, func() bool {
		return len(srcHouse.Peers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(sinkHouse.Peers()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
