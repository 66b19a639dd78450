package clearinghouse

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/peer"
)

func TestProcessPieceUsedAndDone(t *testing.T) {
	a, err := archive.Open(t.TempDir(), 8, nil)
	require.NoError(t, err)
	defer a.Close()

	pred := filter.NewPredicate(filter.New("a.bin"))
	ch := New(a, pred, nil)

	fi := archivepath.FileInfo{
		ID:        archivepath.FileId{Path: archivepath.New("a.bin"), Time: archivepath.Now()},
		SizeBytes: 3,
		PieceSize: 3,
	}
	piece := archivepath.Piece{Spec: archivepath.PieceSpec{FileInfo: fi, Index: 0}, Data: []byte("xyz")}

	status := ch.ProcessPiece(nil, piece)
	require.Equal(t, peer.StatusDone, status)

	select {
	case <-ch.Done():
	default:
		t.Fatal("expected Done() to be closed once the predicate is exhausted")
	}
	require.Equal(t, uint64(1), ch.ReceivedFileCount())
}

func TestProcessPieceNotUsedWhenUnwanted(t *testing.T) {
	a, err := archive.Open(t.TempDir(), 8, nil)
	require.NoError(t, err)
	defer a.Close()

	pred := filter.NewPredicate(filter.New("other"))
	ch := New(a, pred, nil)

	fi := archivepath.FileInfo{
		ID:        archivepath.FileId{Path: archivepath.New("a.bin"), Time: archivepath.Now()},
		SizeBytes: 3,
		PieceSize: 3,
	}
	piece := archivepath.Piece{Spec: archivepath.PieceSpec{FileInfo: fi, Index: 0}, Data: []byte("xyz")}

	status := ch.ProcessPiece(nil, piece)
	require.Equal(t, peer.StatusNotUsed, status)
}
