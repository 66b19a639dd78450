package archivepath

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPieceCountZeroByteFile covers spec §8's Boundaries case: a
// 0-byte file always reports exactly one (empty) piece.
func TestPieceCountZeroByteFile(t *testing.T) {
	fi := FileInfo{SizeBytes: 0, PieceSize: 16}
	require.Equal(t, 1, fi.PieceCount())

	off, length, err := fi.PieceBounds(0)
	require.NoError(t, err)
	require.Equal(t, int64(0), off)
	require.Equal(t, int64(0), length)
}

// TestPieceBoundsExactMultipleHasFullLastPiece covers spec §8's
// Boundaries case: a file whose size is an exact multiple of the
// piece size has a full-sized last piece, never a trailing 0-length
// one.
func TestPieceBoundsExactMultipleHasFullLastPiece(t *testing.T) {
	fi := FileInfo{SizeBytes: 32, PieceSize: 16}
	require.Equal(t, 2, fi.PieceCount())

	off, length, err := fi.PieceBounds(1)
	require.NoError(t, err)
	require.Equal(t, int64(16), off)
	require.Equal(t, int64(16), length)
}

// TestPieceBoundsTrailingRemainder covers the remaining Boundaries
// case: a file that does not divide evenly has a short last piece
// whose length is exactly size - (piece_count-1)*piece_size.
func TestPieceBoundsTrailingRemainder(t *testing.T) {
	fi := FileInfo{SizeBytes: 35, PieceSize: 16}
	require.Equal(t, 3, fi.PieceCount())

	off, length, err := fi.PieceBounds(2)
	require.NoError(t, err)
	require.Equal(t, int64(32), off)
	require.Equal(t, int64(3), length)
}

func TestPieceBoundsOutOfRange(t *testing.T) {
	fi := FileInfo{SizeBytes: 35, PieceSize: 16}
	_, _, err := fi.PieceBounds(fi.PieceCount())
	require.Error(t, err)
}

// TestPieceCountAndBoundsConcurrentReads exercises the read-only side
// of spec §8's "concurrent remove/putPiece race" property at the type
// level: FileInfo is an immutable value, so PieceCount/PieceBounds
// called concurrently from many goroutines against the same FileInfo
// must never race or disagree (the actual file-removal race lives in
// internal/archive, whose Archive owns the mutable state; see
// TestConcurrentRemoveAndPutPieceRace there).
func TestPieceCountAndBoundsConcurrentReads(t *testing.T) {
	fi := FileInfo{SizeBytes: 35, PieceSize: 16}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.Equal(t, 3, fi.PieceCount())
			_, length, err := fi.PieceBounds(2)
			require.NoError(t, err)
			require.Equal(t, int64(3), length)
		}()
	}
	wg.Wait()
}
