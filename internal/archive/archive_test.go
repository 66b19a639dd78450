package archive

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unidata/sruth/internal/archivepath"
)

type fakeScheduler struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeScheduler) ActUponEventually(path string, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
}

func pieceInfo(path string, data []byte, pieceSize int64, ttl int64) archivepath.FileInfo {
	return archivepath.FileInfo{
		ID:                archivepath.FileId{Path: archivepath.New(path), Time: archivepath.Now()},
		SizeBytes:         int64(len(data)),
		PieceSize:         pieceSize,
		TimeToLiveSeconds: ttl,
	}
}

func writeAllPieces(t *testing.T, a *Archive, fi archivepath.FileInfo, data []byte) {
	t.Helper()
	n := fi.PieceCount()
	var complete bool
	for i := 0; i < n; i++ {
		off, length, err := fi.PieceBounds(i)
		require.NoError(t, err)
		p := archivepath.Piece{
			Spec: archivepath.PieceSpec{FileInfo: fi, Index: i},
			Data: data[off : off+length],
		}
		c, err := a.PutPiece(p)
		require.NoError(t, err)
		if i == n-1 {
			complete = c
		}
	}
	require.True(t, complete)
}

func TestPutPieceCompletesAndPromotesToVisible(t *testing.T) {
	root := t.TempDir()
	sched := &fakeScheduler{}
	a, err := Open(root, 4, sched)
	require.NoError(t, err)
	defer a.Close()

	var notified []archivepath.FileId
	a.AddCompletionListener(func(id archivepath.FileId) {
		notified = append(notified, id)
	})

	data := []byte("hello world, this is piece data spanning multiple pieces!!")
	fi := pieceInfo("dir/file.bin", data, 16, -1)
	writeAllPieces(t, a, fi, data)

	require.FileExists(t, filepath.Join(root, "dir", "file.bin"))
	require.True(t, a.Contains(fi.ID))
	require.Len(t, notified, 1)
	require.True(t, notified[0].Equal(fi.ID))
}

func TestPutPieceSchedulesDeletionWhenTTLSet(t *testing.T) {
	root := t.TempDir()
	sched := &fakeScheduler{}
	a, err := Open(root, 4, sched)
	require.NoError(t, err)
	defer a.Close()

	data := []byte("short lived data")
	fi := pieceInfo("ttl.bin", data, 8, 5)
	writeAllPieces(t, a, fi, data)

	sched.mu.Lock()
	defer sched.mu.Unlock()
	require.Len(t, sched.calls, 1)
}

func TestGetPieceRoundTrips(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root, 4, &fakeScheduler{})
	require.NoError(t, err)
	defer a.Close()

	data := []byte("0123456789abcdef")
	fi := pieceInfo("x.bin", data, 4, -1)
	writeAllPieces(t, a, fi, data)

	spec := archivepath.PieceSpec{FileInfo: fi, Index: 2}
	p, err := a.GetPiece(spec)
	require.NoError(t, err)
	require.Equal(t, data[8:12], p.Data)
}

func TestSaveIsImmediatelyVisibleAndComplete(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root, 4, &fakeScheduler{})
	require.NoError(t, err)
	defer a.Close()

	id, err := a.Save(archivepath.New("saved.txt"), []byte("published content"), -1)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(root, "saved.txt"))
	require.True(t, a.Contains(id))
}

func TestRemoveOnlyDeletesMatchingVersion(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root, 4, &fakeScheduler{})
	require.NoError(t, err)
	defer a.Close()

	id, err := a.Save(archivepath.New("r.txt"), []byte("v1"), -1)
	require.NoError(t, err)

	stale := archivepath.FileId{Path: id.Path, Time: archivepath.TimeFromUnixMilli(1)}
	require.NoError(t, a.Remove(stale))
	require.True(t, a.Contains(id))

	require.NoError(t, a.Remove(id))
	require.False(t, a.Contains(id))
	require.NoFileExists(t, filepath.Join(root, "r.txt"))
}

func TestRemovePrunesEmptyAncestors(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root, 4, &fakeScheduler{})
	require.NoError(t, err)
	defer a.Close()

	id, err := a.Save(archivepath.New("a/b/c.txt"), []byte("nested"), -1)
	require.NoError(t, err)
	require.NoError(t, a.Remove(id))

	require.NoDirExists(t, filepath.Join(root, "a"))
}

// TestConcurrentRemoveAndPutPieceRace covers spec §8's Boundaries
// case: a Remove racing the final PutPiece of the same FileId must
// leave the archive in one of the two sanctioned end states — the
// remove wins (the file never becomes visible) or the put wins (the
// file becomes visible complete, then is removed) — never a partial
// or corrupt visible file.
func TestConcurrentRemoveAndPutPieceRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		root := t.TempDir()
		a, err := Open(root, 4, &fakeScheduler{})
		require.NoError(t, err)

		data := []byte("race-test-data-1234")
		fi := pieceInfo("race.bin", data, 4, -1)
		id := fi.ID
		n := fi.PieceCount()

		// Land every piece but the last synchronously, so only the
		// last PutPiece (the one that would complete and promote the
		// file) actually races the concurrent Remove.
		for idx := 0; idx < n-1; idx++ {
			off, length, err := fi.PieceBounds(idx)
			require.NoError(t, err)
			_, err = a.PutPiece(archivepath.Piece{
				Spec: archivepath.PieceSpec{FileInfo: fi, Index: idx},
				Data: data[off : off+length],
			})
			require.NoError(t, err)
		}

		off, length, err := fi.PieceBounds(n - 1)
		require.NoError(t, err)
		lastPiece := archivepath.Piece{
			Spec: archivepath.PieceSpec{FileInfo: fi, Index: n - 1},
			Data: data[off : off+length],
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = a.PutPiece(lastPiece) // may land after Remove deletes the hidden file
		}()
		go func() {
			defer wg.Done()
			require.NoError(t, a.Remove(id))
		}()
		wg.Wait()

		vp := filepath.Join(root, "race.bin")
		if got, err := os.ReadFile(vp); err == nil {
			require.Equal(t, data, got)
		} else {
			require.True(t, os.IsNotExist(err))
		}

		require.NoError(t, a.Close())
	}
}

func TestOpenPurgesHiddenTreeExceptDeletionQueue(t *testing.T) {
	root := t.TempDir()
	a1, err := Open(root, 4, &fakeScheduler{})
	require.NoError(t, err)

	data := []byte("0123456789abcdef")
	fi := pieceInfo("incomplete.bin", data, 4, -1)
	p := archivepath.Piece{Spec: archivepath.PieceSpec{FileInfo: fi, Index: 0}, Data: data[0:4]}
	_, err = a1.PutPiece(p)
	require.NoError(t, err)
	a1.Close()

	require.FileExists(t, filepath.Join(root, HiddenDirName, "incomplete.bin"))

	a2, err := Open(root, 4, &fakeScheduler{})
	require.NoError(t, err)
	defer a2.Close()

	require.NoFileExists(t, filepath.Join(root, HiddenDirName, "incomplete.bin"))
}
