package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unidata/sruth/internal/archivepath"
)

type recordingNotifier struct {
	appeared []archivepath.FileInfo
	removed  []archivepath.FileId
}

func (r *recordingNotifier) FileAppeared(fi archivepath.FileInfo) {
	r.appeared = append(r.appeared, fi)
}

func (r *recordingNotifier) FileRemoved(id archivepath.FileId) {
	r.removed = append(r.removed, id)
}

func newTestWatcher(t *testing.T, root string) (*FileWatcher, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	fw, err := New(root, 1024, n, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fw.Close() })
	return fw, n
}

func TestIsHidden(t *testing.T) {
	root := t.TempDir()
	fw, _ := newTestWatcher(t, root)

	require.True(t, fw.isHidden(filepath.Join(root, ".sruth")))
	require.True(t, fw.isHidden(filepath.Join(root, ".sruth", "a", "b.txt")))
	require.False(t, fw.isHidden(filepath.Join(root, "a", "b.txt")))
	require.False(t, fw.isHidden(root))
}

func TestBuildFileInfoMonotonicOnCollision(t *testing.T) {
	root := t.TempDir()
	fw, _ := newTestWatcher(t, root)

	name := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(name, []byte("hello"), 0o644))
	same := archivepath.Now().Std()
	require.NoError(t, os.Chtimes(name, same, same))

	st1, err := os.Stat(name)
	require.NoError(t, err)
	fi1, err := fw.buildFileInfo(name, st1)
	require.NoError(t, err)

	// A second "creation" with the identical on-disk mtime must still
	// produce a strictly later ArchiveTime than the first.
	st2, err := os.Stat(name)
	require.NoError(t, err)
	fi2, err := fw.buildFileInfo(name, st2)
	require.NoError(t, err)

	require.True(t, fi1.ID.Time.Less(fi2.ID.Time))
	require.Equal(t, fi1.ID.Path, fi2.ID.Path)
}

func TestArchivePathUsesSlashes(t *testing.T) {
	root := t.TempDir()
	fw, _ := newTestWatcher(t, root)

	nested := filepath.Join(root, "dir", "file.bin")
	p, err := fw.archivePath(nested)
	require.NoError(t, err)
	require.Equal(t, archivepath.New("dir/file.bin"), p)
}
