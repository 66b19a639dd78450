// Package archive implements the on-disk, piece-indexed file store:
// files are written as fixed-size pieces into a hidden scratch tree and
// only become externally visible once every piece has arrived. Each
// incomplete file carries a trailer past its declared size recording
// which pieces are written; Open purges the hidden tree, so partial
// progress does not carry over to a newly opened Archive.
//
// Grounded on the teacher's internal/storage.Store (piece buffering,
// file-region read/write, directory setup), generalized from its
// single torrent's flat file list to an unbounded, arbitrarily-nested
// ArchivePath tree with a bounded open-file LRU and crash-safe
// trailers in place of the teacher's in-memory piece buffers.
package archive

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/unidata/sruth/internal/archivepath"
)

// DeletionScheduler is the subset of internal/delayqueue.Queue the
// Archive depends on, broken out as an interface so the two packages
// don't import each other (§9 Design Notes: Archive exposes a small
// save/restore/listen surface rather than owning its collaborators).
type DeletionScheduler interface {
	ActUponEventually(path string, delay time.Duration)
}

// CompletionListener is invoked, with no DiskFile lock held, whenever
// a file finishes assembly.
type CompletionListener func(archivepath.FileId)

// Archive is the per-node file store rooted at a single directory.
type Archive struct {
	root      string
	cache     *diskFileCache
	scheduler DeletionScheduler

	mu        sync.Mutex
	listeners []CompletionListener
}

// Open prepares root for use as an archive root: it creates the
// directory structure if needed and purges the hidden tree of
// everything except the deletion-queue file, since any other hidden
// entry represents an in-progress write abandoned by a previous
// process's crash and is safer rebuilt from scratch than trusted.
func Open(root string, cacheSize int, scheduler DeletionScheduler) (*Archive, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "archive: create root")
	}
	hiddenRoot := filepath.Join(root, HiddenDirName)
	if err := os.MkdirAll(hiddenRoot, 0o755); err != nil {
		return nil, errors.Wrap(err, "archive: create hidden root")
	}
	if err := purgeHiddenExceptQueue(hiddenRoot); err != nil {
		return nil, errors.Wrap(err, "archive: purge hidden tree")
	}

	return &Archive{
		root:      root,
		cache:     newDiskFileCache(root, cacheSize),
		scheduler: scheduler,
	}, nil
}

func purgeHiddenExceptQueue(hiddenRoot string) error {
	keep := filepath.Join(hiddenRoot, DeletionQueueFileName)

	entries, err := os.ReadDir(hiddenRoot)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := filepath.Join(hiddenRoot, e.Name())
		if p == keep {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}

// AddCompletionListener registers fn to be called after every
// PutPiece that completes a file.
func (a *Archive) AddCompletionListener(fn CompletionListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *Archive) notify(id archivepath.FileId) {
	a.mu.Lock()
	listeners := append([]CompletionListener(nil), a.listeners...)
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(id)
	}
}

// PutPiece routes one arrived piece to its DiskFile. On completion it
// schedules the file's time-to-live deletion (if non-negative) and
// runs completion listeners with no lock held.
func (a *Archive) PutPiece(p archivepath.Piece) (complete bool, err error) {
	df, err := a.cache.Get(p.Spec.FileInfo)
	if err != nil {
		return false, err
	}

	complete, err = df.PutPiece(p)
	if err != nil {
		return false, err
	}
	if !complete {
		return false, nil
	}

	fi := p.Spec.FileInfo
	if fi.TimeToLiveSeconds >= 0 {
		a.scheduleDeletion(fi.ID.Path, time.Duration(fi.TimeToLiveSeconds)*time.Second)
	}
	a.notify(fi.ID)
	return true, nil
}

func (a *Archive) scheduleDeletion(path archivepath.Path, delay time.Duration) {
	if a.scheduler == nil {
		return
	}
	a.scheduler.ActUponEventually(path.String(), delay)
}

// GetPiece reads one piece back out of the archive.
func (a *Archive) GetPiece(spec archivepath.PieceSpec) (archivepath.Piece, error) {
	df, err := a.cache.Get(spec.FileInfo)
	if err != nil {
		return archivepath.Piece{}, err
	}
	return df.GetPiece(spec.Index)
}

// HasPiece reports whether the given piece is already held, without
// the caller needing to know the file's completion state.
func (a *Archive) HasPiece(spec archivepath.PieceSpec) bool {
	df, err := a.cache.Get(spec.FileInfo)
	if err != nil {
		return false
	}
	return df.HasPiece(spec.Index)
}

// Contains reports whether the archive's visible copy of id.Path is at
// least as new as id — i.e. a peer offering this exact version has
// nothing this node still wants.
func (a *Archive) Contains(id archivepath.FileId) bool {
	vp := visiblePath(a.root, id.Path)
	st, err := os.Stat(vp)
	if err != nil {
		return false
	}
	onDisk := archivepath.TimeFromStd(st.ModTime())
	return !onDisk.Less(id.Time)
}

// RemoveAtPath deletes whatever version of path is currently visible,
// if any. It exists so a DeletionScheduler's path-only Action can
// resolve an id.FileId on the fly, since the scheduling call only
// carries a path, not the specific version that scheduled it.
func (a *Archive) RemoveAtPath(path archivepath.Path) error {
	vp := visiblePath(a.root, path)
	st, err := os.Stat(vp)
	if err != nil {
		return nil
	}
	return a.Remove(archivepath.FileId{Path: path, Time: archivepath.TimeFromStd(st.ModTime())})
}

// ReadFile returns the full contents of the archive's current visible
// copy of path, or an error if no complete copy is present. Used by
// collaborators such as internal/distfiles that need whole-file access
// to a small administrative file rather than piece-by-piece reads.
func (a *Archive) ReadFile(path archivepath.Path) ([]byte, error) {
	vp := visiblePath(a.root, path)
	data, err := os.ReadFile(vp)
	if err != nil {
		return nil, errors.Wrap(err, "archive: read file")
	}
	return data, nil
}

// Save directly publishes a complete, already-in-memory file: it
// writes data to a hidden scratch path, fsyncs, stamps a strictly
// newer ArchiveTime, and atomically renames into the visible tree
// (§4.1 Publication path). Used by collaborators such as
// internal/distfiles that publish a whole file at once; it never goes
// through the piece-by-piece DiskFile path.
func (a *Archive) Save(path archivepath.Path, data []byte, ttl time.Duration) (archivepath.FileId, error) {
	scratchRel := filepath.Join(HiddenDirName, "scratch-"+uuid.New().String())
	scratchPath := filepath.Join(a.root, scratchRel)
	if err := os.MkdirAll(filepath.Dir(scratchPath), 0o755); err != nil {
		return archivepath.FileId{}, err
	}

	f, err := os.Create(scratchPath)
	if err != nil {
		return archivepath.FileId{}, err
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(scratchPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return archivepath.FileId{}, err
	}
	if err := f.Sync(); err != nil {
		return archivepath.FileId{}, err
	}

	newTime := archivepath.AfterNow(a.lastTimeForPath(path))
	if err := f.Close(); err != nil {
		return archivepath.FileId{}, err
	}
	if err := os.Chtimes(scratchPath, newTime.Std(), newTime.Std()); err != nil {
		return archivepath.FileId{}, err
	}

	vp := visiblePath(a.root, path)
	if err := os.MkdirAll(filepath.Dir(vp), 0o755); err != nil {
		return archivepath.FileId{}, err
	}
	if err := renameReplacing(scratchPath, vp); err != nil {
		return archivepath.FileId{}, err
	}
	ok = true

	a.cache.Evict(path)

	id := archivepath.FileId{Path: path, Time: newTime}
	if ttl >= 0 {
		a.scheduleDeletion(path, ttl)
	}
	a.notify(id)
	return id, nil
}

func (a *Archive) lastTimeForPath(path archivepath.Path) archivepath.Time {
	vp := visiblePath(a.root, path)
	if st, err := os.Stat(vp); err == nil {
		return archivepath.TimeFromStd(st.ModTime())
	}
	return archivepath.Time{}
}

// Remove deletes the file named by id, but only if the on-disk
// ArchiveTime still matches; a stale id is a silent no-op. Empty
// ancestor directories up to (not including) the root are pruned
// afterward.
func (a *Archive) Remove(id archivepath.FileId) error {
	a.cache.Evict(id.Path)

	vp := visiblePath(a.root, id.Path)
	if st, err := os.Stat(vp); err == nil {
		if archivepath.TimeFromStd(st.ModTime()).Equal(id.Time) {
			if err := os.Remove(vp); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			a.pruneEmptyAncestors(filepath.Dir(vp))
		}
		return nil
	}

	hp := hiddenPath(a.root, id.Path)
	f, err := os.Open(hp)
	if err != nil {
		return nil // neither copy exists: nothing to do
	}
	onDisk, _, _, err := readTrailer(f)
	f.Close()
	if err != nil || !onDisk.ID.Time.Equal(id.Time) {
		return nil
	}
	if err := os.Remove(hp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	a.pruneEmptyAncestors(filepath.Dir(hp))
	return nil
}

// pruneEmptyAncestors removes dir and its ancestors while they are
// empty, stopping at the archive root or at the first non-empty or
// already-vanished directory. Races with concurrent writers are
// tolerated: a failed os.Remove for either reason just ends the climb
// early.
func (a *Archive) pruneEmptyAncestors(dir string) {
	root := filepath.Clean(a.root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !isUnderRoot(root, dir) {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func isUnderRoot(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

// Close releases every open file handle without touching disk
// contents, returning the first error any handle reported.
func (a *Archive) Close() error {
	return a.cache.CloseAll()
}

// Root returns the archive's root directory, exposed for components
// (the FileWatcher, the tracker-file distribution collaborator) that
// must walk the visible tree directly.
func (a *Archive) Root() string { return a.root }
