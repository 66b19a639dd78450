package archive

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/bitset"
)

// HiddenDirName is the reserved first path component under which
// in-progress files live, mirroring their eventual visible path.
// FileWatcher excludes this subtree when walking the visible tree.
const HiddenDirName = ".sruth"

// DeletionQueueFileName is the one hidden-tree entry the startup purge
// preserves: the DelayedActionQueue's durable backing file.
const DeletionQueueFileName = "fileDeletionQueue"

type diskFileState int

const (
	stateHiddenIncomplete diskFileState = iota
	stateVisibleComplete
	stateClosed
)

// ErrPieceNotAvailable is returned by GetPiece for an index whose bit
// isn't set yet.
var ErrPieceNotAvailable = errors.New("archive: piece not available")

// ErrStaleFileInfo is returned when opening a DiskFile with a FileInfo
// whose ArchiveTime is older than the version already on disk; the
// caller's input is rejected in favor of the existing, newer copy.
var ErrStaleFileInfo = errors.New("archive: stale file info")

// ErrFileInfoMismatch is returned when two FileInfos share an
// ArchiveTime but disagree on shape (size or piece size).
var ErrFileInfoMismatch = errors.New("archive: file info mismatch at equal archive time")

// DiskFile is one file's segmented, piece-addressable on-disk form. A
// DiskFile's lock must be held across every field access; each method
// takes it itself, so the cache hands DiskFiles out unlocked, mirroring
// the reentrant-lock-per-file design this package is grounded on —
// translated to Go's plain (non-reentrant) sync.Mutex by keeping entry
// points coarse enough that no method calls another while holding it.
type DiskFile struct {
	mu sync.Mutex

	root         string
	info         archivepath.FileInfo
	bits         *bitset.Set
	state        diskFileState
	f            *os.File
	declaredSize int64
}

func visiblePath(root string, p archivepath.Path) string {
	return filepath.Join(root, filepath.FromSlash(p.String()))
}

func hiddenPath(root string, p archivepath.Path) string {
	return filepath.Join(root, HiddenDirName, filepath.FromSlash(p.String()))
}

// openDiskFile implements the opening policy (§4.1): prefer an
// existing visible (complete) file, then an existing hidden
// (incomplete) file whose trailer is reconciled against fi by
// ArchiveTime, and only then create a fresh hidden file.
func openDiskFile(root string, fi archivepath.FileInfo) (*DiskFile, error) {
	vp := visiblePath(root, fi.ID.Path)
	if st, err := os.Stat(vp); err == nil && !st.IsDir() {
		f, err := os.Open(vp)
		if err != nil {
			return nil, err
		}
		return &DiskFile{
			root:         root,
			info:         fi,
			bits:         bitset.Complete(fi.PieceCount()),
			state:        stateVisibleComplete,
			f:            f,
			declaredSize: fi.SizeBytes,
		}, nil
	}

	hp := hiddenPath(root, fi.ID.Path)
	if st, err := os.Stat(hp); err == nil && !st.IsDir() {
		f, err := os.OpenFile(hp, os.O_RDWR, 0o644)
		if err != nil {
			return nil, err
		}
		onDisk, bits, declaredSize, err := readTrailer(f)
		if err != nil {
			f.Close()
			os.Remove(hp)
			return createHiddenDiskFile(root, fi)
		}

		switch {
		case fi.ID.Time.Equal(onDisk.ID.Time):
			if !fi.SameShape(onDisk) {
				f.Close()
				return nil, ErrFileInfoMismatch
			}
			return &DiskFile{root: root, info: onDisk, bits: bits, state: stateHiddenIncomplete, f: f, declaredSize: declaredSize}, nil
		case fi.ID.Time.Less(onDisk.ID.Time):
			f.Close()
			return nil, ErrStaleFileInfo
		default:
			f.Close()
			os.Remove(hp)
			return createHiddenDiskFile(root, fi)
		}
	}

	return createHiddenDiskFile(root, fi)
}

func createHiddenDiskFile(root string, fi archivepath.FileInfo) (*DiskFile, error) {
	hp := hiddenPath(root, fi.ID.Path)
	if err := os.MkdirAll(filepath.Dir(hp), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(hp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	df := &DiskFile{
		root:         root,
		info:         fi,
		bits:         bitset.New(fi.PieceCount()),
		state:        stateHiddenIncomplete,
		f:            f,
		declaredSize: fi.SizeBytes,
	}
	if err := writeTrailer(f, df.declaredSize, df.info, df.bits); err != nil {
		f.Close()
		os.Remove(hp)
		return nil, err
	}
	return df, nil
}

// PutPiece writes one piece's bytes, reporting whether the write
// completed the file. Writing an already-set bit is a no-op.
func (d *DiskFile) PutPiece(p archivepath.Piece) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == stateClosed {
		return false, errors.New("archive: put on closed disk file")
	}
	if d.state == stateVisibleComplete {
		return true, nil
	}
	if d.bits.Has(p.Spec.Index) {
		return false, nil
	}

	offset, length, err := d.info.PieceBounds(p.Spec.Index)
	if err != nil {
		return false, err
	}
	if int64(len(p.Data)) != length {
		return false, errors.Errorf("archive: piece %d: wrong length %d, want %d", p.Spec.Index, len(p.Data), length)
	}
	if _, err := d.f.WriteAt(p.Data, offset); err != nil {
		return false, err
	}
	d.bits.Set(p.Spec.Index)

	if d.bits.All() {
		if err := d.closeLocked(); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := writeTrailer(d.f, d.declaredSize, d.info, d.bits); err != nil {
		return false, err
	}
	return false, nil
}

// GetPiece reads one piece; the index must already be set.
func (d *DiskFile) GetPiece(index int) (archivepath.Piece, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == stateClosed {
		return archivepath.Piece{}, errors.New("archive: get on closed disk file")
	}
	if !d.bits.Has(index) {
		return archivepath.Piece{}, ErrPieceNotAvailable
	}

	offset, length, err := d.info.PieceBounds(index)
	if err != nil {
		return archivepath.Piece{}, err
	}
	buf := make([]byte, length)
	if _, err := d.f.ReadAt(buf, offset); err != nil {
		return archivepath.Piece{}, err
	}
	spec := archivepath.PieceSpec{FileInfo: d.info, Index: index}
	return archivepath.Piece{Spec: spec, Data: buf}, nil
}

// HasPiece reports whether index is already durably written.
func (d *DiskFile) HasPiece(index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bits.Has(index)
}

// Info returns the FileInfo this DiskFile currently believes is
// authoritative (the on-disk version after reconciliation, if any).
func (d *DiskFile) Info() archivepath.FileInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Complete reports whether every piece has been written.
func (d *DiskFile) Complete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateVisibleComplete || d.bits.All()
}

// Close is idempotent. A complete hidden file is truncated, renamed
// into the visible tree, and its mtime set to its ArchiveTime. An
// incomplete one has its trailer persisted, so a later open of the
// same file by this Archive (for example after cache eviction) resumes
// from exactly the bitmap durably written so far. Archive.Open purges
// the hidden tree, so the trailer is not used across a restart.
func (d *DiskFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *DiskFile) closeLocked() error {
	if d.state == stateClosed {
		return nil
	}

	if d.state == stateHiddenIncomplete {
		if d.bits.All() {
			if err := d.promoteToVisibleLocked(); err != nil {
				return err
			}
		} else if err := writeTrailer(d.f, d.declaredSize, d.info, d.bits); err != nil {
			return err
		}
	}

	err := d.f.Close()
	d.f = nil
	d.state = stateClosed
	return err
}

func (d *DiskFile) promoteToVisibleLocked() error {
	if err := d.f.Truncate(d.declaredSize); err != nil {
		return errors.Wrap(err, "archive: truncate trailer")
	}

	hp := hiddenPath(d.root, d.info.ID.Path)
	vp := visiblePath(d.root, d.info.ID.Path)
	if err := os.MkdirAll(filepath.Dir(vp), 0o755); err != nil {
		return err
	}

	// a concurrent prune of now-empty hidden ancestor directories can
	// race the rename; retry once the directory is recreated.
	for attempt := 0; attempt < 3; attempt++ {
		err := renameReplacing(hp, vp)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) || attempt == 2 {
			return errors.Wrapf(err, "archive: promote %s", d.info.ID.Path)
		}
		if mkErr := os.MkdirAll(filepath.Dir(hp), 0o755); mkErr != nil {
			return mkErr
		}
	}

	modTime := d.info.ID.Time.Std()
	_ = os.Chtimes(vp, modTime, modTime)
	d.state = stateVisibleComplete
	return nil
}

// DeleteIfExists closes the DiskFile (publishing it if already
// complete) and then unlinks whichever of the visible/hidden paths
// holds it.
func (d *DiskFile) DeleteIfExists() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.closeLocked(); err != nil {
		return err
	}

	vp := visiblePath(d.root, d.info.ID.Path)
	if err := os.Remove(vp); err == nil || !errors.Is(err, os.ErrNotExist) {
		return err
	}
	hp := hiddenPath(d.root, d.info.ID.Path)
	if err := os.Remove(hp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func renameReplacing(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}
