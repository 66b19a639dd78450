package archive

import (
	"io/fs"
	"path/filepath"

	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/filter"
)

// Walker adapts an Archive plus a canonical piece size to the
// peer.ArchiveWalker interface (a single-parameter WalkMatching),
// without internal/archive importing internal/peer.
type Walker struct {
	Archive   *Archive
	PieceSize int64
}

// WalkMatching implements peer.ArchiveWalker.
func (w Walker) WalkMatching(f filter.Filter) ([]archivepath.PieceSpec, error) {
	return w.Archive.WalkMatching(f, w.PieceSize)
}

// WalkMatching enumerates every piece of every visible file whose path
// matches f, used once per Peer at handshake to announce
// already-held pieces (§4.5 step 1). The piece size used to compute
// each file's PieceSpecs is the canonical one passed in by the caller
// (Config.PieceSize); the archive does not persist a per-file piece
// size for externally-discovered files, the same reconstruction the
// FileWatcher performs.
func (a *Archive) WalkMatching(f filter.Filter, pieceSize int64) ([]archivepath.PieceSpec, error) {
	var out []archivepath.PieceSpec

	err := filepath.WalkDir(a.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p == filepath.Join(a.root, HiddenDirName) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(a.root, p)
		if err != nil {
			return err
		}
		path := archivepath.New(filepath.ToSlash(rel))
		if !f.Matches(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		fi := archivepath.FileInfo{
			ID:                archivepath.FileId{Path: path, Time: archivepath.TimeFromStd(info.ModTime())},
			SizeBytes:         info.Size(),
			PieceSize:         pieceSize,
			TimeToLiveSeconds: -1,
		}
		for i := 0; i < fi.PieceCount(); i++ {
			out = append(out, archivepath.PieceSpec{FileInfo: fi, Index: i})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
