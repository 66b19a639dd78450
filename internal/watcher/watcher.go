// Package watcher implements the FileWatcher (spec §4.2): it observes
// the visible tree for files dropped in by something other than this
// node's own Archive (a user copying files in directly, an external
// publishing tool) and turns create/delete events into notifications
// for the local Server.
//
// The event loop is modeled on the teacher's pkg/utils/logging sibling
// in the example pack, linkerd2's pkg/credswatcher/creds_watcher.go:
// an fsnotify.Watcher drained by a select over Events/Errors/ctx.Done.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/archivepath"
)

// Notifier is the local Server's view, as seen by FileWatcher. It is a
// narrow interface (rather than a direct dependency on internal/server)
// so this package never needs to import the server it feeds.
type Notifier interface {
	// FileAppeared reports a newly complete file at fi's path. Every
	// piece of fi is implicitly available: a file FileWatcher finds on
	// disk was not assembled piece-by-piece through this node's
	// Archive, so there is no partial state to track.
	FileAppeared(fi archivepath.FileInfo)

	// FileRemoved reports that id's file no longer exists.
	FileRemoved(id archivepath.FileId)
}

// defaultTimeToLiveSeconds marks files FileWatcher discovers as
// indefinitely retained; nothing about an externally-placed file tells
// this node when it should expire.
const defaultTimeToLiveSeconds = -1

// FileWatcher watches root's visible tree (everything except
// archive.HiddenDirName) recursively, following symlinks.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	root      string
	pieceSize int64
	notifier  Notifier
	log       *slog.Logger

	mu       sync.Mutex
	lastTime map[archivepath.Path]archivepath.Time
	realDirs map[string]struct{} // resolved dir paths already watched, cycle guard
}

// New constructs a FileWatcher rooted at root. pieceSize is the
// nominal piece size recorded in the FileInfo built for discovered
// files.
func New(root string, pieceSize int64, notifier Notifier, log *slog.Logger) (*FileWatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "watcher: new fsnotify watcher")
	}
	fw := &FileWatcher{
		watcher:   w,
		root:      root,
		pieceSize: pieceSize,
		notifier:  notifier,
		log:       log.With("component", "filewatcher"),
		lastTime:  make(map[archivepath.Path]archivepath.Time),
		realDirs:  make(map[string]struct{}),
	}
	return fw, nil
}

// Run registers watches on the entire existing visible tree, then
// drains fsnotify events until ctx is cancelled. It is meant to run on
// its own task, per spec §4's scheduling model.
func (fw *FileWatcher) Run(ctx context.Context) error {
	defer fw.watcher.Close()

	if err := fw.walk(fw.root); err != nil {
		return errors.Wrap(err, "watcher: initial walk")
	}

	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return nil
			}
			fw.handleEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				fw.log.Warn("event queue overflow, re-walking", "root", fw.root)
				fw.mu.Lock()
				fw.realDirs = make(map[string]struct{})
				fw.mu.Unlock()
				if werr := fw.walk(fw.root); werr != nil {
					fw.log.Error("re-walk after overflow failed", "error", werr)
				}
				continue
			}
			fw.log.Error("fsnotify error, continuing", "error", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	if fw.isHidden(event.Name) {
		return
	}

	switch {
	case event.Op&(fsnotify.Create) != 0:
		fw.handleCreate(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		fw.handleRemove(event.Name)
	}
}

func (fw *FileWatcher) handleCreate(name string) {
	st, err := os.Stat(name) // follows symlinks
	if err != nil {
		// Vanished between the event firing and the stat (common for
		// rapid create+delete, e.g. editors writing via a temp file).
		return
	}

	if st.IsDir() {
		if err := fw.walk(name); err != nil {
			fw.log.Error("walk new directory", "path", name, "error", err)
		}
		return
	}
	if !st.Mode().IsRegular() {
		return
	}

	fi, err := fw.buildFileInfo(name, st)
	if err != nil {
		fw.log.Error("build file info", "path", name, "error", err)
		return
	}
	fw.notifier.FileAppeared(fi)
}

func (fw *FileWatcher) handleRemove(name string) {
	path, err := fw.archivePath(name)
	if err != nil {
		return
	}

	fw.mu.Lock()
	t, ok := fw.lastTime[path]
	delete(fw.lastTime, path)
	fw.mu.Unlock()
	if !ok {
		return
	}

	fw.notifier.FileRemoved(archivepath.FileId{Path: path, Time: t})
}

// buildFileInfo stamps name's mtime with a strictly-later ArchiveTime
// than any version of the same path this FileWatcher has previously
// reported, bumping into the future when the filesystem's own mtime
// resolution can't express "strictly later".
func (fw *FileWatcher) buildFileInfo(name string, st os.FileInfo) (archivepath.FileInfo, error) {
	path, err := fw.archivePath(name)
	if err != nil {
		return archivepath.FileInfo{}, err
	}

	candidate := archivepath.TimeFromStd(st.ModTime())

	fw.mu.Lock()
	prev, seen := fw.lastTime[path]
	stamped := candidate
	if seen && !prev.Less(stamped) {
		stamped = archivepath.AfterNow(prev)
	}
	fw.lastTime[path] = stamped
	fw.mu.Unlock()

	if !stamped.Equal(candidate) {
		if err := os.Chtimes(name, stamped.Std(), stamped.Std()); err != nil {
			return archivepath.FileInfo{}, errors.Wrap(err, "watcher: stamp mtime")
		}
	}

	return archivepath.FileInfo{
		ID:                archivepath.FileId{Path: path, Time: stamped},
		SizeBytes:         st.Size(),
		PieceSize:         fw.pieceSize,
		TimeToLiveSeconds: defaultTimeToLiveSeconds,
	}, nil
}

func (fw *FileWatcher) archivePath(name string) (archivepath.Path, error) {
	rel, err := filepath.Rel(fw.root, name)
	if err != nil {
		return "", err
	}
	return archivepath.New(filepath.ToSlash(rel)), nil
}

// isHidden reports whether name falls under the reserved hidden
// subtree (archive.HiddenDirName), the in-progress files FileWatcher
// must never surface.
func (fw *FileWatcher) isHidden(name string) bool {
	rel, err := filepath.Rel(fw.root, name)
	if err != nil {
		return true
	}
	if rel == "." {
		return false
	}
	first := rel
	if idx := filepathFirstSeparator(rel); idx >= 0 {
		first = rel[:idx]
	}
	return first == archive.HiddenDirName
}

func filepathFirstSeparator(s string) int {
	for i := range s {
		if os.IsPathSeparator(s[i]) {
			return i
		}
	}
	return -1
}

// walk registers watches on dir and every subdirectory reachable from
// it, following symlinks, then synthesizes a create notification for
// every regular file already present (so a subtree appearing all at
// once, or present at startup, is reported the same way an
// incrementally-created one would be).
func (fw *FileWatcher) walk(dir string) error {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}

	fw.mu.Lock()
	if _, seen := fw.realDirs[real]; seen {
		fw.mu.Unlock()
		return nil
	}
	fw.realDirs[real] = struct{}{}
	fw.mu.Unlock()

	if fw.isHidden(dir) {
		return nil
	}

	if err := fw.watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watcher: add %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "watcher: read dir %s", dir)
	}

	for _, entry := range entries {
		child := filepath.Join(dir, entry.Name())
		if fw.isHidden(child) {
			continue
		}

		st, err := os.Stat(child) // follows symlinks
		if err != nil {
			continue
		}

		if st.IsDir() {
			if err := fw.walk(child); err != nil {
				fw.log.Error("walk subdirectory", "path", child, "error", err)
			}
			continue
		}
		if !st.Mode().IsRegular() {
			continue
		}

		fi, err := fw.buildFileInfo(child, st)
		if err != nil {
			fw.log.Error("build file info", "path", child, "error", err)
			continue
		}
		fw.notifier.FileAppeared(fi)
	}

	return nil
}

// Close stops watching; Run's event loop exits once fsnotify closes
// its channels.
func (fw *FileWatcher) Close() error {
	return fw.watcher.Close()
}
