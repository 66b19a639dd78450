// Package archivepath defines the archive's addressing types: the
// relative path that names a file, the strictly-increasing timestamp
// that versions it, and the piece-granular structure derived from its
// size.
package archivepath

import (
	"fmt"
	"strings"
	"time"
)

// Path is a forward-slash separated path relative to an archive root.
// It is never absolute and is immutable once constructed.
type Path string

// New normalizes p into a Path: backslashes become forward slashes,
// leading slashes are stripped, and "." segments are dropped. It does
// not touch the filesystem.
func New(p string) Path {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimPrefix(p, "/")

	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		out = append(out, part)
	}
	return Path(strings.Join(out, "/"))
}

// String returns the path as a plain string.
func (p Path) String() string { return string(p) }

// Less reports whether p sorts before other in the path's total order
// (plain lexicographic comparison).
func (p Path) Less(other Path) bool { return p < other }

// Time is a file-modification timestamp with at least millisecond
// resolution. Equality means "same version"; Less means "older".
type Time struct{ t time.Time }

// TimeFromStd wraps a time.Time as an ArchiveTime, rounded to the
// nearest millisecond (the wire/trailer format's granularity).
func TimeFromStd(t time.Time) Time { return Time{t.Round(time.Millisecond)} }

// Now returns the current ArchiveTime.
func Now() Time { return TimeFromStd(time.Now()) }

// Std returns the underlying time.Time.
func (t Time) Std() time.Time { return t.t }

// Less reports whether t is strictly older than other.
func (t Time) Less(other Time) bool { return t.t.Before(other.t) }

// Equal reports whether t and other denote the same version.
func (t Time) Equal(other Time) bool { return t.t.Equal(other.t) }

// UnixMilli returns the timestamp as milliseconds since the epoch, the
// representation used on the wire and in the hidden-file trailer.
func (t Time) UnixMilli() int64 { return t.t.UnixMilli() }

// TimeFromUnixMilli reconstructs an ArchiveTime from its wire form.
func TimeFromUnixMilli(ms int64) Time { return Time{time.UnixMilli(ms).UTC()} }

// AfterNow blocks (sleeping in small steps) until wall-clock time is
// strictly greater than prev, then returns that instant. This is how
// the publisher guarantees a freshly-published version is always
// strictly newer than any earlier stamp on the same path, even on
// filesystems/clocks with coarse resolution.
func AfterNow(prev Time) Time {
	if prev.t.IsZero() {
		return Now()
	}
	for {
		now := Now()
		if now.t.After(prev.t) {
			return now
		}
		time.Sleep(time.Millisecond)
	}
}

// FileId identifies one specific version of a file.
type FileId struct {
	Path Path
	Time Time
}

func (id FileId) String() string {
	return fmt.Sprintf("%s@%d", id.Path, id.Time.UnixMilli())
}

// Equal reports whether two FileIds name the same version of the same
// path.
func (id FileId) Equal(other FileId) bool {
	return id.Path == other.Path && id.Time.Equal(other.Time)
}

// FileInfo fully describes one version of a file: its identity, total
// size, piece size, and time-to-live.
type FileInfo struct {
	ID FileId

	// SizeBytes is the total file size; >= 0.
	SizeBytes int64

	// PieceSize is the nominal piece size; > 0.
	PieceSize int64

	// TimeToLiveSeconds is how long after becoming visible the file
	// should be deleted. A negative value means indefinite.
	TimeToLiveSeconds int64
}

// PieceCount returns ceil(SizeBytes/PieceSize), with a 0-byte file
// always reporting exactly 1 piece (the empty piece).
func (fi FileInfo) PieceCount() int {
	if fi.SizeBytes == 0 {
		return 1
	}
	n := fi.SizeBytes / fi.PieceSize
	if fi.SizeBytes%fi.PieceSize != 0 {
		n++
	}
	return int(n)
}

// PieceBounds returns the byte offset and length of piece index within
// the file. The final piece holds the remainder, which may be shorter
// than PieceSize; every other piece is exactly PieceSize.
func (fi FileInfo) PieceBounds(index int) (offset, length int64, err error) {
	n := fi.PieceCount()
	if index < 0 || index >= n {
		return 0, 0, fmt.Errorf("archivepath: piece index %d out of range [0,%d)", index, n)
	}

	offset = int64(index) * fi.PieceSize
	if index == n-1 {
		length = fi.SizeBytes - offset
		if fi.SizeBytes == 0 {
			length = 0
		}
		return offset, length, nil
	}
	return offset, fi.PieceSize, nil
}

// SameShape reports whether two FileInfos describe the same on-disk
// shape: same path, same size, same piece size. ArchiveTime is compared
// separately by callers (it is what distinguishes versions).
func (fi FileInfo) SameShape(other FileInfo) bool {
	return fi.ID.Path == other.ID.Path &&
		fi.SizeBytes == other.SizeBytes &&
		fi.PieceSize == other.PieceSize
}

// PieceSpec names one piece of one file version.
type PieceSpec struct {
	FileInfo FileInfo
	Index    int
}

// Piece is a PieceSpec together with its bytes. len(Data) must equal
// the piece's declared length.
type Piece struct {
	Spec PieceSpec
	Data []byte
}
