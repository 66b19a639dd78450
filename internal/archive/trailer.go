package archive

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/bencode"
	"github.com/unidata/sruth/internal/bitset"
)

// A hidden-incomplete DiskFile's on-disk size exceeds its declared
// size: past the declared bytes sits a bencoded trailer (FileInfo +
// bitmap) followed by an 8-byte big-endian offset pointing back to
// where the trailer begins. Reading a DiskFile back after a restart
// means seeking to that offset and decoding forward.
const trailerOffsetLen = 8

func writeTrailer(f *os.File, declaredSize int64, fi archivepath.FileInfo, bits *bitset.Set) error {
	body, err := bencode.Marshal(bencode.Dict{
		"path":       fi.ID.Path.String(),
		"time":       fi.ID.Time.UnixMilli(),
		"size":       fi.SizeBytes,
		"piece_size": fi.PieceSize,
		"ttl":        fi.TimeToLiveSeconds,
		"bits":       string(bits.Bytes()),
	})
	if err != nil {
		return errors.Wrap(err, "archive: encode trailer")
	}

	var offsetBuf [trailerOffsetLen]byte
	binary.BigEndian.PutUint64(offsetBuf[:], uint64(declaredSize))

	if _, err := f.WriteAt(body, declaredSize); err != nil {
		return errors.Wrap(err, "archive: write trailer body")
	}
	if _, err := f.WriteAt(offsetBuf[:], declaredSize+int64(len(body))); err != nil {
		return errors.Wrap(err, "archive: write trailer offset")
	}
	return nil
}

// errCorruptTrailer marks a hidden file whose trailer cannot be
// trusted; callers delete and recreate rather than risk serving
// garbage piece data.
var errCorruptTrailer = errors.New("archive: corrupt trailer")

func readTrailer(f *os.File) (archivepath.FileInfo, *bitset.Set, int64, error) {
	st, err := f.Stat()
	if err != nil {
		return archivepath.FileInfo{}, nil, 0, err
	}
	size := st.Size()
	if size < trailerOffsetLen {
		return archivepath.FileInfo{}, nil, 0, errCorruptTrailer
	}

	var offsetBuf [trailerOffsetLen]byte
	if _, err := f.ReadAt(offsetBuf[:], size-trailerOffsetLen); err != nil {
		return archivepath.FileInfo{}, nil, 0, err
	}
	offset := int64(binary.BigEndian.Uint64(offsetBuf[:]))
	if offset < 0 || offset > size-trailerOffsetLen {
		return archivepath.FileInfo{}, nil, 0, errCorruptTrailer
	}

	bodyLen := size - trailerOffsetLen - offset
	body := make([]byte, bodyLen)
	if _, err := f.ReadAt(body, offset); err != nil {
		return archivepath.FileInfo{}, nil, 0, err
	}

	d, err := bencode.UnmarshalDict(body)
	if err != nil {
		return archivepath.FileInfo{}, nil, 0, errCorruptTrailer
	}

	path, _ := d.String("path")
	t, ok1 := d.Int64("time")
	sz, ok2 := d.Int64("size")
	ps, ok3 := d.Int64("piece_size")
	ttl, _ := d.Int64("ttl")
	bits, ok4 := d.String("bits")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return archivepath.FileInfo{}, nil, 0, errCorruptTrailer
	}

	fi := archivepath.FileInfo{
		ID: archivepath.FileId{
			Path: archivepath.New(path),
			Time: archivepath.TimeFromUnixMilli(t),
		},
		SizeBytes:         sz,
		PieceSize:         ps,
		TimeToLiveSeconds: ttl,
	}

	set := bitset.FromBytes(fi.PieceCount(), []byte(bits))
	return fi, set, offset, nil
}
