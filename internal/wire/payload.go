package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/bencode"
	"github.com/unidata/sruth/internal/filter"
)

// fileInfoDict / parseFileInfoDict convert a FileInfo to/from the
// bencode dict shape shared by HavePiece, RequestPiece, PieceData, and
// the hidden-file trailer.
func fileInfoDict(fi archivepath.FileInfo) bencode.Dict {
	return bencode.Dict{
		"path":       fi.ID.Path.String(),
		"time":       fi.ID.Time.UnixMilli(),
		"size":       fi.SizeBytes,
		"piece_size": fi.PieceSize,
		"ttl":        fi.TimeToLiveSeconds,
	}
}

func parseFileInfoDict(d bencode.Dict) (archivepath.FileInfo, error) {
	path, _ := d.String("path")
	t, ok := d.Int64("time")
	if !ok {
		return archivepath.FileInfo{}, errors.New("wire: fileinfo: missing time")
	}
	size, _ := d.Int64("size")
	pieceSize, _ := d.Int64("piece_size")
	ttl, _ := d.Int64("ttl")

	return archivepath.FileInfo{
		ID: archivepath.FileId{
			Path: archivepath.New(path),
			Time: archivepath.TimeFromUnixMilli(t),
		},
		SizeBytes:         size,
		PieceSize:         pieceSize,
		TimeToLiveSeconds: ttl,
	}, nil
}

// MessageHaveFilter announces the sender's local filter.
func MessageHaveFilter(f filter.Filter) *Message {
	return &Message{Kind: KindHaveFilter, Payload: encodeDict(bencode.Dict{
		"prefix": f.String(),
	})}
}

// ParseHaveFilter extracts the Filter carried by m.
func (m *Message) ParseHaveFilter() (filter.Filter, error) {
	if m.Kind != KindHaveFilter {
		return filter.Filter{}, errors.New("wire: not a HaveFilter message")
	}
	d, err := decodeDict(m.Payload)
	if err != nil {
		return filter.Filter{}, err
	}
	prefix, _ := d.String("prefix")
	return filter.New(prefix), nil
}

// MessageHavePiece announces that the sender holds the given piece.
func MessageHavePiece(spec archivepath.PieceSpec) *Message {
	d := fileInfoDict(spec.FileInfo)
	d["index"] = int64(spec.Index)
	return &Message{Kind: KindHavePiece, Payload: encodeDict(d)}
}

// ParseHavePiece extracts the PieceSpec carried by m.
func (m *Message) ParseHavePiece() (archivepath.PieceSpec, error) {
	if m.Kind != KindHavePiece {
		return archivepath.PieceSpec{}, errors.New("wire: not a HavePiece message")
	}
	return parsePieceSpecDict(m.Payload)
}

// MessageFileRemoved announces that the file named by id no longer
// exists at the sender.
func MessageFileRemoved(id archivepath.FileId) *Message {
	return &Message{Kind: KindFileRemoved, Payload: encodeDict(bencode.Dict{
		"path": id.Path.String(),
		"time": id.Time.UnixMilli(),
	})}
}

// ParseFileRemoved extracts the FileId carried by m.
func (m *Message) ParseFileRemoved() (archivepath.FileId, error) {
	if m.Kind != KindFileRemoved {
		return archivepath.FileId{}, errors.New("wire: not a FileRemoved message")
	}
	d, err := decodeDict(m.Payload)
	if err != nil {
		return archivepath.FileId{}, err
	}
	path, _ := d.String("path")
	t, _ := d.Int64("time")
	return archivepath.FileId{Path: archivepath.New(path), Time: archivepath.TimeFromUnixMilli(t)}, nil
}

// MessageRequestPiece asks the receiver for one piece.
func MessageRequestPiece(spec archivepath.PieceSpec) *Message {
	d := fileInfoDict(spec.FileInfo)
	d["index"] = int64(spec.Index)
	return &Message{Kind: KindRequestPiece, Payload: encodeDict(d)}
}

// ParseRequestPiece extracts the PieceSpec carried by m.
func (m *Message) ParseRequestPiece() (archivepath.PieceSpec, error) {
	if m.Kind != KindRequestPiece {
		return archivepath.PieceSpec{}, errors.New("wire: not a RequestPiece message")
	}
	return parsePieceSpecDict(m.Payload)
}

func parsePieceSpecDict(payload []byte) (archivepath.PieceSpec, error) {
	d, err := decodeDict(payload)
	if err != nil {
		return archivepath.PieceSpec{}, err
	}
	fi, err := parseFileInfoDict(d)
	if err != nil {
		return archivepath.PieceSpec{}, err
	}
	idx, _ := d.Int64("index")
	return archivepath.PieceSpec{FileInfo: fi, Index: int(idx)}, nil
}

// MessagePieceData carries one piece's bytes.
//
// Unlike the other messages, the piece bytes are appended raw after a
// bencode header rather than bencode-encoded themselves, avoiding a
// full copy of potentially-large piece data through the string-escaping
// encoder.
func MessagePieceData(p archivepath.Piece) *Message {
	header := encodeDict(fileInfoDict(p.Spec.FileInfo))
	header = appendIndex(header, p.Spec.Index)

	payload := make([]byte, 4+len(header)+len(p.Data))
	binary.BigEndian.PutUint32(payload[0:4], uint32(len(header)))
	copy(payload[4:], header)
	copy(payload[4+len(header):], p.Data)

	return &Message{Kind: KindPieceData, Payload: payload}
}

// ParsePieceData extracts the Piece carried by m. The returned Piece's
// Data aliases m.Payload; callers that retain it past the message's
// lifetime should copy.
func (m *Message) ParsePieceData() (archivepath.Piece, error) {
	if m.Kind != KindPieceData {
		return archivepath.Piece{}, errors.New("wire: not a PieceData message")
	}
	if len(m.Payload) < 4 {
		return archivepath.Piece{}, errors.New("wire: truncated PieceData header")
	}
	hdrLen := binary.BigEndian.Uint32(m.Payload[0:4])
	if int(hdrLen)+4 > len(m.Payload) || int(hdrLen) < indexTrailerLen {
		return archivepath.Piece{}, errors.New("wire: truncated PieceData header")
	}

	header := m.Payload[4 : 4+hdrLen]
	data := m.Payload[4+hdrLen:]

	d, err := decodeDict(header[:len(header)-indexTrailerLen])
	if err != nil {
		return archivepath.Piece{}, err
	}
	fi, err := parseFileInfoDict(d)
	if err != nil {
		return archivepath.Piece{}, err
	}
	idx := int(binary.BigEndian.Uint32(header[len(header)-indexTrailerLen:]))

	return archivepath.Piece{Spec: archivepath.PieceSpec{FileInfo: fi, Index: idx}, Data: data}, nil
}

const indexTrailerLen = 4

func appendIndex(b []byte, index int) []byte {
	var idx [indexTrailerLen]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))
	return append(b, idx[:]...)
}
