// Package wire implements the three-stream multiplexed transport
// between two nodes (§4.4): length-prefixed framed Messages, a Stream
// wrapping one TCP socket, and a Connection grouping the notice/
// request/data Streams that belong to one peer relationship.
//
// The framing is modeled directly on the teacher's
// internal/protocol.Message: a 4-byte big-endian length prefix
// followed by a 1-byte type tag and a payload, generalized from the
// teacher's 9 BitTorrent message IDs to this system's Notice/Request/
// Data message set.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/unidata/sruth/internal/bencode"
)

// Kind identifies a Message's type and, implicitly, which of the three
// streams it belongs on.
type Kind uint8

const (
	// Notice-stream kinds.
	KindHaveFilter Kind = iota
	KindHavePiece
	KindFileRemoved

	// Request-stream kind.
	KindRequestPiece

	// Data-stream kind.
	KindPieceData
)

func (k Kind) String() string {
	switch k {
	case KindHaveFilter:
		return "HaveFilter"
	case KindHavePiece:
		return "HavePiece"
	case KindFileRemoved:
		return "FileRemoved"
	case KindRequestPiece:
		return "RequestPiece"
	case KindPieceData:
		return "PieceData"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Message is a single framed object on one of the three streams.
//
// Wire format:
//
//	<length:4><kind:1><payload:length-1>
//
// Payload is itself a bencode-encoded dictionary whose shape depends on
// Kind; see the MessageXxx constructors and ParseXxx accessors.
type Message struct {
	Kind    Kind
	Payload []byte
}

var (
	_ io.WriterTo   = (*Message)(nil)
	_ io.ReaderFrom = (*Message)(nil)
)

// maxMessageLength guards against a corrupt/malicious length prefix
// forcing an enormous allocation.
const maxMessageLength = 256 << 20 // 256 MiB, comfortably above one piece

// WriteTo implements io.WriterTo: it writes m's frame to w in one call.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	length := 1 + len(m.Payload)

	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.Kind)
	copy(buf[5:], m.Payload)

	n, err := w.Write(buf)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom: it reads one complete frame from
// r into m.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return 0, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 || length > maxMessageLength {
		return 4, errors.Errorf("wire: invalid length prefix %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return int64(4 + len(buf)), err
	}

	m.Kind = Kind(buf[0])
	m.Payload = buf[1:]
	return int64(4 + len(buf)), nil
}

// ReadMessage reads and returns one Message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var m Message
	if _, err := m.ReadFrom(r); err != nil {
		return nil, err
	}
	return &m, nil
}

// WriteMessage writes m to w.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

func encodeDict(d bencode.Dict) []byte {
	b, err := bencode.Marshal(d)
	if err != nil {
		// every value placed in these dicts by this package is a
		// supported bencode type; a marshal failure here is a
		// programmer error, not a runtime condition to recover from.
		panic(fmt.Sprintf("wire: marshal payload: %v", err))
	}
	return b
}

func decodeDict(b []byte) (bencode.Dict, error) {
	return bencode.UnmarshalDict(b)
}
