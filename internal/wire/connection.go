package wire

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// streamCount is the number of sockets making up one Connection: one
// for notices (HaveFilter/HavePiece/FileRemoved), one for piece
// requests, one for piece data. Separating them means a large
// PieceData transfer never head-of-line blocks a HaveFilter/HavePiece
// notice or a new request (§4.4).
const streamCount = 3

const (
	streamNotice = iota
	streamRequest
	streamData
)

// Connection groups the three Streams that make up one peer
// relationship and assigns each an agreed identity and direction.
//
// Two nodes that dial each other simultaneously will otherwise end up
// with two independent Connections to the same peer; ordering by
// address (§4.4, §6) gives both sides the same answer for which
// attempt to keep without any further negotiation.
type Connection struct {
	ID         uuid.UUID
	LocalAddr  net.Addr
	RemoteAddr net.Addr

	Notice  *Stream
	Request *Stream
	Data    *Stream
}

// handshakeHello is exchanged first on every stream of a new
// Connection so each side can pair its three incoming sockets into one
// Connection and agree on which socket plays which role.
type handshakeHello struct {
	ConnectionID uuid.UUID
	StreamIndex  int
}

func (h handshakeHello) encode() []byte {
	b := make([]byte, 16+1)
	copy(b[:16], h.ConnectionID[:])
	b[16] = byte(h.StreamIndex)
	return b
}

func decodeHandshakeHello(b []byte) (handshakeHello, error) {
	if len(b) != 17 {
		return handshakeHello{}, errors.New("wire: malformed handshake hello")
	}
	id, err := uuid.FromBytes(b[:16])
	if err != nil {
		return handshakeHello{}, err
	}
	return handshakeHello{ConnectionID: id, StreamIndex: int(b[16])}, nil
}

// addrLess reports whether a's string form sorts lexicographically
// before b's, giving the two endpoints of a Connection a total order
// they can use to decide, without further communication, which of two
// simultaneous dial attempts wins (§4.4, §6). This package only defines
// the order; it does not itself drop either attempt.
func addrLess(a, b net.Addr) bool {
	return a.String() < b.String()
}

// DialConnection establishes a new Connection to remoteAddr by opening
// streamCount TCP sockets and exchanging a handshakeHello on each, so
// the accepting side can associate all three with one Connection and
// the same ConnectionID.
func DialConnection(network, remoteAddr string, timeout time.Duration) (*Connection, error) {
	id := uuid.New()
	streams := make([]*Stream, streamCount)

	for i := range streams {
		conn, err := net.DialTimeout(network, remoteAddr, timeout)
		if err != nil {
			closeAll(streams)
			return nil, errors.Wrapf(err, "wire: dial stream %d", i)
		}
		s, err := NewStream(conn, timeout)
		if err != nil {
			_ = conn.Close()
			closeAll(streams)
			return nil, err
		}
		hello := handshakeHello{ConnectionID: id, StreamIndex: i}
		if _, err := conn.Write(hello.encode()); err != nil {
			closeAll(streams)
			return nil, errors.Wrapf(err, "wire: handshake stream %d", i)
		}
		streams[i] = s
	}

	return &Connection{
		ID:         id,
		LocalAddr:  streams[streamNotice].LocalAddr(),
		RemoteAddr: streams[streamNotice].RemoteAddr(),
		Notice:     streams[streamNotice],
		Request:    streams[streamRequest],
		Data:       streams[streamData],
	}, nil
}

// AcceptHandshake reads one handshakeHello off a freshly-accepted
// socket, returning the ConnectionID it should be grouped under and
// its role within that Connection. The caller (typically a Server's
// accept loop) is responsible for buffering sockets until all
// streamCount arrive before constructing a Connection via
// NewConnection.
func AcceptHandshake(conn net.Conn) (uuid.UUID, int, error) {
	var buf [17]byte
	if _, err := conn.Read(buf[:]); err != nil {
		return uuid.UUID{}, 0, errors.Wrap(err, "wire: read handshake")
	}
	hello, err := decodeHandshakeHello(buf[:])
	if err != nil {
		return uuid.UUID{}, 0, err
	}
	return hello.ConnectionID, hello.StreamIndex, nil
}

// NewConnection assembles a Connection from the three sockets that
// completed AcceptHandshake with a matching ConnectionID, keyed by the
// StreamIndex each reported.
func NewConnection(id uuid.UUID, conns [streamCount]net.Conn, timeout time.Duration) (*Connection, error) {
	streams := make([]*Stream, streamCount)
	for i, c := range conns {
		if c == nil {
			return nil, errors.Errorf("wire: connection %s missing stream %d", id, i)
		}
		s, err := NewStream(c, timeout)
		if err != nil {
			return nil, err
		}
		streams[i] = s
	}

	return &Connection{
		ID:         id,
		LocalAddr:  streams[streamNotice].LocalAddr(),
		RemoteAddr: streams[streamNotice].RemoteAddr(),
		Notice:     streams[streamNotice],
		Request:    streams[streamRequest],
		Data:       streams[streamData],
	}, nil
}

// Less orders Connections by (local, remote) address, giving both
// sides of a duplicate simultaneous-dial pair the same deterministic
// answer for which Connection to keep (§4.4).
func (c *Connection) Less(other *Connection) bool {
	if c.LocalAddr.String() != other.LocalAddr.String() {
		return addrLess(c.LocalAddr, other.LocalAddr)
	}
	return addrLess(c.RemoteAddr, other.RemoteAddr)
}

// Close closes all three underlying Streams.
func (c *Connection) Close() error {
	var first error
	for _, s := range []*Stream{c.Notice, c.Request, c.Data} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func closeAll(streams []*Stream) {
	for _, s := range streams {
		if s != nil {
			_ = s.Close()
		}
	}
}
