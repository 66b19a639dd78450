package wire

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// DefaultReadTimeout is the per-read timeout applied to a Stream when
// none is given explicitly (spec §4.4, §6).
const DefaultReadTimeout = 30 * time.Second

// Stream wraps one TCP socket carrying a sequence of framed Messages.
// send is uninterruptible and blocks until flushed; receive blocks up
// to a timeout, returning ErrReceiveTimeout without invalidating the
// stream so the caller may retry.
type Stream struct {
	conn    net.Conn
	timeout time.Duration
}

// ErrReceiveTimeout is returned by Receive when no message arrives
// within the configured timeout. The stream remains usable afterward.
var ErrReceiveTimeout = errors.New("wire: receive timeout")

// NewStream wraps conn as a Stream, applying the socket options §4.4
// specifies: keep-alive on, linger off (SetLinger(-1), Go's default
// graceful background close, set explicitly here), TCP_NODELAY off
// (Nagle's algorithm enabled; Go enables TCP_NODELAY by default on a
// *net.TCPConn, so it must be turned back off explicitly here).
func NewStream(conn net.Conn, timeout time.Duration) (*Stream, error) {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetKeepAlive(true); err != nil {
			return nil, err
		}
		if err := tc.SetLinger(-1); err != nil {
			return nil, err
		}
		if err := tc.SetNoDelay(false); err != nil {
			return nil, err
		}
	}
	return &Stream{conn: conn, timeout: timeout}, nil
}

// Send writes msg to the stream, blocking until flushed.
func (s *Stream) Send(msg *Message) error {
	return WriteMessage(s.conn, msg)
}

// Receive blocks up to the stream's configured timeout for the next
// Message, returning ErrReceiveTimeout if none arrives in time.
func (s *Stream) Receive() (*Message, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return nil, err
	}
	msg, err := ReadMessage(s.conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrReceiveTimeout
		}
		return nil, err
	}
	return msg, nil
}

// Close closes the underlying socket, unblocking any in-flight
// Send/Receive.
func (s *Stream) Close() error { return s.conn.Close() }

// LocalAddr/RemoteAddr expose the underlying socket's endpoints, used
// to order Connections and Streams per §4.4.
func (s *Stream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
