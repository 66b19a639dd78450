// Package server implements the inbound half of §4.7: a TCP listener
// that groups freshly-accepted sockets into Connections by the
// connection-identifier each carries, promotes each complete
// Connection to a Peer, and registers it with the local ClearingHouse.
//
// Grounded on the teacher's accept-loop style (one goroutine per
// accepted socket, a background context tearing the listener down) and
// internal/protocol.Handshake's "connecting side writes an id, the
// accepting side groups sockets by it" exchange, generalized from a
// single BitTorrent handshake socket to the three-socket grouping
// internal/wire.AcceptHandshake performs.
package server

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/clearinghouse"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/peer"
	"github.com/unidata/sruth/internal/wire"
)

// handshakeGroupTimeout bounds how long a partially-arrived Connection
// (one or two of its three sockets) is held open waiting for the rest.
const handshakeGroupTimeout = 30 * time.Second

type pendingGroup struct {
	conns [3]net.Conn
	have  int
}

// Server listens on one TCP port and promotes completed Connections to
// Peers registered with house. A SourceServer is built by passing
// filter.NOTHING as localFilter and a ClearingHouse whose Predicate
// matches nothing; a SinkServer passes whatever Predicate it
// subscribed to (§4.7).
type Server struct {
	log           *slog.Logger
	ln            net.Listener
	localFilter   filter.Filter
	house         *clearinghouse.ClearingHouse
	archive       peer.ArchiveWalker
	peerCfg       peer.Config
	socketTimeout time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingGroup
}

// Listen binds a TCP listener within [portLo, portHi] (both zero means
// OS-assigned, per §6) and returns a Server ready for Serve.
func Listen(host string, portLo, portHi uint16, localFilter filter.Filter, house *clearinghouse.ClearingHouse, archive peer.ArchiveWalker, peerCfg peer.Config, socketTimeout time.Duration, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := bindInRange(host, portLo, portHi)
	if err != nil {
		return nil, errors.Wrap(err, "server: listen")
	}

	return &Server{
		log:           log.With("component", "server", "addr", ln.Addr()),
		ln:            ln,
		localFilter:   localFilter,
		house:         house,
		archive:       archive,
		peerCfg:       peerCfg,
		socketTimeout: socketTimeout,
		pending:       make(map[uuid.UUID]*pendingGroup),
	}, nil
}

func bindInRange(host string, lo, hi uint16) (net.Listener, error) {
	if lo == 0 && hi == 0 {
		return net.Listen("tcp", net.JoinHostPort(host, "0"))
	}

	var lastErr error
	for port := int(lo); port <= int(hi); port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "no free port in [%d,%d]", lo, hi)
}

// Addr returns the listener's bound address, exposed so Clients know
// the three destinations to dial (§4.7: Servers expose local ports).
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve runs the accept loop until ctx is cancelled or the listener
// errors.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return errors.Wrap(err, "server: accept")
		}
		go s.handleSocket(ctx, conn)
	}
}

// Close stops accepting and closes every partially-assembled
// Connection still waiting on its remaining sockets.
func (s *Server) Close() error {
	err := s.ln.Close()

	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uuid.UUID]*pendingGroup)
	s.mu.Unlock()

	for _, g := range pending {
		closeGroup(g)
	}
	return err
}

func (s *Server) handleSocket(ctx context.Context, conn net.Conn) {
	id, idx, err := wire.AcceptHandshake(conn)
	if err != nil {
		s.log.Warn("rejecting socket: handshake failed", "error", err)
		_ = conn.Close()
		return
	}
	if idx < 0 || idx > 2 {
		s.log.Warn("rejecting socket: invalid stream index", "index", idx)
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	g, ok := s.pending[id]
	if !ok {
		g = &pendingGroup{}
		s.pending[id] = g
		time.AfterFunc(handshakeGroupTimeout, func() { s.expirePending(id) })
	}
	if g.conns[idx] != nil {
		s.mu.Unlock()
		s.log.Warn("rejecting socket: duplicate stream index for connection", "id", id, "index", idx)
		_ = conn.Close()
		return
	}
	g.conns[idx] = conn
	g.have++
	complete := g.have == 3
	if complete {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !complete {
		return
	}
	s.promote(ctx, id, g)
}

func (s *Server) expirePending(id uuid.UUID) {
	s.mu.Lock()
	g, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		s.log.Warn("dropping incomplete connection: handshake group timed out", "id", id, "have", g.have)
		closeGroup(g)
	}
}

func (s *Server) promote(ctx context.Context, id uuid.UUID, g *pendingGroup) {
	conn, err := wire.NewConnection(id, g.conns, s.socketTimeout)
	if err != nil {
		s.log.Warn("failed to assemble connection", "id", id, "error", err)
		closeGroup(g)
		return
	}

	p := peer.New(conn, s.localFilter, s.house, s.archive, s.peerCfg, s.log)
	s.house.Add(p)

	go func() {
		defer s.house.Remove(p)
		if err := p.Run(ctx); err != nil {
			s.log.Debug("peer terminated", "id", id, "error", err)
		}
	}()
}

// FileAppeared implements internal/watcher.Notifier: it announces every
// piece of fi as a HavePiece notice to each registered Peer whose
// remote Predicate covers the file's path, so a file dropped into the
// archive by something other than this node's own piece-assembly path
// still reaches interested subscribers (§4.2).
func (s *Server) FileAppeared(fi archivepath.FileInfo) {
	for _, p := range s.house.Peers() {
		if !p.RemoteFilterCovers(fi.ID.Path) {
			continue
		}
		for i := 0; i < fi.PieceCount(); i++ {
			p.NotifyHavePiece(archivepath.PieceSpec{FileInfo: fi, Index: i})
		}
	}
}

// FileRemoved implements internal/watcher.Notifier.
func (s *Server) FileRemoved(id archivepath.FileId) {
	for _, p := range s.house.Peers() {
		if !p.RemoteFilterCovers(id.Path) {
			continue
		}
		p.NotifyFileRemoved(id)
	}
}

func closeGroup(g *pendingGroup) {
	for _, c := range g.conns {
		if c != nil {
			_ = c.Close()
		}
	}
}
