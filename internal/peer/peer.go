// Package peer implements the per-Connection state machine (§4.5): the
// handshake that exchanges HaveFilter and announces locally-held
// pieces, and the steady-state notice/request/data loops that route
// into a ClearingHouse.
//
// Grounded on the teacher's internal/peer.Peer: an errgroup-driven Run
// with one goroutine per duty, atomic/mutex-guarded state, a bounded
// non-blocking outbox pattern, and constructor-injected callback hooks
// — generalized here from BitTorrent's choke/interested bitmask to this
// spec's local/remote Filter pair plus an outstanding-request semaphore.
package peer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/wire"
)

// PieceStatus is the ClearingHouse's verdict on one incoming Piece.
type PieceStatus int

const (
	// StatusUsed means the piece was written to the Archive.
	StatusUsed PieceStatus = iota
	// StatusNotUsed means the local Predicate no longer matches the
	// piece's file; it was silently dropped.
	StatusNotUsed
	// StatusDone means the piece was used and, as a result, the local
	// Predicate now matches nothing: every Peer on this node should
	// wind down.
	StatusDone
)

// ClearingHouse is the narrow callback surface a Peer drives into. It
// is declared here, not in internal/clearinghouse, so the dependency
// runs one way: the ClearingHouse holds Peers, a Peer never imports
// the ClearingHouse.
type ClearingHouse interface {
	// ProcessNotice handles an incoming HavePiece: if wanted and not
	// already held, it calls back p.AddRequest(spec).
	ProcessNotice(p *Peer, spec archivepath.PieceSpec)
	// ProcessPiece handles an incoming PieceData and returns its
	// disposition.
	ProcessPiece(p *Peer, piece archivepath.Piece) PieceStatus
	// GetPiece reads a piece from the Archive to satisfy an incoming
	// RequestPiece.
	GetPiece(spec archivepath.PieceSpec) (archivepath.Piece, error)
}

// ArchiveWalker lets a Peer enumerate its node's locally-held pieces
// matching a Filter, used once at handshake.
type ArchiveWalker interface {
	WalkMatching(f filter.Filter) ([]archivepath.PieceSpec, error)
}

// Config holds the Peer-level tunables of §4.5/§6.
type Config struct {
	// MaxOutstandingRequests bounds unsatisfied outbound requests.
	MaxOutstandingRequests int
	// OutboundQueueBacklog bounds the notice/request outbound queues.
	OutboundQueueBacklog int
}

// Peer drives one Connection: handshake, then three reader loops and
// three sender loops, until termination.
type Peer struct {
	log     *slog.Logger
	conn    *wire.Connection
	house   ClearingHouse
	archive ArchiveWalker

	mu           sync.Mutex
	localFilter  filter.Filter
	remoteFilter filter.Filter

	sem        chan struct{}
	requestOut chan archivepath.PieceSpec
	noticeOut  chan *wire.Message
	toServe    chan archivepath.PieceSpec

	usefulBytes atomic.Uint64
	handshakeOK atomic.Bool

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Peer over conn, announcing localFilter at
// handshake. Run must be called to drive it.
func New(conn *wire.Connection, localFilter filter.Filter, house ClearingHouse, archive ArchiveWalker, cfg Config, log *slog.Logger) *Peer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxOutstandingRequests <= 0 {
		cfg.MaxOutstandingRequests = 128
	}
	if cfg.OutboundQueueBacklog <= 0 {
		cfg.OutboundQueueBacklog = 256
	}

	return &Peer{
		log:         log.With("component", "peer", "remote", conn.RemoteAddr),
		conn:        conn,
		house:       house,
		archive:     archive,
		localFilter: localFilter,
		sem:         make(chan struct{}, cfg.MaxOutstandingRequests),
		requestOut:  make(chan archivepath.PieceSpec, cfg.MaxOutstandingRequests),
		noticeOut:   make(chan *wire.Message, cfg.OutboundQueueBacklog),
		toServe:     make(chan archivepath.PieceSpec, cfg.OutboundQueueBacklog),
		done:        make(chan struct{}),
	}
}

// Connection returns the Connection this Peer drives, used by the
// ClearingHouse as half of its (Connection, local-filter) peer-set key.
func (p *Peer) Connection() *wire.Connection { return p.conn }

// LocalFilter returns the filter this side announced.
func (p *Peer) LocalFilter() filter.Filter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localFilter
}

// RemoteFilterCovers reports whether the remote side's announced
// filter covers path, used by notifyRemoteIfDesired (§4.6).
func (p *Peer) RemoteFilterCovers(path archivepath.Path) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteFilter.Matches(path)
}

// UsefulBytesReceived returns the monotonic "useful bytes received
// since reset" counter the ClientManager ranks Peers by.
func (p *Peer) UsefulBytesReceived() uint64 { return p.usefulBytes.Load() }

// ResetUsefulBytes zeroes the counter, called by the ClientManager at
// the start of each control-loop cycle.
func (p *Peer) ResetUsefulBytes() { p.usefulBytes.Store(0) }

// Run performs the handshake, then drives the steady-state loops until
// one fails, ctx is cancelled, or a Done piece result is observed.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Terminate()

	if err := p.handshake(); err != nil {
		return errors.Wrap(err, "peer: handshake")
	}
	p.handshakeOK.Store(true)

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.noticeReader(gctx) })
	g.Go(func() error { return p.noticeSender(gctx) })
	g.Go(func() error { return p.requestReader(gctx) })
	g.Go(func() error { return p.requestSender(gctx) })
	g.Go(func() error { return p.dataReader(gctx) })
	g.Go(func() error { return p.dataSender(gctx) })
	g.Go(func() error {
		// Force-close the sockets the instant any sibling loop exits
		// or ctx is cancelled, so the others' blocked Receive calls
		// return promptly instead of waiting out the stream's
		// read-timeout (§5 cancellation: "closes the underlying
		// socket ... so blocked I/O returns promptly").
		<-gctx.Done()
		p.Terminate()
		return nil
	})

	return g.Wait()
}

// handshake exchanges HaveFilter and announces this node's
// already-held pieces matching the remote's filter (§4.5 step 1).
func (p *Peer) handshake() error {
	local := p.LocalFilter()
	if err := p.conn.Notice.Send(wire.MessageHaveFilter(local)); err != nil {
		return errors.Wrap(err, "send local filter")
	}

	msg, err := p.conn.Notice.Receive()
	if err != nil {
		return errors.Wrap(err, "receive remote filter")
	}
	remote, err := msg.ParseHaveFilter()
	if err != nil {
		return errors.Wrap(err, "parse remote filter")
	}

	p.mu.Lock()
	p.remoteFilter = remote
	p.mu.Unlock()

	specs, err := p.archive.WalkMatching(remote)
	if err != nil {
		return errors.Wrap(err, "walk archive")
	}
	for _, spec := range specs {
		if err := p.conn.Notice.Send(wire.MessageHavePiece(spec)); err != nil {
			return errors.Wrap(err, "send handshake HavePiece")
		}
	}
	return nil
}

func (p *Peer) noticeReader(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := p.conn.Notice.Receive()
		if err != nil {
			if errors.Is(err, wire.ErrReceiveTimeout) {
				continue
			}
			return errors.Wrap(err, "peer: notice receive")
		}

		switch msg.Kind {
		case wire.KindHaveFilter:
			f, err := msg.ParseHaveFilter()
			if err != nil {
				p.log.Warn("malformed HaveFilter", "error", err)
				continue
			}
			p.mu.Lock()
			p.remoteFilter = f
			p.mu.Unlock()
		case wire.KindHavePiece:
			spec, err := msg.ParseHavePiece()
			if err != nil {
				p.log.Warn("malformed HavePiece", "error", err)
				continue
			}
			p.house.ProcessNotice(p, spec)
		case wire.KindFileRemoved:
			if _, err := msg.ParseFileRemoved(); err != nil {
				p.log.Warn("malformed FileRemoved", "error", err)
			}
			// No further action: an outstanding request against the
			// removed file simply goes unanswered.
		default:
			p.log.Warn("unexpected message on notice stream", "kind", msg.Kind)
		}
	}
}

func (p *Peer) noticeSender(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-p.noticeOut:
			if err := p.conn.Notice.Send(msg); err != nil {
				return errors.Wrap(err, "peer: notice send")
			}
		}
	}
}

func (p *Peer) requestReader(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := p.conn.Request.Receive()
		if err != nil {
			if errors.Is(err, wire.ErrReceiveTimeout) {
				continue
			}
			return errors.Wrap(err, "peer: request receive")
		}

		spec, err := msg.ParseRequestPiece()
		if err != nil {
			p.log.Warn("malformed RequestPiece", "error", err)
			continue
		}

		// Bounded inbound request buffer: excess is dropped with a
		// log, not blocked (§5 backpressure) — the peer will simply
		// re-announce via HavePiece later.
		select {
		case p.toServe <- spec:
		default:
			p.log.Warn("dropping RequestPiece: inbound queue full", "path", spec.FileInfo.ID.Path)
		}
	}
}

func (p *Peer) requestSender(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case spec := <-p.requestOut:
			if err := p.conn.Request.Send(wire.MessageRequestPiece(spec)); err != nil {
				return errors.Wrap(err, "peer: request send")
			}
		}
	}
}

func (p *Peer) dataReader(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := p.conn.Data.Receive()
		if err != nil {
			if errors.Is(err, wire.ErrReceiveTimeout) {
				continue
			}
			return errors.Wrap(err, "peer: data receive")
		}

		piece, err := msg.ParsePieceData()
		if err != nil {
			p.log.Warn("malformed PieceData", "error", err)
			continue
		}

		p.releaseRequest()

		status := p.house.ProcessPiece(p, piece)
		if status != StatusNotUsed {
			p.usefulBytes.Add(uint64(len(piece.Data)))
		}
		if status == StatusDone {
			return nil
		}
	}
}

func (p *Peer) dataSender(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case spec := <-p.toServe:
			piece, err := p.house.GetPiece(spec)
			if err != nil {
				p.log.Warn("serving RequestPiece failed", "error", err)
				continue
			}
			if err := p.conn.Data.Send(wire.MessagePieceData(piece)); err != nil {
				return errors.Wrap(err, "peer: data send")
			}
		}
	}
}

// AddRequest enqueues an outbound RequestPiece, called by the
// ClearingHouse from ProcessNotice. It blocks while
// MAX_OUTSTANDING_REQUESTS outbound requests are already unsatisfied
// (§4.5), and returns immediately once the Peer has terminated.
func (p *Peer) AddRequest(spec archivepath.PieceSpec) {
	select {
	case p.sem <- struct{}{}:
	case <-p.done:
		return
	}
	select {
	case p.requestOut <- spec:
	case <-p.done:
		<-p.sem
	}
}

func (p *Peer) releaseRequest() {
	select {
	case <-p.sem:
	default:
	}
}

// NotifyHavePiece enqueues a HavePiece notice, blocking while the
// outbound notice queue is full (§5: outbound queues block producers).
func (p *Peer) NotifyHavePiece(spec archivepath.PieceSpec) {
	select {
	case p.noticeOut <- wire.MessageHavePiece(spec):
	case <-p.done:
	}
}

// NotifyFileRemoved enqueues a FileRemoved notice.
func (p *Peer) NotifyFileRemoved(id archivepath.FileId) {
	select {
	case p.noticeOut <- wire.MessageFileRemoved(id):
	case <-p.done:
	}
}

// ShrinkLocalFilter replaces this Peer's local filter and re-announces
// it (§4.5: HaveFilter is sent again when the local filter shrinks).
func (p *Peer) ShrinkLocalFilter(f filter.Filter) {
	p.mu.Lock()
	p.localFilter = f
	p.mu.Unlock()
	select {
	case p.noticeOut <- wire.MessageHaveFilter(f):
	case <-p.done:
	}
}

// Terminate closes all three streams, unblocking any goroutine blocked
// on them, and is safe to call more than once or before Run.
func (p *Peer) Terminate() {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.cancel != nil {
			p.cancel()
		}
		_ = p.conn.Close()
	})
}

// Done returns a channel closed once Terminate has run.
func (p *Peer) Done() <-chan struct{} { return p.done }

// HandshakeCompleted reports whether this Peer finished its handshake
// before terminating — used by internal/client to classify a dial
// attempt as a valid-but-now-gone server versus an invalid one (§4.8).
func (p *Peer) HandshakeCompleted() bool { return p.handshakeOK.Load() }
