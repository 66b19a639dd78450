// Package clearinghouse implements the per-node piece router (§4.6):
// it holds the Archive, the node's local Predicate, and the ordered
// set of active Peers, deciding for each incoming notice or piece
// which local Peers act on it next.
//
// Grounded on the teacher's internal/scheduler.PieceScheduler for the
// "single coordinator holding a mutex-guarded peer map" shape,
// generalized from per-torrent piece-picking to this spec's
// Filter/Predicate-driven routing.
package clearinghouse

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/unidata/sruth/internal/archive"
	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/peer"
)

var _ peer.ClearingHouse = (*ClearingHouse)(nil)

type peerKey struct {
	connID string
	filter string
}

func keyFor(p *peer.Peer) peerKey {
	return peerKey{connID: p.Connection().ID.String(), filter: p.LocalFilter().String()}
}

// ClearingHouse is the per-node router. One ClearingHouse backs one
// Archive and one local Predicate; every Peer the node runs, inbound
// or outbound, registers with it.
type ClearingHouse struct {
	log     *slog.Logger
	archive *archive.Archive

	predMu    sync.Mutex
	predicate *filter.Predicate

	peersMu sync.Mutex
	peers   map[peerKey]*peer.Peer

	receivedFiles atomic.Uint64

	doneOnce sync.Once
	doneCh   chan struct{}
}

// New constructs a ClearingHouse routing incoming pieces against
// predicate and persisting them to a. predicate may already match
// nothing (a SourceServer's ClearingHouse, per §4.7, uses one that
// does) — that alone does not terminate anything, since the
// MatchesNothing check only fires after a piece is actually written.
func New(a *archive.Archive, predicate *filter.Predicate, log *slog.Logger) *ClearingHouse {
	if log == nil {
		log = slog.Default()
	}
	return &ClearingHouse{
		log:       log.With("component", "clearinghouse"),
		archive:   a,
		predicate: predicate,
		peers:     make(map[peerKey]*peer.Peer),
		doneCh:    make(chan struct{}),
	}
}

// ProcessNotice implements peer.ClearingHouse: a HavePiece from p is
// requested iff the local Predicate still wants it and the Archive
// doesn't already hold it (§4.6).
func (c *ClearingHouse) ProcessNotice(p *peer.Peer, spec archivepath.PieceSpec) {
	c.predMu.Lock()
	wanted := c.predicate.MatchesPiece(spec)
	c.predMu.Unlock()
	if !wanted {
		return
	}
	if c.archive.HasPiece(spec) {
		return
	}
	p.AddRequest(spec)
}

// ProcessPiece implements peer.ClearingHouse (§4.6). Every Peer whose
// remote filter covers the piece (other than the one that sent it) is
// told about it via HavePiece, whether or not this particular write
// completed the file — piece availability, not file completion, is
// what other Peers act on.
func (c *ClearingHouse) ProcessPiece(p *peer.Peer, piece archivepath.Piece) peer.PieceStatus {
	c.predMu.Lock()
	matches := c.predicate.MatchesFileInfo(piece.Spec.FileInfo)
	c.predMu.Unlock()
	if !matches {
		return peer.StatusNotUsed
	}

	complete, err := c.archive.PutPiece(piece)
	if err != nil {
		c.log.Error("putPiece failed", "path", piece.Spec.FileInfo.ID.Path, "error", err)
		return peer.StatusNotUsed
	}

	done := false
	if complete {
		c.predMu.Lock()
		c.predicate.RemoveIfPossible(piece.Spec.FileInfo)
		done = c.predicate.MatchesNothing()
		c.predMu.Unlock()
		c.receivedFiles.Add(1)
	}

	c.notifyRemoteIfDesired(p, piece.Spec)

	if done {
		c.terminateAll()
		return peer.StatusDone
	}
	return peer.StatusUsed
}

// notifyRemoteIfDesired queues spec to every other registered Peer
// whose remote filter covers it, never blocking on the piece-arrival
// path itself (each Peer's own bounded outbox absorbs the wait).
func (c *ClearingHouse) notifyRemoteIfDesired(origin *peer.Peer, spec archivepath.PieceSpec) {
	c.peersMu.Lock()
	others := make([]*peer.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		if p != origin {
			others = append(others, p)
		}
	}
	c.peersMu.Unlock()

	for _, p := range others {
		if p.RemoteFilterCovers(spec.FileInfo.ID.Path) {
			p.NotifyHavePiece(spec)
		}
	}
}

// GetPiece implements peer.ClearingHouse: reads a piece back out of
// the Archive to satisfy an incoming RequestPiece.
func (c *ClearingHouse) GetPiece(spec archivepath.PieceSpec) (archivepath.Piece, error) {
	return c.archive.GetPiece(spec)
}

// RemoveFile deletes id from the Archive.
func (c *ClearingHouse) RemoveFile(id archivepath.FileId) error {
	return c.archive.Remove(id)
}

// Add registers p, idempotently: re-adding the same (Connection,
// local-filter) pair replaces the prior entry rather than duplicating
// it (§8 idempotence).
func (c *ClearingHouse) Add(p *peer.Peer) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	c.peers[keyFor(p)] = p
}

// Remove unregisters p; removing an absent Peer is a no-op (§8
// idempotence).
func (c *ClearingHouse) Remove(p *peer.Peer) {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	delete(c.peers, keyFor(p))
}

// Peers returns a snapshot of every currently registered Peer, used by
// the ClientManager to exclude already-connected and inbound peers
// from its candidate search (§4.10).
func (c *ClearingHouse) Peers() []*peer.Peer {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	out := make([]*peer.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// ReceivedFileCount returns the number of files this node has fully
// received since construction.
func (c *ClearingHouse) ReceivedFileCount() uint64 { return c.receivedFiles.Load() }

// Done returns a channel closed the moment the local Predicate first
// matches nothing — the global "done" condition §4.10 and §4.5 both
// refer to.
func (c *ClearingHouse) Done() <-chan struct{} { return c.doneCh }

func (c *ClearingHouse) terminateAll() {
	c.doneOnce.Do(func() { close(c.doneCh) })

	c.peersMu.Lock()
	peers := make([]*peer.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.peersMu.Unlock()

	for _, p := range peers {
		p.Terminate()
	}
}
