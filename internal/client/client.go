// Package client implements the outbound half of §4.8: given a remote
// address and a local filter, it opens the three sockets of a
// Connection, performs the handshake, builds a Peer registered with a
// ClearingHouse, and runs it until completion or error.
//
// Grounded on the same teacher shape as internal/server (dial instead
// of accept), generalized to this spec's three-socket Connection via
// internal/wire.DialConnection.
package client

import (
	"context"
	"time"

	"log/slog"

	"github.com/unidata/sruth/internal/clearinghouse"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/peer"
	"github.com/unidata/sruth/internal/wire"
)

// Run dials remoteAddr, builds a Peer over the resulting Connection,
// registers it with house, and blocks until the Peer terminates.
//
// The returned bool reports whether remoteAddr proved to be a valid
// server: true once the handshake completes, regardless of what
// happens afterward (a later transient I/O error doesn't retroactively
// make the server invalid); false if the three sockets could never be
// opened or the handshake itself failed (wrong protocol, or closed
// before completing it) — the caller (ClientManager) uses this to
// decide between reporting the server offline/invalid and simply
// retrying later (§4.8, §4.10).
func Run(ctx context.Context, remoteAddr string, localFilter filter.Filter, house *clearinghouse.ClearingHouse, archive peer.ArchiveWalker, peerCfg peer.Config, dialTimeout time.Duration, log *slog.Logger) (validServer bool, err error) {
	// DialConnection's single timeout covers both the initial TCP
	// dial and each stream's subsequent per-read timeout (§4.4, §6).
	conn, err := wire.DialConnection("tcp", remoteAddr, dialTimeout)
	if err != nil {
		return false, err
	}

	p := peer.New(conn, localFilter, house, archive, peerCfg, log)
	house.Add(p)
	defer house.Remove(p)

	runErr := p.Run(ctx)
	return p.HandshakeCompleted(), runErr
}
