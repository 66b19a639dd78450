package peer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/wire"
)

// pipeConnection builds a *wire.Connection directly from three
// net.Pipe sockets, bypassing AcceptHandshake since the pairing is
// already known.
func pipeConnection(t *testing.T) (a, b *wire.Connection) {
	t.Helper()
	id := uuid.New()

	notice1, notice2 := net.Pipe()
	req1, req2 := net.Pipe()
	data1, data2 := net.Pipe()

	a, err := wire.NewConnection(id, [3]net.Conn{notice1, req1, data1}, time.Second)
	require.NoError(t, err)
	b, err = wire.NewConnection(id, [3]net.Conn{notice2, req2, data2}, time.Second)
	require.NoError(t, err)
	return a, b
}

type stubHouse struct {
	mu       sync.Mutex
	notices  []archivepath.PieceSpec
	pieces   []archivepath.Piece
	getPiece func(archivepath.PieceSpec) (archivepath.Piece, error)
	status   PieceStatus
}

func (h *stubHouse) ProcessNotice(p *Peer, spec archivepath.PieceSpec) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, spec)
}

func (h *stubHouse) ProcessPiece(p *Peer, piece archivepath.Piece) PieceStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pieces = append(h.pieces, piece)
	return h.status
}

func (h *stubHouse) GetPiece(spec archivepath.PieceSpec) (archivepath.Piece, error) {
	if h.getPiece != nil {
		return h.getPiece(spec)
	}
	return archivepath.Piece{Spec: spec, Data: []byte("x")}, nil
}

type stubWalker struct{ specs []archivepath.PieceSpec }

func (w stubWalker) WalkMatching(f filter.Filter) ([]archivepath.PieceSpec, error) {
	var out []archivepath.PieceSpec
	for _, s := range w.specs {
		if f.Matches(s.FileInfo.ID.Path) {
			out = append(out, s)
		}
	}
	return out, nil
}

func testFileInfo(path string) archivepath.FileInfo {
	return archivepath.FileInfo{
		ID:        archivepath.FileId{Path: archivepath.New(path), Time: archivepath.Now()},
		SizeBytes: 3,
		PieceSize: 3,
	}
}

func TestHandshakeExchangesFiltersAndAnnouncesPieces(t *testing.T) {
	connA, connB := pipeConnection(t)

	houseA := &stubHouse{}
	houseB := &stubHouse{}
	fi := testFileInfo("media/a.bin")
	walkerA := stubWalker{specs: []archivepath.PieceSpec{{FileInfo: fi, Index: 0}}}
	walkerB := stubWalker{}

	peerA := New(connA, filter.New("media"), houseA, walkerA, Config{}, nil)
	peerB := New(connB, filter.New("docs"), houseB, walkerB, Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- peerA.Run(ctx) }()
	go func() { errB <- peerB.Run(ctx) }()

	require.Eventually(t, func() bool {
		houseB.mu.Lock()
		defer houseB.mu.Unlock()
		return len(houseB.notices) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, "media", peerA.LocalFilter().String())
	require.Equal(t, "docs", peerB.LocalFilter().String())

	peerA.Terminate()
	peerB.Terminate()
	<-errA
	<-errB
}

func TestAddRequestBlocksWhenOutstandingFull(t *testing.T) {
	connA, connB := pipeConnection(t)

	houseA := &stubHouse{}
	houseB := &stubHouse{}
	peerA := New(connA, filter.New(""), houseA, stubWalker{}, Config{MaxOutstandingRequests: 1}, nil)
	peerB := New(connB, filter.New(""), houseB, stubWalker{}, Config{MaxOutstandingRequests: 1}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go peerA.Run(ctx)
	go peerB.Run(ctx)

	fi := testFileInfo("a.bin")
	spec := archivepath.PieceSpec{FileInfo: fi, Index: 0}

	done := make(chan struct{})
	peerA.AddRequest(spec)
	go func() {
		peerA.AddRequest(spec) // second call should block: sem is full
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AddRequest did not block with outstanding requests at the limit")
	case <-time.After(50 * time.Millisecond):
	}

	peerA.Terminate()
	peerB.Terminate()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AddRequest did not unblock after Terminate")
	}
}
