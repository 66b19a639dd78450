package wire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/filter"
)

func TestMessageFrameRoundTrip(t *testing.T) {
	m := &Message{Kind: KindHaveFilter, Payload: []byte("payload-bytes")}
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, m))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, m.Kind, got.Kind)
	require.Equal(t, m.Payload, got.Payload)
}

func TestReadMessageRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadMessage(&buf)
	require.Error(t, err)
}

func TestHaveFilterPayloadRoundTrip(t *testing.T) {
	f := filter.New("media/movies")
	m := MessageHaveFilter(f)
	got, err := m.ParseHaveFilter()
	require.NoError(t, err)
	require.Equal(t, f.String(), got.String())
}

func TestHavePieceAndRequestPiecePayloadRoundTrip(t *testing.T) {
	fi := archivepath.FileInfo{
		ID:                archivepath.FileId{Path: archivepath.New("a/b.bin"), Time: archivepath.Now()},
		SizeBytes:         100,
		PieceSize:         10,
		TimeToLiveSeconds: -1,
	}
	spec := archivepath.PieceSpec{FileInfo: fi, Index: 3}

	have := MessageHavePiece(spec)
	gotHave, err := have.ParseHavePiece()
	require.NoError(t, err)
	require.Equal(t, spec.Index, gotHave.Index)
	require.True(t, gotHave.FileInfo.ID.Equal(fi.ID))

	req := MessageRequestPiece(spec)
	gotReq, err := req.ParseRequestPiece()
	require.NoError(t, err)
	require.Equal(t, spec.Index, gotReq.Index)
}

func TestPieceDataPayloadRoundTrip(t *testing.T) {
	fi := archivepath.FileInfo{
		ID:                archivepath.FileId{Path: archivepath.New("c.bin"), Time: archivepath.Now()},
		SizeBytes:         5,
		PieceSize:         5,
		TimeToLiveSeconds: -1,
	}
	piece := archivepath.Piece{
		Spec: archivepath.PieceSpec{FileInfo: fi, Index: 0},
		Data: []byte("hello"),
	}

	m := MessagePieceData(piece)
	got, err := m.ParsePieceData()
	require.NoError(t, err)
	require.Equal(t, piece.Data, got.Data)
	require.Equal(t, piece.Spec.Index, got.Spec.Index)
}

func TestFileRemovedPayloadRoundTrip(t *testing.T) {
	id := archivepath.FileId{Path: archivepath.New("gone.txt"), Time: archivepath.Now()}
	m := MessageFileRemoved(id)
	got, err := m.ParseFileRemoved()
	require.NoError(t, err)
	require.True(t, got.Equal(id))
}

func TestStreamSendReceive(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	s1, err := NewStream(c1, time.Second)
	require.NoError(t, err)
	s2, err := NewStream(c2, time.Second)
	require.NoError(t, err)

	msg := &Message{Kind: KindHavePiece, Payload: []byte("abc")}
	done := make(chan error, 1)
	go func() { done <- s1.Send(msg) }()

	got, err := s2.Receive()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, msg.Payload, got.Payload)
}

func TestStreamReceiveTimeout(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	s2, err := NewStream(c2, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = s2.Receive()
	require.ErrorIs(t, err, ErrReceiveTimeout)
}

func TestHandshakeHelloEncodeDecode(t *testing.T) {
	h := handshakeHello{ConnectionID: uuid.New(), StreamIndex: streamData}
	got, err := decodeHandshakeHello(h.encode())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestConnectionLessIsAntisymmetric(t *testing.T) {
	a := &Connection{LocalAddr: fakeAddr("10.0.0.1:1000"), RemoteAddr: fakeAddr("10.0.0.2:2000")}
	b := &Connection{LocalAddr: fakeAddr("10.0.0.1:1001"), RemoteAddr: fakeAddr("10.0.0.2:2000")}

	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}

type fakeAddr string

func (f fakeAddr) Network() string { return "tcp" }
func (f fakeAddr) String() string  { return string(f) }
