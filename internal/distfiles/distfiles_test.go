package distfiles

import (
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/topology"
)

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	require.NoError(t, err)
	return ap
}

type fakeArchive struct {
	saved map[archivepath.Path][]byte
}

func newFakeArchive() *fakeArchive { return &fakeArchive{saved: make(map[archivepath.Path][]byte)} }

func (f *fakeArchive) Save(path archivepath.Path, data []byte, ttl time.Duration) (archivepath.FileId, error) {
	f.saved[path] = append([]byte(nil), data...)
	return archivepath.FileId{Path: path, Time: archivepath.Now()}, nil
}

func (f *fakeArchive) ReadFile(path archivepath.Path) ([]byte, error) {
	data, ok := f.saved[path]
	if !ok {
		return nil, errors.New("fakeArchive: no such file")
	}
	return data, nil
}

func TestPublishThenReadRoundTrips(t *testing.T) {
	archive := newFakeArchive()
	pub := NewPublisher("127.0.0.1:38800", archive, nil)
	reader := NewReader("127.0.0.1:38800", archive)

	_, ok := reader.LatestTopology()
	require.False(t, ok)

	snap := topology.New()
	snap.Add(filter.New("media"), mustAddrPort(t, "127.0.0.1:4000"))
	pub.Publish(snap)

	got, ok := reader.LatestTopology()
	require.True(t, ok)
	server, ok := got.GetBestServer(filter.New("media"), nil)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:4000", server.String())
}

func TestReaderIgnoresOtherTrackerPaths(t *testing.T) {
	archive := newFakeArchive()
	NewPublisher("127.0.0.1:38800", archive, nil).Publish(topology.New())

	reader := NewReader("127.0.0.1:4444", archive)
	_, ok := reader.LatestTopology()
	require.False(t, ok)
}
