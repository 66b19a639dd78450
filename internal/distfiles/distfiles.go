// Package distfiles implements the DistributedTrackerFiles collaborator
// (§4.9, §9 Design Notes): it takes the Tracker's Topology-change
// notifications and publishes the serialized snapshot into the Archive
// at admin/<tracker-addr>/Topology, so it propagates to every
// subscriber over the ordinary data plane; on the subscriber side it
// reads that same administrative path back out of a local Archive,
// implementing internal/trackerproxy.ArchiveFallback.
//
// It reaches the Archive only through the narrow Saver and Restorer
// interfaces below, and its Publisher is registered as a Tracker
// topology listener, rather than the Archive owning a dependency on it
// (§9 Design Notes), the same kind of seam internal/archive already
// uses for its DeletionScheduler and CompletionListener collaborators.
package distfiles

import (
	"log/slog"
	"time"

	"github.com/unidata/sruth/internal/archivepath"
	"github.com/unidata/sruth/internal/topology"
)

// topologyTTL is indefinite: the distributed Topology file is
// replaced, never expired, each time the Tracker's Topology changes.
const topologyTTL = -1 * time.Second

// Saver is the subset of internal/archive.Archive a publisher-side
// Publisher needs to publish the distributed Topology file.
type Saver interface {
	Save(path archivepath.Path, data []byte, ttl time.Duration) (archivepath.FileId, error)
}

// Restorer is the subset a subscriber-side Reader needs to read it
// back.
type Restorer interface {
	ReadFile(path archivepath.Path) ([]byte, error)
}

// pathFor builds the admin path a given tracker's Topology file is
// distributed under.
func pathFor(trackerAddr string) archivepath.Path {
	return archivepath.New("admin/" + trackerAddr + "/Topology")
}

// Publisher is the Tracker-side half: register its Publish method as
// an internal/tracker.Tracker topology listener, and every Topology
// change gets written into the local Archive for distribution.
type Publisher struct {
	log         *slog.Logger
	trackerAddr string
	archive     Saver
}

// NewPublisher builds a Publisher that writes to path
// admin/<trackerAddr>/Topology on every Publish call.
func NewPublisher(trackerAddr string, archive Saver, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{log: log.With("component", "distfiles.publisher"), trackerAddr: trackerAddr, archive: archive}
}

// Publish serializes snap and saves it into the Archive. Intended to
// be passed directly as a internal/tracker.Tracker.AddTopologyListener
// callback.
func (p *Publisher) Publish(snap *topology.Topology) {
	data, err := snap.Marshal()
	if err != nil {
		p.log.Error("distfiles: marshal topology", "error", err)
		return
	}
	if _, err := p.archive.Save(pathFor(p.trackerAddr), data, topologyTTL); err != nil {
		p.log.Error("distfiles: save topology", "error", err)
	}
}

// Reader is the subscriber-side half: reads the last distributed
// Topology snapshot out of a local Archive.
type Reader struct {
	trackerAddr string
	archive     Restorer
}

// NewReader builds a Reader for the distributed Topology file
// published by the Tracker at trackerAddr.
func NewReader(trackerAddr string, archive Restorer) *Reader {
	return &Reader{trackerAddr: trackerAddr, archive: archive}
}

// LatestTopology implements internal/trackerproxy.ArchiveFallback: it
// reads and decodes the distributed Topology file, reporting ok=false
// if it has never arrived or fails to decode.
func (r *Reader) LatestTopology() (*topology.Topology, bool) {
	data, err := r.archive.ReadFile(pathFor(r.trackerAddr))
	if err != nil {
		return nil, false
	}
	snap, err := topology.Unmarshal(data)
	if err != nil {
		return nil, false
	}
	return snap, true
}
