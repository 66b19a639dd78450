package tracker

import (
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/unidata/sruth/internal/bencode"
	"github.com/unidata/sruth/internal/filter"
	"github.com/unidata/sruth/internal/topology"
)

// DialTimeout bounds a client's connect to a Tracker's TCP port.
const DialTimeout = 10 * time.Second

// GetTopology performs a TopologyGetter request (§4.9): it registers
// localServer under f in the Tracker's Topology as a side effect, and
// returns the Tracker's current Topology plus its UDP offline-report
// address.
func GetTopology(trackerAddr string, localServer netip.AddrPort, f filter.Filter) (snap *topology.Topology, offlineAddr string, err error) {
	return roundTripTopology(trackerAddr, taskTopologyGetter, bencode.Dict{
		"local_server": localServer.String(),
		"filter":       f.String(),
	})
}

// GetNetwork performs the join-time NetworkGetter request: same
// response shape as GetTopology, without registering the caller.
func GetNetwork(trackerAddr string) (snap *topology.Topology, offlineAddr string, err error) {
	return roundTripTopology(trackerAddr, taskNetworkGetter, bencode.Dict{})
}

// GetSubscription performs a SubscriptionGetter request, returning the
// tracker's own address and default Predicate.
func GetSubscription(trackerAddr string) (addr string, predicate *filter.Predicate, err error) {
	conn, err := net.DialTimeout("tcp", trackerAddr, DialTimeout)
	if err != nil {
		return "", nil, errors.Wrap(err, "tracker client: dial")
	}
	defer conn.Close()

	if err := writeFrame(conn, taskSubscriptionGetter, bencode.Dict{}); err != nil {
		return "", nil, err
	}
	_, resp, err := readFrame(conn)
	if err != nil {
		return "", nil, err
	}

	addr, _ = resp.String("tracker_addr")
	rawList, _ := resp.List("predicate")
	filters := make([]filter.Filter, 0, len(rawList))
	for _, v := range rawList {
		if s, ok := v.(string); ok {
			filters = append(filters, filter.New(s))
		}
	}
	return addr, filter.NewPredicate(filters...), nil
}

func roundTripTopology(trackerAddr string, tag taskKind, req bencode.Dict) (*topology.Topology, string, error) {
	conn, err := net.DialTimeout("tcp", trackerAddr, DialTimeout)
	if err != nil {
		return nil, "", errors.Wrap(err, "tracker client: dial")
	}
	defer conn.Close()

	if err := writeFrame(conn, tag, req); err != nil {
		return nil, "", err
	}
	_, resp, err := readFrame(conn)
	if err != nil {
		return nil, "", err
	}

	raw, _ := resp.String("topology")
	offlineAddr, _ := resp.String("offline_addr")
	snap, err := topology.Unmarshal([]byte(raw))
	if err != nil {
		return nil, "", errors.Wrap(err, "tracker client: decode topology")
	}
	return snap, offlineAddr, nil
}
