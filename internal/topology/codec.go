package topology

import (
	"fmt"
	"net/netip"

	"github.com/unidata/sruth/internal/bencode"
	"github.com/unidata/sruth/internal/filter"
)

// Marshal serializes t into the bencode dictionary the tracker
// distributes through the archive at admin/<tracker>/Topology.
//
// Shape: {"filters": [{"prefix": <string>, "servers": [<string>, ...]}, ...]}
func (t *Topology) Marshal() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]any, 0, len(t.servers))
	for f, set := range t.servers {
		servers := make([]any, 0, len(set))
		for s := range set {
			servers = append(servers, s.String())
		}
		entries = append(entries, bencode.Dict{
			"prefix":  f.String(),
			"servers": servers,
		})
	}

	return bencode.Marshal(bencode.Dict{"filters": entries})
}

// Unmarshal parses the bencode form produced by Marshal into a new
// Topology.
func Unmarshal(data []byte) (*Topology, error) {
	top, err := bencode.UnmarshalDict(data)
	if err != nil {
		return nil, fmt.Errorf("topology: decode: %w", err)
	}

	rawEntries, _ := top.List("filters")
	t := New()

	for _, re := range rawEntries {
		entry, ok := re.(bencode.Dict)
		if !ok {
			continue
		}
		prefix, _ := entry.String("prefix")
		rawServers, _ := entry.List("servers")

		f := filter.New(prefix)
		for _, rs := range rawServers {
			s, ok := rs.(string)
			if !ok {
				continue
			}
			addr, err := netip.ParseAddrPort(s)
			if err != nil {
				continue
			}
			t.Add(f, addr)
		}
	}

	return t, nil
}
