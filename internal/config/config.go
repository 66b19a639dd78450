// Package config defines the process-wide tunables for a sruth node.
//
// A Config is a plain value type built once at startup (by a cmd/
// entry point) and passed by reference into every component
// constructor. There is no global singleton: two Archives, Trackers, or
// ClientManagers in the same process (as in tests) can run with
// independent Configs.
package config

import (
	"time"
)

// Config groups the recognized options of §6 plus the networking and
// archive tunables the components need to construct themselves.
type Config struct {
	// ========== Archive ==========

	// ActiveFileCacheSize bounds the number of simultaneously open
	// DiskFile handles the Archive's LRU cache may hold.
	ActiveFileCacheSize int

	// PieceSize is the canonical piece size used when publishing new
	// files.
	PieceSize int64

	// ========== Networking ==========

	// SocketTimeout is the default per-read timeout on a Stream.
	SocketTimeout time.Duration

	// DialTimeout is a connect timeout for a Client's three sockets. No
	// component reads it: the subscriber's ClientManagers use
	// SocketTimeout for both the dial and the per-read timeout.
	DialTimeout time.Duration

	// PortRangeLo/PortRangeHi bound the TCP ports a Server may bind to.
	// A zero-length range (both zero) means OS-assigned.
	PortRangeLo uint16
	PortRangeHi uint16

	// PeerOutboundQueueBacklog bounds a Peer's per-stream outbound
	// buffer before producers block.
	PeerOutboundQueueBacklog int

	// MaxOutstandingRequests bounds a Peer's unsatisfied outbound
	// requests (§4.5).
	MaxOutstandingRequests int

	// ========== Tracker / overlay control plane ==========

	// TrackerPort is the default tracker TCP port (IANA-assigned).
	TrackerPort uint16

	// MaxServerCheckerThreads bounds the tracker's concurrent offline
	// probers.
	MaxServerCheckerThreads int

	// ServerCheckerThreadKeepalive is how long an idle prober worker
	// lingers before exiting.
	ServerCheckerThreadKeepalive time.Duration

	// ========== ClientManager ==========

	// MinClientsPerFilter is the target number of upstream Clients the
	// ClientManager maintains per filter.
	MinClientsPerFilter int

	// ClientReplacementPeriod is the control-loop cadence.
	ClientReplacementPeriod time.Duration

	// ClientThreadKeepalive bounds how long a Client goroutine is given
	// to wind down after cancellation.
	ClientThreadKeepalive time.Duration

	// NominalRemoteServerCount is the target overlay fan-out the
	// publisher aims to keep informed of. No component reads it.
	NominalRemoteServerCount int

	// InvalidServerDecay is how long a server stays in the
	// ClientManager's invalid set before it becomes eligible again.
	InvalidServerDecay time.Duration
}

// DefaultConfig returns the recognized-option defaults of spec §6.
func DefaultConfig() *Config {
	c := &Config{
		ActiveFileCacheSize:          512,
		PieceSize:                    131072,
		SocketTimeout:                30000 * time.Millisecond,
		DialTimeout:                  10 * time.Second,
		PortRangeLo:                  0,
		PortRangeHi:                  0,
		PeerOutboundQueueBacklog:     256,
		MaxOutstandingRequests:       128,
		TrackerPort:                  38800,
		MaxServerCheckerThreads:      16,
		ServerCheckerThreadKeepalive: 60 * time.Second,
		MinClientsPerFilter:          8,
		ClientReplacementPeriod:      60 * time.Second,
		ClientThreadKeepalive:        60 * time.Second,
		NominalRemoteServerCount:     8,
	}
	c.InvalidServerDecay = c.ClientReplacementPeriod * 10
	return c
}
