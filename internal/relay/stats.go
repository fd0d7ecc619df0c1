package relay

import "sync/atomic"

// Stats counts relay activity for diagnostics.
type Stats struct {
	connectionsAccepted atomic.Int64
	framesRelayed       atomic.Int64
	bytesRelayed        atomic.Int64
	decodeErrors        atomic.Int64
	peerWriteFailures   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
// BytesRelayed sums prefix and payload bytes over every receiving peer.
type StatsSnapshot struct {
	ConnectionsAccepted int64
	FramesRelayed       int64
	BytesRelayed        int64
	DecodeErrors        int64
	PeerWriteFailures   int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ConnectionsAccepted: s.connectionsAccepted.Load(),
		FramesRelayed:       s.framesRelayed.Load(),
		BytesRelayed:        s.bytesRelayed.Load(),
		DecodeErrors:        s.decodeErrors.Load(),
		PeerWriteFailures:   s.peerWriteFailures.Load(),
	}
}
