// Package monitor carries point-in-time views of the sync engine to stats
// and UI consumers.
package monitor

import (
	"fmt"
	"time"
)

// PeerSnapshot is a copy of one peer session's state.
type PeerSnapshot struct {
	ID            string
	NodeID        string
	Address       string
	RPCAddress    string
	Phase         string
	Version       string
	LastMessageAt time.Time
	Good          bool
	Acknowledged  bool
	Violations    int
	StartHeight   uint32
	QueueLen      int
}

// SyncSnapshot summarizes the reconciliation pools.  Heights are -1 before
// anything has been committed.
type SyncSnapshot struct {
	HeaderHeight      int64
	HeaderTip         string
	BlockHeight       int64
	BlockTip          string
	UnverifiedHeaders int
	UnverifiedBlocks  int
	Promoted          uint64
	Evicted           uint64
	ChainLinkErrors   uint64
}

// Snapshot is published whenever the peer set or chain height changes.
type Snapshot struct {
	Peers   []PeerSnapshot
	Sync    SyncSnapshot
	Framing uint64
	TakenAt time.Time
}

// GoodPeers counts peers currently marked good.
func (s Snapshot) GoodPeers() int {
	n := 0
	for _, p := range s.Peers {
		if p.Good {
			n++
		}
	}
	return n
}

func (s Snapshot) String() string {
	return fmt.Sprintf("peers=%d good=%d headers=%d blocks=%d unverified=%d/%d",
		len(s.Peers), s.GoodPeers(), s.Sync.HeaderHeight, s.Sync.BlockHeight,
		s.Sync.UnverifiedHeaders, s.Sync.UnverifiedBlocks)
}
