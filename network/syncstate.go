package network

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chainsync-core/monitor"
	"chainsync-core/syncpool"
)

// SyncState is the process-wide owner of the session table and the sync
// pools.  Its lock is never held while the monitor bus delivers.
type SyncState struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	pools *syncpool.Pools
	bus   *monitor.Bus

	framing uint64

	// last published shape, to publish only on change
	lastPeers   string
	lastHeaders int64
	lastBlocks  int64
}

// NewSyncState creates the state around pools.  bus may be nil.
func NewSyncState(pools *syncpool.Pools, bus *monitor.Bus) *SyncState {
	return &SyncState{
		sessions:    make(map[string]*Session),
		pools:       pools,
		bus:         bus,
		lastHeaders: -2,
		lastBlocks:  -2,
	}
}

// Pools returns the sync pools.
func (st *SyncState) Pools() *syncpool.Pools { return st.pools }

// Add registers s.  It fails if a session for the same address exists.
func (st *SyncState) Add(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.Addr()]; ok {
		return fmt.Errorf("session for %s already exists", s.Addr())
	}
	st.sessions[s.Addr()] = s
	return nil
}

// Remove drops the session for addr.
func (st *SyncState) Remove(addr string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, addr)
}

// Get returns the session for addr.
func (st *SyncState) Get(addr string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[addr]
	return s, ok
}

// Has reports whether a session for addr exists.
func (st *SyncState) Has(addr string) bool {
	_, ok := st.Get(addr)
	return ok
}

// Sessions returns every session in canonical order.
func (st *SyncState) Sessions() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()
	SortSessions(out)
	return out
}

// Count returns the number of sessions matching fn.
func (st *SyncState) Count(fn func(s *Session) bool) int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, s := range st.sessions {
		if fn(s) {
			n++
		}
	}
	return n
}

// AddFramingError counts a frame that failed to decode.
func (st *SyncState) AddFramingError() {
	atomic.AddUint64(&st.framing, 1)
}

// Snapshot builds a monitoring snapshot.
func (st *SyncState) Snapshot(now time.Time) monitor.Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshotLocked(now)
}

func (st *SyncState) snapshotLocked(now time.Time) monitor.Snapshot {
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	SortSessions(sessions)

	snap := monitor.Snapshot{
		Peers:   make([]monitor.PeerSnapshot, 0, len(sessions)),
		Framing: atomic.LoadUint64(&st.framing),
		TakenAt: now,
	}
	for _, s := range sessions {
		snap.Peers = append(snap.Peers, s.Snapshot())
	}
	if st.pools != nil {
		snap.Sync = st.pools.Stats()
	}
	return snap
}

// Publish sends a snapshot to the bus when the peer set or a chain height
// changed since the last one, or always when force is set.  It reports
// whether a snapshot was published.
func (st *SyncState) Publish(now time.Time, force bool) bool {
	if st.bus == nil {
		return false
	}
	st.mu.Lock()
	snap := st.snapshotLocked(now)
	shape := peerShape(snap.Peers)
	if !force && shape == st.lastPeers &&
		snap.Sync.HeaderHeight == st.lastHeaders && snap.Sync.BlockHeight == st.lastBlocks {
		st.mu.Unlock()
		return false
	}
	st.lastPeers = shape
	st.lastHeaders = snap.Sync.HeaderHeight
	st.lastBlocks = snap.Sync.BlockHeight
	st.mu.Unlock()

	// Listeners may read the state back, so deliver without holding st.mu.
	return st.bus.Publish(snap)
}

func peerShape(peers []monitor.PeerSnapshot) string {
	var b []byte
	for _, p := range peers {
		b = append(b, p.Address...)
		b = append(b, '=')
		b = append(b, p.Phase...)
		if p.Good {
			b = append(b, '+')
		}
		b = append(b, ';')
	}
	return string(b)
}
