package network

import (
	"errors"
	"fmt"
)

// ErrBadTransition is returned for a phase change the lifecycle forbids.
var ErrBadTransition = errors.New("illegal phase transition")

// Phase is the lifecycle state of a peer connection.  The declared order is
// also the sort order of sessions.
type Phase int

// Connection phases.
const (
	PhaseUnknown Phase = iota
	PhaseTryStart
	PhaseActive
	PhaseAcknowledged
	PhaseRefused
	PhaseInactive
)

var phaseNames = [...]string{
	PhaseUnknown:      "unknown",
	PhaseTryStart:     "trystart",
	PhaseActive:       "active",
	PhaseAcknowledged: "acknowledged",
	PhaseRefused:      "refused",
	PhaseInactive:     "inactive",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Reclaimable reports whether a session in p may be retried once the
// recycle interval has passed.
func (p Phase) Reclaimable() bool {
	return p == PhaseRefused || p == PhaseInactive
}

// Connected reports whether a socket is open in p.
func (p Phase) Connected() bool {
	return p == PhaseActive || p == PhaseAcknowledged
}

var transitions = map[Phase][]Phase{
	PhaseUnknown:      {PhaseTryStart},
	PhaseTryStart:     {PhaseActive, PhaseRefused},
	PhaseActive:       {PhaseAcknowledged, PhaseInactive, PhaseRefused},
	PhaseAcknowledged: {PhaseInactive},
	PhaseRefused:      {PhaseTryStart},
	PhaseInactive:     {PhaseTryStart},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.  The
// recycle interval guarding Refused/Inactive -> TryStart is checked by the
// session, which knows when the last transition happened.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
