package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"chainsync-core/monitor"
	"chainsync-core/wire"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrSendToClosedPeer is returned when queueing to a peer that is not good.
// The message is dropped.
var ErrSendToClosedPeer = errors.New("send to closed peer")

// DefaultMaxViolations is how many protocol violations mark a peer bad.
const DefaultMaxViolations = 3

// inboxSize bounds the frames a reader may decode ahead of the service task.
const inboxSize = 64

// inbound is one frame, or the read error that ended the reader.
type inbound struct {
	msg *wire.Message
	err error
}

// Session is the mutable state of one peer.  Every method takes the
// session's own lock; nothing else guards its fields.
type Session struct {
	mu sync.Mutex

	id      uuid.UUID
	addr    string
	rpcAddr string
	inbound bool

	phase   Phase
	phaseAt time.Time

	version       string
	nonce         uint32
	hasNonce      bool
	startHeight   uint32
	lastMessageAt time.Time

	queue  []*wire.Message
	timers map[string]*TimerSchedule

	good          bool
	acknowledged  bool
	violations    int
	maxViolations int
	recycle       time.Duration

	conn  net.Conn
	inbox chan inbound
	// closed is closed by detach so the reader stops delivering.
	closed chan struct{}
	busy   bool

	log logrus.FieldLogger
}

// SessionConfig holds per-session limits.
type SessionConfig struct {
	RecycleInterval time.Duration
	MaxViolations   int
	Timers          map[string]TimerConfig
}

// NewSession creates a session in phase Unknown for addr.
func NewSession(addr string, inbound bool, cfg SessionConfig, logger logrus.FieldLogger) *Session {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = DefaultMaxViolations
	}
	if cfg.Timers == nil {
		cfg.Timers = DefaultTimers
	}
	s := &Session{
		id:            uuid.New(),
		addr:          addr,
		inbound:       inbound,
		phase:         PhaseUnknown,
		timers:        make(map[string]*TimerSchedule, len(cfg.Timers)),
		maxViolations: cfg.MaxViolations,
		recycle:       cfg.RecycleInterval,
		log:           logger.WithField("peer", addr),
	}
	for cmd, tc := range cfg.Timers {
		s.timers[cmd] = NewTimerSchedule(tc)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Addr returns the peer's TCP address.
func (s *Session) Addr() string { return s.addr }

// Inbound reports whether the peer connected to us.
func (s *Session) Inbound() bool { return s.inbound }

// SetRPCAddr records the peer's optional RPC address.
func (s *Session) SetRPCAddr(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpcAddr = addr
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// IsGood reports whether messages may be queued to the peer.
func (s *Session) IsGood() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.good
}

// IsAcknowledged reports whether the handshake completed.
func (s *Session) IsAcknowledged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acknowledged
}

// Transition moves the session to phase to.  Entering Acknowledged marks
// the peer good; entering Refused or Inactive clears it along with the
// outbound queue.  Leaving Refused or Inactive requires the recycle
// interval to have passed and resets the peer's record.
func (s *Session) Transition(to Phase, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.phase
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	if from.Reclaimable() && now.Sub(s.phaseAt) < s.recycle {
		return fmt.Errorf("%w: %s -> %s before recycle interval", ErrBadTransition, from, to)
	}

	switch to {
	case PhaseTryStart:
		s.good = false
		s.acknowledged = false
		s.violations = 0
		for _, t := range s.timers {
			t.LastSentAt = time.Time{}
			t.Awaiting = false
		}
	case PhaseAcknowledged:
		s.acknowledged = true
		s.good = true
	case PhaseRefused, PhaseInactive:
		s.good = false
		s.queue = nil
	}
	s.phase = to
	s.phaseAt = now
	s.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("Peer phase changed")
	return nil
}

// CanRecycle reports whether the session may leave Refused/Inactive at now.
func (s *Session) CanRecycle(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase.Reclaimable() && now.Sub(s.phaseAt) >= s.recycle
}

// Send queues msg for the writer.  A peer that is not good refuses the
// message and the queue is left unchanged.
func (s *Session) Send(msg *wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.good {
		s.log.WithField("command", msg.Command).Error("Dropping message to peer that is not good")
		return ErrSendToClosedPeer
	}
	s.queue = append(s.queue, msg)
	return nil
}

// QueueLen returns the number of queued outbound messages.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// DrainOutbound removes and returns every queued message in FIFO order.
func (s *Session) DrainOutbound() []*wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// MarkBad flags the peer after a protocol violation.
func (s *Session) MarkBad(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markBadLocked(reason)
}

func (s *Session) markBadLocked(reason string) {
	if s.good {
		s.log.WithField("reason", reason).Warn("Marking peer bad")
	}
	s.good = false
}

// RecordViolation counts a misbehavior.  It reports whether the peer has
// now been marked bad.
func (s *Session) RecordViolation(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.violations++
	s.log.WithFields(logrus.Fields{
		"violations": s.violations,
		"err":        err,
	}).Warn("Peer protocol violation")
	if s.violations >= s.maxViolations {
		s.markBadLocked(fmt.Sprintf("%d violations", s.violations))
		return true
	}
	return false
}

// Violations returns the violation count.
func (s *Session) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

// Touch records a message received at now.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMessageAt = now
}

// LastMessageAt returns when the last message arrived, zero if none has.
func (s *Session) LastMessageAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageAt
}

// SetVersion records the peer's handshake payload.
func (s *Session) SetVersion(v *wire.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v.UserAgent
	s.nonce = v.Nonce
	s.hasNonce = true
	s.startHeight = v.StartHeight
}

// Version returns the peer's advertised user agent, "" if unknown.
func (s *Session) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// StartHeight returns the height the peer advertised.
func (s *Session) StartHeight() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startHeight
}

// Timer returns a copy of the schedule for request command cmd.
func (s *Session) Timer(cmd string) (TimerSchedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[cmd]
	if !ok {
		return TimerSchedule{}, false
	}
	return *t, true
}

// ReadyRequests returns the request commands due at now, sorted.
func (s *Session) ReadyRequests(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for cmd, t := range s.timers {
		if t.ReadyToSend(now) {
			out = append(out, cmd)
		}
	}
	sort.Strings(out)
	return out
}

// RequestSent marks request cmd as sent at now.
func (s *Session) RequestSent(cmd string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[cmd]; ok {
		t.OnRequestSent(now)
	}
}

// ObserveResponse clears every outstanding request answered by cmd.
func (s *Session) ObserveResponse(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		if t.Expect == cmd {
			t.OnResponseObserved()
		}
	}
}

// attach binds an open connection and starts a fresh inbox.
func (s *Session) attach(conn net.Conn) (chan inbound, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.inbox = make(chan inbound, inboxSize)
	s.closed = make(chan struct{})
	return s.inbox, s.closed
}

// detach closes and forgets the connection.
func (s *Session) detach() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.closed != nil {
		close(s.closed)
		s.closed = nil
	}
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) connection() (net.Conn, chan inbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.inbox
}

// tryAcquire claims the session for one service task.
func (s *Session) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

// Snapshot copies the session for monitoring.
func (s *Session) Snapshot() monitor.PeerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := monitor.PeerSnapshot{
		ID:            s.id.String(),
		Address:       s.addr,
		RPCAddress:    s.rpcAddr,
		Phase:         s.phase.String(),
		Version:       s.version,
		LastMessageAt: s.lastMessageAt,
		Good:          s.good,
		Acknowledged:  s.acknowledged,
		Violations:    s.violations,
		StartHeight:   s.startHeight,
		QueueLen:      len(s.queue),
	}
	if s.hasNonce {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], s.nonce)
		snap.NodeID = base58.Encode(b[:])
	}
	return snap
}

func (s *Session) String() string {
	return fmt.Sprintf("%s (%s)", s.addr, s.Phase())
}

// sortKey is the part of a session that orders it.  Zero values sort
// first, standing in for unknown fields.
type sortKey struct {
	phase         Phase
	version       string
	addr          string
	lastMessageAt time.Time
	rpcAddr       string
}

func (s *Session) sortKey() sortKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortKey{s.phase, s.version, s.addr, s.lastMessageAt, s.rpcAddr}
}

func (a sortKey) less(b sortKey) bool {
	if a.phase != b.phase {
		return a.phase < b.phase
	}
	if a.version != b.version {
		return a.version < b.version
	}
	if a.addr != b.addr {
		return a.addr < b.addr
	}
	if !a.lastMessageAt.Equal(b.lastMessageAt) {
		return a.lastMessageAt.Before(b.lastMessageAt)
	}
	return a.rpcAddr < b.rpcAddr
}

// Less orders sessions by phase, version, address, last message time and
// RPC address.  The two sessions are locked one after the other, never
// together.
func Less(a, b *Session) bool {
	return a.sortKey().less(b.sortKey())
}

// SortSessions sorts sessions in place by Less.
func SortSessions(sessions []*Session) {
	keys := make(map[*Session]sortKey, len(sessions))
	for _, s := range sessions {
		keys[s] = s.sortKey()
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return keys[sessions[i]].less(keys[sessions[j]])
	})
}
