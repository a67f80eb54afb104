package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"chainsync-core/chaincfg"
	"chainsync-core/database"
	"chainsync-core/wire"
	"chainsync-core/workpool"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNodeStopped is returned for work submitted after Stop.
var ErrNodeStopped = errors.New("node stopped")

// Config holds the node's connection policy.
type Config struct {
	// ListenAddr accepts inbound peers when set.
	ListenAddr string
	// MaxPeers caps all sessions that hold or try to open a socket.
	MaxPeers int
	// MinPeers is the outbound connection target.
	MinPeers int

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout bounds reading one frame once its first byte arrived.
	ReadTimeout time.Duration
	// WriteTimeout bounds flushing one session's outbound queue.
	WriteTimeout time.Duration
	// IdleTimeout drops a peer that sent nothing for this long.
	IdleTimeout     time.Duration
	RecycleInterval time.Duration
	PollInterval    time.Duration

	MaxViolations  int
	VerifyChecksum bool
	Timers         map[string]TimerConfig

	// MaxMessagesPerTask bounds the frames one service task handles.
	MaxMessagesPerTask int
	// DumpMessages logs every payload at trace level.
	DumpMessages bool
}

// DefaultConfig returns the default connection policy.
func DefaultConfig() Config {
	return Config{
		MaxPeers:           125,
		MinPeers:           8,
		ConnectTimeout:     30 * time.Second,
		HandshakeTimeout:   15 * time.Second,
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        5 * time.Minute,
		RecycleInterval:    2 * time.Minute,
		PollInterval:       time.Second,
		MaxViolations:      DefaultMaxViolations,
		VerifyChecksum:     true,
		Timers:             DefaultTimers,
		MaxMessagesPerTask: 16,
	}
}

// Dialer opens outbound connections.  *tor.Client implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type directDialer struct{}

func (directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// NodeOption configures a Node.
type NodeOption func(*Node)

// WithNodeLogger sets the logger.
func WithNodeLogger(l logrus.FieldLogger) NodeOption {
	return func(n *Node) { n.log = l }
}

// WithNodeMetrics sets the metrics sink.
func WithNodeMetrics(m *Metrics) NodeOption {
	return func(n *Node) { n.metrics = m }
}

// WithDialer sets the outbound dialer.
func WithDialer(d Dialer) NodeOption {
	return func(n *Node) { n.dialer = d }
}

// Node owns the sockets: it dials and accepts peers, runs the handshake,
// and feeds every acknowledged session to the worker pool once per poll.
type Node struct {
	cfg     Config
	params  *chaincfg.Params
	state   *SyncState
	store   database.BlockStore
	pool    *workpool.Pool
	codec   *wire.Codec
	dialer  Dialer
	book    *AddressBook
	nonce   uint32
	log     logrus.FieldLogger
	metrics *Metrics

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	listener net.Listener
	quit     chan struct{}
	stopped  bool
	readers  sync.WaitGroup
}

// NewNode creates a node.  The node stops pool when it stops.
func NewNode(cfg Config, params *chaincfg.Params, state *SyncState, store database.BlockStore,
	pool *workpool.Pool, book *AddressBook, opts ...NodeOption) *Node {
	if cfg.MaxMessagesPerTask <= 0 {
		cfg.MaxMessagesPerTask = 16
	}
	if cfg.Timers == nil {
		cfg.Timers = DefaultTimers
	}
	if book == nil {
		book = NewAddressBook(params, false)
	}
	n := &Node{
		cfg:     cfg,
		params:  params,
		state:   state,
		store:   store,
		pool:    pool,
		dialer:  directDialer{},
		book:    book,
		nonce:   rand.Uint32(),
		log:     logrus.StandardLogger(),
		metrics: NopMetrics(),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.WithField("module", "p2p")

	n.codec = wire.NewCodec(params.Net)
	n.codec.MaxPayloadLength = params.MaxPayloadLength
	n.codec.VerifyChecksum = cfg.VerifyChecksum
	n.codec.Logger = n.log
	return n
}

// State returns the sync state.
func (n *Node) State() *SyncState { return n.state }

// Book returns the address book.
func (n *Node) Book() *AddressBook { return n.book }

// Start opens the listener and begins polling.  It returns once both are
// running; Wait blocks until they exit.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrNodeStopped
	}

	ctx, n.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	n.ctx = gctx
	n.group = g

	if n.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.ListenAddr)
		if err != nil {
			n.cancel()
			return fmt.Errorf("failed to start P2P listener: %w", err)
		}
		n.listener = ln
		n.log.WithField("addr", ln.Addr().String()).Info("P2P listener started")
		g.Go(func() error { return n.acceptLoop(gctx, ln) })
	}

	seeds := n.book.DiscoverPeers()
	if len(seeds) == 0 {
		n.log.Warn("No peers discovered, waiting for inbound connections")
	}
	g.Go(func() error { return n.pollLoop(gctx) })
	return nil
}

// ListenAddr returns the bound listener address, nil before Start.
func (n *Node) ListenAddr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Wait blocks until the node's loops exit and returns the first error.
func (n *Node) Wait() error {
	n.mu.Lock()
	g := n.group
	n.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop shuts the node down: loops end, the worker pool stops, and every
// socket is closed.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	close(n.quit)
	if n.cancel != nil {
		n.cancel()
	}
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Unlock()

	n.pool.Stop()
	n.pool.Wait()
	for _, s := range n.state.Sessions() {
		s.detach()
	}
	n.readers.Wait()
	if err := n.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		n.log.WithError(err).Warn("Node stopped with error")
	}
	n.log.Info("Node stopped")
}

func (n *Node) isStopped() bool {
	select {
	case <-n.quit:
		return true
	default:
		return false
	}
}

func (n *Node) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || n.isStopped() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		n.acceptInbound(conn)
	}
}

func (n *Node) acceptInbound(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	log := n.log.WithField("peer", addr)
	if n.liveSessions() >= n.cfg.MaxPeers {
		log.Info("Rejecting inbound connection, peer limit reached")
		conn.Close()
		return
	}

	s := n.newSession(addr, true)
	if err := n.state.Add(s); err != nil {
		log.WithError(err).Debug("Rejecting inbound connection")
		conn.Close()
		return
	}
	if err := s.Transition(PhaseTryStart, time.Now()); err != nil {
		n.state.Remove(addr)
		conn.Close()
		return
	}
	err := n.pool.Execute(func() {
		if err := n.setup(s, conn); err != nil {
			log.WithError(err).Info("Inbound handshake failed")
		}
	})
	if err != nil {
		conn.Close()
	}
}

// AddConn runs the handshake on an already open connection and registers
// the session.  It blocks until the handshake finishes.
func (n *Node) AddConn(conn net.Conn, addr string, inbound bool) (*Session, error) {
	s := n.newSession(addr, inbound)
	if err := n.state.Add(s); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.Transition(PhaseTryStart, time.Now()); err != nil {
		conn.Close()
		return s, err
	}
	return s, n.setup(s, conn)
}

// Connect adds an outbound session for addr and dials it on the worker
// pool.
func (n *Node) Connect(addr string) error {
	s := n.newSession(n.params.NormalizeAddress(addr), false)
	if err := n.state.Add(s); err != nil {
		return err
	}
	return n.dial(s, time.Now())
}

func (n *Node) newSession(addr string, inbound bool) *Session {
	return NewSession(addr, inbound, SessionConfig{
		RecycleInterval: n.cfg.RecycleInterval,
		MaxViolations:   n.cfg.MaxViolations,
		Timers:          n.cfg.Timers,
	}, n.log)
}

func (n *Node) dial(s *Session, now time.Time) error {
	if err := s.Transition(PhaseTryStart, now); err != nil {
		return err
	}
	return n.pool.Execute(func() { n.connect(s) })
}

func (n *Node) connect(s *Session) {
	ctx := n.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
	defer cancel()

	log := n.log.WithField("peer", s.Addr())
	conn, err := n.dialer.DialContext(ctx, "tcp", s.Addr())
	if err != nil {
		log.WithError(err).Debug("Failed to connect to peer")
		s.Transition(PhaseRefused, time.Now())
		return
	}
	if err := n.setup(s, conn); err != nil {
		log.WithError(err).Info("Handshake failed")
	}
}

// setup takes a TryStart session with an open socket through the
// handshake to Acknowledged and starts its reader.
func (n *Node) setup(s *Session, conn net.Conn) error {
	if n.isStopped() {
		conn.Close()
		return ErrNodeStopped
	}
	if err := s.Transition(PhaseActive, time.Now()); err != nil {
		conn.Close()
		return err
	}

	ver, err := n.handshake(conn)
	if err != nil {
		conn.Close()
		s.Transition(PhaseRefused, time.Now())
		return err
	}
	s.SetVersion(ver)

	now := time.Now()
	if err := s.Transition(PhaseAcknowledged, now); err != nil {
		conn.Close()
		return err
	}
	inbox, closed := s.attach(conn)
	s.Touch(now)

	n.readers.Add(1)
	go n.readLoop(conn, inbox, closed)

	n.log.WithFields(logrus.Fields{
		"peer":       s.Addr(),
		"inbound":    s.Inbound(),
		"user_agent": ver.UserAgent,
		"height":     ver.StartHeight,
	}).Info("Handshake complete")
	n.state.Publish(now, false)
	return nil
}

// handshake exchanges version then verack.  Both sides send first, so each
// step writes and reads concurrently.
func (n *Node) handshake(conn net.Conn) (*wire.Version, error) {
	msg, err := n.exchange(conn, wire.NewMessage(n.params.Net, wire.CmdVersion, n.localVersion()))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange version: %w", err)
	}
	ver, ok := msg.Payload.(*wire.Version)
	if !ok {
		return nil, fmt.Errorf("expected version message, got %q", msg.Command)
	}
	if ver.Nonce == n.nonce {
		return nil, errors.New("connected to self")
	}

	msg, err = n.exchange(conn, wire.NewMessage(n.params.Net, wire.CmdVerack, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange verack: %w", err)
	}
	if msg.Command != wire.CmdVerack {
		return nil, fmt.Errorf("expected verack message, got %q", msg.Command)
	}
	return ver, nil
}

func (n *Node) exchange(conn net.Conn, out *wire.Message) (*wire.Message, error) {
	conn.SetWriteDeadline(time.Now().Add(n.cfg.HandshakeTimeout))
	defer conn.SetWriteDeadline(time.Time{})

	errc := make(chan error, 1)
	go func() { errc <- n.codec.WriteMessage(conn, out) }()

	in, err := n.codec.Decode(conn, n.cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		<-errc
		return nil, err
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return in, nil
}

func (n *Node) localVersion() *wire.Version {
	var port uint16
	if addr := n.ListenAddr(); addr != nil {
		if _, p, err := net.SplitHostPort(addr.String()); err == nil {
			v, _ := strconv.ParseUint(p, 10, 16)
			port = uint16(v)
		}
	}
	var height uint32
	if tip := n.state.Pools().BlockTip(); tip.Height > 0 {
		height = uint32(tip.Height)
	}
	return &wire.Version{
		Version:     n.params.ProtocolVersion,
		Services:    n.params.Services,
		Timestamp:   uint32(time.Now().Unix()),
		Port:        port,
		Nonce:       n.nonce,
		UserAgent:   n.params.UserAgent,
		StartHeight: height,
	}
}

// readLoop decodes frames into the session inbox until the first error,
// which is delivered too.
func (n *Node) readLoop(conn net.Conn, inbox chan<- inbound, closed <-chan struct{}) {
	defer n.readers.Done()
	br := bufio.NewReader(conn)
	for {
		msg, err := n.readFrame(conn, br)
		select {
		case inbox <- inbound{msg: msg, err: err}:
		case <-closed:
			return
		case <-n.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

// readFrame waits up to IdleTimeout for the next frame to start, then
// allows ReadTimeout for the rest of it.
func (n *Node) readFrame(conn net.Conn, br *bufio.Reader) (*wire.Message, error) {
	idle := time.Time{}
	if n.cfg.IdleTimeout > 0 {
		idle = time.Now().Add(n.cfg.IdleTimeout)
	}
	conn.SetReadDeadline(idle)
	if _, err := br.Peek(1); err != nil {
		return nil, fmt.Errorf("waiting for frame: %w", err)
	}

	frame := time.Time{}
	if n.cfg.ReadTimeout > 0 {
		frame = time.Now().Add(n.cfg.ReadTimeout)
	}
	conn.SetReadDeadline(frame)
	return n.codec.Decode(br, 0)
}

// service handles one session's pending frames, due requests and outbound
// queue.  It runs on the worker pool.
func (n *Node) service(s *Session) {
	if !s.tryAcquire() {
		return
	}
	defer s.release()

	conn, inbox := s.connection()
	if conn == nil || s.Phase() != PhaseAcknowledged {
		return
	}
	now := time.Now()

drain:
	for i := 0; i < n.cfg.MaxMessagesPerTask; i++ {
		select {
		case in := <-inbox:
			if in.err != nil {
				n.readFailed(s, in.err)
				return
			}
			n.handleMessage(s, in.msg, now)
		default:
			break drain
		}
	}

	if s.IsGood() {
		n.fireRequests(s, now)
	}
	if err := n.flush(s, conn); err != nil {
		n.deactivate(s, "write failed", err)
		return
	}
	if !s.IsGood() {
		n.deactivate(s, "misbehaving", nil)
		return
	}
	if n.cfg.IdleTimeout > 0 && now.Sub(s.LastMessageAt()) > n.cfg.IdleTimeout {
		n.deactivate(s, "idle", nil)
	}
}

func (n *Node) readFailed(s *Session, err error) {
	if errors.Is(err, wire.ErrFraming) {
		n.metrics.FramingErrors.Add(1)
		n.state.AddFramingError()
		if !errors.Is(err, wire.ErrTruncated) {
			s.RecordViolation(err)
		}
	}
	reason := "read failed"
	var ne net.Error
	if wire.IsTimeoutClass(err) || (errors.As(err, &ne) && ne.Timeout()) {
		reason = "unresponsive"
	}
	n.deactivate(s, reason, err)
}

func (n *Node) flush(s *Session, conn net.Conn) error {
	msgs := s.DrainOutbound()
	if len(msgs) == 0 {
		return nil
	}
	if n.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(n.cfg.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	for _, m := range msgs {
		if err := n.codec.WriteMessage(conn, m); err != nil {
			return err
		}
		n.metrics.MessagesSent.With("command", commandLabel(m.Command)).Add(1)
	}
	return nil
}

func (n *Node) deactivate(s *Session, reason string, err error) {
	now := time.Now()
	if terr := s.Transition(PhaseInactive, now); terr != nil {
		s.detach()
		return
	}
	s.detach()
	entry := n.log.WithFields(logrus.Fields{"peer": s.Addr(), "reason": reason})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("Peer disconnected")
	n.state.Publish(now, false)
}

func (n *Node) pollLoop(ctx context.Context) error {
	interval := n.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n.poll(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n.poll(now)
		}
	}
}

// poll runs one maintenance round.
func (n *Node) poll(now time.Time) {
	for _, s := range n.state.Sessions() {
		switch s.Phase() {
		case PhaseAcknowledged:
			s := s
			if err := n.pool.Execute(func() { n.service(s) }); errors.Is(err, workpool.ErrPoolStopped) {
				return
			}
		case PhaseRefused, PhaseInactive:
			if !s.CanRecycle(now) {
				continue
			}
			if s.Inbound() || n.outboundSessions() >= n.cfg.MinPeers {
				n.state.Remove(s.Addr())
				continue
			}
			if err := n.dial(s, now); err != nil {
				n.log.WithError(err).WithField("peer", s.Addr()).Debug("Failed to recycle peer")
			}
		}
	}

	n.connectMore(now)
	if pruned := n.state.Pools().Prune(now); pruned > 0 {
		n.log.WithField("count", pruned).Debug("Pruned expired unverified entries")
	}
	n.updatePeerGauge()
	n.state.Publish(now, false)
}

func (n *Node) connectMore(now time.Time) {
	need := n.cfg.MinPeers - n.outboundSessions()
	if room := n.cfg.MaxPeers - n.liveSessions(); room < need {
		need = room
	}
	if need <= 0 {
		return
	}
	for _, addr := range n.book.Candidates(need, n.state.Has) {
		s := n.newSession(addr, false)
		if err := n.state.Add(s); err != nil {
			continue
		}
		if err := n.dial(s, now); err != nil {
			n.state.Remove(addr)
			return
		}
	}
}

func (n *Node) outboundSessions() int {
	return n.state.Count(func(s *Session) bool {
		if s.Inbound() {
			return false
		}
		p := s.Phase()
		return p == PhaseTryStart || p.Connected()
	})
}

func (n *Node) liveSessions() int {
	return n.state.Count(func(s *Session) bool {
		p := s.Phase()
		return p == PhaseTryStart || p.Connected()
	})
}

func (n *Node) updatePeerGauge() {
	counts := make(map[Phase]int)
	for _, s := range n.state.Sessions() {
		counts[s.Phase()]++
	}
	for p := PhaseUnknown; p <= PhaseInactive; p++ {
		n.metrics.Peers.With("phase", p.String()).Set(float64(counts[p]))
	}
}
