package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"chainsync-core/chaincfg"
	"chainsync-core/database"
	"chainsync-core/monitor"
	"chainsync-core/syncpool"
	"chainsync-core/wire"
	"chainsync-core/workpool"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMagic = 0x00746e52

type testNode struct {
	*Node
	store  database.BlockStore
	params *chaincfg.Params
	bus    *monitor.Bus
}

func newTestNode(t *testing.T, blocks []*wire.Block, opts ...NodeOption) *testNode {
	t.Helper()
	params := chaincfg.RegTestParams
	require.Equal(t, uint32(testMagic), params.Net)

	store, err := database.Open(t.TempDir(), 16, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for _, b := range blocks {
		require.NoError(t, store.Put(b))
	}

	pools, err := syncpool.New(store, params.GenesisPrevHash, syncpool.WithLogger(quietLogger()))
	require.NoError(t, err)
	bus := monitor.NewBus(quietLogger())

	cfg := DefaultConfig()
	cfg.MaxViolations = 2
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.IdleTimeout = time.Minute
	cfg.RecycleInterval = 0

	opts = append([]NodeOption{WithNodeLogger(quietLogger())}, opts...)
	n := NewNode(cfg, &params, NewSyncState(pools, bus), store, workpool.New(2, quietLogger()),
		NewAddressBook(&params, false), opts...)
	return &testNode{Node: n, store: store, params: &params, bus: bus}
}

func chainOf(prev wire.Hash, n int) []*wire.Block {
	blocks := make([]*wire.Block, 0, n)
	for h := 0; h < n; h++ {
		b := wire.NewBlock(&wire.Header{
			PrevHash:  prev,
			Timestamp: uint32(1500000000 + h),
			Height:    uint32(h),
		})
		b.AddTransaction([]byte{byte(h)})
		blocks = append(blocks, b)
		prev = b.Hash()
	}
	return blocks
}

// fakePeer is the remote end of a pipe.  After the handshake every frame it
// reads is forwarded to received.
type fakePeer struct {
	conn     net.Conn
	codec    *wire.Codec
	received chan *wire.Message
}

func newFakePeer(conn net.Conn) *fakePeer {
	codec := wire.NewCodec(testMagic)
	codec.Logger = quietLogger()
	return &fakePeer{conn: conn, codec: codec, received: make(chan *wire.Message, 256)}
}

func (p *fakePeer) handshake(nonce uint32) error {
	msg, err := p.codec.Decode(p.conn, 2*time.Second)
	if err != nil {
		return err
	}
	if msg.Command != wire.CmdVersion {
		return errors.New("expected version")
	}
	ver := &wire.Version{Services: 1, Nonce: nonce, UserAgent: "/peer:1/", StartHeight: 3}
	if err := p.codec.WriteMessage(p.conn, wire.NewMessage(testMagic, wire.CmdVersion, ver)); err != nil {
		return err
	}
	if msg, err = p.codec.Decode(p.conn, 2*time.Second); err != nil {
		return err
	}
	if msg.Command != wire.CmdVerack {
		return errors.New("expected verack")
	}
	return p.codec.WriteMessage(p.conn, wire.NewMessage(testMagic, wire.CmdVerack, nil))
}

func (p *fakePeer) readAll() {
	defer close(p.received)
	for {
		msg, err := p.codec.Decode(p.conn, 0)
		if err != nil {
			return
		}
		p.received <- msg
	}
}

func (p *fakePeer) send(t *testing.T, cmd string, payload wire.Payload) {
	t.Helper()
	require.NoError(t, p.codec.WriteMessage(p.conn, wire.NewMessage(testMagic, cmd, payload)))
}

func (p *fakePeer) expect(t *testing.T, cmd string) *wire.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-p.received:
			require.True(t, ok, "connection closed waiting for %q", cmd)
			if msg.Command == cmd {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", cmd)
		}
	}
}

// connect attaches a fake peer to the node through a pipe.
func connect(t *testing.T, n *testNode) (*Session, *fakePeer) {
	t.Helper()
	local, remote := net.Pipe()
	peer := newFakePeer(remote)
	t.Cleanup(func() { remote.Close() })

	errc := make(chan error, 1)
	go func() { errc <- peer.handshake(n.nonce + 1) }()

	s, err := n.AddConn(local, "10.0.0.5:30333", true)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	go peer.readAll()
	return s, peer
}

func TestHandshake(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t, nil)
	defer n.Stop()

	s, _ := connect(t, n)
	assert.Equal(t, PhaseAcknowledged, s.Phase())
	assert.True(t, s.IsGood())
	assert.True(t, s.IsAcknowledged())
	assert.Equal(t, "/peer:1/", s.Version())
	assert.Equal(t, uint32(3), s.StartHeight())

	snap, ok := n.bus.Last()
	require.True(t, ok)
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, "acknowledged", snap.Peers[0].Phase)
}

func TestHandshakeRejectsSelf(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t, nil)
	defer n.Stop()

	local, remote := net.Pipe()
	defer remote.Close()
	peer := newFakePeer(remote)
	go peer.handshake(n.nonce)

	s, err := n.AddConn(local, "10.0.0.6:30333", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "self")
	assert.Equal(t, PhaseRefused, s.Phase())
	assert.False(t, s.IsGood())
}

func TestHandshakeRejectsDuplicateAddress(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t, nil)
	defer n.Stop()

	connect(t, n)
	local, remote := net.Pipe()
	defer remote.Close()
	_, err := n.AddConn(local, "10.0.0.5:30333", true)
	assert.Error(t, err)
}

func TestServiceSyncsHeadersAndBlocks(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t, nil)
	defer n.Stop()

	s, peer := connect(t, n)
	chain := chainOf(n.params.GenesisPrevHash, 3)

	n.service(s)
	getHeaders := peer.expect(t, wire.CmdGetHeaders)
	locator, ok := getHeaders.Payload.(*wire.GetBlocks)
	require.True(t, ok)
	assert.Equal(t, []wire.Hash{n.params.GenesisPrevHash}, locator.HashStart)

	headers := make([]*wire.Header, 0, len(chain))
	for _, b := range chain {
		hdr := b.Header
		headers = append(headers, &hdr)
	}
	peer.send(t, wire.CmdHeaders, &wire.HeaderBatch{Headers: headers})
	require.Eventually(t, func() bool {
		n.service(s)
		return n.State().Pools().HeaderTip().Height == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Blocks arrive out of order and are committed once linked.
	for _, i := range []int{2, 0, 1} {
		peer.send(t, wire.CmdBlock, chain[i])
	}
	require.Eventually(t, func() bool {
		n.service(s)
		return n.State().Pools().BlockTip().Height == 2
	}, 5*time.Second, 10*time.Millisecond)

	count, err := n.store.GetBlockCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
	assert.True(t, s.IsGood())
}

func TestServeStoredBlocks(t *testing.T) {
	defer leaktest.Check(t)()
	params := chaincfg.RegTestParams
	chain := chainOf(params.GenesisPrevHash, 4)
	n := newTestNode(t, chain)
	defer n.Stop()

	s, peer := connect(t, n)

	peer.send(t, wire.CmdGetHeaders, wire.NewGetHeaders([]wire.Hash{chain[1].Hash()}, wire.Hash{}))
	var batch *wire.HeaderBatch
	require.Eventually(t, func() bool {
		n.service(s)
		select {
		case msg := <-peer.received:
			if msg.Command == wire.CmdHeaders {
				batch = msg.Payload.(*wire.HeaderBatch)
				return true
			}
		default:
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, batch.Headers, 2)
	assert.Equal(t, chain[2].Hash(), batch.Headers[0].Hash())
	assert.Equal(t, chain[3].Hash(), batch.Headers[1].Hash())

	peer.send(t, wire.CmdGetData, wire.NewGetData(wire.InvBlock, chain[1].Hash()))
	var block *wire.Block
	require.Eventually(t, func() bool {
		n.service(s)
		select {
		case msg := <-peer.received:
			if msg.Command == wire.CmdBlock {
				block = msg.Payload.(*wire.Block)
				return true
			}
		default:
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, chain[1].Hash(), block.Hash())
}

func TestMisbehavingPeerIsDisconnected(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t, nil)
	defer n.Stop()

	s, peer := connect(t, n)
	peer.send(t, wire.CmdVerack, nil)
	peer.send(t, wire.CmdVerack, nil)

	require.Eventually(t, func() bool {
		n.service(s)
		return s.Phase() == PhaseInactive
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, s.IsGood())
	assert.Equal(t, 2, s.Violations())
}

func TestFramingErrorDisconnects(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t, nil)
	defer n.Stop()

	s, peer := connect(t, n)
	frame, err := wire.Encode(wire.NewMessage(testMagic+1, wire.CmdVerack, nil))
	require.NoError(t, err)
	_, err = peer.conn.Write(frame)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n.service(s)
		return s.Phase() == PhaseInactive
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), n.State().Snapshot(time.Now()).Framing)
}

type pipeDialer struct {
	peers chan *fakePeer
	fail  bool
	nonce uint32
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.fail {
		return nil, errors.New("connection refused")
	}
	local, remote := net.Pipe()
	peer := newFakePeer(remote)
	go func() {
		if err := peer.handshake(d.nonce); err != nil {
			remote.Close()
			return
		}
		d.peers <- peer
	}()
	return local, nil
}

func TestConnectOutbound(t *testing.T) {
	defer leaktest.Check(t)()
	dialer := &pipeDialer{peers: make(chan *fakePeer, 1), nonce: 42}
	n := newTestNode(t, nil, WithDialer(dialer))
	defer n.Stop()

	require.NoError(t, n.Connect("10.0.0.7"))
	peer := <-dialer.peers
	defer peer.conn.Close()

	s, ok := n.State().Get("10.0.0.7:30333")
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.Phase() == PhaseAcknowledged }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, s.Inbound())
}

func TestConnectRefused(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t, nil, WithDialer(&pipeDialer{fail: true}))
	defer n.Stop()

	require.NoError(t, n.Connect("10.0.0.8:30333"))
	s, ok := n.State().Get("10.0.0.8:30333")
	require.True(t, ok)
	require.Eventually(t, func() bool { return s.Phase() == PhaseRefused }, 5*time.Second, 10*time.Millisecond)
}

func TestPollRemovesRecycledInbound(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t, nil)
	defer n.Stop()

	now := time.Now()
	s := n.newSession("10.0.0.9:30333", true)
	require.NoError(t, n.State().Add(s))
	require.NoError(t, s.Transition(PhaseTryStart, now))
	require.NoError(t, s.Transition(PhaseRefused, now))

	n.poll(now)
	assert.False(t, n.State().Has("10.0.0.9:30333"))
}

func TestStartListensAndStops(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t, nil)
	n.cfg.ListenAddr = "127.0.0.1:0"
	n.cfg.PollInterval = 10 * time.Millisecond

	require.NoError(t, n.Start(context.Background()))
	addr := n.ListenAddr()
	require.NotNil(t, addr)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	peer := newFakePeer(conn)
	require.NoError(t, peer.handshake(n.nonce+1))
	go peer.readAll()

	require.Eventually(t, func() bool {
		return n.State().Count(func(s *Session) bool { return s.Phase() == PhaseAcknowledged }) == 1
	}, 5*time.Second, 10*time.Millisecond)

	n.Stop()
	conn.Close()
	assert.Equal(t, ErrNodeStopped, n.Start(context.Background()))
}

func TestStalledFrameHitsReadTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t, nil)
	n.cfg.ReadTimeout = 100 * time.Millisecond
	defer n.Stop()

	s, peer := connect(t, n)
	frame, err := wire.Encode(wire.NewMessage(testMagic, wire.CmdVerack, nil))
	require.NoError(t, err)
	_, err = peer.conn.Write(frame[:10])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n.service(s)
		return s.Phase() == PhaseInactive
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), n.State().Snapshot(time.Now()).Framing)
}

func TestIdlePeerWithinIdleTimeoutStaysConnected(t *testing.T) {
	defer leaktest.Check(t)()
	n := newTestNode(t, nil)
	n.cfg.ReadTimeout = 50 * time.Millisecond
	defer n.Stop()

	s, _ := connect(t, n)
	time.Sleep(200 * time.Millisecond)
	n.service(s)
	assert.Equal(t, PhaseAcknowledged, s.Phase())
}
