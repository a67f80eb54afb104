package syncpool

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"chainsync-core/database"
	"chainsync-core/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var genesisPrev = wire.Hash{}

type memStore struct {
	mu   sync.Mutex
	puts []uint32
	tip  *wire.Block
	fail error
}

func (s *memStore) Put(b *wire.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.puts = append(s.puts, b.Height())
	s.tip = b
	return nil
}

func (s *memStore) GetBlockWithMaxIndex() (*wire.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tip == nil {
		return nil, database.ErrBlockNotFound
	}
	return s.tip, nil
}

func (s *memStore) heights() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.puts...)
}

// buildChain returns n blocks linked from prev starting at height start.
// salt varies the timestamps so different salts yield competing forks.
func buildChain(prev wire.Hash, start uint32, n int, salt uint32) []*wire.Block {
	out := make([]*wire.Block, 0, n)
	for i := 0; i < n; i++ {
		b := wire.NewBlock(&wire.Header{
			PrevHash:  prev,
			Timestamp: 1500000000 + salt*1000 + uint32(i),
			Height:    start + uint32(i),
		})
		out = append(out, b)
		prev = b.Hash()
	}
	return out
}

func headersOf(blocks []*wire.Block) []*wire.Header {
	out := make([]*wire.Header, len(blocks))
	for i, b := range blocks {
		h := b.Header
		out[i] = &h
	}
	return out
}

func newPools(t *testing.T, store Store, opts ...Option) *Pools {
	t.Helper()
	p, err := New(store, genesisPrev, opts...)
	require.NoError(t, err)
	return p
}

var now = time.Unix(1500000000, 0)

func TestOutOfOrderBlocksPromoteInHeightOrder(t *testing.T) {
	store := &memStore{}
	p := newPools(t, store)
	chain := buildChain(genesisPrev, 0, 6, 0)

	for _, b := range chain[:4] {
		n, err := p.AddBlock(b, now)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	require.Equal(t, []uint32{0, 1, 2, 3}, store.heights())

	n, err := p.AddBlock(chain[5], now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, store.heights(), 4)
	assert.Equal(t, 1, p.Stats().UnverifiedBlocks)

	n, err = p.AddBlock(chain[4], now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint32{4, 5}, store.heights()[4:])
	assert.Equal(t, Tip{Height: 5, Hash: chain[5].Hash()}, p.BlockTip())
	assert.Equal(t, 0, p.Stats().UnverifiedBlocks)
}

func TestHeadersCascadeAndMissingBlocks(t *testing.T) {
	store := &memStore{}
	p := newPools(t, store)
	chain := buildChain(genesisPrev, 0, 3, 0)
	hdrs := headersOf(chain)

	n, err := p.AddHeaders([]*wire.Header{hdrs[2], hdrs[1]}, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(-1), p.HeaderTip().Height)

	n, err = p.AddHeaders([]*wire.Header{hdrs[0]}, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, Tip{Height: 2, Hash: chain[2].Hash()}, p.HeaderTip())
	assert.Empty(t, store.heights())

	assert.Equal(t, []wire.Hash{chain[0].Hash(), chain[1].Hash(), chain[2].Hash()}, p.MissingBlocks(10))
	assert.Equal(t, []wire.Hash{chain[0].Hash()}, p.MissingBlocks(1))

	_, err = p.AddBlock(chain[2], now)
	require.NoError(t, err)
	assert.Equal(t, []wire.Hash{chain[0].Hash(), chain[1].Hash()}, p.MissingBlocks(10))

	_, err = p.AddBlock(chain[0], now)
	require.NoError(t, err)
	n, err = p.AddBlock(chain[1], now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint32{0, 1, 2}, store.heights())
	assert.Empty(t, p.MissingBlocks(10))

	hash, ok := p.HeaderAt(1)
	require.True(t, ok)
	assert.Equal(t, chain[1].Hash(), hash)
	assert.True(t, p.IsVerified(chain[2].Hash()))
}

func TestChainLinkErrorDropsEntry(t *testing.T) {
	p := newPools(t, &memStore{})
	chain := buildChain(genesisPrev, 0, 2, 0)
	_, err := p.AddHeaders(headersOf(chain), now)
	require.NoError(t, err)

	bad := &wire.Header{PrevHash: chain[0].Hash(), Height: 5, Timestamp: 1}
	n, err := p.AddHeaders([]*wire.Header{bad}, now)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrChainLink)

	stats := p.Stats()
	assert.Equal(t, 0, stats.UnverifiedHeaders)
	assert.Equal(t, uint64(1), stats.ChainLinkErrors)
	assert.Equal(t, int64(1), stats.HeaderHeight)

	// Genesis predecessor counts as height -1.
	_, err = p.AddBlock(wire.NewBlock(&wire.Header{PrevHash: genesisPrev, Height: 3}), now)
	assert.ErrorIs(t, err, ErrChainLink)
}

func TestStaleEntriesAreEvicted(t *testing.T) {
	store := &memStore{}
	p := newPools(t, store)
	chain := buildChain(genesisPrev, 0, 3, 0)
	for _, b := range chain {
		_, err := p.AddBlock(b, now)
		require.NoError(t, err)
	}

	n, err := p.AddBlock(chain[1], now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = p.AddHeaders(headersOf(chain[:2]), now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stats := p.Stats()
	assert.Equal(t, 0, stats.UnverifiedBlocks)
	assert.Equal(t, 0, stats.UnverifiedHeaders)
	assert.Equal(t, uint64(3), stats.Evicted)
	assert.Equal(t, []uint32{0, 1, 2}, store.heights())
}

func TestPutFailureKeepsEntryUnverified(t *testing.T) {
	store := &memStore{fail: errors.New("disk full")}
	p := newPools(t, store)
	chain := buildChain(genesisPrev, 0, 2, 0)

	n, err := p.AddBlock(chain[0], now)
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(-1), p.BlockTip().Height)
	assert.Equal(t, 1, p.Stats().UnverifiedBlocks)

	store.mu.Lock()
	store.fail = nil
	store.mu.Unlock()

	n, err = p.AddBlock(chain[1], now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint32{0, 1}, store.heights())
}

func TestFirstArrivalWinsAtSameHeight(t *testing.T) {
	p := newPools(t, &memStore{})
	a := buildChain(genesisPrev, 0, 1, 1)[0]
	b := buildChain(genesisPrev, 0, 1, 2)[0]
	require.NotEqual(t, a.Hash(), b.Hash())

	first, second := &b.Header, &a.Header
	n, err := p.AddHeaders([]*wire.Header{first, second}, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, b.Hash(), p.HeaderTip().Hash)

	// The losing block is dropped instead of committed.
	n, err = p.AddBlock(a, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(-1), p.BlockTip().Height)
	assert.Equal(t, 0, p.Stats().UnverifiedBlocks)

	n, err = p.AddBlock(b, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPruneEvictsExpiredEntries(t *testing.T) {
	p := newPools(t, &memStore{}, WithRetention(time.Minute))
	chain := buildChain(genesisPrev, 0, 4, 0)

	_, err := p.AddBlock(chain[3], now)
	require.NoError(t, err)
	_, err = p.AddBlock(chain[2], now.Add(50*time.Second))
	require.NoError(t, err)

	assert.Equal(t, 0, p.Prune(now.Add(30*time.Second)))
	assert.Equal(t, 1, p.Prune(now.Add(90*time.Second)))
	assert.Equal(t, 1, p.Stats().UnverifiedBlocks)
}

func TestOverflowEvictsHighestEntries(t *testing.T) {
	store := &memStore{}
	p := newPools(t, store, WithMaxUnverified(0, 2))
	chain := buildChain(genesisPrev, 0, 6, 0)

	for _, b := range chain[3:] {
		_, err := p.AddBlock(b, now)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p.Stats().UnverifiedBlocks)

	for _, b := range chain[:3] {
		_, err := p.AddBlock(b, now)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(4), p.BlockTip().Height)
}

func TestResumeFromStore(t *testing.T) {
	chain := buildChain(genesisPrev, 0, 4, 0)
	store := &memStore{tip: chain[2]}
	p := newPools(t, store)

	assert.Equal(t, Tip{Height: 2, Hash: chain[2].Hash()}, p.BlockTip())
	assert.Equal(t, p.BlockTip(), p.HeaderTip())

	n, err := p.AddBlock(chain[3], now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint32{3}, store.heights())
}

type brokenStore struct{ memStore }

func (*brokenStore) GetBlockWithMaxIndex() (*wire.Block, error) {
	return nil, errors.New("io error")
}

func TestNewFailsOnStoreError(t *testing.T) {
	_, err := New(&brokenStore{}, genesisPrev)
	assert.Error(t, err)
}

func TestLocator(t *testing.T) {
	p := newPools(t, &memStore{})
	assert.Equal(t, []wire.Hash{genesisPrev}, p.Locator())

	chain := buildChain(genesisPrev, 0, 30, 0)
	_, err := p.AddHeaders(headersOf(chain), now)
	require.NoError(t, err)

	loc := p.Locator()
	require.Len(t, loc, 13)
	assert.Equal(t, chain[29].Hash(), loc[0])
	assert.Equal(t, chain[20].Hash(), loc[9])
	assert.Equal(t, chain[18].Hash(), loc[10])
	assert.Equal(t, chain[6].Hash(), loc[12])
}

func TestConcurrentInsertsCommitInOrder(t *testing.T) {
	store := &memStore{}
	p := newPools(t, store)
	chain := buildChain(genesisPrev, 0, 200, 0)

	order := rand.New(rand.NewSource(7)).Perm(len(chain))
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(order); i += 8 {
				if _, err := p.AddBlock(chain[order[i]], now); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	puts := store.heights()
	require.Len(t, puts, len(chain))
	for i, h := range puts {
		assert.Equal(t, uint32(i), h)
	}
}
