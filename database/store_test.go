package database

import (
	"errors"
	"testing"

	"chainsync-core/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeChain builds n linked blocks starting at height 0.
func makeChain(n int) []*wire.Block {
	blocks := make([]*wire.Block, 0, n)
	var prev wire.Hash
	for i := 0; i < n; i++ {
		b := wire.NewBlock(&wire.Header{
			PrevHash:  prev,
			Timestamp: uint32(1500000000 + i),
			Height:    uint32(i),
		})
		b.AddTransaction([]byte{byte(i), 0xde, 0xad})
		blocks = append(blocks, b)
		prev = b.Hash()
	}
	return blocks
}

func TestBoltStore(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.GetBlockWithMaxIndex()
	assert.ErrorIs(t, err, ErrBlockNotFound)

	chain := makeChain(3)
	for _, b := range chain {
		require.NoError(t, store.Put(b))
	}

	count, err := store.GetBlockCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	tip, err := store.GetBlockWithMaxIndex()
	require.NoError(t, err)
	assert.Equal(t, chain[2].Hash(), tip.Hash())

	got, err := store.GetBlockByHeight(1)
	require.NoError(t, err)
	assert.Equal(t, chain[1].Hash(), got.Hash())
	assert.Equal(t, chain[1].Transactions, got.Transactions)

	got, err = store.GetBlockByHash(chain[0].Hash())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got.Height())

	ok, err := store.ContainsHash(chain[2].Hash())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.ContainsHash(wire.Hash{0xff})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.GetBlockByHeight(10)
	assert.ErrorIs(t, err, ErrBlockNotFound)

	size, err := store.GetFileSize()
	require.NoError(t, err)
	assert.Greater(t, size, uint64(0))
}

func TestBoltStoreReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	chain := makeChain(2)
	for _, b := range chain {
		require.NoError(t, store.Put(b))
	}
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()
	tip, err := store.GetBlockWithMaxIndex()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tip.Height())
}

func TestHeightKeysSortNumerically(t *testing.T) {
	assert.Less(t, string(heightKey(9)), string(heightKey(10)))
	assert.Less(t, string(heightKey(255)), string(heightKey(256)))

	h, err := parseHeightKey(heightKey(70000))
	require.NoError(t, err)
	assert.Equal(t, uint32(70000), h)
}

// countingStore counts reads that reach it.
type countingStore struct {
	BlockStore
	reads int
}

func (c *countingStore) GetBlockByHash(hash wire.Hash) (*wire.Block, error) {
	c.reads++
	return c.BlockStore.GetBlockByHash(hash)
}

func (c *countingStore) GetBlockByHeight(height uint32) (*wire.Block, error) {
	c.reads++
	return c.BlockStore.GetBlockByHeight(height)
}

func TestCachedStoreServesRepeatedReads(t *testing.T) {
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	base := &countingStore{BlockStore: bolt}
	cached, err := NewCachedStore(base, 16)
	require.NoError(t, err)
	defer cached.Close()

	chain := makeChain(2)
	require.NoError(t, bolt.Put(chain[0]))

	for i := 0; i < 3; i++ {
		b, err := cached.GetBlockByHeight(0)
		require.NoError(t, err)
		assert.Equal(t, chain[0].Hash(), b.Hash())
	}
	assert.Equal(t, 1, base.reads)

	_, err = cached.GetBlockByHash(chain[0].Hash())
	require.NoError(t, err)
	assert.Equal(t, 1, base.reads)

	// Put through the cache populates it.
	require.NoError(t, cached.Put(chain[1]))
	_, err = cached.GetBlockByHash(chain[1].Hash())
	require.NoError(t, err)
	assert.Equal(t, 1, base.reads)

	_, err = cached.GetBlockByHeight(5)
	assert.ErrorIs(t, err, ErrBlockNotFound)
	assert.Equal(t, 2, base.reads)
}

type failingStore struct {
	BlockStore
}

func (failingStore) Put(*wire.Block) error { return errors.New("disk full") }

func TestMeteredStorePassesThrough(t *testing.T) {
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	store := NewMeteredStore(bolt, NopMetrics())
	defer store.Close()

	chain := makeChain(1)
	require.NoError(t, store.Put(chain[0]))
	tip, err := store.GetBlockWithMaxIndex()
	require.NoError(t, err)
	assert.Equal(t, chain[0].Hash(), tip.Hash())

	failing := NewMeteredStore(failingStore{bolt}, nil)
	assert.EqualError(t, failing.Put(chain[0]), "disk full")
}

func TestOpenComposesLayers(t *testing.T) {
	store, err := Open(t.TempDir(), 8, NopMetrics())
	require.NoError(t, err)
	defer store.Close()

	metered, ok := store.(*MeteredStore)
	require.True(t, ok)
	_, ok = metered.base.(*CachedStore)
	assert.True(t, ok)
}
