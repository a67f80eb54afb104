package database

import (
	"chainsync-core/wire"

	lru "github.com/hashicorp/golang-lru"
)

// CachedStore serves repeated reads from two LRU caches, one by hash and
// one by height, in front of another store.
type CachedStore struct {
	BlockStore

	byHash   *lru.Cache
	byHeight *lru.Cache
}

// NewCachedStore wraps base with caches holding up to size blocks each.
func NewCachedStore(base BlockStore, size int) (*CachedStore, error) {
	byHash, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	byHeight, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{BlockStore: base, byHash: byHash, byHeight: byHeight}, nil
}

// Put writes through to the base store and caches block on success.
func (c *CachedStore) Put(block *wire.Block) error {
	if err := c.BlockStore.Put(block); err != nil {
		return err
	}
	c.add(block)
	return nil
}

// ContainsHash checks the cache before the base store.
func (c *CachedStore) ContainsHash(hash wire.Hash) (bool, error) {
	if c.byHash.Contains(hash) {
		return true, nil
	}
	return c.BlockStore.ContainsHash(hash)
}

// GetBlockByHash implements BlockStore.
func (c *CachedStore) GetBlockByHash(hash wire.Hash) (*wire.Block, error) {
	if v, ok := c.byHash.Get(hash); ok {
		return v.(*wire.Block), nil
	}
	block, err := c.BlockStore.GetBlockByHash(hash)
	if err != nil {
		return nil, err
	}
	c.add(block)
	return block, nil
}

// GetBlockByHeight implements BlockStore.
func (c *CachedStore) GetBlockByHeight(height uint32) (*wire.Block, error) {
	if v, ok := c.byHeight.Get(height); ok {
		return v.(*wire.Block), nil
	}
	block, err := c.BlockStore.GetBlockByHeight(height)
	if err != nil {
		return nil, err
	}
	c.add(block)
	return block, nil
}

// Close purges the caches and closes the base store.
func (c *CachedStore) Close() error {
	c.byHash.Purge()
	c.byHeight.Purge()
	return c.BlockStore.Close()
}

func (c *CachedStore) add(block *wire.Block) {
	c.byHash.Add(block.Hash(), block)
	c.byHeight.Add(block.Height(), block)
}
