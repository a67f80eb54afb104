// Package database persists committed blocks.  The sync engine only ever
// calls Put with structurally chained blocks in increasing height order.
package database

import (
	"errors"

	"chainsync-core/wire"
)

// ErrBlockNotFound is returned by lookups that find nothing.
var ErrBlockNotFound = errors.New("block not found")

// BlockStore is the storage contract consumed by the sync engine.
type BlockStore interface {
	Put(block *wire.Block) error
	ContainsHash(hash wire.Hash) (bool, error)
	GetBlockByHeight(height uint32) (*wire.Block, error)
	GetBlockByHash(hash wire.Hash) (*wire.Block, error)
	GetBlockCount() (uint64, error)
	// GetBlockWithMaxIndex returns the highest stored block, or
	// ErrBlockNotFound when the store is empty.
	GetBlockWithMaxIndex() (*wire.Block, error)
	GetFileSize() (uint64, error)
	Close() error
}

// Open builds the default store stack for dataDir: a bolt file wrapped by an
// LRU cache of cacheSize entries, wrapped by a metrics layer.
func Open(dataDir string, cacheSize int, metrics *Metrics) (BlockStore, error) {
	bolt, err := NewBoltStore(dataDir)
	if err != nil {
		return nil, err
	}
	var store BlockStore = bolt
	if cacheSize > 0 {
		cached, err := NewCachedStore(bolt, cacheSize)
		if err != nil {
			bolt.Close()
			return nil, err
		}
		store = cached
	}
	if metrics != nil {
		store = NewMeteredStore(store, metrics)
	}
	return store, nil
}
