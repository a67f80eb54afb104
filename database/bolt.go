package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"chainsync-core/wire"

	"github.com/google/orderedcode"
	"go.etcd.io/bbolt"
)

const (
	defaultDbFile = "chainsync.db"
	blocksBucket  = "blocks"
	heightsBucket = "heights"
)

// BoltStore keeps blocks in a bbolt file.  Blocks are stored by hash and
// indexed by height with order-preserving keys so the last key of the
// heights bucket is the tip.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens or creates the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dataDir, defaultDbFile), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open block database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{blocksBucket, heightsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt database.
func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

func heightKey(height uint32) []byte {
	key, err := orderedcode.Append(nil, uint64(height))
	if err != nil {
		panic(err)
	}
	return key
}

func parseHeightKey(key []byte) (uint32, error) {
	var height uint64
	remaining, err := orderedcode.Parse(string(key), &height)
	if err != nil {
		return 0, err
	}
	if remaining != "" {
		return 0, fmt.Errorf("invalid height key %x", key)
	}
	return uint32(height), nil
}

// Put stores block and points its height at it.
func (s *BoltStore) Put(block *wire.Block) error {
	hash := block.Hash()
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(blocksBucket)).Put(hash[:], block.Bytes()); err != nil {
			return err
		}
		return tx.Bucket([]byte(heightsBucket)).Put(heightKey(block.Height()), hash[:])
	})
}

// ContainsHash reports whether a block with hash is stored.
func (s *BoltStore) ContainsHash(hash wire.Hash) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(blocksBucket)).Get(hash[:]) != nil
		return nil
	})
	return found, err
}

// GetBlockByHash loads the block with hash.
func (s *BoltStore) GetBlockByHash(hash wire.Hash) (*wire.Block, error) {
	var block *wire.Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		block, err = getBlock(tx, hash[:])
		return err
	})
	return block, err
}

// GetBlockByHeight loads the block committed at height.
func (s *BoltStore) GetBlockByHeight(height uint32) (*wire.Block, error) {
	var block *wire.Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		hash := tx.Bucket([]byte(heightsBucket)).Get(heightKey(height))
		if hash == nil {
			return ErrBlockNotFound
		}
		var err error
		block, err = getBlock(tx, hash)
		return err
	})
	return block, err
}

// GetBlockCount returns the number of committed heights.
func (s *BoltStore) GetBlockCount() (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = uint64(tx.Bucket([]byte(heightsBucket)).Stats().KeyN)
		return nil
	})
	return n, err
}

// GetBlockWithMaxIndex returns the highest committed block.
func (s *BoltStore) GetBlockWithMaxIndex() (*wire.Block, error) {
	var block *wire.Block
	err := s.db.View(func(tx *bbolt.Tx) error {
		key, hash := tx.Bucket([]byte(heightsBucket)).Cursor().Last()
		if key == nil {
			return ErrBlockNotFound
		}
		if _, err := parseHeightKey(key); err != nil {
			return err
		}
		var err error
		block, err = getBlock(tx, hash)
		return err
	})
	return block, err
}

// GetFileSize returns the size of the database file in bytes.
func (s *BoltStore) GetFileSize() (uint64, error) {
	var size int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return uint64(size), err
}

func getBlock(tx *bbolt.Tx, hash []byte) (*wire.Block, error) {
	data := tx.Bucket([]byte(blocksBucket)).Get(hash)
	if data == nil {
		return nil, ErrBlockNotFound
	}
	block, err := wire.DecodeBlock(data)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("corrupt block %x", hash), err)
	}
	return block, nil
}
