package database

import (
	"errors"
	"time"

	"chainsync-core/wire"
)

// MeteredStore records latency and failures of every call to the wrapped
// store.  A missing block is not counted as a failure.
type MeteredStore struct {
	base    BlockStore
	metrics *Metrics
}

// NewMeteredStore wraps base.
func NewMeteredStore(base BlockStore, metrics *Metrics) *MeteredStore {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &MeteredStore{base: base, metrics: metrics}
}

func (m *MeteredStore) observe(op string, start time.Time, err error) {
	m.metrics.OpDuration.With("op", op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrBlockNotFound) {
		m.metrics.OpErrors.With("op", op).Add(1)
	}
}

func (m *MeteredStore) Put(block *wire.Block) (err error) {
	defer func(start time.Time) { m.observe("put", start, err) }(time.Now())
	return m.base.Put(block)
}

func (m *MeteredStore) ContainsHash(hash wire.Hash) (ok bool, err error) {
	defer func(start time.Time) { m.observe("contains_hash", start, err) }(time.Now())
	return m.base.ContainsHash(hash)
}

func (m *MeteredStore) GetBlockByHeight(height uint32) (b *wire.Block, err error) {
	defer func(start time.Time) { m.observe("get_by_height", start, err) }(time.Now())
	return m.base.GetBlockByHeight(height)
}

func (m *MeteredStore) GetBlockByHash(hash wire.Hash) (b *wire.Block, err error) {
	defer func(start time.Time) { m.observe("get_by_hash", start, err) }(time.Now())
	return m.base.GetBlockByHash(hash)
}

func (m *MeteredStore) GetBlockCount() (n uint64, err error) {
	defer func(start time.Time) { m.observe("block_count", start, err) }(time.Now())
	return m.base.GetBlockCount()
}

func (m *MeteredStore) GetBlockWithMaxIndex() (b *wire.Block, err error) {
	defer func(start time.Time) { m.observe("max_index", start, err) }(time.Now())
	return m.base.GetBlockWithMaxIndex()
}

func (m *MeteredStore) GetFileSize() (n uint64, err error) {
	defer func(start time.Time) { m.observe("file_size", start, err) }(time.Now())
	return m.base.GetFileSize()
}

func (m *MeteredStore) Close() error {
	return m.base.Close()
}
