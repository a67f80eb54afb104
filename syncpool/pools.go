// Package syncpool reconciles headers and blocks arriving out of order from
// many peers into one contiguous chain committed to storage in height order.
package syncpool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"chainsync-core/database"
	"chainsync-core/monitor"
	"chainsync-core/wire"

	"github.com/sirupsen/logrus"
)

// Defaults for the eviction policy.
const (
	DefaultRetention            = 10 * time.Minute
	DefaultMaxUnverifiedHeaders = 20000
	DefaultMaxUnverifiedBlocks  = 2000

	// locatorDense is how many consecutive hashes start a locator before
	// the step starts doubling.
	locatorDense = 10
)

// ErrChainLink is returned when an entry names a verified parent but sits at
// the wrong height.  The entry is dropped.
var ErrChainLink = errors.New("chain link error")

// Store is the subset of the block store the pools need.
type Store interface {
	Put(block *wire.Block) error
	GetBlockWithMaxIndex() (*wire.Block, error)
}

// Tip is the last verified entry of a chain.  Height is -1 and Hash the
// genesis predecessor while the chain is empty.
type Tip struct {
	Height int64
	Hash   wire.Hash
}

// Option configures Pools.
type Option func(*Pools)

// WithRetention sets how long an unverified entry may wait for its parent.
func WithRetention(d time.Duration) Option {
	return func(p *Pools) { p.retention = d }
}

// WithMaxUnverified caps the unverified header and block sets.  Zero means
// unbounded.
func WithMaxUnverified(headers, blocks int) Option {
	return func(p *Pools) {
		p.headers.max = headers
		p.blocks.max = blocks
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pools) { p.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(p *Pools) { p.metrics = m }
}

// Pools holds the verified header chain and the unverified headers and
// blocks.  One mutex covers every insert together with the promotion pass it
// triggers.
type Pools struct {
	mu sync.Mutex

	store       Store
	genesisPrev wire.Hash
	retention   time.Duration

	// verified header chain, contiguous from the first height held
	byHeight  map[uint32]wire.Hash
	byHash    map[wire.Hash]uint32
	headerTip Tip
	blockTip  Tip

	headers *pending
	blocks  *pending

	promoted  uint64
	evicted   uint64
	linkFails uint64

	log     logrus.FieldLogger
	metrics *Metrics
}

// New creates the pools and resumes from the highest block in store.
func New(store Store, genesisPrev wire.Hash, opts ...Option) (*Pools, error) {
	p := &Pools{
		store:       store,
		genesisPrev: genesisPrev,
		retention:   DefaultRetention,
		byHeight:    make(map[uint32]wire.Hash),
		byHash:      make(map[wire.Hash]uint32),
		headers:     newPending("header", DefaultMaxUnverifiedHeaders),
		blocks:      newPending("block", DefaultMaxUnverifiedBlocks),
		log:         logrus.StandardLogger(),
		metrics:     NopMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithField("module", "syncpool")

	tip := Tip{Height: -1, Hash: genesisPrev}
	top, err := store.GetBlockWithMaxIndex()
	switch {
	case errors.Is(err, database.ErrBlockNotFound):
	case err != nil:
		return nil, fmt.Errorf("load chain tip: %w", err)
	default:
		tip = Tip{Height: int64(top.Height()), Hash: top.Hash()}
		p.addVerified(top.Height(), tip.Hash)
	}
	p.headerTip = tip
	p.blockTip = tip
	p.metrics.HeaderHeight.Set(float64(tip.Height))
	p.metrics.BlockHeight.Set(float64(tip.Height))
	return p, nil
}

// AddHeaders inserts headers and promotes every header that now chains onto
// the verified tip.  It returns the number promoted.  A chain link error on
// any header is returned after the rest have been processed.
func (p *Pools) AddHeaders(headers []*wire.Header, now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, h := range headers {
		e := &entry{
			height:  h.Height,
			hash:    h.Hash(),
			prev:    h.PrevHash,
			arrived: now,
			header:  h,
		}
		if err := p.insert(p.headers, e, p.headerTip); err != nil {
			errs = append(errs, err)
		}
	}
	n := p.promoteHeaders()
	p.evict(p.headers, p.headers.trim(), "overflow")
	p.updateGauges()
	return n, errors.Join(errs...)
}

// AddBlock inserts block and commits every block that now chains onto the
// block tip, in height order.  A store failure stops the pass and leaves
// the failing block unverified.
func (p *Pools) AddBlock(block *wire.Block, now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := &entry{
		height:  block.Height(),
		hash:    block.Hash(),
		prev:    block.PrevHash(),
		arrived: now,
		block:   block,
	}
	err := p.insert(p.blocks, e, p.blockTip)

	n, perr := p.promoteBlocks()
	if perr != nil {
		err = errors.Join(err, perr)
	}
	p.promoteHeaders()
	p.evict(p.blocks, p.blocks.trim(), "overflow")
	p.updateGauges()
	return n, err
}

// insert checks e against the verified chain and queues it.
func (p *Pools) insert(set *pending, e *entry, tip Tip) error {
	if int64(e.height) <= tip.Height {
		p.evict(set, 1, "stale")
		return nil
	}
	if parent, ok := p.verifiedHeight(e.prev); ok && int64(e.height) != parent+1 {
		p.linkFails++
		p.metrics.ChainLinkErrors.Add(1)
		p.log.WithFields(logrus.Fields{
			"kind":   set.kind,
			"height": e.height,
			"hash":   e.hash,
			"parent": parent,
		}).Warn("Dropping entry linked to a parent at the wrong height")
		return fmt.Errorf("%w: %s %s at height %d has parent at height %d",
			ErrChainLink, set.kind, e.hash, e.height, parent)
	}
	if !set.insert(e) {
		p.evict(set, 1, "duplicate")
	}
	return nil
}

// verifiedHeight returns the height of a verified hash.  The genesis
// predecessor is at height -1.
func (p *Pools) verifiedHeight(hash wire.Hash) (int64, bool) {
	if h, ok := p.byHash[hash]; ok {
		return int64(h), true
	}
	if hash == p.genesisPrev {
		if _, ok := p.byHeight[0]; ok || p.headerTip.Height < 0 {
			return -1, true
		}
	}
	return 0, false
}

func (p *Pools) addVerified(height uint32, hash wire.Hash) {
	p.byHeight[height] = hash
	p.byHash[hash] = height
}

func (p *Pools) promoteHeaders() int {
	n := 0
	for {
		next := uint32(p.headerTip.Height + 1)
		e := p.headers.candidate(next, p.headerTip.Hash)
		if e == nil {
			break
		}
		p.headers.remove(e)
		p.addVerified(e.height, e.hash)
		p.headerTip = Tip{Height: int64(e.height), Hash: e.hash}
		n++
	}
	if n > 0 {
		p.promoted += uint64(n)
		p.metrics.Promoted.With("kind", "header").Add(float64(n))
		p.log.WithFields(logrus.Fields{
			"count":  n,
			"height": p.headerTip.Height,
		}).Debug("Promoted headers")
	}
	p.evict(p.headers, p.headers.removeUpTo(p.headerTip.Height), "stale")
	return n
}

func (p *Pools) promoteBlocks() (int, error) {
	n := 0
	var err error
	for {
		next := uint32(p.blockTip.Height + 1)
		e := p.blocks.candidate(next, p.blockTip.Hash)
		if e == nil {
			break
		}
		if want, ok := p.byHeight[next]; ok && want != e.hash {
			// A different header already won this height.
			p.blocks.remove(e)
			p.evict(p.blocks, 1, "fork")
			continue
		}
		if err = p.store.Put(e.block); err != nil {
			p.log.WithFields(logrus.Fields{
				"height": e.height,
				"hash":   e.hash,
				"err":    err,
			}).Error("Failed to store block")
			err = fmt.Errorf("store block %d: %w", e.height, err)
			break
		}
		p.blocks.remove(e)
		if p.headerTip.Height < int64(e.height) {
			p.addVerified(e.height, e.hash)
			p.headerTip = Tip{Height: int64(e.height), Hash: e.hash}
		}
		p.blockTip = Tip{Height: int64(e.height), Hash: e.hash}
		n++
	}
	if n > 0 {
		p.promoted += uint64(n)
		p.metrics.Promoted.With("kind", "block").Add(float64(n))
		p.log.WithFields(logrus.Fields{
			"count":  n,
			"height": p.blockTip.Height,
			"hash":   p.blockTip.Hash,
		}).Info("Committed blocks")
	}
	p.evict(p.blocks, p.blocks.removeUpTo(p.blockTip.Height), "stale")
	return n, err
}

func (p *Pools) evict(set *pending, n int, reason string) {
	if n == 0 {
		return
	}
	p.evicted += uint64(n)
	p.metrics.Evicted.With("kind", set.kind, "reason", reason).Add(float64(n))
}

func (p *Pools) updateGauges() {
	p.metrics.HeaderHeight.Set(float64(p.headerTip.Height))
	p.metrics.BlockHeight.Set(float64(p.blockTip.Height))
	p.metrics.Unverified.With("kind", "header").Set(float64(p.headers.len()))
	p.metrics.Unverified.With("kind", "block").Set(float64(p.blocks.len()))
}

// Prune evicts unverified entries that have waited longer than the
// retention period.  It returns the number evicted.
func (p *Pools) Prune(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := now.Add(-p.retention)
	h := p.headers.removeOlderThan(cutoff)
	b := p.blocks.removeOlderThan(cutoff)
	p.evict(p.headers, h, "expired")
	p.evict(p.blocks, b, "expired")
	p.updateGauges()
	return h + b
}

// HeaderTip returns the verified header tip.
func (p *Pools) HeaderTip() Tip {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.headerTip
}

// BlockTip returns the committed block tip.
func (p *Pools) BlockTip() Tip {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockTip
}

// HeaderAt returns the verified header hash at height.
func (p *Pools) HeaderAt(height uint32) (wire.Hash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.byHeight[height]
	return h, ok
}

// IsVerified reports whether hash is on the verified header chain.
func (p *Pools) IsVerified(hash wire.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[hash]
	return ok
}

// MissingBlocks returns up to max verified header hashes above the block
// tip whose block is not yet held, lowest first.
func (p *Pools) MissingBlocks(max int) []wire.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []wire.Hash
	for h := p.blockTip.Height + 1; h <= p.headerTip.Height && len(out) < max; h++ {
		hash, ok := p.byHeight[uint32(h)]
		if !ok {
			break
		}
		if !p.blocks.has(uint32(h), hash) {
			out = append(out, hash)
		}
	}
	return out
}

// Locator returns verified header hashes from the tip backwards, dense at
// first and then with doubling gaps, for a getheaders request.
func (p *Pools) Locator() []wire.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.headerTip.Height < 0 {
		return []wire.Hash{p.genesisPrev}
	}
	var out []wire.Hash
	step := int64(1)
	for h := p.headerTip.Height; h >= 0 && len(out) < wire.MaxLocatorHashes; h -= step {
		hash, ok := p.byHeight[uint32(h)]
		if !ok {
			break
		}
		out = append(out, hash)
		if len(out) >= locatorDense {
			step *= 2
		}
	}
	return out
}

// Stats returns a snapshot for monitoring.
func (p *Pools) Stats() monitor.SyncSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return monitor.SyncSnapshot{
		HeaderHeight:      p.headerTip.Height,
		HeaderTip:         p.headerTip.Hash.String(),
		BlockHeight:       p.blockTip.Height,
		BlockTip:          p.blockTip.Hash.String(),
		UnverifiedHeaders: p.headers.len(),
		UnverifiedBlocks:  p.blocks.len(),
		Promoted:          p.promoted,
		Evicted:           p.evicted,
		ChainLinkErrors:   p.linkFails,
	}
}
