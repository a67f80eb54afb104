package syncpool

import (
	"time"

	"chainsync-core/wire"

	"github.com/google/btree"
)

// entry is one unverified header or block.
type entry struct {
	height  uint32
	hash    wire.Hash
	prev    wire.Hash
	seq     uint64
	arrived time.Time

	header *wire.Header
	block  *wire.Block
}

// Less orders entries by height then hash.
func (e *entry) Less(than btree.Item) bool {
	o := than.(*entry)
	if e.height != o.height {
		return e.height < o.height
	}
	return e.hash.Less(o.hash)
}

// pending is an unverified set ordered by (height, hash).  seq records
// arrival order so competing entries at one height resolve first come,
// first served.
type pending struct {
	kind string
	tree *btree.BTree
	seq  uint64
	max  int
}

func newPending(kind string, max int) *pending {
	return &pending{kind: kind, tree: btree.New(32), max: max}
}

func (p *pending) len() int { return p.tree.Len() }

func (p *pending) has(height uint32, hash wire.Hash) bool {
	return p.tree.Has(&entry{height: height, hash: hash})
}

// insert adds e unless an entry with the same key exists.  It reports
// whether e was added.
func (p *pending) insert(e *entry) bool {
	if p.tree.Has(e) {
		return false
	}
	p.seq++
	e.seq = p.seq
	p.tree.ReplaceOrInsert(e)
	return true
}

func (p *pending) remove(e *entry) {
	p.tree.Delete(e)
}

// candidate returns the earliest arrival at height whose parent is prev.
func (p *pending) candidate(height uint32, prev wire.Hash) *entry {
	var best *entry
	p.atHeight(height, func(e *entry) bool {
		if e.prev == prev && (best == nil || e.seq < best.seq) {
			best = e
		}
		return true
	})
	return best
}

// atHeight visits every entry at height in hash order.
func (p *pending) atHeight(height uint32, fn func(e *entry) bool) {
	lo := &entry{height: height}
	if height == ^uint32(0) {
		p.tree.AscendGreaterOrEqual(lo, func(i btree.Item) bool { return fn(i.(*entry)) })
		return
	}
	hi := &entry{height: height + 1}
	p.tree.AscendRange(lo, hi, func(i btree.Item) bool { return fn(i.(*entry)) })
}

// removeUpTo removes every entry at or below height and returns the count.
func (p *pending) removeUpTo(height int64) int {
	if height < 0 {
		return 0
	}
	var stale []btree.Item
	p.tree.Ascend(func(i btree.Item) bool {
		if int64(i.(*entry).height) > height {
			return false
		}
		stale = append(stale, i)
		return true
	})
	for _, i := range stale {
		p.tree.Delete(i)
	}
	return len(stale)
}

// removeOlderThan removes entries that arrived before cutoff.
func (p *pending) removeOlderThan(cutoff time.Time) int {
	var old []btree.Item
	p.tree.Ascend(func(i btree.Item) bool {
		if i.(*entry).arrived.Before(cutoff) {
			old = append(old, i)
		}
		return true
	})
	for _, i := range old {
		p.tree.Delete(i)
	}
	return len(old)
}

// trim evicts the highest entries until the set is within its cap.
func (p *pending) trim() int {
	if p.max <= 0 {
		return 0
	}
	n := 0
	for p.tree.Len() > p.max {
		p.tree.DeleteMax()
		n++
	}
	return n
}
