package miner

import (
	"container/heap"

	"github.com/emberchain/ember/core/types"
)

// txsByPrice implements both the sort and the heap interface, making it useful
// for all at once sorting as well as individually adding and removing elements.
type txsByPrice []*types.Transaction

func (s txsByPrice) Len() int { return len(s) }
func (s txsByPrice) Less(i, j int) bool {
	// If the prices are equal, use the time the pool first saw the
	// transaction for deterministic sorting.
	cmp := s[i].GasPrice().Cmp(s[j].GasPrice())
	if cmp == 0 {
		return s[i].Time().Before(s[j].Time())
	}
	return cmp > 0
}
func (s txsByPrice) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

func (s *txsByPrice) Push(x interface{}) {
	*s = append(*s, x.(*types.Transaction))
}

func (s *txsByPrice) Pop() interface{} {
	old := *s
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*s = old[0 : n-1]
	return x
}

// pricedHeap holds the current best pending transaction of each origin,
// ordered by gas price. It carries at most one transaction per origin at any
// time; per-origin nonce order is preserved because only the head of an
// origin's pool queue is ever inserted.
type pricedHeap struct {
	heads txsByPrice
}

// init rebuilds the heap from the given head transactions.
func (p *pricedHeap) init(heads []*types.Transaction) {
	p.heads = heads
	heap.Init(&p.heads)
}

// peek returns the highest-priced transaction without removing it.
func (p *pricedHeap) peek() *types.Transaction {
	if len(p.heads) == 0 {
		return nil
	}
	return p.heads[0]
}

// push inserts a transaction. The caller ensures its origin is not already
// represented.
func (p *pricedHeap) push(tx *types.Transaction) {
	heap.Push(&p.heads, tx)
}

// removeBest removes the root and reports whether a new root exists.
func (p *pricedHeap) removeBest() bool {
	heap.Pop(&p.heads)
	return len(p.heads) > 0
}

// replaceBest overwrites the root with tx and sifts it down. Replacing rather
// than pop+push keeps the heap non-empty throughout, so the origin set never
// observes a transient gap.
func (p *pricedHeap) replaceBest(tx *types.Transaction) bool {
	p.heads[0] = tx
	heap.Fix(&p.heads, 0)
	return len(p.heads) > 0
}

// clear removes the entire content of the heap.
func (p *pricedHeap) clear() {
	p.heads = nil
}

func (p *pricedHeap) len() int {
	return len(p.heads)
}
