package txpool

import (
	"errors"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/emirpasic/gods/trees/binaryheap"
	lru "github.com/hashicorp/golang-lru"

	"github.com/emberchain/ember/core/types"
)

// finalizedCacheSize bounds the cache of recently finalized transaction
// hashes used to reject duplicate submissions.
const finalizedCacheSize = 4096

// ErrKnownTransaction is returned when a transaction that was already
// finalized is submitted again.
var ErrKnownTransaction = errors.New("txpool: transaction already finalized")

// OriginHeap is the nonce-ordered pending queue of a single origin. Only its
// head is ever visible to the miner; nonce order is what keeps per-origin
// transactions from being reordered inside a block.
type OriginHeap struct {
	mu   sync.Mutex
	heap *binaryheap.Heap
}

func newOriginHeap() *OriginHeap {
	return &OriginHeap{
		heap: binaryheap.NewWith(func(a, b interface{}) int {
			na, nb := a.(*types.Transaction).Nonce(), b.(*types.Transaction).Nonce()
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}),
	}
}

// Push adds a transaction to the queue.
func (h *OriginHeap) Push(tx *types.Transaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heap.Push(tx)
}

// Peek returns the lowest-nonce transaction without removing it.
func (h *OriginHeap) Peek() (*types.Transaction, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.heap.Peek()
	if !ok {
		return nil, false
	}
	return v.(*types.Transaction), true
}

// RemoveBest removes and returns the lowest-nonce transaction.
func (h *OriginHeap) RemoveBest() (*types.Transaction, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.heap.Pop()
	if !ok {
		return nil, false
	}
	return v.(*types.Transaction), true
}

// Len returns the number of queued transactions.
func (h *OriginHeap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.heap.Size()
}

// Executables is the live pool view the miner consumes: the pending mapping
// from origin to its nonce-ordered queue, and the set of transactions
// currently being mined. Producers keep adding to pending while the miner is
// mid-build; the miner tolerates that by re-reading per origin and by owning
// the locked lease on any head it has taken.
type Executables struct {
	mu      sync.RWMutex
	pending map[string]*OriginHeap

	inProgress mapset.Set[*types.Transaction]
	finalized  *lru.Cache
}

// NewExecutables creates an empty pool view.
func NewExecutables() *Executables {
	cache, _ := lru.New(finalizedCacheSize)
	return &Executables{
		pending:    make(map[string]*OriginHeap),
		inProgress: mapset.NewSet[*types.Transaction](),
		finalized:  cache,
	}
}

// Add queues a transaction under its origin. Re-submissions of recently
// finalized transactions that were tracked as in progress are rejected; a
// transaction finalized without being tracked (such as one the VM rejected)
// is not remembered.
func (e *Executables) Add(tx *types.Transaction) error {
	if e.finalized.Contains(tx.Hash()) {
		return ErrKnownTransaction
	}
	e.mu.Lock()
	heap, ok := e.pending[tx.Origin()]
	if !ok {
		heap = newOriginHeap()
		e.pending[tx.Origin()] = heap
	}
	e.mu.Unlock()
	heap.Push(tx)
	return nil
}

// PendingFor returns the pending queue of an origin, or nil if the origin has
// never had a queue. Callers re-read at each use site rather than caching.
func (e *Executables) PendingFor(origin string) *OriginHeap {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending[origin]
}

// RangePending calls fn for every origin with a pending queue. Iteration is
// over a snapshot of the origin keys; the queues themselves are live.
func (e *Executables) RangePending(fn func(origin string, heap *OriginHeap)) {
	e.mu.RLock()
	origins := make([]string, 0, len(e.pending))
	for origin := range e.pending {
		origins = append(origins, origin)
	}
	e.mu.RUnlock()

	for _, origin := range origins {
		if heap := e.PendingFor(origin); heap != nil {
			fn(origin, heap)
		}
	}
}

// TrackInProgress records a transaction as being mined and arms a one-shot
// watcher that drops it from the set once the transaction is finalized.
func (e *Executables) TrackInProgress(tx *types.Transaction) {
	e.inProgress.Add(tx)
	go func() {
		<-tx.Finalized()
		e.finalized.Add(tx.Hash(), struct{}{})
		e.inProgress.Remove(tx)
	}()
}

// InProgressContains reports whether tx is currently being mined.
func (e *Executables) InProgressContains(tx *types.Transaction) bool {
	return e.inProgress.Contains(tx)
}

// InProgressLen returns the number of transactions currently being mined.
func (e *Executables) InProgressLen() int {
	return e.inProgress.Cardinality()
}
