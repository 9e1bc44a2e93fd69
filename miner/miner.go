package miner

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	"github.com/emberchain/ember/core"
	"github.com/emberchain/ember/core/state"
	"github.com/emberchain/ember/core/txpool"
	"github.com/emberchain/ember/core/types"
	"github.com/emberchain/ember/event"
	"github.com/emberchain/ember/params"
)

// Miner assembles blocks from the pool's executable transactions, runs them
// through the EVM under a nested checkpoint discipline, and emits a sealed
// block description per block built. One miner exists per chain and lives for
// the whole session.
//
// Exactly one selection loop runs at a time: a Mine call that arrives while
// another is busy records a pending request and returns, and the running loop
// services it once the current block is done.
type Miner struct {
	config      Config
	executables *txpool.Executables
	vm          VM
	createBlock BlockFactory

	blockFeed event.Feed[*BlockData]
	idleFeed  event.Feed[struct{}]

	hookMu    sync.RWMutex
	blockHook BlockHookFn

	// mu guards the controller flags.
	mu      sync.Mutex
	isBusy  bool
	pending bool
	paused  bool
	resumer chan struct{}

	// heapMu guards the priced heap, the origin set and the executing price.
	// The selection loop holds it only around heap manipulation, never across
	// a suspension point, so a busy Mine call can absorb pool arrivals
	// mid-build.
	heapMu                  sync.Mutex
	priced                  pricedHeap
	origins                 mapset.Set[string]
	currentlyExecutingPrice *uint256.Int
}

// New creates a miner over the given live pool view and EVM.
func New(config Config, executables *txpool.Executables, vm VM, createBlock BlockFactory) *Miner {
	return &Miner{
		config:                  config.sanitized(),
		executables:             executables,
		vm:                      vm,
		createBlock:             createBlock,
		origins:                 mapset.NewSet[string](),
		currentlyExecutingPrice: new(uint256.Int),
	}
}

// SubscribeBlocks registers a channel to receive every produced block.
// Delivery blocks on the channel, so fire-and-forget consumers register a
// buffered one.
func (m *Miner) SubscribeBlocks(ch chan<- *BlockData) event.Subscription {
	return m.blockFeed.Subscribe(ch)
}

// SubscribeIdle registers a channel notified each time a mining session ends.
func (m *Miner) SubscribeIdle(ch chan<- struct{}) event.Subscription {
	return m.idleFeed.Subscribe(ch)
}

// SetBlockHook registers the hook awaited per block under legacy instamine.
func (m *Miner) SetBlockHook(hook BlockHookFn) {
	m.hookMu.Lock()
	m.blockHook = hook
	m.hookMu.Unlock()
}

// Mine assembles one or more blocks on top of parent from the pool's current
// executables. maxTransactions bounds the first block's transaction count,
// with -1 meaning unbounded and 0 producing an empty block; onlyOneBlock
// stops the session after a single block even if executable transactions
// remain.
//
// Mine returns the accepted transactions of the first block. A call that
// finds the miner busy records a pending request, absorbs new pool arrivals
// into the running build's heap, and returns nil. A call that finds the
// miner paused waits for Resume.
func (m *Miner) Mine(ctx context.Context, parent *types.Block, maxTransactions int, onlyOneBlock bool) ([]*types.Transaction, error) {
	for {
		m.mu.Lock()
		if !m.paused {
			break
		}
		resumer := m.resumer
		m.mu.Unlock()
		select {
		case <-resumer:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.isBusy {
		m.pending = true
		m.mu.Unlock()
		// The running loop seeded its heap before these transactions
		// arrived; fold them in now.
		m.updatePricedHeap()
		return nil, nil
	}
	m.isBusy = true
	m.mu.Unlock()

	txs, err := m.mine(ctx, parent, maxTransactions, onlyOneBlock)

	m.mu.Lock()
	m.isBusy = false
	m.mu.Unlock()
	m.idleFeed.Send(struct{}{})
	return txs, err
}

// Pause stops the miner at the next idle boundary. If a build is running,
// Pause returns only after it has finished; a block build is never
// interrupted mid-flight. Idempotent when already paused.
func (m *Miner) Pause(ctx context.Context) error {
	idleCh := make(chan struct{}, 1)
	sub := m.idleFeed.Subscribe(idleCh)
	defer sub.Unsubscribe()

	m.mu.Lock()
	if !m.paused {
		m.paused = true
		m.resumer = make(chan struct{})
	}
	busy := m.isBusy
	m.mu.Unlock()

	if !busy {
		return nil
	}
	select {
	case <-idleCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume lifts a pause and releases Mine calls waiting on it. Idempotent
// when not paused.
func (m *Miner) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		return
	}
	m.paused = false
	close(m.resumer)
}

// mine runs the selection loop and then services any mine request that
// arrived mid-build: those transactions were not in the heap when it was
// seeded, so they get a fresh seed and further blocks.
func (m *Miner) mine(ctx context.Context, parent *types.Block, maxTransactions int, onlyOneBlock bool) ([]*types.Transaction, error) {
	m.setPricedHeap()
	first, last, err := m.mineTxs(ctx, parent, maxTransactions, onlyOneBlock)
	if err != nil {
		return first, err
	}
	for !onlyOneBlock {
		m.mu.Lock()
		pending := m.pending
		m.pending = false
		m.mu.Unlock()
		if !pending {
			break
		}
		m.setPricedHeap()
		if m.pricedLen() == 0 {
			m.reset()
			break
		}
		maxTxs := -1
		if m.config.Instamine {
			maxTxs = 1
		}
		if _, last, err = m.mineTxs(ctx, m.createBlock(last), maxTxs, false); err != nil {
			return first, err
		}
	}
	return first, nil
}

// mineTxs mines blocks until the heap drains or the session is bounded to a
// single block. It returns the first block's accepted transactions and the
// last block mined, the parent for any follow-up work.
func (m *Miner) mineTxs(ctx context.Context, block *types.Block, maxTransactions int, onlyOneBlock bool) ([]*types.Transaction, *types.Block, error) {
	var (
		first     []*types.Transaction
		seenFirst bool
		sm        = m.vm.StateManager()
	)
	for {
		start := time.Now()
		data, err := m.mineBlock(ctx, sm, block, maxTransactions)
		if err != nil {
			return first, block, err
		}
		if !seenFirst {
			first, seenFirst = data.BlockTransactions, true
		}
		blockBuildTimer.Observe(time.Since(start).Seconds())
		blocksMinedCounter.Inc()
		txsMinedCounter.Add(float64(len(data.BlockTransactions)))
		blockGasUsedGauge.Set(float64(data.GasUsed))
		blockTxNumGauge.Set(float64(len(data.BlockTransactions)))

		m.blockFeed.Send(data)
		if m.config.LegacyInstamine {
			m.hookMu.RLock()
			hook := m.blockHook
			m.hookMu.RUnlock()
			if hook != nil {
				if err := hook(ctx, data); err != nil {
					return first, block, err
				}
			}
		}

		if onlyOneBlock {
			m.zeroExecutingPrice()
			m.reset()
			return first, block, nil
		}
		m.zeroExecutingPrice()
		// Absorb transactions that arrived during the build, then keep
		// mining while there is anything left to mine.
		m.updatePricedHeap()
		if m.pricedLen() == 0 {
			m.reset()
			return first, block, nil
		}
		if m.config.Instamine {
			maxTransactions = 1
		} else {
			maxTransactions = -1
		}
		block = m.createBlock(block)
	}
}

// mineBlock builds a single block. The block-level checkpoint wraps the
// whole selection loop; even a zero-transaction build opens and immediately
// commits it so checkpoint pairing holds on every path.
func (m *Miner) mineBlock(ctx context.Context, sm state.Manager, block *types.Block, maxTransactions int) (*BlockData, error) {
	assembly := newBlockAssembly(block.Time())
	gasPool := new(core.GasPool).AddGas(m.config.BlockGasLimit)

	if err := sm.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if maxTransactions != 0 {
		if err := m.selectTransactions(ctx, sm, block, gasPool, assembly, maxTransactions); err != nil {
			_ = sm.Revert(ctx)
			return nil, err
		}
	}
	if err := assembly.wait(); err != nil {
		_ = sm.Revert(ctx)
		return nil, err
	}
	if err := sm.Commit(ctx); err != nil {
		return nil, err
	}
	return assembly.seal(), nil
}

// selectTransactions is the main iteration: pick the globally best-priced
// head, execute it under a transaction-level checkpoint, and commit or revert
// depending on fit.
func (m *Miner) selectTransactions(ctx context.Context, sm state.Manager, block *types.Block, gasPool *core.GasPool, assembly *blockAssembly, maxTransactions int) error {
	numTransactions := 0
	for {
		best := m.peekBest()
		if best == nil {
			return nil
		}
		origin := best.Origin()

		// If even the intrinsic gas doesn't fit, no later position in this
		// block will help, and nonce order forbids trying a different
		// transaction from the same origin. Skip the origin for this block;
		// smaller transactions from other origins may still fit.
		if best.IntrinsicGas() > gasPool.Gas() {
			log.WithFields(log.Fields{
				"hash": best.Hash(),
				"left": gasPool.Gas(),
			}).Trace("Not enough gas for further transactions from origin")
			m.dropBest(best, origin)
			continue
		}

		m.setExecutingPrice(best.GasPrice())

		if err := sm.Checkpoint(ctx); err != nil {
			return err
		}
		result, err := m.runTx(ctx, best, block, origin)
		if err != nil {
			_ = sm.Revert(ctx)
			return err
		}
		if result == nil {
			// The VM rejected the transaction; runTx already advanced the
			// pool past it.
			if err := sm.Revert(ctx); err != nil {
				return err
			}
			continue
		}
		if result.UsedGas > gasPool.Gas() {
			// Doesn't fit. The transaction goes back to the pool, usable in
			// a future block.
			log.WithFields(log.Fields{
				"hash":   best.Hash(),
				"left":   gasPool.Gas(),
				"needed": result.UsedGas,
			}).Trace("Not enough gas left for transaction")
			if err := sm.Revert(ctx); err != nil {
				return err
			}
			// The origin stays in the origin set until reset, so
			// updatePricedHeap does not re-admit the transaction into a later
			// block of this session.
			m.heapMu.Lock()
			m.priced.removeBest()
			m.heapMu.Unlock()
			best.SetLocked(false)
			continue
		}
		if err := sm.Commit(ctx); err != nil {
			return err
		}
		if err := gasPool.SubGas(result.UsedGas); err != nil {
			return err
		}
		assembly.add(best, result)
		numTransactions++

		pendingOrigin := m.executables.PendingFor(origin)
		if pendingOrigin != nil {
			pendingOrigin.RemoveBest()
		}
		m.executables.TrackInProgress(best)

		// Refill the origin's slot from the pool, or drop the slot if the
		// pool has nothing more. On the break paths this preserves the
		// next-best for the heap so the next block doesn't lose it.
		m.refillBest(origin, pendingOrigin)
		if gasPool.Gas() <= params.TxGas || numTransactions == maxTransactions {
			return nil
		}
	}
}

// runTx executes one transaction through the EVM. A transaction the EVM
// refuses outright is dropped from the pool, replaced by the origin's next
// nonce, and finalized as rejected; runTx then returns (nil, nil) and the
// loop moves on.
func (m *Miner) runTx(ctx context.Context, tx *types.Transaction, block *types.Block, origin string) (*types.ExecutionResult, error) {
	result, err := m.vm.RunTx(ctx, tx, block)
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	pendingOrigin := m.executables.PendingFor(origin)
	if pendingOrigin != nil {
		pendingOrigin.RemoveBest()
	}
	m.refillBest(origin, pendingOrigin)

	txsRejectedCounter.Inc()
	log.WithFields(log.Fields{
		"hash": tx.Hash(),
		"err":  err,
	}).Debug("Transaction rejected by the VM")
	tx.Finalize(types.FinalizeRejected, core.NewRuntimeError(tx.Hash(), err.Error()))
	return nil, nil
}

// setPricedHeap seeds the heap with the unlocked head of every origin's
// pending queue, taking the lock lease on each.
func (m *Miner) setPricedHeap() {
	m.heapMu.Lock()
	defer m.heapMu.Unlock()
	var heads []*types.Transaction
	m.executables.RangePending(func(origin string, pendingOrigin *txpool.OriginHeap) {
		head, ok := pendingOrigin.Peek()
		if !ok || head.Locked() {
			return
		}
		head.SetLocked(true)
		m.origins.Add(origin)
		heads = append(heads, head)
	})
	m.priced.init(heads)
}

// updatePricedHeap folds new pool arrivals into the heap without breaking
// the one-slot-per-origin rule. An arrival priced below the sweep currently
// in progress waits for the next seed; taking it now would break the
// descending price order of the block being built.
func (m *Miner) updatePricedHeap() {
	m.heapMu.Lock()
	defer m.heapMu.Unlock()
	m.executables.RangePending(func(origin string, pendingOrigin *txpool.OriginHeap) {
		head, ok := pendingOrigin.Peek()
		if !ok || head.Locked() {
			return
		}
		if m.currentlyExecutingPrice.Gt(head.GasPrice()) {
			return
		}
		if m.origins.Contains(origin) {
			return
		}
		head.SetLocked(true)
		m.origins.Add(origin)
		m.priced.push(head)
	})
}

// reset clears the heap and origin set at the end of a mining session,
// releasing the lease on anything still held so the next seed can pick it up.
func (m *Miner) reset() {
	m.heapMu.Lock()
	defer m.heapMu.Unlock()
	for _, tx := range m.priced.heads {
		tx.SetLocked(false)
	}
	m.priced.clear()
	m.origins.Clear()
}

func (m *Miner) peekBest() *types.Transaction {
	m.heapMu.Lock()
	defer m.heapMu.Unlock()
	return m.priced.peek()
}

func (m *Miner) pricedLen() int {
	m.heapMu.Lock()
	defer m.heapMu.Unlock()
	return m.priced.len()
}

// dropBest removes the heap root without refilling from its origin and
// releases the lease.
func (m *Miner) dropBest(tx *types.Transaction, origin string) {
	m.heapMu.Lock()
	m.priced.removeBest()
	m.origins.Remove(origin)
	m.heapMu.Unlock()
	tx.SetLocked(false)
}

// refillBest replaces the heap root with the origin's next pool head, or
// removes the root when the origin has nothing left.
func (m *Miner) refillBest(origin string, pendingOrigin *txpool.OriginHeap) {
	m.heapMu.Lock()
	defer m.heapMu.Unlock()
	if pendingOrigin != nil {
		if next, ok := pendingOrigin.Peek(); ok {
			next.SetLocked(true)
			m.priced.replaceBest(next)
			return
		}
	}
	m.priced.removeBest()
	m.origins.Remove(origin)
}

func (m *Miner) setExecutingPrice(price *uint256.Int) {
	m.heapMu.Lock()
	m.currentlyExecutingPrice.Set(price)
	m.heapMu.Unlock()
}

func (m *Miner) zeroExecutingPrice() {
	m.heapMu.Lock()
	m.currentlyExecutingPrice.Clear()
	m.heapMu.Unlock()
}
