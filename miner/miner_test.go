package miner

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/emberchain/ember/common"
	"github.com/emberchain/ember/core"
	"github.com/emberchain/ember/core/state"
	"github.com/emberchain/ember/core/txpool"
	"github.com/emberchain/ember/core/types"
	"github.com/emberchain/ember/params"
	"github.com/emberchain/ember/rlp"
	"github.com/emberchain/ember/trie"
)

// recordingSM wraps the real state manager and counts checkpoint pairing.
type recordingSM struct {
	kv *state.KVManager

	mu          sync.Mutex
	checkpoints int
	commits     int
	reverts     int
}

func (r *recordingSM) Checkpoint(ctx context.Context) error {
	r.mu.Lock()
	r.checkpoints++
	r.mu.Unlock()
	return r.kv.Checkpoint(ctx)
}

func (r *recordingSM) Commit(ctx context.Context) error {
	r.mu.Lock()
	r.commits++
	r.mu.Unlock()
	return r.kv.Commit(ctx)
}

func (r *recordingSM) Revert(ctx context.Context) error {
	r.mu.Lock()
	r.reverts++
	r.mu.Unlock()
	return r.kv.Revert(ctx)
}

func (r *recordingSM) assertBalanced(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Equal(t, r.checkpoints, r.commits+r.reverts, "unbalanced checkpoints")
	require.Equal(t, 0, r.kv.Depth(), "state manager left with open frames")
}

type execOutcome struct {
	gasUsed uint64
	logs    []*types.Log
	err     error
}

// fakeVM executes every transaction for 21000 gas unless an outcome is set
// for its hash. An optional gate blocks RunTx until released, so tests can
// hold the miner mid-build.
type fakeVM struct {
	sm *recordingSM

	mu       sync.Mutex
	outcomes map[common.Hash]execOutcome
	executed []common.Hash

	started chan common.Hash
	release chan struct{}
}

func (vm *fakeVM) setOutcome(tx *types.Transaction, outcome execOutcome) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.outcomes[tx.Hash()] = outcome
}

func (vm *fakeVM) RunTx(ctx context.Context, tx *types.Transaction, block *types.Block) (*types.ExecutionResult, error) {
	if vm.started != nil {
		vm.started <- tx.Hash()
		<-vm.release
	}
	vm.mu.Lock()
	vm.executed = append(vm.executed, tx.Hash())
	outcome, ok := vm.outcomes[tx.Hash()]
	vm.mu.Unlock()
	if !ok {
		outcome = execOutcome{gasUsed: params.TxGas}
	}
	if outcome.err != nil {
		return nil, outcome.err
	}
	return &types.ExecutionResult{
		UsedGas: outcome.gasUsed,
		Logs:    outcome.logs,
		Bloom:   types.LogsBloom(outcome.logs),
	}, nil
}

func (vm *fakeVM) StateManager() state.Manager { return vm.sm }

type testRig struct {
	miner  *Miner
	pool   *txpool.Executables
	vm     *fakeVM
	sm     *recordingSM
	blocks chan *BlockData
	idle   chan struct{}
}

func newTestRig(t *testing.T, config Config) *testRig {
	t.Helper()
	kv, err := state.NewKVManager()
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	sm := &recordingSM{kv: kv}
	vm := &fakeVM{sm: sm, outcomes: make(map[common.Hash]execOutcome)}
	pool := txpool.NewExecutables()

	rig := &testRig{
		miner:  New(config, pool, vm, nextBlock),
		pool:   pool,
		vm:     vm,
		sm:     sm,
		blocks: make(chan *BlockData, 16),
		idle:   make(chan struct{}, 16),
	}
	rig.miner.SubscribeBlocks(rig.blocks)
	rig.miner.SubscribeIdle(rig.idle)
	return rig
}

func (r *testRig) drainBlocks() []*BlockData {
	var out []*BlockData
	for {
		select {
		case b := <-r.blocks:
			out = append(out, b)
		default:
			return out
		}
	}
}

func genesisBlock() *types.Block {
	return types.NewBlock(&types.Header{
		Number:   big.NewInt(0),
		GasLimit: params.DefaultBlockGasLimit,
		Time:     1_700_000_000,
	})
}

func nextBlock(parent *types.Block) *types.Block {
	header := parent.Header()
	return types.NewBlock(&types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(header.Number, big.NewInt(1)),
		GasLimit:   header.GasLimit,
		Time:       header.Time + 1,
	})
}

func newTx(from byte, nonce, gasPrice uint64) *types.Transaction {
	return types.NewTransaction(
		common.BytesToAddress([]byte{from}), nonce,
		uint256.NewInt(gasPrice), 90000, nil, nil, nil,
	)
}

func TestMineEmptyPool(t *testing.T) {
	rig := newTestRig(t, DefaultConfig)

	txs, err := rig.miner.Mine(context.Background(), genesisBlock(), -1, false)
	require.NoError(t, err)
	require.Empty(t, txs)

	blocks := rig.drainBlocks()
	require.Len(t, blocks, 1)
	require.Empty(t, blocks[0].BlockTransactions)
	require.Equal(t, uint64(0), blocks[0].GasUsed)
	require.Equal(t, trie.EmptyRoot, blocks[0].TransactionsTrie.Hash())
	require.Len(t, rig.idle, 1)
	rig.sm.assertBalanced(t)
}

func TestMineSingleTxFits(t *testing.T) {
	config := DefaultConfig
	config.BlockGasLimit = 30000
	rig := newTestRig(t, config)

	tx := newTx(0xaa, 0, 10)
	require.NoError(t, rig.pool.Add(tx))

	txs, err := rig.miner.Mine(context.Background(), genesisBlock(), -1, false)
	require.NoError(t, err)
	require.Equal(t, []*types.Transaction{tx}, txs)

	blocks := rig.drainBlocks()
	require.Len(t, blocks, 1)
	require.Equal(t, uint64(21000), blocks[0].GasUsed)

	// in progress until the chain finalizes it
	require.True(t, rig.pool.InProgressContains(tx))
	tx.Finalize(types.FinalizeConfirmed, nil)
	require.Eventually(t, func() bool { return rig.pool.InProgressLen() == 0 }, time.Second, time.Millisecond)

	rig.sm.assertBalanced(t)
}

func TestPriorityAcrossOrigins(t *testing.T) {
	rig := newTestRig(t, DefaultConfig)

	low := newTx(0xaa, 0, 5)
	high := newTx(0xbb, 0, 20)
	require.NoError(t, rig.pool.Add(low))
	require.NoError(t, rig.pool.Add(high))

	txs, err := rig.miner.Mine(context.Background(), genesisBlock(), -1, false)
	require.NoError(t, err)
	require.Equal(t, []*types.Transaction{high, low}, txs)

	blocks := rig.drainBlocks()
	require.Len(t, blocks, 1)
	require.Equal(t, uint64(42000), blocks[0].GasUsed)

	require.Equal(t, 0, rig.pool.PendingFor(low.Origin()).Len())
	require.Equal(t, 0, rig.pool.PendingFor(high.Origin()).Len())
	rig.sm.assertBalanced(t)
}

func TestNonceOrderBeatsPrice(t *testing.T) {
	rig := newTestRig(t, DefaultConfig)

	first := newTx(0xaa, 0, 8)
	second := newTx(0xaa, 1, 100)
	require.NoError(t, rig.pool.Add(first))
	require.NoError(t, rig.pool.Add(second))

	txs, err := rig.miner.Mine(context.Background(), genesisBlock(), -1, false)
	require.NoError(t, err)

	// The higher-priced transaction is only reachable through the lower
	// nonce; it enters the heap via the refill after the first one commits.
	require.Equal(t, []*types.Transaction{first, second}, txs)
	require.Equal(t, []common.Hash{first.Hash(), second.Hash()}, rig.vm.executed)
	rig.sm.assertBalanced(t)
}

func TestMaxTransactionsZero(t *testing.T) {
	rig := newTestRig(t, DefaultConfig)

	tx := newTx(0xaa, 0, 10)
	require.NoError(t, rig.pool.Add(tx))

	txs, err := rig.miner.Mine(context.Background(), genesisBlock(), 0, true)
	require.NoError(t, err)
	require.Empty(t, txs)

	blocks := rig.drainBlocks()
	require.Len(t, blocks, 1)
	require.Empty(t, blocks[0].BlockTransactions)
	require.Equal(t, uint64(0), blocks[0].GasUsed)

	// checkpoint/commit still paired, transaction untouched and unlocked
	rig.sm.assertBalanced(t)
	require.Equal(t, 1, rig.pool.PendingFor(tx.Origin()).Len())
	require.False(t, tx.Locked())
}

func TestAlwaysFailingTx(t *testing.T) {
	rig := newTestRig(t, DefaultConfig)

	failing := newTx(0xaa, 0, 50)
	follower := newTx(0xaa, 1, 30)
	other := newTx(0xbb, 0, 20)
	require.NoError(t, rig.pool.Add(failing))
	require.NoError(t, rig.pool.Add(follower))
	require.NoError(t, rig.pool.Add(other))
	rig.vm.setOutcome(failing, execOutcome{err: errors.New("out of gas")})

	txs, err := rig.miner.Mine(context.Background(), genesisBlock(), -1, false)
	require.NoError(t, err)
	require.Equal(t, []*types.Transaction{follower, other}, txs)

	// the failing transaction was finalized rejected and left the pool
	select {
	case <-failing.Finalized():
	default:
		t.Fatal("failing transaction was not finalized")
	}
	status, ferr := failing.FinalizedResult()
	require.Equal(t, types.FinalizeRejected, status)
	var runtimeErr *core.RuntimeError
	require.ErrorAs(t, ferr, &runtimeErr)
	require.Equal(t, failing.Hash(), runtimeErr.TxHash)
	require.Equal(t, uint64(0), runtimeErr.ProgramCounter)
	require.Empty(t, runtimeErr.ReturnValue)
	require.EqualError(t, ferr, "VM Exception while processing transaction: out of gas")

	require.Equal(t, 0, rig.pool.PendingFor(failing.Origin()).Len())
	rig.sm.assertBalanced(t)
}

func TestOverflowingTxReturnsToPool(t *testing.T) {
	config := DefaultConfig
	config.BlockGasLimit = 50000
	rig := newTestRig(t, config)

	big := newTx(0xaa, 0, 50)
	small := newTx(0xbb, 0, 10)
	require.NoError(t, rig.pool.Add(big))
	require.NoError(t, rig.pool.Add(small))
	rig.vm.setOutcome(big, execOutcome{gasUsed: 60000})

	txs, err := rig.miner.Mine(context.Background(), genesisBlock(), -1, false)
	require.NoError(t, err)
	require.Equal(t, []*types.Transaction{small}, txs)

	// the overflowing transaction is back in the pool, unlocked, unfinalized
	require.Equal(t, 1, rig.pool.PendingFor(big.Origin()).Len())
	require.False(t, big.Locked())
	select {
	case <-big.Finalized():
		t.Fatal("overflowing transaction must not be finalized")
	default:
	}
	rig.sm.assertBalanced(t)
	require.Equal(t, 1, rig.sm.reverts)
}

func TestIntrinsicGasSkipsOriginForBlock(t *testing.T) {
	config := DefaultConfig
	config.BlockGasLimit = 70000
	rig := newTestRig(t, config)

	// 100 bytes of calldata put intrinsic gas at 22600: fine for a fresh
	// block, too much for the 22000 left after the two fillers commit
	data := make([]byte, 100)
	for i := range data {
		data[i] = 0xff
	}
	chunky := types.NewTransaction(common.BytesToAddress([]byte{0xaa}), 0,
		uint256.NewInt(50), 90000, nil, nil, data)
	follower := newTx(0xaa, 1, 40)
	filler0 := newTx(0xbb, 0, 90)
	filler1 := newTx(0xbb, 1, 80)
	for _, tx := range []*types.Transaction{chunky, follower, filler0, filler1} {
		require.NoError(t, rig.pool.Add(tx))
	}
	rig.vm.setOutcome(filler0, execOutcome{gasUsed: 24000})
	rig.vm.setOutcome(filler1, execOutcome{gasUsed: 24000})
	rig.vm.setOutcome(chunky, execOutcome{gasUsed: 24000})

	txs, err := rig.miner.Mine(context.Background(), genesisBlock(), -1, false)
	require.NoError(t, err)
	require.Equal(t, []*types.Transaction{filler0, filler1}, txs)

	// the skipped origin was never run in the first block, nonce order
	// forbids taking the follower instead, and the whole origin carries over
	// to the next block of the same session
	blocks := rig.drainBlocks()
	require.Len(t, blocks, 2)
	require.Equal(t, []*types.Transaction{filler0, filler1}, blocks[0].BlockTransactions)
	require.Equal(t, []*types.Transaction{chunky, follower}, blocks[1].BlockTransactions)
	require.Equal(t, []common.Hash{filler0.Hash(), filler1.Hash(), chunky.Hash(), follower.Hash()}, rig.vm.executed)
	rig.sm.assertBalanced(t)
}

func TestReentryMinesSecondBlock(t *testing.T) {
	rig := newTestRig(t, DefaultConfig)
	rig.vm.started = make(chan common.Hash, 16)
	rig.vm.release = make(chan struct{})

	fast := newTx(0xaa, 0, 100)
	require.NoError(t, rig.pool.Add(fast))

	done := make(chan []*types.Transaction, 1)
	go func() {
		txs, err := rig.miner.Mine(context.Background(), genesisBlock(), -1, false)
		require.NoError(t, err)
		done <- txs
	}()

	// wait for the first transaction to reach the VM, then submit a cheaper
	// one and re-enter: the running build must not absorb it mid-sweep
	<-rig.vm.started
	slow := newTx(0xbb, 0, 5)
	require.NoError(t, rig.pool.Add(slow))
	reentry, err := rig.miner.Mine(context.Background(), genesisBlock(), -1, false)
	require.NoError(t, err)
	require.Nil(t, reentry)
	require.False(t, slow.Locked(), "cheaper arrival must not join the in-progress sweep")

	close(rig.vm.release)
	first := <-done
	require.Equal(t, []*types.Transaction{fast}, first)

	blocks := rig.drainBlocks()
	require.Len(t, blocks, 2)
	require.Equal(t, []*types.Transaction{fast}, blocks[0].BlockTransactions)
	require.Equal(t, []*types.Transaction{slow}, blocks[1].BlockTransactions)
	require.Len(t, rig.idle, 1)
	rig.sm.assertBalanced(t)
}

func TestPauseAtBlockBoundary(t *testing.T) {
	rig := newTestRig(t, DefaultConfig)
	rig.vm.started = make(chan common.Hash, 16)
	rig.vm.release = make(chan struct{})

	require.NoError(t, rig.pool.Add(newTx(0xaa, 0, 10)))

	mined := make(chan struct{})
	go func() {
		_, err := rig.miner.Mine(context.Background(), genesisBlock(), -1, false)
		require.NoError(t, err)
		close(mined)
	}()
	<-rig.vm.started

	paused := make(chan struct{})
	go func() {
		require.NoError(t, rig.miner.Pause(context.Background()))
		close(paused)
	}()

	// pause must not return while the build is draining
	select {
	case <-paused:
		t.Fatal("pause returned mid-build")
	case <-time.After(20 * time.Millisecond):
	}

	close(rig.vm.release)
	<-mined
	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("pause did not return after idle")
	}

	// a subsequent mine blocks until resumed
	resumedMine := make(chan struct{})
	go func() {
		_, err := rig.miner.Mine(context.Background(), genesisBlock(), -1, false)
		require.NoError(t, err)
		close(resumedMine)
	}()
	select {
	case <-resumedMine:
		t.Fatal("mine proceeded while paused")
	case <-time.After(20 * time.Millisecond):
	}

	rig.miner.Resume()
	select {
	case <-resumedMine:
	case <-time.After(time.Second):
		t.Fatal("mine did not proceed after resume")
	}
	rig.sm.assertBalanced(t)
}

func TestPauseResumeIdempotent(t *testing.T) {
	rig := newTestRig(t, DefaultConfig)
	ctx := context.Background()

	rig.miner.Resume() // not paused: no-op
	require.NoError(t, rig.miner.Pause(ctx))
	require.NoError(t, rig.miner.Pause(ctx)) // already paused: no-op
	rig.miner.Resume()

	_, err := rig.miner.Mine(ctx, genesisBlock(), -1, false)
	require.NoError(t, err)
}

func TestInstamineOneTxPerSuccessorBlock(t *testing.T) {
	config := DefaultConfig
	config.Instamine = true
	rig := newTestRig(t, config)

	a := newTx(0xaa, 0, 30)
	b := newTx(0xbb, 0, 20)
	c := newTx(0xcc, 0, 10)
	require.NoError(t, rig.pool.Add(a))
	require.NoError(t, rig.pool.Add(b))
	require.NoError(t, rig.pool.Add(c))

	txs, err := rig.miner.Mine(context.Background(), genesisBlock(), 1, false)
	require.NoError(t, err)
	require.Equal(t, []*types.Transaction{a}, txs)

	blocks := rig.drainBlocks()
	require.Len(t, blocks, 3)
	for i, want := range []*types.Transaction{a, b, c} {
		require.Equal(t, []*types.Transaction{want}, blocks[i].BlockTransactions)
	}
	rig.sm.assertBalanced(t)
}

func TestLegacyInstamineBlockHook(t *testing.T) {
	config := DefaultConfig
	config.Instamine = true
	config.LegacyInstamine = true
	rig := newTestRig(t, config)

	var (
		mu     sync.Mutex
		hooked []*BlockData
	)
	rig.miner.SetBlockHook(func(ctx context.Context, data *BlockData) error {
		mu.Lock()
		hooked = append(hooked, data)
		mu.Unlock()
		return nil
	})

	require.NoError(t, rig.pool.Add(newTx(0xaa, 0, 10)))
	require.NoError(t, rig.pool.Add(newTx(0xbb, 0, 20)))

	_, err := rig.miner.Mine(context.Background(), genesisBlock(), 1, false)
	require.NoError(t, err)

	// the hook ran inline, once per block, before Mine returned
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, hooked, 2)
	require.Equal(t, rig.drainBlocks(), hooked)
}

func TestOnlyOneBlockStopsSession(t *testing.T) {
	rig := newTestRig(t, DefaultConfig)

	a := newTx(0xaa, 0, 30)
	b := newTx(0xbb, 0, 20)
	require.NoError(t, rig.pool.Add(a))
	require.NoError(t, rig.pool.Add(b))

	txs, err := rig.miner.Mine(context.Background(), genesisBlock(), 1, true)
	require.NoError(t, err)
	require.Equal(t, []*types.Transaction{a}, txs)

	require.Len(t, rig.drainBlocks(), 1)
	// the unmined head is back to unlocked so the next session can take it
	require.False(t, b.Locked())
	require.Equal(t, 1, rig.pool.PendingFor(b.Origin()).Len())
	rig.sm.assertBalanced(t)
}

func TestBlockArtifacts(t *testing.T) {
	rig := newTestRig(t, DefaultConfig)

	logged := newTx(0xaa, 0, 30)
	plain := newTx(0xbb, 0, 20)
	require.NoError(t, rig.pool.Add(logged))
	require.NoError(t, rig.pool.Add(plain))

	logs := []*types.Log{{
		Address: logged.From(),
		Topics:  []common.Hash{common.HexToHash("0xdead")},
		Data:    []byte{0x01},
	}}
	rig.vm.setOutcome(logged, execOutcome{gasUsed: 30000, logs: logs})

	parent := genesisBlock()
	txs, err := rig.miner.Mine(context.Background(), parent, -1, false)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	blocks := rig.drainBlocks()
	require.Len(t, blocks, 1)
	data := blocks[0]

	require.Equal(t, uint64(51000), data.GasUsed)
	require.Equal(t, parent.Time(), data.Timestamp)
	require.Equal(t, types.LogsBloom(logs), data.Bloom)

	// the transactions trie matches an independently built one over the
	// same ordered list
	independent := trie.New()
	for i, tx := range data.BlockTransactions {
		independent.Update(rlp.EncodeUint64(uint64(i)), tx.Serialize())
	}
	require.Equal(t, independent.Hash(), data.TransactionsTrie.Hash())
	require.NotEqual(t, trie.EmptyRoot, data.ReceiptTrie.Hash())
	require.Equal(t, data.BlockTransactions[0].Serialize(), data.TransactionsTrie.Get(rlp.EncodeUint64(0)))
}

func TestHeapInvariantsAfterSession(t *testing.T) {
	rig := newTestRig(t, DefaultConfig)

	for origin := byte(1); origin <= 5; origin++ {
		for nonce := uint64(0); nonce < 3; nonce++ {
			require.NoError(t, rig.pool.Add(newTx(origin, nonce, uint64(origin)*10+nonce)))
		}
	}

	txs, err := rig.miner.Mine(context.Background(), genesisBlock(), -1, false)
	require.NoError(t, err)
	require.Len(t, txs, 15)

	// per-origin nonce order holds within the block
	seen := make(map[string]uint64)
	for _, tx := range txs {
		if prev, ok := seen[tx.Origin()]; ok {
			require.Greater(t, tx.Nonce(), prev)
		}
		seen[tx.Origin()] = tx.Nonce()
	}

	// heap and origin set drained together, nothing left locked or pending
	require.Equal(t, 0, rig.miner.pricedLen())
	require.Equal(t, 0, rig.miner.origins.Cardinality())
	rig.pool.RangePending(func(origin string, heap *txpool.OriginHeap) {
		require.Equal(t, 0, heap.Len())
	})
	blocks := rig.drainBlocks()
	require.Len(t, blocks, 1)
	require.LessOrEqual(t, blocks[0].GasUsed, DefaultConfig.BlockGasLimit)
	require.Equal(t, uint64(15*21000), blocks[0].GasUsed)
	rig.sm.assertBalanced(t)
}
