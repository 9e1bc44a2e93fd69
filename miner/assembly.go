package miner

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/emberchain/ember/core/types"
	"github.com/emberchain/ember/rlp"
	"github.com/emberchain/ember/trie"
)

// BlockData is the sealed block description emitted on the block feed.
// Consumers persist it; the miner itself never stores blocks.
type BlockData struct {
	// BlockTransactions holds the accepted transactions in commit order.
	BlockTransactions []*types.Transaction

	// TransactionsTrie maps rlp(index) to the transaction wire bytes.
	TransactionsTrie *trie.Trie

	// ReceiptTrie maps rlp(index) to the receipt bytes.
	ReceiptTrie *trie.Trie

	// GasUsed is the cumulative gas consumed by BlockTransactions.
	GasUsed uint64

	// Bloom is the byte-wise OR of every transaction's log bloom.
	Bloom types.Bloom

	// Timestamp is carried over from the parent-derived header.
	Timestamp uint64
}

// blockAssembly accumulates the artifacts of the block being built. Trie
// writes are scheduled as transactions commit and awaited once the selection
// loop is done, so they never interleave with selection decisions.
type blockAssembly struct {
	data *BlockData

	trieMu sync.Mutex
	writes errgroup.Group
}

func newBlockAssembly(timestamp uint64) *blockAssembly {
	return &blockAssembly{
		data: &BlockData{
			BlockTransactions: []*types.Transaction{},
			TransactionsTrie:  trie.New(),
			ReceiptTrie:       trie.New(),
			Timestamp:         timestamp,
		},
	}
}

// add appends a committed transaction to the block artifacts. The receipt is
// filled inline so it captures the cumulative gas at this position; only the
// trie insertions are deferred.
func (a *blockAssembly) add(tx *types.Transaction, result *types.ExecutionResult) {
	index := uint64(len(a.data.BlockTransactions))
	a.data.BlockTransactions = append(a.data.BlockTransactions, tx)
	a.data.GasUsed += result.UsedGas
	a.data.Bloom.Or(result.Bloom)

	key := rlp.EncodeUint64(index)
	serialized := tx.Serialize()
	receipt := tx.FillFromResult(result, a.data.GasUsed)
	a.writes.Go(func() error {
		a.trieMu.Lock()
		defer a.trieMu.Unlock()
		a.data.TransactionsTrie.Update(key, serialized)
		a.data.ReceiptTrie.Update(key, receipt)
		return nil
	})
}

// wait blocks until all scheduled trie writes have landed.
func (a *blockAssembly) wait() error {
	return a.writes.Wait()
}

// seal hands out the finished block description.
func (a *blockAssembly) seal() *BlockData {
	return a.data
}
