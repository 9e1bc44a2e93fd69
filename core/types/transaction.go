package types

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberchain/ember/common"
	"github.com/emberchain/ember/crypto"
	"github.com/emberchain/ember/params"
	"github.com/emberchain/ember/rlp"
	"github.com/holiman/uint256"
)

// FinalizeStatus is the terminal state of a pool transaction.
type FinalizeStatus string

const (
	// FinalizeConfirmed means the transaction made it into a persisted block.
	FinalizeConfirmed FinalizeStatus = "confirmed"
	// FinalizeRejected means the EVM refused the transaction outright.
	FinalizeRejected FinalizeStatus = "rejected"
)

// Transaction is a pool transaction as the miner sees it. The payload fields
// are immutable after construction; the lock lease and the one-shot finalized
// signal are the two mutable pieces shared between the pool and the miner.
type Transaction struct {
	from     common.Address
	nonce    uint64
	gasPrice *uint256.Int
	gas      uint64
	to       *common.Address
	value    *uint256.Int
	data     []byte

	// time the pool first saw the transaction; used as the deterministic
	// tie-break between equal gas prices.
	time time.Time

	// locked is the cross-component lease: while set, the miner is the sole
	// consumer of this pool head and no other consumer may take it.
	locked atomic.Bool

	hashOnce sync.Once
	hash     common.Hash

	finalizeOnce sync.Once
	finalized    chan struct{}
	finalStatus  FinalizeStatus
	finalErr     error
}

// NewTransaction creates a pool transaction. A nil to is a contract creation.
func NewTransaction(from common.Address, nonce uint64, gasPrice *uint256.Int, gas uint64, to *common.Address, value *uint256.Int, data []byte) *Transaction {
	if gasPrice == nil {
		gasPrice = new(uint256.Int)
	}
	if value == nil {
		value = new(uint256.Int)
	}
	return &Transaction{
		from:      from,
		nonce:     nonce,
		gasPrice:  gasPrice,
		gas:       gas,
		to:        to,
		value:     value,
		data:      data,
		time:      time.Now(),
		finalized: make(chan struct{}),
	}
}

// From returns the sender address of the transaction.
func (tx *Transaction) From() common.Address { return tx.from }

// Origin returns the sender as the lower-case hex string the pool keys its
// pending map with.
func (tx *Transaction) Origin() string { return tx.from.Hex() }

// Nonce returns the sender account nonce of the transaction.
func (tx *Transaction) Nonce() uint64 { return tx.nonce }

// GasPrice returns the gas price of the transaction.
func (tx *Transaction) GasPrice() *uint256.Int { return tx.gasPrice }

// Gas returns the gas limit of the transaction.
func (tx *Transaction) Gas() uint64 { return tx.gas }

// To returns the recipient address of the transaction, nil for contract creation.
func (tx *Transaction) To() *common.Address { return tx.to }

// Value returns the ether amount of the transaction.
func (tx *Transaction) Value() *uint256.Int { return tx.value }

// Data returns the input data of the transaction.
func (tx *Transaction) Data() []byte { return tx.data }

// Time returns the time the pool first saw the transaction.
func (tx *Transaction) Time() time.Time { return tx.time }

// IntrinsicGas computes the gas the transaction consumes before any EVM
// execution: the base transfer cost plus calldata costs. A transaction whose
// intrinsic gas exceeds the block's remaining gas cannot fit no matter what
// the EVM does with it.
func (tx *Transaction) IntrinsicGas() uint64 {
	gas := params.TxGas
	for _, b := range tx.data {
		if b == 0 {
			gas += params.TxDataZeroGas
		} else {
			gas += params.TxDataNonZeroGas
		}
	}
	return gas
}

// Serialize returns the wire encoding of the transaction,
// [nonce, gasPrice, gas, to, value, data].
func (tx *Transaction) Serialize() []byte {
	var payload []byte
	payload = rlp.AppendUint64(payload, tx.nonce)
	payload = rlp.AppendString(payload, tx.gasPrice.Bytes())
	payload = rlp.AppendUint64(payload, tx.gas)
	if tx.to != nil {
		payload = rlp.AppendString(payload, tx.to.Bytes())
	} else {
		payload = rlp.AppendString(payload, nil)
	}
	payload = rlp.AppendString(payload, tx.value.Bytes())
	payload = rlp.AppendString(payload, tx.data)
	return rlp.EncodeList(payload)
}

// Hash returns the transaction hash.
func (tx *Transaction) Hash() common.Hash {
	tx.hashOnce.Do(func() {
		tx.hash = crypto.Keccak256Hash(tx.from.Bytes(), tx.Serialize())
	})
	return tx.hash
}

// Locked reports whether the miner currently holds the lease on this
// transaction.
func (tx *Transaction) Locked() bool { return tx.locked.Load() }

// SetLocked sets or releases the miner's lease.
func (tx *Transaction) SetLocked(locked bool) { tx.locked.Store(locked) }

// Finalize records the terminal state of the transaction and fires the
// finalized signal. Only the first call has any effect.
func (tx *Transaction) Finalize(status FinalizeStatus, err error) {
	tx.finalizeOnce.Do(func() {
		tx.finalStatus = status
		tx.finalErr = err
		close(tx.finalized)
	})
}

// Finalized returns a channel that is closed once the transaction has been
// finalized.
func (tx *Transaction) Finalized() <-chan struct{} { return tx.finalized }

// FinalizedResult returns the terminal status and error recorded by Finalize.
// It must only be called after the Finalized channel is closed.
func (tx *Transaction) FinalizedResult() (FinalizeStatus, error) {
	return tx.finalStatus, tx.finalErr
}

// FillFromResult builds the transaction's receipt from an execution result
// and the block's cumulative gas, returning the bytes the miner stores in the
// receipt trie.
func (tx *Transaction) FillFromResult(result *ExecutionResult, cumulativeGasUsed uint64) []byte {
	status := ReceiptStatusSuccessful
	if result.Failed {
		status = ReceiptStatusFailed
	}
	receipt := &Receipt{
		Status:            status,
		CumulativeGasUsed: cumulativeGasUsed,
		Bloom:             result.Bloom,
		Logs:              result.Logs,
		TxHash:            tx.Hash(),
		GasUsed:           result.UsedGas,
	}
	return receipt.Bytes()
}
