package types

import (
	"github.com/emberchain/ember/common"
	"github.com/emberchain/ember/rlp"
)

const (
	// ReceiptStatusFailed is the status code of a transaction if execution failed.
	ReceiptStatusFailed = uint64(0)

	// ReceiptStatusSuccessful is the status code of a transaction if execution succeeded.
	ReceiptStatusSuccessful = uint64(1)
)

// Receipt represents the results of a transaction.
type Receipt struct {
	Status            uint64
	CumulativeGasUsed uint64
	Bloom             Bloom
	Logs              []*Log

	// implementation fields, not part of the consensus encoding
	TxHash  common.Hash
	GasUsed uint64
}

// Bytes returns the consensus RLP encoding of the receipt,
// [status, cumulativeGasUsed, bloom, logs]. These are the bytes the miner
// stores in the block's receipt trie.
func (r *Receipt) Bytes() []byte {
	var logs []byte
	for _, log := range r.Logs {
		logs = log.appendRLP(logs)
	}
	var payload []byte
	payload = rlp.AppendUint64(payload, r.Status)
	payload = rlp.AppendUint64(payload, r.CumulativeGasUsed)
	payload = rlp.AppendString(payload, r.Bloom.Bytes())
	payload = append(payload, rlp.EncodeList(logs)...)
	return rlp.EncodeList(payload)
}
