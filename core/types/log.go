package types

import (
	"github.com/emberchain/ember/common"
	"github.com/emberchain/ember/rlp"
)

// Log represents a contract log event emitted during transaction execution.
type Log struct {
	// address of the contract that generated the event
	Address common.Address
	// list of topics provided by the contract
	Topics []common.Hash
	// supplied by the contract, usually ABI-encoded
	Data []byte
}

// appendRLP appends the RLP encoding of the log as [address, topics, data].
func (l *Log) appendRLP(buf []byte) []byte {
	var topics []byte
	for _, topic := range l.Topics {
		topics = rlp.AppendString(topics, topic.Bytes())
	}
	var payload []byte
	payload = rlp.AppendString(payload, l.Address.Bytes())
	payload = append(payload, rlp.EncodeList(topics)...)
	payload = rlp.AppendString(payload, l.Data)
	return append(buf, rlp.EncodeList(payload)...)
}
