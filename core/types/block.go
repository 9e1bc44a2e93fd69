package types

import (
	"math/big"
	"sync"

	"github.com/emberchain/ember/common"
	"github.com/emberchain/ember/crypto"
	"github.com/emberchain/ember/rlp"
)

// Header represents the part of a block header the miner consumes. The full
// consensus header (receipts root, state root, extra data) is assembled by
// the chain once the block is persisted.
type Header struct {
	ParentHash common.Hash
	Number     *big.Int
	GasLimit   uint64
	Time       uint64
}

// CopyHeader creates a deep copy of a block header.
func CopyHeader(h *Header) *Header {
	cpy := *h
	if h.Number != nil {
		cpy.Number = new(big.Int).Set(h.Number)
	}
	return &cpy
}

// Block is the parent-chain handle handed to the miner. Each outer mining
// iteration receives a fresh block from the chain's createBlock and treats it
// as immutable.
type Block struct {
	header *Header

	hashOnce sync.Once
	hash     common.Hash
}

// NewBlock creates a block with the given header. The header is copied.
func NewBlock(header *Header) *Block {
	return &Block{header: CopyHeader(header)}
}

// Header returns a copy of the block header.
func (b *Block) Header() *Header { return CopyHeader(b.header) }

// Number returns the block number.
func (b *Block) Number() *big.Int { return new(big.Int).Set(b.header.Number) }

// GasLimit returns the gas limit of the block.
func (b *Block) GasLimit() uint64 { return b.header.GasLimit }

// Time returns the timestamp of the block.
func (b *Block) Time() uint64 { return b.header.Time }

// ParentHash returns the hash of the parent block.
func (b *Block) ParentHash() common.Hash { return b.header.ParentHash }

// Hash returns the keccak hash of the header fields the miner knows about.
func (b *Block) Hash() common.Hash {
	b.hashOnce.Do(func() {
		var payload []byte
		payload = rlp.AppendString(payload, b.header.ParentHash.Bytes())
		payload = rlp.AppendString(payload, b.header.Number.Bytes())
		payload = rlp.AppendUint64(payload, b.header.GasLimit)
		payload = rlp.AppendUint64(payload, b.header.Time)
		b.hash = crypto.Keccak256Hash(rlp.EncodeList(payload))
	})
	return b.hash
}
