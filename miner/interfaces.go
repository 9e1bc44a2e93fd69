package miner

import (
	"context"

	"github.com/emberchain/ember/core/state"
	"github.com/emberchain/ember/core/types"
)

// VM is the EVM collaborator. RunTx executes a transaction in the context of
// the block being built and returns what it consumed and produced; it returns
// an error for a transaction it refuses to run at all. State effects happen
// through the VM's state manager, which the miner sequences with the
// checkpoint discipline.
type VM interface {
	RunTx(ctx context.Context, tx *types.Transaction, block *types.Block) (*types.ExecutionResult, error)
	StateManager() state.Manager
}

// BlockFactory constructs the block to mine on top of the given parent. Each
// call returns a fresh block; the miner treats it as immutable.
type BlockFactory func(parent *types.Block) *types.Block

// BlockHookFn is called with each produced block. Under legacy instamine the
// miner waits for the hook to return before mining the next block.
type BlockHookFn func(ctx context.Context, data *BlockData) error
