package core

import (
	"fmt"

	"github.com/emberchain/ember/common"
)

// RuntimeError is the error a VM-rejected transaction is finalized with. The
// EVM refused to run the transaction at all, so the trace is synthetic: a
// zero program counter and no return data, carrying only the EVM's message.
type RuntimeError struct {
	TxHash         common.Hash
	Reason         string
	ProgramCounter uint64
	ReturnValue    []byte
}

// NewRuntimeError wraps an EVM rejection message for the given transaction.
func NewRuntimeError(txHash common.Hash, reason string) *RuntimeError {
	return &RuntimeError{
		TxHash: txHash,
		Reason: reason,
	}
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("VM Exception while processing transaction: %s", e.Reason)
}
