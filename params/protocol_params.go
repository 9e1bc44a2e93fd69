package params

const (
	// TxGas is the intrinsic gas of a plain value transfer. No transaction can
	// cost less, so once a block's remaining gas drops to this the selection
	// loop is done.
	TxGas uint64 = 21000

	// TxDataZeroGas is the per-byte calldata cost of a zero byte.
	TxDataZeroGas uint64 = 4

	// TxDataNonZeroGas is the per-byte calldata cost of a non-zero byte.
	TxDataNonZeroGas uint64 = 16

	// DefaultBlockGasLimit is the gas limit applied to produced blocks when the
	// node is not configured otherwise.
	DefaultBlockGasLimit uint64 = 30_000_000

	// MaxGasLimit is the ceiling accepted for a configured block gas limit.
	MaxGasLimit uint64 = 0x7fffffffffffffff
)
