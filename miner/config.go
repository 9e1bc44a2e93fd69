package miner

import (
	"github.com/emberchain/ember/params"
)

// Config is the configuration of the block producer.
type Config struct {
	// BlockGasLimit is the gas budget of every produced block.
	BlockGasLimit uint64 `toml:",omitempty"`

	// Instamine limits every successor block mined within a single mining
	// session to one transaction.
	Instamine bool `toml:",omitempty"`

	// LegacyInstamine additionally makes block emission synchronous: the
	// miner waits for the registered block hook before mining on, giving
	// consumers back-pressure over block production.
	LegacyInstamine bool `toml:",omitempty"`
}

// DefaultConfig is the default config for the miner.
var DefaultConfig = Config{
	BlockGasLimit:   params.DefaultBlockGasLimit,
	Instamine:       false,
	LegacyInstamine: false,
}

func (c Config) sanitized() Config {
	if c.BlockGasLimit == 0 {
		c.BlockGasLimit = params.DefaultBlockGasLimit
	}
	if c.BlockGasLimit > params.MaxGasLimit {
		c.BlockGasLimit = params.MaxGasLimit
	}
	return c
}
