package miner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksMinedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miner_blocks_mined_total",
		Help: "Number of blocks produced by the miner.",
	})
	txsMinedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miner_txs_mined_total",
		Help: "Number of transactions included in produced blocks.",
	})
	txsRejectedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miner_txs_rejected_total",
		Help: "Number of transactions the VM refused to run.",
	})

	blockGasUsedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "miner_block_gas_used",
		Help: "Gas used by the most recently produced block.",
	})
	blockTxNumGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "miner_block_tx_num",
		Help: "Transaction count of the most recently produced block.",
	})

	blockBuildTimer = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "miner_block_build_seconds",
		Help:    "Time spent building a block.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)
