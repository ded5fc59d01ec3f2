// Package config exposes the node parameters as typed accessors over the
// loaded viper configuration, with defaults for every tunable.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"

	"github.com/legacy-protocol/go-legacy/blockchain"
	"github.com/legacy-protocol/go-legacy/blockproducer"
	"github.com/legacy-protocol/go-legacy/consensus"
	"github.com/legacy-protocol/go-legacy/coordinate"
	"github.com/legacy-protocol/go-legacy/mempool"
)

// ErrNoShards is returned when the configuration names no shards to
// operate.
var ErrNoShards = errors.New("no shards configured")

func init() {
	viper.SetDefault("targetBlockTimeSeconds", 10)
	viper.SetDefault("difficultyWindow", 16)
	viper.SetDefault("maxDifficultyAdjustment", 4.0)
	viper.SetDefault("initialDifficultyBits", 16)
	viper.SetDefault("maxFutureDriftSeconds", 7200)
	viper.SetDefault("finalityDepth", 6)
	viper.SetDefault("mempoolMaxSize", 50000)
	viper.SetDefault("mempoolMinFeeRate", 0.00001)
	viper.SetDefault("maxBlockTxs", 1000)
}

// Consensus returns the shard consensus parameters.
func Consensus() consensus.Config {
	return consensus.Config{
		TargetBlockTime:  time.Duration(viper.GetInt("targetBlockTimeSeconds")) * time.Second,
		DifficultyWindow: viper.GetInt("difficultyWindow"),
		MaxAdjustment:    viper.GetFloat64("maxDifficultyAdjustment"),
		InitialBits:      uint32(viper.GetInt("initialDifficultyBits")),
		MaxFutureDrift:   time.Duration(viper.GetInt("maxFutureDriftSeconds")) * time.Second,
	}
}

// Chain returns the chain state machine parameters.
func Chain() blockchain.Config {
	return blockchain.Config{
		Consensus:     Consensus(),
		FinalityDepth: uint64(viper.GetInt("finalityDepth")),
	}
}

// Mempool returns the pending set parameters.
func Mempool() mempool.Config {
	return mempool.Config{
		MaxSize:    viper.GetInt("mempoolMaxSize"),
		MinFeeRate: viper.GetFloat64("mempoolMinFeeRate"),
	}
}

// Producer returns the block assembly parameters.
func Producer() blockproducer.Config {
	return blockproducer.Config{
		MaxBlockTxs: viper.GetInt("maxBlockTxs"),
	}
}

// Shards parses the configured shard coordinates, canonical
// "depth:p0,p1,..." strings under the "shards" key.
func Shards() ([]coordinate.Coordinate, error) {
	specs := viper.GetStringSlice("shards")
	if len(specs) == 0 {
		return nil, ErrNoShards
	}
	coords := make([]coordinate.Coordinate, 0, len(specs))
	for _, spec := range specs {
		coord, err := coordinate.Parse(spec)
		if err != nil {
			return nil, err
		}
		coords = append(coords, coord)
	}
	return coords, nil
}
