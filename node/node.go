// Package node wires the full stack: storage, chain state machine,
// mempool and one block producer per configured shard.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/legacy-protocol/go-legacy/blockchain"
	"github.com/legacy-protocol/go-legacy/blockproducer"
	"github.com/legacy-protocol/go-legacy/config"
	legacydb "github.com/legacy-protocol/go-legacy/db"
	"github.com/legacy-protocol/go-legacy/log"
	"github.com/legacy-protocol/go-legacy/mempool"
	"github.com/legacy-protocol/go-legacy/types"
)

// Node runs the shard chains of one operator.
type Node struct {
	logger    *log.Logger
	chain     *blockchain.Blockchain
	pool      *mempool.Pool
	producers []*blockproducer.Producer

	blockTime time.Duration
	quit      chan struct{}
	wg        sync.WaitGroup
}

// NewNode assembles a node over the given storage backend, reading the
// chain parameters and the operated shard list from the loaded config.
func NewNode(database legacydb.DB) (*Node, error) {
	chainConfig := config.Chain()

	chain, err := blockchain.New(database, chainConfig)
	if err != nil {
		return nil, err
	}
	pool := mempool.NewPool(config.Mempool())
	chain.SetRollbackHook(func(block *types.Block) {
		pool.Reinstate(block, chain.UTXOIndex())
	})

	coords, err := config.Shards()
	if err != nil {
		return nil, err
	}
	producerConfig := config.Producer()
	producers := make([]*blockproducer.Producer, 0, len(coords))
	for _, coord := range coords {
		producers = append(producers, blockproducer.NewProducer(producerConfig, coord, chain, pool))
	}

	return &Node{
		logger:    log.NewLogger("node"),
		chain:     chain,
		pool:      pool,
		producers: producers,
		blockTime: chainConfig.Consensus.TargetBlockTime,
		quit:      make(chan struct{}),
	}, nil
}

func (n *Node) Chain() *blockchain.Blockchain {
	return n.chain
}

func (n *Node) Pool() *mempool.Pool {
	return n.pool
}

// SubmitTransaction admits a transaction into the pending set.
func (n *Node) SubmitTransaction(tx *types.Transaction) error {
	return n.pool.Add(tx, n.chain.UTXOIndex())
}

// SubmitBlock feeds an externally received block into the chain and, on
// acceptance, clears the transactions it settled from the pool.
func (n *Node) SubmitBlock(block *types.Block) (bool, error) {
	accepted, kind, err := n.chain.AddBlock(block)
	if err != nil {
		return false, err
	}
	if accepted {
		n.pool.RemoveCommitted(block)
	} else {
		n.logger.Debug().Str("hash", block.Hash().Hex()).Str("kind", string(kind)).Msg("block not accepted")
	}
	return accepted, nil
}

// Bootstrap commits a genesis block for every operated shard still
// without a chain, funding each with the configured genesis allocation.
func (n *Node) Bootstrap(value uint64, timestamp int64) error {
	for _, producer := range n.producers {
		coord := producer.Coordinate()
		_, hasTip, err := n.chain.ShardTip(coord.ShardID())
		if err != nil {
			return err
		}
		if hasTip {
			continue
		}
		genesis := producer.Genesis([]types.TxOutput{{Value: value, LockScript: []byte("genesis"), Coordinate: coord}}, timestamp)
		accepted, kind, err := n.chain.AddBlock(genesis)
		if err != nil {
			return err
		}
		if !accepted {
			n.logger.Error().Str("shard", coord.String()).Str("kind", string(kind)).Msg("genesis block rejected")
			continue
		}
		n.logger.Info().Str("shard", coord.String()).Str("hash", genesis.Hash().Hex()).Msg("bootstrapped shard chain")
	}
	return nil
}

// Start launches one production loop per operated shard.
func (n *Node) Start() {
	for _, producer := range n.producers {
		n.wg.Add(1)
		go n.produceLoop(producer)
	}
}

// Stop halts the production loops and waits for them to drain.
func (n *Node) Stop() {
	close(n.quit)
	n.wg.Wait()
}

func (n *Node) produceLoop(producer *blockproducer.Producer) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.blockTime)
	defer ticker.Stop()

	for {
		select {
		case <-n.quit:
			return
		case <-ticker.C:
			n.produceOnce(producer)
		}
	}
}

func (n *Node) produceOnce(producer *blockproducer.Producer) {
	ctx, cancel := context.WithTimeout(context.Background(), n.blockTime)
	defer cancel()

	block, err := producer.BuildBlock(ctx)
	if err != nil {
		if !errors.Is(err, blockproducer.ErrNoTransactions) &&
			!errors.Is(err, blockproducer.ErrMiningAborted) &&
			!errors.Is(err, blockproducer.ErrNoChain) {
			n.logger.Error().Err(err).Msg("block assembly failed")
		}
		return
	}

	accepted, kind, err := n.chain.AddBlock(block)
	if err != nil {
		n.logger.Error().Err(err).Str("hash", block.Hash().Hex()).Msg("failed to commit produced block")
		return
	}
	if !accepted {
		n.logger.Warn().Str("hash", block.Hash().Hex()).Str("kind", string(kind)).Msg("produced block rejected")
		return
	}
	n.pool.RemoveCommitted(block)
}
