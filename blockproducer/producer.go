// Package blockproducer assembles blocks for one shard: transaction
// selection from the mempool, cross-shard reference and proof wiring,
// mesh sealing and the mining loop.
package blockproducer

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/legacy-protocol/go-legacy/blockchain"
	"github.com/legacy-protocol/go-legacy/consensus"
	"github.com/legacy-protocol/go-legacy/coordinate"
	"github.com/legacy-protocol/go-legacy/log"
	"github.com/legacy-protocol/go-legacy/mempool"
	"github.com/legacy-protocol/go-legacy/mesh"
	"github.com/legacy-protocol/go-legacy/types"
)

var (
	// ErrNoTransactions is returned when the pool holds nothing for the
	// producer's shard.
	ErrNoTransactions = errors.New("no pending transactions for shard")

	// ErrMiningAborted is returned when the context expires before a
	// nonce satisfies the target.
	ErrMiningAborted = errors.New("mining aborted")

	// ErrNoChain is returned while the shard still lacks its genesis
	// block.
	ErrNoChain = errors.New("shard has no genesis block")
)

// Config carries the assembly parameters.
type Config struct {
	// MaxBlockTxs caps the transactions selected per block.
	MaxBlockTxs int
}

func DefaultConfig() Config {
	return Config{MaxBlockTxs: 1000}
}

// Producer builds blocks for one shard chain.
type Producer struct {
	logger *log.Logger
	cfg    Config
	coord  coordinate.Coordinate
	chain  *blockchain.Blockchain
	pool   *mempool.Pool

	now func() time.Time
}

func NewProducer(cfg Config, coord coordinate.Coordinate, chain *blockchain.Blockchain, pool *mempool.Pool) *Producer {
	return &Producer{
		logger: log.NewLogger("producer"),
		cfg:    cfg,
		coord:  coord,
		chain:  chain,
		pool:   pool,
		now:    time.Now,
	}
}

// Coordinate returns the shard coordinate the producer builds for.
func (p *Producer) Coordinate() coordinate.Coordinate {
	return p.coord
}

// Genesis builds the anchor block for the producer's shard: a single
// coinbase transaction, no parent, no work.
func (p *Producer) Genesis(outputs []types.TxOutput, timestamp int64) *types.Block {
	coinbase := &types.Transaction{Outputs: outputs, Timestamp: timestamp}

	builder := mesh.NewBuilder(mesh.DefaultHasher(), p.coord.ShardID())
	builder.AddTransaction(coinbase.Hash())

	header := types.BlockHeader{
		Version:        types.BlockVersion,
		Coordinate:     p.coord,
		MeshRoot:       builder.Build().Root(),
		DifficultyBits: p.chain.Config().Consensus.InitialBits,
		Timestamp:      timestamp,
	}
	return &types.Block{
		Header:           header,
		Transactions:     []*types.Transaction{coinbase},
		CrossShardProofs: make(map[common.Hash]*mesh.Proof),
	}
}

// BuildBlock assembles and mines the next block on the shard tip. The
// context bounds the mining loop; an expired context surfaces as
// ErrMiningAborted.
func (p *Producer) BuildBlock(ctx context.Context) (*types.Block, error) {
	shard := p.coord.ShardID()

	state, hasTip, err := p.chain.ShardTip(shard)
	if err != nil {
		return nil, err
	}
	if !hasTip {
		return nil, ErrNoChain
	}
	parent, exists, err := p.chain.HeaderByHash(state.TipHash)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.New("shard tip header missing")
	}

	txs, foreignProofs, err := p.selectTransactions(shard)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ErrNoTransactions
	}

	refs, err := p.buildRefs(shard, txs)
	if err != nil {
		return nil, err
	}

	bits, err := p.chain.NextDifficulty(shard)
	if err != nil {
		return nil, err
	}

	timestamp := p.now().Unix()
	if timestamp <= parent.Header.Timestamp {
		timestamp = parent.Header.Timestamp + 1
	}

	header := types.BlockHeader{
		Version:        types.BlockVersion,
		PrevHash:       parent.BlockHash,
		Height:         parent.Header.Height + 1,
		Coordinate:     p.coord,
		DifficultyBits: bits,
		Timestamp:      timestamp,
		CrossShardRefs: refs,
	}
	header.SortRefs()

	builder := mesh.NewBuilder(mesh.DefaultHasher(), shard)
	for _, tx := range txs {
		builder.AddTransaction(tx.Hash())
	}
	for _, ref := range header.CrossShardRefs {
		builder.AddShardRoot(ref.Shard, ref.Level1Root, ref.BlockHash)
	}
	m := builder.Build()
	header.MeshRoot = m.Root()

	if err := mine(ctx, &header); err != nil {
		return nil, err
	}

	block := &types.Block{
		Header:           header,
		Transactions:     txs,
		CrossShardProofs: foreignProofs,
	}
	blockHash := block.Hash()
	for _, tx := range txs {
		if !tx.CrossShard() {
			continue
		}
		proof, err := m.Prove(tx.Hash())
		if err != nil {
			return nil, err
		}
		proof.TargetShards = tx.TargetShards()
		proof.SourceBlockHash = blockHash
		block.CrossShardProofs[tx.Hash()] = proof
	}

	p.logger.Info().Str("hash", blockHash.Hex()).Uint64("height", header.Height).
		Int("txs", len(txs)).Int("refs", len(refs)).Msg("assembled block")
	return block, nil
}

// selectTransactions takes the shard's pending transactions by fee order,
// skipping any whose foreign inputs cannot yet be settled. The returned
// proof map seeds the block's proof set with the consumed foreign proofs.
func (p *Producer) selectTransactions(shard coordinate.ShardID) ([]*types.Transaction, map[common.Hash]*mesh.Proof, error) {
	candidates := p.pool.ShardTransactions(shard, p.cfg.MaxBlockTxs)
	finality := p.chain.Config().FinalityDepth
	utxos := p.chain.UTXOIndex()

	var selected []*types.Transaction
	proofs := make(map[common.Hash]*mesh.Proof)

next:
	for _, tx := range candidates {
		staged := make(map[common.Hash]*mesh.Proof)
		for _, outpoint := range tx.Inputs {
			utxo, exists, err := utxos.GetUnspent(outpoint)
			if err != nil {
				return nil, nil, err
			}
			if !exists {
				continue next
			}
			if utxo.Coordinate.ShardID() == shard {
				continue
			}

			proof, published, err := p.chain.GetProofFor(outpoint.TxHash)
			if err != nil {
				return nil, nil, err
			}
			if !published || !proof.Targets(shard) {
				continue next
			}
			confirmations, err := p.chain.Confirmations(proof.SourceBlockHash)
			if err != nil {
				return nil, nil, err
			}
			if confirmations < finality {
				// not final yet, leave the transaction pending
				continue next
			}
			staged[outpoint.TxHash] = proof
		}
		for txHash, proof := range staged {
			proofs[txHash] = proof
		}
		selected = append(selected, tx)
	}
	return selected, proofs, nil
}

// buildRefs anchors the tips of every shard the selected transactions pay
// into, when those shards have chains to reference.
func (p *Producer) buildRefs(shard coordinate.ShardID, txs []*types.Transaction) ([]types.CrossShardRef, error) {
	targets := make(map[coordinate.ShardID]struct{})
	for _, tx := range txs {
		for _, target := range tx.TargetShards() {
			targets[target] = struct{}{}
		}
	}

	var refs []types.CrossShardRef
	for target := range targets {
		state, hasTip, err := p.chain.ShardTip(target)
		if err != nil {
			return nil, err
		}
		if !hasTip {
			continue
		}
		level1, exists, err := p.chain.Level1Root(state.TipHash)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		refs = append(refs, types.CrossShardRef{Shard: target, Level1Root: level1, BlockHash: state.TipHash})
	}
	return refs, nil
}

// mine searches nonces until the header hash meets its target, checking
// the context every stride.
func mine(ctx context.Context, header *types.BlockHeader) error {
	const stride = 4096
	for {
		for i := 0; i < stride; i++ {
			if consensus.ValidateWork(header) == nil {
				return nil
			}
			header.Nonce++
		}
		select {
		case <-ctx.Done():
			return ErrMiningAborted
		default:
		}
	}
}
