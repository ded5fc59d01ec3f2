package blockproducer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legacy-protocol/go-legacy/blockchain"
	"github.com/legacy-protocol/go-legacy/consensus"
	"github.com/legacy-protocol/go-legacy/coordinate"
	"github.com/legacy-protocol/go-legacy/db/memorydb"
	"github.com/legacy-protocol/go-legacy/mempool"
	"github.com/legacy-protocol/go-legacy/types"
	"github.com/legacy-protocol/go-legacy/validator"
)

var (
	shardCoordA = coordinate.MustNew(2, []uint8{1, 2})
	shardCoordB = coordinate.MustNew(2, []uint8{1, 3})
)

type testNode struct {
	chain *blockchain.Blockchain
	pool  *mempool.Pool
	clock int64
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	cfg := blockchain.Config{
		Consensus: consensus.Config{
			TargetBlockTime:  10 * time.Second,
			DifficultyWindow: 100,
			MaxAdjustment:    4.0,
			InitialBits:      1,
			MaxFutureDrift:   2 * time.Hour,
		},
		FinalityDepth: 2,
	}
	chain, err := blockchain.New(memorydb.NewDB(), cfg)
	require.NoError(t, err)
	return &testNode{
		chain: chain,
		pool:  mempool.NewPool(mempool.Config{MaxSize: 100, MinFeeRate: 0}),
		clock: 1700000000,
	}
}

func (n *testNode) producer(coord coordinate.Coordinate) *Producer {
	p := NewProducer(DefaultConfig(), coord, n.chain, n.pool)
	p.now = func() time.Time {
		n.clock += 10
		return time.Unix(n.clock, 0)
	}
	return p
}

func (n *testNode) commit(t *testing.T, block *types.Block) {
	t.Helper()
	accepted, kind, err := n.chain.AddBlock(block)
	require.NoError(t, err)
	require.True(t, accepted, "kind=%s", kind)
	n.pool.RemoveCommitted(block)
}

func (n *testNode) submit(t *testing.T, tx *types.Transaction) {
	t.Helper()
	require.NoError(t, n.pool.Add(tx, n.chain.UTXOIndex()))
}

func spendTx(input types.Outpoint, value uint64, dest coordinate.Coordinate) *types.Transaction {
	return &types.Transaction{
		Inputs:    []types.Outpoint{input},
		Outputs:   []types.TxOutput{{Value: value, LockScript: []byte("next"), Coordinate: dest}},
		Timestamp: 1700000001,
	}
}

func TestProduceOnTip(t *testing.T) {
	node := newTestNode(t)
	producer := node.producer(shardCoordA)

	genesis := producer.Genesis([]types.TxOutput{{Value: 100, LockScript: []byte("genesis"), Coordinate: shardCoordA}}, 1700000000)
	node.commit(t, genesis)

	funded := types.Outpoint{TxHash: genesis.Transactions[0].Hash(), Index: 0}
	node.submit(t, spendTx(funded, 90, shardCoordA))

	block, err := producer.BuildBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), block.Header.Height)
	assert.Equal(t, genesis.Hash(), block.Header.PrevHash)
	require.Len(t, block.Transactions, 1)
	require.NoError(t, consensus.ValidateWork(&block.Header))

	node.commit(t, block)

	state, _, err := node.chain.ShardTip(shardCoordA.ShardID())
	require.NoError(t, err)
	assert.Equal(t, block.Hash(), state.TipHash)
	assert.Equal(t, 0, node.pool.Size())
}

func TestBuildBlockEmptyPool(t *testing.T) {
	node := newTestNode(t)
	producer := node.producer(shardCoordA)
	node.commit(t, producer.Genesis([]types.TxOutput{{Value: 100, Coordinate: shardCoordA}}, 1700000000))

	_, err := producer.BuildBlock(context.Background())
	assert.ErrorIs(t, err, ErrNoTransactions)
}

// TestCrossShardProduction walks a payment from shard B into shard A
// through two producers sharing one node: the source block publishes the
// settlement proof, and the target producer holds the spend back until
// the source block is final.
func TestCrossShardProduction(t *testing.T) {
	node := newTestNode(t)
	producerA := node.producer(shardCoordA)
	producerB := node.producer(shardCoordB)

	genesisB := producerB.Genesis([]types.TxOutput{
		{Value: 60, LockScript: []byte("genesis"), Coordinate: shardCoordB},
		{Value: 40, LockScript: []byte("genesis"), Coordinate: shardCoordB},
	}, 1700000000)
	node.commit(t, genesisB)
	genesisA := producerA.Genesis([]types.TxOutput{{Value: 100, LockScript: []byte("genesis"), Coordinate: shardCoordA}}, 1700000000)
	node.commit(t, genesisA)
	coinbaseB := genesisB.Transactions[0].Hash()

	// shard B pays into shard A
	crossTx := &types.Transaction{
		Inputs: []types.Outpoint{{TxHash: coinbaseB, Index: 0}},
		Outputs: []types.TxOutput{
			{Value: 10, LockScript: []byte("held"), Coordinate: shardCoordB},
			{Value: 40, LockScript: []byte("paid"), Coordinate: shardCoordA},
		},
		Timestamp: 1700000001,
	}
	node.submit(t, crossTx)

	b1, err := producerB.BuildBlock(context.Background())
	require.NoError(t, err)
	// the cross-shard transaction carries a proof and the header anchors
	// the target shard's tip
	proof, ok := b1.ProofFor(crossTx.Hash())
	require.True(t, ok)
	assert.Equal(t, b1.Hash(), proof.SourceBlockHash)
	require.Len(t, b1.Header.CrossShardRefs, 1)
	assert.Equal(t, shardCoordA.ShardID(), b1.Header.CrossShardRefs[0].Shard)
	assert.Equal(t, genesisA.Hash(), b1.Header.CrossShardRefs[0].BlockHash)
	node.commit(t, b1)

	// shard A wants to spend the foreign output immediately
	foreign := types.Outpoint{TxHash: crossTx.Hash(), Index: 0}
	node.submit(t, spendTx(foreign, 9, shardCoordA))

	// one confirmation is short of finality, the spend stays pending
	_, err = producerA.BuildBlock(context.Background())
	assert.ErrorIs(t, err, ErrNoTransactions)
	assert.Equal(t, 1, node.pool.Size())

	// burying the source block unlocks it
	node.submit(t, spendTx(types.Outpoint{TxHash: coinbaseB, Index: 1}, 39, shardCoordB))
	b2, err := producerB.BuildBlock(context.Background())
	require.NoError(t, err)
	node.commit(t, b2)

	a1, err := producerA.BuildBlock(context.Background())
	require.NoError(t, err)
	require.Len(t, a1.Transactions, 1)
	carried, ok := a1.ProofFor(crossTx.Hash())
	require.True(t, ok)
	assert.Equal(t, b1.Hash(), carried.SourceBlockHash)

	accepted, kind, err := node.chain.AddBlock(a1)
	require.NoError(t, err)
	require.True(t, accepted, "kind=%s", kind)
	assert.Equal(t, validator.KindNone, kind)
}

func TestMiningAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	header := types.BlockHeader{
		Version:        types.BlockVersion,
		Coordinate:     shardCoordA,
		DifficultyBits: 255, // unreachable target
		Timestamp:      1700000000,
	}
	assert.ErrorIs(t, mine(ctx, &header), ErrMiningAborted)
}
