package mempool

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legacy-protocol/go-legacy/coordinate"
	"github.com/legacy-protocol/go-legacy/db/memorydb"
	"github.com/legacy-protocol/go-legacy/types"
	"github.com/legacy-protocol/go-legacy/utxoindex"
)

var (
	shardCoordA = coordinate.MustNew(2, []uint8{1, 2})
	shardCoordB = coordinate.MustNew(2, []uint8{1, 3})
)

func newTestPool(t *testing.T) (*Pool, *utxoindex.Index, func(outpoint types.Outpoint, value uint64, coord coordinate.Coordinate, script ...byte)) {
	t.Helper()
	database := memorydb.NewDB()
	index, err := utxoindex.NewIndex(database)
	require.NoError(t, err)

	fund := func(outpoint types.Outpoint, value uint64, coord coordinate.Coordinate, script ...byte) {
		tx := database.NewTx()
		batch := index.NewBatch(tx)
		require.NoError(t, batch.Put(&utxoindex.UTXO{Outpoint: outpoint, Value: value, LockScript: script, Coordinate: coord}))
		require.NoError(t, tx.Commit())
		batch.Finalize()
	}
	return NewPool(Config{MaxSize: 4, MinFeeRate: 0.001}), index, fund
}

func outpoint(b byte) types.Outpoint {
	var h common.Hash
	h[0] = b
	return types.Outpoint{TxHash: h}
}

func pendingTx(input types.Outpoint, outValue uint64, coord coordinate.Coordinate) *types.Transaction {
	return &types.Transaction{
		Inputs:    []types.Outpoint{input},
		Outputs:   []types.TxOutput{{Value: outValue, LockScript: []byte("out"), Coordinate: coord}},
		Timestamp: 1700000000,
	}
}

func TestAdmission(t *testing.T) {
	pool, index, fund := newTestPool(t)
	fund(outpoint(1), 100, shardCoordA)

	tx := pendingTx(outpoint(1), 90, shardCoordA)
	require.NoError(t, pool.Add(tx, index))
	assert.Equal(t, 1, pool.Size())

	got, ok := pool.Get(tx.Hash())
	require.True(t, ok)
	assert.Equal(t, tx.Hash(), got.Hash())
	assert.True(t, pool.IsReserved(outpoint(1)))

	assert.ErrorIs(t, pool.Add(tx, index), ErrAlreadyKnown)
}

func TestAdmissionRejections(t *testing.T) {
	pool, index, fund := newTestPool(t)
	fund(outpoint(1), 100, shardCoordA)

	// unknown input
	assert.ErrorIs(t, pool.Add(pendingTx(outpoint(9), 1, shardCoordA), index), ErrUnknownOutpoint)

	// outputs exceed inputs
	assert.ErrorIs(t, pool.Add(pendingTx(outpoint(1), 101, shardCoordA), index), ErrNegativeFee)

	// zero fee is below the minimum rate
	assert.ErrorIs(t, pool.Add(pendingTx(outpoint(1), 100, shardCoordA), index), ErrFeeTooLow)

	// coinbase
	coinbase := &types.Transaction{Outputs: []types.TxOutput{{Value: 1, Coordinate: shardCoordA}}}
	assert.ErrorIs(t, pool.Add(coinbase, index), ErrCoinbase)
}

func TestDataCarrierInputRejected(t *testing.T) {
	pool, index, fund := newTestPool(t)
	fund(outpoint(1), 5, shardCoordA, []byte("OP_RETURN data")...)

	assert.ErrorIs(t, pool.Add(pendingTx(outpoint(1), 1, shardCoordA), index), ErrUnspendable)
}

func TestReinstate(t *testing.T) {
	pool, index, fund := newTestPool(t)
	fund(outpoint(1), 100, shardCoordA)
	fund(outpoint(2), 100, shardCoordA)

	rolledBack := pendingTx(outpoint(1), 90, shardCoordA)
	coinbase := &types.Transaction{Outputs: []types.TxOutput{{Value: 1, Coordinate: shardCoordA}}}
	// one transaction's input no longer exists after the rollback
	gone := pendingTx(outpoint(9), 1, shardCoordA)

	block := &types.Block{Transactions: []*types.Transaction{coinbase, rolledBack, gone}}
	pool.Reinstate(block, index)

	assert.Equal(t, 1, pool.Size())
	_, ok := pool.Get(rolledBack.Hash())
	assert.True(t, ok)
}

func TestConflictingSpendRejected(t *testing.T) {
	pool, index, fund := newTestPool(t)
	fund(outpoint(1), 100, shardCoordA)

	first := pendingTx(outpoint(1), 90, shardCoordA)
	require.NoError(t, pool.Add(first, index))

	second := pendingTx(outpoint(1), 80, shardCoordA)
	assert.ErrorIs(t, pool.Add(second, index), ErrOutpointReserved)

	spender, ok := pool.SpendingTransaction(outpoint(1))
	require.True(t, ok)
	assert.Equal(t, first.Hash(), spender.Hash())

	// removal releases the reservation
	pool.Remove(first.Hash())
	assert.False(t, pool.IsReserved(outpoint(1)))
	require.NoError(t, pool.Add(second, index))
}

func TestShardOrdering(t *testing.T) {
	pool, index, fund := newTestPool(t)
	fund(outpoint(1), 100, shardCoordA)
	fund(outpoint(2), 100, shardCoordA)
	fund(outpoint(3), 100, shardCoordB)

	cheap := pendingTx(outpoint(1), 99, shardCoordA)
	rich := pendingTx(outpoint(2), 50, shardCoordA)
	other := pendingTx(outpoint(3), 50, shardCoordB)
	require.NoError(t, pool.Add(cheap, index))
	require.NoError(t, pool.Add(rich, index))
	require.NoError(t, pool.Add(other, index))

	txs := pool.ShardTransactions(shardCoordA.ShardID(), 0)
	require.Len(t, txs, 2)
	assert.Equal(t, rich.Hash(), txs[0].Hash())
	assert.Equal(t, cheap.Hash(), txs[1].Hash())

	txs = pool.ShardTransactions(shardCoordA.ShardID(), 1)
	require.Len(t, txs, 1)
	assert.Equal(t, rich.Hash(), txs[0].Hash())

	assert.Empty(t, pool.ShardTransactions(coordinate.Root().ShardID(), 0))
}

func TestEvictionPrefersLowFee(t *testing.T) {
	pool, index, fund := newTestPool(t)
	for b := byte(1); b <= 5; b++ {
		fund(outpoint(b), 100, shardCoordA)
	}

	cheap := pendingTx(outpoint(1), 99, shardCoordA)
	require.NoError(t, pool.Add(cheap, index))
	for b := byte(2); b <= 4; b++ {
		require.NoError(t, pool.Add(pendingTx(outpoint(b), 50, shardCoordA), index))
	}
	require.Equal(t, 4, pool.Size())

	// a richer transaction displaces the cheapest
	rich := pendingTx(outpoint(5), 10, shardCoordA)
	require.NoError(t, pool.Add(rich, index))
	assert.Equal(t, 4, pool.Size())
	_, ok := pool.Get(cheap.Hash())
	assert.False(t, ok)
	assert.False(t, pool.IsReserved(outpoint(1)))

	// a transaction cheaper than everything pending is turned away
	fund(outpoint(6), 100, shardCoordA)
	poorest := pendingTx(outpoint(6), 99, shardCoordA)
	assert.ErrorIs(t, pool.Add(poorest, index), ErrPoolFull)
}

func TestRemoveCommitted(t *testing.T) {
	pool, index, fund := newTestPool(t)
	fund(outpoint(1), 100, shardCoordA)
	fund(outpoint(2), 100, shardCoordA)

	included := pendingTx(outpoint(1), 90, shardCoordA)
	require.NoError(t, pool.Add(included, index))
	unrelated := pendingTx(outpoint(2), 90, shardCoordA)
	require.NoError(t, pool.Add(unrelated, index))

	// the block includes one pool transaction and one unseen conflict
	conflict := pendingTx(outpoint(2), 80, shardCoordA)
	block := &types.Block{Transactions: []*types.Transaction{included, conflict}}
	pool.RemoveCommitted(block)

	_, ok := pool.Get(included.Hash())
	assert.False(t, ok)
	_, ok = pool.Get(unrelated.Hash())
	assert.False(t, ok, "pending conflict with a committed spend must be dropped")
	assert.Equal(t, 0, pool.Size())
}
