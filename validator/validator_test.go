package validator

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legacy-protocol/go-legacy/consensus"
	"github.com/legacy-protocol/go-legacy/coordinate"
	"github.com/legacy-protocol/go-legacy/db/memorydb"
	"github.com/legacy-protocol/go-legacy/mesh"
	"github.com/legacy-protocol/go-legacy/types"
	"github.com/legacy-protocol/go-legacy/utxoindex"
)

var (
	shardCoordA = coordinate.MustNew(2, []uint8{1, 2})
	shardCoordB = coordinate.MustNew(2, []uint8{1, 3})
)

func testConsensusConfig() consensus.Config {
	return consensus.Config{
		TargetBlockTime:  10 * time.Second,
		DifficultyWindow: 100, // never adjusts within a test chain
		MaxAdjustment:    4.0,
		InitialBits:      1,
		MaxFutureDrift:   2 * time.Hour,
	}
}

type fakeChain struct {
	records       map[common.Hash]*types.HeaderRecord
	confirmations map[common.Hash]uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		records:       make(map[common.Hash]*types.HeaderRecord),
		confirmations: make(map[common.Hash]uint64),
	}
}

func (c *fakeChain) add(block *types.Block, confirmations uint64) {
	hash := block.Hash()
	c.records[hash] = &types.HeaderRecord{Header: block.Header, BlockHash: hash, Applied: true}
	c.confirmations[hash] = confirmations
}

func (c *fakeChain) HeaderByHash(hash common.Hash) (*types.HeaderRecord, bool, error) {
	record, ok := c.records[hash]
	return record, ok, nil
}

func (c *fakeChain) Confirmations(hash common.Hash) (uint64, error) {
	return c.confirmations[hash], nil
}

func (c *fakeChain) HeadersBack(from common.Hash, count int) ([]*types.BlockHeader, error) {
	var reversed []*types.BlockHeader
	cursor := from
	for len(reversed) < count {
		record, ok := c.records[cursor]
		if !ok {
			break
		}
		reversed = append(reversed, &record.Header)
		if record.Header.Height == 0 {
			break
		}
		cursor = record.Header.PrevHash
	}
	headers := make([]*types.BlockHeader, len(reversed))
	for i, h := range reversed {
		headers[len(reversed)-1-i] = h
	}
	return headers, nil
}

// buildBlock assembles and seals a block: mesh root from the transaction
// list and refs, nonce mined for non-genesis blocks, cross-shard proofs
// attached after sealing.
func buildBlock(t *testing.T, parent *types.HeaderRecord, coord coordinate.Coordinate, txs []*types.Transaction, refs []types.CrossShardRef, timestamp int64) *types.Block {
	t.Helper()

	header := types.BlockHeader{
		Version:        types.BlockVersion,
		Coordinate:     coord,
		DifficultyBits: testConsensusConfig().InitialBits,
		Timestamp:      timestamp,
		CrossShardRefs: refs,
	}
	if parent != nil {
		header.PrevHash = parent.BlockHash
		header.Height = parent.Header.Height + 1
	}
	header.SortRefs()

	builder := mesh.NewBuilder(mesh.DefaultHasher(), coord.ShardID())
	for _, tx := range txs {
		builder.AddTransaction(tx.Hash())
	}
	for _, ref := range refs {
		builder.AddShardRoot(ref.Shard, ref.Level1Root, ref.BlockHash)
	}
	m := builder.Build()
	header.MeshRoot = m.Root()

	if parent != nil {
		for consensus.ValidateWork(&header) != nil {
			header.Nonce++
		}
	}

	block := &types.Block{
		Header:           header,
		Transactions:     txs,
		CrossShardProofs: make(map[common.Hash]*mesh.Proof),
	}
	for _, tx := range txs {
		if !tx.CrossShard() {
			continue
		}
		proof, err := m.Prove(tx.Hash())
		require.NoError(t, err)
		proof.TargetShards = tx.TargetShards()
		proof.SourceBlockHash = block.Hash()
		block.CrossShardProofs[tx.Hash()] = proof
	}
	return block
}

func coinbaseTx(coord coordinate.Coordinate, value uint64) *types.Transaction {
	return &types.Transaction{
		Outputs:   []types.TxOutput{{Value: value, LockScript: []byte("genesis"), Coordinate: coord}},
		Timestamp: 1700000000,
	}
}

func record(block *types.Block) *types.HeaderRecord {
	return &types.HeaderRecord{Header: block.Header, BlockHash: block.Hash(), Applied: true}
}

type testEnv struct {
	validator *Validator
	chain     *fakeChain
	database  *memorydb.DB
	index     *utxoindex.Index
}

func newTestEnv(t *testing.T) *testEnv {
	database := memorydb.NewDB()
	index, err := utxoindex.NewIndex(database)
	require.NoError(t, err)
	return &testEnv{
		validator: NewValidator(testConsensusConfig(), 3),
		chain:     newFakeChain(),
		database:  database,
		index:     index,
	}
}

func (env *testEnv) fund(t *testing.T, utxo *utxoindex.UTXO) {
	t.Helper()
	tx := env.database.NewTx()
	batch := env.index.NewBatch(tx)
	require.NoError(t, batch.Put(utxo))
	require.NoError(t, tx.Commit())
	batch.Finalize()
}

func TestGenesisValidates(t *testing.T) {
	env := newTestEnv(t)
	v, chain, index := env.validator, env.chain, env.index

	genesis := buildBlock(t, nil, shardCoordA, []*types.Transaction{coinbaseTx(shardCoordA, 100)}, nil, 1700000000)
	result, err := v.Validate(genesis, nil, chain, index, time.Unix(1700000100, 0))
	require.NoError(t, err)
	require.False(t, result.Rejected(), "kind=%s", result.Kind())
	assert.Equal(t, StageCrossShardValid, result.Stage)
	assert.Len(t, result.Created, 1)
	assert.Empty(t, result.Spent)
}

func TestStructuralRejections(t *testing.T) {
	env := newTestEnv(t)
	v, chain, index := env.validator, env.chain, env.index
	now := time.Unix(1700000100, 0)

	genesis := buildBlock(t, nil, shardCoordA, []*types.Transaction{coinbaseTx(shardCoordA, 100)}, nil, 1700000000)
	chain.add(genesis, 1)

	// empty transaction list
	empty := buildBlock(t, record(genesis), shardCoordA, nil, nil, 1700000010)
	result, err := v.Validate(empty, record(genesis), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindStructurallyInvalid, result.Kind())

	// coinbase outside genesis
	lateCoinbase := buildBlock(t, record(genesis), shardCoordA, []*types.Transaction{coinbaseTx(shardCoordA, 1)}, nil, 1700000010)
	result, err = v.Validate(lateCoinbase, record(genesis), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindStructurallyInvalid, result.Kind())

	// transaction sourced in a foreign shard
	foreignTx := &types.Transaction{
		Inputs:  []types.Outpoint{{TxHash: common.HexToHash("0x01")}},
		Outputs: []types.TxOutput{{Value: 1, Coordinate: shardCoordB}},
	}
	wrongShard := buildBlock(t, record(genesis), shardCoordA, []*types.Transaction{foreignTx}, nil, 1700000010)
	result, err = v.Validate(wrongShard, record(genesis), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindStructurallyInvalid, result.Kind())

	// height gap
	skip := buildBlock(t, record(genesis), shardCoordA, []*types.Transaction{coinbaseTx(shardCoordA, 1)}, nil, 1700000010)
	skip.Header.Height = 5
	result, err = v.Validate(skip, record(genesis), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindStructurallyInvalid, result.Kind())
}

func spendTx(outpoint types.Outpoint, value uint64, dest coordinate.Coordinate) *types.Transaction {
	return &types.Transaction{
		Inputs:    []types.Outpoint{outpoint},
		Outputs:   []types.TxOutput{{Value: value, LockScript: []byte("next"), Coordinate: dest}},
		Timestamp: 1700000001,
	}
}

func TestUTXORejections(t *testing.T) {
	env := newTestEnv(t)
	v, chain, index := env.validator, env.chain, env.index
	now := time.Unix(1700000100, 0)

	genesis := buildBlock(t, nil, shardCoordA, []*types.Transaction{coinbaseTx(shardCoordA, 100)}, nil, 1700000000)
	chain.add(genesis, 10)

	funded := &utxoindex.UTXO{
		Outpoint:   types.Outpoint{TxHash: common.HexToHash("0xf0"), Index: 0},
		Value:      100,
		Coordinate: shardCoordA,
		Height:     0,
	}
	env.fund(t, funded)

	// unknown outpoint
	unknown := spendTx(types.Outpoint{TxHash: common.HexToHash("0xdead")}, 10, shardCoordA)
	block := buildBlock(t, record(genesis), shardCoordA, []*types.Transaction{unknown}, nil, 1700000010)
	result, err := v.Validate(block, record(genesis), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindUnknownOutpoint, result.Kind())

	// inflation
	inflating := spendTx(funded.Outpoint, 101, shardCoordA)
	block = buildBlock(t, record(genesis), shardCoordA, []*types.Transaction{inflating}, nil, 1700000010)
	result, err = v.Validate(block, record(genesis), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindValueOverflow, result.Kind())

	// intra-block double spend
	a := spendTx(funded.Outpoint, 10, shardCoordA)
	b := spendTx(funded.Outpoint, 20, shardCoordA)
	block = buildBlock(t, record(genesis), shardCoordA, []*types.Transaction{a, b}, nil, 1700000010)
	result, err = v.Validate(block, record(genesis), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindDoubleSpend, result.Kind())

	// data-carrier outputs can never be spent
	carrier := &utxoindex.UTXO{
		Outpoint:   types.Outpoint{TxHash: common.HexToHash("0xf1")},
		Value:      5,
		LockScript: []byte("OP_RETURN hello"),
		Coordinate: shardCoordA,
	}
	env.fund(t, carrier)
	block = buildBlock(t, record(genesis), shardCoordA, []*types.Transaction{spendTx(carrier.Outpoint, 5, shardCoordA)}, nil, 1700000010)
	result, err = v.Validate(block, record(genesis), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindStructurallyInvalid, result.Kind())

	// valid spend passes and reports its effects
	ok := spendTx(funded.Outpoint, 90, shardCoordA)
	block = buildBlock(t, record(genesis), shardCoordA, []*types.Transaction{ok}, nil, 1700000010)
	result, err = v.Validate(block, record(genesis), chain, index, now)
	require.NoError(t, err)
	require.False(t, result.Rejected(), "kind=%s", result.Kind())
	assert.Len(t, result.Spent, 1)
	assert.Len(t, result.Created, 1)
	assert.Equal(t, funded.Outpoint, result.Spent[0].Outpoint)
}

func TestMeshAndWorkRejections(t *testing.T) {
	env := newTestEnv(t)
	v, chain, index := env.validator, env.chain, env.index
	now := time.Unix(1700000100, 0)

	genesis := buildBlock(t, nil, shardCoordA, []*types.Transaction{coinbaseTx(shardCoordA, 100)}, nil, 1700000000)
	chain.add(genesis, 10)

	funded := &utxoindex.UTXO{
		Outpoint:   types.Outpoint{TxHash: common.HexToHash("0xf0")},
		Value:      100,
		Coordinate: shardCoordA,
	}
	env.fund(t, funded)

	block := buildBlock(t, record(genesis), shardCoordA, []*types.Transaction{spendTx(funded.Outpoint, 90, shardCoordA)}, nil, 1700000010)

	// tampered mesh root fails before any UTXO access; re-mine so the
	// work check cannot mask the mesh mismatch
	tampered := *block
	tampered.Header.MeshRoot[0] ^= 1
	for consensus.ValidateWork(&tampered.Header) != nil {
		tampered.Header.Nonce++
	}
	result, err := v.Validate(&tampered, record(genesis), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindMeshMismatch, result.Kind())

	// declared difficulty off the schedule
	wrongBits := *block
	wrongBits.Header.DifficultyBits = 50
	result, err = v.Validate(&wrongBits, record(genesis), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindInsufficientWork, result.Kind())
}

func TestCrossShardSourceSide(t *testing.T) {
	env := newTestEnv(t)
	v, chain, index := env.validator, env.chain, env.index
	now := time.Unix(1700000100, 0)

	genesis := buildBlock(t, nil, shardCoordA, []*types.Transaction{coinbaseTx(shardCoordA, 100)}, nil, 1700000000)
	chain.add(genesis, 10)

	funded := &utxoindex.UTXO{
		Outpoint:   types.Outpoint{TxHash: common.HexToHash("0xf0")},
		Value:      100,
		Coordinate: shardCoordA,
	}
	env.fund(t, funded)

	crossTx := &types.Transaction{
		Inputs: []types.Outpoint{funded.Outpoint},
		Outputs: []types.TxOutput{
			{Value: 50, Coordinate: shardCoordA},
			{Value: 40, Coordinate: shardCoordB},
		},
		Timestamp: 1700000001,
	}

	block := buildBlock(t, record(genesis), shardCoordA, []*types.Transaction{crossTx}, nil, 1700000010)
	result, err := v.Validate(block, record(genesis), chain, index, now)
	require.NoError(t, err)
	require.False(t, result.Rejected(), "kind=%s", result.Kind())

	// dropping the proof rejects the block at the cross-shard stage
	missing := *block
	missing.CrossShardProofs = map[common.Hash]*mesh.Proof{}
	result, err = v.Validate(&missing, record(genesis), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindInvalidProof, result.Kind())
	assert.Equal(t, StageUTXOValid, result.Stage)
}

func TestForeignInputFinality(t *testing.T) {
	env := newTestEnv(t)
	v, chain, index := env.validator, env.chain, env.index
	now := time.Unix(1700000100, 0)

	// source shard B commits a cross-shard transaction paying into shard A
	sourceTx := &types.Transaction{
		Inputs: []types.Outpoint{{TxHash: common.HexToHash("0xb0")}},
		Outputs: []types.TxOutput{
			{Value: 10, Coordinate: shardCoordB},
			{Value: 30, Coordinate: shardCoordA},
		},
		Timestamp: 1700000001,
	}
	sourceGenesis := buildBlock(t, nil, shardCoordB, []*types.Transaction{coinbaseTx(shardCoordB, 100)}, nil, 1700000000)
	chain.add(sourceGenesis, 10)
	sourceBlock := buildBlock(t, record(sourceGenesis), shardCoordB, []*types.Transaction{sourceTx}, nil, 1700000010)
	chain.add(sourceBlock, 1)

	// shard A's chain
	genesisA := buildBlock(t, nil, shardCoordA, []*types.Transaction{coinbaseTx(shardCoordA, 100)}, nil, 1700000000)
	chain.add(genesisA, 10)

	// the spend consumes an output whose coordinate lives in shard B,
	// so shard A treats it as a foreign input needing a final proof
	held := &utxoindex.UTXO{
		Outpoint:   types.Outpoint{TxHash: sourceTx.Hash(), Index: 0},
		Value:      10,
		Coordinate: shardCoordB,
	}
	env.fund(t, held)

	spend := &types.Transaction{
		Inputs:    []types.Outpoint{held.Outpoint},
		Outputs:   []types.TxOutput{{Value: 5, Coordinate: shardCoordA}},
		Timestamp: 1700000002,
	}

	sourceProof := sourceBlock.CrossShardProofs[sourceTx.Hash()]
	require.NotNil(t, sourceProof)

	block := buildBlock(t, record(genesisA), shardCoordA, []*types.Transaction{spend}, nil, 1700000010)
	block.CrossShardProofs[sourceTx.Hash()] = sourceProof

	// below finality depth
	result, err := v.Validate(block, record(genesisA), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindProofNotYetFinal, result.Kind())
	assert.True(t, result.Kind().Retryable())

	// at depth the same block validates
	chain.confirmations[sourceBlock.Hash()] = 3
	result, err = v.Validate(block, record(genesisA), chain, index, now)
	require.NoError(t, err)
	require.False(t, result.Rejected(), "kind=%s", result.Kind())

	// a corrupted proof is a permanent rejection
	bad := *sourceProof
	bad.SourceLevel1Root[0] ^= 1
	block.CrossShardProofs[sourceTx.Hash()] = &bad
	result, err = v.Validate(block, record(genesisA), chain, index, now)
	require.NoError(t, err)
	assert.Equal(t, KindInvalidProof, result.Kind())
	assert.False(t, result.Kind().Retryable())
}
