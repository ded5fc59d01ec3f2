// Package blockchain is the per-shard chain state machine. It holds the
// tips, serializes commits shard by shard, applies validated blocks to
// the UTXO index and performs reorganizations as contiguous
// rollback-then-reapply sequences.
package blockchain

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/legacy-protocol/go-legacy/consensus"
	"github.com/legacy-protocol/go-legacy/coordinate"
	legacydb "github.com/legacy-protocol/go-legacy/db"
	"github.com/legacy-protocol/go-legacy/log"
	"github.com/legacy-protocol/go-legacy/types"
	"github.com/legacy-protocol/go-legacy/utxoindex"
	"github.com/legacy-protocol/go-legacy/validator"
)

// maxOrphans bounds the blocks parked while their parent is missing.
const maxOrphans = 256

// ShardState is the persisted consensus state of one shard chain,
// advanced only by the commit step.
type ShardState struct {
	ShardID           coordinate.ShardID
	TipHash           common.Hash
	Height            uint64
	CurrentDifficulty uint32
}

// Config carries the chain parameters.
type Config struct {
	Consensus consensus.Config

	// FinalityDepth is the confirmation count a source block needs
	// before other shards may settle against it.
	FinalityDepth uint64
}

func DefaultConfig() Config {
	return Config{
		Consensus:     consensus.DefaultConfig(),
		FinalityDepth: 6,
	}
}

// Blockchain coordinates validation and commit across shard chains
// sharing one storage backend and one global UTXO index.
type Blockchain struct {
	logger    *log.Logger
	cfg       Config
	db        legacydb.DB
	utxos     *utxoindex.Index
	validator *validator.Validator

	// shardLocks serializes validation and commit per shard; blocks
	// for different shards proceed in parallel.
	mu         sync.Mutex
	shardLocks map[coordinate.ShardID]*sync.Mutex

	// orphans parks blocks whose parent has not arrived, keyed by the
	// missing parent hash.
	orphanMu sync.Mutex
	orphans  map[common.Hash][]*types.Block
	nOrphans int

	// rollbackHook, when set, receives each block a completed
	// reorganization removed from the canonical chain.
	rollbackHook func(*types.Block)

	now func() time.Time
}

func New(database legacydb.DB, cfg Config) (*Blockchain, error) {
	index, err := utxoindex.NewIndex(database)
	if err != nil {
		return nil, err
	}
	return &Blockchain{
		logger:     log.NewLogger("blockchain"),
		cfg:        cfg,
		db:         database,
		utxos:      index,
		validator:  validator.NewValidator(cfg.Consensus, cfg.FinalityDepth),
		shardLocks: make(map[coordinate.ShardID]*sync.Mutex),
		orphans:    make(map[common.Hash][]*types.Block),
		now:        time.Now,
	}, nil
}

// UTXOIndex exposes the index for query surfaces and the block producer.
func (bc *Blockchain) UTXOIndex() *utxoindex.Index {
	return bc.utxos
}

// Config returns the chain parameters the instance runs with.
func (bc *Blockchain) Config() Config {
	return bc.cfg
}

// SetRollbackHook registers a callback for blocks a reorganization drops
// from the canonical chain, letting the mempool reclaim their
// transactions. Call before Start-style usage; not synchronized.
func (bc *Blockchain) SetRollbackHook(hook func(*types.Block)) {
	bc.rollbackHook = hook
}

func (bc *Blockchain) shardLock(shard coordinate.ShardID) *sync.Mutex {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	lock, ok := bc.shardLocks[shard]
	if !ok {
		lock = &sync.Mutex{}
		bc.shardLocks[shard] = lock
	}
	return lock
}

// AddBlock feeds one block through the validation pipeline and, when it
// wins fork-choice, commits it. Resubmitting a known block reports
// accepted with KindAlreadyKnown. A non-nil error is a storage failure;
// validation outcomes arrive as (false, kind, nil).
func (bc *Blockchain) AddBlock(block *types.Block) (bool, validator.ErrorKind, error) {
	shard := block.ShardID()
	lock := bc.shardLock(shard)
	lock.Lock()
	defer lock.Unlock()

	accepted, kind, err := bc.addBlockLocked(block)
	if err != nil {
		return false, validator.KindNone, err
	}
	if accepted {
		// a newly stored block may unblock parked orphans
		bc.processOrphans(block.Hash())
	}
	return accepted, kind, nil
}

func (bc *Blockchain) addBlockLocked(block *types.Block) (bool, validator.ErrorKind, error) {
	hash := block.Hash()

	known, err := bc.db.Exist(legacydb.NamespaceBlockHeader, hash[:])
	if err != nil {
		return false, validator.KindNone, err
	}
	if known {
		return true, validator.KindAlreadyKnown, nil
	}

	var parent *types.HeaderRecord
	if block.Header.Height > 0 || block.Header.PrevHash != (common.Hash{}) {
		record, exists, err := bc.HeaderByHash(block.Header.PrevHash)
		if err != nil {
			return false, validator.KindNone, err
		}
		if !exists {
			bc.parkOrphan(block)
			return false, validator.KindOrphanParent, nil
		}
		parent = record
	}

	state, hasTip, err := bc.shardState(block.ShardID())
	if err != nil {
		return false, validator.KindNone, err
	}

	extendsTip := (!hasTip && parent == nil) || (hasTip && parent != nil && parent.BlockHash == state.TipHash)
	if extendsTip {
		return bc.extendTip(block, parent)
	}
	return bc.addSideChain(block, parent, state)
}

// extendTip is the straight-line path: full validation then commit.
func (bc *Blockchain) extendTip(block *types.Block, parent *types.HeaderRecord) (bool, validator.ErrorKind, error) {
	result, err := bc.validator.Validate(block, parent, bc, bc.utxos, bc.now())
	if err != nil {
		return false, validator.KindNone, err
	}
	if result.Rejected() {
		return false, result.Kind(), nil
	}

	if err := bc.applyBlock(block, parent, result, true); err != nil {
		return false, validator.KindNone, err
	}

	bc.logger.Info().Str("hash", block.Hash().Hex()).Uint64("height", block.Header.Height).
		Str("shard", block.ShardID().String()).Int("txs", len(block.Transactions)).Msg("extended shard tip")
	return true, validator.KindNone, nil
}

// addSideChain stores a structurally sound competing block unapplied and
// lets fork-choice decide whether its branch takes over.
func (bc *Blockchain) addSideChain(block *types.Block, parent *types.HeaderRecord, state *ShardState) (bool, validator.ErrorKind, error) {
	result, err := bc.validator.ValidateShallow(block, parent, bc, bc.now())
	if err != nil {
		return false, validator.KindNone, err
	}
	if result.Rejected() {
		return false, result.Kind(), nil
	}

	// a competing genesis shares no ancestor with the existing chain;
	// the first anchor wins
	if parent == nil {
		return false, validator.KindStructurallyInvalid, nil
	}

	if err := bc.storeBlock(block, parent, false); err != nil {
		return false, validator.KindNone, err
	}

	tipRecord, _, err := bc.HeaderByHash(state.TipHash)
	if err != nil {
		return false, validator.KindNone, err
	}
	candidate, _, err := bc.HeaderByHash(block.Hash())
	if err != nil {
		return false, validator.KindNone, err
	}

	best, ok := consensus.SelectTip([]consensus.TipCandidate{
		{BlockHash: tipRecord.BlockHash, CumulativeWork: new(big.Int).SetBytes(tipRecord.CumulativeWork)},
		{BlockHash: candidate.BlockHash, CumulativeWork: new(big.Int).SetBytes(candidate.CumulativeWork)},
	})
	if !ok || best.BlockHash == tipRecord.BlockHash {
		bc.logger.Debug().Str("hash", block.Hash().Hex()).Msg("stored side-chain block below current tip")
		return true, validator.KindNone, nil
	}

	dropped, kind, err := bc.reorganize(block.ShardID(), tipRecord, candidate)
	if err != nil {
		return false, validator.KindNone, err
	}
	if kind != validator.KindNone {
		return false, kind, nil
	}
	if bc.rollbackHook != nil {
		for _, droppedBlock := range dropped {
			bc.rollbackHook(droppedBlock)
		}
	}
	return true, validator.KindNone, nil
}

func (bc *Blockchain) parkOrphan(block *types.Block) {
	bc.orphanMu.Lock()
	defer bc.orphanMu.Unlock()
	if bc.nOrphans >= maxOrphans {
		return
	}
	bc.orphans[block.Header.PrevHash] = append(bc.orphans[block.Header.PrevHash], block)
	bc.nOrphans++
	bc.logger.Debug().Str("hash", block.Hash().Hex()).Str("parent", block.Header.PrevHash.Hex()).Msg("parked orphan block")
}

// processOrphans resubmits blocks that were waiting for the given parent.
func (bc *Blockchain) processOrphans(parent common.Hash) {
	bc.orphanMu.Lock()
	waiting := bc.orphans[parent]
	delete(bc.orphans, parent)
	bc.nOrphans -= len(waiting)
	bc.orphanMu.Unlock()

	for _, orphan := range waiting {
		accepted, kind, err := bc.addBlockLocked(orphan)
		if err != nil {
			bc.logger.Error().Err(err).Str("hash", orphan.Hash().Hex()).Msg("storage failure while adopting orphan")
			continue
		}
		if accepted {
			bc.processOrphans(orphan.Hash())
		} else {
			bc.logger.Debug().Str("hash", orphan.Hash().Hex()).Str("kind", string(kind)).Msg("orphan rejected on adoption")
		}
	}
}
