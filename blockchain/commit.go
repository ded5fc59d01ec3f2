package blockchain

import (
	"encoding/binary"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/legacy-protocol/go-legacy/consensus"
	"github.com/legacy-protocol/go-legacy/coordinate"
	legacydb "github.com/legacy-protocol/go-legacy/db"
	"github.com/legacy-protocol/go-legacy/mesh"
	"github.com/legacy-protocol/go-legacy/types"
	"github.com/legacy-protocol/go-legacy/validator"
)

func canonicalKey(shard coordinate.ShardID, height uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(shard))
	binary.BigEndian.PutUint64(key[8:], height)
	return key
}

func level1Root(block *types.Block) common.Hash {
	builder := mesh.NewBuilder(mesh.DefaultHasher(), block.ShardID())
	for _, tx := range block.Transactions {
		builder.AddTransaction(tx.Hash())
	}
	return builder.Build().Level1Root()
}

func (bc *Blockchain) cumulativeWork(parent *types.HeaderRecord, bits uint32) *big.Int {
	work := consensus.WorkForBits(bits)
	if parent != nil {
		work = work.Add(work, new(big.Int).SetBytes(parent.CumulativeWork))
	}
	return work
}

// storeBlock persists the block body and header record without touching
// the UTXO set or the canonical chain, the resting state of side-chain
// blocks.
func (bc *Blockchain) storeBlock(block *types.Block, parent *types.HeaderRecord, applied bool) error {
	hash := block.Hash()

	body, err := block.SerializeForStorage()
	if err != nil {
		return err
	}
	record := &types.HeaderRecord{
		Header:         block.Header,
		BlockHash:      hash,
		CumulativeWork: bc.cumulativeWork(parent, block.Header.DifficultyBits).Bytes(),
		Applied:        applied,
	}
	header, err := record.SerializeForStorage()
	if err != nil {
		return err
	}

	tx := bc.db.NewTx()
	if err := tx.Set(legacydb.NamespaceBlock, hash[:], body); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Set(legacydb.NamespaceBlockHeader, hash[:], header); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// applyBlock is the commit step, the single mutation point of the
// pipeline: spend inputs, insert outputs, advance the canonical index,
// tip and consensus state, and publish the block's cross-shard proofs.
// Everything lands in one storage transaction.
func (bc *Blockchain) applyBlock(block *types.Block, parent *types.HeaderRecord, result *validator.Result, storeBody bool) error {
	hash := block.Hash()
	shard := block.ShardID()
	height := block.Header.Height

	tx := bc.db.NewTx()
	batch := bc.utxos.NewBatch(tx)

	for _, spent := range result.Spent {
		if err := batch.Spend(spent.Outpoint, height); err != nil {
			tx.Discard()
			return err
		}
	}
	for _, created := range result.Created {
		if err := batch.Put(created); err != nil {
			tx.Discard()
			return err
		}
	}

	if storeBody {
		body, err := block.SerializeForStorage()
		if err != nil {
			tx.Discard()
			return err
		}
		if err := tx.Set(legacydb.NamespaceBlock, hash[:], body); err != nil {
			tx.Discard()
			return err
		}
	}

	record := &types.HeaderRecord{
		Header:         block.Header,
		BlockHash:      hash,
		CumulativeWork: bc.cumulativeWork(parent, block.Header.DifficultyBits).Bytes(),
		Applied:        true,
	}
	header, err := record.SerializeForStorage()
	if err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Set(legacydb.NamespaceBlockHeader, hash[:], header); err != nil {
		tx.Discard()
		return err
	}

	if err := tx.Set(legacydb.NamespaceShardHeight, canonicalKey(shard, height), hash[:]); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Set(legacydb.NamespaceShardTip, shard.Bytes(), hash[:]); err != nil {
		tx.Discard()
		return err
	}

	state := &ShardState{
		ShardID:           shard,
		TipHash:           hash,
		Height:            height,
		CurrentDifficulty: block.Header.DifficultyBits,
	}
	stateData, err := json.Marshal(state)
	if err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Set(legacydb.NamespaceConsensusState, shard.Bytes(), stateData); err != nil {
		tx.Discard()
		return err
	}

	// other shards need this block's level-1 root to reference it
	level1 := level1Root(block)
	if err := tx.Set(legacydb.NamespaceMeshLevel1Root, hash[:], level1[:]); err != nil {
		tx.Discard()
		return err
	}

	for txHash, proof := range block.CrossShardProofs {
		if proof.SourceBlockHash != hash {
			continue // consumed foreign proof, not ours to publish
		}
		proofData, err := json.Marshal(proof)
		if err != nil {
			tx.Discard()
			return err
		}
		if err := tx.Set(legacydb.NamespaceCrossShardProof, txHash[:], proofData); err != nil {
			tx.Discard()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	batch.Finalize()
	return nil
}

// revertBlock undoes the commit of the current canonical tip: restore
// spent inputs, drop created outputs, retreat the tip to the parent.
func (bc *Blockchain) revertBlock(block *types.Block, record *types.HeaderRecord, parent *types.HeaderRecord) error {
	hash := block.Hash()
	shard := block.ShardID()

	tx := bc.db.NewTx()
	batch := bc.utxos.NewBatch(tx)

	for i := len(block.Transactions) - 1; i >= 0; i-- {
		blockTx := block.Transactions[i]
		txHash := blockTx.Hash()
		for outIdx, out := range blockTx.Outputs {
			created := outputUTXO(txHash, uint32(outIdx), out, block.Header.Height)
			if err := batch.Remove(created); err != nil {
				tx.Discard()
				return err
			}
		}
		for _, outpoint := range blockTx.Inputs {
			if err := batch.Unspend(outpoint); err != nil {
				tx.Discard()
				return err
			}
		}
		if _, ours := block.CrossShardProofs[txHash]; ours && blockTx.CrossShard() {
			if err := tx.Delete(legacydb.NamespaceCrossShardProof, txHash[:]); err != nil {
				tx.Discard()
				return err
			}
		}
	}

	record.Applied = false
	header, err := record.SerializeForStorage()
	if err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Set(legacydb.NamespaceBlockHeader, hash[:], header); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Delete(legacydb.NamespaceShardHeight, canonicalKey(shard, block.Header.Height)); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Delete(legacydb.NamespaceMeshLevel1Root, hash[:]); err != nil {
		tx.Discard()
		return err
	}

	if err := tx.Set(legacydb.NamespaceShardTip, shard.Bytes(), parent.BlockHash[:]); err != nil {
		tx.Discard()
		return err
	}
	state := &ShardState{
		ShardID:           shard,
		TipHash:           parent.BlockHash,
		Height:            parent.Header.Height,
		CurrentDifficulty: parent.Header.DifficultyBits,
	}
	stateData, err := json.Marshal(state)
	if err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Set(legacydb.NamespaceConsensusState, shard.Bytes(), stateData); err != nil {
		tx.Discard()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	batch.Finalize()
	return nil
}

// reorganize switches the canonical chain of one shard from oldTip's
// branch to newTip's: contiguous rollback to the common ancestor, then
// reapplication of the winning branch in height order. If any winning
// block fails deep validation, the whole reorganization is unwound and
// the old chain restored, so the operation is all or nothing. On success
// it returns the blocks dropped from the canonical chain, oldest first.
func (bc *Blockchain) reorganize(shard coordinate.ShardID, oldTip *types.HeaderRecord, newTip *types.HeaderRecord) ([]*types.Block, validator.ErrorKind, error) {
	ancestor, err := bc.commonAncestor(oldTip, newTip)
	if err != nil {
		return nil, validator.KindNone, err
	}

	rollback, err := bc.branchBlocks(oldTip, ancestor.BlockHash) // descending from old tip
	if err != nil {
		return nil, validator.KindNone, err
	}
	adopt, err := bc.branchBlocks(newTip, ancestor.BlockHash) // descending from new tip
	if err != nil {
		return nil, validator.KindNone, err
	}

	bc.logger.Info().Str("shard", shard.String()).
		Str("ancestor", ancestor.BlockHash.Hex()).
		Int("rollback", len(rollback)).Int("adopt", len(adopt)).
		Msg("reorganizing shard chain")

	for _, entry := range rollback {
		if err := bc.revertBlock(entry.block, entry.record, entry.parent); err != nil {
			return nil, validator.KindNone, err
		}
	}

	// apply the winning branch ascending
	applied := make([]branchEntry, 0, len(adopt))
	var failKind validator.ErrorKind
	for i := len(adopt) - 1; i >= 0; i-- {
		entry := adopt[i]
		result, err := bc.validator.ValidateDeep(entry.block, bc, bc.utxos)
		if err != nil {
			return nil, validator.KindNone, err
		}
		if result.Rejected() {
			failKind = result.Kind()
			break
		}
		if err := bc.applyBlock(entry.block, entry.parent, result, false); err != nil {
			return nil, validator.KindNone, err
		}
		applied = append(applied, entry)
	}

	if failKind == validator.KindNone {
		dropped := make([]*types.Block, 0, len(rollback))
		for i := len(rollback) - 1; i >= 0; i-- {
			dropped = append(dropped, rollback[i].block)
		}
		return dropped, validator.KindNone, nil
	}

	// unwind the partially adopted branch and restore the old chain
	bc.logger.Warn().Str("shard", shard.String()).Str("kind", string(failKind)).
		Msg("winning branch failed deep validation, restoring previous chain")
	for i := len(applied) - 1; i >= 0; i-- {
		entry := applied[i]
		record, _, err := bc.HeaderByHash(entry.block.Hash())
		if err != nil {
			return nil, validator.KindNone, err
		}
		if err := bc.revertBlock(entry.block, record, entry.parent); err != nil {
			return nil, validator.KindNone, err
		}
	}
	for i := len(rollback) - 1; i >= 0; i-- {
		entry := rollback[i]
		result, err := bc.validator.ValidateDeep(entry.block, bc, bc.utxos)
		if err != nil {
			return nil, validator.KindNone, err
		}
		if result.Rejected() {
			// the old chain was canonical a moment ago; failing to
			// restore it means the stores disagree
			bc.logger.Error().Str("hash", entry.block.Hash().Hex()).Str("kind", string(result.Kind())).
				Msg("failed to restore previously canonical block")
			return nil, failKind, nil
		}
		if err := bc.applyBlock(entry.block, entry.parent, result, false); err != nil {
			return nil, validator.KindNone, err
		}
	}
	return nil, failKind, nil
}

type branchEntry struct {
	block  *types.Block
	record *types.HeaderRecord
	parent *types.HeaderRecord
}

// branchBlocks collects the blocks from tip down to, excluding, the
// ancestor, newest first.
func (bc *Blockchain) branchBlocks(tip *types.HeaderRecord, ancestor common.Hash) ([]branchEntry, error) {
	var entries []branchEntry
	cursor := tip
	for cursor.BlockHash != ancestor {
		block, exists, err := bc.BlockByHash(cursor.BlockHash)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errMissingBlockBody
		}
		parent, exists, err := bc.HeaderByHash(cursor.Header.PrevHash)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errMissingBlockBody
		}
		entries = append(entries, branchEntry{block: block, record: cursor, parent: parent})
		cursor = parent
	}
	return entries, nil
}

// commonAncestor walks both branches back to their fork point.
func (bc *Blockchain) commonAncestor(a *types.HeaderRecord, b *types.HeaderRecord) (*types.HeaderRecord, error) {
	walk := func(record *types.HeaderRecord) (*types.HeaderRecord, error) {
		parent, exists, err := bc.HeaderByHash(record.Header.PrevHash)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errMissingBlockBody
		}
		return parent, nil
	}

	var err error
	for a.Header.Height > b.Header.Height {
		if a, err = walk(a); err != nil {
			return nil, err
		}
	}
	for b.Header.Height > a.Header.Height {
		if b, err = walk(b); err != nil {
			return nil, err
		}
	}
	for a.BlockHash != b.BlockHash {
		if a, err = walk(a); err != nil {
			return nil, err
		}
		if b, err = walk(b); err != nil {
			return nil, err
		}
	}
	return a, nil
}
