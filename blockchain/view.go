package blockchain

import (
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/legacy-protocol/go-legacy/coordinate"
	legacydb "github.com/legacy-protocol/go-legacy/db"
	"github.com/legacy-protocol/go-legacy/mesh"
	"github.com/legacy-protocol/go-legacy/types"
	"github.com/legacy-protocol/go-legacy/utxoindex"
)

var errMissingBlockBody = errors.New("header record without stored block body")

func outputUTXO(txHash common.Hash, index uint32, out types.TxOutput, height uint64) *utxoindex.UTXO {
	return &utxoindex.UTXO{
		Outpoint:   types.Outpoint{TxHash: txHash, Index: index},
		Value:      out.Value,
		LockScript: out.LockScript,
		Coordinate: out.Coordinate,
		Height:     height,
	}
}

// HeaderByHash returns the stored header record for any known block,
// canonical or not.
func (bc *Blockchain) HeaderByHash(hash common.Hash) (*types.HeaderRecord, bool, error) {
	data, exists, err := bc.db.Get(legacydb.NamespaceBlockHeader, hash[:])
	if err != nil || !exists {
		return nil, false, err
	}
	record, err := types.DeserializeHeaderRecordFromStorage(data)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// BlockByHash returns the full block body for any stored block.
func (bc *Blockchain) BlockByHash(hash common.Hash) (*types.Block, bool, error) {
	data, exists, err := bc.db.Get(legacydb.NamespaceBlock, hash[:])
	if err != nil || !exists {
		return nil, false, err
	}
	block, err := types.DeserializeBlockFromStorage(data)
	if err != nil {
		return nil, false, err
	}
	return block, true, nil
}

// CanonicalHash returns the canonical block hash of a shard at a height.
func (bc *Blockchain) CanonicalHash(shard coordinate.ShardID, height uint64) (common.Hash, bool, error) {
	data, exists, err := bc.db.Get(legacydb.NamespaceShardHeight, canonicalKey(shard, height))
	if err != nil || !exists {
		return common.Hash{}, false, err
	}
	return common.BytesToHash(data), true, nil
}

// Confirmations counts the canonical blocks stacked on the given block,
// the block itself included. Unknown and non-canonical blocks confirm
// zero times.
func (bc *Blockchain) Confirmations(hash common.Hash) (uint64, error) {
	record, exists, err := bc.HeaderByHash(hash)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	shard := record.Header.ShardID()
	canonical, exists, err := bc.CanonicalHash(shard, record.Header.Height)
	if err != nil {
		return 0, err
	}
	if !exists || canonical != hash {
		return 0, nil
	}

	state, hasTip, err := bc.shardState(shard)
	if err != nil {
		return 0, err
	}
	if !hasTip || state.Height < record.Header.Height {
		return 0, nil
	}
	return state.Height - record.Header.Height + 1, nil
}

// HeadersBack returns up to count headers ending at the given block,
// ascending by height, following parent links.
func (bc *Blockchain) HeadersBack(from common.Hash, count int) ([]*types.BlockHeader, error) {
	var headers []*types.BlockHeader
	cursor := from
	for len(headers) < count {
		record, exists, err := bc.HeaderByHash(cursor)
		if err != nil {
			return nil, err
		}
		if !exists {
			break
		}
		headers = append(headers, &record.Header)
		if record.Header.Height == 0 {
			break
		}
		cursor = record.Header.PrevHash
	}

	// collected newest first, callers want ascending
	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
	}
	return headers, nil
}

// ShardTip returns the consensus state of a shard chain, when one exists.
func (bc *Blockchain) ShardTip(shard coordinate.ShardID) (*ShardState, bool, error) {
	return bc.shardState(shard)
}

func (bc *Blockchain) shardState(shard coordinate.ShardID) (*ShardState, bool, error) {
	data, exists, err := bc.db.Get(legacydb.NamespaceConsensusState, shard.Bytes())
	if err != nil || !exists {
		return nil, false, err
	}
	var state ShardState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, err
	}
	return &state, true, nil
}

// GetProofFor returns the published settlement proof for a cross-shard
// transaction, generated when its source block was committed.
func (bc *Blockchain) GetProofFor(txHash common.Hash) (*mesh.Proof, bool, error) {
	data, exists, err := bc.db.Get(legacydb.NamespaceCrossShardProof, txHash[:])
	if err != nil || !exists {
		return nil, false, err
	}
	var proof mesh.Proof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, false, err
	}
	return &proof, true, nil
}

// Level1Root returns the transaction-level merkle root a committed block
// exposes for cross-shard references.
func (bc *Blockchain) Level1Root(blockHash common.Hash) (common.Hash, bool, error) {
	data, exists, err := bc.db.Get(legacydb.NamespaceMeshLevel1Root, blockHash[:])
	if err != nil || !exists {
		return common.Hash{}, false, err
	}
	return common.BytesToHash(data), true, nil
}

// NextDifficulty returns the difficulty the next block of the shard must
// declare, from the adjustment schedule over the recent window.
func (bc *Blockchain) NextDifficulty(shard coordinate.ShardID) (uint32, error) {
	state, hasTip, err := bc.shardState(shard)
	if err != nil {
		return 0, err
	}
	if !hasTip {
		return bc.cfg.Consensus.InitialBits, nil
	}
	window, err := bc.HeadersBack(state.TipHash, bc.cfg.Consensus.DifficultyWindow)
	if err != nil {
		return 0, err
	}
	return bc.cfg.Consensus.NextDifficulty(window), nil
}

// ShardHeight returns the canonical height of a shard, zero when the
// shard has no chain yet.
func (bc *Blockchain) ShardHeight(shard coordinate.ShardID) (uint64, bool, error) {
	state, hasTip, err := bc.shardState(shard)
	if err != nil || !hasTip {
		return 0, false, err
	}
	return state.Height, true, nil
}
