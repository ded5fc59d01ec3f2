// Package validator runs the staged acceptance pipeline for incoming
// blocks. Stages one through five are pure reads; only the chain state
// machine's commit step mutates anything, so a failed block never leaves
// partial state behind.
package validator

import (
	"hash"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/legacy-protocol/go-legacy/consensus"
	"github.com/legacy-protocol/go-legacy/log"
	"github.com/legacy-protocol/go-legacy/mesh"
	"github.com/legacy-protocol/go-legacy/types"
	"github.com/legacy-protocol/go-legacy/utxoindex"
)

// Stage tracks how far a block advanced through the pipeline.
type Stage int

const (
	StageReceived Stage = iota
	StageStructurallyValid
	StageConsensusValid
	StageUTXOValid
	StageCrossShardValid
	StageCommitted
	StageRejected
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "Received"
	case StageStructurallyValid:
		return "StructurallyValid"
	case StageConsensusValid:
		return "ConsensusValid"
	case StageUTXOValid:
		return "UTXOValid"
	case StageCrossShardValid:
		return "CrossShardValid"
	case StageCommitted:
		return "Committed"
	case StageRejected:
		return "Rejected"
	}
	return "Unknown"
}

// ChainView is the read-only chain access the validator needs: header
// lookups for cross-shard finality checks and difficulty history.
type ChainView interface {
	// HeaderByHash returns the stored header record for any known
	// block, canonical or not.
	HeaderByHash(hash common.Hash) (*types.HeaderRecord, bool, error)

	// Confirmations returns how many canonical blocks stack on the
	// given block, counting itself; zero when the block is unknown or
	// off the canonical chain of its shard.
	Confirmations(hash common.Hash) (uint64, error)

	// HeadersBack returns up to count headers ending at the given
	// block, ascending by height, following parent links.
	HeadersBack(from common.Hash, count int) ([]*types.BlockHeader, error)
}

// UTXOView is the read-only UTXO access used during validation.
type UTXOView interface {
	Get(outpoint types.Outpoint) (*utxoindex.UTXO, bool, error)
	IsSpent(outpoint types.Outpoint) (bool, error)
}

// SpentInput pairs a consumed outpoint with the record it consumes, so
// the commit step can index the spend without re-reading storage.
type SpentInput struct {
	Outpoint types.Outpoint
	UTXO     *utxoindex.UTXO
}

// Result is the outcome of the pure validation stages. Stage records the
// last stage the block passed; a non-nil Err means the block moved to the
// Rejected terminal from there. On success, Spent and Created hold the
// block's complete UTXO effects for the commit step.
type Result struct {
	Stage   Stage
	Err     *Error
	Spent   []SpentInput
	Created []*utxoindex.UTXO
}

func (r *Result) Kind() ErrorKind {
	if r.Err == nil {
		return KindNone
	}
	return r.Err.Kind
}

func (r *Result) Rejected() bool {
	return r.Err != nil
}

func (v *Validator) reject(reached Stage, err *Error) *Result {
	v.logger.Debug().Str("stage", reached.String()).Str("kind", string(err.Kind)).Str("reason", err.Reason).Msg("block rejected")
	return &Result{Stage: reached, Err: err}
}

// Validator checks blocks against one shard chain. It holds no mutable
// state and is safe for concurrent use across shards; a fresh hasher is
// drawn per validation since hash.Hash is not.
type Validator struct {
	logger        *log.Logger
	cfg           consensus.Config
	finalityDepth uint64
	newHasher     func() hash.Hash
}

func NewValidator(cfg consensus.Config, finalityDepth uint64) *Validator {
	return &Validator{
		logger:        log.NewLogger("validator"),
		cfg:           cfg,
		finalityDepth: finalityDepth,
		newHasher:     mesh.DefaultHasher,
	}
}

// Validate runs stages one through five. parent is nil only for the
// genesis block. A non-nil plain error is a storage failure and aborts
// the operation; validation outcomes live in the Result.
func (v *Validator) Validate(block *types.Block, parent *types.HeaderRecord, chain ChainView, utxos UTXOView, now time.Time) (*Result, error) {
	if verr := v.checkStructure(block, parent); verr != nil {
		return v.reject(StageReceived, verr), nil
	}

	if verr, err := v.checkConsensus(block, parent, chain, now); err != nil {
		return nil, err
	} else if verr != nil {
		return v.reject(StageStructurallyValid, verr), nil
	}

	if verr := v.checkMesh(block); verr != nil {
		return v.reject(StageConsensusValid, verr), nil
	}

	spent, created, verr, err := v.checkUTXOs(block, chain, utxos)
	if err != nil {
		return nil, err
	}
	if verr != nil {
		return v.reject(StageConsensusValid, verr), nil
	}

	if verr := v.checkCrossShard(block); verr != nil {
		return v.reject(StageUTXOValid, verr), nil
	}

	return &Result{Stage: StageCrossShardValid, Spent: spent, Created: created}, nil
}

// ValidateShallow runs stages one through three only. Blocks arriving on
// a side chain get this much at receipt; the UTXO and cross-shard stages
// run against live state if fork-choice later adopts their branch.
func (v *Validator) ValidateShallow(block *types.Block, parent *types.HeaderRecord, chain ChainView, now time.Time) (*Result, error) {
	if verr := v.checkStructure(block, parent); verr != nil {
		return v.reject(StageReceived, verr), nil
	}
	if verr, err := v.checkConsensus(block, parent, chain, now); err != nil {
		return nil, err
	} else if verr != nil {
		return v.reject(StageStructurallyValid, verr), nil
	}
	if verr := v.checkMesh(block); verr != nil {
		return v.reject(StageConsensusValid, verr), nil
	}
	return &Result{Stage: StageConsensusValid}, nil
}

// ValidateDeep runs stages four and five for a block whose shallow stages
// already passed, typically during fork adoption.
func (v *Validator) ValidateDeep(block *types.Block, chain ChainView, utxos UTXOView) (*Result, error) {
	spent, created, verr, err := v.checkUTXOs(block, chain, utxos)
	if err != nil {
		return nil, err
	}
	if verr != nil {
		return v.reject(StageConsensusValid, verr), nil
	}
	if verr := v.checkCrossShard(block); verr != nil {
		return v.reject(StageUTXOValid, verr), nil
	}
	return &Result{Stage: StageCrossShardValid, Spent: spent, Created: created}, nil
}

// checkStructure is stage one: internal consistency of the block record.
func (v *Validator) checkStructure(block *types.Block, parent *types.HeaderRecord) *Error {
	header := &block.Header
	if header.Version != types.BlockVersion {
		return newError(KindStructurallyInvalid, "unsupported block version %d", header.Version)
	}

	if parent == nil {
		if header.Height != 0 {
			return newError(KindStructurallyInvalid, "block at height %d without parent", header.Height)
		}
		if header.PrevHash != (common.Hash{}) {
			return newError(KindStructurallyInvalid, "genesis block with non-zero prev hash")
		}
	} else {
		if header.PrevHash != parent.BlockHash {
			return newError(KindStructurallyInvalid, "prev hash %s does not match parent %s", header.PrevHash.Hex(), parent.BlockHash.Hex())
		}
		if header.Height != parent.Header.Height+1 {
			return newError(KindStructurallyInvalid, "height %d not parent height %d plus one", header.Height, parent.Header.Height)
		}
		if !header.Coordinate.Equal(parent.Header.Coordinate) {
			return newError(KindInvalidCoordinate, "block coordinate %s left parent shard %s", header.Coordinate, parent.Header.Coordinate)
		}
	}

	if len(block.Transactions) == 0 {
		return newError(KindStructurallyInvalid, "empty transaction list")
	}

	shard := header.ShardID()
	seen := make(map[common.Hash]struct{}, len(block.Transactions))
	for i, tx := range block.Transactions {
		if len(tx.Outputs) == 0 {
			return newError(KindStructurallyInvalid, "transaction %d has no outputs", i)
		}
		if tx.Coinbase() && header.Height != 0 {
			return newError(KindStructurallyInvalid, "coinbase transaction outside genesis")
		}
		if tx.SourceShard() != shard {
			return newError(KindStructurallyInvalid, "transaction %d sourced in shard %s, block in %s", i, tx.SourceShard(), shard)
		}
		txHash := tx.Hash()
		if _, dup := seen[txHash]; dup {
			return newError(KindStructurallyInvalid, "duplicate transaction %s", txHash.Hex())
		}
		seen[txHash] = struct{}{}
	}

	for i := 1; i < len(header.CrossShardRefs); i++ {
		if header.CrossShardRefs[i-1].Shard >= header.CrossShardRefs[i].Shard {
			return newError(KindStructurallyInvalid, "cross-shard refs not sorted by shard id")
		}
	}
	for _, ref := range header.CrossShardRefs {
		if ref.Shard == shard {
			return newError(KindStructurallyInvalid, "cross-shard ref names the local shard")
		}
	}
	return nil
}

// checkConsensus is stage two: proof of work, timestamp window and the
// declared difficulty against the adjustment schedule. The genesis block
// anchors the chain by fiat and carries no work.
func (v *Validator) checkConsensus(block *types.Block, parent *types.HeaderRecord, chain ChainView, now time.Time) (*Error, error) {
	if parent == nil {
		return nil, nil
	}
	header := &block.Header

	if verr := v.cfg.ValidateTimestamp(header.Timestamp, parent.Header.Timestamp, now); verr != nil {
		return newError(KindStructurallyInvalid, "%s", verr.Error()), nil
	}

	window, err := chain.HeadersBack(parent.BlockHash, v.cfg.DifficultyWindow)
	if err != nil {
		return nil, err
	}
	expected := v.cfg.NextDifficulty(window)
	if header.DifficultyBits != expected {
		return newError(KindInsufficientWork, "declared difficulty %d, schedule requires %d", header.DifficultyBits, expected), nil
	}

	if err := consensus.ValidateWork(header); err != nil {
		return newError(KindInsufficientWork, "%s", err.Error()), nil
	}
	return nil, nil
}

// checkMesh is stage three: recompute the mesh root from the transaction
// list and the declared cross-shard roots.
func (v *Validator) checkMesh(block *types.Block) *Error {
	builder := mesh.NewBuilder(v.newHasher(), block.ShardID())
	for _, tx := range block.Transactions {
		builder.AddTransaction(tx.Hash())
	}
	for _, ref := range block.Header.CrossShardRefs {
		builder.AddShardRoot(ref.Shard, ref.Level1Root, ref.BlockHash)
	}
	root := builder.Build().Root()
	if root != block.Header.MeshRoot {
		return newError(KindMeshMismatch, "recomputed mesh root %s, header declares %s", root.Hex(), block.Header.MeshRoot.Hex())
	}
	return nil
}

// checkUTXOs is stage four: every input must exist and be unspendable
// nowhere else, inputs must cover outputs, and inputs held by foreign
// shards must arrive with a final, valid proof.
func (v *Validator) checkUTXOs(block *types.Block, chain ChainView, utxos UTXOView) ([]SpentInput, []*utxoindex.UTXO, *Error, error) {
	shard := block.ShardID()
	spentInBlock := make(map[types.Outpoint]struct{})
	var spent []SpentInput
	var created []*utxoindex.UTXO

	for _, tx := range block.Transactions {
		txHash := tx.Hash()

		var inputSum uint64
		for _, outpoint := range tx.Inputs {
			if _, dup := spentInBlock[outpoint]; dup {
				return nil, nil, newError(KindDoubleSpend, "outpoint %s consumed twice in block", outpoint), nil
			}
			spentInBlock[outpoint] = struct{}{}

			utxo, exists, err := utxos.Get(outpoint)
			if err != nil {
				return nil, nil, nil, err
			}
			if !exists {
				return nil, nil, newError(KindUnknownOutpoint, "outpoint %s not found", outpoint), nil
			}
			if utxo.Unspendable() {
				return nil, nil, newError(KindStructurallyInvalid, "outpoint %s is a data carrier and cannot be spent", outpoint), nil
			}

			isSpent, err := utxos.IsSpent(outpoint)
			if err != nil {
				return nil, nil, nil, err
			}
			if isSpent {
				return nil, nil, newError(KindDoubleSpend, "outpoint %s already spent", outpoint), nil
			}

			if utxo.Coordinate.ShardID() != shard {
				verr, err := v.checkForeignInput(block, txHash, outpoint, utxo, chain)
				if err != nil {
					return nil, nil, nil, err
				}
				if verr != nil {
					return nil, nil, verr, nil
				}
			}

			next := inputSum + utxo.Value
			if next < inputSum {
				return nil, nil, newError(KindValueOverflow, "input value overflow in transaction %s", txHash.Hex()), nil
			}
			inputSum = next
			spent = append(spent, SpentInput{Outpoint: outpoint, UTXO: utxo})
		}

		outputSum, ok := tx.OutputValue()
		if !ok {
			return nil, nil, newError(KindValueOverflow, "output value overflow in transaction %s", txHash.Hex()), nil
		}
		if !tx.Coinbase() && outputSum > inputSum {
			return nil, nil, newError(KindValueOverflow, "transaction %s creates %d from %d", txHash.Hex(), outputSum, inputSum), nil
		}

		for i, out := range tx.Outputs {
			created = append(created, &utxoindex.UTXO{
				Outpoint:   types.Outpoint{TxHash: txHash, Index: uint32(i)},
				Value:      out.Value,
				LockScript: out.LockScript,
				Coordinate: out.Coordinate,
				Height:     block.Header.Height,
			})
		}
	}
	return spent, created, nil, nil
}

// checkForeignInput settles an input recorded by another shard: the block
// must carry a proof for the creating transaction, the proof must verify
// against the source block's declared mesh root, and the source block
// must be buried past the finality depth.
func (v *Validator) checkForeignInput(block *types.Block, spendingTx common.Hash, outpoint types.Outpoint, utxo *utxoindex.UTXO, chain ChainView) (*Error, error) {
	proof, ok := block.ProofFor(outpoint.TxHash)
	if !ok {
		return newError(KindInvalidProof, "no proof for foreign outpoint %s spent by %s", outpoint, spendingTx.Hex()), nil
	}
	if proof.TxHash != outpoint.TxHash {
		return newError(KindInvalidProof, "proof names transaction %s, outpoint is %s", proof.TxHash.Hex(), outpoint), nil
	}
	if proof.SourceShard != utxo.Coordinate.ShardID() {
		return newError(KindInvalidProof, "proof source shard %s does not hold outpoint %s", proof.SourceShard, outpoint), nil
	}
	if !proof.Targets(block.ShardID()) {
		return newError(KindInvalidProof, "proof does not target shard %s", block.ShardID()), nil
	}

	source, exists, err := chain.HeaderByHash(proof.SourceBlockHash)
	if err != nil {
		return nil, err
	}
	if !exists {
		return newError(KindInvalidProof, "proof references unknown source block %s", proof.SourceBlockHash.Hex()), nil
	}
	if err := mesh.VerifyProof(v.newHasher(), proof, source.Header.MeshRoot); err != nil {
		return newError(KindInvalidProof, "%s", err.Error()), nil
	}

	confirmations, err := chain.Confirmations(proof.SourceBlockHash)
	if err != nil {
		return nil, err
	}
	if confirmations < v.finalityDepth {
		return newError(KindProofNotYetFinal, "source block %s has %d of %d confirmations", proof.SourceBlockHash.Hex(), confirmations, v.finalityDepth), nil
	}
	return nil, nil
}

// checkCrossShard is stage five, the source side: every cross-shard
// transaction must carry a proof generated from this very block, sound
// against the header's own mesh root.
func (v *Validator) checkCrossShard(block *types.Block) *Error {
	blockHash := block.Hash()
	for _, tx := range block.Transactions {
		if !tx.CrossShard() {
			continue
		}
		txHash := tx.Hash()
		proof, ok := block.ProofFor(txHash)
		if !ok {
			return newError(KindInvalidProof, "cross-shard transaction %s without proof", txHash.Hex())
		}
		if proof.SourceShard != block.ShardID() {
			return newError(KindInvalidProof, "proof for %s claims source shard %s", txHash.Hex(), proof.SourceShard)
		}
		if proof.SourceBlockHash != blockHash {
			return newError(KindInvalidProof, "proof for %s bound to block %s", txHash.Hex(), proof.SourceBlockHash.Hex())
		}
		if err := mesh.VerifyProof(v.newHasher(), proof, block.Header.MeshRoot); err != nil {
			return newError(KindInvalidProof, "%s", err.Error())
		}
	}
	return nil
}
