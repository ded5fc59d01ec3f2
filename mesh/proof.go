package mesh

import (
	"errors"
	"fmt"
	"hash"

	"github.com/ethereum/go-ethereum/common"

	"github.com/legacy-protocol/go-legacy/coordinate"
)

// ErrInvalidProof is the typed failure for any malformed or mismatching
// proof. Verification never panics on bad input.
var ErrInvalidProof = errors.New("invalid cross-shard proof")

// maxPathLen bounds proof paths against absurd input; 2^32 leaves is far
// beyond any block.
const maxPathLen = 32

func newProofError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidProof, fmt.Sprintf(format, args...))
}

// Proof is the compact witness that a transaction is recorded in its
// source shard's level-1 tree and that this tree is referenced by the
// mesh root of the source block. It is generated once at block-build time
// and never mutated afterwards.
type Proof struct {
	TxHash       common.Hash
	SourceShard  coordinate.ShardID
	TargetShards []coordinate.ShardID

	// SourceBlockHash names the block whose header declares the mesh
	// root this proof verifies against; target shards use it to check
	// finality depth.
	SourceBlockHash common.Hash

	LeafIndex        uint32
	InclusionPath    []common.Hash
	SourceLevel1Root common.Hash
	Level2Index      uint32
	Level2Path       []common.Hash
}

// Targets reports whether the proof names the given shard as a target.
func (p *Proof) Targets(shard coordinate.ShardID) bool {
	for _, t := range p.TargetShards {
		if t == shard {
			return true
		}
	}
	return false
}

// VerifyProof checks the proof against the source block's declared mesh
// root. It is stateless: no access to the source shard's chain or block
// body is needed. A nil return means the proof is sound; every failure is
// ErrInvalidProof with a reason.
func VerifyProof(hasher hash.Hash, proof *Proof, meshRoot common.Hash) error {
	if proof == nil {
		return newProofError("missing proof")
	}
	if len(proof.InclusionPath) > maxPathLen || len(proof.Level2Path) > maxPathLen {
		return newProofError("path too long")
	}

	// fold the level-1 inclusion path from the transaction leaf
	current := leafHash(hasher, proof.TxHash)
	index := proof.LeafIndex
	for _, sibling := range proof.InclusionPath {
		if index&1 == 1 {
			current = hashPair(hasher, sibling, current)
		} else {
			current = hashPair(hasher, current, sibling)
		}
		index >>= 1
	}
	if index != 0 {
		return newProofError("leaf index %d outside tree of depth %d", proof.LeafIndex, len(proof.InclusionPath))
	}
	if !hashesEqual(current, proof.SourceLevel1Root) {
		return newProofError("level-1 root mismatch")
	}

	// fold the level-2 path from the source shard's entry leaf
	current = leafHash(hasher, shardLeaf(hasher, proof.SourceShard, proof.SourceLevel1Root))
	index = proof.Level2Index
	for _, sibling := range proof.Level2Path {
		if index&1 == 1 {
			current = hashPair(hasher, sibling, current)
		} else {
			current = hashPair(hasher, current, sibling)
		}
		index >>= 1
	}
	if index != 0 {
		return newProofError("shard entry index %d outside tree of depth %d", proof.Level2Index, len(proof.Level2Path))
	}

	if !hashesEqual(hashPair(hasher, current, proof.SourceLevel1Root), meshRoot) {
		return newProofError("mesh root mismatch")
	}
	return nil
}
