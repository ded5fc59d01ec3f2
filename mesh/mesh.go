// Package mesh implements the two-level Merkle commitment binding a
// shard's transaction set to the cross-shard roots it references. Level 1
// is a binary tree over one shard's transaction hashes; level 2 is a
// binary tree over (shard id, level-1 root) pairs sorted by shard id. The
// root committed in a block header binds the level-2 root to the local
// level-1 root. Leaves and inner nodes carry distinct domain tags.
package mesh

import (
	"bytes"
	"encoding/binary"
	"hash"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	sha256 "github.com/minio/sha256-simd"

	"github.com/legacy-protocol/go-legacy/coordinate"
)

// zero-hash leaf used to pad odd levels. Padding instead of duplicating
// the last node closes the classic duplicate-leaf forgery.
var zeroHash common.Hash

// Domain tags keep leaves and inner nodes in disjoint hash preimage
// spaces, so an inner node value can never be replayed as a leaf.
const (
	domainLeaf  = byte(0x00)
	domainInner = byte(0x01)
)

// DefaultHasher returns the protocol hash used for mesh commitments.
func DefaultHasher() hash.Hash {
	return sha256.New()
}

type shardRoot struct {
	shard     coordinate.ShardID
	root      common.Hash
	blockHash common.Hash
}

// Builder accumulates one shard's transaction hashes plus the level-1
// roots declared by referenced foreign shards, then freezes them into a
// Mesh.
type Builder struct {
	hasher     hash.Hash
	localShard coordinate.ShardID
	txHashes   []common.Hash
	foreign    map[coordinate.ShardID]shardRoot
}

func NewBuilder(hasher hash.Hash, localShard coordinate.ShardID) *Builder {
	return &Builder{
		hasher:     hasher,
		localShard: localShard,
		foreign:    make(map[coordinate.ShardID]shardRoot),
	}
}

// AddTransaction appends a local transaction hash. Order is the block's
// transaction order and is part of the commitment.
func (b *Builder) AddTransaction(txHash common.Hash) {
	b.txHashes = append(b.txHashes, txHash)
}

// AddShardRoot declares a referenced foreign shard's level-1 root and the
// hash of the foreign block carrying it. Re-declaring a shard overwrites
// the previous entry; the local shard cannot be declared foreign.
func (b *Builder) AddShardRoot(shard coordinate.ShardID, level1Root common.Hash, blockHash common.Hash) {
	if shard == b.localShard {
		return
	}
	b.foreign[shard] = shardRoot{shard: shard, root: level1Root, blockHash: blockHash}
}

// Build computes both tree levels and the combined mesh root.
func (b *Builder) Build() *Mesh {
	m := &Mesh{
		hasher:     b.hasher,
		localShard: b.localShard,
		txHashes:   append([]common.Hash(nil), b.txHashes...),
	}

	m.level1 = buildLevels(b.hasher, m.txHashes)
	m.level1Root = levelsRoot(m.level1)

	m.entries = make([]shardRoot, 0, len(b.foreign)+1)
	m.entries = append(m.entries, shardRoot{shard: b.localShard, root: m.level1Root})
	for _, entry := range b.foreign {
		m.entries = append(m.entries, entry)
	}
	sort.Slice(m.entries, func(i, j int) bool {
		return m.entries[i].shard < m.entries[j].shard
	})

	leaves := make([]common.Hash, len(m.entries))
	for i, entry := range m.entries {
		leaves[i] = shardLeaf(b.hasher, entry.shard, entry.root)
	}
	m.level2 = buildLevels(b.hasher, leaves)
	m.level2Root = levelsRoot(m.level2)

	m.meshRoot = hashPair(b.hasher, m.level2Root, m.level1Root)
	return m
}

// Mesh is a frozen commitment able to answer root and proof queries.
type Mesh struct {
	hasher     hash.Hash
	localShard coordinate.ShardID
	txHashes   []common.Hash
	entries    []shardRoot

	// level1[0] holds the leaf-domain hashes of the transactions, the
	// last level the single root node. Same layout for level2.
	level1 [][]common.Hash
	level2 [][]common.Hash

	level1Root common.Hash
	level2Root common.Hash
	meshRoot   common.Hash
}

// Root returns the combined mesh root committed in the block header.
func (m *Mesh) Root() common.Hash {
	return m.meshRoot
}

// Level1Root returns the root of the local transaction tree, the value a
// foreign shard declares when it references this shard.
func (m *Mesh) Level1Root() common.Hash {
	return m.level1Root
}

// Level2Root returns the root of the cross-shard tree.
func (m *Mesh) Level2Root() common.Hash {
	return m.level2Root
}

// ForeignBlockHash returns the block hash declared for a referenced shard.
func (m *Mesh) ForeignBlockHash(shard coordinate.ShardID) (common.Hash, bool) {
	for _, entry := range m.entries {
		if entry.shard == shard && shard != m.localShard {
			return entry.blockHash, true
		}
	}
	return common.Hash{}, false
}

// Prove builds the cross-shard proof for a local transaction. The caller
// fills TargetShards from the transaction and SourceBlockHash once the
// enclosing header is sealed; neither participates in the hash folding.
func (m *Mesh) Prove(txHash common.Hash) (*Proof, error) {
	leafIndex := -1
	for i, h := range m.txHashes {
		if h == txHash {
			leafIndex = i
			break
		}
	}
	if leafIndex < 0 {
		return nil, newProofError("transaction %s not in local tree", txHash.Hex())
	}

	entryIndex := -1
	for i, entry := range m.entries {
		if entry.shard == m.localShard {
			entryIndex = i
			break
		}
	}

	return &Proof{
		TxHash:           txHash,
		SourceShard:      m.localShard,
		LeafIndex:        uint32(leafIndex),
		InclusionPath:    siblingPath(m.level1, leafIndex),
		SourceLevel1Root: m.level1Root,
		Level2Index:      uint32(entryIndex),
		Level2Path:       siblingPath(m.level2, entryIndex),
	}, nil
}

// buildLevels hashes the leaves into the leaf domain and builds a binary
// tree bottom-up, padding every level to even width with the zero hash.
// An empty leaf set yields a single zero root.
func buildLevels(hasher hash.Hash, leaves []common.Hash) [][]common.Hash {
	level := make([]common.Hash, len(leaves))
	for i, leaf := range leaves {
		level[i] = leafHash(hasher, leaf)
	}
	if len(level) == 0 {
		level = []common.Hash{zeroHash}
	}
	levels := [][]common.Hash{level}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, zeroHash)
			levels[len(levels)-1] = level
		}
		next := make([]common.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hashPair(hasher, level[i], level[i+1])
		}
		levels = append(levels, next)
		level = next
	}
	return levels
}

func levelsRoot(levels [][]common.Hash) common.Hash {
	top := levels[len(levels)-1]
	return top[0]
}

// siblingPath collects the sibling node at every level from leaf to root.
func siblingPath(levels [][]common.Hash, index int) []common.Hash {
	var path []common.Hash
	for _, level := range levels[:len(levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			path = append(path, level[sibling])
		} else {
			path = append(path, zeroHash)
		}
		index /= 2
	}
	return path
}

func leafHash(hasher hash.Hash, leaf common.Hash) common.Hash {
	hasher.Reset()
	hasher.Write([]byte{domainLeaf})
	hasher.Write(leaf[:])
	var out common.Hash
	copy(out[:], hasher.Sum(nil))
	hasher.Reset()
	return out
}

func hashPair(hasher hash.Hash, left common.Hash, right common.Hash) common.Hash {
	hasher.Reset()
	hasher.Write([]byte{domainInner})
	hasher.Write(left[:])
	hasher.Write(right[:])
	var out common.Hash
	copy(out[:], hasher.Sum(nil))
	hasher.Reset()
	return out
}

// shardLeaf commits a level-2 entry as H(shard id || level-1 root).
func shardLeaf(hasher hash.Hash, shard coordinate.ShardID, root common.Hash) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(shard))
	hasher.Reset()
	hasher.Write(buf[:])
	hasher.Write(root[:])
	var out common.Hash
	copy(out[:], hasher.Sum(nil))
	hasher.Reset()
	return out
}

func hashesEqual(a common.Hash, b common.Hash) bool {
	return bytes.Equal(a[:], b[:])
}
