package types

import (
	"encoding/binary"
	"encoding/json"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	sha256 "github.com/minio/sha256-simd"

	"github.com/legacy-protocol/go-legacy/coordinate"
	"github.com/legacy-protocol/go-legacy/mesh"
)

const BlockVersion = 1

// CrossShardRef declares a referenced foreign shard in a block header:
// the shard, the level-1 root its transactions commit to, and the foreign
// block carrying that root. Refs are kept sorted by shard id so the
// header encoding is canonical.
type CrossShardRef struct {
	Shard      coordinate.ShardID
	Level1Root common.Hash
	BlockHash  common.Hash
}

// BlockHeader commits to a block's position, content and work.
type BlockHeader struct {
	Version        uint32
	PrevHash       common.Hash
	Height         uint64
	Coordinate     coordinate.Coordinate
	MeshRoot       common.Hash
	DifficultyBits uint32
	Timestamp      int64
	Nonce          uint64
	CrossShardRefs []CrossShardRef
}

// SortRefs orders the cross-shard refs by shard id, the canonical header
// layout. Call before sealing.
func (h *BlockHeader) SortRefs() {
	sort.Slice(h.CrossShardRefs, func(i, j int) bool {
		return h.CrossShardRefs[i].Shard < h.CrossShardRefs[j].Shard
	})
}

// Encode returns the canonical binary header: fixed field order,
// big-endian fixed-width integers.
func (h *BlockHeader) Encode() []byte {
	size := 4 + common.HashLength + 8 + h.Coordinate.EncodedLen() + common.HashLength + 4 + 8 + 8 +
		4 + len(h.CrossShardRefs)*(8+2*common.HashLength)

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Height)
	buf = append(buf, h.Coordinate.Encode()...)
	buf = append(buf, h.MeshRoot[:]...)
	buf = binary.BigEndian.AppendUint32(buf, h.DifficultyBits)
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.Timestamp))
	buf = binary.BigEndian.AppendUint64(buf, h.Nonce)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.CrossShardRefs)))
	for _, ref := range h.CrossShardRefs {
		buf = binary.BigEndian.AppendUint64(buf, uint64(ref.Shard))
		buf = append(buf, ref.Level1Root[:]...)
		buf = append(buf, ref.BlockHash[:]...)
	}
	return buf
}

// Hash is the proof-of-work hash of the canonical header encoding.
func (h *BlockHeader) Hash() common.Hash {
	return common.Hash(sha256.Sum256(h.Encode()))
}

// ShardID returns the shard this header belongs to.
func (h *BlockHeader) ShardID() coordinate.ShardID {
	return h.Coordinate.ShardID()
}

// Block is a shard block: an ordered transaction list plus the proofs
// settling its cross-shard references. The proof map is keyed by
// transaction hash.
type Block struct {
	Header           BlockHeader
	Transactions     []*Transaction
	CrossShardProofs map[common.Hash]*mesh.Proof
}

func (b *Block) Hash() common.Hash {
	return b.Header.Hash()
}

func (b *Block) ShardID() coordinate.ShardID {
	return b.Header.ShardID()
}

// TxHashes returns the transaction ids in block order, the level-1 leaf
// sequence of the mesh.
func (b *Block) TxHashes() []common.Hash {
	hashes := make([]common.Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash()
	}
	return hashes
}

// ProofFor returns the cross-shard proof carried for a transaction.
func (b *Block) ProofFor(txHash common.Hash) (*mesh.Proof, bool) {
	proof, ok := b.CrossShardProofs[txHash]
	return proof, ok
}

func (b *Block) SerializeForStorage() ([]byte, error) {
	return json.Marshal(b)
}

func DeserializeBlockFromStorage(data []byte) (*Block, error) {
	var block Block
	err := json.Unmarshal(data, &block)
	if err != nil {
		return nil, err
	}
	return &block, nil
}

// HeaderRecord is the stored form of a header along with chain metadata
// the state machine needs without loading the block body.
type HeaderRecord struct {
	Header         BlockHeader
	BlockHash      common.Hash
	CumulativeWork []byte // big-endian big.Int, header work summed from genesis
	Applied        bool   // whether the block's UTXO effects are in the index
}

func (r *HeaderRecord) SerializeForStorage() ([]byte, error) {
	return json.Marshal(r)
}

func DeserializeHeaderRecordFromStorage(data []byte) (*HeaderRecord, error) {
	var record HeaderRecord
	err := json.Unmarshal(data, &record)
	if err != nil {
		return nil, err
	}
	return &record, nil
}
