package types

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	sha256 "github.com/minio/sha256-simd"

	"github.com/legacy-protocol/go-legacy/coordinate"
)

// Outpoint names one output of a committed transaction.
type Outpoint struct {
	TxHash common.Hash
	Index  uint32
}

// Key returns the fixed-width storage key of the outpoint.
func (o Outpoint) Key() []byte {
	buf := make([]byte, common.HashLength+4)
	copy(buf, o.TxHash[:])
	binary.BigEndian.PutUint32(buf[common.HashLength:], o.Index)
	return buf
}

func (o Outpoint) String() string {
	return o.TxHash.Hex() + ":" + strconv.FormatUint(uint64(o.Index), 10)
}

// opReturnPrefix marks an output as a pure data carrier.
var opReturnPrefix = []byte("OP_RETURN")

// TxOutput is a new unspent output: a value locked under an opaque
// condition at a position in the fractal address space.
type TxOutput struct {
	Value      uint64
	LockScript []byte
	Coordinate coordinate.Coordinate
}

// Unspendable reports whether the lock script forbids ever spending the
// output. Lock scripts are otherwise opaque to the ledger.
func (out TxOutput) Unspendable() bool {
	return UnspendableScript(out.LockScript)
}

// UnspendableScript reports whether a lock script marks its output a pure
// data carrier.
func UnspendableScript(script []byte) bool {
	return bytes.HasPrefix(script, opReturnPrefix)
}

// Transaction spends outpoints and creates outputs, possibly across
// shards. Identity is the hash of the canonical encoding; the struct is
// treated as immutable once built.
type Transaction struct {
	Inputs    []Outpoint
	Outputs   []TxOutput
	Timestamp int64
	Nonce     uint64
}

// Encode returns the canonical binary form: fixed field order, big-endian
// fixed-width integers, length-prefixed variable fields. Recomputing it
// from a decoded transaction reproduces the identical byte sequence.
func (tx *Transaction) Encode() []byte {
	size := 8 + 8 + 4 + len(tx.Inputs)*(common.HashLength+4) + 4
	for _, out := range tx.Outputs {
		size += 8 + 4 + len(out.LockScript) + out.Coordinate.EncodedLen()
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint64(buf, uint64(tx.Timestamp))
	buf = binary.BigEndian.AppendUint64(buf, tx.Nonce)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.TxHash[:]...)
		buf = binary.BigEndian.AppendUint32(buf, in.Index)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.BigEndian.AppendUint64(buf, out.Value)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(out.LockScript)))
		buf = append(buf, out.LockScript...)
		buf = append(buf, out.Coordinate.Encode()...)
	}
	return buf
}

// Hash returns the transaction id, the sha256 of the canonical encoding.
func (tx *Transaction) Hash() common.Hash {
	return common.Hash(sha256.Sum256(tx.Encode()))
}

// SourceShard is the shard the transaction is recorded in, derived from
// the first output's coordinate. A transaction with no outputs has no
// shard and is structurally invalid elsewhere.
func (tx *Transaction) SourceShard() coordinate.ShardID {
	if len(tx.Outputs) == 0 {
		return 0
	}
	return tx.Outputs[0].Coordinate.ShardID()
}

// TargetShards returns the distinct non-source shards touched by the
// outputs, in output order.
func (tx *Transaction) TargetShards() []coordinate.ShardID {
	source := tx.SourceShard()
	var targets []coordinate.ShardID
	for _, out := range tx.Outputs {
		shard := out.Coordinate.ShardID()
		if shard == source {
			continue
		}
		known := false
		for _, t := range targets {
			if t == shard {
				known = true
				break
			}
		}
		if !known {
			targets = append(targets, shard)
		}
	}
	return targets
}

// CrossShard reports whether the outputs span more than one shard.
func (tx *Transaction) CrossShard() bool {
	return len(tx.TargetShards()) > 0
}

// Coinbase reports whether the transaction creates value without spending
// any outpoint. Only the genesis block may carry one.
func (tx *Transaction) Coinbase() bool {
	return len(tx.Inputs) == 0
}

// OutputValue sums the created value, reporting overflow.
func (tx *Transaction) OutputValue() (uint64, bool) {
	var sum uint64
	for _, out := range tx.Outputs {
		next := sum + out.Value
		if next < sum {
			return 0, false
		}
		sum = next
	}
	return sum, true
}

func (tx *Transaction) SerializeForStorage() ([]byte, error) {
	return json.Marshal(tx)
}

func DeserializeTransactionFromStorage(data []byte) (*Transaction, error) {
	var tx Transaction
	err := json.Unmarshal(data, &tx)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
