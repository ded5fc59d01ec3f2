// Package utxoindex maintains the unspent output set: keyed lookup by
// outpoint, coordinate-prefixed range scans, and spent markers that
// survive until pruning so reorganizations can restore them.
package utxoindex

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	lru "github.com/hashicorp/golang-lru"
	"github.com/willf/bloom"

	"github.com/legacy-protocol/go-legacy/coordinate"
	legacydb "github.com/legacy-protocol/go-legacy/db"
	"github.com/legacy-protocol/go-legacy/log"
	"github.com/legacy-protocol/go-legacy/types"
)

var logger = log.NewLogger("utxoindex")

var errBadOutpointKey = errors.New("malformed outpoint key")

const (
	defaultCacheSize = 4096

	// sized for ~1M live spent markers at a 1% false positive rate;
	// positives fall through to a db lookup
	bloomCapacity = 1 << 20
	bloomHashes   = 7
)

// UTXO is one unspent output record.
type UTXO struct {
	Outpoint   types.Outpoint
	Value      uint64
	LockScript []byte
	Coordinate coordinate.Coordinate

	// Height is the block height the output was created at.
	Height uint64
}

// Unspendable reports whether the lock script forbids ever spending the
// output.
func (u *UTXO) Unspendable() bool {
	return types.UnspendableScript(u.LockScript)
}

func (u *UTXO) serialize() ([]byte, error) {
	return json.Marshal(u)
}

func deserializeUTXO(data []byte) (*UTXO, error) {
	var u UTXO
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// coordKeySeparator terminates the path in a coordinate index key. Path
// elements are < BranchingFactor, so the separator can never be mistaken
// for one more path step and an outpoint byte can never extend the path.
const coordKeySeparator = byte(coordinate.BranchingFactor)

// coordKey frames the coordinate path ahead of the outpoint key so that
// an ancestor's path is a byte prefix of every descendant's key and of
// nothing else.
func coordKey(c coordinate.Coordinate, outpoint types.Outpoint) []byte {
	path := c.Path()
	key := make([]byte, 0, len(path)+1+len(outpoint.Key()))
	key = append(key, path...)
	key = append(key, coordKeySeparator)
	return append(key, outpoint.Key()...)
}

// Index answers UTXO queries against storage, with a read cache in front
// of output records and a bloom filter in front of spent markers.
type Index struct {
	db    legacydb.DB
	cache *lru.Cache
	spent *bloom.BloomFilter
}

// NewIndex opens the index over the given database and warms the spent
// filter from the persisted markers.
func NewIndex(database legacydb.DB) (*Index, error) {
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		return nil, err
	}
	index := &Index{
		db:    database,
		cache: cache,
		spent: bloom.New(bloomCapacity, bloomHashes),
	}
	if err := index.warmSpentFilter(); err != nil {
		return nil, err
	}
	return index, nil
}

func (index *Index) warmSpentFilter() error {
	prefix := legacydb.PrependNamespace(legacydb.NamespaceSpentOutpoint, nil)
	iter := index.db.Iterator(prefix, legacydb.PrefixEnd(prefix))
	count := 0
	for iter.Valid() {
		key, err := iter.Key()
		if err != nil {
			return err
		}
		index.spent.Add(key[len(prefix):])
		count++
		if err := iter.Next(); err != nil {
			return err
		}
	}
	logger.Debug().Int("spentMarkers", count).Msg("warmed spent outpoint filter")
	return nil
}

// Get returns the output record for an outpoint, spent or not.
func (index *Index) Get(outpoint types.Outpoint) (*UTXO, bool, error) {
	cacheKey := string(outpoint.Key())
	if cached, ok := index.cache.Get(cacheKey); ok {
		return cached.(*UTXO), true, nil
	}

	data, exists, err := index.db.Get(legacydb.NamespaceUTXO, outpoint.Key())
	if err != nil || !exists {
		return nil, false, err
	}
	utxo, err := deserializeUTXO(data)
	if err != nil {
		return nil, false, err
	}
	index.cache.Add(cacheKey, utxo)
	return utxo, true, nil
}

// IsSpent reports whether the outpoint carries a spent marker. The bloom
// filter short-circuits the common unspent case.
func (index *Index) IsSpent(outpoint types.Outpoint) (bool, error) {
	if !index.spent.Test(outpoint.Key()) {
		return false, nil
	}
	return index.db.Exist(legacydb.NamespaceSpentOutpoint, outpoint.Key())
}

// GetUnspent returns the record only when it exists and is not spent.
func (index *Index) GetUnspent(outpoint types.Outpoint) (*UTXO, bool, error) {
	utxo, exists, err := index.Get(outpoint)
	if err != nil || !exists {
		return nil, false, err
	}
	spent, err := index.IsSpent(outpoint)
	if err != nil {
		return nil, false, err
	}
	if spent {
		return nil, false, nil
	}
	return utxo, true, nil
}

// UtxosInCoordinateRange returns every unspent output whose coordinate
// lies at or below the given prefix coordinate.
func (index *Index) UtxosInCoordinateRange(prefix coordinate.Coordinate) ([]*UTXO, error) {
	scanPrefix := legacydb.PrependNamespace(legacydb.NamespaceCoordinateUTXO, prefix.Path())
	iter := index.db.Iterator(scanPrefix, legacydb.PrefixEnd(scanPrefix))

	var utxos []*UTXO
	for iter.Valid() {
		value, err := iter.Value()
		if err != nil {
			return nil, err
		}
		outpoint, err := outpointFromIndexValue(value)
		if err != nil {
			return nil, err
		}
		utxo, exists, err := index.GetUnspent(outpoint)
		if err != nil {
			return nil, err
		}
		if exists {
			utxos = append(utxos, utxo)
		}
		if err := iter.Next(); err != nil {
			return nil, err
		}
	}
	return utxos, nil
}

// SpatialNeighbors returns unspent outputs within maxDistance of the
// coordinate's position, searched among the coordinate's parent subtree.
func (index *Index) SpatialNeighbors(c coordinate.Coordinate, maxDistance float64) ([]*UTXO, error) {
	candidates, err := index.UtxosInCoordinateRange(c.Parent())
	if err != nil {
		return nil, err
	}
	var nearby []*UTXO
	for _, utxo := range candidates {
		if c.DistanceTo(utxo.Coordinate) <= maxDistance {
			nearby = append(nearby, utxo)
		}
	}
	return nearby, nil
}

// Prune removes records and markers of outpoints spent strictly below the
// given height. After pruning, a reorganization across the pruned depth
// can no longer be replayed; callers keep the horizon beyond finality.
func (index *Index) Prune(beforeHeight uint64) (int, error) {
	prefix := legacydb.PrependNamespace(legacydb.NamespaceSpentOutpoint, nil)
	iter := index.db.Iterator(prefix, legacydb.PrefixEnd(prefix))

	type target struct {
		outpoint types.Outpoint
		coord    coordinate.Coordinate
	}
	var targets []target
	for iter.Valid() {
		key, err := iter.Key()
		if err != nil {
			return 0, err
		}
		value, err := iter.Value()
		if err != nil {
			return 0, err
		}
		if len(value) == 8 && binary.BigEndian.Uint64(value) < beforeHeight {
			outpoint, err := outpointFromKey(key[len(prefix):])
			if err != nil {
				return 0, err
			}
			utxo, exists, err := index.Get(outpoint)
			if err != nil {
				return 0, err
			}
			if exists {
				targets = append(targets, target{outpoint: outpoint, coord: utxo.Coordinate})
			}
		}
		if err := iter.Next(); err != nil {
			return 0, err
		}
	}

	tx := index.db.NewTx()
	for _, t := range targets {
		if err := tx.Delete(legacydb.NamespaceUTXO, t.outpoint.Key()); err != nil {
			tx.Discard()
			return 0, err
		}
		if err := tx.Delete(legacydb.NamespaceSpentOutpoint, t.outpoint.Key()); err != nil {
			tx.Discard()
			return 0, err
		}
		if err := tx.Delete(legacydb.NamespaceCoordinateUTXO, coordKey(t.coord, t.outpoint)); err != nil {
			tx.Discard()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for _, t := range targets {
		index.cache.Remove(string(t.outpoint.Key()))
	}

	logger.Info().Int("pruned", len(targets)).Uint64("beforeHeight", beforeHeight).Msg("pruned spent outputs")
	return len(targets), nil
}

// the coordinate index stores the outpoint key as its value so the scan
// does not need to parse variable-length path prefixes back out of keys
func outpointFromIndexValue(value []byte) (types.Outpoint, error) {
	return outpointFromKey(value)
}

func outpointFromKey(key []byte) (types.Outpoint, error) {
	if len(key) != 36 {
		return types.Outpoint{}, errBadOutpointKey
	}
	var outpoint types.Outpoint
	copy(outpoint.TxHash[:], key[:32])
	outpoint.Index = binary.BigEndian.Uint32(key[32:])
	return outpoint, nil
}
