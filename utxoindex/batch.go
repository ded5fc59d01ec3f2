package utxoindex

import (
	"encoding/binary"

	legacydb "github.com/legacy-protocol/go-legacy/db"
	"github.com/legacy-protocol/go-legacy/types"
)

// Batch stages the UTXO effects of one block inside a storage
// transaction. Nothing is visible until the transaction commits;
// Finalize then folds the effects into the in-memory cache and filter.
// The commit step of the chain state machine is the only caller.
type Batch struct {
	index *Index
	tx    legacydb.Transaction

	put     []*UTXO
	spent   []types.Outpoint
	removed []types.Outpoint
}

// NewBatch stages writes into the given storage transaction. The caller
// owns the transaction and decides when to commit or discard it.
func (index *Index) NewBatch(tx legacydb.Transaction) *Batch {
	return &Batch{index: index, tx: tx}
}

// Put stages a new unspent output and its coordinate index entry.
func (b *Batch) Put(utxo *UTXO) error {
	data, err := utxo.serialize()
	if err != nil {
		return err
	}
	if err := b.tx.Set(legacydb.NamespaceUTXO, utxo.Outpoint.Key(), data); err != nil {
		return err
	}
	if err := b.tx.Set(legacydb.NamespaceCoordinateUTXO, coordKey(utxo.Coordinate, utxo.Outpoint), utxo.Outpoint.Key()); err != nil {
		return err
	}
	b.put = append(b.put, utxo)
	return nil
}

// Spend stages a spent marker carrying the spending block's height. The
// output record stays until pruning so the spend can be reverted.
func (b *Batch) Spend(outpoint types.Outpoint, height uint64) error {
	var value [8]byte
	binary.BigEndian.PutUint64(value[:], height)
	if err := b.tx.Set(legacydb.NamespaceSpentOutpoint, outpoint.Key(), value[:]); err != nil {
		return err
	}
	b.spent = append(b.spent, outpoint)
	return nil
}

// Unspend stages removal of a spent marker, restoring the output during a
// rollback.
func (b *Batch) Unspend(outpoint types.Outpoint) error {
	return b.tx.Delete(legacydb.NamespaceSpentOutpoint, outpoint.Key())
}

// Remove stages deletion of an output record entirely, the rollback of a
// Put.
func (b *Batch) Remove(utxo *UTXO) error {
	if err := b.tx.Delete(legacydb.NamespaceUTXO, utxo.Outpoint.Key()); err != nil {
		return err
	}
	if err := b.tx.Delete(legacydb.NamespaceCoordinateUTXO, coordKey(utxo.Coordinate, utxo.Outpoint)); err != nil {
		return err
	}
	b.removed = append(b.removed, utxo.Outpoint)
	return nil
}

// Finalize folds the staged effects into the cache and spent filter.
// Call only after the storage transaction committed successfully.
func (b *Batch) Finalize() {
	for _, utxo := range b.put {
		b.index.cache.Add(string(utxo.Outpoint.Key()), utxo)
	}
	for _, outpoint := range b.spent {
		b.index.spent.Add(outpoint.Key())
	}
	for _, outpoint := range b.removed {
		b.index.cache.Remove(string(outpoint.Key()))
	}
}
