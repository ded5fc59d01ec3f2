// Package mempool holds transactions waiting for inclusion, indexed by
// source shard and ordered by fee rate. Admission reserves the consumed
// outpoints so two pending transactions can never spend the same output.
package mempool

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/legacy-protocol/go-legacy/coordinate"
	"github.com/legacy-protocol/go-legacy/log"
	"github.com/legacy-protocol/go-legacy/types"
	"github.com/legacy-protocol/go-legacy/utxoindex"
)

var (
	ErrAlreadyKnown     = errors.New("transaction already in mempool")
	ErrCoinbase         = errors.New("coinbase transaction not accepted")
	ErrUnknownOutpoint  = errors.New("input outpoint not found or spent")
	ErrOutpointReserved = errors.New("input outpoint reserved by pending transaction")
	ErrUnspendable      = errors.New("input outpoint is a data carrier")
	ErrNegativeFee      = errors.New("outputs exceed inputs")
	ErrFeeTooLow        = errors.New("fee rate below minimum")
	ErrPoolFull         = errors.New("mempool full")
)

// UTXOSource is the unspent-set lookup admission validates against.
type UTXOSource interface {
	GetUnspent(outpoint types.Outpoint) (*utxoindex.UTXO, bool, error)
}

// Config carries the admission parameters.
type Config struct {
	MaxSize int
	// MinFeeRate is the minimum fee per encoded byte.
	MinFeeRate float64
}

func DefaultConfig() Config {
	return Config{
		MaxSize:    50000,
		MinFeeRate: 0.00001,
	}
}

type entry struct {
	tx      *types.Transaction
	fee     uint64
	feeRate float64
	added   time.Time
}

// Pool is the pending transaction set. Safe for concurrent use.
type Pool struct {
	logger *log.Logger
	cfg    Config

	mu      sync.Mutex
	entries map[common.Hash]*entry
	byShard map[coordinate.ShardID]map[common.Hash]struct{}
	// reserved maps consumed outpoints to the pending spender
	reserved map[types.Outpoint]common.Hash

	now func() time.Time
}

func NewPool(cfg Config) *Pool {
	return &Pool{
		logger:   log.NewLogger("mempool"),
		cfg:      cfg,
		entries:  make(map[common.Hash]*entry),
		byShard:  make(map[coordinate.ShardID]map[common.Hash]struct{}),
		reserved: make(map[types.Outpoint]common.Hash),
		now:      time.Now,
	}
}

// Add admits one transaction after validating its inputs against the
// unspent set and the pool's own reservations. A full pool first evicts
// pending transactions paying a lower fee rate than the newcomer.
func (p *Pool) Add(tx *types.Transaction, utxos UTXOSource) error {
	if tx.Coinbase() {
		return ErrCoinbase
	}
	txHash := tx.Hash()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, known := p.entries[txHash]; known {
		return ErrAlreadyKnown
	}

	var inputSum uint64
	for _, outpoint := range tx.Inputs {
		if _, taken := p.reserved[outpoint]; taken {
			return ErrOutpointReserved
		}
		utxo, exists, err := utxos.GetUnspent(outpoint)
		if err != nil {
			return err
		}
		if !exists {
			return ErrUnknownOutpoint
		}
		if utxo.Unspendable() {
			return ErrUnspendable
		}
		next := inputSum + utxo.Value
		if next < inputSum {
			return ErrNegativeFee
		}
		inputSum = next
	}

	outputSum, ok := tx.OutputValue()
	if !ok || outputSum > inputSum {
		return ErrNegativeFee
	}
	fee := inputSum - outputSum
	feeRate := float64(fee) / float64(len(tx.Encode()))
	if feeRate < p.cfg.MinFeeRate {
		return ErrFeeTooLow
	}

	if len(p.entries) >= p.cfg.MaxSize {
		p.evictBelowLocked(feeRate)
		if len(p.entries) >= p.cfg.MaxSize {
			return ErrPoolFull
		}
	}

	p.entries[txHash] = &entry{tx: tx, fee: fee, feeRate: feeRate, added: p.now()}
	shard := tx.SourceShard()
	if p.byShard[shard] == nil {
		p.byShard[shard] = make(map[common.Hash]struct{})
	}
	p.byShard[shard][txHash] = struct{}{}
	for _, outpoint := range tx.Inputs {
		p.reserved[outpoint] = txHash
	}

	p.logger.Debug().Str("tx", txHash.Hex()).Str("shard", shard.String()).
		Uint64("fee", fee).Msg("transaction admitted")
	return nil
}

// Remove drops a transaction and releases its reservations.
func (p *Pool) Remove(txHash common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash common.Hash) {
	e, ok := p.entries[txHash]
	if !ok {
		return
	}
	shard := e.tx.SourceShard()
	delete(p.byShard[shard], txHash)
	if len(p.byShard[shard]) == 0 {
		delete(p.byShard, shard)
	}
	for _, outpoint := range e.tx.Inputs {
		if p.reserved[outpoint] == txHash {
			delete(p.reserved, outpoint)
		}
	}
	delete(p.entries, txHash)
}

// RemoveCommitted drops every pool transaction a committed block settled:
// the included transactions themselves plus any pending transaction now
// conflicting with one of the block's spends.
func (p *Pool) RemoveCommitted(block *types.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, tx := range block.Transactions {
		p.removeLocked(tx.Hash())
		for _, outpoint := range tx.Inputs {
			if spender, taken := p.reserved[outpoint]; taken {
				p.removeLocked(spender)
			}
		}
	}
}

// Reinstate offers the transactions of a rolled-back block for
// readmission. Transactions re-included by the winning branch or now
// conflicting simply fail admission and stay out.
func (p *Pool) Reinstate(block *types.Block, utxos UTXOSource) {
	restored := 0
	for _, tx := range block.Transactions {
		if tx.Coinbase() {
			continue
		}
		if err := p.Add(tx, utxos); err == nil {
			restored++
		}
	}
	if restored > 0 {
		p.logger.Info().Str("block", block.Hash().Hex()).Int("restored", restored).
			Msg("reinstated transactions from rolled-back block")
	}
}

// ShardTransactions returns up to max pending transactions sourced in the
// given shard, highest fee rate first, ties broken by arrival.
func (p *Pool) ShardTransactions(shard coordinate.ShardID, max int) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	hashes := p.byShard[shard]
	selected := make([]*entry, 0, len(hashes))
	for txHash := range hashes {
		selected = append(selected, p.entries[txHash])
	}
	sort.Slice(selected, func(i, j int) bool {
		if selected[i].feeRate != selected[j].feeRate {
			return selected[i].feeRate > selected[j].feeRate
		}
		return selected[i].added.Before(selected[j].added)
	})

	if max > 0 && len(selected) > max {
		selected = selected[:max]
	}
	txs := make([]*types.Transaction, len(selected))
	for i, e := range selected {
		txs[i] = e.tx
	}
	return txs
}

// Get returns a pending transaction by hash.
func (p *Pool) Get(txHash common.Hash) (*types.Transaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[txHash]
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// SpendingTransaction returns the pending transaction reserving an
// outpoint, when one does.
func (p *Pool) SpendingTransaction(outpoint types.Outpoint) (*types.Transaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	txHash, taken := p.reserved[outpoint]
	if !taken {
		return nil, false
	}
	e, ok := p.entries[txHash]
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// IsReserved reports whether a pending transaction already consumes the
// outpoint.
func (p *Pool) IsReserved(outpoint types.Outpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, taken := p.reserved[outpoint]
	return taken
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// evictBelowLocked removes the cheapest transactions strictly below the
// given fee rate until the pool has room.
func (p *Pool) evictBelowLocked(feeRate float64) {
	victims := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.feeRate < feeRate {
			victims = append(victims, e)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].feeRate < victims[j].feeRate })

	for _, victim := range victims {
		if len(p.entries) < p.cfg.MaxSize {
			return
		}
		txHash := victim.tx.Hash()
		p.removeLocked(txHash)
		p.logger.Debug().Str("tx", txHash.Hex()).Msg("evicted low fee transaction")
	}
}
