// Package consensus holds the per-shard acceptance rules: proof-of-work
// validation, windowed difficulty adjustment and deterministic
// fork-choice.
package consensus

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/legacy-protocol/go-legacy/types"
)

// ErrInsufficientWork is returned when a header hash does not meet its
// declared difficulty target.
var ErrInsufficientWork = errors.New("insufficient work")

const (
	maxBits  = uint32(255)
	maxDrift = 2 * time.Hour
)

func twoPow(exp uint) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), exp)
}

// Config carries the consensus parameters shared by every shard.
type Config struct {
	TargetBlockTime  time.Duration
	DifficultyWindow int
	// MaxAdjustment bounds the per-window difficulty change factor in
	// both directions.
	MaxAdjustment  float64
	InitialBits    uint32
	MaxFutureDrift time.Duration
}

func DefaultConfig() Config {
	return Config{
		TargetBlockTime:  10 * time.Second,
		DifficultyWindow: 16,
		MaxAdjustment:    4.0,
		InitialBits:      16,
		MaxFutureDrift:   maxDrift,
	}
}

// TargetForBits returns 2^(256-bits), the threshold a block hash must
// stay strictly below.
func TargetForBits(bits uint32) *big.Int {
	if bits > maxBits {
		bits = maxBits
	}
	return twoPow(uint(256 - bits))
}

// WorkForBits returns 2^bits, the expected hash attempts a header at the
// given difficulty represents. Cumulative work sums this per block.
func WorkForBits(bits uint32) *big.Int {
	if bits > maxBits {
		bits = maxBits
	}
	return twoPow(uint(bits))
}

// ValidateWork checks the header hash against its declared target.
func ValidateWork(header *types.BlockHeader) error {
	if header.DifficultyBits == 0 || header.DifficultyBits > maxBits {
		return fmt.Errorf("%w: difficulty bits %d out of range", ErrInsufficientWork, header.DifficultyBits)
	}
	hash := header.Hash()
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(TargetForBits(header.DifficultyBits)) >= 0 {
		return fmt.Errorf("%w: hash %s above target for %d bits", ErrInsufficientWork, hash.Hex(), header.DifficultyBits)
	}
	return nil
}

// NextDifficulty derives the difficulty for the block following the given
// window of recent headers, ordered by ascending height. With fewer
// headers than the window, the previous difficulty carries over. The
// change factor is target time over observed average time, bounded by
// MaxAdjustment per period, never below InitialBits.
func (c Config) NextDifficulty(window []*types.BlockHeader) uint32 {
	if len(window) == 0 {
		return c.InitialBits
	}
	prev := window[len(window)-1].DifficultyBits
	if len(window) < c.DifficultyWindow {
		return prev
	}

	span := window[len(window)-1].Timestamp - window[0].Timestamp
	if span <= 0 {
		span = 1
	}
	avgBlockTime := float64(span) / float64(c.DifficultyWindow-1)

	adjustment := c.TargetBlockTime.Seconds() / avgBlockTime
	if adjustment > c.MaxAdjustment {
		adjustment = c.MaxAdjustment
	} else if adjustment < 1.0/c.MaxAdjustment {
		adjustment = 1.0 / c.MaxAdjustment
	}

	next := uint32(float64(prev) * adjustment)
	if next < c.InitialBits {
		next = c.InitialBits
	}
	if next > maxBits {
		next = maxBits
	}
	return next
}

// ValidateDifficultyTransition bounds the declared change between two
// consecutive headers.
func (c Config) ValidateDifficultyTransition(oldBits, newBits uint32) bool {
	if oldBits == 0 || newBits == 0 {
		return false
	}
	ratio := float64(newBits) / float64(oldBits)
	if ratio < 1 {
		ratio = 1 / ratio
	}
	return ratio <= c.MaxAdjustment
}

// ValidateTimestamp enforces strict monotonicity over the parent and a
// bounded future drift against local time.
func (c Config) ValidateTimestamp(timestamp int64, parentTimestamp int64, now time.Time) error {
	if timestamp <= parentTimestamp {
		return fmt.Errorf("timestamp %d not after parent %d", timestamp, parentTimestamp)
	}
	drift := c.MaxFutureDrift
	if drift == 0 {
		drift = maxDrift
	}
	if timestamp > now.Add(drift).Unix() {
		return fmt.Errorf("timestamp %d too far in the future", timestamp)
	}
	return nil
}

// TipCandidate is one head competing in fork-choice.
type TipCandidate struct {
	BlockHash      common.Hash
	CumulativeWork *big.Int
}

// SelectTip picks the candidate with the highest cumulative work; ties
// break to the lowest block hash so every node converges without
// randomness. Returns false for an empty candidate set.
func SelectTip(candidates []TipCandidate) (TipCandidate, bool) {
	if len(candidates) == 0 {
		return TipCandidate{}, false
	}
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		cmp := candidate.CumulativeWork.Cmp(best.CumulativeWork)
		if cmp > 0 || (cmp == 0 && bytes.Compare(candidate.BlockHash[:], best.BlockHash[:]) < 0) {
			best = candidate
		}
	}
	return best, true
}
