package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legacy-protocol/go-legacy/coordinate"
)

func TestDefaults(t *testing.T) {
	consensusConfig := Consensus()
	assert.Equal(t, 10*time.Second, consensusConfig.TargetBlockTime)
	assert.Equal(t, 16, consensusConfig.DifficultyWindow)
	assert.Equal(t, 4.0, consensusConfig.MaxAdjustment)
	assert.Equal(t, uint32(16), consensusConfig.InitialBits)
	assert.Equal(t, 2*time.Hour, consensusConfig.MaxFutureDrift)

	assert.Equal(t, uint64(6), Chain().FinalityDepth)
	assert.Equal(t, 50000, Mempool().MaxSize)
	assert.Equal(t, 1000, Producer().MaxBlockTxs)

	_, err := Shards()
	assert.ErrorIs(t, err, ErrNoShards)
}

func TestShards(t *testing.T) {
	viper.Set("shards", []string{"0:", "2:1,2"})
	t.Cleanup(func() { viper.Set("shards", nil) })

	coords, err := Shards()
	require.NoError(t, err)
	require.Len(t, coords, 2)
	assert.Equal(t, coordinate.Root(), coords[0])
	assert.Equal(t, coordinate.MustNew(2, []uint8{1, 2}), coords[1])

	viper.Set("shards", []string{"2:1,9"})
	_, err = Shards()
	assert.ErrorIs(t, err, coordinate.ErrInvalidCoordinate)
}
