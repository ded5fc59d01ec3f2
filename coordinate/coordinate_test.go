package coordinate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	_, err := New(2, []uint8{1, 2})
	assert.NoError(t, err)

	_, err = New(-1, nil)
	assert.ErrorIs(t, err, ErrInvalidCoordinate)

	_, err = New(3, []uint8{1, 2})
	assert.ErrorIs(t, err, ErrInvalidCoordinate)

	_, err = New(2, []uint8{1, BranchingFactor})
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}

func TestShardIDDeterministic(t *testing.T) {
	a := MustNew(3, []uint8{0, 2, 1})
	b := MustNew(3, []uint8{0, 2, 1})

	assert.Equal(t, a.ShardID(), b.ShardID())
	assert.Equal(t, a.ShardID(), a.ShardID())

	// a different path must land on a different shard
	c := MustNew(3, []uint8{0, 2, 2})
	assert.NotEqual(t, a.ShardID(), c.ShardID())
}

func TestNeighborsAndAncestor(t *testing.T) {
	a := MustNew(2, []uint8{1, 2})
	b := MustNew(2, []uint8{1, 3})
	parent := MustNew(1, []uint8{1})

	neighborsOfA := a.Neighbors()
	require.Len(t, neighborsOfA, BranchingFactor-1)

	found := false
	for _, n := range neighborsOfA {
		assert.True(t, parent.Equal(n.Parent()))
		if n.Equal(b) {
			found = true
		}
	}
	assert.True(t, found, "sibling with same parent must be a neighbor")

	assert.True(t, parent.IsAncestor(a))
	assert.True(t, parent.IsAncestor(b))
	assert.False(t, a.IsAncestor(b))
	assert.False(t, a.IsAncestor(a), "ancestry is strict")
	assert.True(t, Root().IsAncestor(a))
}

func TestParentChildren(t *testing.T) {
	root := Root()
	assert.True(t, root.Equal(root.Parent()))
	assert.Nil(t, root.Neighbors())

	children := root.Children()
	require.Len(t, children, BranchingFactor)
	for i, child := range children {
		assert.Equal(t, 1, child.Depth())
		assert.Equal(t, []uint8{uint8(i)}, child.Path())
		assert.True(t, root.Equal(child.Parent()))
	}
}

func TestImmutablePath(t *testing.T) {
	path := []uint8{1, 2}
	c := MustNew(2, path)

	path[0] = 3
	assert.Equal(t, []uint8{1, 2}, c.Path())

	got := c.Path()
	got[1] = 0
	assert.Equal(t, []uint8{1, 2}, c.Path())
}

func TestEncodeDecode(t *testing.T) {
	coords := []Coordinate{
		Root(),
		MustNew(1, []uint8{3}),
		MustNew(4, []uint8{0, 1, 2, 3}),
	}

	for _, c := range coords {
		encoded := c.Encode()
		assert.Len(t, encoded, c.EncodedLen())

		decoded, n, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, len(encoded), n)
		assert.True(t, c.Equal(decoded))
	}

	_, _, err := Decode([]byte{0x00})
	assert.ErrorIs(t, err, ErrInvalidCoordinate)

	_, _, err = Decode([]byte{0x00, 0x02, 0x01})
	assert.ErrorIs(t, err, ErrInvalidCoordinate)

	// out-of-range path element must not decode
	_, _, err = Decode([]byte{0x00, 0x01, BranchingFactor})
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}

func TestCartesian(t *testing.T) {
	root := Root()
	center := root.Cartesian()
	assert.InDelta(t, 0.5, center.X, 1e-9)
	assert.InDelta(t, math.Sqrt(3)/6, center.Y, 1e-9)

	// the inverted center sub-triangle shares the parent centroid
	middle := MustNew(1, []uint8{MoveCenter}).Cartesian()
	assert.InDelta(t, center.X, middle.X, 1e-9)
	assert.InDelta(t, center.Y, middle.Y, 1e-9)

	left := MustNew(1, []uint8{MoveLeft})
	right := MustNew(1, []uint8{MoveRight})
	assert.Less(t, left.Cartesian().X, right.Cartesian().X)

	assert.Equal(t, 0.0, left.DistanceTo(left))
	assert.InDelta(t, left.DistanceTo(right), right.DistanceTo(left), 1e-12)
	assert.Greater(t, left.DistanceTo(right), 0.0)
}

func TestParseRoundTrip(t *testing.T) {
	for _, c := range []Coordinate{Root(), MustNew(1, []uint8{3}), MustNew(3, []uint8{1, 2, 0})} {
		parsed, err := Parse(c.String())
		assert.NoError(t, err)
		assert.True(t, c.Equal(parsed))
	}

	for _, bad := range []string{"", "2", "2:1", "1:9", "x:1", "1:a"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalidCoordinate, bad)
	}
}
