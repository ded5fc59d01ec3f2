// Package coordinate implements the fractal coordinate space used for
// sharding. A coordinate is a path of child indices into a recursively
// subdivided triangle: every triangle splits into four sub-triangles
// (left, top, right and the inverted center). Shard identity and
// adjacency are derived from the path structure.
package coordinate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	sha256 "github.com/minio/sha256-simd"
)

// BranchingFactor is the number of children of every coordinate.
const BranchingFactor = 4

const (
	MoveLeft   = 0
	MoveTop    = 1
	MoveRight  = 2
	MoveCenter = 3
)

// ErrInvalidCoordinate is returned when depth and path disagree or a path
// element is outside [0, BranchingFactor).
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// ShardID identifies the shard a coordinate belongs to. It is the first
// eight bytes, big-endian, of the coordinate hash.
type ShardID uint64

func (s ShardID) String() string {
	return fmt.Sprintf("%016x", uint64(s))
}

// Bytes returns the fixed-width big-endian encoding of the shard id.
func (s ShardID) Bytes() []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(s))
	return buf[:]
}

// Coordinate is an immutable position in the fractal address space. The
// zero value is the root coordinate.
type Coordinate struct {
	depth int
	path  []uint8
}

// New validates depth against path and every path element against the
// branching factor. The path slice is copied.
func New(depth int, path []uint8) (Coordinate, error) {
	if depth < 0 {
		return Coordinate{}, fmt.Errorf("%w: negative depth %d", ErrInvalidCoordinate, depth)
	}
	if len(path) != depth {
		return Coordinate{}, fmt.Errorf("%w: path length %d does not match depth %d", ErrInvalidCoordinate, len(path), depth)
	}
	for i, p := range path {
		if p >= BranchingFactor {
			return Coordinate{}, fmt.Errorf("%w: path element %d at index %d out of range", ErrInvalidCoordinate, p, i)
		}
	}
	c := Coordinate{depth: depth}
	if depth > 0 {
		c.path = make([]uint8, depth)
		copy(c.path, path)
	}
	return c, nil
}

// MustNew is New that panics on invalid input, for statically known
// coordinates in tests and genesis setup.
func MustNew(depth int, path []uint8) Coordinate {
	c, err := New(depth, path)
	if err != nil {
		panic(err)
	}
	return c
}

// Root returns the depth-zero coordinate.
func Root() Coordinate {
	return Coordinate{}
}

func (c Coordinate) Depth() int {
	return c.depth
}

// Path returns a copy of the path elements.
func (c Coordinate) Path() []uint8 {
	if c.depth == 0 {
		return nil
	}
	path := make([]uint8, c.depth)
	copy(path, c.path)
	return path
}

func (c Coordinate) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(c.depth))
	sb.WriteByte(':')
	for i, p := range c.path {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(p)))
	}
	return sb.String()
}

// Parse reads the canonical "depth:p0,p1,..." form produced by String.
func Parse(s string) (Coordinate, error) {
	depthPart, pathPart, found := strings.Cut(s, ":")
	if !found {
		return Coordinate{}, fmt.Errorf("%w: missing depth separator in %q", ErrInvalidCoordinate, s)
	}
	depth, err := strconv.Atoi(depthPart)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: bad depth in %q", ErrInvalidCoordinate, s)
	}
	var path []uint8
	if pathPart != "" {
		for _, part := range strings.Split(pathPart, ",") {
			p, err := strconv.ParseUint(part, 10, 8)
			if err != nil {
				return Coordinate{}, fmt.Errorf("%w: bad path element %q", ErrInvalidCoordinate, part)
			}
			path = append(path, uint8(p))
		}
	}
	return New(depth, path)
}

func (c Coordinate) Equal(other Coordinate) bool {
	if c.depth != other.depth {
		return false
	}
	for i := range c.path {
		if c.path[i] != other.path[i] {
			return false
		}
	}
	return true
}

// Hash returns the sha256 digest of the canonical "depth:p0,p1,..."
// encoding. Blocks and UTXOs are indexed under this digest.
func (c Coordinate) Hash() [32]byte {
	return sha256.Sum256([]byte(c.String()))
}

// ShardID derives the shard identity from the coordinate hash. It is pure
// and stable: equal coordinates always map to the same shard.
func (c Coordinate) ShardID() ShardID {
	h := c.Hash()
	return ShardID(binary.BigEndian.Uint64(h[:8]))
}

// Parent returns the coordinate one level up. The root is its own parent.
func (c Coordinate) Parent() Coordinate {
	if c.depth == 0 {
		return c
	}
	parent, _ := New(c.depth-1, c.path[:c.depth-1])
	return parent
}

// Children returns the BranchingFactor direct children in move order.
func (c Coordinate) Children() []Coordinate {
	children := make([]Coordinate, 0, BranchingFactor)
	for i := uint8(0); i < BranchingFactor; i++ {
		child, _ := New(c.depth+1, append(c.Path(), i))
		children = append(children, child)
	}
	return children
}

// Neighbors returns the coordinates sharing c's parent, differing only in
// the last path element. The root has no neighbors.
func (c Coordinate) Neighbors() []Coordinate {
	if c.depth == 0 {
		return nil
	}
	last := c.path[c.depth-1]
	neighbors := make([]Coordinate, 0, BranchingFactor-1)
	for i := uint8(0); i < BranchingFactor; i++ {
		if i == last {
			continue
		}
		path := c.Path()
		path[c.depth-1] = i
		neighbor, _ := New(c.depth, path)
		neighbors = append(neighbors, neighbor)
	}
	return neighbors
}

// IsAncestor reports whether c's path is a strict prefix of other's path.
// Used to decide hierarchical proof-forwarding scope.
func (c Coordinate) IsAncestor(other Coordinate) bool {
	if c.depth >= other.depth {
		return false
	}
	for i := 0; i < c.depth; i++ {
		if c.path[i] != other.path[i] {
			return false
		}
	}
	return true
}

// Encode returns the deterministic wire form: uint16 big-endian depth
// followed by one byte per path element.
func (c Coordinate) Encode() []byte {
	buf := make([]byte, 2+c.depth)
	binary.BigEndian.PutUint16(buf[:2], uint16(c.depth))
	copy(buf[2:], c.path)
	return buf
}

// EncodedLen reports the wire size of the coordinate.
func (c Coordinate) EncodedLen() int {
	return 2 + c.depth
}

// Decode parses the wire form produced by Encode and returns the number of
// bytes consumed.
func Decode(data []byte) (Coordinate, int, error) {
	if len(data) < 2 {
		return Coordinate{}, 0, fmt.Errorf("%w: truncated encoding", ErrInvalidCoordinate)
	}
	depth := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+depth {
		return Coordinate{}, 0, fmt.Errorf("%w: truncated path", ErrInvalidCoordinate)
	}
	c, err := New(depth, data[2:2+depth])
	if err != nil {
		return Coordinate{}, 0, err
	}
	return c, 2 + depth, nil
}
