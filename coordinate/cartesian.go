package coordinate

import "math"

// Point is a position inside the unit triangle with vertices
// (0,0), (1,0), (0.5, sqrt(3)/2).
type Point struct {
	X float64
	Y float64
}

// Cartesian maps the coordinate to the centroid of its triangle. Each path
// element halves the scale and moves toward the chosen sub-triangle; the
// inverted center sub-triangle keeps the parent centroid.
func (c Coordinate) Cartesian() Point {
	x, y := 0.5, math.Sqrt(3)/6
	scale := 1.0

	for _, move := range c.path {
		scale /= 2
		switch move {
		case MoveLeft:
			x -= scale / 2
			y += scale * (math.Sqrt(3) / 4)
		case MoveTop:
			y += scale * (math.Sqrt(3) / 2)
		case MoveRight:
			x += scale / 2
			y += scale * (math.Sqrt(3) / 4)
		case MoveCenter:
			// centroid of the inverted middle triangle coincides
			// with the parent centroid
		}
	}

	return Point{X: x, Y: y}
}

// DistanceTo returns the Euclidean distance between the centroids of the
// two coordinates, used for spatial proximity queries over UTXOs.
func (c Coordinate) DistanceTo(other Coordinate) float64 {
	a := c.Cartesian()
	b := other.Cartesian()
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}
