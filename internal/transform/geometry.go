package transform

import (
	"math"

	"github.com/ctessum/geom"

	"github.com/couchcryptid/grid-met-etl/internal/crs"
)

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func transformRing(ring []geom.Point, t crs.Transformer) ([]geom.Point, bool) {
	out := make([]geom.Point, len(ring))
	for i, p := range ring {
		x, y, err := t(p.X, p.Y)
		if err != nil || !finite(x) || !finite(y) {
			return nil, false
		}
		out[i] = geom.Point{X: x, Y: y}
	}
	return out, true
}

// ringArea is the unsigned area of a simple ring, closed or not.
func ringArea(ring []geom.Point) float64 {
	if len(ring) < 3 {
		return 0
	}
	closed := ring
	if ring[0] != ring[len(ring)-1] {
		closed = append(append(make([]geom.Point, 0, len(ring)+1), ring...), ring[0])
	}
	return math.Abs(geom.Polygon{closed}.Area())
}

// footprintShape returns an axis-aligned rectangle as bounds, which geom
// intersects exactly, and anything else as a polygon.
func footprintShape(ring []geom.Point) geom.Polygonal {
	p := geom.Polygon{ring}
	if len(ring) != 4 {
		return p
	}
	for i, a := range ring {
		b := ring[(i+1)%4]
		if a.X != b.X && a.Y != b.Y {
			return p
		}
	}
	return p.Bounds()
}

// overlapArea is the area shared by a footprint and an axis-aligned cell.
func overlapArea(footprint geom.Polygonal, cell *geom.Bounds) float64 {
	shared := cell.Intersection(footprint)
	switch s := shared.(type) {
	case nil:
		return 0
	case *geom.Bounds:
		if s.Min.X >= s.Max.X || s.Min.Y >= s.Max.Y {
			return 0
		}
	}
	return math.Abs(shared.Area())
}
