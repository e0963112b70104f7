package transform

import (
	"math"

	"github.com/ctessum/geom"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// Transposition places a storm pattern somewhere else on the map.
type Transposition struct {
	// Angle rotates the pattern clockwise about the grid center, in degrees.
	Angle  float64
	// Center is where the grid center moves to. Nil keeps it in place.
	Center *geom.Point
}

func (t Transposition) identity() bool {
	return math.Mod(t.Angle, 360) == 0 && t.Center == nil
}

// Transpose rotates g about its center and moves it to t.Center. The result
// covers the bounding box of the moved grid at the source cell size and is
// filled by nearest neighbour; cells that fall outside the source are no-data.
func Transpose(g domain.Grid, t Transposition) domain.Grid {
	if t.identity() {
		return g.Clone()
	}
	src := g.Bounds()
	from := geom.Point{X: (src.Min.X + src.Max.X) / 2, Y: (src.Min.Y + src.Max.Y) / 2}
	to := from
	if t.Center != nil {
		to = *t.Center
	}
	sin, cos := math.Sincos(t.Angle * math.Pi / 180)

	// Clockwise rotation: east maps to (cos, -sin), north to (sin, cos).
	forward := func(p geom.Point) geom.Point {
		x, y := p.X-from.X, p.Y-from.Y
		return geom.Point{X: to.X + x*cos + y*sin, Y: to.Y - x*sin + y*cos}
	}
	inverse := func(p geom.Point) geom.Point {
		x, y := p.X-to.X, p.Y-to.Y
		return geom.Point{X: from.X + x*cos - y*sin, Y: from.Y + x*sin + y*cos}
	}

	b := geom.NewBounds()
	for _, c := range []geom.Point{
		src.Min, src.Max,
		{X: src.Min.X, Y: src.Max.Y}, {X: src.Max.X, Y: src.Min.Y},
	} {
		b.Extend(geom.NewBoundsPoint(forward(c)))
	}
	// Snap away rounding noise so an exact 90 degree turn keeps its size.
	const eps = 1e-9
	cols := max(1, int(math.Ceil((b.Max.X-b.Min.X)/g.DX-eps)))
	rows := max(1, int(math.Ceil((b.Max.Y-b.Min.Y)/g.DY-eps)))

	out := g
	out.OriginX = b.Min.X
	out.OriginY = b.Max.Y
	out.Rows, out.Cols = rows, cols
	out.Data = make([]float64, rows*cols)
	for r := range rows {
		for c := range cols {
			p := inverse(out.CellCenter(r, c))
			v := g.NoData
			if sr, sc, ok := g.CellAt(p.X, p.Y); ok {
				v = g.Data[g.Index(sr, sc)]
			}
			out.Data[out.Index(r, c)] = v
		}
	}
	return out
}
