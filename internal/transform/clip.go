package transform

import (
	"fmt"
	"math"

	"github.com/ctessum/geom"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// Clip masks every cell whose center lies outside the zone. A center exactly
// on the zone boundary is inside. Clipping twice with the same zone yields the
// same grid.
func Clip(g domain.Grid, z domain.Zone) domain.Grid {
	out := g.Clone()
	zb := z.Bounds()
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			p := g.CellCenter(r, c)
			if outsideBounds(p, zb) || !z.Contains(p) {
				out.Data[g.Index(r, c)] = g.NoData
			}
		}
	}
	return out
}

func outsideBounds(p geom.Point, b *geom.Bounds) bool {
	return p.X < b.Min.X || p.X > b.Max.X || p.Y < b.Min.Y || p.Y > b.Max.Y
}

// Subset crops g to the cells intersecting the bounding box.
func Subset(g domain.Grid, b geom.Bounds) (domain.Grid, error) {
	c0 := int(math.Floor((b.Min.X - g.OriginX) / g.DX))
	c1 := int(math.Ceil((b.Max.X-g.OriginX)/g.DX)) - 1
	r0 := int(math.Floor((g.OriginY - b.Max.Y) / g.DY))
	r1 := int(math.Ceil((g.OriginY-b.Min.Y)/g.DY)) - 1
	c0, r0 = max(c0, 0), max(r0, 0)
	c1, r1 = min(c1, g.Cols-1), min(r1, g.Rows-1)
	if c0 > c1 || r0 > r1 {
		return domain.Grid{}, fmt.Errorf("subset: bounds [%g %g %g %g] do not intersect the grid",
			b.Min.X, b.Min.Y, b.Max.X, b.Max.Y)
	}

	out := g
	out.OriginX = g.OriginX + float64(c0)*g.DX
	out.OriginY = g.OriginY - float64(r0)*g.DY
	out.Cols = c1 - c0 + 1
	out.Rows = r1 - r0 + 1
	out.Data = make([]float64, 0, out.Rows*out.Cols)
	for r := r0; r <= r1; r++ {
		out.Data = append(out.Data, g.Data[g.Index(r, c0):g.Index(r, c1)+1]...)
	}
	return out, nil
}
