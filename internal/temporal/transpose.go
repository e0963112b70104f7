package temporal

import (
	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// TransposeGrid rigidly moves the grid's values by (dx, dy) cells inside the
// same extent: +dx is east, +dy is north. Values pushed past the edge are
// dropped and newly exposed cells become no-data, so a move and its inverse
// restore the original only where nothing left the extent.
func TransposeGrid(g domain.Grid, dx, dy int) domain.Grid {
	out := g.Empty()
	dRow := -dy
	for r := 0; r < g.Rows; r++ {
		tr := r + dRow
		if tr < 0 || tr >= g.Rows {
			continue
		}
		for c := 0; c < g.Cols; c++ {
			tc := c + dx
			if tc < 0 || tc >= g.Cols {
				continue
			}
			out.Data[out.Index(tr, tc)] = g.Data[g.Index(r, c)]
		}
	}
	return out
}

