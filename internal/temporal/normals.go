package temporal

import (
	"errors"
	"fmt"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

var errNoGrids = errors.New("no grids to scale")

// Normals rescales the source steps of one period so that their cell-wise
// total matches the total of the normals grids (for example PRISM monthly
// normals applied to hourly radar QPE). Add every source step of the period
// first, then Scale each of them. Cells whose source total is zero become
// zero; cells without a normal keep their source value.
type Normals struct {
	ref       *domain.Grid
	rows      int
	cols      int
	dx, dy    float64
	normTotal []float64
	normValid []bool
	srcTotal  []float64
	added     int
}

// NewNormals sums the normals grids of one period.
func NewNormals(normals domain.GridSeries) (*Normals, error) {
	if len(normals) == 0 {
		return nil, errNoGrids
	}
	first := normals[0]
	n := &Normals{
		rows: first.Rows, cols: first.Cols, dx: first.DX, dy: first.DY,
		normTotal: make([]float64, first.Rows*first.Cols),
		normValid: make([]bool, first.Rows*first.Cols),
		srcTotal:  make([]float64, first.Rows*first.Cols),
	}
	for i, g := range normals {
		if !n.fits(g) {
			return nil, fmt.Errorf("scale to normals: normals step %d geometry differs", i)
		}
		for k, v := range g.Data {
			if !g.IsNoData(v) {
				n.normTotal[k] += v
				n.normValid[k] = true
			}
		}
	}
	return n, nil
}

func (n *Normals) fits(g domain.Grid) bool {
	return g.Rows == n.rows && g.Cols == n.cols && g.DX == n.dx && g.DY == n.dy
}

func (n *Normals) check(g domain.Grid) error {
	if !n.fits(g) {
		return errors.New("source geometry differs from the normals")
	}
	if n.ref != nil && !g.SameGeometry(*n.ref) {
		return errors.New("source geometry differs within the period")
	}
	return nil
}

// Add counts one source step into the period total.
func (n *Normals) Add(g domain.Grid) error {
	if err := n.check(g); err != nil {
		return err
	}
	if n.ref == nil {
		n.ref = &g
	}
	for k, v := range g.Data {
		if !g.IsNoData(v) {
			n.srcTotal[k] += v
		}
	}
	n.added++
	return nil
}

// Scale returns g rescaled by the period totals.
func (n *Normals) Scale(g domain.Grid) (domain.Grid, error) {
	if n.added == 0 {
		return domain.Grid{}, errNoGrids
	}
	if err := n.check(g); err != nil {
		return domain.Grid{}, err
	}
	data := make([]float64, len(g.Data))
	for k, v := range g.Data {
		switch {
		case g.IsNoData(v):
			data[k] = g.NoData
		case n.srcTotal[k] == 0:
			data[k] = 0
		case !n.normValid[k]:
			data[k] = v
		default:
			data[k] = n.normTotal[k] / n.srcTotal[k] * v
		}
	}
	return g.WithData(data), nil
}

// ScaleToNormals applies Normals to a whole period held in memory. All
// source grids must share one geometry.
func ScaleToNormals(source, normals domain.GridSeries) (domain.GridSeries, error) {
	if len(source) == 0 {
		return nil, errNoGrids
	}
	n, err := NewNormals(normals)
	if err != nil {
		return nil, err
	}
	for i, g := range source {
		if err := n.Add(g); err != nil {
			return nil, fmt.Errorf("scale to normals: source step %d: %w", i, err)
		}
	}
	out := make(domain.GridSeries, len(source))
	for i, g := range source {
		if out[i], err = n.Scale(g); err != nil {
			return nil, err
		}
	}
	return out, nil
}
