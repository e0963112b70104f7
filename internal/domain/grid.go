package domain

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ctessum/geom"
)

// TimeDescriptor is an instant (Start == End) or a half-open period [Start, End).
type TimeDescriptor struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Instant returns a descriptor for a single point in time.
func Instant(t time.Time) TimeDescriptor {
	return TimeDescriptor{Start: t, End: t}
}

// Period returns a descriptor for [start, end).
func Period(start, end time.Time) TimeDescriptor {
	return TimeDescriptor{Start: start, End: end}
}

// IsInstant reports whether the descriptor has no duration.
func (td TimeDescriptor) IsInstant() bool { return td.Start.Equal(td.End) }

// Duration returns End - Start.
func (td TimeDescriptor) Duration() time.Duration { return td.End.Sub(td.Start) }

// Label is the timestamp used when the step is reduced to a series point:
// the end of a period, or the instant itself.
func (td TimeDescriptor) Label() time.Time { return td.End }

// Shift translates both bounds by d.
func (td TimeDescriptor) Shift(d time.Duration) TimeDescriptor {
	return TimeDescriptor{Start: td.Start.Add(d), End: td.End.Add(d)}
}

// Overlaps reports whether the descriptor intersects [from, to). Instants are
// treated as the closed point Start.
func (td TimeDescriptor) Overlaps(from, to time.Time) bool {
	if td.IsInstant() {
		return !td.Start.Before(from) && td.Start.Before(to)
	}
	return td.End.After(from) && to.After(td.Start)
}

func (td TimeDescriptor) String() string {
	if td.IsInstant() {
		return td.Start.UTC().Format(time.RFC3339)
	}
	return td.Start.UTC().Format(time.RFC3339) + "/" + td.End.UTC().Format(time.RFC3339)
}

// Grid is one time step of a north-up raster. See the package documentation
// for the cell layout.
type Grid struct {
	OriginX  float64        `json:"origin_x"`
	OriginY  float64        `json:"origin_y"`
	DX       float64        `json:"dx"`
	DY       float64        `json:"dy"`
	Rows     int            `json:"rows"`
	Cols     int            `json:"cols"`
	CRS      string         `json:"crs"`
	NoData   float64        `json:"no_data"`
	Unit     string         `json:"unit"`
	Variable string         `json:"variable"`
	Time     TimeDescriptor `json:"time"`
	Data     []float64      `json:"-"`
}

var errGridShape = errors.New("invalid grid shape")

// Validate checks the structural invariants of the grid.
func (g Grid) Validate() error {
	if g.Rows <= 0 || g.Cols <= 0 {
		return fmt.Errorf("%w: %dx%d", errGridShape, g.Rows, g.Cols)
	}
	if g.DX <= 0 || g.DY <= 0 {
		return fmt.Errorf("%w: cell size %gx%g", errGridShape, g.DX, g.DY)
	}
	if len(g.Data) != g.Rows*g.Cols {
		return fmt.Errorf("%w: %d values for %dx%d cells", errGridShape, len(g.Data), g.Rows, g.Cols)
	}
	return nil
}

// Clone returns a deep copy of the grid.
func (g Grid) Clone() Grid {
	out := g
	out.Data = make([]float64, len(g.Data))
	copy(out.Data, g.Data)
	return out
}

// WithData returns a copy of the grid metadata carrying data. The slice is
// owned by the returned grid.
func (g Grid) WithData(data []float64) Grid {
	out := g
	out.Data = data
	return out
}

// Empty returns a grid with the same geometry and metadata whose cells are all no-data.
func (g Grid) Empty() Grid {
	data := make([]float64, g.Rows*g.Cols)
	for i := range data {
		data[i] = g.NoData
	}
	return g.WithData(data)
}

// IsNoData reports whether v is the no-data sentinel of this grid, or NaN.
func (g Grid) IsNoData(v float64) bool {
	return math.IsNaN(v) || v == g.NoData
}

// Index returns the row-major index of (row, col).
func (g Grid) Index(row, col int) int { return row*g.Cols + col }

// InBounds reports whether (row, col) lies inside the grid.
func (g Grid) InBounds(row, col int) bool {
	return row >= 0 && row < g.Rows && col >= 0 && col < g.Cols
}

// CellCenter returns the map coordinates of the center of (row, col).
func (g Grid) CellCenter(row, col int) geom.Point {
	return geom.Point{
		X: g.OriginX + (float64(col)+0.5)*g.DX,
		Y: g.OriginY - (float64(row)+0.5)*g.DY,
	}
}

// CellAt returns the (row, col) containing the map point (x, y); ok is false
// outside the extent.
func (g Grid) CellAt(x, y float64) (row, col int, ok bool) {
	col = int(math.Floor((x - g.OriginX) / g.DX))
	row = int(math.Floor((g.OriginY - y) / g.DY))
	return row, col, g.InBounds(row, col)
}

// Bounds returns the map extent of the grid.
func (g Grid) Bounds() *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{X: g.OriginX, Y: g.OriginY - float64(g.Rows)*g.DY},
		Max: geom.Point{X: g.OriginX + float64(g.Cols)*g.DX, Y: g.OriginY},
	}
}

// CellArea returns the area of one cell in map units.
func (g Grid) CellArea() float64 { return g.DX * g.DY }

// ValidCount returns the number of cells holding data.
func (g Grid) ValidCount() int {
	n := 0
	for _, v := range g.Data {
		if !g.IsNoData(v) {
			n++
		}
	}
	return n
}

// Mass returns the sum of value x cell area over data cells.
func (g Grid) Mass() float64 {
	var sum float64
	for _, v := range g.Data {
		if !g.IsNoData(v) {
			sum += v
		}
	}
	return sum * g.CellArea()
}

// SameGeometry reports whether two grids share origin, cell size, shape and
// CRS, i.e. cell (r, c) covers the same ground in both.
func (g Grid) SameGeometry(o Grid) bool {
	const eps = 1e-9
	near := func(a, b float64) bool { return math.Abs(a-b) <= eps*math.Max(1, math.Abs(a)) }
	return g.Rows == o.Rows && g.Cols == o.Cols && g.CRS == o.CRS &&
		near(g.OriginX, o.OriginX) && near(g.OriginY, o.OriginY) &&
		near(g.DX, o.DX) && near(g.DY, o.DY)
}

// GeometryKey identifies the spatial definition of a grid, for caching
// anything derived purely from geometry.
func (g Grid) GeometryKey() string {
	return fmt.Sprintf("%s|%.9g|%.9g|%.9g|%.9g|%d|%d", g.CRS, g.OriginX, g.OriginY, g.DX, g.DY, g.Rows, g.Cols)
}

// GridSeries is an ordered sequence of grids, one per time step.
type GridSeries []Grid
