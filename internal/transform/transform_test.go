package transform

import (
	"errors"
	"math"
	"testing"

	"github.com/ctessum/geom"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

const nodata = -9999.0

func seqGrid(rows, cols int, cell float64) domain.Grid {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = float64(i + 1)
	}
	return domain.Grid{
		OriginX: 0, OriginY: float64(rows) * cell,
		DX: cell, DY: cell,
		Rows: rows, Cols: cols,
		CRS: "EPSG:5070", NoData: nodata, Unit: "mm", Variable: "precipitation",
		Data: data,
	}
}

func TestResampleDownsampleAveragesBlocks(t *testing.T) {
	g := seqGrid(4, 4, 1)
	out, err := Resample(g, 2, Area)
	require.NoError(t, err)

	assert.Equal(t, 2, out.Rows)
	assert.Equal(t, 2, out.Cols)
	want := []float64{
		(1 + 2 + 5 + 6) / 4.0, (3 + 4 + 7 + 8) / 4.0,
		(9 + 10 + 13 + 14) / 4.0, (11 + 12 + 15 + 16) / 4.0,
	}
	for i := range want {
		assert.InDelta(t, want[i], out.Data[i], 1e-9, "cell %d", i)
	}
	assert.InDelta(t, g.Mass(), out.Mass(), 1e-9)
	assert.Equal(t, 1.0, g.Data[0], "input untouched")
}

func TestResamplePartialCellsAverageContributors(t *testing.T) {
	g := seqGrid(3, 3, 1)
	out, err := Resample(g, 2, Area)
	require.NoError(t, err)
	require.Equal(t, 2, out.Cols)
	assert.InDelta(t, (1+2+4+5)/4.0, out.Data[0], 1e-9)
	assert.InDelta(t, (3+6)/2.0, out.Data[1], 1e-9)
	assert.InDelta(t, 9.0, out.Data[3], 1e-9)
}

func TestResampleSkipsNoData(t *testing.T) {
	g := seqGrid(2, 2, 1)
	g.Data[1] = nodata
	g.Data[2] = math.NaN()
	out, err := Resample(g, 2, Area)
	require.NoError(t, err)
	require.Len(t, out.Data, 1)
	assert.InDelta(t, (1+4)/2.0, out.Data[0], 1e-9)

	g.Data = []float64{nodata, nodata, nodata, nodata}
	out, err = Resample(g, 2, Area)
	require.NoError(t, err)
	assert.Equal(t, nodata, out.Data[0])
}

func TestResampleUpsampleNearestDuplicates(t *testing.T) {
	g := seqGrid(2, 2, 1)
	out, err := Resample(g, 0.5, Nearest)
	require.NoError(t, err)
	want := []float64{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	if diff := cmp.Diff(want, out.Data); diff != "" {
		t.Errorf("nearest upsample mismatch (-want +got):\n%s", diff)
	}

	area, err := Resample(g, 0.5, Area)
	require.NoError(t, err)
	for i := range want {
		assert.InDelta(t, want[i], area.Data[i], 1e-9)
	}
}

func TestResampleUpsampleBilinearInterpolates(t *testing.T) {
	g := domain.Grid{OriginX: 0, OriginY: 1, DX: 1, DY: 1, Rows: 1, Cols: 2, NoData: nodata, Data: []float64{0, 10}}
	out, err := Resample(g, 0.5, Bilinear)
	require.NoError(t, err)
	require.Equal(t, 2, out.Rows)
	require.Equal(t, 4, out.Cols)
	want := []float64{0, 2.5, 7.5, 10}
	for c, w := range want {
		assert.InDelta(t, w, out.Data[c], 1e-9)
		assert.InDelta(t, w, out.Data[4+c], 1e-9)
	}
}

func TestResampleRejectsBadCellSize(t *testing.T) {
	_, err := Resample(seqGrid(2, 2, 1), 0, Area)
	assert.Error(t, err)
	_, err = Resample(seqGrid(2, 2, 1), 1, Kernel("cubic"))
	assert.Error(t, err)
}

const (
	tmercA = "+proj=tmerc +lat_0=0 +lon_0=-96 +k=1 +x_0=500000 +y_0=0 +ellps=GRS80 +units=m +no_defs"
	tmercB = "+proj=tmerc +lat_0=0 +lon_0=-96 +k=1 +x_0=500250 +y_0=0 +ellps=GRS80 +units=m +no_defs"
)

func TestReprojectRoundTripConservesMass(t *testing.T) {
	g := seqGrid(6, 6, 1000)
	g.OriginX, g.OriginY = 480000, 4430000
	g.CRS = tmercA

	opts := DefaultOptions()
	fwd, err := Reproject(g, tmercB, opts)
	require.NoError(t, err)
	assert.Equal(t, tmercB, fwd.CRS)
	assert.InDelta(t, 1000.0, fwd.DX, 0.01)

	opts.CellSize = 1000
	back, err := Reproject(fwd, tmercA, opts)
	require.NoError(t, err)

	rel := math.Abs(back.Mass()-g.Mass()) / g.Mass()
	assert.Less(t, rel, 0.001)
}

func TestReprojectGeographicRoundTripConservesMass(t *testing.T) {
	g := seqGrid(6, 6, 500)
	g.OriginX, g.OriginY = -300000, 1900000
	for i := range g.Data {
		g.Data[i] = 10 + float64(i%3)
	}

	opts := DefaultOptions()
	geo, err := Reproject(g, "EPSG:4326", opts)
	require.NoError(t, err)
	assert.Equal(t, "EPSG:4326", geo.CRS)
	assert.Less(t, geo.DX, 0.01)

	opts.CellSize = 500
	back, err := Reproject(geo, "EPSG:5070", opts)
	require.NoError(t, err)

	rel := math.Abs(back.Mass()-g.Mass()) / g.Mass()
	assert.Less(t, rel, 0.001)
}

func TestReprojectSameCRSIsCopy(t *testing.T) {
	g := seqGrid(2, 2, 1)
	out, err := Reproject(g, "epsg:5070", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, g.Data, out.Data)
	out.Data[0] = 99
	assert.Equal(t, 1.0, g.Data[0])
}

func TestReprojectInvalidCRS(t *testing.T) {
	_, err := Reproject(seqGrid(2, 2, 1), "EPSG:99999", DefaultOptions())
	var re *domain.ReprojectionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "EPSG:99999", re.To)

	g := seqGrid(2, 2, 1)
	g.CRS = "not-a-crs"
	_, err = Reproject(g, "EPSG:4326", DefaultOptions())
	assert.True(t, errors.As(err, &re))
}

func TestClipCenterInPolygon(t *testing.T) {
	g := seqGrid(4, 4, 1)
	before := g.Clone()
	// x = 1.5 is the center line of column 1, so that column sits on the edge.
	z := domain.RectZone("z", 0, 0, 1.5, 4)
	out := Clip(g, z)
	for r := 0; r < 4; r++ {
		assert.False(t, out.IsNoData(out.Data[out.Index(r, 0)]))
		assert.False(t, out.IsNoData(out.Data[out.Index(r, 1)]), "edge center counts as inside")
		assert.True(t, out.IsNoData(out.Data[out.Index(r, 2)]))
		assert.True(t, out.IsNoData(out.Data[out.Index(r, 3)]))
	}
	assert.Equal(t, before.Data, g.Data, "input untouched")
}

func TestOverlapArea(t *testing.T) {
	cell := &geom.Bounds{Min: geom.Point{X: 0, Y: 0}, Max: geom.Point{X: 1, Y: 1}}
	tests := []struct {
		name string
		ring []geom.Point
		want float64
	}{
		{"same square", []geom.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}, 1},
		{"inside cell", []geom.Point{{X: 0.25, Y: 0.25}, {X: 0.75, Y: 0.25}, {X: 0.75, Y: 0.75}, {X: 0.25, Y: 0.75}}, 0.25},
		{"half overlap", []geom.Point{{X: 0.5, Y: 0}, {X: 1.5, Y: 0}, {X: 1.5, Y: 1}, {X: 0.5, Y: 1}}, 0.5},
		{"touching edge", []geom.Point{{X: 1, Y: 0}, {X: 2, Y: 0}, {X: 2, Y: 1}, {X: 1, Y: 1}}, 0},
		{"overlaps in x only", []geom.Point{{X: 0, Y: 2}, {X: 1, Y: 2}, {X: 1, Y: 3}, {X: 0, Y: 3}}, 0},
		// A diamond that cuts four corner triangles with legs of 0.25.
		{"rotated footprint", []geom.Point{{X: 0.5, Y: -0.25}, {X: 1.25, Y: 0.5}, {X: 0.5, Y: 1.25}, {X: -0.25, Y: 0.5}}, 1 - 4*0.25*0.25/2},
		{"disjoint rotated", []geom.Point{{X: 3, Y: 2}, {X: 4, Y: 3}, {X: 3, Y: 4}, {X: 2, Y: 3}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, overlapArea(footprintShape(tt.ring), cell), 1e-9)
		})
	}
}

func TestClipIdempotent(t *testing.T) {
	g := seqGrid(5, 5, 1)
	z := domain.Zone{ID: "tri", Geometry: geom.Polygon{{
		{X: 0, Y: 0}, {X: 5, Y: 0}, {X: 0, Y: 5}, {X: 0, Y: 0},
	}}}
	once := Clip(g, z)
	twice := Clip(once, z)
	if diff := cmp.Diff(once.Data, twice.Data); diff != "" {
		t.Errorf("clip not idempotent (-once +twice):\n%s", diff)
	}
	assert.Less(t, once.ValidCount(), g.ValidCount())
}

func TestSubset(t *testing.T) {
	g := seqGrid(4, 4, 1)
	out, err := Subset(g, geom.Bounds{Min: geom.Point{X: 1.2, Y: 0.5}, Max: geom.Point{X: 2.8, Y: 2}})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Cols)
	assert.Equal(t, 2, out.Rows)
	assert.Equal(t, 1.0, out.OriginX)
	assert.Equal(t, 2.0, out.OriginY)
	assert.Equal(t, []float64{10, 11, 14, 15}, out.Data)

	_, err = Subset(g, geom.Bounds{Min: geom.Point{X: 10, Y: 10}, Max: geom.Point{X: 11, Y: 11}})
	assert.Error(t, err)
}

func TestSanitize(t *testing.T) {
	g := domain.Grid{Rows: 1, Cols: 5, DX: 1, DY: 1, NoData: nodata, Data: []float64{-5, 0, 3, 500, nodata}}
	opts := DefaultSanitizeOptions()
	opts.Min = 0
	opts.MinReplacement = 0
	opts.Max = 400
	out := Sanitize(g, opts)
	assert.Equal(t, []float64{0, 0, 3, nodata, nodata}, out.Data)
	assert.Equal(t, -5.0, g.Data[0])

	untouched := Sanitize(g, DefaultSanitizeOptions())
	assert.Equal(t, g.Data, untouched.Data)
}

func TestCalculate(t *testing.T) {
	g := domain.Grid{Rows: 1, Cols: 3, DX: 1, DY: 1, NoData: nodata, Data: []float64{1, nodata, 4}}
	tests := []struct {
		op      string
		operand float64
		want    []float64
	}{
		{"multiply", 25.4, []float64{25.4, nodata, 101.6}},
		{"/", 2, []float64{0.5, nodata, 2}},
		{"add", 1, []float64{2, nodata, 5}},
		{"-", 1, []float64{0, nodata, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			op, err := ParseOp(tt.op)
			require.NoError(t, err)
			out, err := Calculate(g, op, tt.operand)
			require.NoError(t, err)
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], out.Data[i], 1e-9)
			}
		})
	}
	_, err := Calculate(g, Divide, 0)
	assert.Error(t, err)
}

func TestParseKernel(t *testing.T) {
	k, err := ParseKernel("near")
	require.NoError(t, err)
	assert.Equal(t, Nearest, k)
	k, err = ParseKernel("")
	require.NoError(t, err)
	assert.Equal(t, Area, k)
	_, err = ParseKernel("lanczos")
	assert.Error(t, err)
}

func TestTranspose(t *testing.T) {
	tests := []struct {
		name       string
		grid       domain.Grid
		t          Transposition
		rows, cols int
		originX    float64
		originY    float64
		want       []float64
	}{
		{
			name: "identity",
			grid: seqGrid(2, 3, 1),
			rows: 2, cols: 3, originY: 2,
			want: []float64{1, 2, 3, 4, 5, 6},
		},
		{
			name: "move center",
			grid: seqGrid(2, 2, 1),
			t:    Transposition{Center: &geom.Point{X: 11, Y: 21}},
			rows: 2, cols: 2, originX: 10, originY: 22,
			want: []float64{1, 2, 3, 4},
		},
		{
			name: "quarter turn clockwise",
			grid: seqGrid(1, 2, 1),
			t:    Transposition{Angle: 90},
			rows: 2, cols: 1, originX: 0.5, originY: 1.5,
			want: []float64{1, 2},
		},
		{
			name: "half turn",
			grid: seqGrid(2, 2, 1),
			t:    Transposition{Angle: 180},
			rows: 2, cols: 2, originY: 2,
			want: []float64{4, 3, 2, 1},
		},
		{
			name: "full turn is identity",
			grid: seqGrid(2, 2, 1),
			t:    Transposition{Angle: 360},
			rows: 2, cols: 2, originY: 2,
			want: []float64{1, 2, 3, 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Transpose(tt.grid, tt.t)
			assert.Equal(t, tt.rows, out.Rows)
			assert.Equal(t, tt.cols, out.Cols)
			assert.InDelta(t, tt.originX, out.OriginX, 1e-9)
			assert.InDelta(t, tt.originY, out.OriginY, 1e-9)
			assert.Empty(t, cmp.Diff(tt.want, out.Data))
		})
	}
}

func TestTransposeDiagonalPadsWithNoData(t *testing.T) {
	g := seqGrid(4, 4, 1)
	out := Transpose(g, Transposition{Angle: 45})

	require.NoError(t, out.Validate())
	assert.Greater(t, out.Rows, g.Rows)
	assert.Greater(t, out.Cols, g.Cols)
	assert.True(t, out.IsNoData(out.Data[out.Index(0, 0)]), "corner falls outside the rotated grid")
	c := out.CellCenter(out.Rows/2, out.Cols/2)
	assert.False(t, out.IsNoData(out.Data[out.Index(out.Rows/2, out.Cols/2)]), "center %v holds data", c)
	assert.Equal(t, seqGrid(4, 4, 1).Data, g.Data, "source unchanged")
}
