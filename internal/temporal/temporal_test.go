package temporal

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// totalOver sums the non-missing values labelled in (from, to].
func totalOver(ts domain.TimeSeries, from, to time.Time) float64 {
	var s float64
	for _, p := range ts.Points {
		if p.Time.After(from) && !p.Time.After(to) && !domain.IsMissing(p.Value) {
			s += p.Value
		}
	}
	return s
}

func hourly(values ...float64) domain.TimeSeries {
	ts := domain.TimeSeries{Location: "zone-1", Unit: "mm", Kind: domain.KindSum, Interval: time.Hour}
	for i, v := range values {
		ts.Points = append(ts.Points, domain.Point{Time: t0.Add(time.Duration(i+1) * time.Hour), Value: v})
	}
	return ts
}

func TestShiftRoundTrip(t *testing.T) {
	ts := hourly(1, 2, domain.Missing, 4)
	d := 90 * time.Minute
	shifted := Shift(ts, d)
	assert.Equal(t, t0.Add(time.Hour+d), shifted.Points[0].Time)
	assert.Len(t, shifted.Points, 4)

	back := Shift(shifted, -d)
	if diff := cmp.Diff(ts, back, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("shift round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestShiftGrid(t *testing.T) {
	g := domain.Grid{Rows: 1, Cols: 1, DX: 1, DY: 1, Data: []float64{3}, Time: domain.Period(t0, t0.Add(time.Hour))}
	out := ShiftGrid(g, -time.Hour)
	assert.Equal(t, t0.Add(-time.Hour), out.Time.Start)
	assert.Equal(t, t0, out.Time.End)
	assert.Equal(t, t0, g.Time.Start)
}

func TestNormalizeIntervalSum(t *testing.T) {
	vals := make([]float64, 24)
	for i := range vals {
		vals[i] = float64(i + 1)
	}
	out, err := NormalizeInterval(hourly(vals...), 6*time.Hour, NormalizeOptions{})
	require.NoError(t, err)
	require.Len(t, out.Points, 4)
	want := []float64{21, 57, 93, 129}
	for i, p := range out.Points {
		assert.Equal(t, t0.Add(time.Duration(i+1)*6*time.Hour), p.Time)
		assert.InDelta(t, want[i], p.Value, 1e-9)
	}
	assert.Equal(t, 6*time.Hour, out.Interval)
}

func TestNormalizeIntervalSumRoundTripPreservesTotals(t *testing.T) {
	ts := hourly(0, 1.5, 3, 0.25, 0, 0, 2, 2, 4, 0, 0, 1)
	coarse, err := NormalizeInterval(ts, 3*time.Hour, NormalizeOptions{})
	require.NoError(t, err)
	fine, err := NormalizeInterval(coarse, time.Hour, NormalizeOptions{})
	require.NoError(t, err)
	require.Len(t, fine.Points, len(ts.Points))

	for _, w := range []struct{ from, to time.Time }{
		{t0, t0.Add(12 * time.Hour)},
		{t0, t0.Add(3 * time.Hour)},
		{t0.Add(6 * time.Hour), t0.Add(12 * time.Hour)},
	} {
		assert.InDelta(t, totalOver(ts, w.from, w.to), totalOver(fine, w.from, w.to), 1e-9)
	}
}

func TestNormalizeIntervalApportionsUnalignedSpans(t *testing.T) {
	ts := domain.TimeSeries{Kind: domain.KindSum, Interval: 2 * time.Hour, Points: []domain.Point{
		{Time: t0.Add(3 * time.Hour), Value: 4},
	}}
	out, err := NormalizeInterval(ts, 2*time.Hour, NormalizeOptions{})
	require.NoError(t, err)
	require.Len(t, out.Points, 2)
	assert.Equal(t, t0.Add(2*time.Hour), out.Points[0].Time)
	assert.InDelta(t, 2.0, out.Points[0].Value, 1e-9)
	assert.InDelta(t, 2.0, out.Points[1].Value, 1e-9)
}

func TestNormalizeIntervalAverage(t *testing.T) {
	ts := hourly(10, 20, 30, 40)
	ts.Kind = domain.KindAverage
	out, err := NormalizeInterval(ts, 2*time.Hour, NormalizeOptions{})
	require.NoError(t, err)
	require.Len(t, out.Points, 2)
	assert.InDelta(t, 15.0, out.Points[0].Value, 1e-9)
	assert.InDelta(t, 35.0, out.Points[1].Value, 1e-9)
}

func TestNormalizeIntervalInstantAverage(t *testing.T) {
	ts := domain.TimeSeries{Kind: domain.KindAverage, Points: []domain.Point{
		{Time: t0.Add(10 * time.Minute), Value: 1},
		{Time: t0.Add(40 * time.Minute), Value: 3},
		{Time: t0.Add(70 * time.Minute), Value: 8},
	}}
	out, err := NormalizeInterval(ts, time.Hour, NormalizeOptions{})
	require.NoError(t, err)
	require.Len(t, out.Points, 2)
	assert.Equal(t, t0.Add(time.Hour), out.Points[0].Time)
	assert.InDelta(t, 2.0, out.Points[0].Value, 1e-9)
	assert.InDelta(t, 8.0, out.Points[1].Value, 1e-9)
}

func TestNormalizeIntervalGaps(t *testing.T) {
	ts := domain.TimeSeries{Location: "z", Kind: domain.KindAverage, Interval: time.Hour, Points: []domain.Point{
		{Time: t0.Add(time.Hour), Value: 5},
		{Time: t0.Add(5 * time.Hour), Value: 7},
	}}

	tests := []struct {
		name      string
		staleness time.Duration
		kind      domain.AggregationKind
		wantErr   bool
		want      []float64
	}{
		{name: "disabled marks missing", staleness: 0, want: []float64{5, math.NaN(), math.NaN(), math.NaN(), 7}},
		{name: "fresh fill carries last value", staleness: 3 * time.Hour, kind: domain.KindAverage, want: []float64{5, 5, 5, 5, 7}},
		{name: "stale fill fails", staleness: 2 * time.Hour, wantErr: true},
		{name: "sum fill is missing", staleness: 3 * time.Hour, kind: domain.KindSum, want: []float64{5, math.NaN(), math.NaN(), math.NaN(), 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := NormalizeInterval(ts, time.Hour, NormalizeOptions{Staleness: tt.staleness, Kind: tt.kind})
			if tt.wantErr {
				var gap *domain.GapTooLargeError
				require.True(t, errors.As(err, &gap))
				assert.Equal(t, "z", gap.Location)
				assert.Equal(t, t0.Add(4*time.Hour), gap.BinEnd)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, out.Values(), cmpopts.EquateNaNs()); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeIntervalRejectsBadInput(t *testing.T) {
	_, err := NormalizeInterval(hourly(1), 0, NormalizeOptions{})
	assert.Error(t, err)

	ts := hourly(1, 2)
	ts.Points[1].Time = ts.Points[0].Time
	_, err = NormalizeInterval(ts, time.Hour, NormalizeOptions{})
	assert.Error(t, err)
}

func hourlyGrids(n int) domain.GridSeries {
	gs := make(domain.GridSeries, n)
	for i := range gs {
		gs[i] = domain.Grid{
			Rows: 1, Cols: 2, DX: 1, DY: 1, OriginY: 1, NoData: -9999, Variable: "precipitation",
			Time: domain.Period(t0.Add(time.Duration(i)*time.Hour), t0.Add(time.Duration(i+1)*time.Hour)),
			Data: []float64{float64(i + 1), -9999},
		}
	}
	return gs
}

func TestNormalizeGridsSum(t *testing.T) {
	out, err := NormalizeGrids(hourlyGrids(6), 3*time.Hour, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, domain.Period(t0, t0.Add(3*time.Hour)), out[0].Time)
	assert.InDelta(t, 6.0, out[0].Data[0], 1e-9)
	assert.InDelta(t, 15.0, out[1].Data[0], 1e-9)
	assert.Equal(t, -9999.0, out[0].Data[1])
}

func TestNormalizeGridsAverage(t *testing.T) {
	out, err := NormalizeGrids(hourlyGrids(4), 2*time.Hour, domain.KindAverage, time.Time{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.InDelta(t, 1.5, out[0].Data[0], 1e-9)
	assert.InDelta(t, 3.5, out[1].Data[0], 1e-9)
}

func TestNormalizeGridsGeometryMismatch(t *testing.T) {
	gs := hourlyGrids(2)
	gs[1].OriginX = 5
	_, err := NormalizeGrids(gs, time.Hour, domain.KindSum, time.Time{})
	assert.Error(t, err)
}

func patternGrid() domain.Grid {
	data := make([]float64, 36)
	for i := range data {
		data[i] = float64(i + 1)
	}
	return domain.Grid{Rows: 6, Cols: 6, DX: 1, DY: 1, OriginY: 6, NoData: -9999, Data: data}
}

func TestTransposeMovesEastAndSouth(t *testing.T) {
	g := patternGrid()
	out := TransposeGrid(g, 2, -3)
	// Value from (0, 0) lands three rows down and two columns right.
	assert.Equal(t, g.Data[g.Index(0, 0)], out.Data[out.Index(3, 2)])
	assert.True(t, out.IsNoData(out.Data[out.Index(0, 0)]))
	assert.True(t, out.IsNoData(out.Data[out.Index(5, 1)]))
	assert.Equal(t, 4*3, out.ValidCount())
}

func TestTransposeRoundTrip(t *testing.T) {
	g := patternGrid()
	back := TransposeGrid(TransposeGrid(g, 2, -3), -2, 3)

	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			got := back.Data[g.Index(r, c)]
			if c >= g.Cols-2 || r >= g.Rows-3 {
				assert.True(t, g.IsNoData(got), "cell (%d,%d) left the extent and must stay no-data", r, c)
				continue
			}
			assert.Equal(t, g.Data[g.Index(r, c)], got, "cell (%d,%d)", r, c)
		}
	}
}

func TestScaleToNormals(t *testing.T) {
	src := domain.GridSeries{
		{Rows: 1, Cols: 3, DX: 1, DY: 1, NoData: -9999, Data: []float64{1, 0, 2}},
		{Rows: 1, Cols: 3, DX: 1, DY: 1, NoData: -9999, Data: []float64{3, 0, -9999}},
	}
	normals := domain.GridSeries{
		{Rows: 1, Cols: 3, DX: 1, DY: 1, NoData: -9999, Data: []float64{8, 5, -9999}},
	}
	out, err := ScaleToNormals(src, normals)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 0, 2}, out[0].Data)
	assert.Equal(t, []float64{6, 0, -9999}, out[1].Data)

	_, err = ScaleToNormals(nil, normals)
	assert.Error(t, err)
}

func TestNormals_StreamsPeriod(t *testing.T) {
	normal := domain.Grid{Rows: 1, Cols: 2, DX: 1, DY: 1, NoData: -9999, Data: []float64{10, 4}}
	steps := []domain.Grid{
		{Rows: 1, Cols: 2, DX: 1, DY: 1, NoData: -9999, Data: []float64{1, 1}},
		{Rows: 1, Cols: 2, DX: 1, DY: 1, NoData: -9999, Data: []float64{4, 1}},
	}
	n, err := NewNormals(domain.GridSeries{normal})
	require.NoError(t, err)

	_, err = n.Scale(steps[0])
	require.Error(t, err, "scale before any step is added")
	for _, g := range steps {
		require.NoError(t, n.Add(g))
	}
	out, err := n.Scale(steps[1])
	require.NoError(t, err)
	assert.Equal(t, []float64{8, 2}, out.Data)
	assert.Equal(t, []float64{4, 1}, steps[1].Data, "input unchanged")

	tests := []struct {
		name string
		grid domain.Grid
	}{
		{"other shape", domain.Grid{Rows: 2, Cols: 1, DX: 1, DY: 1, Data: []float64{1, 1}}},
		{"other origin", domain.Grid{Rows: 1, Cols: 2, DX: 1, DY: 1, OriginX: 5, Data: []float64{1, 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, n.Add(tt.grid))
		})
	}
}
