package pipeline_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
	"github.com/couchcryptid/grid-met-etl/internal/observability"
	"github.com/couchcryptid/grid-met-etl/internal/pipeline"
	"github.com/couchcryptid/grid-met-etl/internal/source"
	"github.com/couchcryptid/grid-met-etl/internal/store"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const zonesJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"ID": "west"},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,2],[0,2],[0,0]]]}},
    {"type": "Feature", "properties": {"ID": "east"},
     "geometry": {"type": "Polygon", "coordinates": [[[1,0],[2,0],[2,2],[1,2],[1,0]]]}}
  ]
}`

func newTestMetrics() *observability.Metrics {
	// Use a fresh registry to avoid "already registered" panics in tests.
	return observability.NewMetricsForTesting()
}

func newRunner(opts pipeline.Options, cps pipeline.CheckpointStore) *pipeline.Runner {
	return pipeline.NewRunner(opts, cps, nil, slog.New(slog.DiscardHandler), newTestMetrics())
}

// writeHourly writes one 2x2 ASCII grid per hour ending at day0+1h ..
// day0+n h. The west column holds h and the east column 2h. Hours in
// corrupt get a truncated value block.
func writeHourly(t *testing.T, n int, corrupt ...int) string {
	t.Helper()
	dir := t.TempDir()
	bad := map[int]bool{}
	for _, h := range corrupt {
		bad[h] = true
	}
	for h := 1; h <= n; h++ {
		end := day0.Add(time.Duration(h) * time.Hour)
		body := fmt.Sprintf("ncols 2\nnrows 2\nxllcorner 0\nyllcorner 0\ncellsize 1\nNODATA_value -9999\n%d %d\n%d %d\n", h, 2*h, h, 2*h)
		if bad[h] {
			body = "ncols 2\nnrows 2\nxllcorner 0\nyllcorner 0\ncellsize 1\nNODATA_value -9999\n1 2 3\n"
		}
		name := "qpf1hr_" + end.Format("06010215") + ".asc"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return filepath.Join(dir, "qpf1hr_*.asc")
}

func writeZones(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "zones.geojson")
	require.NoError(t, os.WriteFile(p, []byte(zonesJSON), 0o644))
	return p
}

func sixHourSpec(t *testing.T, pattern string) pipeline.PipelineSpec {
	t.Helper()
	return pipeline.PipelineSpec{
		Source: pipeline.SourceSpec{Path: pattern},
		Zones:  pipeline.ZoneSpec{Path: writeZones(t), IDField: "ID"},
		Output: pipeline.OutputSpec{
			Container: filepath.Join(t.TempDir(), "out.grd"),
			Basin:     "test",
			Run:       "run1",
			Parameter: "precip",
		},
		Steps: []pipeline.Step{
			{Op: pipeline.OpAggregate},
			{Op: pipeline.OpNormalizeInterval, Params: map[string]any{"interval": "6h"}},
		},
	}
}

func readSeries(t *testing.T, container, path string) domain.TimeSeries {
	t.Helper()
	st, err := store.Open(container, store.Options{})
	require.NoError(t, err)
	defer st.Close()
	rec, err := st.Read(context.Background(), path, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, store.KindSeries, rec.Kind)
	return rec.Series
}

func points(start time.Time, step time.Duration, values ...float64) []domain.Point {
	out := make([]domain.Point, len(values))
	for i, v := range values {
		out[i] = domain.Point{Time: start.Add(time.Duration(i+1) * step), Value: v}
	}
	return out
}

var timeEqual = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

func TestRunner_SumsHourlyToSixHourSeries(t *testing.T) {
	const (
		westPath = "/TEST/WEST/PRECIP/01JAN2024:0000/6HOUR/RUN1/"
		eastPath = "/TEST/EAST/PRECIP/01JAN2024:0000/6HOUR/RUN1/"
	)
	pattern := writeHourly(t, 24)

	// Window sizes that do not divide the interval exercise the carry-over.
	for _, window := range []int{24, 5, 7, 1} {
		t.Run(fmt.Sprintf("window=%d", window), func(t *testing.T) {
			spec := sixHourSpec(t, pattern)
			spec.WindowSize = window

			m, err := newRunner(pipeline.Options{Workers: 3}, nil).Run(context.Background(), spec)
			require.NoError(t, err)
			assert.Equal(t, "ok", m.Outcome())
			assert.Equal(t, 24, m.Count(pipeline.StatusOK))
			assert.Equal(t, []string{eastPath, westPath}, m.Records)

			west := readSeries(t, spec.Output.Container, westPath)
			assert.Equal(t, domain.KindSum, west.Kind)
			assert.Equal(t, 6*time.Hour, west.Interval)
			if diff := cmp.Diff(points(day0, 6*time.Hour, 21, 57, 93, 129), west.Points, timeEqual, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("west mismatch (-want +got):\n%s", diff)
			}
			east := readSeries(t, spec.Output.Container, eastPath)
			if diff := cmp.Diff(points(day0, 6*time.Hour, 42, 114, 186, 258), east.Points, timeEqual, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("east mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunner_ResumesAfterCheckpoint(t *testing.T) {
	spec := sixHourSpec(t, writeHourly(t, 24))
	spec.JobID = "resume-test"
	cps := pipeline.NewMemoryCheckpoints()
	require.NoError(t, cps.Save(context.Background(), pipeline.Checkpoint{
		JobID:    "resume-test",
		LastStep: day0.Add(12 * time.Hour),
		Cutoff:   day0.Add(12 * time.Hour),
	}))

	m, err := newRunner(pipeline.Options{}, cps).Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 12, m.Count(pipeline.StatusSkipped))
	assert.Equal(t, 12, m.Count(pipeline.StatusOK))
	assert.Equal(t, "ok", m.Outcome())

	west := readSeries(t, spec.Output.Container, "/TEST/WEST/PRECIP/01JAN2024:0000/6HOUR/RUN1/")
	if diff := cmp.Diff(points(day0.Add(12*time.Hour), 6*time.Hour, 93, 129), west.Points, timeEqual); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	cp, ok, err := cps.Load(context.Background(), "resume-test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cp.LastStep.Equal(day0.Add(24*time.Hour)), "last step %s", cp.LastStep)
	assert.Equal(t, m.RunID, cp.RunID)

	// A second run finds nothing left to do.
	m, err = newRunner(pipeline.Options{}, cps).Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 24, m.Count(pipeline.StatusSkipped))
	assert.Empty(t, m.Records)
}

func TestRunner_RecordsFailedStepsAndContinues(t *testing.T) {
	spec := sixHourSpec(t, writeHourly(t, 24, 3))
	metrics := newTestMetrics()
	r := pipeline.NewRunner(pipeline.Options{}, nil, nil, slog.New(slog.DiscardHandler), metrics)

	m, err := r.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "partial", m.Outcome())
	require.Len(t, m.Steps, 24)

	failed := m.Steps[2]
	assert.Equal(t, pipeline.StatusFailed, failed.Status)
	assert.True(t, failed.Time.Equal(day0.Add(3*time.Hour)))
	assert.Contains(t, failed.Error, "qpf1hr_24010103.asc")
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, 23, m.Count(pipeline.StatusOK))

	west := readSeries(t, spec.Output.Container, "/TEST/WEST/PRECIP/01JAN2024:0000/6HOUR/RUN1/")
	require.Len(t, west.Points, 4)
	assert.InDelta(t, 21-3, west.Points[0].Value, 1e-9)
	assert.InDelta(t, 57, west.Points[1].Value, 1e-9)
}

func TestRunner_WritesZoneStatistics(t *testing.T) {
	spec := sixHourSpec(t, writeHourly(t, 24))
	spec.Steps[0].Params = map[string]any{"statistics": []any{"max", "median"}}

	m, err := newRunner(pipeline.Options{}, nil).Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/TEST/EAST/PRECIP-MAX/01JAN2024:0000/6HOUR/RUN1/",
		"/TEST/EAST/PRECIP-MEDIAN/01JAN2024:0000/6HOUR/RUN1/",
		"/TEST/EAST/PRECIP/01JAN2024:0000/6HOUR/RUN1/",
		"/TEST/WEST/PRECIP-MAX/01JAN2024:0000/6HOUR/RUN1/",
		"/TEST/WEST/PRECIP-MEDIAN/01JAN2024:0000/6HOUR/RUN1/",
		"/TEST/WEST/PRECIP/01JAN2024:0000/6HOUR/RUN1/",
	}, m.Records)

	// Each zone holds one uniform column, so every statistic equals the mean.
	tests := []struct {
		path string
		want []float64
	}{
		{"/TEST/WEST/PRECIP-MAX/01JAN2024:0000/6HOUR/RUN1/", []float64{21, 57, 93, 129}},
		{"/TEST/EAST/PRECIP-MEDIAN/01JAN2024:0000/6HOUR/RUN1/", []float64{42, 114, 186, 258}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			ts := readSeries(t, spec.Output.Container, tt.path)
			if diff := cmp.Diff(points(day0, 6*time.Hour, tt.want...), ts.Points, timeEqual, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunner_ScalesToNormals(t *testing.T) {
	pattern := writeHourly(t, 12)
	// The normal covers the first six hours: twice the west total, half the east.
	normals := filepath.Join(t.TempDir(), "normal_2024-01-01_0000_2024-01-01_0600.asc")
	require.NoError(t, os.WriteFile(normals, []byte("ncols 2\nnrows 2\nxllcorner 0\nyllcorner 0\ncellsize 1\nNODATA_value -9999\n42 21\n42 21\n"), 0o644))

	for _, window := range []int{12, 5, 1} {
		t.Run(fmt.Sprintf("window=%d", window), func(t *testing.T) {
			spec := sixHourSpec(t, pattern)
			spec.WindowSize = window
			spec.Steps = append([]pipeline.Step{
				{Op: pipeline.OpScaleToNormals, Params: map[string]any{"path": normals}},
			}, spec.Steps...)

			m, err := newRunner(pipeline.Options{Workers: 3}, nil).Run(context.Background(), spec)
			require.NoError(t, err)
			assert.Equal(t, "ok", m.Outcome())

			west := readSeries(t, spec.Output.Container, "/TEST/WEST/PRECIP/01JAN2024:0000/6HOUR/RUN1/")
			if diff := cmp.Diff(points(day0, 6*time.Hour, 42, 57), west.Points, timeEqual, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("west mismatch (-want +got):\n%s", diff)
			}
			east := readSeries(t, spec.Output.Container, "/TEST/EAST/PRECIP/01JAN2024:0000/6HOUR/RUN1/")
			if diff := cmp.Diff(points(day0, 6*time.Hour, 21, 114), east.Points, timeEqual, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("east mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunner_GridOutputWithTransposition(t *testing.T) {
	spec := pipeline.PipelineSpec{
		Source: pipeline.SourceSpec{Path: writeHourly(t, 2)},
		Output: pipeline.OutputSpec{Container: filepath.Join(t.TempDir(), "out.grd"), Basin: "test", Parameter: "precip", Run: "storm"},
		Steps: []pipeline.Step{
			{Op: pipeline.OpTranspose, Params: map[string]any{"dx": 1, "dy": 0}},
			{Op: pipeline.OpShift, Params: map[string]any{"delta": "24h"}},
		},
	}
	m, err := newRunner(pipeline.Options{}, nil).Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/TEST//PRECIP/02JAN2024:0000/02JAN2024:0100/STORM/",
		"/TEST//PRECIP/02JAN2024:0100/02JAN2024:0200/STORM/",
	}, m.Records)

	st, err := store.Open(spec.Output.Container, store.Options{})
	require.NoError(t, err)
	defer st.Close()
	want := [][]float64{{-9999, 1, -9999, 1}, {-9999, 2, -9999, 2}}
	for i, path := range m.Records {
		rec, err := st.Read(context.Background(), path, time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, rec.Grids, 1)
		assert.Equal(t, want[i], rec.Grids[0].Data)
		assert.True(t, rec.Grids[0].Time.End.Equal(day0.Add(time.Duration(25+i)*time.Hour)))
	}
}

// TestRunner_GridOutputWrittenOncePerStep checks that small batch windows
// do not rewrite earlier steps.
func TestRunner_GridOutputWrittenOncePerStep(t *testing.T) {
	pattern := writeHourly(t, 12)
	for _, window := range []int{1, 4, 12} {
		spec := pipeline.PipelineSpec{
			Source: pipeline.SourceSpec{Path: pattern},
			Output: pipeline.OutputSpec{Container: filepath.Join(t.TempDir(), "out.grd"), Parameter: "precip"},
		}
		m, err := newRunner(pipeline.Options{WindowSize: window}, nil).Run(context.Background(), spec)
		require.NoError(t, err)
		require.Len(t, m.Records, 12)

		rep, err := store.Verify(spec.Output.Container)
		require.NoError(t, err)
		assert.Equal(t, 12, rep.Live)
		assert.Equal(t, 12, rep.Payloads, "window %d rewrote payloads", window)
	}
}

func TestRunner_TransposeRoundTripKeepsInteriorCells(t *testing.T) {
	spec := pipeline.PipelineSpec{
		Source: pipeline.SourceSpec{Path: writeHourly(t, 1)},
		Output: pipeline.OutputSpec{Container: filepath.Join(t.TempDir(), "out.grd"), Parameter: "precip"},
		Steps: []pipeline.Step{
			{Op: pipeline.OpTranspose, Params: map[string]any{"dx": 1, "dy": 1}},
			{Op: pipeline.OpTranspose, Params: map[string]any{"dx": -1, "dy": -1}},
		},
	}
	m, err := newRunner(pipeline.Options{}, nil).Run(context.Background(), spec)
	require.NoError(t, err)

	st, err := store.Open(spec.Output.Container, store.Options{})
	require.NoError(t, err)
	defer st.Close()
	rec, err := st.Read(context.Background(), m.Records[0], time.Time{}, time.Time{})
	require.NoError(t, err)
	// Only the south-west cell stays inside the extent on both moves.
	assert.Equal(t, []float64{-9999, -9999, 1, -9999}, rec.Grids[0].Data)
}

func TestRunner_JobLevelFailures(t *testing.T) {
	pattern := writeHourly(t, 2)
	tests := []struct {
		name   string
		mutate func(*pipeline.PipelineSpec)
		want   string
	}{
		{"missing source", func(s *pipeline.PipelineSpec) { s.Source.Path = "" }, "source.path is required"},
		{"unknown op", func(s *pipeline.PipelineSpec) { s.Steps = []pipeline.Step{{Op: "explode"}} }, "unknown operation"},
		{"no zones", func(s *pipeline.PipelineSpec) { s.Zones.Path = "" }, "zones.path is required"},
		{"bad zone file", func(s *pipeline.PipelineSpec) { s.Zones.Path = filepath.Join(t.TempDir(), "zones.kml") }, "load zones"},
		{"no files", func(s *pipeline.PipelineSpec) { s.Source.Path = filepath.Join(t.TempDir(), "*.asc") }, "open source"},
		{"missing normals", func(s *pipeline.PipelineSpec) {
			s.Steps = append([]pipeline.Step{{Op: pipeline.OpScaleToNormals, Params: map[string]any{"path": filepath.Join(t.TempDir(), "none.asc")}}}, s.Steps...)
		}, "load normals"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := sixHourSpec(t, pattern)
			tt.mutate(&spec)
			m, err := newRunner(pipeline.Options{}, nil).Run(context.Background(), spec)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, "failed", m.Outcome())
			assert.Empty(t, m.Steps)
		})
	}
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	spec := sixHourSpec(t, writeHourly(t, 4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, err := newRunner(pipeline.Options{}, nil).Run(ctx, spec)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, m.Cancelled)
	assert.Equal(t, "failed", m.Outcome())
}

// flakySource times out on its first failures reads.
type flakySource struct {
	failures int
	reads    atomic.Int32
}

func (s *flakySource) Times(context.Context) ([]domain.TimeDescriptor, error) {
	return []domain.TimeDescriptor{domain.Period(day0, day0.Add(time.Hour))}, nil
}

func (s *flakySource) ReadAt(ctx context.Context, _ int) (domain.Grid, error) {
	if int(s.reads.Add(1)) <= s.failures {
		return domain.Grid{}, &domain.TimeoutError{Op: "read", Path: "flaky", Err: context.DeadlineExceeded}
	}
	return domain.Grid{
		DX: 1, DY: 1, Rows: 1, Cols: 1, OriginY: 1,
		NoData: -9999, Unit: "mm", Variable: "precipitation",
		Time: domain.Period(day0, day0.Add(time.Hour)),
		Data: []float64{5},
	}, nil
}

func (s *flakySource) Close() error { return nil }

func registerFlaky(t *testing.T, name string, src *flakySource) {
	t.Helper()
	source.Acquire()
	t.Cleanup(source.Release)
	require.NoError(t, source.Register(name,
		func(string, []byte) bool { return false },
		func(context.Context, string, source.Options) (source.Source, error) { return src, nil },
	))
}

func TestRunner_RetriesTimeoutsWithBackoff(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		maxRetries int
		status     string
		attempts   int
	}{
		{"recovers", 2, 3, pipeline.StatusOK, 3},
		{"exhausted", 5, 1, pipeline.StatusFailed, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &flakySource{failures: tt.failures}
			registerFlaky(t, "flaky-"+tt.name, src)

			clock := clockwork.NewFakeClock()
			r := newRunner(pipeline.Options{MaxRetries: tt.maxRetries, Clock: clock}, nil)
			spec := pipeline.PipelineSpec{
				Source: pipeline.SourceSpec{Path: "flaky", Format: "flaky-" + tt.name},
				Output: pipeline.OutputSpec{Container: filepath.Join(t.TempDir(), "out.grd")},
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			go func() {
				for i := 0; i < tt.attempts-1; i++ {
					if err := clock.BlockUntilContext(ctx, 1); err != nil {
						return
					}
					clock.Advance(maxBackoffForTests)
				}
			}()

			m, err := r.Run(ctx, spec)
			require.NoError(t, err)
			require.Len(t, m.Steps, 1)
			assert.Equal(t, tt.status, m.Steps[0].Status)
			assert.Equal(t, tt.attempts, m.Steps[0].Attempts)
			assert.Equal(t, int32(tt.attempts), src.reads.Load())
		})
	}
}

const maxBackoffForTests = 5 * time.Second
