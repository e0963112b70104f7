package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
	"github.com/couchcryptid/grid-met-etl/internal/source"
	"github.com/couchcryptid/grid-met-etl/internal/store"
	"github.com/couchcryptid/grid-met-etl/internal/temporal"
	"github.com/couchcryptid/grid-met-etl/internal/zonal"
)

// job is the state of one Run.
type job struct {
	r    *Runner
	spec PipelineSpec
	plan *plan
	m    *Manifest
	log  *slog.Logger

	workers, window int

	acquired     bool
	src          source.Source
	times        []domain.TimeDescriptor
	zones        []domain.Zone
	agg          *zonal.Aggregator
	normals      domain.GridSeries
	scaler       *normalsScaler
	st           *store.Store
	releaseStore func()

	cp      Checkpoint
	resumed bool

	// Series record addressing, fixed for the whole job.
	start, end time.Time
	interval   time.Duration

	mu      sync.Mutex // guards records
	records map[string]bool
}

// item is the processed output of one source step.
type item struct {
	step     int
	variable string
	kind     domain.AggregationKind
	grid     domain.Grid
	// series holds one single-point series per zone when aggregating,
	// followed by one per zone and requested statistic.
	series   []domain.TimeSeries
	// stat names the statistic of each series; empty for the aggregate.
	stat     []zonal.Statistic
}

func (it item) at() time.Time {
	if it.series != nil {
		return it.series[0].Points[0].Time
	}
	return it.grid.Time.Label()
}

type stepOutcome struct {
	result StepResult
	item   *item
}

func (j *job) close() {
	if j.src != nil {
		if err := j.src.Close(); err != nil {
			j.log.Warn("close source failed", "error", err)
		}
	}
	if j.releaseStore != nil {
		j.releaseStore()
	}
	if j.acquired {
		source.Release()
		j.acquired = false
	}
}

func (j *job) run(ctx context.Context) error {
	var selected []int
	for i, td := range j.times {
		if j.plan.window.keep(td) {
			selected = append(selected, i)
		}
	}
	if len(selected) == 0 {
		j.log.Warn("no time steps selected", "available", len(j.times))
		return nil
	}

	first, last := j.times[selected[0]], j.times[selected[len(selected)-1]]
	j.start = first.Start.Add(j.plan.shift)
	j.end = last.End.Add(j.plan.shift)
	j.interval = first.Duration()
	if j.plan.normalize != nil {
		j.interval = j.plan.normalize.interval
	}

	var pending []int
	for _, i := range selected {
		if j.resumed && !j.times[i].Label().After(j.cp.LastStep) {
			j.m.Steps = append(j.m.Steps, StepResult{Index: i, Time: j.times[i].Label(), Status: StatusSkipped})
			continue
		}
		pending = append(pending, i)
	}
	if j.normals != nil {
		j.scaler = newNormalsScaler(j.normals, j.times, pending)
	}

	var prevCutoff time.Time
	if j.resumed {
		prevCutoff = j.cp.Cutoff
	}
	var carry []item
	for b := 0; b < len(pending); b += j.window {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := time.Now()
		batch := pending[b:min(b+j.window, len(pending))]
		final := b+j.window >= len(pending)

		outcomes := j.processBatch(ctx, batch)
		if err := ctx.Err(); err != nil {
			return err
		}

		items := carry
		failed := 0
		for _, o := range outcomes {
			j.m.Steps = append(j.m.Steps, o.result)
			if o.item != nil {
				items = append(items, *o.item)
			} else {
				failed++
			}
		}

		var cutoff time.Time
		var err error
		carry, cutoff, err = j.emit(ctx, items, prevCutoff, final)
		if err != nil {
			return err
		}
		if err := j.saveCheckpoint(ctx, pending[:b+len(batch)], carry, cutoff); err != nil {
			return err
		}
		prevCutoff = cutoff

		j.r.metrics.StepsProcessed.Add(float64(len(batch) - failed))
		j.r.metrics.BatchSize.Observe(float64(len(batch)))
		j.r.metrics.BatchProcessingDuration.Observe(time.Since(started).Seconds())
		j.log.Info("batch written",
			"steps", len(batch),
			"failed", failed,
			"carried", len(carry),
			"from", j.times[batch[0]].Label(),
			"to", j.times[batch[len(batch)-1]].Label(),
		)
	}

	j.m.Records = j.m.Records[:0]
	for p := range j.records {
		j.m.Records = append(j.m.Records, p)
	}
	sort.Strings(j.m.Records)
	return nil
}

// processBatch reads and transforms the steps of one batch on the worker
// pool. Outcomes come back in batch order.
func (j *job) processBatch(ctx context.Context, batch []int) []stepOutcome {
	out := make([]stepOutcome, len(batch))
	var g errgroup.Group
	g.SetLimit(j.workers)
	for k, idx := range batch {
		g.Go(func() error {
			out[k] = j.processStep(ctx, idx)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (j *job) processStep(ctx context.Context, idx int) stepOutcome {
	td := j.times[idx]
	res := StepResult{Index: idx, Time: td.Label(), Status: StatusOK}
	if j.scaler != nil {
		defer j.scaler.done(idx)
	}

	var g domain.Grid
	attempts, err := j.retry(ctx, func(ctx context.Context) error {
		var err error
		g, err = j.src.ReadAt(ctx, idx)
		return err
	})
	res.Attempts = attempts

	if err == nil && j.scaler != nil {
		g, err = j.scaler.scale(ctx, idx, g, j.readStep)
	}
	var it *item
	if err == nil {
		it, err = j.transform(g, idx)
	}
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		reason := "error"
		switch {
		case domain.IsStructural(err):
			reason = "structural"
		case domain.IsRetryable(err):
			reason = "retries_exhausted"
		}
		j.r.metrics.StepsFailed.WithLabelValues(reason).Inc()

		attrs := []any{"step", idx, "time", td.Label(), "path", j.spec.Source.Path, "reason", reason, "error", err}
		var ez *domain.EmptyZoneError
		if errors.As(err, &ez) {
			attrs = append(attrs, "zone_id", ez.ZoneID)
		}
		j.log.Warn("time step failed", attrs...)
		return stepOutcome{result: res}
	}
	return stepOutcome{result: res, item: it}
}

// readStep reads source step idx with retries.
func (j *job) readStep(ctx context.Context, idx int) (domain.Grid, error) {
	var g domain.Grid
	_, err := j.retry(ctx, func(ctx context.Context) error {
		var err error
		g, err = j.src.ReadAt(ctx, idx)
		return err
	})
	return g, err
}

func (j *job) transform(g domain.Grid, idx int) (*item, error) {
	g, err := applyGrid(j.plan.gridOps, g, j.zones)
	if err != nil {
		return nil, err
	}
	variable := g.Variable
	if variable == "" {
		variable = j.spec.Source.Variable
	}
	kind := j.plan.kind
	if kind == "" {
		kind = domain.InferKind(variable)
	}
	it := &item{step: idx, variable: variable, kind: kind}
	if !j.plan.aggregate {
		it.grid = g
		return it, nil
	}

	values, err := j.agg.Aggregate(g, j.plan.zonalKind)
	if err != nil {
		return nil, err
	}
	it.series = make([]domain.TimeSeries, 0, len(values)*(1+len(j.plan.stats)))
	it.stat = make([]zonal.Statistic, 0, cap(it.series))
	point := func(zone string, v float64, st zonal.Statistic) error {
		ts := domain.TimeSeries{
			Location: zone,
			Unit:     g.Unit,
			Kind:     kind,
			Interval: g.Time.Duration(),
			Points:   []domain.Point{{Time: g.Time.Label(), Value: v}},
		}
		ts, err := applySeries(j.plan.seriesOps, ts)
		if err != nil {
			return fmt.Errorf("zone %s: %w", zone, err)
		}
		it.series = append(it.series, ts)
		it.stat = append(it.stat, st)
		return nil
	}
	for _, v := range values {
		if err := point(v.ZoneID, v.Value, ""); err != nil {
			return nil, err
		}
	}
	if len(j.plan.stats) == 0 {
		return it, nil
	}
	for _, zs := range j.agg.Statistics(g) {
		for _, st := range j.plan.stats {
			if err := point(zs.ZoneID, zs.Value(st), st); err != nil {
				return nil, err
			}
		}
	}
	return it, nil
}

// emit writes the output of items. Without normalization everything is
// written. Otherwise only bins ending in (prevCutoff, cutoff] are written,
// where cutoff is the last bin edge the items fully cover, and items after
// cutoff are carried into the next batch. The final batch writes every bin.
func (j *job) emit(ctx context.Context, items []item, prevCutoff time.Time, final bool) ([]item, time.Time, error) {
	if len(items) == 0 {
		return nil, prevCutoff, nil
	}
	sort.SliceStable(items, func(a, b int) bool { return items[a].at().Before(items[b].at()) })

	n := j.plan.normalize
	if n == nil {
		return nil, time.Time{}, j.write(ctx, items, func(ts domain.TimeSeries) (domain.TimeSeries, error) { return ts, nil },
			func(gs domain.GridSeries) (domain.GridSeries, error) { return gs, nil })
	}

	anchor := n.anchor
	if anchor.IsZero() {
		anchor = time.Unix(0, 0).UTC()
	}
	lastAt := items[len(items)-1].at()
	cutoff := floorEdge(anchor, n.interval, lastAt)
	if final && cutoff.Before(lastAt) {
		cutoff = cutoff.Add(n.interval)
	}

	var carried []item
	for _, it := range items {
		if it.at().After(cutoff) {
			carried = append(carried, it)
		}
	}
	if !prevCutoff.IsZero() && !cutoff.After(prevCutoff) {
		return items, prevCutoff, nil
	}

	keep := func(t time.Time) bool {
		return (prevCutoff.IsZero() || t.After(prevCutoff)) && !t.After(cutoff)
	}
	staleness := j.r.opts.Staleness
	if n.staleness != nil {
		staleness = *n.staleness
	}
	kind := items[0].kind

	series := func(ts domain.TimeSeries) (domain.TimeSeries, error) {
		out, err := temporal.NormalizeInterval(ts, n.interval, temporal.NormalizeOptions{Anchor: anchor, Staleness: staleness, Kind: kind})
		if err != nil {
			return domain.TimeSeries{}, fmt.Errorf("zone %s: %w", ts.Location, err)
		}
		out.Points = slices.DeleteFunc(out.Points, func(p domain.Point) bool { return !keep(p.Time) })
		return applySeries(j.plan.postSeries, out)
	}
	grids := func(gs domain.GridSeries) (domain.GridSeries, error) {
		norm, err := temporal.NormalizeGrids(gs, n.interval, kind, anchor)
		if err != nil {
			return nil, err
		}
		var out domain.GridSeries
		for _, ng := range norm {
			if !keep(ng.Time.Label()) {
				continue
			}
			ng, err := applyGrid(j.plan.postGrid, ng, j.zones)
			if err != nil {
				return nil, err
			}
			out = append(out, ng)
		}
		return out, nil
	}
	if err := j.write(ctx, items, series, grids); err != nil {
		return nil, time.Time{}, err
	}
	return carried, cutoff, nil
}

// floorEdge returns the last bin edge at or before t.
func floorEdge(anchor time.Time, interval time.Duration, t time.Time) time.Time {
	d := t.Sub(anchor)
	k := d / interval
	if d < 0 && d%interval != 0 {
		k--
	}
	return anchor.Add(k * interval)
}

// write builds the records for items and writes them concurrently: one per
// zone when aggregating, otherwise one per output grid so a batch never
// rewrites earlier steps.
func (j *job) write(ctx context.Context, items []item,
	seriesFn func(domain.TimeSeries) (domain.TimeSeries, error),
	gridFn func(domain.GridSeries) (domain.GridSeries, error),
) error {
	variable := items[0].variable

	if !j.plan.aggregate {
		gs := make(domain.GridSeries, len(items))
		for i, it := range items {
			gs[i] = it.grid
		}
		out, err := gridFn(gs)
		if err != nil {
			return fmt.Errorf("build grid record: %w", err)
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(j.workers)
		for _, grid := range out {
			g.Go(func() error {
				path, err := j.recordPath("", j.parameter(variable, ""), grid.Time.Start, grid.Time.End)
				if err != nil {
					return err
				}
				return j.writeRecord(gctx, path, store.GridRecord(domain.GridSeries{grid}, j.m.Started))
			})
		}
		return g.Wait()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.workers)
	for k := range items[0].series {
		first, stat := items[0].series[k], items[0].stat[k]
		ts := domain.TimeSeries{Location: first.Location, Unit: first.Unit, Kind: first.Kind, Interval: first.Interval}
		for _, it := range items {
			ts.Points = append(ts.Points, it.series[k].Points...)
		}
		g.Go(func() error {
			out, err := seriesFn(ts)
			if err != nil {
				return fmt.Errorf("build series record: %w", err)
			}
			if len(out.Points) == 0 {
				return nil
			}
			path, err := j.recordPath(ts.Location, j.parameter(variable, stat), j.start, j.end)
			if err != nil {
				return err
			}
			return j.writeRecord(gctx, path, store.SeriesRecord(out, j.m.Started))
		})
	}
	return g.Wait()
}

// parameter is the record parameter for variable. Statistic series are
// suffixed with the statistic name.
func (j *job) parameter(variable string, stat zonal.Statistic) string {
	param := j.spec.Output.Parameter
	if param == "" {
		param = store.Parameter(variable)
	}
	if stat != "" {
		param += "-" + strings.ToUpper(string(stat))
	}
	return param
}

// recordPath expands the output template. Series records span the whole job;
// grid records span their own time step.
func (j *job) recordPath(zone, parameter string, start, end time.Time) (string, error) {
	tmpl := j.spec.Output.Template
	if tmpl == "" {
		tmpl = store.DefaultGridTemplate
		if j.plan.aggregate {
			tmpl = store.DefaultSeriesTemplate
		}
	}
	return store.ExpandPath(tmpl, store.PathFields{
		Basin:     j.spec.Output.Basin,
		Zone:      zone,
		Parameter: parameter,
		Start:     start,
		End:       end,
		Interval:  j.interval,
		Run:       j.spec.Output.Run,
	})
}

func (j *job) writeRecord(ctx context.Context, path string, rec store.Record) error {
	if _, err := j.retry(ctx, func(ctx context.Context) error {
		return j.st.Write(ctx, path, rec)
	}); err != nil {
		return fmt.Errorf("write record %s: %w", path, err)
	}
	j.mu.Lock()
	j.records[path] = true
	j.mu.Unlock()
	return nil
}

// saveCheckpoint records the last step of done whose output is fully
// written: every step before the first carried one. Failed steps count as
// done.
func (j *job) saveCheckpoint(ctx context.Context, done []int, carry []item, cutoff time.Time) error {
	firstCarried := -1
	for _, it := range carry {
		if firstCarried < 0 || it.step < firstCarried {
			firstCarried = it.step
		}
	}
	last := -1
	for _, idx := range done {
		if firstCarried >= 0 && idx >= firstCarried {
			break
		}
		last = idx
	}
	if last < 0 {
		return nil
	}
	label := j.times[last].Label()
	if j.resumed && !label.After(j.cp.LastStep) {
		return nil
	}

	cp := Checkpoint{JobID: j.spec.JobID, RunID: j.m.RunID, LastStep: label, Cutoff: cutoff, UpdatedAt: domain.Now()}
	if err := j.r.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	j.cp, j.resumed = cp, true
	return nil
}
