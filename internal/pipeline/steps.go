package pipeline

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ctessum/geom"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
	"github.com/couchcryptid/grid-met-etl/internal/temporal"
	"github.com/couchcryptid/grid-met-etl/internal/transform"
	"github.com/couchcryptid/grid-met-etl/internal/units"
	"github.com/couchcryptid/grid-met-etl/internal/zonal"
)

// Step operations.
const (
	OpReproject         = "reproject"
	OpResample          = "resample"
	OpClip              = "clip"
	OpSubset            = "subset"
	OpConvertUnits      = "convert_units"
	OpSanitize          = "sanitize"
	OpCalculate         = "calculate"
	OpShift             = "shift"
	OpTranspose         = "transpose"
	OpTimeWindow        = "time_window"
	OpAggregate         = "aggregate"
	OpNormalizeInterval = "normalize_interval"
	OpScaleToNormals    = "scale_to_normals"
)

type gridOp struct {
	name string
	fn   func(g domain.Grid, zones []domain.Zone) (domain.Grid, error)
}

type seriesOp struct {
	name string
	fn   func(ts domain.TimeSeries) (domain.TimeSeries, error)
}

type normalizeStep struct {
	interval  time.Duration
	staleness *time.Duration
	anchor    time.Time
}

type timeWindow struct {
	start, end time.Time
	// offset is the sum of grid shifts declared before the window.
	offset time.Duration
}

func (w *timeWindow) keep(td domain.TimeDescriptor) bool {
	if w == nil {
		return true
	}
	td = td.Shift(w.offset)
	end := w.end
	if end.IsZero() {
		end = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	return td.Overlaps(w.start, end)
}

// plan is a compiled spec. Grid ops run per time step; with aggregate set,
// grids are reduced per zone and series ops run on the result. normalize and
// the post ops run over the batch output.
type plan struct {
	gridOps   []gridOp
	aggregate bool

	// kind drives temporal normalization; zonalKind the spatial reduction.
	kind      domain.AggregationKind
	zonalKind domain.AggregationKind

	// stats are extra per-zone series written next to the aggregate.
	stats []zonal.Statistic

	seriesOps  []seriesOp
	normalize  *normalizeStep
	postGrid   []gridOp
	postSeries []seriesOp
	window     *timeWindow

	// normals scales source steps to period totals before any grid op.
	normals *SourceSpec

	// shift is the total time shift applied before normalization.
	shift time.Duration

	needsZones bool

	// zoneCRS is the CRS grids are in when zones are used, if known.
	zoneCRS string
}

type phase int

const (
	phaseGrid phase = iota
	phaseSeries
	phasePost
)

type reprojectParams struct {
	CRS       string  `yaml:"crs"`
	Kernel    string  `yaml:"kernel"`
	Tolerance float64 `yaml:"tolerance"`
	CellSize  float64 `yaml:"cell_size"`
	Normalize string  `yaml:"normalize"`
}

type resampleParams struct {
	CellSize float64 `yaml:"cell_size"`
	Kernel   string  `yaml:"kernel"`
}

type clipParams struct {
	Zone string `yaml:"zone"`
}

type subsetParams struct {
	Bounds []float64 `yaml:"bounds"`
}

type convertParams struct {
	Unit     string `yaml:"unit"`
	TimeBase bool   `yaml:"time_base"`
}

type sanitizeParams struct {
	Min            *float64 `yaml:"min"`
	Max            *float64 `yaml:"max"`
	MinReplacement *float64 `yaml:"min_replacement"`
	MaxReplacement *float64 `yaml:"max_replacement"`
}

type calculateParams struct {
	Op    string  `yaml:"op"`
	Value float64 `yaml:"value"`
}

type shiftParams struct {
	Delta Duration `yaml:"delta"`
}

// transposeParams either translates by whole cells (dx, dy) or rotates the
// storm about the grid center and moves it (angle, center_x, center_y).
type transposeParams struct {
	DX      int      `yaml:"dx"`
	DY      int      `yaml:"dy"`
	Angle   *float64 `yaml:"angle"`
	CenterX *float64 `yaml:"center_x"`
	CenterY *float64 `yaml:"center_y"`
}

func (pr transposeParams) storm() (transform.Transposition, bool, error) {
	if pr.Angle == nil && pr.CenterX == nil && pr.CenterY == nil {
		return transform.Transposition{}, false, nil
	}
	if pr.DX != 0 || pr.DY != 0 {
		return transform.Transposition{}, false, fmt.Errorf("dx and dy cannot be combined with angle or center")
	}
	if (pr.CenterX == nil) != (pr.CenterY == nil) {
		return transform.Transposition{}, false, fmt.Errorf("center_x and center_y go together")
	}
	var t transform.Transposition
	if pr.Angle != nil {
		t.Angle = *pr.Angle
	}
	if pr.CenterX != nil {
		t.Center = &geom.Point{X: *pr.CenterX, Y: *pr.CenterY}
	}
	return t, true, nil
}

type windowParams struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type aggregateParams struct {
	Kind       string   `yaml:"kind"`
	Statistics []string `yaml:"statistics"`
}

type normalizeParams struct {
	Interval  Duration  `yaml:"interval"`
	Staleness *Duration `yaml:"staleness"`
	Anchor    string    `yaml:"anchor"`
}

// parseTime accepts RFC 3339 timestamps and plain dates. Empty is the zero time.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

func decodeParams(params map[string]any, out any) error {
	b, err := yaml.Marshal(params)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// compile turns the declared steps into a plan, rejecting unknown operations,
// bad parameters and steps in a position where they cannot run.
func compile(spec PipelineSpec, massTolerance float64) (*plan, error) {
	p := &plan{zoneCRS: spec.Zones.CRS, zonalKind: domain.KindAverage}
	if p.zoneCRS == "" {
		p.zoneCRS = spec.Source.CRS
	}
	kind, err := domain.ParseKind(spec.Kind)
	if err != nil {
		return nil, err
	}
	p.kind = kind

	ph := phaseGrid
	var shifted time.Duration
	// crsNow is the grid CRS after the steps so far; empty means the source's.
	var crsNow, zonesIn string
	useZones := func() error {
		if p.needsZones && crsNow != zonesIn {
			return fmt.Errorf("zones are already used in %q", zonesIn)
		}
		p.needsZones = true
		zonesIn = crsNow
		return nil
	}
	for i, st := range spec.Steps {
		fail := func(err error) error { return fmt.Errorf("step %d (%s): %w", i+1, st.Op, err) }
		misplaced := func() error {
			if p.aggregate {
				return fail(fmt.Errorf("cannot follow aggregate"))
			}
			return fail(fmt.Errorf("cannot follow normalize_interval"))
		}

		switch st.Op {
		case OpReproject:
			var pr reprojectParams
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			if pr.CRS == "" {
				return nil, fail(fmt.Errorf("crs is required"))
			}
			kernel, err := transform.ParseKernel(pr.Kernel)
			if err != nil {
				return nil, fail(err)
			}
			opts := transform.DefaultOptions()
			opts.Kernel = kernel
			opts.CellSize = pr.CellSize
			opts.MassTolerance = massTolerance
			if pr.Tolerance > 0 {
				opts.MassTolerance = pr.Tolerance
			}
			switch pr.Normalize {
			case "", "dest", "mass":
			case "frac", "mean":
				opts.Normalize = transform.FracArea
			default:
				return nil, fail(fmt.Errorf("unknown normalize %q", pr.Normalize))
			}
			if p.aggregate {
				return nil, misplaced()
			}
			crsNow = pr.CRS
			target := pr.CRS
			p.addGrid(ph, OpReproject, func(g domain.Grid, _ []domain.Zone) (domain.Grid, error) {
				return transform.Reproject(g, target, opts)
			})

		case OpResample:
			var pr resampleParams
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			if pr.CellSize <= 0 {
				return nil, fail(fmt.Errorf("cell_size must be positive"))
			}
			kernel, err := transform.ParseKernel(pr.Kernel)
			if err != nil {
				return nil, fail(err)
			}
			if p.aggregate {
				return nil, misplaced()
			}
			p.addGrid(ph, OpResample, func(g domain.Grid, _ []domain.Zone) (domain.Grid, error) {
				return transform.Resample(g, pr.CellSize, kernel)
			})

		case OpClip:
			var pr clipParams
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			if p.aggregate {
				return nil, misplaced()
			}
			if err := useZones(); err != nil {
				return nil, fail(err)
			}
			p.addGrid(ph, OpClip, func(g domain.Grid, zones []domain.Zone) (domain.Grid, error) {
				z, err := clipZone(zones, pr.Zone)
				if err != nil {
					return domain.Grid{}, err
				}
				return transform.Clip(g, z), nil
			})

		case OpSubset:
			var pr subsetParams
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			if len(pr.Bounds) != 4 || pr.Bounds[0] >= pr.Bounds[2] || pr.Bounds[1] >= pr.Bounds[3] {
				return nil, fail(fmt.Errorf("bounds must be [min_x, min_y, max_x, max_y]"))
			}
			if p.aggregate {
				return nil, misplaced()
			}
			b := geom.Bounds{
				Min: geom.Point{X: pr.Bounds[0], Y: pr.Bounds[1]},
				Max: geom.Point{X: pr.Bounds[2], Y: pr.Bounds[3]},
			}
			p.addGrid(ph, OpSubset, func(g domain.Grid, _ []domain.Zone) (domain.Grid, error) {
				return transform.Subset(g, b)
			})

		case OpConvertUnits:
			var pr convertParams
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			if _, err := units.Parse(pr.Unit); err != nil {
				return nil, fail(err)
			}
			if p.aggregate {
				p.addSeries(ph, OpConvertUnits, func(ts domain.TimeSeries) (domain.TimeSeries, error) {
					if pr.TimeBase {
						return convertSeriesWithTimeBase(ts, pr.Unit)
					}
					return units.ConvertSeries(ts, pr.Unit)
				})
				continue
			}
			p.addGrid(ph, OpConvertUnits, func(g domain.Grid, _ []domain.Zone) (domain.Grid, error) {
				if pr.TimeBase {
					return units.ConvertGridWithTimeBase(g, pr.Unit)
				}
				return units.ConvertGrid(g, pr.Unit)
			})

		case OpSanitize:
			var pr sanitizeParams
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			if p.aggregate {
				return nil, misplaced()
			}
			opts := transform.DefaultSanitizeOptions()
			set := func(dst *float64, v *float64) {
				if v != nil {
					*dst = *v
				}
			}
			set(&opts.Min, pr.Min)
			set(&opts.Max, pr.Max)
			set(&opts.MinReplacement, pr.MinReplacement)
			set(&opts.MaxReplacement, pr.MaxReplacement)
			p.addGrid(ph, OpSanitize, func(g domain.Grid, _ []domain.Zone) (domain.Grid, error) {
				return transform.Sanitize(g, opts), nil
			})

		case OpCalculate:
			var pr calculateParams
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			op, err := transform.ParseOp(pr.Op)
			if err != nil {
				return nil, fail(err)
			}
			f, err := transform.OpFunc(op, pr.Value)
			if err != nil {
				return nil, fail(err)
			}
			if p.aggregate {
				p.addSeries(ph, OpCalculate, func(ts domain.TimeSeries) (domain.TimeSeries, error) {
					out := ts.Clone()
					for i, pt := range out.Points {
						if !domain.IsMissing(pt.Value) {
							out.Points[i].Value = f(pt.Value)
						}
					}
					return out, nil
				})
				continue
			}
			p.addGrid(ph, OpCalculate, func(g domain.Grid, _ []domain.Zone) (domain.Grid, error) {
				return transform.Calculate(g, op, pr.Value)
			})

		case OpShift:
			var pr shiftParams
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			d := pr.Delta.Std()
			if ph != phasePost {
				p.shift += d
			}
			if p.aggregate {
				p.addSeries(ph, OpShift, func(ts domain.TimeSeries) (domain.TimeSeries, error) {
					return temporal.Shift(ts, d), nil
				})
				continue
			}
			if ph == phaseGrid {
				shifted += d
			}
			p.addGrid(ph, OpShift, func(g domain.Grid, _ []domain.Zone) (domain.Grid, error) {
				return temporal.ShiftGrid(g, d), nil
			})

		case OpTranspose:
			var pr transposeParams
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			storm, rotate, err := pr.storm()
			if err != nil {
				return nil, fail(err)
			}
			if p.aggregate {
				return nil, misplaced()
			}
			if rotate {
				p.addGrid(ph, OpTranspose, func(g domain.Grid, _ []domain.Zone) (domain.Grid, error) {
					return transform.Transpose(g, storm), nil
				})
				continue
			}
			p.addGrid(ph, OpTranspose, func(g domain.Grid, _ []domain.Zone) (domain.Grid, error) {
				return temporal.TransposeGrid(g, pr.DX, pr.DY), nil
			})

		case OpTimeWindow:
			var pr windowParams
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			if ph != phaseGrid {
				return nil, misplaced()
			}
			if p.window != nil {
				return nil, fail(fmt.Errorf("only one time_window is allowed"))
			}
			start, err := parseTime(pr.Start)
			if err != nil {
				return nil, fail(err)
			}
			end, err := parseTime(pr.End)
			if err != nil {
				return nil, fail(err)
			}
			if !end.IsZero() && !end.After(start) {
				return nil, fail(fmt.Errorf("end must be after start"))
			}
			p.window = &timeWindow{start: start, end: end, offset: shifted}

		case OpAggregate:
			var pr aggregateParams
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			if ph != phaseGrid {
				return nil, fail(fmt.Errorf("aggregate must come before normalize_interval and appear once"))
			}
			if pr.Kind != "" {
				k, err := domain.ParseKind(pr.Kind)
				if err != nil {
					return nil, fail(err)
				}
				p.zonalKind = k
			}
			for _, name := range pr.Statistics {
				st, err := zonal.ParseStatistic(name)
				if err != nil {
					return nil, fail(err)
				}
				if slices.Contains(p.stats, st) {
					return nil, fail(fmt.Errorf("statistic %q listed twice", name))
				}
				p.stats = append(p.stats, st)
			}
			if err := useZones(); err != nil {
				return nil, fail(err)
			}
			p.aggregate = true
			ph = phaseSeries

		case OpScaleToNormals:
			var pr SourceSpec
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			if pr.Path == "" {
				return nil, fail(fmt.Errorf("path is required"))
			}
			if i != 0 {
				return nil, fail(fmt.Errorf("must be the first step"))
			}
			p.normals = &pr

		case OpNormalizeInterval:
			var pr normalizeParams
			if err := decodeParams(st.Params, &pr); err != nil {
				return nil, fail(err)
			}
			if ph == phasePost {
				return nil, fail(fmt.Errorf("only one normalize_interval is allowed"))
			}
			if pr.Interval.Std() <= 0 {
				return nil, fail(fmt.Errorf("interval must be positive"))
			}
			anchor, err := parseTime(pr.Anchor)
			if err != nil {
				return nil, fail(err)
			}
			n := &normalizeStep{interval: pr.Interval.Std(), anchor: anchor}
			if pr.Staleness != nil {
				s := pr.Staleness.Std()
				n.staleness = &s
			}
			p.normalize = n
			ph = phasePost

		default:
			return nil, fail(fmt.Errorf("unknown operation"))
		}
	}

	if zonesIn != "" {
		p.zoneCRS = zonesIn
	}
	if p.needsZones && spec.Zones.Path == "" {
		return nil, fmt.Errorf("zones.path is required by clip and aggregate")
	}
	// Grid records are one per time step, so the path must tell steps apart.
	if tmpl := spec.Output.Template; !p.aggregate && tmpl != "" &&
		!strings.Contains(tmpl, "{start}") && !strings.Contains(tmpl, "{end}") {
		return nil, fmt.Errorf("output.template for grid output must contain {start} or {end}")
	}
	return p, nil
}

func (p *plan) addGrid(ph phase, name string, fn func(domain.Grid, []domain.Zone) (domain.Grid, error)) {
	op := gridOp{name: name, fn: fn}
	if ph == phasePost {
		p.postGrid = append(p.postGrid, op)
		return
	}
	p.gridOps = append(p.gridOps, op)
}

func (p *plan) addSeries(ph phase, name string, fn func(domain.TimeSeries) (domain.TimeSeries, error)) {
	op := seriesOp{name: name, fn: fn}
	if ph == phasePost {
		p.postSeries = append(p.postSeries, op)
		return
	}
	p.seriesOps = append(p.seriesOps, op)
}

// clipZone returns the named zone, or the union of all zones when id is empty.
func clipZone(zones []domain.Zone, id string) (domain.Zone, error) {
	if id == "" {
		if len(zones) == 1 {
			return zones[0], nil
		}
		var mp geom.MultiPolygon
		for _, z := range zones {
			mp = append(mp, z.Geometry.Polygons()...)
		}
		return domain.Zone{ID: "*", Geometry: mp}, nil
	}
	for _, z := range zones {
		if z.ID == id {
			return z, nil
		}
	}
	return domain.Zone{}, fmt.Errorf("clip: no zone %q", id)
}

func convertSeriesWithTimeBase(ts domain.TimeSeries, to string) (domain.TimeSeries, error) {
	out := ts.Clone()
	for i, pt := range out.Points {
		if domain.IsMissing(pt.Value) {
			continue
		}
		v, err := units.ConvertWithTimeBase(pt.Value, ts.Unit, to, ts.Interval)
		if err != nil {
			return domain.TimeSeries{}, err
		}
		out.Points[i].Value = v
	}
	out.Unit = to
	return out, nil
}

func applyGrid(ops []gridOp, g domain.Grid, zones []domain.Zone) (domain.Grid, error) {
	for _, op := range ops {
		out, err := op.fn(g, zones)
		if err != nil {
			return domain.Grid{}, fmt.Errorf("%s: %w", op.name, err)
		}
		g = out
	}
	return g, nil
}

func applySeries(ops []seriesOp, ts domain.TimeSeries) (domain.TimeSeries, error) {
	for _, op := range ops {
		out, err := op.fn(ts)
		if err != nil {
			return domain.TimeSeries{}, fmt.Errorf("%s: %w", op.name, err)
		}
		ts = out
	}
	return ts, nil
}
