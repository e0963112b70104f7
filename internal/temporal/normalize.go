package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// NormalizeOptions configures NormalizeInterval.
type NormalizeOptions struct {
	// Anchor aligns bin edges; the zero value means the Unix epoch.
	Anchor time.Time
	// Staleness bounds how old the last valid sample may be when filling an
	// empty bin. Zero disables filling and the check: empty bins are Missing.
	Staleness time.Duration
	// Kind overrides the series' aggregation kind.
	Kind domain.AggregationKind
}

var errInterval = errors.New("target interval must be positive")

func (o NormalizeOptions) anchor() time.Time {
	if o.Anchor.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return o.Anchor
}

// binIndex returns k such that t falls in the bin (anchor+kI, anchor+(k+1)I].
func binIndex(anchor time.Time, interval time.Duration, t time.Time) int64 {
	d := t.Sub(anchor)
	q := int64(d / interval)
	if d > 0 && d%interval != 0 {
		q++
	}
	return q - 1
}

func binEnd(anchor time.Time, interval time.Duration, k int64) time.Time {
	return anchor.Add(time.Duration(k+1) * interval)
}

// coverage is the span (start, end] a sample accounts for.
func coverage(p domain.Point, interval time.Duration) (time.Time, time.Time) {
	return p.Time.Add(-interval), p.Time
}

func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	s, e := aStart, aEnd
	if bStart.After(s) {
		s = bStart
	}
	if bEnd.Before(e) {
		e = bEnd
	}
	if !e.After(s) {
		return 0
	}
	return e.Sub(s)
}

// NormalizeInterval resamples ts onto uniform bins of width interval,
// labelled by bin end. Each input point covers (t - ts.Interval, t]; points of
// an instantaneous series (Interval 0) fall in the bin containing t.
//
// Sum kind apportions each value by the fraction of its span inside a bin.
// Average kind takes the time-weighted mean (the plain mean for instants).
// A bin with no coverage is filled from the last valid sample (average) or
// set Missing (sum) when that sample ended within opts.Staleness of the bin
// end, and is a GapTooLargeError otherwise.
func NormalizeInterval(ts domain.TimeSeries, interval time.Duration, opts NormalizeOptions) (domain.TimeSeries, error) {
	if interval <= 0 {
		return domain.TimeSeries{}, errInterval
	}
	if err := ts.Validate(); err != nil {
		return domain.TimeSeries{}, fmt.Errorf("normalize interval: %w", err)
	}
	kind := opts.Kind
	if kind == "" {
		kind = ts.Kind
	}
	if kind == "" {
		kind = domain.KindAverage
	}
	out := domain.TimeSeries{Location: ts.Location, Unit: ts.Unit, Kind: kind, Interval: interval}
	if len(ts.Points) == 0 {
		return out, nil
	}

	anchor := opts.anchor()
	first, _ := coverage(ts.Points[0], ts.Interval)
	last := ts.Points[len(ts.Points)-1].Time
	k0 := binIndex(anchor, interval, first)
	if ts.Interval > 0 {
		// The first span is open at its start, so it begins in the next bin
		// when it starts exactly on an edge.
		k0 = binIndex(anchor, interval, first.Add(time.Nanosecond))
	}
	k1 := binIndex(anchor, interval, last)

	type acc struct {
		sum    float64
		weight float64
		n      int
	}
	bins := make([]acc, k1-k0+1)

	for _, p := range ts.Points {
		if domain.IsMissing(p.Value) {
			continue
		}
		if ts.Interval == 0 {
			b := &bins[binIndex(anchor, interval, p.Time)-k0]
			b.n++
			b.sum += p.Value
			b.weight++
			continue
		}
		s, e := coverage(p, ts.Interval)
		for k := binIndex(anchor, interval, s.Add(time.Nanosecond)); k <= binIndex(anchor, interval, e); k++ {
			be := binEnd(anchor, interval, k)
			ov := overlap(s, e, be.Add(-interval), be)
			if ov == 0 {
				continue
			}
			b := &bins[k-k0]
			b.n++
			frac := float64(ov) / float64(ts.Interval)
			if kind == domain.KindSum {
				b.sum += p.Value * frac
			} else {
				b.sum += p.Value * ov.Seconds()
				b.weight += ov.Seconds()
			}
		}
	}

	var (
		lastValid     domain.Point
		haveLastValid bool
		nextPoint     int
	)
	out.Points = make([]domain.Point, 0, len(bins))
	for i, b := range bins {
		end := binEnd(anchor, interval, k0+int64(i))
		for nextPoint < len(ts.Points) && !ts.Points[nextPoint].Time.After(end) {
			if p := ts.Points[nextPoint]; !domain.IsMissing(p.Value) {
				lastValid, haveLastValid = p, true
			}
			nextPoint++
		}

		if b.n > 0 {
			v := b.sum
			if kind != domain.KindSum {
				v = b.sum / b.weight
			}
			out.Points = append(out.Points, domain.Point{Time: end, Value: v})
			continue
		}

		v, err := fillGap(ts.Location, kind, end, lastValid, haveLastValid, opts.Staleness)
		if err != nil {
			return domain.TimeSeries{}, err
		}
		out.Points = append(out.Points, domain.Point{Time: end, Value: v})
	}
	return out, nil
}

func fillGap(location string, kind domain.AggregationKind, end time.Time, last domain.Point, ok bool, staleness time.Duration) (float64, error) {
	if staleness == 0 {
		return domain.Missing, nil
	}
	if !ok || end.Sub(last.Time) > staleness {
		return 0, &domain.GapTooLargeError{Location: location, BinEnd: end, LastSample: last.Time, Staleness: staleness}
	}
	if kind == domain.KindSum {
		return domain.Missing, nil
	}
	return last.Value, nil
}

// NormalizeGrids is the cell-wise NormalizeInterval for a grid series. All
// grids must share one geometry. Period grids are apportioned by overlap
// (sum) or time-weighted (average); instant grids fall in the bin containing
// their time. Bins without any grid come out as all no-data grids.
func NormalizeGrids(gs domain.GridSeries, interval time.Duration, kind domain.AggregationKind, anchor time.Time) (domain.GridSeries, error) {
	if interval <= 0 {
		return nil, errInterval
	}
	if len(gs) == 0 {
		return nil, nil
	}
	if anchor.IsZero() {
		anchor = time.Unix(0, 0).UTC()
	}
	ref := gs[0]
	for i, g := range gs {
		if !g.SameGeometry(ref) {
			return nil, fmt.Errorf("normalize grids: step %d geometry differs from step 0", i)
		}
		if i > 0 && g.Time.Label().Before(gs[i-1].Time.Label()) {
			return nil, fmt.Errorf("normalize grids: step %d is out of time order", i)
		}
	}
	if kind == "" {
		kind = domain.InferKind(ref.Variable)
	}

	startOf := func(g domain.Grid) time.Time {
		if g.Time.IsInstant() {
			return g.Time.Start
		}
		return g.Time.Start.Add(time.Nanosecond)
	}
	k0 := binIndex(anchor, interval, startOf(gs[0]))
	k1 := binIndex(anchor, interval, gs[len(gs)-1].Time.End)
	for _, g := range gs {
		k0 = min(k0, binIndex(anchor, interval, startOf(g)))
		k1 = max(k1, binIndex(anchor, interval, g.Time.End))
	}

	n := ref.Rows * ref.Cols
	out := make(domain.GridSeries, 0, k1-k0+1)
	for k := k0; k <= k1; k++ {
		end := binEnd(anchor, interval, k)
		start := end.Add(-interval)
		sum := make([]float64, n)
		weight := make([]float64, n)
		hit := make([]bool, n)
		for _, g := range gs {
			var frac, w float64
			if g.Time.IsInstant() {
				if !g.Time.Start.After(start) || g.Time.Start.After(end) {
					continue
				}
				frac, w = 1, 1
			} else {
				ov := overlap(g.Time.Start, g.Time.End, start, end)
				if ov == 0 {
					continue
				}
				frac = float64(ov) / float64(g.Time.Duration())
				w = ov.Seconds()
			}
			for i, v := range g.Data {
				if g.IsNoData(v) {
					continue
				}
				hit[i] = true
				if kind == domain.KindSum {
					sum[i] += v * frac
				} else {
					sum[i] += v * w
					weight[i] += w
				}
			}
		}
		data := make([]float64, n)
		for i := range data {
			switch {
			case !hit[i]:
				data[i] = ref.NoData
			case kind == domain.KindSum:
				data[i] = sum[i]
			default:
				data[i] = sum[i] / weight[i]
			}
		}
		g := ref.WithData(data)
		g.Time = domain.Period(start, end)
		out = append(out, g)
	}
	return out, nil
}
