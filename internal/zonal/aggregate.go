// Package zonal reduces grids to one value per watershed zone.
//
// A cell belongs to a zone when its center lies inside (or on the boundary
// of) the zone polygon. No-data cells never contribute.
package zonal

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// Value is the reduced value of one zone at one time step.
type Value struct {
	ZoneID string
	Value  float64
	Cells  int
}

// Aggregator reduces grids over a fixed zone set, reusing masks between grids
// of the same geometry.
type Aggregator struct {
	zones []domain.Zone
	cache *MaskCache
}

// NewAggregator returns an aggregator over zones. A nil cache builds masks
// for every call.
func NewAggregator(zones []domain.Zone, cache *MaskCache) *Aggregator {
	return &Aggregator{zones: zones, cache: cache}
}

// Zones returns the zone set.
func (a *Aggregator) Zones() []domain.Zone { return a.zones }

func (a *Aggregator) masks(g domain.Grid) []Mask {
	if a.cache == nil {
		return BuildMasks(g, a.zones)
	}
	return a.cache.Masks(g, a.zones)
}

// Aggregate returns the no-data-excluding mean (KindAverage) or sum (KindSum)
// of each zone, in zone order. It fails with EmptyZoneError on the first zone
// that covers no cell center or only no-data cells.
func (a *Aggregator) Aggregate(g domain.Grid, kind domain.AggregationKind) ([]Value, error) {
	masks := a.masks(g)
	out := make([]Value, len(masks))
	buf := make([]float64, 0, 64)
	for i, m := range masks {
		if len(m.Cells) == 0 {
			return nil, &domain.EmptyZoneError{ZoneID: m.ZoneID, TimeStep: g.Time.Label()}
		}
		buf = validValues(g, m, buf[:0])
		if len(buf) == 0 {
			return nil, &domain.EmptyZoneError{ZoneID: m.ZoneID, TimeStep: g.Time.Label(), AllNoData: true}
		}
		v := floats.Sum(buf)
		if kind != domain.KindSum {
			v /= float64(len(buf))
		}
		out[i] = Value{ZoneID: m.ZoneID, Value: v, Cells: len(buf)}
	}
	return out, nil
}

// Aggregate is a one-shot Aggregator.Aggregate without mask caching.
func Aggregate(g domain.Grid, zones []domain.Zone, kind domain.AggregationKind) ([]Value, error) {
	return NewAggregator(zones, nil).Aggregate(g, kind)
}

func validValues(g domain.Grid, m Mask, buf []float64) []float64 {
	for _, idx := range m.Cells {
		if v := g.Data[idx]; !g.IsNoData(v) {
			buf = append(buf, v)
		}
	}
	return buf
}

// Stats are the descriptive statistics of one zone at one time step. Median
// needs at least two cells and the quartiles at least four; otherwise they
// are NaN.
type Stats struct {
	ZoneID         string
	Count          int
	Sum            float64
	Mean           float64
	Min            float64
	Max            float64
	Median         float64
	FirstQuartile  float64
	ThirdQuartile  float64
	PctAboveZero   float64
	PctAboveFirstQ float64
}

// Statistics computes Stats for every zone. Unlike Aggregate it does not fail
// on empty zones; their Count is zero and the other fields are NaN.
func (a *Aggregator) Statistics(g domain.Grid) []Stats {
	masks := a.masks(g)
	out := make([]Stats, len(masks))
	for i, m := range masks {
		out[i] = computeStats(m.ZoneID, validValues(g, m, nil))
	}
	return out
}

// Statistic names a field of Stats that is in the unit of the grid values.
type Statistic string

// Statistics selectable as extra output series.
const (
	StatMean          Statistic = "mean"
	StatMin           Statistic = "min"
	StatMax           Statistic = "max"
	StatMedian        Statistic = "median"
	StatFirstQuartile Statistic = "first_quartile"
	StatThirdQuartile Statistic = "third_quartile"
)

// ParseStatistic validates a statistic name.
func ParseStatistic(s string) (Statistic, error) {
	switch st := Statistic(s); st {
	case StatMean, StatMin, StatMax, StatMedian, StatFirstQuartile, StatThirdQuartile:
		return st, nil
	}
	return "", fmt.Errorf("unknown statistic %q", s)
}

// Value returns the field of s named by st.
func (s Stats) Value(st Statistic) float64 {
	switch st {
	case StatMean:
		return s.Mean
	case StatMin:
		return s.Min
	case StatMax:
		return s.Max
	case StatMedian:
		return s.Median
	case StatFirstQuartile:
		return s.FirstQuartile
	case StatThirdQuartile:
		return s.ThirdQuartile
	}
	return domain.Missing
}

func computeStats(id string, vals []float64) Stats {
	nan := domain.Missing
	s := Stats{
		ZoneID: id, Count: len(vals),
		Mean: nan, Min: nan, Max: nan, Median: nan,
		FirstQuartile: nan, ThirdQuartile: nan,
		PctAboveZero: nan, PctAboveFirstQ: nan,
	}
	n := len(vals)
	if n == 0 {
		return s
	}
	sort.Float64s(vals)
	s.Sum = floats.Sum(vals)
	s.Mean = s.Sum / float64(n)
	s.Min, s.Max = vals[0], vals[n-1]
	s.PctAboveZero = 100 * float64(countAbove(vals, 0)) / float64(n)

	if n >= 2 {
		if n%2 == 0 {
			s.Median = (vals[n/2-1] + vals[n/2]) / 2
		} else {
			s.Median = vals[n/2]
		}
	}
	if n >= 4 {
		s.FirstQuartile = vals[(n+1)/4]
		s.ThirdQuartile = vals[min(3*(n+1)/4, n-1)]
		s.PctAboveFirstQ = 100 * float64(countAbove(vals, s.FirstQuartile)) / float64(n)
	}
	return s
}

func countAbove(vals []float64, threshold float64) int {
	n := 0
	for _, v := range vals {
		if v > threshold {
			n++
		}
	}
	return n
}
