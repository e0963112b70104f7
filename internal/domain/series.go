package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Missing marks an explicit gap in a TimeSeries.
var Missing = math.NaN()

// IsMissing reports whether v is an explicit gap.
func IsMissing(v float64) bool { return math.IsNaN(v) }

// AggregationKind selects how values combine over time and space.
type AggregationKind string

const (
	KindSum     AggregationKind = "sum"
	KindAverage AggregationKind = "average"
)

// ParseKind parses "sum" or "average" (also accepting "mean" and "avg").
// An empty string yields the zero kind so callers can fall back to InferKind.
func ParseKind(s string) (AggregationKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "sum", "accumulation", "cumulative":
		return KindSum, nil
	case "average", "mean", "avg":
		return KindAverage, nil
	default:
		return "", fmt.Errorf("unknown aggregation kind %q", s)
	}
}

var accumulativeNames = []string{"precip", "qpe", "rain", "snowfall", "apcp"}

// InferKind derives the default aggregation kind from a variable name.
func InferKind(variable string) AggregationKind {
	v := strings.ToLower(variable)
	if v == "pr" {
		return KindSum
	}
	for _, name := range accumulativeNames {
		if strings.Contains(v, name) {
			return KindSum
		}
	}
	return KindAverage
}

// Point is one sample of a TimeSeries.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// TimeSeries is an ordered sequence of samples at one location.
//
// Interval is the nominal spacing; zero means instantaneous or irregular.
// For period data each point covers (Time - Interval, Time].
type TimeSeries struct {
	Location string          `json:"location"`
	Unit     string          `json:"unit"`
	Kind     AggregationKind `json:"kind"`
	Interval time.Duration   `json:"interval"`
	Points   []Point         `json:"points"`
}

// Validate checks that timestamps are strictly increasing.
func (ts TimeSeries) Validate() error {
	for i := 1; i < len(ts.Points); i++ {
		if !ts.Points[i].Time.After(ts.Points[i-1].Time) {
			return fmt.Errorf("series %s: point %d at %s is not after %s",
				ts.Location, i, ts.Points[i].Time.Format(time.RFC3339), ts.Points[i-1].Time.Format(time.RFC3339))
		}
	}
	return nil
}

// Clone returns a deep copy.
func (ts TimeSeries) Clone() TimeSeries {
	out := ts
	out.Points = make([]Point, len(ts.Points))
	copy(out.Points, ts.Points)
	return out
}

// Window returns the points whose time lies in [from, to). A zero bound is open.
func (ts TimeSeries) Window(from, to time.Time) TimeSeries {
	out := ts
	out.Points = nil
	for _, p := range ts.Points {
		if !from.IsZero() && p.Time.Before(from) {
			continue
		}
		if !to.IsZero() && !p.Time.Before(to) {
			continue
		}
		out.Points = append(out.Points, p)
	}
	return out
}

// Total sums the non-missing values.
func (ts TimeSeries) Total() float64 {
	var sum float64
	for _, p := range ts.Points {
		if !IsMissing(p.Value) {
			sum += p.Value
		}
	}
	return sum
}

// Values returns the sample values in order.
func (ts TimeSeries) Values() []float64 {
	out := make([]float64, len(ts.Points))
	for i, p := range ts.Points {
		out[i] = p.Value
	}
	return out
}
