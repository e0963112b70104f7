// Package temporal implements time-axis transforms over series and grid
// series: shifting, interval normalization, storm transposition and scaling
// to period normals. All functions are pure.
package temporal

import (
	"time"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// Shift translates every timestamp by d. Values, order and count are kept,
// so Shift(Shift(s, d), -d) reproduces s.
func Shift(ts domain.TimeSeries, d time.Duration) domain.TimeSeries {
	out := ts.Clone()
	for i := range out.Points {
		out.Points[i].Time = out.Points[i].Time.Add(d)
	}
	return out
}

// ShiftGrid translates the grid's time descriptor by d.
func ShiftGrid(g domain.Grid, d time.Duration) domain.Grid {
	out := g.Clone()
	out.Time = g.Time.Shift(d)
	return out
}
