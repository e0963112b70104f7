package store

import (
	"fmt"
	"sort"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// merge combines a stored record with an incoming one by timestamp. Values of
// the incoming record replace stored values at equal timestamps.
func merge(old, incoming Record) (Record, error) {
	if old.Kind != incoming.Kind {
		return Record{}, fmt.Errorf("stored record is %s, incoming is %s", old.Kind, incoming.Kind)
	}
	switch incoming.Kind {
	case KindSeries:
		ts, err := mergeSeries(old.Series, incoming.Series)
		if err != nil {
			return Record{}, err
		}
		incoming.Series = ts
	case KindGrids:
		gs, err := mergeGrids(old.Grids, incoming.Grids)
		if err != nil {
			return Record{}, err
		}
		incoming.Grids = gs
	}
	return incoming, nil
}

func mergeSeries(old, incoming domain.TimeSeries) (domain.TimeSeries, error) {
	if old.Unit != "" && incoming.Unit != "" && old.Unit != incoming.Unit {
		return domain.TimeSeries{}, fmt.Errorf("unit %q does not match stored unit %q", incoming.Unit, old.Unit)
	}
	out := incoming
	if out.Unit == "" {
		out.Unit = old.Unit
	}
	out.Points = make([]domain.Point, 0, len(old.Points)+len(incoming.Points))

	i, j := 0, 0
	for i < len(old.Points) && j < len(incoming.Points) {
		a, b := old.Points[i], incoming.Points[j]
		switch {
		case a.Time.Before(b.Time):
			out.Points = append(out.Points, a)
			i++
		case b.Time.Before(a.Time):
			out.Points = append(out.Points, b)
			j++
		default:
			out.Points = append(out.Points, b)
			i++
			j++
		}
	}
	out.Points = append(out.Points, old.Points[i:]...)
	out.Points = append(out.Points, incoming.Points[j:]...)
	return out, nil
}

func mergeGrids(old, incoming domain.GridSeries) (domain.GridSeries, error) {
	if len(old) > 0 && len(incoming) > 0 && !old[0].SameGeometry(incoming[0]) {
		return nil, fmt.Errorf("grid geometry %s does not match stored %s",
			incoming[0].GeometryKey(), old[0].GeometryKey())
	}
	byStart := make(map[int64]domain.Grid, len(old)+len(incoming))
	for _, g := range old {
		byStart[g.Time.Start.UnixNano()] = g
	}
	for _, g := range incoming {
		byStart[g.Time.Start.UnixNano()] = g
	}
	out := make(domain.GridSeries, 0, len(byStart))
	for _, g := range byStart {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Start.Before(out[j].Time.Start) })
	return out, nil
}
