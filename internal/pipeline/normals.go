package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
	"github.com/couchcryptid/grid-met-etl/internal/source"
	"github.com/couchcryptid/grid-met-etl/internal/temporal"
)

// loadNormals reads every grid of the normals source.
func (j *job) loadNormals(ctx context.Context, spec SourceSpec) (domain.GridSeries, error) {
	src, err := source.Open(ctx, spec.Path, spec.Format, source.Options{
		Variable:      spec.Variable,
		Unit:          spec.Unit,
		CRS:           spec.CRS,
		StepLength:    spec.StepLength.Std(),
		RemoteTimeout: j.r.opts.RemoteTimeout,
		Logger:        j.log,
	})
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var out domain.GridSeries
	for g, err := range source.All(ctx, src) {
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s holds no grids", spec.Path)
	}
	return out, nil
}

// normalsScaler rescales source steps to the normals period containing
// them. A period's source total is built on first use by reading all of its
// steps, and dropped once every pending step of the period is scaled. Steps
// outside every period pass through.
type normalsScaler struct {
	normals  domain.GridSeries
	times    []domain.TimeDescriptor
	// periodOf maps a source step to its normals period.
	periodOf map[int]int

	mu      sync.Mutex
	periods map[int]*normalsPeriod
}

type normalsPeriod struct {
	once sync.Once
	n    *temporal.Normals
	err  error
	left int
}

func newNormalsScaler(normals domain.GridSeries, times []domain.TimeDescriptor, pending []int) *normalsScaler {
	s := &normalsScaler{
		normals:  normals,
		times:    times,
		periodOf: make(map[int]int),
		periods:  make(map[int]*normalsPeriod),
	}
	for i, td := range times {
		for p, n := range normals {
			if !td.Start.Before(n.Time.Start) && !td.End.After(n.Time.End) {
				s.periodOf[i] = p
				break
			}
		}
	}
	for _, i := range pending {
		if p, ok := s.periodOf[i]; ok {
			if s.periods[p] == nil {
				s.periods[p] = &normalsPeriod{}
			}
			s.periods[p].left++
		}
	}
	return s
}

// scale rescales g, the grid of source step idx. read loads other steps of
// the same period.
func (s *normalsScaler) scale(ctx context.Context, idx int, g domain.Grid,
	read func(context.Context, int) (domain.Grid, error),
) (domain.Grid, error) {
	p, ok := s.periodOf[idx]
	if !ok {
		return g, nil
	}
	s.mu.Lock()
	per := s.periods[p]
	s.mu.Unlock()
	if per == nil {
		return g, nil
	}

	per.once.Do(func() {
		per.n, per.err = s.total(ctx, p, idx, g, read)
	})
	if per.err != nil {
		return domain.Grid{}, fmt.Errorf("scale to normals: %w", per.err)
	}
	return per.n.Scale(g)
}

func (s *normalsScaler) total(ctx context.Context, p, idx int, g domain.Grid,
	read func(context.Context, int) (domain.Grid, error),
) (*temporal.Normals, error) {
	n, err := temporal.NewNormals(domain.GridSeries{s.normals[p]})
	if err != nil {
		return nil, err
	}
	for i := range s.times {
		if q, ok := s.periodOf[i]; !ok || q != p {
			continue
		}
		member := g
		if i != idx {
			if member, err = read(ctx, i); err != nil {
				return nil, fmt.Errorf("read period step %d: %w", i, err)
			}
		}
		if err := n.Add(member); err != nil {
			return nil, fmt.Errorf("period step %d: %w", i, err)
		}
	}
	return n, nil
}

// done marks source step idx as finished, successful or not.
func (s *normalsScaler) done(idx int) {
	p, ok := s.periodOf[idx]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	per := s.periods[p]
	if per == nil {
		return
	}
	if per.left--; per.left <= 0 {
		delete(s.periods, p)
	}
}
