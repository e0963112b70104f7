package source

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
	"github.com/couchcryptid/grid-met-etl/internal/store"
)

func sniffGridStore(_ string, head []byte) bool { return store.IsContainer(head) }

// openGridStore serves the grid records of a container. The record prefix
// comes from a "#/PATH/" fragment or opts.Variable; without one every grid
// record is read.
func openGridStore(ctx context.Context, path string, opts Options) (Source, error) {
	file, prefix := splitFragment(path)
	if prefix == "" {
		prefix = opts.Variable
	}

	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	st, err := store.Open(file, store.Options{Logger: opts.logger()})
	if err != nil {
		return nil, &domain.CorruptSourceError{Path: file, Reason: "open container", Err: err}
	}

	cache := &recordCache{st: st}
	var members []member
	for _, e := range st.Catalog(prefix) {
		if e.Kind != store.KindGrids {
			continue
		}
		rec, err := st.Read(ctx, e.Path, time.Time{}, time.Time{})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("read %s: %w", e.Path, err)
		}
		for i, g := range rec.Grids {
			recPath, idx := e.Path, i
			members = append(members, member{
				name: fmt.Sprintf("%s[%04d]", recPath, idx),
				time: g.Time,
				read: func(ctx context.Context) (domain.Grid, error) {
					return cache.grid(ctx, recPath, idx)
				},
			})
		}
	}
	if len(members) == 0 {
		st.Close()
		return nil, &domain.RecordNotFoundError{Path: file + "#" + prefix}
	}
	return newMemberSource(path, members, st.Close), nil
}

// recordCache keeps the last decoded record so consecutive steps of one
// record decode it once.
type recordCache struct {
	st   *store.Store
	mu   sync.Mutex
	path string
	rec  store.Record
}

func (c *recordCache) grid(ctx context.Context, path string, i int) (domain.Grid, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path != path {
		rec, err := c.st.Read(ctx, path, time.Time{}, time.Time{})
		if err != nil {
			return domain.Grid{}, err
		}
		c.path, c.rec = path, rec
	}
	if i >= len(c.rec.Grids) {
		return domain.Grid{}, &domain.CorruptSourceError{Path: path, Reason: fmt.Sprintf("record has %d grids, want step %d", len(c.rec.Grids), i)}
	}
	return c.rec.Grids[i].Clone(), nil
}
