package store

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// maxReaders is the weight of a path lock. Readers take one unit, writers take
// all of them.
const maxReaders = 64

// pathLocks hands out one reader/writer semaphore per record path.
type pathLocks struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newPathLocks() *pathLocks {
	return &pathLocks{sems: make(map[string]*semaphore.Weighted)}
}

func (l *pathLocks) get(path string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[path]
	if !ok {
		s = semaphore.NewWeighted(maxReaders)
		l.sems[path] = s
	}
	return s
}

// acquire blocks until the path is available for reading or writing. A
// cancelled or expired context surfaces as a TimeoutError.
func (l *pathLocks) acquire(ctx context.Context, op, path string, write bool) (func(), error) {
	var n int64 = 1
	if write {
		n = maxReaders
	}
	s := l.get(path)
	if err := s.Acquire(ctx, n); err != nil {
		return nil, &domain.TimeoutError{Op: op, Path: path, Err: err}
	}
	return func() { s.Release(n) }, nil
}
