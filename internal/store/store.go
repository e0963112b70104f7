// Package store is a single-file, log-structured container for time series
// and grid series addressed by hierarchical paths such as
// /BASIN/ZONE/PRECIPITATION/01JAN2024:0000/6HOUR/RUN1/.
//
// Writes append a payload block and then an index block; the in-memory index
// is swapped only after both are on disk. A crash mid-write leaves a torn tail
// that Open truncates, so the previous version of every record survives.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
	"github.com/couchcryptid/grid-met-etl/internal/observability"
)

// Options configures a Store.
type Options struct {
	// Sync fsyncs after every payload and index block.
	Sync    bool
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Entry describes one live record.
type Entry struct {
	Path    string
	Kind    Kind
	Version time.Time
	Count   int
	Size    int64
}

// Store is a handle on an open container file. It is safe for concurrent use.
type Store struct {
	path string
	opts Options

	// compact is held exclusively while the file is rewritten.
	compact sync.RWMutex

	mu    sync.Mutex // guards f, size and index
	f     *os.File
	size  int64
	index map[string]indexEntry

	locks *pathLocks
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// Open opens or creates the container at path. Uncommitted bytes after the
// last index or tombstone block are truncated.
func Open(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Store{path: path, opts: opts, f: f, locks: newPathLocks(), enc: enc, dec: dec}
	if err := s.load(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("stat container: %w", err)
	}

	if info.Size() == 0 {
		if _, err := s.f.WriteAt([]byte(magic), 0); err != nil {
			return fmt.Errorf("write container header: %w", err)
		}
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("sync container header: %w", err)
		}
		s.size = int64(len(magic))
		s.index = make(map[string]indexEntry)
		return nil
	}

	index, committed, err := readIndex(s.f, info.Size())
	if err != nil {
		return fmt.Errorf("load %s: %w", s.path, err)
	}

	if committed < info.Size() {
		s.opts.Logger.Warn("truncating uncommitted container tail",
			"path", s.path, "committed", committed, "size", info.Size())
		if err := s.f.Truncate(committed); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("sync after truncate: %w", err)
		}
	}
	s.size = committed
	s.index = index
	return nil
}

// readIndex replays index and tombstone blocks and returns the live index and
// the offset just past the last committed block.
func readIndex(f *os.File, size int64) (map[string]indexEntry, int64, error) {
	index := make(map[string]indexEntry)
	payloads := make(map[int64]uint32)
	committed := int64(len(magic))

	_, err := scanBlocks(f, size, func(b block) error {
		switch b.kind {
		case blockPayload:
			payloads[b.offset] = b.length
		case blockIndex:
			ie, err := decodeIndex(b.body)
			if err != nil {
				return fmt.Errorf("index block at %d: %w", b.offset, err)
			}
			if n, ok := payloads[ie.offset]; !ok || n != ie.length {
				return fmt.Errorf("index block at %d references missing payload %d", b.offset, ie.offset)
			}
			index[ie.path] = ie
			committed = b.end()
		case blockTombstone:
			p, _, err := decodeTombstone(b.body)
			if err != nil {
				return fmt.Errorf("tombstone block at %d: %w", b.offset, err)
			}
			delete(index, p)
			committed = b.end()
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return index, committed, nil
}

// Close releases the file handle.
func (s *Store) Close() error {
	s.compact.Lock()
	defer s.compact.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Path returns the container file path.
func (s *Store) Path() string { return s.path }

// Write stores rec at path, merging with an existing record of the same kind
// by timestamp (incoming values win on equal timestamps). A zero version is
// stamped with the current time. A version older than the stored one fails
// with StoreWriteConflictError.
func (s *Store) Write(ctx context.Context, path string, rec Record) error {
	start := time.Now()
	path, err := CleanPath(path)
	if err != nil {
		return err
	}
	if rec.Version.IsZero() {
		rec.Version = domain.Now()
	}
	if err := validateRecord(rec); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	release, err := s.locks.acquire(ctx, "write", path, true)
	if err != nil {
		return err
	}
	defer release()

	s.compact.RLock()
	defer s.compact.RUnlock()

	if err := ctx.Err(); err != nil {
		return &domain.TimeoutError{Op: "write", Path: path, Err: err}
	}

	if existing, ok := s.lookup(path); ok {
		if existing.version.After(rec.Version) {
			if s.opts.Metrics != nil {
				s.opts.Metrics.StoreConflicts.Inc()
			}
			return &domain.StoreWriteConflictError{Path: path, Stored: existing.version, Attempt: rec.Version}
		}
		old, err := s.readEntry(existing)
		if err != nil {
			return fmt.Errorf("read %s for merge: %w", path, err)
		}
		rec, err = merge(old, rec)
		if err != nil {
			return fmt.Errorf("merge %s: %w", path, err)
		}
	}

	body := s.enc.EncodeAll(encodeRecord(rec), nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("write to closed container")
	}

	offset, err := s.appendBlock(blockPayload, body)
	if err != nil {
		return fmt.Errorf("append payload %s: %w", path, err)
	}
	ie := indexEntry{
		kind:    rec.Kind,
		path:    path,
		offset:  offset,
		length:  uint32(len(body)),
		version: rec.Version,
		count:   uint32(rec.Len()),
	}
	ib := encodeIndex(ie)
	if _, err := s.appendBlock(blockIndex, ib); err != nil {
		return fmt.Errorf("append index %s: %w", path, err)
	}
	s.index[path] = ie

	if s.opts.Metrics != nil {
		s.opts.Metrics.StoreBytesWritten.Add(float64(2*blockHeaderSize + len(body) + len(ib)))
		s.opts.Metrics.StoreWriteDuration.Observe(time.Since(start).Seconds())
	}
	s.opts.Logger.Debug("record written", "path", path, "kind", rec.Kind.String(), "count", ie.count, "bytes", len(body))
	return nil
}

// appendBlock writes one block at the end of the file. Callers hold s.mu.
func (s *Store) appendBlock(kind byte, body []byte) (int64, error) {
	if int64(len(body)) > maxBlockSize {
		return 0, fmt.Errorf("%w: %d bytes, limit %d", ErrBlockTooLarge, len(body), maxBlockSize)
	}
	offset := s.size
	buf := append(encodeBlockHeader(kind, body), body...)
	if _, err := s.f.WriteAt(buf, offset); err != nil {
		// Drop a partial write so the next append starts on a block boundary.
		_ = s.f.Truncate(offset)
		return 0, err
	}
	if s.opts.Sync {
		if err := s.f.Sync(); err != nil {
			_ = s.f.Truncate(offset)
			return 0, err
		}
	}
	s.size = offset + int64(len(buf))
	return offset, nil
}

func (s *Store) lookup(path string) (indexEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.index[path]
	return ie, ok
}

func (s *Store) readEntry(ie indexEntry) (Record, error) {
	s.mu.Lock()
	f := s.f
	s.mu.Unlock()
	if f == nil {
		return Record{}, errors.New("read from closed container")
	}

	body, err := readBody(f, ie.offset, ie.length)
	if err != nil {
		return Record{}, err
	}
	raw, err := s.dec.DecodeAll(body, nil)
	if err != nil {
		return Record{}, fmt.Errorf("decompress record: %w", err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return Record{}, err
	}
	rec.Version = ie.version
	return rec, nil
}

// Read returns the record at path restricted to [from, to). Zero bounds are
// open. Grid steps are kept when their time descriptor overlaps the window.
func (s *Store) Read(ctx context.Context, path string, from, to time.Time) (Record, error) {
	path, err := CleanPath(path)
	if err != nil {
		return Record{}, err
	}

	release, err := s.locks.acquire(ctx, "read", path, false)
	if err != nil {
		return Record{}, err
	}
	defer release()

	s.compact.RLock()
	defer s.compact.RUnlock()

	ie, ok := s.lookup(path)
	if !ok {
		return Record{}, &domain.RecordNotFoundError{Path: path}
	}
	rec, err := s.readEntry(ie)
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", path, err)
	}
	return window(rec, from, to), nil
}

var farFuture = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

func window(rec Record, from, to time.Time) Record {
	if from.IsZero() && to.IsZero() {
		return rec
	}
	switch rec.Kind {
	case KindSeries:
		rec.Series = rec.Series.Window(from, to)
	case KindGrids:
		lo, hi := from, to
		if hi.IsZero() {
			hi = farFuture
		}
		var out domain.GridSeries
		for _, g := range rec.Grids {
			if g.Time.Overlaps(lo, hi) {
				out = append(out, g)
			}
		}
		rec.Grids = out
	}
	return rec
}

// Delete removes the record at path.
func (s *Store) Delete(ctx context.Context, path string) error {
	path, err := CleanPath(path)
	if err != nil {
		return err
	}

	release, err := s.locks.acquire(ctx, "delete", path, true)
	if err != nil {
		return err
	}
	defer release()

	s.compact.RLock()
	defer s.compact.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[path]; !ok {
		return &domain.RecordNotFoundError{Path: path}
	}
	if _, err := s.appendBlock(blockTombstone, encodeTombstone(path, domain.Now())); err != nil {
		return fmt.Errorf("append tombstone %s: %w", path, err)
	}
	delete(s.index, path)
	return nil
}

// Catalog lists live records whose path starts with prefix, sorted by path.
func (s *Store) Catalog(prefix string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for p, ie := range s.index {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		out = append(out, Entry{
			Path:    p,
			Kind:    ie.kind,
			Version: ie.version,
			Count:   int(ie.count),
			Size:    int64(ie.length),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func validateRecord(rec Record) error {
	switch rec.Kind {
	case KindSeries:
		return rec.Series.Validate()
	case KindGrids:
		for i, g := range rec.Grids {
			if err := g.Validate(); err != nil {
				return fmt.Errorf("grid %d: %w", i, err)
			}
			if i > 0 && !g.Time.Start.After(rec.Grids[i-1].Time.Start) {
				return fmt.Errorf("grid %d at %s is not after %s", i, g.Time, rec.Grids[i-1].Time)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown record kind %d", rec.Kind)
	}
}
