package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// CompactStats reports the effect of a compaction.
type CompactStats struct {
	Records     int
	BytesBefore int64
	BytesAfter  int64
}

// Compact rewrites every live record into a fresh file and atomically renames
// it over the container. Readers and writers block for the duration.
func (s *Store) Compact(ctx context.Context) (CompactStats, error) {
	s.compact.Lock()
	defer s.compact.Unlock()

	if err := ctx.Err(); err != nil {
		return CompactStats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return CompactStats{}, errors.New("compact closed container")
	}

	stats := CompactStats{Records: len(s.index), BytesBefore: s.size}

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return stats, fmt.Errorf("create compaction file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	paths := make([]string, 0, len(s.index))
	for p := range s.index {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	off := int64(0)
	write := func(b []byte) error {
		if _, err := tmp.WriteAt(b, off); err != nil {
			return err
		}
		off += int64(len(b))
		return nil
	}

	if err := write([]byte(magic)); err != nil {
		cleanup()
		return stats, fmt.Errorf("write compaction header: %w", err)
	}

	newIndex := make(map[string]indexEntry, len(s.index))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			cleanup()
			return stats, err
		}
		ie := s.index[p]
		body, err := readBody(s.f, ie.offset, ie.length)
		if err != nil {
			cleanup()
			return stats, fmt.Errorf("copy %s: %w", p, err)
		}
		ne := ie
		ne.offset = off
		if err := write(append(encodeBlockHeader(blockPayload, body), body...)); err != nil {
			cleanup()
			return stats, fmt.Errorf("copy %s: %w", p, err)
		}
		ib := encodeIndex(ne)
		if err := write(append(encodeBlockHeader(blockIndex, ib), ib...)); err != nil {
			cleanup()
			return stats, fmt.Errorf("index %s: %w", p, err)
		}
		newIndex[p] = ne
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return stats, fmt.Errorf("sync compaction file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return stats, fmt.Errorf("replace container: %w", err)
	}
	syncDir(filepath.Dir(s.path))

	s.f.Close()
	s.f = tmp
	s.size = off
	s.index = newIndex
	stats.BytesAfter = off

	s.opts.Logger.Info("container compacted",
		"path", s.path, "records", stats.Records, "bytes_before", stats.BytesBefore, "bytes_after", stats.BytesAfter)
	return stats, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

// Report is the result of verifying a container file.
type Report struct {
	Blocks     int
	Payloads   int
	Indexes    int
	Tombstones int
	Live       int
	// Orphans counts payload blocks never committed by an index block.
	Orphans int
	// TailBytes counts uncommitted bytes after the last committed block.
	TailBytes int64
	Problems  []string
}

// OK reports whether the container has no problems. An uncommitted tail is
// not a problem; Open truncates it.
func (r Report) OK() bool { return len(r.Problems) == 0 }

// Verify checks a container without modifying it: every block checksum up to
// the committed end, and every live record decodes.
func Verify(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("open container: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Report{}, fmt.Errorf("stat container: %w", err)
	}

	var rep Report
	committed := int64(len(magic))
	referenced := make(map[int64]bool)
	_, err = scanBlocks(f, info.Size(), func(b block) error {
		rep.Blocks++
		switch b.kind {
		case blockPayload:
			rep.Payloads++
			if _, ok := referenced[b.offset]; !ok {
				referenced[b.offset] = false
			}
		case blockIndex:
			rep.Indexes++
			committed = b.end()
			if ie, err := decodeIndex(b.body); err == nil {
				referenced[ie.offset] = true
			}
		case blockTombstone:
			rep.Tombstones++
			committed = b.end()
		}
		return nil
	})
	if errors.Is(err, ErrChecksum) {
		rep.Problems = append(rep.Problems, err.Error())
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	rep.TailBytes = info.Size() - committed
	for _, used := range referenced {
		if !used {
			rep.Orphans++
		}
	}

	index, _, err := readIndex(f, info.Size())
	if err != nil {
		rep.Problems = append(rep.Problems, err.Error())
		return rep, nil
	}
	rep.Live = len(index)

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return rep, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	paths := make([]string, 0, len(index))
	for p := range index {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		ie := index[p]
		body, err := readBody(f, ie.offset, ie.length)
		if err != nil {
			rep.Problems = append(rep.Problems, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		raw, err := dec.DecodeAll(body, nil)
		if err != nil {
			rep.Problems = append(rep.Problems, fmt.Sprintf("%s: decompress: %v", p, err))
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			rep.Problems = append(rep.Problems, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		if rec.Kind != ie.kind || rec.Len() != int(ie.count) {
			rep.Problems = append(rep.Problems,
				fmt.Sprintf("%s: index says %s x%d, payload holds %s x%d", p, ie.kind, ie.count, rec.Kind, rec.Len()))
		}
	}
	return rep, nil
}
