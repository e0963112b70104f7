// Package source opens gridded meteorological data sets and exposes them as
// time-ordered sequences of grids.
//
// Formats register an opener and a content sniffer with a process-wide
// registry. Callers bracket their use of the registry with [Acquire] and
// [Release]; the first Acquire registers the built-in formats and the last
// Release tears them down.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// Source is a readable gridded data set. Times is sorted by start time and
// ReadAt(i) returns the grid for Times()[i].
type Source interface {
	Times(ctx context.Context) ([]domain.TimeDescriptor, error)
	ReadAt(ctx context.Context, i int) (domain.Grid, error)
	Close() error
}

// Options tune how a source is interpreted.
type Options struct {
	// Variable selects a NetCDF variable or a container path prefix, and
	// labels grids whose file does not name their variable.
	Variable string
	// Unit labels grids whose file does not declare one.
	Unit string
	// CRS is used when the file declares no coordinate system.
	CRS string
	// StepLength turns a single time stamp in a file name into the period
	// ending at that stamp.
	StepLength time.Duration

	HTTPClient    *http.Client
	RemoteTimeout time.Duration
	Logger        *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

// Opener opens path as a Source of one format.
type Opener func(ctx context.Context, path string, opts Options) (Source, error)

// Sniffer reports whether a file looks like one format. head holds up to the
// first 512 bytes.
type Sniffer func(path string, head []byte) bool

type format struct {
	name  string
	sniff Sniffer
	open  Opener
}

type registry struct {
	mu      sync.Mutex
	refs    int
	formats map[string]format
	order   []string
}

var reg registry

var errNotAcquired = errors.New("source registry not acquired")

// Acquire initializes the registry on first use and increments its
// reference count. Safe for concurrent use.
func Acquire() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.refs == 0 {
		reg.formats = make(map[string]format)
		reg.order = nil
		registerBuiltins()
	}
	reg.refs++
}

// Release drops one reference; the last one clears every registered format.
func Release() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.refs == 0 {
		return
	}
	reg.refs--
	if reg.refs == 0 {
		reg.formats = nil
		reg.order = nil
	}
}

// Register adds a format. The registry must be acquired. Formats are sniffed
// in registration order.
func Register(name string, sniff Sniffer, open Opener) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.refs == 0 {
		return errNotAcquired
	}
	return registerLocked(name, sniff, open)
}

func registerLocked(name string, sniff Sniffer, open Opener) error {
	if _, dup := reg.formats[name]; dup {
		return fmt.Errorf("format %q already registered", name)
	}
	reg.formats[name] = format{name: name, sniff: sniff, open: open}
	reg.order = append(reg.order, name)
	return nil
}

func registerBuiltins() {
	for _, f := range []format{
		{"netcdf", sniffNetCDF, openNetCDF},
		{"gridstore", sniffGridStore, openGridStore},
		{"zip", sniffZip, openZip},
		{"asc", sniffASCII, openASCII},
		{"bil", sniffBIL, openBIL},
	} {
		_ = registerLocked(f.name, f.sniff, f.open)
	}
}

// Formats lists the registered format identifiers in sniffing order.
func Formats() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]string(nil), reg.order...)
}

var hintAliases = map[string]string{
	"ascii":     "asc",
	"esri":      "asc",
	"asc.zip":   "zip",
	"bil.zip":   "zip",
	"nc":        "netcdf",
	"cdf":       "netcdf",
	"grd":       "gridstore",
	"store":     "gridstore",
	"container": "gridstore",
}

// NormalizeHint maps a user-supplied format name to a registered identifier.
func NormalizeHint(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	if a, ok := hintAliases[h]; ok {
		return a
	}
	return h
}

func lookup(name string) (format, bool, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.refs == 0 {
		return format{}, false, errNotAcquired
	}
	f, ok := reg.formats[name]
	return f, ok, nil
}

func snapshot() ([]format, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.refs == 0 {
		return nil, errNotAcquired
	}
	out := make([]format, 0, len(reg.order))
	for _, n := range reg.order {
		out = append(out, reg.formats[n])
	}
	return out, nil
}

// Open opens path with the format named by hint, or by sniffing the content
// when hint is empty. Remote http(s) URLs are downloaded first; glob patterns
// open every matching file as one time-ordered source.
func Open(ctx context.Context, path, hint string, opts Options) (Source, error) {
	if isRemote(path) {
		return openRemote(ctx, path, hint, opts)
	}
	if isGlob(path) {
		return openMulti(ctx, path, hint, opts)
	}
	f, err := resolve(path, hint)
	if err != nil {
		return nil, err
	}
	return f.open(ctx, path, opts)
}

func resolve(path, hint string) (format, error) {
	if hint != "" {
		f, ok, err := lookup(NormalizeHint(hint))
		if err != nil {
			return format{}, err
		}
		if !ok {
			return format{}, &domain.UnsupportedFormatError{Path: path, Hint: hint}
		}
		return f, nil
	}

	formats, err := snapshot()
	if err != nil {
		return format{}, err
	}
	file, _ := splitFragment(path)
	head, err := readHead(file)
	if err != nil {
		return format{}, err
	}
	for _, f := range formats {
		if f.sniff(file, head) {
			return f, nil
		}
	}
	return format{}, &domain.UnsupportedFormatError{Path: path}
}

func readHead(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read source header: %w", err)
	}
	return head[:n], nil
}

// splitFragment separates "file#fragment" when the part before # exists on disk.
func splitFragment(path string) (file, fragment string) {
	i := strings.LastIndexByte(path, '#')
	if i <= 0 {
		return path, ""
	}
	if _, err := os.Stat(path[:i]); err != nil {
		return path, ""
	}
	return path[:i], path[i+1:]
}

func isGlob(path string) bool { return strings.ContainsAny(path, "*?[") }

// All yields every grid of src in time order. Iteration stops after the
// first error or when ctx is done.
func All(ctx context.Context, src Source) iter.Seq2[domain.Grid, error] {
	return func(yield func(domain.Grid, error) bool) {
		times, err := src.Times(ctx)
		if err != nil {
			yield(domain.Grid{}, err)
			return
		}
		for i := range times {
			if err := ctx.Err(); err != nil {
				yield(domain.Grid{}, err)
				return
			}
			g, err := src.ReadAt(ctx, i)
			if !yield(g, err) || err != nil {
				return
			}
		}
	}
}

// member is one time step of a source backed by per-step files or archive
// entries. read loads the grid on demand.
type member struct {
	name string
	time domain.TimeDescriptor
	read func(ctx context.Context) (domain.Grid, error)
}

// memberSource serves sorted members. It backs single files, archives and
// multi-file patterns.
type memberSource struct {
	path    string
	members []member
	closer  func() error
}

func newMemberSource(path string, members []member, closer func() error) *memberSource {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i].time, members[j].time
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return members[i].name < members[j].name
	})
	return &memberSource{path: path, members: members, closer: closer}
}

func (s *memberSource) Times(_ context.Context) ([]domain.TimeDescriptor, error) {
	out := make([]domain.TimeDescriptor, len(s.members))
	for i, m := range s.members {
		out[i] = m.time
	}
	return out, nil
}

func (s *memberSource) ReadAt(ctx context.Context, i int) (domain.Grid, error) {
	if i < 0 || i >= len(s.members) {
		return domain.Grid{}, fmt.Errorf("read %s: step %d out of range [0,%d)", s.path, i, len(s.members))
	}
	if err := ctx.Err(); err != nil {
		return domain.Grid{}, &domain.TimeoutError{Op: "read", Path: s.path, Err: err}
	}
	m := s.members[i]
	g, err := m.read(ctx)
	if err != nil {
		return domain.Grid{}, err
	}
	g.Time = m.time
	return g, nil
}

func (s *memberSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// finish applies option fallbacks and name-derived metadata to a decoded grid.
func finish(g domain.Grid, info nameInfo, opts Options) domain.Grid {
	if g.Variable == "" {
		g.Variable = info.Variable
	}
	if g.Variable == "" {
		g.Variable = opts.Variable
	}
	if g.Unit == "" {
		g.Unit = info.Unit
	}
	if g.Unit == "" {
		g.Unit = opts.Unit
	}
	if g.CRS == "" {
		g.CRS = info.CRS
	}
	if g.CRS == "" {
		g.CRS = opts.CRS
	}
	if g.CRS == "" {
		g.CRS = "EPSG:4326"
	}
	return g
}

// Limits on header-declared extents, checked before anything is allocated.
const (
	maxGridCells = 1 << 28
	maxBands     = 1 << 10
	maxSkipBytes = 1 << 32
)

// dimension converts a header count to int. Values that are not whole
// numbers in (0, maxGridCells] map to -1 so validation rejects them.
func dimension(v float64) int {
	if v < 1 || v > maxGridCells || v != math.Trunc(v) {
		return -1
	}
	return int(v)
}

// checkDims rejects grids whose declared cell count is non-positive or too
// large to allocate.
func checkDims(path string, rows, cols int) error {
	if rows <= 0 || cols <= 0 || rows > maxGridCells/cols {
		return &domain.CorruptSourceError{Path: path, Reason: fmt.Sprintf("invalid dimensions %dx%d", rows, cols)}
	}
	return nil
}
