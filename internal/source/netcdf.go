package source

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ctessum/cdf"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

const netcdfNoData = -9999

func sniffNetCDF(_ string, head []byte) bool {
	return bytes.HasPrefix(head, []byte("CDF\x01")) || bytes.HasPrefix(head, []byte("CDF\x02"))
}

// netcdfSource reads one (time, y, x) variable slab by slab.
type netcdfSource struct {
	path     string
	file     *os.File
	mu       sync.Mutex
	nc       *cdf.File
	variable string
	lengths  []int
	times    []domain.TimeDescriptor
	base     domain.Grid
	flipX    bool
	flipY    bool
	fill     []float64
	scale    float64
	offset   float64
}

func openNetCDF(_ context.Context, path string, opts Options) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open netcdf: %w", err)
	}
	s, err := newNetCDFSource(path, f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func newNetCDFSource(path string, f *os.File, opts Options) (*netcdfSource, error) {
	nc, err := cdf.Open(f)
	if err != nil {
		return nil, &domain.CorruptSourceError{Path: path, Reason: "read netcdf header", Err: err}
	}
	h := nc.Header

	v, err := pickVariable(h, opts.Variable)
	if err != nil {
		return nil, &domain.CorruptSourceError{Path: path, Reason: err.Error()}
	}
	dims := h.Dimensions(v)
	lengths := append([]int(nil), h.Lengths(v)...)
	if len(lengths) > 0 && lengths[0] == 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat netcdf: %w", err)
		}
		lengths[0] = int(h.NumRecs(info.Size()))
	}
	n := len(dims)
	for i := 1; i < n-2; i++ {
		if lengths[i] != 1 {
			return nil, &domain.CorruptSourceError{
				Path:   path,
				Reason: fmt.Sprintf("variable %s: dimension %s has length %d, only singleton levels are supported", v, dims[i], lengths[i]),
			}
		}
	}

	s := &netcdfSource{
		path:     path,
		file:     f,
		nc:       nc,
		variable: v,
		lengths:  lengths,
		scale:    1,
	}

	xs, err := readCoordinate(nc, dims[n-1], lengths[n-1])
	if err != nil {
		return nil, &domain.CorruptSourceError{Path: path, Reason: "x coordinate", Err: err}
	}
	ys, err := readCoordinate(nc, dims[n-2], lengths[n-2])
	if err != nil {
		return nil, &domain.CorruptSourceError{Path: path, Reason: "y coordinate", Err: err}
	}
	dx, err := spacing(xs)
	if err != nil {
		return nil, &domain.CorruptSourceError{Path: path, Reason: "x coordinate " + dims[n-1], Err: err}
	}
	dy, err := spacing(ys)
	if err != nil {
		return nil, &domain.CorruptSourceError{Path: path, Reason: "y coordinate " + dims[n-2], Err: err}
	}
	s.flipX = len(xs) > 1 && xs[1] < xs[0]
	s.flipY = len(ys) > 1 && ys[1] > ys[0]

	name := describe(path, opts.StepLength)
	s.base = domain.Grid{
		OriginX:  minOf(xs) - dx/2,
		OriginY:  maxOf(ys) + dy/2,
		DX:       dx,
		DY:       dy,
		Rows:     len(ys),
		Cols:     len(xs),
		NoData:   netcdfNoData,
		Unit:     attrString(h, v, "units"),
		Variable: v,
		CRS:      netcdfCRS(h, v, dims[n-1], dims[n-2]),
	}
	s.base = finish(s.base, name, opts)

	for _, a := range []string{"_FillValue", "missing_value"} {
		s.fill = append(s.fill, attrFloats(h, v, a)...)
	}
	if sf, ok := attrFloat(h, v, "scale_factor"); ok {
		s.scale = sf
	}
	if ao, ok := attrFloat(h, v, "add_offset"); ok {
		s.offset = ao
	}

	if n == 2 {
		s.times = []domain.TimeDescriptor{name.Time}
		return s, nil
	}
	s.times, err = readTimes(nc, dims[0], lengths[0], opts.StepLength)
	if err != nil {
		return nil, &domain.CorruptSourceError{Path: path, Reason: "time coordinate " + dims[0], Err: err}
	}
	return s, nil
}

func (s *netcdfSource) Times(_ context.Context) ([]domain.TimeDescriptor, error) {
	return append([]domain.TimeDescriptor(nil), s.times...), nil
}

func (s *netcdfSource) ReadAt(ctx context.Context, i int) (domain.Grid, error) {
	if i < 0 || i >= len(s.times) {
		return domain.Grid{}, fmt.Errorf("read %s: step %d out of range [0,%d)", s.path, i, len(s.times))
	}
	if err := ctx.Err(); err != nil {
		return domain.Grid{}, &domain.TimeoutError{Op: "read", Path: s.path, Err: err}
	}

	n := len(s.lengths)
	begin := make([]int, n)
	end := make([]int, n)
	for d := range s.lengths {
		end[d] = s.lengths[d]
	}
	if n > 2 {
		begin[0], end[0] = i, i+1
	}

	s.mu.Lock()
	raw, err := readFloats(s.nc, s.variable, begin, end)
	s.mu.Unlock()
	if err != nil {
		return domain.Grid{}, &domain.CorruptSourceError{Path: s.path, Reason: fmt.Sprintf("read %s step %d", s.variable, i), Err: err}
	}
	g := s.base
	if len(raw) != g.Rows*g.Cols {
		return domain.Grid{}, &domain.CorruptSourceError{
			Path:   s.path,
			Reason: fmt.Sprintf("slab has %d values for %dx%d cells", len(raw), g.Rows, g.Cols),
		}
	}

	g.Data = make([]float64, len(raw))
	for r := 0; r < g.Rows; r++ {
		sr := r
		if s.flipY {
			sr = g.Rows - 1 - r
		}
		for c := 0; c < g.Cols; c++ {
			sc := c
			if s.flipX {
				sc = g.Cols - 1 - c
			}
			g.Data[r*g.Cols+c] = s.value(raw[sr*g.Cols+sc])
		}
	}
	g.Time = s.times[i]
	return g, nil
}

func (s *netcdfSource) value(v float64) float64 {
	if math.IsNaN(v) {
		return netcdfNoData
	}
	for _, f := range s.fill {
		if v == f {
			return netcdfNoData
		}
	}
	return v*s.scale + s.offset
}

func (s *netcdfSource) Close() error { return s.file.Close() }

var coordinateNames = map[string]bool{
	"x": true, "y": true, "lon": true, "lat": true, "longitude": true, "latitude": true,
	"time": true, "crs": true, "spatial_ref": true, "projection": true,
}

// pickVariable returns want, or when want is empty the first data variable
// with at least two dimensions.
func pickVariable(h *cdf.Header, want string) (string, error) {
	vars := h.Variables()
	if want != "" {
		for _, v := range vars {
			if v == want {
				if len(h.Dimensions(v)) < 2 {
					return "", fmt.Errorf("variable %s is not gridded", v)
				}
				return v, nil
			}
		}
		return "", fmt.Errorf("variable %s not found", want)
	}
	for _, v := range vars {
		lv := strings.ToLower(v)
		if coordinateNames[lv] || strings.HasSuffix(lv, "_bnds") || strings.HasSuffix(lv, "_bounds") {
			continue
		}
		if len(h.Dimensions(v)) >= 2 {
			return v, nil
		}
	}
	return "", fmt.Errorf("no gridded variable")
}

func readCoordinate(nc *cdf.File, dim string, length int) ([]float64, error) {
	for _, v := range nc.Header.Variables() {
		if v == dim {
			vals, err := readFloats(nc, v, []int{0}, []int{length})
			if err != nil {
				return nil, err
			}
			if len(vals) != length {
				return nil, fmt.Errorf("%s has %d values, dimension has %d", v, len(vals), length)
			}
			return vals, nil
		}
	}
	return nil, fmt.Errorf("no coordinate variable for dimension %s", dim)
}

// spacing returns the uniform step of coordinate values.
func spacing(vals []float64) (float64, error) {
	if len(vals) == 0 {
		return 0, fmt.Errorf("empty coordinate")
	}
	if len(vals) < 2 {
		return 1, nil
	}
	d := math.Abs(vals[1] - vals[0])
	if d == 0 {
		return 0, fmt.Errorf("repeated coordinate value %g", vals[0])
	}
	for i := 2; i < len(vals); i++ {
		if math.Abs(math.Abs(vals[i]-vals[i-1])-d) > d*1e-3 {
			return 0, fmt.Errorf("irregular spacing at index %d", i)
		}
	}
	return d, nil
}

func readTimes(nc *cdf.File, dim string, length int, stepLength time.Duration) ([]domain.TimeDescriptor, error) {
	vals, err := readCoordinate(nc, dim, length)
	if err != nil {
		return nil, err
	}
	unit, epoch, err := parseCFTime(attrString(nc.Header, dim, "units"))
	if err != nil {
		return nil, err
	}
	at := func(v float64) time.Time {
		return epoch.Add(time.Duration(math.Round(v * float64(unit))))
	}

	out := make([]domain.TimeDescriptor, len(vals))
	if bnds := attrString(nc.Header, dim, "bounds"); bnds != "" {
		b, err := readFloats(nc, bnds, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", bnds, err)
		}
		if len(b) != 2*len(vals) {
			return nil, fmt.Errorf("%s has %d values for %d steps", bnds, len(b), len(vals))
		}
		for i := range vals {
			out[i] = domain.Period(at(b[2*i]), at(b[2*i+1]))
		}
		return out, nil
	}
	for i, v := range vals {
		out[i] = stamp(at(v), stepLength)
	}
	return out, nil
}

var cfLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04",
	"2006-1-2 15:4:5",
	"2006-1-2",
	"2006-01-02",
}

// parseCFTime parses CF time units such as "hours since 1970-01-01 00:00:00".
func parseCFTime(units string) (time.Duration, time.Time, error) {
	unit, ref, ok := strings.Cut(strings.TrimSpace(units), " since ")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("time units %q are not \"<unit> since <date>\"", units)
	}
	var d time.Duration
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "seconds", "second", "secs", "sec", "s":
		d = time.Second
	case "minutes", "minute", "mins", "min":
		d = time.Minute
	case "hours", "hour", "hrs", "hr", "h":
		d = time.Hour
	case "days", "day", "d":
		d = 24 * time.Hour
	default:
		return 0, time.Time{}, fmt.Errorf("unsupported time unit %q", unit)
	}
	ref = strings.TrimSuffix(strings.TrimSpace(ref), " UTC")
	for _, layout := range cfLayouts {
		if t, err := time.Parse(layout, ref); err == nil {
			return d, t.UTC(), nil
		}
	}
	return 0, time.Time{}, fmt.Errorf("unparseable reference date %q", ref)
}

func netcdfCRS(h *cdf.Header, v, xdim, ydim string) string {
	if gm := attrString(h, v, "grid_mapping"); gm != "" {
		for _, a := range []string{"crs_wkt", "spatial_ref", "proj4", "proj4text"} {
			if s := attrString(h, gm, a); s != "" {
				return s
			}
		}
		if code, ok := attrFloat(h, gm, "epsg_code"); ok {
			return "EPSG:" + strconv.Itoa(int(code))
		}
	}
	for _, a := range []string{"crs", "proj4", "spatial_ref"} {
		if s := attrString(h, "", a); s != "" {
			return s
		}
	}
	x, y := strings.ToLower(xdim), strings.ToLower(ydim)
	if (x == "lon" || x == "longitude") && (y == "lat" || y == "latitude") {
		return "EPSG:4326"
	}
	return ""
}

// readFloats reads the hyperslab [begin, end) of v as float64. Nil bounds
// read the whole variable.
func readFloats(nc *cdf.File, v string, begin, end []int) ([]float64, error) {
	if end == nil {
		end = nc.Header.Lengths(v)
		begin = make([]int, len(end))
	}
	n := 1
	for i := range end {
		n *= end[i] - begin[i]
	}
	r := nc.Reader(v, begin, end)
	buf := r.Zero(n)
	if _, err := r.Read(buf); err != nil {
		return nil, err
	}

	out := make([]float64, 0, n)
	switch vals := buf.(type) {
	case []float64:
		out = append(out, vals...)
	case []float32:
		for _, x := range vals {
			out = append(out, float64(x))
		}
	case []int32:
		for _, x := range vals {
			out = append(out, float64(x))
		}
	case []int16:
		for _, x := range vals {
			out = append(out, float64(x))
		}
	case []int8:
		for _, x := range vals {
			out = append(out, float64(x))
		}
	case []uint8:
		for _, x := range vals {
			out = append(out, float64(x))
		}
	default:
		return nil, fmt.Errorf("variable %s has unsupported type %T", v, buf)
	}
	return out, nil
}

func attrString(h *cdf.Header, v, name string) string {
	s, _ := h.GetAttribute(v, name).(string)
	return strings.TrimRight(s, "\x00")
}

func attrFloats(h *cdf.Header, v, name string) []float64 {
	var out []float64
	switch vals := h.GetAttribute(v, name).(type) {
	case []float64:
		out = append(out, vals...)
	case []float32:
		for _, x := range vals {
			out = append(out, float64(x))
		}
	case []int32:
		for _, x := range vals {
			out = append(out, float64(x))
		}
	case []int16:
		for _, x := range vals {
			out = append(out, float64(x))
		}
	}
	return out
}

func attrFloat(h *cdf.Header, v, name string) (float64, bool) {
	vals := attrFloats(h, v, name)
	if len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

func minOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		m = math.Min(m, v)
	}
	return m
}

func maxOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		m = math.Max(m, v)
	}
	return m
}
