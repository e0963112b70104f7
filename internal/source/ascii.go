package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// asciiHeader is the header of an ESRI ASCII grid.
type asciiHeader struct {
	cols, rows int
	x, y       float64
	center     bool
	cellSize   float64
	dx, dy     float64
	noData     float64
}

var asciiKeys = map[string]bool{
	"ncols": true, "nrows": true, "xllcorner": true, "yllcorner": true,
	"xllcenter": true, "yllcenter": true, "cellsize": true, "dx": true, "dy": true,
	"nodata_value": true,
}

func sniffASCII(_ string, head []byte) bool {
	fields := bytes.Fields(bytes.ToLower(head))
	return len(fields) > 0 && asciiKeys[string(fields[0])]
}

func openASCII(_ context.Context, path string, opts Options) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ascii grid: %w", err)
	}
	_, _, err = readASCIIHeader(bufio.NewReader(f), path)
	f.Close()
	if err != nil {
		return nil, err
	}

	info := describe(path, opts.StepLength)
	prj := readSidecar(path, ".prj")
	m := member{
		name: path,
		time: info.Time,
		read: func(context.Context) (domain.Grid, error) {
			f, err := os.Open(path)
			if err != nil {
				return domain.Grid{}, fmt.Errorf("open ascii grid: %w", err)
			}
			defer f.Close()
			g, err := decodeASCII(f, path)
			if err != nil {
				return domain.Grid{}, err
			}
			g.CRS = prj
			return finish(g, info, opts), nil
		},
	}
	return newMemberSource(path, []member{m}, nil), nil
}

// readASCIIHeader consumes header lines and returns the header plus the
// first data line, which has already been read.
func readASCIIHeader(r *bufio.Reader, path string) (asciiHeader, string, error) {
	h := asciiHeader{noData: -9999}
	seen := map[string]bool{}
	for {
		line, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return h, "", &domain.CorruptSourceError{Path: path, Reason: "read header", Err: err}
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			if err == io.EOF {
				return h, "", &domain.CorruptSourceError{Path: path, Reason: "no data rows"}
			}
			continue
		}
		key := strings.ToLower(fields[0])
		if !asciiKeys[key] {
			if err := h.validate(path, seen); err != nil {
				return h, "", err
			}
			return h, line, nil
		}
		if len(fields) < 2 {
			return h, "", &domain.CorruptSourceError{Path: path, Reason: "header " + key + " has no value"}
		}
		v, perr := strconv.ParseFloat(fields[1], 64)
		if perr != nil {
			return h, "", &domain.CorruptSourceError{Path: path, Reason: "header " + key, Err: perr}
		}
		seen[key] = true
		switch key {
		case "ncols":
			h.cols = dimension(v)
		case "nrows":
			h.rows = dimension(v)
		case "xllcorner":
			h.x = v
		case "yllcorner":
			h.y = v
		case "xllcenter":
			h.x, h.center = v, true
		case "yllcenter":
			h.y, h.center = v, true
		case "cellsize":
			h.cellSize = v
		case "dx":
			h.dx = v
		case "dy":
			h.dy = v
		case "nodata_value":
			h.noData = v
		}
		if err == io.EOF {
			return h, "", &domain.CorruptSourceError{Path: path, Reason: "no data rows"}
		}
	}
}

func (h *asciiHeader) validate(path string, seen map[string]bool) error {
	for _, k := range []string{"ncols", "nrows"} {
		if !seen[k] {
			return &domain.CorruptSourceError{Path: path, Reason: "missing header " + k}
		}
	}
	if err := checkDims(path, h.rows, h.cols); err != nil {
		return err
	}
	if h.dx == 0 {
		h.dx = h.cellSize
	}
	if h.dy == 0 {
		h.dy = h.cellSize
	}
	if h.dx <= 0 || h.dy <= 0 {
		return &domain.CorruptSourceError{Path: path, Reason: "missing or invalid cellsize"}
	}
	return nil
}

func (h asciiHeader) grid() domain.Grid {
	x, y := h.x, h.y
	if h.center {
		x -= h.dx / 2
		y -= h.dy / 2
	}
	return domain.Grid{
		OriginX: x,
		OriginY: y + float64(h.rows)*h.dy,
		DX:      h.dx,
		DY:      h.dy,
		Rows:    h.rows,
		Cols:    h.cols,
		NoData:  h.noData,
	}
}

// decodeASCII parses a complete ESRI ASCII grid.
func decodeASCII(r io.Reader, path string) (domain.Grid, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	h, first, err := readASCIIHeader(br, path)
	if err != nil {
		return domain.Grid{}, err
	}
	g := h.grid()
	want := g.Rows * g.Cols
	// The header is untrusted until the values are counted.
	g.Data = make([]float64, 0, min(want, 1<<16))
	add := func(tok string) error {
		if len(g.Data) == want {
			return &domain.CorruptSourceError{Path: path, Reason: fmt.Sprintf("more than %d values for %dx%d cells", want, g.Rows, g.Cols)}
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return &domain.CorruptSourceError{Path: path, Reason: fmt.Sprintf("value %d", len(g.Data)), Err: err}
		}
		g.Data = append(g.Data, v)
		return nil
	}

	for _, tok := range strings.Fields(first) {
		if err := add(tok); err != nil {
			return domain.Grid{}, err
		}
	}
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 1<<16), 1<<26)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		if err := add(sc.Text()); err != nil {
			return domain.Grid{}, err
		}
	}
	if err := sc.Err(); err != nil {
		return domain.Grid{}, &domain.CorruptSourceError{Path: path, Reason: "read values", Err: err}
	}
	if len(g.Data) != want {
		return domain.Grid{}, &domain.CorruptSourceError{
			Path:   path,
			Reason: fmt.Sprintf("declared %dx%d cells, found %d values", g.Rows, g.Cols, len(g.Data)),
		}
	}
	return g, nil
}

// readSidecar returns the trimmed content of the file next to path with the
// given extension, or "" when there is none.
func readSidecar(path, ext string) string {
	base := strings.TrimSuffix(path, fileExt(path))
	for _, cand := range []string{base + ext, base + strings.ToUpper(ext)} {
		if b, err := os.ReadFile(cand); err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return ""
}

func fileExt(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 || strings.ContainsAny(path[i:], `/\`) {
		return ""
	}
	return path[i:]
}
