package source

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// bilHeader holds the fields of an ESRI .hdr sidecar that matter for band 1.
type bilHeader struct {
	rows, cols int
	bands      int
	bits       int
	pixelType  string
	order      binary.ByteOrder
	ulx, uly   float64
	xdim, ydim float64
	noData     float64
	skipBytes  int64
}

func sniffBIL(path string, _ []byte) bool {
	if strings.EqualFold(fileExt(path), ".bil") {
		return true
	}
	return readSidecar(path, ".hdr") != ""
}

func parseBILHeader(r io.Reader, path string) (bilHeader, error) {
	h := bilHeader{bands: 1, bits: 8, order: binary.LittleEndian, xdim: 1, ydim: 1, noData: -9999}
	seen := map[string]bool{}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		key, val := strings.ToUpper(fields[0]), fields[1]
		seen[key] = true

		num := func() (float64, error) {
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return 0, &domain.CorruptSourceError{Path: path, Reason: "header " + key, Err: err}
			}
			return v, nil
		}

		var err error
		var v float64
		switch key {
		case "NROWS":
			v, err = num()
			h.rows = dimension(v)
		case "NCOLS":
			v, err = num()
			h.cols = dimension(v)
		case "NBANDS":
			v, err = num()
			h.bands = dimension(v)
		case "NBITS":
			v, err = num()
			h.bits = int(v)
		case "PIXELTYPE":
			h.pixelType = strings.ToUpper(val)
		case "BYTEORDER":
			if strings.EqualFold(val, "M") {
				h.order = binary.BigEndian
			}
		case "LAYOUT":
			if !strings.EqualFold(val, "BIL") {
				return h, &domain.CorruptSourceError{Path: path, Reason: "unsupported layout " + val}
			}
		case "ULXMAP":
			h.ulx, err = num()
		case "ULYMAP":
			h.uly, err = num()
		case "XDIM":
			h.xdim, err = num()
		case "YDIM":
			h.ydim, err = num()
		case "NODATA", "NODATA_VALUE":
			h.noData, err = num()
		case "SKIPBYTES":
			v, err = num()
			if err == nil && (v < 0 || v > maxSkipBytes) {
				err = &domain.CorruptSourceError{Path: path, Reason: fmt.Sprintf("invalid SKIPBYTES %g", v)}
			}
			h.skipBytes = int64(v)
		}
		if err != nil {
			return h, err
		}
	}
	if err := sc.Err(); err != nil {
		return h, &domain.CorruptSourceError{Path: path, Reason: "read header", Err: err}
	}

	if !seen["NROWS"] || !seen["NCOLS"] {
		return h, &domain.CorruptSourceError{Path: path, Reason: "missing NROWS or NCOLS"}
	}
	if err := checkDims(path, h.rows, h.cols); err != nil {
		return h, err
	}
	if h.xdim <= 0 || h.ydim <= 0 {
		return h, &domain.CorruptSourceError{Path: path, Reason: "invalid XDIM/YDIM"}
	}
	switch h.bits {
	case 8, 16, 32, 64:
	default:
		return h, &domain.CorruptSourceError{Path: path, Reason: fmt.Sprintf("unsupported NBITS %d", h.bits)}
	}
	if h.bands < 1 || h.bands > maxBands {
		return h, &domain.CorruptSourceError{Path: path, Reason: fmt.Sprintf("invalid NBANDS %d", h.bands)}
	}
	if h.pixelType == "" {
		h.pixelType = "SIGNEDINT"
		if h.bits == 8 {
			h.pixelType = "UNSIGNEDINT"
		}
	}
	if h.pixelType == "FLOAT" && h.bits != 32 && h.bits != 64 {
		return h, &domain.CorruptSourceError{Path: path, Reason: fmt.Sprintf("FLOAT pixels need 32 or 64 bits, got %d", h.bits)}
	}
	if !seen["ULYMAP"] {
		h.uly = float64(h.rows-1) * h.ydim
	}
	return h, nil
}

// size returns the bytes the payload must hold. The header bounds keep it
// well inside int64.
func (h bilHeader) size() int64 {
	return h.skipBytes + int64(h.rows)*int64(h.cols)*int64(h.bands)*int64(h.bits/8)
}

func decodeBIL(h bilHeader, payload []byte, path string) (domain.Grid, error) {
	if int64(len(payload)) < h.size() {
		return domain.Grid{}, &domain.CorruptSourceError{
			Path:   path,
			Reason: fmt.Sprintf("header declares %dx%dx%d %d-bit cells (%d bytes), payload has %d", h.rows, h.cols, h.bands, h.bits, h.size(), len(payload)),
		}
	}

	g := domain.Grid{
		OriginX: h.ulx - h.xdim/2,
		OriginY: h.uly + h.ydim/2,
		DX:      h.xdim,
		DY:      h.ydim,
		Rows:    h.rows,
		Cols:    h.cols,
		NoData:  h.noData,
		Data:    make([]float64, h.rows*h.cols),
	}

	width := h.bits / 8
	rowBytes := h.cols * width * h.bands
	for r := 0; r < h.rows; r++ {
		// Band 1 is the first block of each interleaved row.
		row := payload[h.skipBytes+int64(r*rowBytes):]
		for c := 0; c < h.cols; c++ {
			g.Data[r*h.cols+c] = h.value(row[c*width : (c+1)*width])
		}
	}
	return g, nil
}

func (h bilHeader) value(b []byte) float64 {
	signed := h.pixelType == "SIGNEDINT"
	switch h.bits {
	case 8:
		if signed {
			return float64(int8(b[0]))
		}
		return float64(b[0])
	case 16:
		u := h.order.Uint16(b)
		if signed {
			return float64(int16(u))
		}
		return float64(u)
	case 32:
		u := h.order.Uint32(b)
		switch h.pixelType {
		case "FLOAT":
			return float64(math.Float32frombits(u))
		case "SIGNEDINT":
			return float64(int32(u))
		}
		return float64(u)
	default:
		u := h.order.Uint64(b)
		switch h.pixelType {
		case "FLOAT":
			return math.Float64frombits(u)
		case "SIGNEDINT":
			return float64(int64(u))
		}
		return float64(u)
	}
}

func openBIL(_ context.Context, path string, opts Options) (Source, error) {
	hdrPath := strings.TrimSuffix(path, fileExt(path)) + ".hdr"
	hf, err := os.Open(hdrPath)
	if err != nil {
		return nil, &domain.CorruptSourceError{Path: path, Reason: "missing .hdr sidecar", Err: err}
	}
	h, err := parseBILHeader(hf, hdrPath)
	hf.Close()
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat bil payload: %w", err)
	}
	if info.Size() < h.size() {
		return nil, &domain.CorruptSourceError{
			Path:   path,
			Reason: fmt.Sprintf("header declares %d bytes, file has %d", h.size(), info.Size()),
		}
	}

	name := describe(path, opts.StepLength)
	prj := readSidecar(path, ".prj")
	m := member{
		name: path,
		time: name.Time,
		read: func(context.Context) (domain.Grid, error) {
			payload, err := os.ReadFile(path)
			if err != nil {
				return domain.Grid{}, fmt.Errorf("read bil payload: %w", err)
			}
			g, err := decodeBIL(h, payload, path)
			if err != nil {
				return domain.Grid{}, err
			}
			g.CRS = prj
			return finish(g, name, opts), nil
		},
	}
	return newMemberSource(path, []member{m}, nil), nil
}
