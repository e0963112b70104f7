package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// Kind distinguishes what a record holds.
type Kind uint8

const (
	KindSeries Kind = 1
	KindGrids  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindSeries:
		return "series"
	case KindGrids:
		return "grids"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Record is the value stored at a path: a TimeSeries or a GridSeries,
// versioned by the timestamp of its last write.
type Record struct {
	Kind    Kind
	Version time.Time
	Series  domain.TimeSeries
	Grids   domain.GridSeries
}

// SeriesRecord wraps a time series.
func SeriesRecord(ts domain.TimeSeries, version time.Time) Record {
	return Record{Kind: KindSeries, Series: ts, Version: version}
}

// GridRecord wraps a grid series.
func GridRecord(gs domain.GridSeries, version time.Time) Record {
	return Record{Kind: KindGrids, Grids: gs, Version: version}
}

// Len returns the number of points or grids held.
func (r Record) Len() int {
	if r.Kind == KindGrids {
		return len(r.Grids)
	}
	return len(r.Series.Points)
}

var errDecode = errors.New("decode record")

type encoder struct{ buf bytes.Buffer }

func (e *encoder) u8(v uint8) { e.buf.WriteByte(v) }

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) f64(v float64) { e.u64(math.Float64bits(v)) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) time(t time.Time) {
	e.u64(uint64(t.Unix()))
	e.u32(uint32(t.Nanosecond()))
}

type decoder struct {
	r   *bytes.Reader
	err error
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > d.r.Len() {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", errDecode, n, d.r.Len())
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = fmt.Errorf("%w: %w", errDecode, err)
		return nil
	}
	return b
}

func (d *decoder) u8() uint8 {
	b := d.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.read(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.read(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) f64() float64 { return math.Float64frombits(d.u64()) }

func (d *decoder) str() string { return string(d.read(int(d.u32()))) }

func (d *decoder) time() time.Time {
	sec := int64(d.u64())
	nsec := int64(d.u32())
	return time.Unix(sec, nsec).UTC()
}

// count reads a length prefix and rejects values that cannot fit in the
// remaining input given a minimum element size.
func (d *decoder) count(minSize int) int {
	n := int(d.u32())
	if d.err == nil && n*minSize > d.r.Len() {
		d.err = fmt.Errorf("%w: %d elements do not fit in %d bytes", errDecode, n, d.r.Len())
		return 0
	}
	return n
}

func encodeRecord(r Record) []byte {
	var e encoder
	e.u8(uint8(r.Kind))
	switch r.Kind {
	case KindSeries:
		ts := r.Series
		e.str(ts.Location)
		e.str(ts.Unit)
		e.str(string(ts.Kind))
		e.u64(uint64(ts.Interval))
		e.u32(uint32(len(ts.Points)))
		for _, p := range ts.Points {
			e.time(p.Time)
			e.f64(p.Value)
		}
	case KindGrids:
		e.u32(uint32(len(r.Grids)))
		for _, g := range r.Grids {
			e.f64(g.OriginX)
			e.f64(g.OriginY)
			e.f64(g.DX)
			e.f64(g.DY)
			e.u32(uint32(g.Rows))
			e.u32(uint32(g.Cols))
			e.str(g.CRS)
			e.f64(g.NoData)
			e.str(g.Unit)
			e.str(g.Variable)
			e.time(g.Time.Start)
			e.time(g.Time.End)
			for _, v := range g.Data {
				e.f64(v)
			}
		}
	}
	return e.buf.Bytes()
}

func decodeRecord(b []byte) (Record, error) {
	d := decoder{r: bytes.NewReader(b)}
	r := Record{Kind: Kind(d.u8())}
	switch r.Kind {
	case KindSeries:
		r.Series.Location = d.str()
		r.Series.Unit = d.str()
		r.Series.Kind = domain.AggregationKind(d.str())
		r.Series.Interval = time.Duration(d.u64())
		n := d.count(20)
		if n > 0 {
			r.Series.Points = make([]domain.Point, n)
		}
		for i := 0; i < n && d.err == nil; i++ {
			r.Series.Points[i] = domain.Point{Time: d.time(), Value: d.f64()}
		}
	case KindGrids:
		n := d.count(1)
		for i := 0; i < n && d.err == nil; i++ {
			var g domain.Grid
			g.OriginX = d.f64()
			g.OriginY = d.f64()
			g.DX = d.f64()
			g.DY = d.f64()
			g.Rows = int(d.u32())
			g.Cols = int(d.u32())
			g.CRS = d.str()
			g.NoData = d.f64()
			g.Unit = d.str()
			g.Variable = d.str()
			g.Time.Start = d.time()
			g.Time.End = d.time()
			cells := g.Rows * g.Cols
			if d.err == nil && cells*8 > d.r.Len() {
				d.err = fmt.Errorf("%w: grid %d declares %dx%d cells", errDecode, i, g.Rows, g.Cols)
				break
			}
			g.Data = make([]float64, cells)
			for j := range g.Data {
				g.Data[j] = d.f64()
			}
			r.Grids = append(r.Grids, g)
		}
	default:
		return Record{}, fmt.Errorf("%w: unknown kind %d", errDecode, r.Kind)
	}
	if d.err != nil {
		return Record{}, d.err
	}
	if d.r.Len() != 0 {
		return Record{}, fmt.Errorf("%w: %d trailing bytes", errDecode, d.r.Len())
	}
	return r, nil
}

// indexEntry commits a payload block to a path.
type indexEntry struct {
	kind    Kind
	path    string
	offset  int64
	length  uint32
	version time.Time
	count   uint32
}

func encodeIndex(ie indexEntry) []byte {
	var e encoder
	e.u8(uint8(ie.kind))
	e.str(ie.path)
	e.u64(uint64(ie.offset))
	e.u32(ie.length)
	e.time(ie.version)
	e.u32(ie.count)
	return e.buf.Bytes()
}

func decodeIndex(b []byte) (indexEntry, error) {
	d := decoder{r: bytes.NewReader(b)}
	ie := indexEntry{
		kind:    Kind(d.u8()),
		path:    d.str(),
		offset:  int64(d.u64()),
		length:  d.u32(),
		version: d.time(),
		count:   d.u32(),
	}
	return ie, d.err
}

func encodeTombstone(path string, version time.Time) []byte {
	var e encoder
	e.str(path)
	e.time(version)
	return e.buf.Bytes()
}

func decodeTombstone(b []byte) (string, time.Time, error) {
	d := decoder{r: bytes.NewReader(b)}
	p := d.str()
	v := d.time()
	return p, v, d.err
}
