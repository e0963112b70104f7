// Package transform implements the spatial grid operations: reprojection,
// resampling, clipping, subsetting, value sanitizing and constant arithmetic.
//
// Every function takes a Grid by value and returns a new Grid; inputs are
// never modified.
package transform

import (
	"fmt"
	"math"
	"strings"

	"github.com/ctessum/geom"
	"gonum.org/v1/gonum/floats"

	"github.com/couchcryptid/grid-met-etl/internal/crs"
	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// Kernel selects how target cells are computed from source cells.
type Kernel string

const (
	Nearest  Kernel = "nearest"
	Bilinear Kernel = "bilinear"
	Area     Kernel = "area"
)

// ParseKernel accepts the kernel names plus the GDAL-style aliases used in
// job files ("near", "average", "conservative").
func ParseKernel(s string) (Kernel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nearest", "near":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	case "area", "average", "conservative", "":
		return Area, nil
	default:
		return "", fmt.Errorf("unknown resampling kernel %q", s)
	}
}

// Normalization controls how the area kernel divides the overlap-weighted sum.
type Normalization int

const (
	// DestArea divides by the full target footprint, so partially covered
	// target cells are diluted and total mass is conserved.
	DestArea Normalization = iota
	// FracArea divides by the covered valid area, giving the overlap-weighted
	// mean of contributing cells.
	FracArea
)

// DefaultMassTolerance is the allowed relative mass imbalance for the area kernel.
const DefaultMassTolerance = 0.001

// Options configures Reproject.
type Options struct {
	Kernel        Kernel
	MassTolerance float64
	Normalize     Normalization
	Registry      *crs.Registry

	// CellSize forces the target cell size in target CRS units. Zero derives
	// it from the projected size of the central source cell.
	CellSize float64
}

// DefaultOptions returns the area kernel with mass-conserving normalization.
func DefaultOptions() Options {
	return Options{Kernel: Area, MassTolerance: DefaultMassTolerance, Normalize: DestArea}
}

func (o Options) registry() *crs.Registry {
	if o.Registry != nil {
		return o.Registry
	}
	return crs.Default()
}

// Reproject resamples g onto a grid in the target CRS.
func Reproject(g domain.Grid, target string, opts Options) (domain.Grid, error) {
	if err := g.Validate(); err != nil {
		return domain.Grid{}, &domain.ReprojectionError{From: g.CRS, To: target, Reason: "invalid source grid", Err: err}
	}
	if opts.Kernel == "" {
		opts.Kernel = Area
	}
	if opts.MassTolerance <= 0 {
		opts.MassTolerance = DefaultMassTolerance
	}
	reg := opts.registry()
	fwd, err := reg.Transformer(g.CRS, target)
	if err != nil {
		return domain.Grid{}, &domain.ReprojectionError{From: g.CRS, To: target, Reason: "invalid crs", Err: err}
	}
	inv, err := reg.Transformer(target, g.CRS)
	if err != nil {
		return domain.Grid{}, &domain.ReprojectionError{From: g.CRS, To: target, Reason: "invalid crs", Err: err}
	}

	if crs.Equivalent(g.CRS, target) && (opts.CellSize == 0 || (opts.CellSize == g.DX && opts.CellSize == g.DY)) {
		out := g.Clone()
		out.CRS = target
		return out, nil
	}

	dst, err := targetGeometry(g, fwd, opts.CellSize)
	if err != nil {
		return domain.Grid{}, &domain.ReprojectionError{From: g.CRS, To: target, Reason: "target extent", Err: err}
	}
	dst.CRS = target
	return warp(g, dst, inv, opts.Kernel, opts.Normalize, opts.MassTolerance)
}

// Resample changes the resolution of g in its own CRS. The target keeps the
// source's upper-left corner and grows to cover the full source extent.
// The area kernel averages contributing cells weighted by overlap.
func Resample(g domain.Grid, cellSize float64, kernel Kernel) (domain.Grid, error) {
	if cellSize <= 0 || math.IsNaN(cellSize) {
		return domain.Grid{}, fmt.Errorf("resample: cell size must be positive, got %g", cellSize)
	}
	if err := g.Validate(); err != nil {
		return domain.Grid{}, fmt.Errorf("resample: %w", err)
	}
	if kernel == "" {
		kernel = Area
	}
	width := float64(g.Cols) * g.DX
	height := float64(g.Rows) * g.DY
	dst := g
	dst.DX, dst.DY = cellSize, cellSize
	dst.Cols = ceilCells(width, cellSize)
	dst.Rows = ceilCells(height, cellSize)
	dst.Data = nil
	return warp(g, dst, crs.Identity, kernel, FracArea, DefaultMassTolerance)
}

func ceilCells(extent, size float64) int {
	n := extent / size
	// Absorb float noise so an exact multiple does not gain a cell.
	r := math.Round(n)
	if math.Abs(n-r) < 1e-9 {
		return int(r)
	}
	return int(math.Ceil(n))
}

// targetGeometry projects the densified source boundary and snaps its bounds
// to multiples of the target cell size.
func targetGeometry(g domain.Grid, fwd crs.Transformer, cellSize float64) (domain.Grid, error) {
	minPX, minPY := math.Inf(1), math.Inf(1)
	maxPX, maxPY := math.Inf(-1), math.Inf(-1)
	sb := g.Bounds()
	add := func(x, y float64) error {
		px, py, err := fwd(x, y)
		if err != nil {
			return err
		}
		if !finite(px) || !finite(py) {
			return fmt.Errorf("point (%g, %g) projects outside the target domain", x, y)
		}
		minPX, maxPX = math.Min(minPX, px), math.Max(maxPX, px)
		minPY, maxPY = math.Min(minPY, py), math.Max(maxPY, py)
		return nil
	}
	const perCell = 2
	for i := 0; i <= g.Cols*perCell; i++ {
		x := sb.Min.X + float64(i)*g.DX/perCell
		if err := add(x, sb.Min.Y); err != nil {
			return domain.Grid{}, err
		}
		if err := add(x, sb.Max.Y); err != nil {
			return domain.Grid{}, err
		}
	}
	for j := 0; j <= g.Rows*perCell; j++ {
		y := sb.Min.Y + float64(j)*g.DY/perCell
		if err := add(sb.Min.X, y); err != nil {
			return domain.Grid{}, err
		}
		if err := add(sb.Max.X, y); err != nil {
			return domain.Grid{}, err
		}
	}

	if cellSize <= 0 {
		var err error
		cellSize, err = projectedCellSize(g, fwd)
		if err != nil {
			return domain.Grid{}, err
		}
	}

	minX := math.Floor(minPX/cellSize+1e-9) * cellSize
	minY := math.Floor(minPY/cellSize+1e-9) * cellSize
	maxX := math.Ceil(maxPX/cellSize-1e-9) * cellSize
	maxY := math.Ceil(maxPY/cellSize-1e-9) * cellSize

	dst := g
	dst.OriginX, dst.OriginY = minX, maxY
	dst.DX, dst.DY = cellSize, cellSize
	dst.Cols = int(math.Round((maxX - minX) / cellSize))
	dst.Rows = int(math.Round((maxY - minY) / cellSize))
	dst.Data = nil
	if dst.Cols <= 0 || dst.Rows <= 0 {
		return domain.Grid{}, fmt.Errorf("degenerate target extent [%g %g %g %g]", minPX, minPY, maxPX, maxPY)
	}
	return dst, nil
}

// projectedCellSize is the side of a square with the projected area of the
// central source cell.
func projectedCellSize(g domain.Grid, fwd crs.Transformer) (float64, error) {
	r, c := g.Rows/2, g.Cols/2
	x0 := g.OriginX + float64(c)*g.DX
	y0 := g.OriginY - float64(r)*g.DY
	ring, ok := transformRing([]geom.Point{
		{X: x0, Y: y0}, {X: x0 + g.DX, Y: y0},
		{X: x0 + g.DX, Y: y0 - g.DY}, {X: x0, Y: y0 - g.DY},
	}, fwd)
	if !ok {
		return 0, fmt.Errorf("central cell does not project")
	}
	a := ringArea(ring)
	if a <= 0 {
		return 0, fmt.Errorf("central cell projects to zero area")
	}
	return math.Sqrt(a), nil
}

// warp fills dst's cells from src. inv maps dst coordinates to src coordinates.
func warp(src, dst domain.Grid, inv crs.Transformer, kernel Kernel, norm Normalization, tol float64) (domain.Grid, error) {
	dst.NoData = src.NoData
	dst.Data = make([]float64, dst.Rows*dst.Cols)
	switch kernel {
	case Nearest:
		warpPoint(src, &dst, inv, nearestAt)
		return dst, nil
	case Bilinear:
		warpPoint(src, &dst, inv, bilinearAt)
		return dst, nil
	case Area:
		return warpArea(src, dst, inv, norm, tol)
	default:
		return domain.Grid{}, fmt.Errorf("unknown resampling kernel %q", kernel)
	}
}

type sampler func(src domain.Grid, x, y float64) (float64, bool)

func warpPoint(src domain.Grid, dst *domain.Grid, inv crs.Transformer, sample sampler) {
	for r := 0; r < dst.Rows; r++ {
		for c := 0; c < dst.Cols; c++ {
			p := dst.CellCenter(r, c)
			x, y, err := inv(p.X, p.Y)
			v, ok := 0.0, false
			if err == nil {
				v, ok = sample(src, x, y)
			}
			if !ok {
				v = dst.NoData
			}
			dst.Data[dst.Index(r, c)] = v
		}
	}
}

func nearestAt(src domain.Grid, x, y float64) (float64, bool) {
	r, c, ok := src.CellAt(x, y)
	if !ok {
		return 0, false
	}
	v := src.Data[src.Index(r, c)]
	return v, !src.IsNoData(v)
}

// bilinearAt interpolates between the four surrounding cell centers, dropping
// no-data neighbours and renormalizing the remaining weights. Points in the
// outer half cell clamp to the edge centers.
func bilinearAt(src domain.Grid, x, y float64) (float64, bool) {
	fc := (x-src.OriginX)/src.DX - 0.5
	fr := (src.OriginY-y)/src.DY - 0.5
	if fc < -0.5 || fr < -0.5 || fc > float64(src.Cols)-0.5 || fr > float64(src.Rows)-0.5 {
		return 0, false
	}
	c0 := int(math.Floor(fc))
	r0 := int(math.Floor(fr))
	tx := fc - float64(c0)
	ty := fr - float64(r0)

	var sum, wsum float64
	for dr := 0; dr <= 1; dr++ {
		for dc := 0; dc <= 1; dc++ {
			r := clampInt(r0+dr, 0, src.Rows-1)
			c := clampInt(c0+dc, 0, src.Cols-1)
			w := (1 - math.Abs(float64(dc)-tx)) * (1 - math.Abs(float64(dr)-ty))
			if w == 0 {
				continue
			}
			v := src.Data[src.Index(r, c)]
			if src.IsNoData(v) {
				continue
			}
			sum += w * v
			wsum += w
		}
	}
	if wsum == 0 {
		return 0, false
	}
	return sum / wsum, true
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// warpArea clips each target footprint, inverse-projected into source
// coordinates, against the source cells it overlaps.
func warpArea(src, dst domain.Grid, inv crs.Transformer, norm Normalization, tol float64) (domain.Grid, error) {
	srcMass := make([]float64, 0, len(src.Data))
	srcCell := src.CellArea()
	for _, v := range src.Data {
		if !src.IsNoData(v) {
			srcMass = append(srcMass, v*srcCell)
		}
	}

	// Corners are shared between neighbouring cells, so transform each once.
	corners := make([]geom.Point, (dst.Rows+1)*(dst.Cols+1))
	cornerOK := make([]bool, len(corners))
	for r := 0; r <= dst.Rows; r++ {
		for c := 0; c <= dst.Cols; c++ {
			x := dst.OriginX + float64(c)*dst.DX
			y := dst.OriginY - float64(r)*dst.DY
			px, py, err := inv(x, y)
			i := r*(dst.Cols+1) + c
			corners[i] = geom.Point{X: px, Y: py}
			cornerOK[i] = err == nil && finite(px) && finite(py)
		}
	}

	dstMass := make([]float64, 0, len(dst.Data))
	for r := 0; r < dst.Rows; r++ {
		for c := 0; c < dst.Cols; c++ {
			ids := [4]int{
				r*(dst.Cols+1) + c, r*(dst.Cols+1) + c + 1,
				(r+1)*(dst.Cols+1) + c + 1, (r+1)*(dst.Cols+1) + c,
			}
			footprint := make([]geom.Point, 0, 4)
			ok := true
			for _, id := range ids {
				ok = ok && cornerOK[id]
				footprint = append(footprint, corners[id])
			}
			idx := dst.Index(r, c)
			dst.Data[idx] = dst.NoData
			if !ok {
				continue
			}
			weighted, covered := overlapSum(src, footprint)
			if covered <= 0 {
				continue
			}
			fullArea := ringArea(footprint)
			var v float64
			switch norm {
			case FracArea:
				v = weighted / covered
				dstMass = append(dstMass, v*covered)
			default:
				if fullArea <= 0 {
					continue
				}
				v = weighted / fullArea
				dstMass = append(dstMass, v*fullArea)
			}
			dst.Data[idx] = v
		}
	}

	in, out := floats.Sum(srcMass), floats.Sum(dstMass)
	if in != 0 {
		if rel := math.Abs(out-in) / math.Abs(in); rel > tol {
			return domain.Grid{}, &domain.ReprojectionError{
				From: src.CRS, To: dst.CRS,
				Reason: fmt.Sprintf("mass imbalance %.4g%% exceeds %.4g%%", rel*100, tol*100),
			}
		}
	}
	return dst, nil
}

// overlapSum returns sum(overlap*value) and sum(overlap) over the valid source
// cells intersecting the footprint polygon.
func overlapSum(src domain.Grid, footprint []geom.Point) (weighted, covered float64) {
	fp := footprintShape(footprint)
	fb := fp.Bounds()
	c0 := int(math.Floor((fb.Min.X - src.OriginX) / src.DX))
	c1 := int(math.Ceil((fb.Max.X-src.OriginX)/src.DX)) - 1
	r0 := int(math.Floor((src.OriginY - fb.Max.Y) / src.DY))
	r1 := int(math.Ceil((src.OriginY-fb.Min.Y)/src.DY)) - 1
	c0, r0 = max(c0, 0), max(r0, 0)
	c1, r1 = min(c1, src.Cols-1), min(r1, src.Rows-1)

	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			v := src.Data[src.Index(r, c)]
			if src.IsNoData(v) {
				continue
			}
			cell := &geom.Bounds{
				Min: geom.Point{X: src.OriginX + float64(c)*src.DX, Y: src.OriginY - float64(r+1)*src.DY},
				Max: geom.Point{X: src.OriginX + float64(c+1)*src.DX, Y: src.OriginY - float64(r)*src.DY},
			}
			a := overlapArea(fp, cell)
			if a <= 0 {
				continue
			}
			weighted += a * v
			covered += a
		}
	}
	return weighted, covered
}
