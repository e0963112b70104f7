// Command genmock writes a synthetic gridded storm for local runs and tests:
// hourly NWS-style QPF ESRI ASCII grids, the same storm as one NetCDF file,
// a GeoJSON file of rectangular sub-basins and a job file that converts the
// grids into 6-hour basin totals.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock -hours 48 -seed 7
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/ctessum/cdf"
	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/grid-met-etl/internal/pipeline"
)

const noData = -9999

// storm is a Gaussian rain cell drifting across the domain.
type storm struct {
	x0, y0   float64 // start center, in cells
	vx, vy   float64 // drift, cells per hour
	radius   float64 // cells
	peak     float64 // mm/h at the center
	duration int     // hours the cell rains
	onset    int     // first hour it rains
}

type domainGrid struct {
	rows, cols int
	west       float64
	south      float64
	cell       float64
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "data/mock", "output directory")
	hours := flag.Int("hours", 48, "number of hourly grids")
	rows := flag.Int("rows", 40, "grid rows")
	cols := flag.Int("cols", 60, "grid columns")
	west := flag.Float64("west", -98.0, "western edge, degrees")
	south := flag.Float64("south", 35.0, "southern edge, degrees")
	cell := flag.Float64("cell", 0.05, "cell size, degrees")
	startStr := flag.String("start", "2024-04-26T00:00:00Z", "end of the first hour, RFC3339")
	basinsX := flag.Int("basins-x", 3, "sub-basins west to east")
	basinsY := flag.Int("basins-y", 2, "sub-basins south to north")
	cells := flag.Int("storms", 3, "number of rain cells")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()

	if *hours <= 0 || *rows <= 0 || *cols <= 0 || *cell <= 0 || *basinsX <= 0 || *basinsY <= 0 {
		flag.Usage()
		return fmt.Errorf("hours, rows, cols, cell, basins-x and basins-y must be positive")
	}
	start, err := time.Parse(time.RFC3339, *startStr)
	if err != nil {
		return fmt.Errorf("parse -start: %w", err)
	}
	start = start.UTC()

	g := domainGrid{rows: *rows, cols: *cols, west: *west, south: *south, cell: *cell}
	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	storms := makeStorms(rng, g, *hours, *cells)

	gridDir := filepath.Join(*out, "qpf")
	if err := os.MkdirAll(gridDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	frames := make([][]float64, *hours)
	var total float64
	for h := range *hours {
		frames[h] = rainfall(g, storms, h)
		for _, v := range frames[h] {
			total += v
		}
		stamp := start.Add(time.Duration(h) * time.Hour)
		name := fmt.Sprintf("qpf1hr_%s.asc", stamp.Format("06010215"))
		if err := writeASCII(filepath.Join(gridDir, name), g, frames[h]); err != nil {
			return err
		}
	}
	log.Printf("wrote %d hourly grids to %s (domain mean %.2f mm)", *hours, gridDir, total/float64(g.rows*g.cols))

	ncPath := filepath.Join(*out, "qpf_hourly.nc")
	if err := writeNetCDF(ncPath, g, frames, start); err != nil {
		return err
	}
	log.Printf("wrote %s", ncPath)

	zonesPath := filepath.Join(*out, "basins.geojson")
	if err := writeBasins(zonesPath, g, *basinsX, *basinsY); err != nil {
		return err
	}
	log.Printf("wrote %d sub-basins to %s", *basinsX**basinsY, zonesPath)

	jobPath := filepath.Join(*out, "job.yaml")
	if err := writeJob(jobPath, gridDir, zonesPath, filepath.Join(*out, "basins.gts")); err != nil {
		return err
	}
	log.Printf("wrote %s", jobPath)
	return nil
}

func makeStorms(rng *rand.Rand, g domainGrid, hours, n int) []storm {
	out := make([]storm, n)
	for i := range out {
		dur := 3 + rng.IntN(max(1, hours/2))
		out[i] = storm{
			x0:       rng.Float64() * float64(g.cols) / 2,
			y0:       rng.Float64() * float64(g.rows),
			vx:       0.5 + rng.Float64()*2,
			vy:       rng.Float64()*2 - 1,
			radius:   2 + rng.Float64()*float64(min(g.rows, g.cols))/6,
			peak:     2 + rng.Float64()*20,
			duration: dur,
			onset:    rng.IntN(max(1, hours-dur+1)),
		}
	}
	return out
}

// rainfall returns the row-major rain depth of hour h, north row first.
func rainfall(g domainGrid, storms []storm, h int) []float64 {
	data := make([]float64, g.rows*g.cols)
	for _, s := range storms {
		age := h - s.onset
		if age < 0 || age >= s.duration {
			continue
		}
		// Intensity ramps up then decays over the life of the cell.
		life := math.Sin(math.Pi * (float64(age) + 0.5) / float64(s.duration))
		cx := s.x0 + s.vx*float64(age)
		cy := s.y0 + s.vy*float64(age)
		for r := range g.rows {
			y := float64(g.rows-1-r) + 0.5
			for c := range g.cols {
				x := float64(c) + 0.5
				d2 := (x-cx)*(x-cx) + (y-cy)*(y-cy)
				data[r*g.cols+c] += s.peak * life * math.Exp(-d2/(2*s.radius*s.radius))
			}
		}
	}
	for i, v := range data {
		data[i] = math.Round(v*100) / 100
	}
	return data
}

func writeASCII(path string, g domainGrid, data []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "ncols %d\nnrows %d\nxllcorner %g\nyllcorner %g\ncellsize %g\nNODATA_value %d\n",
		g.cols, g.rows, g.west, g.south, g.cell, noData)
	for r := range g.rows {
		for c := range g.cols {
			if c > 0 {
				w.WriteByte(' ')
			}
			fmt.Fprintf(w, "%g", data[r*g.cols+c])
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// writeNetCDF writes every frame into one (time, y, x) variable with the
// time axis in CF "hours since" form and y ascending.
func writeNetCDF(path string, g domainGrid, frames [][]float64, start time.Time) error {
	n := len(frames)
	h := cdf.NewHeader([]string{"time", "y", "x"}, []int{0, g.rows, g.cols})
	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", "hours since "+start.Add(-time.Hour).Format("2006-01-02 15:04:05"))
	h.AddVariable("y", []string{"y"}, []float64{0})
	h.AddAttribute("y", "units", "degrees_north")
	h.AddVariable("x", []string{"x"}, []float64{0})
	h.AddAttribute("x", "units", "degrees_east")
	h.AddVariable("precipitation", []string{"time", "y", "x"}, []float32{0})
	h.AddAttribute("precipitation", "units", "mm")
	h.AddAttribute("precipitation", "_FillValue", []float32{noData})
	h.Define()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	nc, err := cdf.Create(f, h)
	if err != nil {
		return fmt.Errorf("create netcdf: %w", err)
	}

	times := make([]float64, n)
	for i := range times {
		times[i] = float64(i + 1)
	}
	ys := make([]float64, g.rows)
	for i := range ys {
		ys[i] = g.south + (float64(i)+0.5)*g.cell
	}
	xs := make([]float64, g.cols)
	for i := range xs {
		xs[i] = g.west + (float64(i)+0.5)*g.cell
	}
	slab := make([]float32, 0, n*g.rows*g.cols)
	for _, fr := range frames {
		for r := g.rows - 1; r >= 0; r-- {
			for c := range g.cols {
				slab = append(slab, float32(fr[r*g.cols+c]))
			}
		}
	}

	writes := []struct {
		v          string
		begin, end []int
		data       any
	}{
		{"time", []int{0}, []int{n}, times},
		{"y", []int{0}, []int{g.rows}, ys},
		{"x", []int{0}, []int{g.cols}, xs},
		{"precipitation", []int{0, 0, 0}, []int{n, g.rows, g.cols}, slab},
	}
	for _, w := range writes {
		if _, err := nc.Writer(w.v, w.begin, w.end).Write(w.data); err != nil {
			return fmt.Errorf("write netcdf %s: %w", w.v, err)
		}
	}
	if err := cdf.UpdateNumRecs(f); err != nil {
		return fmt.Errorf("update netcdf record count: %w", err)
	}
	return nil
}

type feature struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Geometry   struct {
		Type        string         `json:"type"`
		Coordinates [][][2]float64 `json:"coordinates"`
	} `json:"geometry"`
}

func writeBasins(path string, g domainGrid, nx, ny int) error {
	w := float64(g.cols) * g.cell / float64(nx)
	h := float64(g.rows) * g.cell / float64(ny)
	fc := struct {
		Type     string    `json:"type"`
		Features []feature `json:"features"`
	}{Type: "FeatureCollection"}

	for j := range ny {
		for i := range nx {
			x0, y0 := g.west+float64(i)*w, g.south+float64(j)*h
			var f feature
			f.Type = "Feature"
			f.Properties = map[string]any{"NAME": fmt.Sprintf("SB%d%d", j+1, i+1)}
			f.Geometry.Type = "Polygon"
			f.Geometry.Coordinates = [][][2]float64{{
				{x0, y0}, {x0 + w, y0}, {x0 + w, y0 + h}, {x0, y0 + h}, {x0, y0},
			}}
			fc.Features = append(fc.Features, f)
		}
	}
	b, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode basins: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

func writeJob(path, gridDir, zonesPath, container string) error {
	spec := pipeline.PipelineSpec{
		JobID:  "mock-basins-6h",
		Source: pipeline.SourceSpec{Path: filepath.Join(gridDir, "qpf1hr_*.asc")},
		Zones:  pipeline.ZoneSpec{Path: zonesPath, IDField: "NAME"},
		Output: pipeline.OutputSpec{Container: container, Basin: "MOCK", Run: "GENMOCK"},
		Steps: []pipeline.Step{
			{Op: pipeline.OpSanitize, Params: map[string]any{"min": 0}},
			{Op: pipeline.OpAggregate},
			{Op: pipeline.OpConvertUnits, Params: map[string]any{"unit": "in"}},
			{Op: pipeline.OpNormalizeInterval, Params: map[string]any{"interval": "6h"}},
		},
	}
	b, err := yaml.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}
