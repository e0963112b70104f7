// Package crs resolves coordinate reference system identifiers and caches the
// coordinate transforms between them.
//
// Identifiers may be EPSG codes ("EPSG:5070", "epsg:4326"), the alias "SHG"
// (the USGS Albers grid used by HEC models), a raw proj4 string
// ("+proj=..."), or WKT as found in .prj sidecar files.
package crs

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ctessum/geom/proj"
)

const (
	wgs84Proj = "+proj=longlat +datum=WGS84 +no_defs"
	albersUS  = "+proj=aea +lat_1=29.5 +lat_2=45.5 +lat_0=23 +lon_0=-96 +x_0=0 +y_0=0 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs"
)

// WGS84 is the identifier of geographic WGS84 coordinates.
const WGS84 = "EPSG:4326"

var aliases = map[string]string{
	"EPSG:4326": wgs84Proj,
	"EPSG:4269": "+proj=longlat +datum=NAD83 +no_defs",
	"EPSG:3857": "+proj=merc +a=6378137 +b=6378137 +lat_ts=0 +lon_0=0 +x_0=0 +y_0=0 +k=1 +units=m +no_defs",
	"EPSG:5070": "+proj=aea +lat_0=23 +lon_0=-96 +lat_1=29.5 +lat_2=45.5 +x_0=0 +y_0=0 +datum=NAD83 +units=m +no_defs",
	"SHG":       albersUS,
	"WGS84":     wgs84Proj,
}

// Resolve returns the proj4 (or WKT) definition for an identifier.
func Resolve(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("empty crs identifier")
	}
	if strings.HasPrefix(id, "+") || strings.Contains(id, "[") {
		return id, nil
	}
	key := strings.ToUpper(id)
	if def, ok := aliases[key]; ok {
		return def, nil
	}
	code, ok := strings.CutPrefix(key, "EPSG:")
	if !ok {
		return "", fmt.Errorf("unknown crs %q", id)
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return "", fmt.Errorf("unknown crs %q", id)
	}
	switch {
	case n > 32600 && n <= 32660:
		return fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", n-32600), nil
	case n > 32700 && n <= 32760:
		return fmt.Sprintf("+proj=utm +zone=%d +south +datum=WGS84 +units=m +no_defs", n-32700), nil
	case n > 26900 && n <= 26923:
		return fmt.Sprintf("+proj=utm +zone=%d +datum=NAD83 +units=m +no_defs", n-26900), nil
	}
	return "", fmt.Errorf("unknown crs %q", id)
}

// Equivalent reports whether two identifiers resolve to the same definition.
func Equivalent(a, b string) bool {
	if a == b {
		return true
	}
	da, err := Resolve(a)
	if err != nil {
		return false
	}
	db, err := Resolve(b)
	if err != nil {
		return false
	}
	return da == db
}

// IsGeographic reports whether id is a longitude/latitude system.
func IsGeographic(id string) bool {
	def, err := Resolve(id)
	if err != nil {
		return false
	}
	d := strings.ToLower(def)
	return strings.Contains(d, "+proj=longlat") || strings.Contains(d, "+proj=latlong") ||
		strings.HasPrefix(d, "geogcs[")
}

// Transformer maps a coordinate from one CRS to another.
type Transformer = proj.Transformer

// Identity is the no-op transform.
func Identity(x, y float64) (float64, float64, error) { return x, y, nil }

type pair struct{ from, to string }

// Registry caches parsed spatial references and transforms. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	srs        map[string]*proj.SR
	transforms map[pair]Transformer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		srs:        make(map[string]*proj.SR),
		transforms: make(map[pair]Transformer),
	}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// SR returns the parsed spatial reference for id.
func (r *Registry) SR(id string) (*proj.SR, error) {
	def, err := Resolve(id)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	sr, ok := r.srs[def]
	r.mu.RUnlock()
	if ok {
		return sr, nil
	}
	sr, err = proj.Parse(def)
	if err != nil {
		return nil, fmt.Errorf("parse crs %q: %w", id, err)
	}
	r.mu.Lock()
	r.srs[def] = sr
	r.mu.Unlock()
	return sr, nil
}

// Transformer returns the transform from one CRS to another. Equivalent
// systems get the identity.
func (r *Registry) Transformer(from, to string) (Transformer, error) {
	if Equivalent(from, to) {
		if _, err := Resolve(from); err != nil {
			return nil, err
		}
		return Identity, nil
	}
	key := pair{from, to}
	r.mu.RLock()
	t, ok := r.transforms[key]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	src, err := r.SR(from)
	if err != nil {
		return nil, err
	}
	dst, err := r.SR(to)
	if err != nil {
		return nil, err
	}
	t, err = src.NewTransform(dst)
	if err != nil {
		return nil, fmt.Errorf("transform %s -> %s: %w", from, to, err)
	}
	r.mu.Lock()
	r.transforms[key] = t
	r.mu.Unlock()
	return t, nil
}
