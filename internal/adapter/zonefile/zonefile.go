// Package zonefile loads watershed zone polygons from shapefiles and GeoJSON
// feature collections.
package zonefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"

	"github.com/couchcryptid/grid-met-etl/internal/crs"
	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// Load reads the zones in path, keyed by idField, and transforms them into
// targetCRS (skipped when targetCRS is empty). Features sharing an id are
// merged into one multi-part zone. Zones come back sorted by id.
func Load(path, idField, targetCRS string) ([]domain.Zone, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return loadShapefile(path, idField, targetCRS)
	case ".json", ".geojson":
		return loadGeoJSON(path, idField, targetCRS)
	default:
		return nil, &domain.UnsupportedFormatError{Path: path, Hint: filepath.Ext(path)}
	}
}

type collector struct {
	order []string
	parts map[string][]geom.Polygon
}

func newCollector() *collector {
	return &collector{parts: make(map[string][]geom.Polygon)}
}

func (c *collector) add(path, id string, g geom.Geom) error {
	if id == "" {
		return fmt.Errorf("zone file %s: feature without id", path)
	}
	poly, ok := g.(geom.Polygonal)
	if !ok || g == nil {
		return fmt.Errorf("zone file %s: feature %s is %T, want a polygon", path, id, g)
	}
	if _, seen := c.parts[id]; !seen {
		c.order = append(c.order, id)
	}
	c.parts[id] = append(c.parts[id], poly.Polygons()...)
	return nil
}

func (c *collector) zones() ([]domain.Zone, error) {
	if len(c.order) == 0 {
		return nil, errors.New("zone file has no features")
	}
	sort.Strings(c.order)
	out := make([]domain.Zone, 0, len(c.order))
	for _, id := range c.order {
		parts := c.parts[id]
		var g geom.Polygonal
		if len(parts) == 1 {
			g = parts[0]
		} else {
			g = geom.MultiPolygon(parts)
		}
		z := domain.Zone{ID: id, Geometry: g}
		if err := z.Validate(); err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, nil
}

func loadShapefile(path, idField, targetCRS string) ([]domain.Zone, error) {
	dec, err := shp.NewDecoder(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile %s: %w", path, err)
	}
	defer dec.Close()

	var trans proj.Transformer
	if targetCRS != "" {
		// Without a .prj the shapes are taken to be in the target CRS already.
		if src, err := dec.SR(); err == nil && src != nil {
			dst, err := crs.Default().SR(targetCRS)
			if err != nil {
				return nil, fmt.Errorf("zone target crs: %w", err)
			}
			if trans, err = src.NewTransform(dst); err != nil {
				return nil, fmt.Errorf("zone transform: %w", err)
			}
		}
	}

	c := newCollector()
	for {
		g, fields, more := dec.DecodeRowFields(idField)
		if !more {
			break
		}
		if trans != nil && g != nil {
			if g, err = g.Transform(trans); err != nil {
				return nil, fmt.Errorf("reproject zone: %w", err)
			}
		}
		if err := c.add(path, strings.TrimSpace(fields[idField]), g); err != nil {
			return nil, err
		}
	}
	if err := dec.Error(); err != nil {
		return nil, fmt.Errorf("decode shapefile %s: %w", path, err)
	}
	return c.zones()
}

type featureCollection struct {
	Type     string `json:"type"`
	Features []struct {
		Properties map[string]any  `json:"properties"`
		Geometry   json.RawMessage `json:"geometry"`
	} `json:"features"`
}

// GeoJSON coordinates are WGS84 longitude/latitude.
func loadGeoJSON(path, idField, targetCRS string) ([]domain.Zone, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read zone file: %w", err)
	}
	var fc featureCollection
	if err := json.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("parse zone file %s: %w", path, err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("zone file %s: type %q, want FeatureCollection", path, fc.Type)
	}

	var trans crs.Transformer
	if targetCRS != "" && !crs.Equivalent(targetCRS, crs.WGS84) {
		if trans, err = crs.Default().Transformer(crs.WGS84, targetCRS); err != nil {
			return nil, fmt.Errorf("zone transform: %w", err)
		}
	}

	c := newCollector()
	for _, f := range fc.Features {
		if len(f.Geometry) == 0 || string(f.Geometry) == "null" {
			return nil, fmt.Errorf("zone file %s: feature without geometry", path)
		}
		g, err := geojson.Decode(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("zone file %s: %w", path, err)
		}
		if trans != nil {
			if g, err = g.Transform(trans); err != nil {
				return nil, fmt.Errorf("reproject zone: %w", err)
			}
		}
		if err := c.add(path, propertyString(f.Properties[idField]), g); err != nil {
			return nil, err
		}
	}
	return c.zones()
}

func propertyString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}
