package domain

import (
	"errors"
	"fmt"

	"github.com/ctessum/geom"
)

// Zone is a watershed or sub-basin polygon used for spatial reduction.
// Zones are read-only once loaded and may be shared across jobs.
type Zone struct {
	ID       string
	Geometry geom.Polygonal
}

// Validate rejects zones that cannot take part in aggregation.
func (z Zone) Validate() error {
	if z.ID == "" {
		return errors.New("zone has no id")
	}
	if z.Geometry == nil || len(z.Geometry.Polygons()) == 0 {
		return fmt.Errorf("zone %s: empty geometry", z.ID)
	}
	for _, p := range z.Geometry.Polygons() {
		if len(p) == 0 || len(p[0]) < 3 {
			return fmt.Errorf("zone %s: polygon ring has fewer than 3 vertices", z.ID)
		}
	}
	return nil
}

// Contains reports whether pt lies inside the zone. Points on an edge count
// as inside so boundary cells are assigned deterministically.
func (z Zone) Contains(pt geom.Point) bool {
	return pt.Within(z.Geometry) != geom.Outside
}

// Bounds returns the bounding box of the zone.
func (z Zone) Bounds() *geom.Bounds { return z.Geometry.Bounds() }

// RectZone builds an axis-aligned rectangular zone. Mostly useful in tests
// and for whole-grid aggregation.
func RectZone(id string, minX, minY, maxX, maxY float64) Zone {
	return Zone{
		ID: id,
		Geometry: geom.Polygon{{
			{X: minX, Y: minY},
			{X: maxX, Y: minY},
			{X: maxX, Y: maxY},
			{X: minX, Y: maxY},
			{X: minX, Y: minY},
		}},
	}
}
