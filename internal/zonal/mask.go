package zonal

import (
	"strings"

	"github.com/couchcryptid/grid-met-etl/internal/domain"
)

// Mask lists the row-major indices of the cells whose centers fall inside a zone.
type Mask struct {
	ZoneID string
	Cells  []int
}

// BuildMasks computes one mask per zone for the geometry of g. Zones whose
// bounding box misses the grid get an empty mask without a point test.
func BuildMasks(g domain.Grid, zones []domain.Zone) []Mask {
	gb := g.Bounds()
	masks := make([]Mask, len(zones))
	for i, z := range zones {
		masks[i].ZoneID = z.ID
		zb := z.Bounds()
		if zb.Max.X < gb.Min.X || zb.Min.X > gb.Max.X || zb.Max.Y < gb.Min.Y || zb.Min.Y > gb.Max.Y {
			continue
		}
		// Only rows and columns whose centers can fall inside the zone bounds.
		c0 := max(int((zb.Min.X-g.OriginX)/g.DX-0.5), 0)
		c1 := min(int((zb.Max.X-g.OriginX)/g.DX+0.5), g.Cols-1)
		r0 := max(int((g.OriginY-zb.Max.Y)/g.DY-0.5), 0)
		r1 := min(int((g.OriginY-zb.Min.Y)/g.DY+0.5), g.Rows-1)
		for r := r0; r <= r1; r++ {
			for c := c0; c <= c1; c++ {
				p := g.CellCenter(r, c)
				if p.X < zb.Min.X || p.X > zb.Max.X || p.Y < zb.Min.Y || p.Y > zb.Max.Y {
					continue
				}
				if z.Contains(p) {
					masks[i].Cells = append(masks[i].Cells, g.Index(r, c))
				}
			}
		}
	}
	return masks
}

// MaskCache keeps masks per grid geometry and zone set. Grids that cover the
// same ground with the same cells share masks; any change in origin, cell
// size, shape or CRS builds new ones.
type MaskCache struct {
	cache   *lruCache[[]Mask]
	observe func(hit bool)
}

// NewMaskCache returns a cache holding up to maxEntries mask sets.
func NewMaskCache(maxEntries int) *MaskCache {
	return &MaskCache{cache: newLRUCache[[]Mask](maxEntries)}
}

// OnLookup registers a callback invoked with the outcome of every lookup.
func (c *MaskCache) OnLookup(f func(hit bool)) { c.observe = f }

// Masks returns the cached masks for g and zones, building them on a miss.
// The returned slice is shared and must not be modified.
func (c *MaskCache) Masks(g domain.Grid, zones []domain.Zone) []Mask {
	key := cacheKey(g, zones)
	if m, ok := c.cache.get(key); ok {
		c.report(true)
		return m
	}
	c.report(false)
	m := BuildMasks(g, zones)
	c.cache.put(key, m)
	return m
}

// Len returns the number of cached mask sets.
func (c *MaskCache) Len() int { return c.cache.len() }

func (c *MaskCache) report(hit bool) {
	if c.observe != nil {
		c.observe(hit)
	}
}

func cacheKey(g domain.Grid, zones []domain.Zone) string {
	var b strings.Builder
	b.WriteString(g.GeometryKey())
	for _, z := range zones {
		b.WriteByte('#')
		b.WriteString(z.ID)
	}
	return b.String()
}
