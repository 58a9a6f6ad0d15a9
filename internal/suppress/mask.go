package suppress

import (
	"sync"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// MaskKind classifies a land-cover mask polygon.
type MaskKind string

const (
	MaskVegetation MaskKind = "vegetation"
	MaskWater      MaskKind = "water"
)

// MaskPolygon is one non-building land-cover area.
type MaskPolygon struct {
	Kind    MaskKind
	Polygon orb.Polygon
}

// gridSize is the number of sample points per side used to estimate overlap.
const gridSize = 16

// MaskIndex answers how much of a footprint lies under non-building land cover.
// It is safe for concurrent use.
type MaskIndex struct {
	mu    sync.RWMutex
	masks []maskEntry
}

type maskEntry struct {
	MaskPolygon
	bound orb.Bound
}

// NewMaskIndex creates an index over masks.
func NewMaskIndex(masks ...MaskPolygon) *MaskIndex {
	idx := &MaskIndex{}
	idx.Add(masks...)
	return idx
}

// Add appends masks to the index. Empty polygons are ignored.
func (m *MaskIndex) Add(masks ...MaskPolygon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mp := range masks {
		if len(mp.Polygon) == 0 || len(mp.Polygon[0]) == 0 {
			continue
		}
		m.masks = append(m.masks, maskEntry{MaskPolygon: mp, bound: mp.Polygon.Bound()})
	}
}

// Len returns the number of indexed masks.
func (m *MaskIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.masks)
}

// Fraction estimates the share of fp covered by any mask by sampling a regular
// grid over the footprint's bounding box. Footprints too small for the grid
// fall back to testing the centroid.
func (m *MaskIndex) Fraction(fp domain.Footprint) float64 {
	if m == nil {
		return 0
	}
	bound := fp.Polygon.Bound()

	m.mu.RLock()
	var candidates []maskEntry
	for _, e := range m.masks {
		if e.bound.Intersects(bound) {
			candidates = append(candidates, e)
		}
	}
	m.mu.RUnlock()
	if len(candidates) == 0 {
		return 0
	}

	dx := (bound.Max[0] - bound.Min[0]) / gridSize
	dy := (bound.Max[1] - bound.Min[1]) / gridSize

	var inside, covered int
	for i := range gridSize {
		for j := range gridSize {
			p := orb.Point{
				bound.Min[0] + (float64(i)+0.5)*dx,
				bound.Min[1] + (float64(j)+0.5)*dy,
			}
			if !planar.PolygonContains(fp.Polygon, p) {
				continue
			}
			inside++
			if anyContains(candidates, p) {
				covered++
			}
		}
	}

	if inside == 0 {
		if anyContains(candidates, fp.Centroid) {
			return 1
		}
		return 0
	}
	return float64(covered) / float64(inside)
}

func anyContains(masks []maskEntry, p orb.Point) bool {
	for _, e := range masks {
		if e.bound.Contains(p) && planar.PolygonContains(e.Polygon, p) {
			return true
		}
	}
	return false
}
