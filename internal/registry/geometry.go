package registry

import (
	"fmt"
	"math"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// minPlanarArea is the smallest accepted polygon area in squared degrees
// (roughly 0.1 m² at the equator).
const minPlanarArea = 1e-11

// normalizePolygon closes open rings and validates the result. The returned
// polygon is a copy; the caller's slices are never modified.
func normalizePolygon(poly orb.Polygon) (orb.Polygon, error) {
	if len(poly) == 0 {
		return nil, &domain.GeometryError{Reason: "polygon has no rings"}
	}

	out := make(orb.Polygon, len(poly))
	for i, ring := range poly {
		closed, err := closeRing(ring)
		if err != nil {
			return nil, &domain.GeometryError{Reason: fmt.Sprintf("ring %d: %s", i, err)}
		}
		out[i] = closed
	}

	for i, ring := range out {
		for _, p := range ring {
			if math.IsNaN(p.X()) || math.IsNaN(p.Y()) || math.IsInf(p.X(), 0) || math.IsInf(p.Y(), 0) {
				return nil, &domain.GeometryError{Reason: fmt.Sprintf("ring %d: non-finite coordinate", i)}
			}
		}
	}

	if math.Abs(planar.Area(out)) < minPlanarArea {
		return nil, &domain.GeometryError{Reason: "zero-area polygon"}
	}
	if selfIntersects(out) {
		return nil, &domain.GeometryError{Reason: "self-intersecting polygon"}
	}
	return out, nil
}

func closeRing(ring orb.Ring) (orb.Ring, error) {
	if len(ring) == 0 {
		return nil, fmt.Errorf("empty ring")
	}
	out := make(orb.Ring, 0, len(ring)+1)
	for _, p := range ring {
		if len(out) > 0 && out[len(out)-1].Equal(p) {
			continue
		}
		out = append(out, p)
	}
	if !out.Closed() {
		out = append(out, out[0])
	}
	if len(out) < 4 {
		return nil, fmt.Errorf("ring needs at least 3 distinct vertices, got %d", len(out)-1)
	}
	return out, nil
}

// selfIntersects checks every pair of ring edges, within and across rings,
// for a crossing or touch other than the shared vertex of adjacent edges.
func selfIntersects(poly orb.Polygon) bool {
	type edge struct {
		ring, idx int
		a, b      orb.Point
	}
	var edges []edge
	sizes := make([]int, len(poly))
	for r, ring := range poly {
		sizes[r] = len(ring) - 1
		for i := 0; i < len(ring)-1; i++ {
			edges = append(edges, edge{ring: r, idx: i, a: ring[i], b: ring[i+1]})
		}
	}

	for i := 0; i < len(edges); i++ {
		for j := i + 1; j < len(edges); j++ {
			e1, e2 := edges[i], edges[j]
			if e1.ring == e2.ring {
				n := sizes[e1.ring]
				// Adjacent edges share one vertex; only a collinear
				// overlap (a spike back along the same line) counts.
				if e2.idx == e1.idx+1 {
					if collinearOverlap(e1.a, e1.b, e2.a, e2.b) {
						return true
					}
					continue
				}
				if e1.idx == 0 && e2.idx == n-1 {
					if collinearOverlap(e2.a, e2.b, e1.a, e1.b) {
						return true
					}
					continue
				}
			}
			if segmentsIntersect(e1.a, e1.b, e2.a, e2.b) {
				return true
			}
		}
	}
	return false
}

func orientation(a, b, c orb.Point) int {
	v := (b.Y()-a.Y())*(c.X()-b.X()) - (b.X()-a.X())*(c.Y()-b.Y())
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func onSegment(a, p, b orb.Point) bool {
	return p.X() <= math.Max(a.X(), b.X()) && p.X() >= math.Min(a.X(), b.X()) &&
		p.Y() <= math.Max(a.Y(), b.Y()) && p.Y() >= math.Min(a.Y(), b.Y())
}

func segmentsIntersect(p1, q1, p2, q2 orb.Point) bool {
	o1 := orientation(p1, q1, p2)
	o2 := orientation(p1, q1, q2)
	o3 := orientation(p2, q2, p1)
	o4 := orientation(p2, q2, q1)

	if o1 != o2 && o3 != o4 {
		return true
	}
	if o1 == 0 && onSegment(p1, p2, q1) {
		return true
	}
	if o2 == 0 && onSegment(p1, q2, q1) {
		return true
	}
	if o3 == 0 && onSegment(p2, p1, q2) {
		return true
	}
	if o4 == 0 && onSegment(p2, q1, q2) {
		return true
	}
	return false
}

// collinearOverlap reports whether two adjacent edges fold back over each other.
func collinearOverlap(a1, b1, a2, b2 orb.Point) bool {
	if orientation(a1, b1, b2) != 0 || orientation(a1, b1, a2) != 0 {
		return false
	}
	// Shared vertex is b1 == a2; overlap when the far ends lie on the same side.
	d1 := orb.Point{a1.X() - b1.X(), a1.Y() - b1.Y()}
	d2 := orb.Point{b2.X() - a2.X(), b2.Y() - a2.Y()}
	return d1.X()*d2.X()+d1.Y()*d2.Y() > 0
}

// centroidAndArea returns the planar centroid and the geodesic area in m².
func centroidAndArea(poly orb.Polygon) (orb.Point, float64) {
	c, _ := planar.CentroidArea(poly)
	return c, math.Abs(geo.Area(poly))
}
