// Package registry holds the canonical building footprints every other stage
// keys its evidence on.
package registry

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// footprintNamespace scopes the name-based identifiers derived from baseline
// refs, so the same ref maps to the same footprint on every load.
var footprintNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:damage-assessment:footprint"))

// BaselineID returns the stable footprint identifier for a baseline feature ref.
func BaselineID(ref string) domain.FootprintID {
	return domain.FootprintID(uuid.NewSHA1(footprintNamespace, []byte(ref)).String())
}

// RegionResolver derives an administrative region code for a point. It is
// consulted during bootstrap for features that arrive without a region.
type RegionResolver interface {
	ResolveRegion(ctx context.Context, point orb.Point) (string, error)
}

// Registry is an in-memory, append-only footprint registry. It is safe for
// concurrent use; identifier allocation and insertion happen under one lock.
type Registry struct {
	mu           sync.RWMutex
	footprints   map[domain.FootprintID]domain.Footprint
	supersededBy map[domain.FootprintID]domain.FootprintID
	order        []domain.FootprintID

	newID  func() domain.FootprintID
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		footprints:   make(map[domain.FootprintID]domain.Footprint),
		supersededBy: make(map[domain.FootprintID]domain.FootprintID),
		newID:        func() domain.FootprintID { return domain.FootprintID(uuid.NewString()) },
		logger:       logger,
	}
}

// Register validates polygon and stores it as a new footprint.
func (r *Registry) Register(polygon orb.Polygon, region string) (domain.FootprintID, error) {
	fp, err := r.build(polygon, region)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(fp), nil
}

// RegisterBaseline stores polygon under the identifier derived from ref.
// Loading the same baseline again yields the same identifiers; a ref that is
// already registered is rejected.
func (r *Registry) RegisterBaseline(ref string, polygon orb.Polygon, region string) (domain.FootprintID, error) {
	if ref == "" {
		return r.Register(polygon, region)
	}
	fp, err := r.build(polygon, region)
	if err != nil {
		return "", err
	}

	id := BaselineID(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.footprints[id]; exists {
		return "", fmt.Errorf("baseline ref %q already registered as %s", ref, id)
	}
	fp.ID = id
	r.footprints[id] = fp
	r.order = append(r.order, id)
	return id, nil
}

// Supersede registers polygon as the replacement for oldID. The old footprint
// stays resolvable through Lookup but is excluded from Query and Neighbors.
func (r *Registry) Supersede(oldID domain.FootprintID, polygon orb.Polygon, region string) (domain.FootprintID, error) {
	fp, err := r.build(polygon, region)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.footprints[oldID]; !ok {
		return "", fmt.Errorf("supersede footprint %s: %w", oldID, domain.ErrNotFound)
	}
	if next, ok := r.supersededBy[oldID]; ok {
		return "", fmt.Errorf("footprint %s already superseded by %s", oldID, next)
	}
	fp.Supersedes = oldID
	id := r.insertLocked(fp)
	r.supersededBy[oldID] = id
	return id, nil
}

// Lookup returns the footprint with the given identifier.
func (r *Registry) Lookup(id domain.FootprintID) (domain.Footprint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fp, ok := r.footprints[id]
	if !ok {
		return domain.Footprint{}, fmt.Errorf("footprint %s: %w", id, domain.ErrNotFound)
	}
	return fp, nil
}

// SupersededBy returns the footprint that replaced id, if any.
func (r *Registry) SupersededBy(id domain.FootprintID) (domain.FootprintID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next, ok := r.supersededBy[id]
	return next, ok
}

// Len returns the number of registered footprints, superseded ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Query yields the current footprints whose bounds intersect bound, in
// registration order. The sequence is finite and can be ranged over again;
// each iteration observes the footprints registered at the time it starts.
func (r *Registry) Query(bound orb.Bound) iter.Seq[domain.Footprint] {
	return func(yield func(domain.Footprint) bool) {
		for fp := range r.All() {
			if !fp.Polygon.Bound().Intersects(bound) {
				continue
			}
			if !yield(fp) {
				return
			}
		}
	}
}

// All yields every current (non-superseded) footprint in registration order.
func (r *Registry) All() iter.Seq[domain.Footprint] {
	return func(yield func(domain.Footprint) bool) {
		r.mu.RLock()
		ids := make([]domain.FootprintID, len(r.order))
		copy(ids, r.order)
		r.mu.RUnlock()

		for _, id := range ids {
			r.mu.RLock()
			fp := r.footprints[id]
			_, superseded := r.supersededBy[id]
			r.mu.RUnlock()
			if superseded {
				continue
			}
			if !yield(fp) {
				return
			}
		}
	}
}

// Neighbors returns the current footprints whose centroid lies within
// radiusMeters of the centroid of id, excluding id itself.
func (r *Registry) Neighbors(id domain.FootprintID, radiusMeters float64) ([]domain.Footprint, error) {
	center, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}

	search := geo.NewBoundAroundPoint(center.Centroid, radiusMeters)
	var out []domain.Footprint
	for fp := range r.Query(search) {
		if fp.ID == id {
			continue
		}
		if geo.Distance(center.Centroid, fp.Centroid) <= radiusMeters {
			out = append(out, fp)
		}
	}
	return out, nil
}

// BootstrapReport summarizes a baseline dataset load.
type BootstrapReport struct {
	Registered map[string]domain.FootprintID // feature ref -> footprint ID
	Rejected   []Rejection
}

// Rejection is one baseline feature that could not be registered.
type Rejection struct {
	Ref string
	Err error
}

// Bootstrap registers a baseline dataset under ref-derived identifiers. Malformed features are rejected
// individually and collected in the report; the batch always continues.
// Features without a region are resolved through resolver when one is given.
func (r *Registry) Bootstrap(ctx context.Context, features []domain.BaselineFeature, resolver RegionResolver) BootstrapReport {
	report := BootstrapReport{Registered: make(map[string]domain.FootprintID, len(features))}

	for _, f := range features {
		if ctx.Err() != nil {
			report.Rejected = append(report.Rejected, Rejection{Ref: f.Ref, Err: ctx.Err()})
			continue
		}

		region := f.Region
		if region == "" && resolver != nil {
			if c, _, err := centroidOf(f.Polygon); err == nil {
				resolved, err := resolver.ResolveRegion(ctx, c)
				if err != nil {
					r.logger.Warn("region lookup failed", "ref", f.Ref, "error", err)
				} else {
					region = resolved
				}
			}
		}

		id, err := r.RegisterBaseline(f.Ref, f.Polygon, region)
		if err != nil {
			r.logger.Warn("baseline footprint rejected", "ref", f.Ref, "error", err)
			report.Rejected = append(report.Rejected, Rejection{Ref: f.Ref, Err: err})
			continue
		}
		report.Registered[f.Ref] = id
	}

	r.logger.Info("footprint registry bootstrapped",
		"registered", len(report.Registered),
		"rejected", len(report.Rejected),
	)
	return report
}

func (r *Registry) build(polygon orb.Polygon, region string) (domain.Footprint, error) {
	normalized, err := normalizePolygon(polygon)
	if err != nil {
		return domain.Footprint{}, err
	}
	centroid, area := centroidAndArea(normalized)
	return domain.Footprint{
		Polygon:  normalized,
		Centroid: centroid,
		AreaM2:   area,
		Region:   region,
	}, nil
}

func (r *Registry) insertLocked(fp domain.Footprint) domain.FootprintID {
	id := r.newID()
	for {
		if _, exists := r.footprints[id]; !exists {
			break
		}
		id = r.newID()
	}
	fp.ID = id
	r.footprints[id] = fp
	r.order = append(r.order, id)
	return id
}

func centroidOf(polygon orb.Polygon) (orb.Point, float64, error) {
	normalized, err := normalizePolygon(polygon)
	if err != nil {
		return orb.Point{}, 0, err
	}
	c, area := centroidAndArea(normalized)
	return c, area, nil
}
