// Package store keeps the versioned, append-only assessment record for each
// footprint.
package store

import (
	"context"
	"fmt"
	"iter"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Store is an append-only assessment log. Versions per footprint start at 1
// and increase by one with every commit.
type Store interface {
	Commit(ctx context.Context, id domain.FootprintID, d domain.Decision) (domain.Assessment, error)
	Latest(ctx context.Context, id domain.FootprintID) (domain.Assessment, error)
	History(ctx context.Context, id domain.FootprintID) iter.Seq2[domain.Assessment, error]
}

// Memory is an in-process Store. Commits to one footprint are serialized by
// that footprint's lock; commits to different footprints never contend.
type Memory struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	entries map[domain.FootprintID]*entry
}

type entry struct {
	mu       sync.Mutex
	versions []domain.Assessment
}

// NewMemory creates an empty in-memory store. A nil clock uses real time.
func NewMemory(clock clockwork.Clock) *Memory {
	return &Memory{
		clock:   domain.ClockOrReal(clock),
		entries: make(map[domain.FootprintID]*entry),
	}
}

// Commit appends d as the next version for id.
func (m *Memory) Commit(ctx context.Context, id domain.FootprintID, d domain.Decision) (domain.Assessment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Assessment{}, err
	}
	if err := ValidateDecision(id, d); err != nil {
		return domain.Assessment{}, err
	}

	e := m.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	a := NewAssessment(id, len(e.versions)+1, d, m.clock.Now())
	e.versions = append(e.versions, a)
	return Clone(a), nil
}

// Latest returns the highest version committed for id.
func (m *Memory) Latest(_ context.Context, id domain.FootprintID) (domain.Assessment, error) {
	versions := m.snapshot(id)
	if len(versions) == 0 {
		return domain.Assessment{}, fmt.Errorf("latest assessment for %s: %w", id, domain.ErrNotFound)
	}
	return Clone(versions[len(versions)-1]), nil
}

// History yields every version of id in ascending order. The sequence reads a
// snapshot taken when iteration starts and can be restarted.
func (m *Memory) History(ctx context.Context, id domain.FootprintID) iter.Seq2[domain.Assessment, error] {
	return func(yield func(domain.Assessment, error) bool) {
		for _, a := range m.snapshot(id) {
			if err := ctx.Err(); err != nil {
				yield(domain.Assessment{}, err)
				return
			}
			if !yield(Clone(a), nil) {
				return
			}
		}
	}
}

// Footprints returns every footprint with at least one assessment, sorted.
func (m *Memory) Footprints() []domain.FootprintID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]domain.FootprintID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Memory) snapshot(id domain.FootprintID) []domain.Assessment {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.versions[:len(e.versions):len(e.versions)]
}

func (m *Memory) entryFor(id domain.FootprintID) *entry {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e
	}
	e = &entry{}
	m.entries[id] = e
	return e
}

// ValidateDecision rejects decisions that cannot be committed.
func ValidateDecision(id domain.FootprintID, d domain.Decision) error {
	switch {
	case id == "":
		return fmt.Errorf("commit: footprint id is required")
	case !d.Grade.Valid():
		return fmt.Errorf("commit %s: grade %d out of range", id, int(d.Grade))
	case math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1:
		return fmt.Errorf("commit %s: confidence %v outside [0,1]", id, d.Confidence)
	}
	return nil
}

// NewAssessment builds the immutable record for version v of id.
func NewAssessment(id domain.FootprintID, v int, d domain.Decision, ts time.Time) domain.Assessment {
	return Clone(domain.Assessment{
		FootprintID: id,
		Version:     v,
		Grade:       d.Grade,
		Confidence:  d.Confidence,
		Flags:       domain.NormalizeFlags(d.Flags),
		Breakdown:   d.Breakdown,
		Timestamp:   ts.UTC(),
	})
}

// Clone deep-copies a so callers cannot mutate stored records.
func Clone(a domain.Assessment) domain.Assessment {
	a.Flags = slices.Clone(a.Flags)
	if a.Flags == nil {
		a.Flags = []domain.Flag{}
	}
	a.Breakdown.Channels = slices.Clone(a.Breakdown.Channels)
	if g := a.Breakdown.AutomatedGrade; g != nil {
		v := *g
		a.Breakdown.AutomatedGrade = &v
	}
	if g := a.Breakdown.CrowdGrade; g != nil {
		v := *g
		a.Breakdown.CrowdGrade = &v
	}
	return a
}
