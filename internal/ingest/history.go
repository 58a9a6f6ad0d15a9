package ingest

import (
	"slices"
	"sort"
	"sync"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
)

// History retains every signal vector per footprint. One vector is kept per
// (sensor, acquisition pair); re-ingesting the same pair replaces it.
type History struct {
	mu      sync.RWMutex
	vectors map[domain.FootprintID][]domain.SignalVector
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{vectors: make(map[domain.FootprintID][]domain.SignalVector)}
}

// Record stores v, keeping vectors ordered by post-event acquisition time.
func (h *History) Record(v domain.SignalVector) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.vectors[v.FootprintID]
	for i, existing := range list {
		if sameAcquisition(existing, v) {
			next := slices.Clone(list)
			next[i] = v
			h.vectors[v.FootprintID] = next
			return
		}
	}

	next := append(slices.Clone(list), v)
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].PostTime.Equal(next[j].PostTime) {
			return next[i].PreTime.Before(next[j].PreTime)
		}
		return next[i].PostTime.Before(next[j].PostTime)
	})
	h.vectors[v.FootprintID] = next
}

// Latest returns the authoritative vector: the one with the latest post-event time.
func (h *History) Latest(id domain.FootprintID) (domain.SignalVector, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.vectors[id]
	if len(list) == 0 {
		return domain.SignalVector{}, false
	}
	return list[len(list)-1], true
}

// Versions returns all retained vectors for id, oldest first.
func (h *History) Versions(id domain.FootprintID) []domain.SignalVector {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.vectors[id])
}

// Footprints returns every footprint with at least one vector, sorted.
func (h *History) Footprints() []domain.FootprintID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]domain.FootprintID, 0, len(h.vectors))
	for id := range h.vectors {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func sameAcquisition(a, b domain.SignalVector) bool {
	return a.Sensor == b.Sensor && a.PreTime.Equal(b.PreTime) && a.PostTime.Equal(b.PostTime)
}
