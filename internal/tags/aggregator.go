// Package tags reconciles independent volunteer damage tags into a consensus.
package tags

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
)

// Config controls consensus.
type Config struct {
	// MinTaggers is the minimum number of distinct taggers for a consensus.
	MinTaggers int
}

// DefaultConfig returns the default consensus configuration.
func DefaultConfig() Config {
	return Config{MinTaggers: 2}
}

// FootprintLookup resolves registered footprints.
type FootprintLookup interface {
	Lookup(id domain.FootprintID) (domain.Footprint, error)
}

// Aggregator stores volunteer tags as an append-only log per footprint.
//
// Writers to the same footprint are serialized; readers never block writers.
// Each log publishes an immutable snapshot slice that Consensus reads.
type Aggregator struct {
	cfg        Config
	footprints FootprintLookup

	mu   sync.RWMutex
	logs map[domain.FootprintID]*tagLog
}

type tagKey struct {
	tagger string
	ts     int64
}

type tagLog struct {
	mu       sync.Mutex // serializes appends
	seen     map[tagKey]domain.VolunteerTag
	snapshot atomic.Pointer[[]domain.VolunteerTag]
}

// New creates an Aggregator. footprints may be nil to skip footprint validation.
func New(cfg Config, footprints FootprintLookup) *Aggregator {
	return &Aggregator{
		cfg:        cfg,
		footprints: footprints,
		logs:       make(map[domain.FootprintID]*tagLog),
	}
}

// AddTag appends tag to its footprint's log. Resubmitting an identical tag is
// a no-op. Reusing a (footprint, tagger, timestamp) triple with a different
// grade or note returns domain.ErrTagConflict and stores nothing.
func (a *Aggregator) AddTag(tag domain.VolunteerTag) error {
	_, err := a.Add(tag)
	return err
}

// Add is AddTag that also reports whether the tag was new.
func (a *Aggregator) Add(tag domain.VolunteerTag) (bool, error) {
	if err := Validate(tag); err != nil {
		return false, err
	}
	if a.footprints != nil {
		if _, err := a.footprints.Lookup(tag.FootprintID); err != nil {
			return false, fmt.Errorf("add tag: %w", err)
		}
	}

	log := a.logFor(tag.FootprintID)
	key := tagKey{tagger: tag.TaggerID, ts: tag.Timestamp.UnixNano()}

	log.mu.Lock()
	defer log.mu.Unlock()

	if existing, ok := log.seen[key]; ok {
		if existing.Grade == tag.Grade && existing.Note == tag.Note {
			return false, nil
		}
		return false, fmt.Errorf("%w: tagger %s at %s on footprint %s", domain.ErrTagConflict,
			tag.TaggerID, tag.Timestamp.Format(time.RFC3339Nano), tag.FootprintID)
	}

	log.seen[key] = tag
	var next []domain.VolunteerTag
	if cur := log.snapshot.Load(); cur != nil {
		next = make([]domain.VolunteerTag, len(*cur), len(*cur)+1)
		copy(next, *cur)
	}
	next = append(next, tag)
	log.snapshot.Store(&next)
	return true, nil
}

// Tags returns a snapshot of every stored tag for id in arrival order.
func (a *Aggregator) Tags(id domain.FootprintID) []domain.VolunteerTag {
	return slices.Clone(a.snapshot(id))
}

// Footprints returns every footprint with at least one tag, sorted.
func (a *Aggregator) Footprints() []domain.FootprintID {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]domain.FootprintID, 0, len(a.logs))
	for id := range a.logs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Consensus computes the crowd label for id from a snapshot of its tags.
//
// Each distinct tagger contributes one vote: their latest tag. The resolved
// grade is the mode; ties resolve toward the most severe tied grade. When
// fewer than MinTaggers distinct taggers exist, the partial consensus is
// returned alongside an error wrapping domain.ErrInsufficientTags.
func (a *Aggregator) Consensus(id domain.FootprintID) (domain.ConsensusTag, error) {
	c := Resolve(id, a.snapshot(id))
	if c.TaggerCount < a.cfg.MinTaggers {
		return c, fmt.Errorf("%w: footprint %s has %d distinct taggers, need %d",
			domain.ErrInsufficientTags, id, c.TaggerCount, a.cfg.MinTaggers)
	}
	return c, nil
}

// Resolve computes a consensus over an arbitrary tag set without applying the
// minimum tagger rule. The result does not depend on the order of tags.
func Resolve(id domain.FootprintID, tags []domain.VolunteerTag) domain.ConsensusTag {
	latest := make(map[string]domain.VolunteerTag)
	var updated time.Time
	for _, t := range tags {
		if t.Timestamp.After(updated) {
			updated = t.Timestamp
		}
		cur, ok := latest[t.TaggerID]
		if !ok || laterVote(t, cur) {
			latest[t.TaggerID] = t
		}
	}

	c := domain.ConsensusTag{FootprintID: id, TaggerCount: len(latest), UpdatedAt: updated}
	if len(latest) == 0 {
		return c
	}

	var counts [domain.GradeCount]int
	for _, t := range latest {
		counts[t.Grade]++
	}

	best := domain.NoDamage
	for _, g := range domain.Grades() {
		// >= keeps the more severe grade on a tie.
		if counts[g] >= counts[best] {
			best = g
		}
	}

	c.Grade = best
	c.AgreementRatio = float64(counts[best]) / float64(len(latest))
	return c
}

// laterVote reports whether t supersedes cur as a tagger's vote. Timestamps
// order votes; identical timestamps cannot occur for one tagger in a stored
// log, but arbitrary inputs fall back to the more severe grade.
func laterVote(t, cur domain.VolunteerTag) bool {
	if !t.Timestamp.Equal(cur.Timestamp) {
		return t.Timestamp.After(cur.Timestamp)
	}
	return t.Grade > cur.Grade
}

func (a *Aggregator) snapshot(id domain.FootprintID) []domain.VolunteerTag {
	a.mu.RLock()
	log, ok := a.logs[id]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	if s := log.snapshot.Load(); s != nil {
		return *s
	}
	return nil
}

func (a *Aggregator) logFor(id domain.FootprintID) *tagLog {
	a.mu.RLock()
	log, ok := a.logs[id]
	a.mu.RUnlock()
	if ok {
		return log
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if log, ok := a.logs[id]; ok {
		return log
	}
	log = &tagLog{seen: make(map[tagKey]domain.VolunteerTag)}
	a.logs[id] = log
	return log
}

// Validate checks the required fields of tag. Errors wrap domain.ErrInvalidTag.
func Validate(tag domain.VolunteerTag) error {
	switch {
	case tag.FootprintID == "":
		return fmt.Errorf("%w: footprint_id is required", domain.ErrInvalidTag)
	case tag.TaggerID == "":
		return fmt.Errorf("%w: tagger_id is required", domain.ErrInvalidTag)
	case !tag.Grade.Valid():
		return fmt.Errorf("%w: grade %d out of range", domain.ErrInvalidTag, int(tag.Grade))
	case tag.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", domain.ErrInvalidTag)
	}
	return nil
}
