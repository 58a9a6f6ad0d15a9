package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/fusion"
	"github.com/couchcryptid/damage-assessment-service/internal/observability"
	"github.com/couchcryptid/damage-assessment-service/internal/store"
	"github.com/couchcryptid/damage-assessment-service/internal/suppress"
	"github.com/jonboulle/clockwork"
)

// Footprints resolves footprints and their spatial neighbors.
type Footprints interface {
	Lookup(id domain.FootprintID) (domain.Footprint, error)
	Neighbors(id domain.FootprintID, radiusMeters float64) ([]domain.Footprint, error)
}

// Signals returns the authoritative signal vector of a footprint.
type Signals interface {
	Latest(id domain.FootprintID) (domain.SignalVector, bool)
}

// Consensus derives the crowd label of a footprint.
type Consensus interface {
	Consensus(id domain.FootprintID) (domain.ConsensusTag, error)
}

// MaskLookup reports the non-building land-cover fraction of a footprint.
type MaskLookup interface {
	Fraction(fp domain.Footprint) float64
}

// Engine runs the per-footprint stages: gather evidence, fuse, suppress, commit.
// Stages for one footprint run sequentially; Engine itself holds no
// per-footprint state, so different footprints may be assessed concurrently.
type Engine struct {
	footprints Footprints
	signals    Signals
	consensus  Consensus
	classifier *fusion.Classifier
	suppressor *suppress.Suppressor
	masks      MaskLookup
	store      store.Store
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// EngineDeps are the collaborators of an Engine. Masks and Clock are optional.
type EngineDeps struct {
	Footprints Footprints
	Signals    Signals
	Consensus  Consensus
	Classifier *fusion.Classifier
	Suppressor *suppress.Suppressor
	Masks      MaskLookup
	Store      store.Store
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// NewEngine creates an Engine.
func NewEngine(d EngineDeps) *Engine {
	return &Engine{
		footprints: d.Footprints,
		signals:    d.Signals,
		consensus:  d.Consensus,
		classifier: d.Classifier,
		suppressor: d.Suppressor,
		masks:      d.Masks,
		store:      d.Store,
		clock:      domain.ClockOrReal(d.Clock),
		logger:     d.Logger,
		metrics:    d.Metrics,
	}
}

// Assess produces and commits the next assessment version for id. Failures
// are returned wrapped with the stage that produced them; nothing is committed
// unless every stage succeeds.
func (e *Engine) Assess(ctx context.Context, id domain.FootprintID) (domain.Assessment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Assessment{}, err
	}

	fp, err := e.footprints.Lookup(id)
	if err != nil {
		return domain.Assessment{}, e.fail("lookup", id, err)
	}

	var vector *domain.SignalVector
	if v, ok := e.signals.Latest(id); ok {
		vector = &v
		e.metrics.Coverage.Observe(v.Coverage)
	}

	crowd, err := e.crowdEvidence(id)
	if err != nil {
		return domain.Assessment{}, e.fail("consensus", id, err)
	}

	result, err := e.classifier.Classify(vector, crowd)
	if err != nil {
		return domain.Assessment{}, e.fail("classify", id, err)
	}

	prior, err := e.prior(ctx, id)
	if err != nil {
		return domain.Assessment{}, e.fail("prior", id, err)
	}

	neighbors, err := e.neighborGrades(ctx, id)
	if err != nil {
		return domain.Assessment{}, e.fail("neighbors", id, err)
	}

	var maskFraction float64
	if e.masks != nil {
		maskFraction = e.masks.Fraction(fp)
	}

	decision := e.suppressor.Suppress(suppress.Input{
		Footprint:      fp,
		Result:         result,
		Prior:          prior,
		NeighborGrades: neighbors,
		MaskFraction:   maskFraction,
		Now:            e.clock.Now(),
	})

	a, err := e.store.Commit(ctx, id, decision)
	if err != nil {
		return domain.Assessment{}, e.fail("commit", id, err)
	}

	e.record(a)
	e.logger.Debug("assessment committed",
		"footprint_id", id,
		"version", a.Version,
		"grade", a.Grade.String(),
		"confidence", a.Confidence,
		"flags", a.Flags,
	)
	return a, nil
}

// crowdEvidence returns the consensus, or nil when too few taggers exist so
// the classifier falls back to automated evidence alone.
func (e *Engine) crowdEvidence(id domain.FootprintID) (*domain.ConsensusTag, error) {
	c, err := e.consensus.Consensus(id)
	if errors.Is(err, domain.ErrInsufficientTags) {
		if c.TaggerCount > 0 {
			e.logger.Debug("insufficient tags, using automated evidence only",
				"footprint_id", id, "taggers", c.TaggerCount)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// prior returns the highest-graded version committed within the repair
// window, preferring the most recent among equal grades.
func (e *Engine) prior(ctx context.Context, id domain.FootprintID) (*domain.Assessment, error) {
	now := e.clock.Now()
	window := e.suppressor.Config().RepairWindow

	var peak *domain.Assessment
	for a, err := range e.store.History(ctx, id) {
		if err != nil {
			return nil, err
		}
		if now.Sub(a.Timestamp) >= window {
			continue
		}
		if peak == nil || a.Grade >= peak.Grade {
			peak = &a
		}
	}
	return peak, nil
}

// neighborGrades returns the latest grades of assessed neighbors. Neighbors
// without an assessment carry no evidence and are left out.
func (e *Engine) neighborGrades(ctx context.Context, id domain.FootprintID) ([]domain.DamageGrade, error) {
	neighbors, err := e.footprints.Neighbors(id, e.suppressor.Config().NeighborRadius)
	if err != nil {
		return nil, err
	}
	grades := make([]domain.DamageGrade, 0, len(neighbors))
	for _, n := range neighbors {
		a, err := e.store.Latest(ctx, n.ID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("neighbor %s: %w", n.ID, err)
		}
		grades = append(grades, a.Grade)
	}
	return grades, nil
}

func (e *Engine) record(a domain.Assessment) {
	e.metrics.AssessmentsCommitted.Inc()
	e.metrics.Confidence.Observe(a.Confidence)
	e.metrics.Grades.WithLabelValues(a.Grade.String()).Inc()
	for _, f := range a.Flags {
		e.metrics.Flags.WithLabelValues(string(f)).Inc()
	}
}

// fail counts a per-footprint failure and wraps err with its stage.
func (e *Engine) fail(stage string, id domain.FootprintID, err error) error {
	e.metrics.FootprintFailures.WithLabelValues(stage, failureReason(err)).Inc()
	return &StageError{Stage: stage, FootprintID: id, Err: err}
}

// StageError reports which stage failed for which footprint.
type StageError struct {
	Stage       string
	FootprintID domain.FootprintID
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s footprint %s: %v", e.Stage, e.FootprintID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrNoEvidence):
		return "no_evidence"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "version_conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
