// Package suppress applies context-based corrections to fused damage grades.
// Every adjustment is recorded as a flag; no evidence is discarded.
package suppress

import (
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/fusion"
)

// Config holds the suppression rule parameters.
type Config struct {
	// MaskThreshold is the non-building overlap fraction above which a footprint is masked.
	MaskThreshold float64
	// RepairWindow is how long after a prior assessment a lower grade stays suspect.
	RepairWindow time.Duration
	// NeighborRadius is the centroid distance, in meters, that defines immediate neighbors.
	NeighborRadius float64
	// IsolationPenalty multiplies the confidence of isolated severe grades.
	IsolationPenalty float64
}

// DefaultConfig returns the default suppression parameters.
func DefaultConfig() Config {
	return Config{
		MaskThreshold:    0.8,
		RepairWindow:     90 * 24 * time.Hour,
		NeighborRadius:   50,
		IsolationPenalty: 0.5,
	}
}

// Input is everything the suppressor needs to judge one fused result.
type Input struct {
	Footprint domain.Footprint
	Result    fusion.Result
	// Prior is the highest-graded version committed within RepairWindow of
	// Now, nil when there is none. Comparing against the peak rather than the
	// latest version keeps a regression flagged on every later reassessment.
	Prior *domain.Assessment
	// NeighborGrades are the latest grades of footprints within NeighborRadius.
	NeighborGrades []domain.DamageGrade
	// MaskFraction is the share of the footprint covered by vegetation or water.
	MaskFraction float64
	Now          time.Time
}

// Suppressor applies the mask, temporal and spatial consistency rules in order.
type Suppressor struct {
	cfg Config
}

// New creates a Suppressor.
func New(cfg Config) *Suppressor {
	return &Suppressor{cfg: cfg}
}

// Config returns the suppressor's parameters.
func (s *Suppressor) Config() Config {
	return s.cfg
}

// Suppress returns the decision to commit for in. Flags raised by fusion are
// carried through alongside any added here.
func (s *Suppressor) Suppress(in Input) domain.Decision {
	grade := in.Result.Grade
	confidence := in.Result.Confidence
	flags := append([]domain.Flag(nil), in.Result.Flags...)

	masked := in.MaskFraction > s.cfg.MaskThreshold
	if masked {
		grade = domain.NoDamage
		flags = append(flags, domain.FlagMasked)
	}

	// A masked footprint's drop to no damage is explained by the mask itself.
	if !masked && s.regressionSuspect(in, grade) {
		flags = append(flags, domain.FlagRegressionSuspect)
	}

	if s.isolated(in, grade) {
		confidence *= s.cfg.IsolationPenalty
		flags = append(flags, domain.FlagIsolatedAnomaly)
	}

	return domain.Decision{
		Grade:      grade,
		Confidence: confidence,
		Flags:      domain.NormalizeFlags(flags),
		Breakdown:  in.Result.Breakdown,
	}
}

// regressionSuspect reports a lower grade than a prior version that arrives
// before a repair could plausibly have happened.
func (s *Suppressor) regressionSuspect(in Input, grade domain.DamageGrade) bool {
	if in.Prior == nil || grade >= in.Prior.Grade {
		return false
	}
	return in.Now.Sub(in.Prior.Timestamp) < s.cfg.RepairWindow
}

// isolated reports a severe grade surrounded only by undamaged neighbors
// that no crowd evidence backs up.
func (s *Suppressor) isolated(in Input, grade domain.DamageGrade) bool {
	if grade < domain.SevereDamage || len(in.NeighborGrades) == 0 {
		return false
	}
	if in.Result.Breakdown.CrowdCorroborated() {
		return false
	}
	for _, g := range in.NeighborGrades {
		if g != domain.NoDamage {
			return false
		}
	}
	return true
}
