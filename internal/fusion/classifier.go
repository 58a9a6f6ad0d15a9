// Package fusion combines automated change-detection evidence with crowd
// consensus into a single damage grade and confidence.
package fusion

import (
	"fmt"
	"math"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
)

// Config holds the tunable fusion parameters.
type Config struct {
	Profiles domain.ProfileSet

	// CrowdTrustThreshold is the agreement ratio a consensus must exceed to be blended.
	CrowdTrustThreshold float64
	// CrowdSaturation is the tagger count at which crowd weight reaches half its agreement ratio.
	CrowdSaturation float64
	// DisagreementCap bounds confidence when crowd and automated grades differ by two or more levels.
	DisagreementCap float64
	// AutomatedCeiling bounds confidence backed by automated evidence alone.
	AutomatedCeiling float64
	// InsufficientCoverageWeight scales channel weights of vectors flagged InsufficientCoverage.
	InsufficientCoverageWeight float64
}

// DefaultConfig returns the default fusion parameters.
func DefaultConfig() Config {
	return Config{
		Profiles:                   domain.DefaultProfiles(),
		CrowdTrustThreshold:        0.6,
		CrowdSaturation:            3,
		DisagreementCap:            0.5,
		AutomatedCeiling:           0.85,
		InsufficientCoverageWeight: 0.25,
	}
}

// disagreementLevels is the largest possible grade distance plus one; each
// level of disagreement removes one share of confidence.
const disagreementLevels = float64(domain.GradeCount)

// maxGradeVariance is the largest weighted variance of grades on the scale.
const maxGradeVariance = float64(domain.MaxGrade*domain.MaxGrade) / 4

// Result is the fused outcome before suppression.
type Result struct {
	Grade      domain.DamageGrade
	Confidence float64
	Breakdown  domain.Breakdown
	Flags      []domain.Flag
}

// Classifier fuses signal vectors and consensus tags.
type Classifier struct {
	cfg Config
}

// New creates a Classifier.
func New(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify fuses the automated evidence in vector (may be nil) with consensus
// (may be nil, e.g. after an insufficient-tags fallback).
func (c *Classifier) Classify(vector *domain.SignalVector, consensus *domain.ConsensusTag) (Result, error) {
	auto, autoOK := c.automated(vector)

	var bd domain.Breakdown
	if vector != nil {
		bd.Coverage = vector.Coverage
	}

	crowdTrusted := false
	if consensus != nil {
		g := consensus.Grade
		bd.CrowdGrade = &g
		crowdTrusted = consensus.TaggerCount > 0 && consensus.AgreementRatio > c.cfg.CrowdTrustThreshold
	}
	bd.CrowdTrusted = crowdTrusted

	if !autoOK && !crowdTrusted {
		return Result{}, fmt.Errorf("classify: %w", domain.ErrNoEvidence)
	}

	var (
		grade     domain.DamageGrade
		autoConf  float64
		crowdConf float64
		lambda    float64
	)

	if autoOK {
		g := auto.grade
		bd.AutomatedGrade = &g
		bd.Channels = auto.estimates
		bd.ChannelAgreement = auto.agreement
		autoConf = c.cfg.AutomatedCeiling * auto.agreement * math.Min(auto.coverage, 1)
	}

	if crowdTrusted {
		crowdConf = c.crowdWeight(consensus)
	}

	switch {
	case autoOK && crowdTrusted:
		lambda = crowdConf
		blended := (1-lambda)*float64(auto.grade) + lambda*float64(consensus.Grade)
		grade = domain.ClampGrade(int(math.Floor(blended + 0.5)))
	case autoOK:
		grade = auto.grade
	default:
		lambda = 1
		grade = consensus.Grade
	}
	bd.TagContribution = lambda
	bd.SignalContribution = 1 - lambda

	base := 1 - (1-autoConf)*(1-crowdConf)

	var flags []domain.Flag
	if autoOK && consensus != nil {
		bd.Disagreement = auto.grade.Distance(consensus.Grade)
	}
	confidence := base * (1 - float64(bd.Disagreement)/disagreementLevels)
	if bd.Disagreement >= 2 {
		confidence = math.Min(confidence, c.cfg.DisagreementCap)
		flags = append(flags, domain.FlagDisagreement)
	}

	return Result{
		Grade:      grade,
		Confidence: clamp01(confidence),
		Breakdown:  bd,
		Flags:      flags,
	}, nil
}

// crowdWeight grows with agreement ratio and with the number of taggers,
// saturating toward the agreement ratio as taggers accumulate.
func (c *Classifier) crowdWeight(consensus *domain.ConsensusTag) float64 {
	n := float64(consensus.TaggerCount)
	return consensus.AgreementRatio * n / (n + c.cfg.CrowdSaturation)
}

type automatedEstimate struct {
	grade     domain.DamageGrade
	agreement float64
	coverage  float64
	estimates []domain.ChannelEstimate
}

// automated runs the weighted channel vote. It reports false when no channel
// carries a positive weight.
func (c *Classifier) automated(vector *domain.SignalVector) (automatedEstimate, bool) {
	if vector == nil || len(vector.Channels) == 0 {
		return automatedEstimate{}, false
	}
	profile, ok := c.cfg.Profiles.Resolve(vector.Sensor, vector.Region)
	if !ok {
		return automatedEstimate{}, false
	}

	penalty := 1.0
	if vector.InsufficientCoverage {
		penalty = c.cfg.InsufficientCoverageWeight
	}

	var (
		votes     [domain.GradeCount]float64
		estimates []domain.ChannelEstimate
		totalW    float64
		sumWG     float64
	)
	for _, ch := range vector.Channels {
		th, ok := profile[ch.Name]
		if !ok {
			continue
		}
		w := th.Weight * coverageFactor(ch.Coverage) * penalty
		if w <= 0 {
			continue
		}
		g := ChannelGrade(ch.Mean, th)
		votes[g] += w
		totalW += w
		sumWG += w * float64(g)
		estimates = append(estimates, domain.ChannelEstimate{Channel: ch.Name, Grade: g, Weight: w})
	}
	if totalW == 0 {
		return automatedEstimate{}, false
	}

	winner := domain.NoDamage
	for _, g := range domain.Grades() {
		if votes[g] >= votes[winner] {
			winner = g
		}
	}

	mean := sumWG / totalW
	var variance float64
	for _, e := range estimates {
		d := float64(e.Grade) - mean
		variance += e.Weight * d * d
	}
	variance /= totalW

	return automatedEstimate{
		grade:     winner,
		agreement: clamp01(1 - variance/maxGradeVariance),
		coverage:  vector.Coverage,
		estimates: estimates,
	}, true
}

// ChannelGrade maps a channel mean onto the damage scale using its thresholds:
// below low is no damage; the lower and upper halves of [low, high) are
// possible and moderate damage; [high, 2·high−low) is severe; beyond is destroyed.
func ChannelGrade(mean float64, th domain.ChannelThreshold) domain.DamageGrade {
	span := th.High - th.Low
	if span <= 0 {
		if mean >= th.High {
			return domain.SevereDamage
		}
		return domain.NoDamage
	}
	pos := (mean - th.Low) / span
	switch {
	case pos < 0:
		return domain.NoDamage
	case pos < 0.5:
		return domain.PossibleDamage
	case pos < 1:
		return domain.ModerateDamage
	case pos < 2:
		return domain.SevereDamage
	default:
		return domain.Destroyed
	}
}

func coverageFactor(coverage float64) float64 {
	if coverage <= 0 {
		return 0
	}
	return math.Min(coverage, 1)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
