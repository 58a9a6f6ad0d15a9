package domain

import (
	"fmt"
	"slices"
	"time"
)

// Flag records a suppression or conflict adjustment. The vocabulary is closed.
type Flag string

const (
	FlagMasked            Flag = "masked"
	FlagRegressionSuspect Flag = "regression-suspect"
	FlagIsolatedAnomaly   Flag = "isolated-anomaly"
	FlagDisagreement      Flag = "disagreement"
)

var flagOrder = []Flag{FlagMasked, FlagRegressionSuspect, FlagIsolatedAnomaly, FlagDisagreement}

// ParseFlag validates a flag string against the closed vocabulary.
func ParseFlag(s string) (Flag, error) {
	for _, f := range flagOrder {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown assessment flag %q", s)
}

// NormalizeFlags deduplicates flags and orders them canonically.
func NormalizeFlags(flags []Flag) []Flag {
	out := make([]Flag, 0, len(flags))
	for _, f := range flagOrder {
		if slices.Contains(flags, f) {
			out = append(out, f)
		}
	}
	return out
}

// ChannelEstimate is the grade one signal channel voted for.
type ChannelEstimate struct {
	Channel string      `json:"channel"`
	Grade   DamageGrade `json:"grade"`
	Weight  float64     `json:"weight"`
}

// Breakdown records the evidence behind a fused grade.
type Breakdown struct {
	SignalContribution float64           `json:"signal_contribution"`
	TagContribution    float64           `json:"tag_contribution"`
	AutomatedGrade     *DamageGrade      `json:"automated_grade,omitempty"`
	CrowdGrade         *DamageGrade      `json:"crowd_grade,omitempty"`
	CrowdTrusted       bool              `json:"crowd_trusted"`
	Disagreement       int               `json:"disagreement"`
	Coverage           float64           `json:"coverage"`
	ChannelAgreement   float64           `json:"channel_agreement"`
	Channels           []ChannelEstimate `json:"channels,omitempty"`
}

// CrowdCorroborated reports whether trusted crowd evidence backs the automated estimate.
func (b Breakdown) CrowdCorroborated() bool {
	return b.CrowdTrusted && b.CrowdGrade != nil && b.Disagreement <= 1
}

// Decision is the suppressed outcome for one footprint, ready to commit.
type Decision struct {
	Grade      DamageGrade `json:"grade"`
	Confidence float64     `json:"confidence"`
	Flags      []Flag      `json:"flags"`
	Breakdown  Breakdown   `json:"breakdown"`
}

// Assessment is one immutable, versioned damage record for a footprint.
type Assessment struct {
	FootprintID FootprintID `json:"footprint_id"`
	Version     int         `json:"version"`
	Grade       DamageGrade `json:"grade"`
	Confidence  float64     `json:"confidence"`
	Flags       []Flag      `json:"flags"`
	Breakdown   Breakdown   `json:"breakdown"`
	Timestamp   time.Time   `json:"timestamp"`
}

// HasFlag reports whether the assessment carries f.
func (a Assessment) HasFlag(f Flag) bool {
	return slices.Contains(a.Flags, f)
}
