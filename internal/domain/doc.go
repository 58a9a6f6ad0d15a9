// Package domain models post-disaster building damage assessment.
//
// # Evidence sources
//
// Two independent sources describe each building footprint:
//
//	Change detection: pre/post event rasters (SAR amplitude difference, SAR
//	coherence drop, optical differencing, classifier scores) aggregated per
//	footprint into a [SignalVector].
//	Volunteers: independent [VolunteerTag] annotations reconciled into a
//	[ConsensusTag] with one vote per tagger.
//
// # Damage scale
//
// [DamageGrade] is ordered:
//
//	no-damage < possible-damage < moderate-damage < severe-damage < destroyed
//
// The ordinal is used for tie-breaking (ties resolve toward the more severe
// grade), for blending crowd and automated estimates, and for disagreement
// distances (|automated - crowd| in grade levels).
//
// # Assessments
//
// An [Assessment] is immutable and versioned per footprint. Versions start at
// 1 and increase by exactly one per commit. Corrections append a new version.
// Every adjustment made after fusion is recorded as a [Flag]:
//
//	masked              footprint overlaps vegetation/water beyond the mask threshold
//	regression-suspect  grade dropped below the prior version inside the repair window
//	isolated-anomaly    severe/destroyed with all neighbours undamaged and no crowd support
//	disagreement        crowd and automated estimates differ by two or more grades
//
// # Errors
//
// Per-footprint failures are reported with the sentinels in errors.go and
// never abort a batch.
package domain
