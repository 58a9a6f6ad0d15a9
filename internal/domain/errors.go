package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrGeometry marks a malformed footprint polygon.
	ErrGeometry = errors.New("invalid footprint geometry")

	// ErrInsufficientCoverage marks a signal vector built from too few valid pixels.
	// The vector is still returned so the classifier can down-weight it.
	ErrInsufficientCoverage = errors.New("insufficient raster coverage")

	// ErrInsufficientTags marks a footprint with too few distinct taggers for a consensus.
	ErrInsufficientTags = errors.New("insufficient volunteer tags")

	// ErrNotFound is returned for unknown footprints and footprints without assessments.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict is returned when version allocation loses a race.
	ErrConcurrencyConflict = errors.New("assessment version conflict")

	// ErrTagConflict is returned when a tag reuses an existing
	// (footprint, tagger, timestamp) triple with different content.
	ErrTagConflict = errors.New("conflicting volunteer tag")

	// ErrInvalidTag marks a volunteer tag with missing or out-of-range fields.
	ErrInvalidTag = errors.New("invalid tag")

	// ErrNoEvidence is returned when neither signal channels nor a trusted
	// consensus can support a grade.
	ErrNoEvidence = errors.New("no usable evidence")
)

// GeometryError describes why a polygon was rejected.
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("%s: %s", ErrGeometry, e.Reason)
}

func (e *GeometryError) Is(target error) bool {
	return target == ErrGeometry
}

// CoverageError reports the measured coverage of a rejected signal vector.
type CoverageError struct {
	FootprintID FootprintID
	Coverage    float64
	Minimum     float64
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("%s for footprint %s: %.2f < %.2f", ErrInsufficientCoverage, e.FootprintID, e.Coverage, e.Minimum)
}

func (e *CoverageError) Is(target error) bool {
	return target == ErrInsufficientCoverage
}
