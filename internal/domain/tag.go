package domain

import "time"

// VolunteerTag is one damage annotation from a volunteer. Tags are never
// mutated; a correction is a new tag with a later timestamp.
type VolunteerTag struct {
	FootprintID FootprintID `json:"footprint_id"`
	TaggerID    string      `json:"tagger_id"`
	Grade       DamageGrade `json:"grade"`
	Timestamp   time.Time   `json:"timestamp"`
	Note        string      `json:"note,omitempty"`
}

// ConsensusTag is the reconciled crowd label for one footprint.
type ConsensusTag struct {
	FootprintID    FootprintID `json:"footprint_id"`
	Grade          DamageGrade `json:"grade"`
	AgreementRatio float64     `json:"agreement_ratio"`
	TaggerCount    int         `json:"tagger_count"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
