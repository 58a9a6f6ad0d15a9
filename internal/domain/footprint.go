package domain

import "github.com/paulmach/orb"

// FootprintID is the stable identifier of a registered building footprint.
type FootprintID string

// Footprint is one building polygon. Footprints are immutable once registered;
// a geometry correction registers a new footprint that supersedes the old one.
type Footprint struct {
	ID         FootprintID `json:"id"`
	Polygon    orb.Polygon `json:"polygon"`
	Centroid   orb.Point   `json:"centroid"`
	AreaM2     float64     `json:"area_m2"`
	Region     string      `json:"region"`
	Supersedes FootprintID `json:"supersedes,omitempty"`
}

// BaselineFeature is one polygon from a baseline footprint dataset before registration.
type BaselineFeature struct {
	Ref     string // dataset-local reference used in rejection reports
	Polygon orb.Polygon
	Region  string
}
