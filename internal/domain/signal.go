package domain

import (
	"time"

	"github.com/paulmach/orb"
)

// Well-known change-detection channel names. Any channel name is accepted as
// long as it has a configured threshold profile.
const (
	ChannelAmplitudeDiff   = "amplitude_diff"
	ChannelCoherenceDrop   = "coherence_drop"
	ChannelOpticalChange   = "optical_change"
	ChannelClassifierScore = "classifier_score"
)

// RasterSample is one pixel of a change-detection product.
type RasterSample struct {
	Channel string    `json:"channel"`
	Center  orb.Point `json:"center"` // pixel centre, lon/lat
	Value   float64   `json:"value"`
	// Weight is the fraction of the pixel area inside the footprint. Zero means
	// unknown; the ingestor then tests the pixel centre against the polygon.
	Weight float64 `json:"weight,omitempty"`
}

// ChannelStats is the area-weighted aggregate of one channel over a footprint.
type ChannelStats struct {
	Name          string  `json:"name"`
	Mean          float64 `json:"mean"`
	Variance      float64 `json:"variance"`
	FractionAbove float64 `json:"fraction_above"` // weighted fraction of pixels at or above the high threshold
	Median        float64 `json:"median"`
	P90           float64 `json:"p90"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	Coverage      float64 `json:"coverage"` // valid pixel weight over expected pixels, capped at 1
	Samples       int     `json:"samples"`
}

// SignalVector is the per-footprint aggregate of one acquisition pair.
type SignalVector struct {
	FootprintID          FootprintID    `json:"footprint_id"`
	Channels             []ChannelStats `json:"channels"` // ordered by channel name
	Coverage             float64        `json:"coverage"`
	InsufficientCoverage bool           `json:"insufficient_coverage"`
	Sensor               string         `json:"sensor"`
	Region               string         `json:"region"`
	PreTime              time.Time      `json:"pre_time"`
	PostTime             time.Time      `json:"post_time"`
}

// Channel returns the named channel aggregate.
func (v SignalVector) Channel(name string) (ChannelStats, bool) {
	for _, c := range v.Channels {
		if c.Name == name {
			return c, true
		}
	}
	return ChannelStats{}, false
}

// ChangeProduct is the wire form of a per-footprint change-detection product.
type ChangeProduct struct {
	FootprintID FootprintID    `json:"footprint_id"`
	Sensor      string         `json:"sensor"`
	PreTime     time.Time      `json:"pre_time"`
	PostTime    time.Time      `json:"post_time"`
	Samples     []RasterSample `json:"samples"`
}
