// Package ingest aggregates per-pixel change-detection samples into
// per-footprint signal vectors.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/montanaflynn/stats"
	"github.com/paulmach/orb/planar"
)

// Config controls aggregation.
type Config struct {
	// MinCoverage is the minimum fraction of expected pixels that must be
	// present for a vector to count as fully usable.
	MinCoverage float64
	// PixelSizeMeters is the ground edge length of one raster pixel.
	PixelSizeMeters float64
	// NoData is the raster nodata sentinel. NaN and infinities are always dropped.
	NoData *float64
	// Profiles holds channel thresholds per sensor and region.
	Profiles domain.ProfileSet
}

// DefaultConfig returns aggregation defaults for 10m SAR products.
func DefaultConfig() Config {
	return Config{
		MinCoverage:     0.3,
		PixelSizeMeters: 10,
		Profiles:        domain.DefaultProfiles(),
	}
}

// FootprintLookup resolves registered footprints.
type FootprintLookup interface {
	Lookup(id domain.FootprintID) (domain.Footprint, error)
}

// Ingestor turns raster samples into signal vectors and records their history.
type Ingestor struct {
	cfg        Config
	footprints FootprintLookup
	history    *History
	logger     *slog.Logger
}

// New creates an Ingestor.
func New(cfg Config, footprints FootprintLookup, history *History, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		cfg:        cfg,
		footprints: footprints,
		history:    history,
		logger:     logger,
	}
}

// History returns the signal vector history the ingestor records into.
func (in *Ingestor) History() *History {
	return in.history
}

// Ingest aggregates samples for one footprint and acquisition pair and records
// the vector in the history.
//
// When coverage falls below the configured minimum the populated vector is
// still returned and recorded, flagged InsufficientCoverage, together with a
// *domain.CoverageError so callers can down-weight rather than discard it.
func (in *Ingestor) Ingest(id domain.FootprintID, samples []domain.RasterSample, sensor string, pre, post time.Time) (domain.SignalVector, error) {
	vector, err := in.Aggregate(id, samples, sensor, pre, post)
	if err != nil && !errors.Is(err, domain.ErrInsufficientCoverage) {
		return vector, err
	}
	in.Record(vector)
	return vector, err
}

// Record stores v in the history. Vectors restored from a journal take this
// path without being aggregated again.
func (in *Ingestor) Record(v domain.SignalVector) {
	if in.history != nil {
		in.history.Record(v)
	}
}

// Aggregate is Ingest without recording the result.
func (in *Ingestor) Aggregate(id domain.FootprintID, samples []domain.RasterSample, sensor string, pre, post time.Time) (domain.SignalVector, error) {
	if !post.After(pre) {
		return domain.SignalVector{}, fmt.Errorf("ingest footprint %s: post acquisition %s is not after pre acquisition %s",
			id, post.Format(time.RFC3339), pre.Format(time.RFC3339))
	}

	fp, err := in.footprints.Lookup(id)
	if err != nil {
		return domain.SignalVector{}, fmt.Errorf("ingest: %w", err)
	}

	profile, ok := in.cfg.Profiles.Resolve(sensor, fp.Region)
	if !ok {
		return domain.SignalVector{}, fmt.Errorf("ingest footprint %s: no channel profile for sensor %q region %q", id, sensor, fp.Region)
	}

	vector := domain.SignalVector{
		FootprintID: id,
		Sensor:      sensor,
		Region:      fp.Region,
		PreTime:     pre,
		PostTime:    post,
	}

	expected := in.expectedPixels(fp)
	grouped, dropped := in.groupSamples(fp, profile, samples)
	if dropped > 0 {
		in.logger.Debug("dropped raster samples", "footprint_id", id, "dropped", dropped)
	}

	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cs, err := aggregate(name, grouped[name], profile[name], expected)
		if err != nil {
			in.logger.Warn("channel aggregation failed", "footprint_id", id, "channel", name, "error", err)
			continue
		}
		vector.Channels = append(vector.Channels, cs)
		vector.Coverage = math.Max(vector.Coverage, cs.Coverage)
	}

	var covErr error
	if vector.Coverage < in.cfg.MinCoverage {
		vector.InsufficientCoverage = true
		covErr = &domain.CoverageError{FootprintID: id, Coverage: vector.Coverage, Minimum: in.cfg.MinCoverage}
	}

	return vector, covErr
}

type weightedValue struct {
	value  float64
	weight float64
}

// groupSamples drops nodata and out-of-footprint pixels and groups the rest by
// channel. Channels without a configured threshold are ignored.
func (in *Ingestor) groupSamples(fp domain.Footprint, profile domain.ChannelProfile, samples []domain.RasterSample) (map[string][]weightedValue, int) {
	grouped := make(map[string][]weightedValue)
	dropped := 0
	for _, s := range samples {
		if _, ok := profile[s.Channel]; !ok {
			dropped++
			continue
		}
		if in.isNoData(s.Value) {
			dropped++
			continue
		}

		w := s.Weight
		switch {
		case w > 0:
			w = math.Min(w, 1)
		case planar.PolygonContains(fp.Polygon, s.Center):
			w = 1
		default:
			dropped++
			continue
		}
		grouped[s.Channel] = append(grouped[s.Channel], weightedValue{value: s.Value, weight: w})
	}
	return grouped, dropped
}

func (in *Ingestor) isNoData(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return true
	}
	return in.cfg.NoData != nil && v == *in.cfg.NoData
}

func (in *Ingestor) expectedPixels(fp domain.Footprint) float64 {
	pixelArea := in.cfg.PixelSizeMeters * in.cfg.PixelSizeMeters
	if pixelArea <= 0 {
		return 1
	}
	return math.Max(fp.AreaM2/pixelArea, 1)
}

var errNoSamples = errors.New("no valid samples")

// aggregate computes area-weighted statistics for one channel.
func aggregate(name string, values []weightedValue, th domain.ChannelThreshold, expected float64) (domain.ChannelStats, error) {
	if len(values) == 0 {
		return domain.ChannelStats{}, errNoSamples
	}

	var sumW, sumWX, sumAbove float64
	raw := make([]float64, len(values))
	for i, v := range values {
		sumW += v.weight
		sumWX += v.weight * v.value
		if v.value >= th.High {
			sumAbove += v.weight
		}
		raw[i] = v.value
	}
	mean := sumWX / sumW

	var sumSq float64
	for _, v := range values {
		d := v.value - mean
		sumSq += v.weight * d * d
	}

	median, err := stats.Median(raw)
	if err != nil {
		return domain.ChannelStats{}, fmt.Errorf("median: %w", err)
	}
	p90, err := stats.Percentile(raw, 90)
	if err != nil {
		return domain.ChannelStats{}, fmt.Errorf("p90: %w", err)
	}
	lo, err := stats.Min(raw)
	if err != nil {
		return domain.ChannelStats{}, fmt.Errorf("min: %w", err)
	}
	hi, err := stats.Max(raw)
	if err != nil {
		return domain.ChannelStats{}, fmt.Errorf("max: %w", err)
	}

	return domain.ChannelStats{
		Name:          name,
		Mean:          mean,
		Variance:      sumSq / sumW,
		FractionAbove: sumAbove / sumW,
		Median:        median,
		P90:           p90,
		Min:           lo,
		Max:           hi,
		Coverage:      math.Min(sumW/expected, 1),
		Samples:       len(values),
	}, nil
}
