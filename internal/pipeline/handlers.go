package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/observability"
	"github.com/couchcryptid/damage-assessment-service/internal/tags"
)

// Handler turns one input message into zero or more committed assessments.
type Handler interface {
	Handle(ctx context.Context, raw domain.RawMessage) ([]domain.Assessment, error)
}

// Ingestor aggregates raster samples into a signal vector and records
// vectors into the signal history.
type Ingestor interface {
	Aggregate(id domain.FootprintID, samples []domain.RasterSample, sensor string, pre, post time.Time) (domain.SignalVector, error)
	Record(v domain.SignalVector)
}

// TagSink accepts volunteer tags and reports whether a tag was new.
type TagSink interface {
	Add(tag domain.VolunteerTag) (bool, error)
}

// Journal durably stores the inputs held in memory. Both writes are
// idempotent on the input's natural key. Handlers write to the journal before
// updating memory, so a committed offset never covers state that only lived
// in the process.
type Journal interface {
	AppendTag(ctx context.Context, tag domain.VolunteerTag) error
	AppendVector(ctx context.Context, v domain.SignalVector) error
}

// Assessor produces the next assessment for a footprint.
type Assessor interface {
	Assess(ctx context.Context, id domain.FootprintID) (domain.Assessment, error)
}

// ProductHandler ingests change-detection products and reassesses the footprint.
type ProductHandler struct {
	ingestor Ingestor
	assessor Assessor
	journal  Journal
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewProductHandler creates a ProductHandler.
func NewProductHandler(ingestor Ingestor, assessor Assessor, logger *slog.Logger, metrics *observability.Metrics) *ProductHandler {
	return &ProductHandler{ingestor: ingestor, assessor: assessor, logger: logger, metrics: metrics}
}

// WithJournal makes h journal every signal vector before recording it.
func (h *ProductHandler) WithJournal(j Journal) *ProductHandler {
	h.journal = j
	return h
}

func (h *ProductHandler) Handle(ctx context.Context, raw domain.RawMessage) ([]domain.Assessment, error) {
	product, err := ParseProduct(raw)
	if err != nil {
		return nil, err
	}

	v, err := h.ingestor.Aggregate(product.FootprintID, product.Samples, product.Sensor, product.PreTime, product.PostTime)
	switch {
	case errors.Is(err, domain.ErrInsufficientCoverage):
		h.logger.Info("insufficient coverage, evidence down-weighted",
			"footprint_id", product.FootprintID, "coverage", v.Coverage, "sensor", product.Sensor)
	case err != nil:
		return nil, fmt.Errorf("ingest product: %w", err)
	}
	if h.journal != nil {
		if err := h.journal.AppendVector(ctx, v); err != nil {
			return nil, err
		}
	}
	h.ingestor.Record(v)
	h.metrics.ProductsConsumed.Inc()

	return assessOne(ctx, h.assessor, product.FootprintID, h.logger)
}

// TagHandler records volunteer tags and reassesses the footprint when the tag is new.
type TagHandler struct {
	tags     TagSink
	assessor Assessor
	journal  Journal
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewTagHandler creates a TagHandler.
func NewTagHandler(tags TagSink, assessor Assessor, logger *slog.Logger, metrics *observability.Metrics) *TagHandler {
	return &TagHandler{tags: tags, assessor: assessor, logger: logger, metrics: metrics}
}

// WithJournal makes h journal every valid tag before adding it to the log.
func (h *TagHandler) WithJournal(j Journal) *TagHandler {
	h.journal = j
	return h
}

func (h *TagHandler) Handle(ctx context.Context, raw domain.RawMessage) ([]domain.Assessment, error) {
	tag, err := ParseTag(raw)
	if err != nil {
		return nil, err
	}
	return h.Submit(ctx, tag)
}

// Submit adds tag and reassesses its footprint. Duplicate submissions return
// no assessment.
func (h *TagHandler) Submit(ctx context.Context, tag domain.VolunteerTag) ([]domain.Assessment, error) {
	if h.journal != nil {
		if err := tags.Validate(tag); err != nil {
			return nil, fmt.Errorf("add tag: %w", err)
		}
		if err := h.journal.AppendTag(ctx, tag); err != nil {
			return nil, err
		}
	}
	added, err := h.tags.Add(tag)
	if err != nil {
		return nil, fmt.Errorf("add tag: %w", err)
	}
	if !added {
		h.logger.Debug("duplicate tag ignored", "footprint_id", tag.FootprintID, "tagger_id", tag.TaggerID)
		return nil, nil
	}
	h.metrics.TagsConsumed.Inc()

	return assessOne(ctx, h.assessor, tag.FootprintID, h.logger)
}

// assessOne treats missing evidence as nothing to publish rather than a failure:
// a product with no valid pixels or a lone untrusted tag cannot support a grade.
func assessOne(ctx context.Context, assessor Assessor, id domain.FootprintID, logger *slog.Logger) ([]domain.Assessment, error) {
	a, err := assessor.Assess(ctx, id)
	if errors.Is(err, domain.ErrNoEvidence) {
		logger.Info("no usable evidence yet, assessment deferred", "footprint_id", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []domain.Assessment{a}, nil
}

// ParseProduct decodes and validates a change-detection product message.
func ParseProduct(raw domain.RawMessage) (domain.ChangeProduct, error) {
	var p domain.ChangeProduct
	if err := json.Unmarshal(raw.Value, &p); err != nil {
		return domain.ChangeProduct{}, fmt.Errorf("decode change product: %w", err)
	}
	if p.FootprintID == "" {
		p.FootprintID = domain.FootprintID(raw.Key)
	}
	switch {
	case p.FootprintID == "":
		return domain.ChangeProduct{}, errors.New("decode change product: footprint_id is required")
	case p.Sensor == "":
		return domain.ChangeProduct{}, errors.New("decode change product: sensor is required")
	case p.PreTime.IsZero() || p.PostTime.IsZero():
		return domain.ChangeProduct{}, errors.New("decode change product: pre_time and post_time are required")
	}
	return p, nil
}

// ParseTag decodes a volunteer tag message. Field validation happens in the aggregator.
func ParseTag(raw domain.RawMessage) (domain.VolunteerTag, error) {
	var t domain.VolunteerTag
	if err := json.Unmarshal(raw.Value, &t); err != nil {
		return domain.VolunteerTag{}, fmt.Errorf("decode volunteer tag: %w", err)
	}
	if t.FootprintID == "" {
		t.FootprintID = domain.FootprintID(raw.Key)
	}
	return t, nil
}
