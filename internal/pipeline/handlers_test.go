package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/pipeline"
	"github.com/couchcryptid/damage-assessment-service/internal/tags"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIngestor struct {
	vector   domain.SignalVector
	err      error
	calls    int
	gotID    domain.FootprintID
	recorded []domain.SignalVector
}

func (s *stubIngestor) Aggregate(id domain.FootprintID, _ []domain.RasterSample, _ string, _, _ time.Time) (domain.SignalVector, error) {
	s.calls++
	s.gotID = id
	return s.vector, s.err
}

func (s *stubIngestor) Record(v domain.SignalVector) {
	s.recorded = append(s.recorded, v)
}

// memJournal is an in-memory Journal and JournalSource.
type memJournal struct {
	tags    []domain.VolunteerTag
	vectors []domain.SignalVector
	err     error
}

func (j *memJournal) AppendTag(_ context.Context, tag domain.VolunteerTag) error {
	if j.err != nil {
		return j.err
	}
	for _, t := range j.tags {
		if t.FootprintID == tag.FootprintID && t.TaggerID == tag.TaggerID && t.Timestamp.Equal(tag.Timestamp) {
			return nil
		}
	}
	j.tags = append(j.tags, tag)
	return nil
}

func (j *memJournal) AppendVector(_ context.Context, v domain.SignalVector) error {
	if j.err != nil {
		return j.err
	}
	j.vectors = append(j.vectors, v)
	return nil
}

func (j *memJournal) Tags(context.Context) iter.Seq2[domain.VolunteerTag, error] {
	return func(yield func(domain.VolunteerTag, error) bool) {
		for _, t := range j.tags {
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (j *memJournal) Vectors(context.Context) iter.Seq2[domain.SignalVector, error] {
	return func(yield func(domain.SignalVector, error) bool) {
		for _, v := range j.vectors {
			if !yield(v, nil) {
				return
			}
		}
	}
}

type stubAssessor struct {
	err   error
	calls []domain.FootprintID
}

func (s *stubAssessor) Assess(_ context.Context, id domain.FootprintID) (domain.Assessment, error) {
	s.calls = append(s.calls, id)
	if s.err != nil {
		return domain.Assessment{}, s.err
	}
	return domain.Assessment{FootprintID: id, Version: len(s.calls), Grade: domain.ModerateDamage}, nil
}

func productMessage(t *testing.T, p domain.ChangeProduct, key string) domain.RawMessage {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return domain.RawMessage{Key: []byte(key), Value: data}
}

func validProduct() domain.ChangeProduct {
	return domain.ChangeProduct{
		FootprintID: "fp-1",
		Sensor:      testSensor,
		PreTime:     preTime,
		PostTime:    eventStart,
		Samples:     []domain.RasterSample{{Channel: domain.ChannelAmplitudeDiff, Value: 0.8, Weight: 1}},
	}
}

func TestProductHandler_Handle(t *testing.T) {
	ingestor := &stubIngestor{}
	assessor := &stubAssessor{}
	metrics := newTestMetrics()
	h := pipeline.NewProductHandler(ingestor, assessor, discardLogger(), metrics)

	out, err := h.Handle(context.Background(), productMessage(t, validProduct(), "fp-1"))
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, domain.FootprintID("fp-1"), out[0].FootprintID)
	assert.Equal(t, 1, ingestor.calls)
	assert.Len(t, ingestor.recorded, 1)
	assert.Equal(t, []domain.FootprintID{"fp-1"}, assessor.calls)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.ProductsConsumed), 0)
}

func TestProductHandler_InsufficientCoverageStillAssesses(t *testing.T) {
	ingestor := &stubIngestor{
		vector: domain.SignalVector{FootprintID: "fp-1", Coverage: 0.1, InsufficientCoverage: true},
		err:    &domain.CoverageError{FootprintID: "fp-1", Coverage: 0.1, Minimum: 0.3},
	}
	assessor := &stubAssessor{}
	h := pipeline.NewProductHandler(ingestor, assessor, discardLogger(), newTestMetrics())

	out, err := h.Handle(context.Background(), productMessage(t, validProduct(), "fp-1"))
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestProductHandler_Errors(t *testing.T) {
	t.Run("ingest failure", func(t *testing.T) {
		ingestor := &stubIngestor{err: domain.ErrNotFound}
		assessor := &stubAssessor{}
		h := pipeline.NewProductHandler(ingestor, assessor, discardLogger(), newTestMetrics())

		_, err := h.Handle(context.Background(), productMessage(t, validProduct(), "fp-1"))
		require.ErrorIs(t, err, domain.ErrNotFound)
		assert.Empty(t, assessor.calls)
	})

	t.Run("no evidence defers", func(t *testing.T) {
		assessor := &stubAssessor{err: domain.ErrNoEvidence}
		h := pipeline.NewProductHandler(&stubIngestor{}, assessor, discardLogger(), newTestMetrics())

		out, err := h.Handle(context.Background(), productMessage(t, validProduct(), "fp-1"))
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("assessment failure", func(t *testing.T) {
		assessor := &stubAssessor{err: domain.ErrConcurrencyConflict}
		h := pipeline.NewProductHandler(&stubIngestor{}, assessor, discardLogger(), newTestMetrics())

		_, err := h.Handle(context.Background(), productMessage(t, validProduct(), "fp-1"))
		require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	})
}

func TestParseProduct(t *testing.T) {
	p := validProduct()
	p.FootprintID = ""

	parsed, err := pipeline.ParseProduct(productMessage(t, p, "fp-from-key"))
	require.NoError(t, err)
	assert.Equal(t, domain.FootprintID("fp-from-key"), parsed.FootprintID, "message key fills a missing footprint id")
	assert.Equal(t, testSensor, parsed.Sensor)
	assert.True(t, parsed.PostTime.Equal(eventStart))
	require.Len(t, parsed.Samples, 1)
}

func TestParseProduct_Invalid(t *testing.T) {
	noSensor := validProduct()
	noSensor.Sensor = ""
	noTimes := validProduct()
	noTimes.PreTime = time.Time{}
	noID := validProduct()
	noID.FootprintID = ""

	tests := []struct {
		name string
		raw  domain.RawMessage
	}{
		{"not json", domain.RawMessage{Value: []byte("not json")}},
		{"missing sensor", productMessage(t, noSensor, "fp-1")},
		{"missing pre_time", productMessage(t, noTimes, "fp-1")},
		{"missing footprint", productMessage(t, noID, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pipeline.ParseProduct(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestTagHandler_Handle(t *testing.T) {
	agg := tags.New(tags.DefaultConfig(), nil)
	assessor := &stubAssessor{}
	metrics := newTestMetrics()
	h := pipeline.NewTagHandler(agg, assessor, discardLogger(), metrics)

	raw := domain.RawMessage{
		Key:   []byte("fp-1"),
		Value: []byte(`{"tagger_id":"alice","grade":"severe-damage","timestamp":"2025-03-30T08:00:00Z"}`),
	}

	out, err := h.Handle(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, agg.Tags("fp-1"), 1)
	assert.Equal(t, domain.SevereDamage, agg.Tags("fp-1")[0].Grade)

	// Redelivery of the same tag is idempotent and triggers no reassessment.
	out, err = h.Handle(context.Background(), raw)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Len(t, assessor.calls, 1)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.TagsConsumed), 0)
}

func TestTagHandler_Errors(t *testing.T) {
	agg := tags.New(tags.DefaultConfig(), nil)
	assessor := &stubAssessor{}
	h := pipeline.NewTagHandler(agg, assessor, discardLogger(), newTestMetrics())
	ts := time.Date(2025, 3, 30, 8, 0, 0, 0, time.UTC)

	_, err := h.Handle(context.Background(), domain.RawMessage{Value: []byte(`{"grade":"flattened"}`)})
	require.Error(t, err)

	_, err = h.Submit(context.Background(), domain.VolunteerTag{FootprintID: "fp-1", Grade: domain.NoDamage, Timestamp: ts})
	require.ErrorIs(t, err, domain.ErrInvalidTag)

	_, err = h.Submit(context.Background(), domain.VolunteerTag{FootprintID: "fp-1", TaggerID: "bob", Grade: domain.NoDamage, Timestamp: ts})
	require.NoError(t, err)
	_, err = h.Submit(context.Background(), domain.VolunteerTag{FootprintID: "fp-1", TaggerID: "bob", Grade: domain.Destroyed, Timestamp: ts})
	require.ErrorIs(t, err, domain.ErrTagConflict)

	assessor.err = errors.New("store unavailable")
	_, err = h.Submit(context.Background(), domain.VolunteerTag{FootprintID: "fp-1", TaggerID: "carol", Grade: domain.NoDamage, Timestamp: ts})
	require.Error(t, err)
	assert.Len(t, agg.Tags("fp-1"), 2, "the tag is kept even when reassessment fails")
}

func TestProductHandler_JournalsBeforeRecording(t *testing.T) {
	ingestor := &stubIngestor{vector: domain.SignalVector{FootprintID: "fp-1", Sensor: testSensor}}
	journal := &memJournal{}
	h := pipeline.NewProductHandler(ingestor, &stubAssessor{}, discardLogger(), newTestMetrics()).WithJournal(journal)

	_, err := h.Handle(context.Background(), productMessage(t, validProduct(), "fp-1"))
	require.NoError(t, err)
	assert.Len(t, journal.vectors, 1)
	assert.Len(t, ingestor.recorded, 1)

	journal.err = errors.New("database down")
	assessor := &stubAssessor{}
	h = pipeline.NewProductHandler(ingestor, assessor, discardLogger(), newTestMetrics()).WithJournal(journal)
	_, err = h.Handle(context.Background(), productMessage(t, validProduct(), "fp-1"))
	require.Error(t, err)
	assert.Len(t, ingestor.recorded, 1, "a vector that was not journaled is not recorded")
	assert.Empty(t, assessor.calls)
}

func TestTagHandler_JournalsBeforeAdding(t *testing.T) {
	agg := tags.New(tags.DefaultConfig(), nil)
	journal := &memJournal{}
	h := pipeline.NewTagHandler(agg, &stubAssessor{}, discardLogger(), newTestMetrics()).WithJournal(journal)
	ts := time.Date(2025, 3, 30, 8, 0, 0, 0, time.UTC)

	_, err := h.Submit(context.Background(), domain.VolunteerTag{FootprintID: "fp-1", TaggerID: "alice", Grade: domain.Destroyed, Timestamp: ts})
	require.NoError(t, err)
	assert.Len(t, journal.tags, 1)

	_, err = h.Submit(context.Background(), domain.VolunteerTag{FootprintID: "fp-1", Grade: domain.Destroyed, Timestamp: ts})
	require.ErrorIs(t, err, domain.ErrInvalidTag)
	assert.Len(t, journal.tags, 1, "invalid tags are not journaled")

	journal.err = errors.New("database down")
	_, err = h.Submit(context.Background(), domain.VolunteerTag{FootprintID: "fp-1", TaggerID: "bob", Grade: domain.Destroyed, Timestamp: ts})
	require.Error(t, err)
	assert.Len(t, agg.Tags("fp-1"), 1, "a tag that was not journaled stays out of the log")
}

func TestRestore_RebuildsTagLogAndHistory(t *testing.T) {
	ts := time.Date(2025, 3, 30, 8, 0, 0, 0, time.UTC)
	journal := &memJournal{
		tags: []domain.VolunteerTag{
			{FootprintID: "fp-1", TaggerID: "alice", Grade: domain.Destroyed, Timestamp: ts},
			{FootprintID: "fp-1", TaggerID: "bob", Grade: domain.Destroyed, Timestamp: ts.Add(time.Minute)},
			{FootprintID: "fp-1", TaggerID: "", Grade: domain.Destroyed, Timestamp: ts},
		},
		vectors: []domain.SignalVector{{FootprintID: "fp-1", Sensor: testSensor, PreTime: preTime, PostTime: eventStart}},
	}
	agg := tags.New(tags.DefaultConfig(), nil)
	recorder := &stubIngestor{}

	report, err := pipeline.Restore(context.Background(), journal, agg, recorder, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, pipeline.RestoreReport{Tags: 2, Vectors: 1, Skipped: 1}, report)
	assert.Len(t, recorder.recorded, 1)

	consensus, err := agg.Consensus("fp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Destroyed, consensus.Grade)
	assert.Equal(t, 2, consensus.TaggerCount)
}
