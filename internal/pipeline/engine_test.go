package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/fusion"
	"github.com/couchcryptid/damage-assessment-service/internal/ingest"
	"github.com/couchcryptid/damage-assessment-service/internal/observability"
	"github.com/couchcryptid/damage-assessment-service/internal/pipeline"
	"github.com/couchcryptid/damage-assessment-service/internal/registry"
	"github.com/couchcryptid/damage-assessment-service/internal/store"
	"github.com/couchcryptid/damage-assessment-service/internal/suppress"
	"github.com/couchcryptid/damage-assessment-service/internal/tags"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSensor = "sentinel-1"

var (
	eventStart = time.Date(2025, 3, 30, 6, 0, 0, 0, time.UTC)
	preTime    = eventStart.Add(-10 * 24 * time.Hour)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// square returns a footprint polygon roughly 22m on a side with its south-west corner at (x, y).
func square(x, y float64) orb.Polygon {
	const d = 0.0002
	return orb.Polygon{{{x, y}, {x + d, y}, {x + d, y + d}, {x, y + d}, {x, y}}}
}

// harness wires the real components the way the service does, backed by the
// in-memory store and a fake clock.
type harness struct {
	registry *registry.Registry
	ingestor *ingest.Ingestor
	tags     *tags.Aggregator
	store    *store.Memory
	masks    *suppress.MaskIndex
	clock    *clockwork.FakeClock
	metrics  *observability.Metrics
	engine   *pipeline.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := discardLogger()
	clock := clockwork.NewFakeClockAt(eventStart)
	reg := registry.New(logger)
	h := &harness{
		registry: reg,
		ingestor: ingest.New(ingest.DefaultConfig(), reg, ingest.NewHistory(), logger),
		tags:     tags.New(tags.DefaultConfig(), reg),
		store:    store.NewMemory(clock),
		masks:    suppress.NewMaskIndex(),
		clock:    clock,
		metrics:  observability.NewMetricsForTesting(),
	}
	h.engine = pipeline.NewEngine(pipeline.EngineDeps{
		Footprints: reg,
		Signals:    h.ingestor.History(),
		Consensus:  h.tags,
		Classifier: fusion.New(fusion.DefaultConfig()),
		Suppressor: suppress.New(suppress.DefaultConfig()),
		Masks:      h.masks,
		Store:      h.store,
		Clock:      clock,
		Logger:     logger,
		Metrics:    h.metrics,
	})
	return h
}

func (h *harness) register(t *testing.T, x, y float64) domain.FootprintID {
	t.Helper()
	id, err := h.registry.Register(square(x, y), "MM-06")
	require.NoError(t, err)
	return id
}

// ingestAmplitude records a full-coverage product whose amplitude channel reads value everywhere.
func (h *harness) ingestAmplitude(t *testing.T, id domain.FootprintID, value float64) {
	t.Helper()
	samples := make([]domain.RasterSample, 6)
	for i := range samples {
		samples[i] = domain.RasterSample{Channel: domain.ChannelAmplitudeDiff, Value: value, Weight: 1}
	}
	_, err := h.ingestor.Ingest(id, samples, testSensor, preTime, h.clock.Now())
	require.NoError(t, err)
}

// tag submits one tag per tagger numbered first..first+taggers-1.
func (h *harness) tag(t *testing.T, id domain.FootprintID, grade domain.DamageGrade, first, taggers int) {
	t.Helper()
	for i := first; i < first+taggers; i++ {
		added, err := h.tags.Add(domain.VolunteerTag{
			FootprintID: id,
			TaggerID:    fmt.Sprintf("volunteer-%d", i),
			Grade:       grade,
			Timestamp:   h.clock.Now().Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		require.True(t, added)
	}
}

// Scenario A: strong amplitude change and no tags yields a severe grade.
func TestEngine_Assess_AutomatedOnly(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, 96.0, 21.0)
	h.ingestAmplitude(t, id, 0.9)

	a, err := h.engine.Assess(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id, a.FootprintID)
	assert.Equal(t, 1, a.Version)
	assert.Equal(t, domain.SevereDamage, a.Grade)
	assert.Greater(t, a.Confidence, 0.0)
	assert.Less(t, a.Confidence, 1.0)
	assert.Empty(t, a.Flags)
	assert.Equal(t, eventStart, a.Timestamp)
	assert.InDelta(t, 1.0, a.Breakdown.SignalContribution, 1e-9)

	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.AssessmentsCommitted), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Grades.WithLabelValues("severe-damage")), 0)
}

// Scenario B: a unanimous crowd contradicts the automated reading.
func TestEngine_Assess_LargeDisagreement(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, 96.0, 21.0)
	h.ingestAmplitude(t, id, 0.1)
	h.tag(t, id, domain.Destroyed, 0, 5)

	a, err := h.engine.Assess(context.Background(), id)
	require.NoError(t, err)

	// Five unanimous taggers weigh 5/(5+3); (3/8)*0 + (5/8)*4 = 2.5 rounds up.
	assert.Equal(t, domain.SevereDamage, a.Grade)
	assert.InDelta(t, 0.625, a.Breakdown.TagContribution, 1e-9)
	assert.InDelta(t, 0.375, a.Breakdown.SignalContribution, 1e-9)
	assert.LessOrEqual(t, a.Confidence, 0.5)
	assert.True(t, a.HasFlag(domain.FlagDisagreement))
	assert.Equal(t, 4, a.Breakdown.Disagreement)
}

// Scenario C: vegetation covering the footprint suppresses the change signal.
func TestEngine_Assess_Masked(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, 96.0, 21.0)
	h.masks.Add(suppress.MaskPolygon{
		Kind:    suppress.MaskVegetation,
		Polygon: orb.Polygon{{{95.9, 20.9}, {96.1, 20.9}, {96.1, 21.1}, {95.9, 21.1}, {95.9, 20.9}}},
	})
	h.ingestAmplitude(t, id, 0.6)

	a, err := h.engine.Assess(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, domain.NoDamage, a.Grade)
	assert.Equal(t, []domain.Flag{domain.FlagMasked}, a.Flags)
}

// Scenario D: a destroyed building reads as undamaged ten days later.
func TestEngine_Assess_RegressionSuspect(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, 96.0, 21.0)
	ctx := context.Background()

	h.ingestAmplitude(t, id, 1.5)
	first, err := h.engine.Assess(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.Destroyed, first.Grade)

	h.clock.Advance(10 * 24 * time.Hour)
	h.ingestAmplitude(t, id, 0.1)
	second, err := h.engine.Assess(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, 2, second.Version)
	assert.Equal(t, domain.NoDamage, second.Grade)
	assert.Equal(t, []domain.Flag{domain.FlagRegressionSuspect}, second.Flags)

	var versions []int
	for a, err := range h.store.History(ctx, id) {
		require.NoError(t, err)
		versions = append(versions, a.Version)
	}
	assert.Equal(t, []int{1, 2}, versions)
}

func TestEngine_Assess_RegressionFlagSurvivesReassessment(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, 96.0, 21.0)
	ctx := context.Background()

	h.ingestAmplitude(t, id, 1.5)
	_, err := h.engine.Assess(ctx, id)
	require.NoError(t, err)

	h.clock.Advance(10 * 24 * time.Hour)
	h.ingestAmplitude(t, id, 0.1)
	second, err := h.engine.Assess(ctx, id)
	require.NoError(t, err)
	require.True(t, second.HasFlag(domain.FlagRegressionSuspect))

	// A sweep reassesses with no new evidence; the destroyed version is still
	// inside the repair window.
	h.clock.Advance(24 * time.Hour)
	third, err := h.engine.Assess(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Version)
	assert.Equal(t, domain.NoDamage, third.Grade)
	assert.Equal(t, []domain.Flag{domain.FlagRegressionSuspect}, third.Flags)

	// Once the destroyed version ages out of the window the flag clears.
	h.clock.Advance(90 * 24 * time.Hour)
	fourth, err := h.engine.Assess(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, fourth.Flags)
}

func TestEngine_Assess_IsolatedAnomaly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	target := h.register(t, 96.0, 21.0)
	neighbor := h.register(t, 96.0003, 21.0)

	h.ingestAmplitude(t, neighbor, 0.1)
	_, err := h.engine.Assess(ctx, neighbor)
	require.NoError(t, err)

	h.ingestAmplitude(t, target, 0.9)
	a, err := h.engine.Assess(ctx, target)
	require.NoError(t, err)

	assert.Equal(t, domain.SevereDamage, a.Grade)
	assert.Equal(t, []domain.Flag{domain.FlagIsolatedAnomaly}, a.Flags)
	assert.Less(t, a.Confidence, 0.5)
}

func TestEngine_Assess_CrowdOnlyAfterInsufficientTags(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, 96.0, 21.0)
	h.tag(t, id, domain.ModerateDamage, 0, 1)

	_, err := h.engine.Assess(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrNoEvidence, "a lone tagger cannot support a grade")

	var stageErr *pipeline.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "classify", stageErr.Stage)
	assert.Equal(t, id, stageErr.FootprintID)

	h.tag(t, id, domain.ModerateDamage, 1, 3)
	a, err := h.engine.Assess(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.ModerateDamage, a.Grade)
	assert.InDelta(t, 1.0, a.Breakdown.TagContribution, 1e-9)
}

func TestEngine_Assess_UnknownFootprint(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Assess(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.FootprintFailures.WithLabelValues("lookup", "not_found")), 0)
}

func TestEngine_Assess_CancelledCommitsNothing(t *testing.T) {
	h := newHarness(t)
	id := h.register(t, 96.0, 21.0)
	h.ingestAmplitude(t, id, 0.9)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Assess(ctx, id)
	require.ErrorIs(t, err, context.Canceled)

	_, err = h.store.Latest(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
