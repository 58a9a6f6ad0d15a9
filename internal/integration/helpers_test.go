//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
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
	"github.com/paulmach/orb"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

const testSensor = "sentinel-1"

var (
	eventStart = time.Date(2025, 3, 30, 6, 0, 0, 0, time.UTC)
	preTime    = eventStart.Add(-10 * 24 * time.Hour)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node KRaft broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("damage-engine-test"))
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start kafka container")

	brokers, err := ctr.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

// createTopic creates a single-partition topic through the cluster controller.
func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrlConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer func() { _ = ctrlConn.Close() }()

	require.NoError(t, ctrlConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// startPostgres runs a throwaway database and returns its DSN.
func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("damage"),
		tcpostgres.WithUsername("damage"),
		tcpostgres.WithPassword("damage"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start postgres container")

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

// square returns a footprint polygon roughly 22m on a side with its south-west corner at (x, y).
func square(x, y float64) orb.Polygon {
	const d = 0.0002
	return orb.Polygon{{{x, y}, {x + d, y}, {x + d, y + d}, {x, y + d}, {x, y}}}
}

// service holds the in-process components the engine binary wires together.
type service struct {
	registry *registry.Registry
	ingestor *ingest.Ingestor
	tags     *tags.Aggregator
	engine   *pipeline.Engine
	metrics  *observability.Metrics
}

func newService(st store.Store) *service {
	logger := discardLogger()
	reg := registry.New(logger)
	svc := &service{
		registry: reg,
		ingestor: ingest.New(ingest.DefaultConfig(), reg, ingest.NewHistory(), logger),
		tags:     tags.New(tags.DefaultConfig(), reg),
		metrics:  observability.NewMetricsForTesting(),
	}
	svc.engine = pipeline.NewEngine(pipeline.EngineDeps{
		Footprints: reg,
		Signals:    svc.ingestor.History(),
		Consensus:  svc.tags,
		Classifier: fusion.New(fusion.DefaultConfig()),
		Suppressor: suppress.New(suppress.DefaultConfig()),
		Store:      st,
		Logger:     logger,
		Metrics:    svc.metrics,
	})
	return svc
}

func (s *service) register(t *testing.T, x, y float64) domain.FootprintID {
	t.Helper()
	id, err := s.registry.Register(square(x, y), "MM-06")
	require.NoError(t, err)
	return id
}

// amplitudeProduct is a full-coverage product whose amplitude channel reads value everywhere.
func amplitudeProduct(id domain.FootprintID, value float64) domain.ChangeProduct {
	samples := make([]domain.RasterSample, 6)
	for i := range samples {
		samples[i] = domain.RasterSample{Channel: domain.ChannelAmplitudeDiff, Value: value, Weight: 1}
	}
	return domain.ChangeProduct{
		FootprintID: id,
		Sensor:      testSensor,
		PreTime:     preTime,
		PostTime:    eventStart,
		Samples:     samples,
	}
}
