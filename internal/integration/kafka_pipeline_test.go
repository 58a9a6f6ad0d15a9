//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/adapter/kafka"
	"github.com/couchcryptid/damage-assessment-service/internal/config"
	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/pipeline"
	"github.com/couchcryptid/damage-assessment-service/internal/store"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testProductsTopic    = "test-products"
	testTagsTopic        = "test-tags"
	testAssessmentsTopic = "test-assessments"
)

// publishedAssessment holds a deserialized message read from the assessments topic.
type publishedAssessment struct {
	Assessment domain.Assessment
	Key        string
	Headers    map[string]string
}

func readAssessment(ctx context.Context, t *testing.T, consumer *kafkago.Reader) publishedAssessment {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from assessments topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var a domain.Assessment
	require.NoError(t, json.Unmarshal(msg.Value, &a), "unmarshal assessment")
	return publishedAssessment{Assessment: a, Key: string(msg.Key), Headers: headers}
}

func testConfig(broker, group string) *config.Config {
	return &config.Config{
		KafkaBrokers:          []string{broker},
		KafkaProductsTopic:    testProductsTopic,
		KafkaTagsTopic:        testTagsTopic,
		KafkaAssessmentsTopic: testAssessmentsTopic,
		KafkaGroupID:          fmt.Sprintf("%s-%d", group, time.Now().UnixNano()),
		BatchFlushInterval:    2 * time.Second,
	}
}

func startTopics(ctx context.Context, t *testing.T) string {
	t.Helper()
	broker := startKafka(ctx, t)
	for _, topic := range []string{testProductsTopic, testTagsTopic, testAssessmentsTopic} {
		createTopic(t, broker, topic)
	}
	return broker
}

func produce(ctx context.Context, t *testing.T, broker, topic string, msgs ...kafkago.Message) {
	t.Helper()
	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: topic}
	defer func() { _ = producer.Close() }()
	require.NoError(t, producer.WriteMessages(ctx, msgs...))
}

func jsonMessage(t *testing.T, key string, v any) kafkago.Message {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return kafkago.Message{Key: []byte(key), Value: data}
}

func assessmentsConsumer(t *testing.T, broker string) *kafkago.Reader {
	t.Helper()
	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testAssessmentsTopic,
		GroupID:     fmt.Sprintf("test-sink-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })
	return consumer
}

// TestKafkaReaderWriter round-trips one product through the adapters: the
// reader extracts it, the product handler assesses it, and the writer
// publishes the assessment.
func TestKafkaReaderWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startTopics(ctx, t)
	cfg := testConfig(broker, "test-reader")

	svc := newService(store.NewMemory(nil))
	id := svc.register(t, 96.0, 21.0)
	produce(ctx, t, broker, testProductsTopic, jsonMessage(t, string(id), amplitudeProduct(id, 0.9)))

	// Retry because the consumer group may need time to rebalance before
	// partitions are assigned.
	reader := kafka.NewReader(cfg, testProductsTopic, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })

	var batch []domain.RawMessage
	for len(batch) == 0 {
		var err error
		batch, err = reader.ExtractBatch(ctx, 1)
		require.NoError(t, err)
		if ctx.Err() != nil {
			t.Fatal("timed out waiting for product")
		}
	}
	require.Len(t, batch, 1)
	raw := batch[0]
	assert.Equal(t, []byte(id), raw.Key)
	assert.Equal(t, testProductsTopic, raw.Topic)
	require.NotNil(t, raw.Commit)
	require.NoError(t, raw.Commit(ctx))

	handler := pipeline.NewProductHandler(svc.ingestor, svc.engine, discardLogger(), svc.metrics)
	produced, err := handler.Handle(ctx, raw)
	require.NoError(t, err)
	require.Len(t, produced, 1)

	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })
	require.NoError(t, writer.Publish(ctx, produced))

	pa := readAssessment(ctx, t, assessmentsConsumer(t, broker))
	assert.Equal(t, string(id), pa.Key)
	assert.Equal(t, "severe-damage", pa.Headers["grade"])
	assert.Equal(t, "1", pa.Headers["version"])
	_, err = time.Parse(time.RFC3339, pa.Headers["committed_at"])
	assert.NoError(t, err, "committed_at should be RFC3339")

	assert.Equal(t, id, pa.Assessment.FootprintID)
	assert.Equal(t, domain.SevereDamage, pa.Assessment.Grade)
	assert.Equal(t, 1, pa.Assessment.Version)
}

// TestPipelineEndToEnd runs both input streams against real Kafka: products
// drive automated assessments and enough agreeing tags drive a crowd-only one.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startTopics(ctx, t)
	cfg := testConfig(broker, "test-pipeline")

	svc := newService(store.NewMemory(nil))
	severe := svc.register(t, 96.0, 21.0)
	intact := svc.register(t, 96.01, 21.01)
	crowd := svc.register(t, 96.02, 21.02)

	produce(ctx, t, broker, testProductsTopic,
		jsonMessage(t, string(severe), amplitudeProduct(severe, 0.9)),
		jsonMessage(t, string(intact), amplitudeProduct(intact, 0.01)),
	)
	var tagMsgs []kafkago.Message
	for i := range 2 {
		tagMsgs = append(tagMsgs, jsonMessage(t, string(crowd), domain.VolunteerTag{
			FootprintID: crowd,
			TaggerID:    fmt.Sprintf("volunteer-%d", i),
			Grade:       domain.Destroyed,
			Timestamp:   eventStart.Add(time.Duration(i) * time.Minute),
		}))
	}
	produce(ctx, t, broker, testTagsTopic, tagMsgs...)

	products := kafka.NewReader(cfg, testProductsTopic, discardLogger())
	t.Cleanup(func() { _ = products.Close() })
	tagReader := kafka.NewReader(cfg, testTagsTopic, discardLogger())
	t.Cleanup(func() { _ = tagReader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	logger := discardLogger()
	streamCfg := pipeline.StreamConfig{BatchSize: 50, Workers: 4}
	streamCfg.Name = "products"
	productStream := pipeline.NewStream(streamCfg, products,
		pipeline.NewProductHandler(svc.ingestor, svc.engine, logger, svc.metrics), writer, logger, svc.metrics)
	streamCfg.Name = "tags"
	tagStream := pipeline.NewStream(streamCfg, tagReader,
		pipeline.NewTagHandler(svc.tags, svc.engine, logger, svc.metrics), writer, logger, svc.metrics)

	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- pipeline.RunAll(runCtx, svc.metrics, productStream, tagStream) }()

	consumer := assessmentsConsumer(t, broker)
	got := map[domain.FootprintID]domain.Assessment{}
	for len(got) < 3 {
		pa := readAssessment(ctx, t, consumer)
		got[pa.Assessment.FootprintID] = pa.Assessment
	}

	stop()
	require.NoError(t, <-errCh)

	assert.Equal(t, domain.SevereDamage, got[severe].Grade)
	assert.Equal(t, domain.NoDamage, got[intact].Grade)
	assert.Equal(t, domain.Destroyed, got[crowd].Grade)
	assert.InDelta(t, 1.0, got[crowd].Breakdown.TagContribution, 1e-9)
	for id, a := range got {
		assert.Equal(t, 1, a.Version, "footprint %s", id)
	}
	require.NoError(t, productStream.CheckReadiness(ctx))
	require.NoError(t, tagStream.CheckReadiness(ctx))
}

// TestPipelinePoisonMessage verifies that an unparseable product is committed
// and skipped while the next valid product is still assessed.
func TestPipelinePoisonMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startTopics(ctx, t)
	cfg := testConfig(broker, "test-poison")

	svc := newService(store.NewMemory(nil))
	id := svc.register(t, 96.0, 21.0)

	produce(ctx, t, broker, testProductsTopic,
		kafkago.Message{Key: []byte("bad"), Value: []byte("not-json{{{")},
		jsonMessage(t, string(id), amplitudeProduct(id, 0.9)),
	)

	reader := kafka.NewReader(cfg, testProductsTopic, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	s := pipeline.NewStream(pipeline.StreamConfig{Name: "products", BatchSize: 50, Workers: 2}, reader,
		pipeline.NewProductHandler(svc.ingestor, svc.engine, discardLogger(), svc.metrics), writer, discardLogger(), svc.metrics)

	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(runCtx) }()

	consumer := assessmentsConsumer(t, broker)
	pa := readAssessment(ctx, t, consumer)
	assert.Equal(t, id, pa.Assessment.FootprintID)

	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := consumer.ReadMessage(readCtx)
	readCancel()
	assert.Error(t, err, "expected no second assessment")

	stop()
	require.NoError(t, <-errCh)
}
