package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapMessageToRaw(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("fp-1"),
		Value:     []byte(`{"footprint_id":"fp-1"}`),
		Topic:     "change-detection-products",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "sensor", Value: []byte("sentinel-1")},
		},
	}

	raw := mapMessageToRaw(msg)

	assert.Equal(t, []byte("fp-1"), raw.Key)
	assert.JSONEq(t, `{"footprint_id":"fp-1"}`, string(raw.Value))
	assert.Equal(t, "change-detection-products", raw.Topic)
	assert.Equal(t, 2, raw.Partition)
	assert.Equal(t, int64(42), raw.Offset)
	assert.Equal(t, now, raw.Timestamp)
	assert.Equal(t, "sentinel-1", raw.Headers["sensor"])
	assert.Nil(t, raw.Commit)
}

func TestSerializeToMessage(t *testing.T) {
	now := time.Date(2025, 3, 30, 6, 0, 0, 0, time.UTC)
	a := domain.Assessment{
		FootprintID: "fp-1",
		Version:     4,
		Grade:       domain.Destroyed,
		Confidence:  0.42,
		Flags:       []domain.Flag{domain.FlagDisagreement},
		Timestamp:   now,
	}

	msg, err := serializeToMessage(a)
	require.NoError(t, err)

	assert.Equal(t, []byte("fp-1"), msg.Key)
	assert.Contains(t, string(msg.Value), `"grade":"destroyed"`)
	assert.Contains(t, string(msg.Value), `"flags":["disagreement"]`)
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "grade", msg.Headers[0].Key)
	assert.Equal(t, []byte("destroyed"), msg.Headers[0].Value)
	assert.Equal(t, "version", msg.Headers[1].Key)
	assert.Equal(t, []byte("4"), msg.Headers[1].Value)
	assert.Equal(t, []byte(now.Format(time.RFC3339)), msg.Headers[2].Value)

	var decoded domain.Assessment
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, a.Grade, decoded.Grade)
	assert.Equal(t, a.Version, decoded.Version)
}
