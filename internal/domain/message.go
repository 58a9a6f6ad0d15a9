package domain

import (
	"context"
	"time"
)

// RawMessage is an undecoded message from an input topic. Commit acknowledges
// the message once it has been handled or deliberately skipped.
type RawMessage struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}
