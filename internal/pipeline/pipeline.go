package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/observability"
	"golang.org/x/sync/errgroup"
)

// BatchExtractor reads up to batchSize raw messages from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawMessage, error)
}

// Publisher writes committed assessments to the downstream stream.
type Publisher interface {
	Publish(ctx context.Context, assessments []domain.Assessment) error
}

// Stream consumes one input topic: each batch is handled, the resulting
// assessments are published, and offsets are committed.
type Stream struct {
	name      string
	extractor BatchExtractor
	handler   Handler
	publisher Publisher
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
	batchSize int
	workers   int
}

// StreamConfig names a stream and sizes its batches and worker pool.
type StreamConfig struct {
	Name      string
	BatchSize int
	Workers   int
}

// NewStream creates a Stream. A nil publisher drops assessments after commit.
func NewStream(cfg StreamConfig, e BatchExtractor, h Handler, p Publisher, logger *slog.Logger, metrics *observability.Metrics) *Stream {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Stream{
		name:      cfg.Name,
		extractor: e,
		handler:   h,
		publisher: p,
		logger:    logger.With("stream", cfg.Name),
		metrics:   metrics,
		batchSize: cfg.BatchSize,
		workers:   workers,
	}
}

// CheckReadiness returns nil once the stream has handled at least one batch.
func (s *Stream) CheckReadiness(_ context.Context) error {
	if !s.ready.Load() {
		return errors.New(s.name + " stream has not processed any messages yet")
	}
	return nil
}

// Run executes the batch loop until the context is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	s.logger.Info("stream started", "batch_size", s.batchSize, "workers", s.workers)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stream stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !s.processBatch(ctx, &backoff, maxBackoff) {
			return nil
		}
	}
}

// processBatch runs one extract-handle-publish cycle. Returns false if the stream should stop.
func (s *Stream) processBatch(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	start := time.Now()

	batch, err := s.extractor.ExtractBatch(ctx, s.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Error("extract batch failed", "error", err)
		return s.backoffOrStop(ctx, backoff, maxBackoff)
	}

	if len(batch) == 0 {
		return ctx.Err() == nil
	}

	s.metrics.BatchSize.WithLabelValues(s.name).Observe(float64(len(batch)))
	*backoff = 200 * time.Millisecond

	assessments := s.handleBatch(ctx, batch)
	if ctx.Err() != nil {
		return false
	}

	if len(assessments) > 0 && s.publisher != nil {
		if err := s.publisher.Publish(ctx, assessments); err != nil {
			s.logger.Error("publish assessments failed", "error", err, "count", len(assessments))
			s.metrics.FootprintFailures.WithLabelValues("publish", "error").Add(float64(len(assessments)))
			return s.backoffOrStop(ctx, backoff, maxBackoff)
		}
		s.metrics.AssessmentsProduced.Add(float64(len(assessments)))
	}

	for _, raw := range batch {
		s.commitOffset(ctx, raw)
	}

	s.metrics.BatchProcessingDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	s.ready.Store(true)
	return true
}

// handleBatch handles messages concurrently across footprints. Messages that
// share a key (the footprint ID) are handled in order by one worker, so the
// stages of one footprint never overlap. Failed messages are logged and skipped.
func (s *Stream) handleBatch(ctx context.Context, batch []domain.RawMessage) []domain.Assessment {
	var (
		mu  sync.Mutex
		out []domain.Assessment
		g   errgroup.Group
	)
	g.SetLimit(s.workers)

	for _, group := range groupByKey(batch) {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			for _, raw := range group {
				if ctx.Err() != nil {
					return nil
				}
				produced, err := s.handler.Handle(ctx, raw)
				if err != nil {
					s.logger.Warn("handle message failed, skipping",
						"error", err,
						"footprint_id", string(raw.Key),
						"topic", raw.Topic,
						"partition", raw.Partition,
						"offset", raw.Offset,
					)
					continue
				}
				mu.Lock()
				out = append(out, produced...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// groupByKey partitions batch by message key, preserving message order within
// each key and the order in which keys first appear.
func groupByKey(batch []domain.RawMessage) [][]domain.RawMessage {
	index := make(map[string]int)
	var groups [][]domain.RawMessage
	for _, raw := range batch {
		k := string(raw.Key)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], raw)
	}
	return groups
}

// backoffOrStop checks for context cancellation, sleeps with the current backoff,
// and advances the backoff. Returns false if the stream should stop.
func (s *Stream) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

// commitOffset commits the message offset if a commit function is available.
func (s *Stream) commitOffset(ctx context.Context, raw domain.RawMessage) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		s.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

// RunAll runs every stream until ctx is cancelled, toggling the running gauge.
func RunAll(ctx context.Context, metrics *observability.Metrics, streams ...*Stream) error {
	metrics.PipelineRunning.Set(1)
	defer metrics.PipelineRunning.Set(0)

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		g.Go(func() error { return s.Run(ctx) })
	}
	return g.Wait()
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
