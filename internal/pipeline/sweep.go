package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/observability"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// FootprintLister lists footprints that hold some evidence.
type FootprintLister interface {
	Footprints() []domain.FootprintID
}

// Candidates merges the footprints of every lister, sorted and deduplicated.
func Candidates(listers ...FootprintLister) func() []domain.FootprintID {
	return func() []domain.FootprintID {
		var ids []domain.FootprintID
		for _, l := range listers {
			ids = append(ids, l.Footprints()...)
		}
		slices.Sort(ids)
		return slices.Compact(ids)
	}
}

// SweepReport summarizes one reclassification sweep.
type SweepReport struct {
	Assessed  int
	Skipped   int
	Failed    int
	Cancelled bool
	Duration  time.Duration
}

// Sweeper reassesses every candidate footprint on a worker pool.
type Sweeper struct {
	assessor   Assessor
	candidates func() []domain.FootprintID
	publisher  Publisher
	workers    int
	logger     *slog.Logger
	metrics    *observability.Metrics

	running sync.Mutex
}

// NewSweeper creates a Sweeper. A nil publisher keeps assessments in the store only.
func NewSweeper(assessor Assessor, candidates func() []domain.FootprintID, publisher Publisher, workers int, logger *slog.Logger, metrics *observability.Metrics) *Sweeper {
	if workers < 1 {
		workers = 1
	}
	return &Sweeper{
		assessor:   assessor,
		candidates: candidates,
		publisher:  publisher,
		workers:    workers,
		logger:     logger.With("component", "sweep"),
		metrics:    metrics,
	}
}

// publishChunk bounds the number of assessments per Publish call.
const publishChunk = 100

// Sweep reassesses every candidate. Cancellation is checked between
// footprints; a footprint already in progress finishes its commit or commits
// nothing. Per-footprint failures are logged and counted, never fatal. The
// returned error reports publish failures only.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	s.running.Lock()
	defer s.running.Unlock()

	start := time.Now()
	var (
		mu       sync.Mutex
		report   SweepReport
		produced []domain.Assessment
		g        errgroup.Group
	)
	g.SetLimit(s.workers)

	for _, id := range s.candidates() {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			a, err := s.assessor.Assess(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Assessed++
				produced = append(produced, a)
				s.metrics.SweepFootprints.WithLabelValues("assessed").Inc()
			case errors.Is(err, domain.ErrNoEvidence), errors.Is(err, context.Canceled):
				report.Skipped++
				s.metrics.SweepFootprints.WithLabelValues("skipped").Inc()
			default:
				report.Failed++
				s.metrics.SweepFootprints.WithLabelValues("failed").Inc()
				s.logger.Warn("reassessment failed, skipping footprint", "footprint_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		report.Cancelled = true
	}

	report.Duration = time.Since(start)
	s.metrics.SweepDuration.Observe(report.Duration.Seconds())

	if err := s.publish(context.WithoutCancel(ctx), produced); err != nil {
		return report, err
	}
	return report, nil
}

// publish sends committed assessments even after cancellation: they are
// already durable and downstream consumers should see them.
func (s *Sweeper) publish(ctx context.Context, assessments []domain.Assessment) error {
	if s.publisher == nil {
		return nil
	}
	for chunk := range slices.Chunk(assessments, publishChunk) {
		if err := s.publisher.Publish(ctx, chunk); err != nil {
			s.metrics.FootprintFailures.WithLabelValues("publish", "error").Add(float64(len(chunk)))
			return fmt.Errorf("publish sweep results: %w", err)
		}
		s.metrics.AssessmentsProduced.Add(float64(len(chunk)))
	}
	return nil
}

// Schedule runs Sweep on a cron spec until ctx is cancelled. Overlapping runs
// are skipped. Stop the returned scheduler and wait on its context to drain.
func (s *Sweeper) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err := c.AddFunc(spec, func() {
		report, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("sweep publish failed", "error", err)
		}
		s.logger.Info("sweep finished",
			"assessed", report.Assessed,
			"skipped", report.Skipped,
			"failed", report.Failed,
			"cancelled", report.Cancelled,
			"duration", report.Duration,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
