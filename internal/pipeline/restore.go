package pipeline

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
)

// JournalSource replays journaled inputs in arrival order.
type JournalSource interface {
	Tags(ctx context.Context) iter.Seq2[domain.VolunteerTag, error]
	Vectors(ctx context.Context) iter.Seq2[domain.SignalVector, error]
}

// VectorRecorder accepts restored signal vectors.
type VectorRecorder interface {
	Record(v domain.SignalVector)
}

// RestoreReport counts what Restore loaded.
type RestoreReport struct {
	Tags    int
	Vectors int
	Skipped int
}

// Restore rebuilds the in-memory tag log and signal history from the journal.
// It must run before the streams start. Journaled entries for footprints the
// current baseline no longer knows are skipped.
func Restore(ctx context.Context, src JournalSource, tags TagSink, vectors VectorRecorder, logger *slog.Logger) (RestoreReport, error) {
	var report RestoreReport

	for v, err := range src.Vectors(ctx) {
		if err != nil {
			return report, fmt.Errorf("restore signal vectors: %w", err)
		}
		vectors.Record(v)
		report.Vectors++
	}

	for tag, err := range src.Tags(ctx) {
		if err != nil {
			return report, fmt.Errorf("restore tags: %w", err)
		}
		if _, err := tags.Add(tag); err != nil {
			logger.Warn("journaled tag skipped", "footprint_id", tag.FootprintID, "tagger_id", tag.TaggerID, "error", err)
			report.Skipped++
			continue
		}
		report.Tags++
	}

	logger.Info("journal restored", "tags", report.Tags, "vectors", report.Vectors, "skipped", report.Skipped)
	return report, nil
}
