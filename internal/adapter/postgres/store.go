// Package postgres persists assessments in PostgreSQL. Version allocation is a
// transactional append guarded by a unique (footprint_id, version) key. The
// same database journals volunteer tags and signal vectors so they survive a
// restart.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
	"github.com/couchcryptid/damage-assessment-service/internal/observability"
	"github.com/couchcryptid/damage-assessment-service/internal/store"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
)

// Schema creates the assessments table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS assessments (
	footprint_id TEXT             NOT NULL,
	version      INTEGER          NOT NULL CHECK (version > 0),
	grade        TEXT             NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	flags        TEXT[]           NOT NULL DEFAULT '{}',
	breakdown    JSONB            NOT NULL,
	committed_at TIMESTAMPTZ      NOT NULL,
	PRIMARY KEY (footprint_id, version)
)`

const uniqueViolation = "23505"

// Store is a store.Store backed by PostgreSQL.
type Store struct {
	db         *sqlx.DB
	maxRetries int
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// Options configures a Store.
type Options struct {
	// MaxRetries bounds how often a commit is retried after losing a version race.
	MaxRetries int
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := New(db, opts)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:         db,
		maxRetries: opts.MaxRetries,
		clock:      domain.ClockOrReal(opts.Clock),
		logger:     logger,
		metrics:    opts.Metrics,
	}
}

// Migrate applies Schema and JournalSchema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate assessments schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, JournalSchema); err != nil {
		return fmt.Errorf("migrate journal schema: %w", err)
	}
	return nil
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type assessmentRow struct {
	FootprintID string         `db:"footprint_id"`
	Version     int            `db:"version"`
	Grade       string         `db:"grade"`
	Confidence  float64        `db:"confidence"`
	Flags       pq.StringArray `db:"flags"`
	Breakdown   []byte         `db:"breakdown"`
	CommittedAt time.Time      `db:"committed_at"`
}

func (r assessmentRow) toDomain() (domain.Assessment, error) {
	grade, err := domain.ParseGrade(r.Grade)
	if err != nil {
		return domain.Assessment{}, err
	}
	flags := make([]domain.Flag, 0, len(r.Flags))
	for _, f := range r.Flags {
		flag, err := domain.ParseFlag(f)
		if err != nil {
			return domain.Assessment{}, err
		}
		flags = append(flags, flag)
	}
	var bd domain.Breakdown
	if err := json.Unmarshal(r.Breakdown, &bd); err != nil {
		return domain.Assessment{}, fmt.Errorf("decode breakdown: %w", err)
	}
	return domain.Assessment{
		FootprintID: domain.FootprintID(r.FootprintID),
		Version:     r.Version,
		Grade:       grade,
		Confidence:  r.Confidence,
		Flags:       flags,
		Breakdown:   bd,
		Timestamp:   r.CommittedAt.UTC(),
	}, nil
}

// Commit appends d as the next version for id. A concurrent writer that wins
// the same version causes a retry; after MaxRetries the error wraps
// domain.ErrConcurrencyConflict.
func (s *Store) Commit(ctx context.Context, id domain.FootprintID, d domain.Decision) (domain.Assessment, error) {
	if err := store.ValidateDecision(id, d); err != nil {
		return domain.Assessment{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("assessment version conflict, retrying",
				"footprint_id", id, "attempt", attempt, "error", lastErr)
			if s.metrics != nil {
				s.metrics.CommitRetries.Inc()
			}
		}
		a, err := s.tryCommit(ctx, id, d)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return domain.Assessment{}, err
		}
		lastErr = err
	}
	return domain.Assessment{}, fmt.Errorf("commit %s after %d retries: %w", id, s.maxRetries, lastErr)
}

func (s *Store) tryCommit(ctx context.Context, id domain.FootprintID, d domain.Decision) (a domain.Assessment, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Assessment{}, fmt.Errorf("begin commit %s: %w", id, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current int
	if err := tx.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(version), 0) FROM assessments WHERE footprint_id = $1`, string(id)); err != nil {
		return domain.Assessment{}, fmt.Errorf("read version of %s: %w", id, err)
	}

	// Postgres stores microseconds; truncate so the committed record reads back identically.
	a = store.NewAssessment(id, current+1, d, s.clock.Now().Truncate(time.Microsecond))
	breakdown, err := json.Marshal(a.Breakdown)
	if err != nil {
		return domain.Assessment{}, fmt.Errorf("encode breakdown: %w", err)
	}
	flags := make(pq.StringArray, len(a.Flags))
	for i, f := range a.Flags {
		flags[i] = string(f)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assessments (footprint_id, version, grade, confidence, flags, breakdown, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(id), a.Version, a.Grade.String(), a.Confidence, flags, breakdown, a.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Assessment{}, fmt.Errorf("version %d of %s: %w", a.Version, id, domain.ErrConcurrencyConflict)
		}
		return domain.Assessment{}, fmt.Errorf("insert assessment %s: %w", id, err)
	}

	if err = tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return domain.Assessment{}, fmt.Errorf("version %d of %s: %w", a.Version, id, domain.ErrConcurrencyConflict)
		}
		return domain.Assessment{}, fmt.Errorf("commit assessment %s: %w", id, err)
	}
	return a, nil
}

// Latest returns the highest version committed for id.
func (s *Store) Latest(ctx context.Context, id domain.FootprintID) (domain.Assessment, error) {
	var row assessmentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT footprint_id, version, grade, confidence, flags, breakdown, committed_at
		FROM assessments WHERE footprint_id = $1
		ORDER BY version DESC LIMIT 1`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Assessment{}, fmt.Errorf("latest assessment for %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Assessment{}, fmt.Errorf("query latest assessment for %s: %w", id, err)
	}
	return row.toDomain()
}

// History yields every version of id in ascending order, streaming rows from
// the database. Each iteration issues a fresh query.
func (s *Store) History(ctx context.Context, id domain.FootprintID) iter.Seq2[domain.Assessment, error] {
	return func(yield func(domain.Assessment, error) bool) {
		rows, err := s.db.QueryxContext(ctx, `
			SELECT footprint_id, version, grade, confidence, flags, breakdown, committed_at
			FROM assessments WHERE footprint_id = $1
			ORDER BY version ASC`, string(id))
		if err != nil {
			yield(domain.Assessment{}, fmt.Errorf("query assessment history for %s: %w", id, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row assessmentRow
			if err := rows.StructScan(&row); err != nil {
				yield(domain.Assessment{}, fmt.Errorf("scan assessment: %w", err))
				return
			}
			a, err := row.toDomain()
			if !yield(a, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Assessment{}, fmt.Errorf("iterate assessment history for %s: %w", id, err))
		}
	}
}

// Footprints returns every footprint with at least one assessment, sorted.
func (s *Store) Footprints(ctx context.Context) ([]domain.FootprintID, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT footprint_id FROM assessments ORDER BY footprint_id`); err != nil {
		return nil, fmt.Errorf("list assessed footprints: %w", err)
	}
	out := make([]domain.FootprintID, len(ids))
	for i, id := range ids {
		out[i] = domain.FootprintID(id)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
