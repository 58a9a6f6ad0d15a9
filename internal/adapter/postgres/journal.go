package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/couchcryptid/damage-assessment-service/internal/domain"
)

// JournalSchema creates the tables that back the in-memory tag log and signal
// history. Both are idempotent on their natural keys.
const JournalSchema = `
CREATE TABLE IF NOT EXISTS volunteer_tags (
	seq          BIGSERIAL   NOT NULL,
	footprint_id TEXT        NOT NULL,
	tagger_id    TEXT        NOT NULL,
	tagged_at    TIMESTAMPTZ NOT NULL,
	grade        TEXT        NOT NULL,
	note         TEXT        NOT NULL DEFAULT '',
	PRIMARY KEY (footprint_id, tagger_id, tagged_at)
);
CREATE TABLE IF NOT EXISTS signal_vectors (
	seq          BIGSERIAL   NOT NULL,
	footprint_id TEXT        NOT NULL,
	sensor       TEXT        NOT NULL,
	pre_time     TIMESTAMPTZ NOT NULL,
	post_time    TIMESTAMPTZ NOT NULL,
	vector       JSONB       NOT NULL,
	PRIMARY KEY (footprint_id, sensor, pre_time, post_time)
)`

// AppendTag journals tag. The first tag stored for a (footprint, tagger,
// timestamp) triple wins; later writes of the same triple are ignored, which
// matches the tag log's conflict rule.
func (s *Store) AppendTag(ctx context.Context, tag domain.VolunteerTag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO volunteer_tags (footprint_id, tagger_id, tagged_at, grade, note)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (footprint_id, tagger_id, tagged_at) DO NOTHING`,
		string(tag.FootprintID), tag.TaggerID, tag.Timestamp.UTC(), tag.Grade.String(), tag.Note)
	if err != nil {
		return fmt.Errorf("journal tag %s/%s: %w", tag.FootprintID, tag.TaggerID, err)
	}
	return nil
}

// AppendVector journals v. Re-ingesting the same acquisition pair replaces the
// stored vector.
func (s *Store) AppendVector(ctx context.Context, v domain.SignalVector) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode signal vector: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signal_vectors (footprint_id, sensor, pre_time, post_time, vector)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (footprint_id, sensor, pre_time, post_time) DO UPDATE SET vector = EXCLUDED.vector`,
		string(v.FootprintID), v.Sensor, v.PreTime.UTC(), v.PostTime.UTC(), data)
	if err != nil {
		return fmt.Errorf("journal signal vector %s: %w", v.FootprintID, err)
	}
	return nil
}

type tagRow struct {
	FootprintID string    `db:"footprint_id"`
	TaggerID    string    `db:"tagger_id"`
	TaggedAt    time.Time `db:"tagged_at"`
	Grade       string    `db:"grade"`
	Note        string    `db:"note"`
}

func (r tagRow) toDomain() (domain.VolunteerTag, error) {
	grade, err := domain.ParseGrade(r.Grade)
	if err != nil {
		return domain.VolunteerTag{}, err
	}
	return domain.VolunteerTag{
		FootprintID: domain.FootprintID(r.FootprintID),
		TaggerID:    r.TaggerID,
		Grade:       grade,
		Timestamp:   r.TaggedAt.UTC(),
		Note:        r.Note,
	}, nil
}

// Tags yields every journaled tag in arrival order.
func (s *Store) Tags(ctx context.Context) iter.Seq2[domain.VolunteerTag, error] {
	return func(yield func(domain.VolunteerTag, error) bool) {
		rows, err := s.db.QueryxContext(ctx, `
			SELECT footprint_id, tagger_id, tagged_at, grade, note
			FROM volunteer_tags ORDER BY seq ASC`)
		if err != nil {
			yield(domain.VolunteerTag{}, fmt.Errorf("query journaled tags: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row tagRow
			if err := rows.StructScan(&row); err != nil {
				yield(domain.VolunteerTag{}, fmt.Errorf("scan tag: %w", err))
				return
			}
			tag, err := row.toDomain()
			if !yield(tag, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.VolunteerTag{}, fmt.Errorf("iterate journaled tags: %w", err))
		}
	}
}

// Vectors yields every journaled signal vector in arrival order.
func (s *Store) Vectors(ctx context.Context) iter.Seq2[domain.SignalVector, error] {
	return func(yield func(domain.SignalVector, error) bool) {
		rows, err := s.db.QueryxContext(ctx, `SELECT vector FROM signal_vectors ORDER BY seq ASC`)
		if err != nil {
			yield(domain.SignalVector{}, fmt.Errorf("query journaled vectors: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				yield(domain.SignalVector{}, fmt.Errorf("scan vector: %w", err))
				return
			}
			var v domain.SignalVector
			if err := json.Unmarshal(data, &v); err != nil {
				yield(domain.SignalVector{}, fmt.Errorf("decode signal vector: %w", err))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.SignalVector{}, fmt.Errorf("iterate journaled vectors: %w", err))
		}
	}
}
