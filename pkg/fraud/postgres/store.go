// Package postgres provides the PostgreSQL-backed implementation of
// [fraud.Store] on top of a pgx connection pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callguard/callguard/pkg/fraud"
)

// Compile-time interface check.
var _ fraud.Store = (*Store)(nil)

// Store persists analysis records in PostgreSQL. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate] to ensure the analysis_records table and its indexes exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Insert implements [fraud.Store.Insert].
func (s *Store) Insert(ctx context.Context, rec *fraud.AnalysisRecord) error {
	if !fraud.ValidScore(rec.Type, rec.Score) {
		return &fraud.PersistenceError{
			Op:  "insert",
			Err: fraud.Validationf("score %d out of domain for type %s", rec.Score, rec.Type),
		}
	}

	const q = `
		INSERT INTO analysis_records
		    (id, subject_kind, subject_ref, analysis_type, user_id, score,
		     confidence, input, raw_model_output, degraded, alert_triggered,
		     alert_at, processing_time_ms, chunk_index, audio_format, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.Subject.Kind,
		rec.Subject.Ref,
		rec.Type,
		rec.UserID,
		rec.Score,
		rec.Confidence,
		rec.Input,
		rec.RawModelOutput,
		rec.Degraded,
		rec.AlertTriggered,
		rec.AlertAt,
		rec.ProcessingTime.Milliseconds(),
		rec.ChunkIndex,
		rec.AudioFormat,
		rec.CreatedAt,
	)
	if err != nil {
		return &fraud.PersistenceError{Op: "insert", Err: err}
	}
	return nil
}

// MarkAlerted implements [fraud.Store.MarkAlerted]. The WHERE clause makes
// the marking idempotent: an already-alerted record keeps its original
// alert timestamp.
func (s *Store) MarkAlerted(ctx context.Context, id string, at time.Time) error {
	const q = `
		UPDATE analysis_records
		SET    alert_triggered = TRUE, alert_at = $2
		WHERE  id = $1 AND alert_triggered = FALSE`

	if _, err := s.pool.Exec(ctx, q, id, at); err != nil {
		return &fraud.PersistenceError{Op: "mark alerted", Err: err}
	}
	return nil
}

// History implements [fraud.Store.History].
func (s *Store) History(ctx context.Context, subjectRef string, typ fraud.Type) ([]fraud.AnalysisRecord, error) {
	q := selectColumns + `
		WHERE  subject_ref = $1`
	args := []any{subjectRef}

	if typ != "" {
		q += `
		  AND  analysis_type = $2`
		args = append(args, typ)
	}
	q += `
		ORDER  BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, &fraud.PersistenceError{Op: "history", Err: err}
	}
	return collectRecords(rows)
}

// RecentAlerts implements [fraud.Store.RecentAlerts].
func (s *Store) RecentAlerts(ctx context.Context, userID string, since time.Time) ([]fraud.AnalysisRecord, error) {
	q := selectColumns + `
		WHERE  user_id = $1
		  AND  alert_triggered = TRUE
		  AND  created_at >= $2
		ORDER  BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, userID, since)
	if err != nil {
		return nil, &fraud.PersistenceError{Op: "recent alerts", Err: err}
	}
	return collectRecords(rows)
}

// Ping implements [fraud.Store.Ping].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [fraud.Store.Close].
func (s *Store) Close() {
	s.pool.Close()
}

const selectColumns = `
		SELECT id, subject_kind, subject_ref, analysis_type, user_id, score,
		       confidence, input, raw_model_output, degraded, alert_triggered,
		       alert_at, processing_time_ms, chunk_index, audio_format, created_at
		FROM   analysis_records`

// collectRecords scans pgx rows into a slice of AnalysisRecord values.
func collectRecords(rows pgx.Rows) ([]fraud.AnalysisRecord, error) {
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (fraud.AnalysisRecord, error) {
		var (
			r            fraud.AnalysisRecord
			processingMS int64
		)
		if err := row.Scan(
			&r.ID,
			&r.Subject.Kind,
			&r.Subject.Ref,
			&r.Type,
			&r.UserID,
			&r.Score,
			&r.Confidence,
			&r.Input,
			&r.RawModelOutput,
			&r.Degraded,
			&r.AlertTriggered,
			&r.AlertAt,
			&processingMS,
			&r.ChunkIndex,
			&r.AudioFormat,
			&r.CreatedAt,
		); err != nil {
			return fraud.AnalysisRecord{}, err
		}
		r.ProcessingTime = time.Duration(processingMS) * time.Millisecond
		return r, nil
	})
	if err != nil {
		return nil, &fraud.PersistenceError{Op: "scan rows", Err: err}
	}
	if recs == nil {
		recs = []fraud.AnalysisRecord{}
	}
	return recs, nil
}
