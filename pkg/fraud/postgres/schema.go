package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlAnalysisRecords = `
CREATE TABLE IF NOT EXISTS analysis_records (
    id                 UUID             PRIMARY KEY,
    subject_kind       TEXT             NOT NULL,
    subject_ref        TEXT             NOT NULL,
    analysis_type      TEXT             NOT NULL,
    user_id            TEXT             NOT NULL,
    score              INT              NOT NULL,
    confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
    input              JSONB,
    raw_model_output   TEXT             NOT NULL DEFAULT '',
    degraded           BOOLEAN          NOT NULL DEFAULT FALSE,
    alert_triggered    BOOLEAN          NOT NULL DEFAULT FALSE,
    alert_at           TIMESTAMPTZ,
    processing_time_ms BIGINT           NOT NULL DEFAULT 0,
    chunk_index        INT              NOT NULL DEFAULT 0,
    audio_format       TEXT             NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_analysis_records_subject_type
    ON analysis_records (subject_ref, analysis_type);

CREATE INDEX IF NOT EXISTS idx_analysis_records_user_created
    ON analysis_records (user_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_analysis_records_score_alert
    ON analysis_records (score, alert_triggered);
`

// Migrate ensures the analysis_records table and its query indexes exist.
// It is idempotent and runs on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlAnalysisRecords); err != nil {
		return fmt.Errorf("migrate analysis_records: %w", err)
	}
	return nil
}
