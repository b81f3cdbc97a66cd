package fraud

import (
	"context"
	"time"
)

var _ Store = NoopStore{}

// NoopStore discards all writes and returns empty query results. It backs
// ephemeral deployments where result storage is switched off: the pipeline
// still builds full records and evaluates the alert predicate against them,
// nothing is retained.
type NoopStore struct{}

// Insert implements [Store.Insert]. The score-domain check still applies so
// that disabling storage cannot mask a data-integrity bug.
func (NoopStore) Insert(ctx context.Context, rec *AnalysisRecord) error {
	if !ValidScore(rec.Type, rec.Score) {
		return &PersistenceError{Op: "insert", Err: Validationf("score %d out of domain for type %s", rec.Score, rec.Type)}
	}
	return nil
}

// MarkAlerted implements [Store.MarkAlerted].
func (NoopStore) MarkAlerted(ctx context.Context, id string, at time.Time) error { return nil }

// History implements [Store.History].
func (NoopStore) History(ctx context.Context, subjectRef string, typ Type) ([]AnalysisRecord, error) {
	return []AnalysisRecord{}, nil
}

// RecentAlerts implements [Store.RecentAlerts].
func (NoopStore) RecentAlerts(ctx context.Context, userID string, since time.Time) ([]AnalysisRecord, error) {
	return []AnalysisRecord{}, nil
}

// Ping implements [Store.Ping].
func (NoopStore) Ping(ctx context.Context) error { return nil }

// Close implements [Store.Close].
func (NoopStore) Close() {}
