package fraud

import (
	"context"
	"time"
)

// Store persists analysis records. Implementations must be safe for
// concurrent use; records are self-contained and written exactly once, so no
// cross-record transactions are required.
type Store interface {
	// Insert writes a new record. It must reject records whose score is
	// outside the domain of their type (see [ValidScore]).
	Insert(ctx context.Context, rec *AnalysisRecord) error

	// MarkAlerted sets alert_triggered and the alert timestamp on the record
	// with the given ID. The marking happens at most once per record.
	MarkAlerted(ctx context.Context, id string, at time.Time) error

	// History returns records attached to the given subject ref, newest
	// first. A zero typ returns both analysis types.
	History(ctx context.Context, subjectRef string, typ Type) ([]AnalysisRecord, error)

	// RecentAlerts returns alert-triggered records for the given user created
	// at or after since, newest first.
	RecentAlerts(ctx context.Context, userID string, since time.Time) ([]AnalysisRecord, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases held resources.
	Close()
}
