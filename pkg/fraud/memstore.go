package fraud

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. It is
// suitable for DSN-less deployments and testing. The zero value is not
// usable; create one with [NewMemStore].
type MemStore struct {
	mu      sync.RWMutex
	records []AnalysisRecord // insertion order
	byID    map[string]int   // record ID → index into records
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]int)}
}

// Insert implements [Store.Insert].
func (s *MemStore) Insert(ctx context.Context, rec *AnalysisRecord) error {
	if !ValidScore(rec.Type, rec.Score) {
		return &PersistenceError{Op: "insert", Err: Validationf("score %d out of domain for type %s", rec.Score, rec.Type)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[rec.ID.String()]; exists {
		return &PersistenceError{Op: "insert", Err: Validationf("duplicate record id %s", rec.ID)}
	}
	s.byID[rec.ID.String()] = len(s.records)
	s.records = append(s.records, *rec)
	return nil
}

// MarkAlerted implements [Store.MarkAlerted]. Marking an already-alerted
// record is a no-op.
func (s *MemStore) MarkAlerted(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return &PersistenceError{Op: "mark alerted", Err: Validationf("record %s not found", id)}
	}
	rec := &s.records[idx]
	if rec.AlertTriggered {
		return nil
	}
	rec.AlertTriggered = true
	t := at
	rec.AlertAt = &t
	return nil
}

// History implements [Store.History].
func (s *MemStore) History(ctx context.Context, subjectRef string, typ Type) ([]AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AnalysisRecord, 0, 8)
	for i := range s.records {
		r := s.records[i]
		if r.Subject.Ref != subjectRef {
			continue
		}
		if typ != "" && r.Type != typ {
			continue
		}
		out = append(out, r)
	}
	sortNewestFirst(out)
	return out, nil
}

// RecentAlerts implements [Store.RecentAlerts].
func (s *MemStore) RecentAlerts(ctx context.Context, userID string, since time.Time) ([]AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AnalysisRecord, 0, 8)
	for i := range s.records {
		r := s.records[i]
		if r.UserID != userID || !r.AlertTriggered {
			continue
		}
		if r.CreatedAt.Before(since) {
			continue
		}
		out = append(out, r)
	}
	sortNewestFirst(out)
	return out, nil
}

// Ping implements [Store.Ping]. A MemStore is always reachable.
func (s *MemStore) Ping(ctx context.Context) error { return nil }

// Close implements [Store.Close].
func (s *MemStore) Close() {}

// Len returns the number of stored records. Intended for tests.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Get returns the record with the given ID. Intended for tests.
func (s *MemStore) Get(id string) (AnalysisRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return AnalysisRecord{}, false
	}
	return s.records[idx], true
}

func sortNewestFirst(recs []AnalysisRecord) {
	slices.SortStableFunc(recs, func(a, b AnalysisRecord) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
