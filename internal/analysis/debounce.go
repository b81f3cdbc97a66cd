package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/callguard/callguard/internal/observe"
	"github.com/callguard/callguard/pkg/fraud"
)

// debounceEntry is one pending analysis keyed by conversation. The entry
// holds the payload that will run when the timer fires; a reschedule swaps
// the whole entry so only the most recent payload survives.
type debounceEntry struct {
	timer      *time.Timer
	messages   []fraud.Message
	note       string
	onComplete CompletionFunc
}

// debounceTable maps conversation identifiers to their single pending
// analysis. At most one timer exists per key at any moment.
type debounceTable struct {
	mu      sync.Mutex
	pending map[string]*debounceEntry
	metrics *observe.Metrics
}

func newDebounceTable(m *observe.Metrics) *debounceTable {
	return &debounceTable{
		pending: make(map[string]*debounceEntry),
		metrics: m,
	}
}

// ScheduleDebounced registers messages for analysis after the debounce
// window elapses. A second call for the same conversation before the window
// closes cancels the earlier registration entirely; only the latest payload
// is ever analysed. onComplete receives the outcome, including failures.
func (o *Orchestrator) ScheduleDebounced(conversationID string, messages []fraud.Message, contextNote string, onComplete CompletionFunc) {
	entry := &debounceEntry{
		messages:   messages,
		note:       contextNote,
		onComplete: onComplete,
	}
	o.deb.install(conversationID, entry, o.debounceWindow(), func() {
		o.fireDebounced(conversationID, entry)
	})
}

// ClearDebounce cancels any pending analysis for the conversation without
// running it. Clearing an unknown conversation is a no-op.
func (o *Orchestrator) ClearDebounce(conversationID string) {
	o.deb.remove(conversationID)
}

// PendingCount reports the number of conversations with a pending analysis.
func (o *Orchestrator) PendingCount() int {
	return o.deb.count()
}

// fireDebounced runs when a debounce timer expires. The identity check
// against the table closes the race where a reschedule lands between the
// timer firing and this function taking the lock: a superseded entry must
// never run.
func (o *Orchestrator) fireDebounced(conversationID string, entry *debounceEntry) {
	if !o.deb.take(conversationID, entry) {
		return
	}

	// The scheduling caller is long gone; the analysis runs on its own
	// root context.
	ctx := context.Background()

	outcome, err := o.AnalyzeTextImmediate(ctx, conversationID, entry.messages, entry.note)
	if err != nil {
		observe.Logger(ctx).Error("debounced analysis failed",
			"conversation_id", conversationID, "err", err)
		outcome = failureOutcome(fraud.TypeText, err)
		outcome.Subject = fraud.ConversationSubject(conversationID)
	}

	if entry.onComplete != nil {
		entry.onComplete(outcome)
	}
}

// install puts entry into the table and arms its timer in one step under the
// lock, stopping any previous timer for the key. The entry is reachable in
// the table before the timer can fire: take serialises on the same lock, so
// even an already-expired window finds its entry and runs it.
func (t *debounceTable) install(key string, entry *debounceEntry, window time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.pending[key]; ok {
		prev.timer.Stop()
	} else if t.metrics != nil {
		t.metrics.PendingDebounce.Add(context.Background(), 1)
	}
	t.pending[key] = entry
	entry.timer = time.AfterFunc(window, fire)
}

// take removes key from the table if it still maps to entry. It reports
// whether the caller owns the firing.
func (t *debounceTable) take(key string, entry *debounceEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending[key] != entry {
		return false
	}
	delete(t.pending, key)
	if t.metrics != nil {
		t.metrics.PendingDebounce.Add(context.Background(), -1)
	}
	return true
}

// remove cancels and drops key if present.
func (t *debounceTable) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.pending[key]
	if !ok {
		return
	}
	entry.timer.Stop()
	delete(t.pending, key)
	if t.metrics != nil {
		t.metrics.PendingDebounce.Add(context.Background(), -1)
	}
}

// clearAll cancels every pending timer.
func (t *debounceTable) clearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.pending {
		entry.timer.Stop()
		delete(t.pending, key)
		if t.metrics != nil {
			t.metrics.PendingDebounce.Add(context.Background(), -1)
		}
	}
}

func (t *debounceTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
