// Package analysis is the fraud-analysis orchestration core. It owns the
// per-conversation debounce scheduler for text analysis, the audio-chunk
// pipeline, the alert decision, and persistence of analysis records.
//
// The orchestrator is an explicitly constructed, injectable component: the
// debounce table lives on the instance, never in package state, so tests get
// clean isolation and the thin transport layer receives a ready-made value.
package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/callguard/callguard/internal/cache"
	"github.com/callguard/callguard/internal/gateway"
	"github.com/callguard/callguard/internal/observe"
	"github.com/callguard/callguard/pkg/audio"
	"github.com/callguard/callguard/pkg/fraud"
)

// defaultDebounceDelay is the window within which repeated text-analysis
// requests for one conversation collapse into a single eventual run.
const defaultDebounceDelay = 3 * time.Second

// Gateway is the inference surface the orchestrator depends on. Satisfied by
// [gateway.Client].
type Gateway interface {
	AnalyzeText(ctx context.Context, messages []fraud.Message, contextNote string) gateway.Result
	AnalyzeAudio(ctx context.Context, pcmWAV []byte, meta gateway.AudioMeta) gateway.Result
	CheckHealth(ctx context.Context) gateway.Health
}

// Normalizer is the audio-preparation surface. Satisfied by
// [audio.Normalizer].
type Normalizer interface {
	Validate(buf []byte, format audio.Format) error
	Normalize(ctx context.Context, buf []byte, format audio.Format) (*audio.Normalized, error)
}

// Dispatcher turns a fraud-positive record into a delivered alert payload.
// Satisfied by the alert package's dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec *fraud.AnalysisRecord) (*fraud.AlertPayload, error)
}

// Outcome is the typed result every analysis entry point produces. Callers
// always receive an Outcome or a typed error — never a panic out of a timer
// goroutine and never a raw transport failure.
type Outcome struct {
	Success bool       `json:"success"`
	Type    fraud.Type `json:"type"`

	AnalysisID string        `json:"analysis_id,omitempty"`
	Subject    fraud.Subject `json:"subject,omitzero"`

	Score      int     `json:"score"`
	Confidence float64 `json:"confidence"`

	// Degraded marks a fail-safe result from an unreachable model service.
	Degraded bool `json:"degraded,omitempty"`

	AlertTriggered bool                `json:"alert_triggered"`
	Alert          *fraud.AlertPayload `json:"alert,omitempty"`

	ProcessingTimeMs int64 `json:"processing_time_ms"`

	// Err carries the failure message when Success is false.
	Err string `json:"error,omitempty"`
}

// CompletionFunc receives the outcome of a debounced analysis. The scheduler
// and the consumer are decoupled in time: the caller that scheduled is not
// the caller that receives the result. Failures arrive through the same
// callback, tagged Success=false.
type CompletionFunc func(Outcome)

// ChunkMeta carries the identity and position of one audio chunk.
type ChunkMeta struct {
	// ConversationID optionally links the chunk to a stored conversation.
	// When absent or not a well-formed entity reference, a synthetic call
	// session key is derived instead.
	ConversationID string

	// UserID identifies the user under analysis.
	UserID string

	// ChunkIndex is the chunk's position in the stream. Informational only;
	// chunks are analysed independently and may complete out of order.
	ChunkIndex int
}

// Orchestrator coordinates the full analysis pipeline. All exported methods
// are safe for concurrent use.
type Orchestrator struct {
	gw         Gateway
	norm       Normalizer
	store      fraud.Store
	dispatcher Dispatcher
	cache      *cache.Cache
	metrics    *observe.Metrics

	// tuneMu guards the settings that may be adjusted at runtime by config
	// hot-reload.
	tuneMu        sync.RWMutex
	debounceDelay time.Duration
	alertsEnabled bool

	now func() time.Time

	deb *debounceTable
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithDebounceDelay sets the text-analysis debounce window. Default 3s.
func WithDebounceDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.debounceDelay = d
		}
	}
}

// WithAlertsEnabled toggles real-time alert dispatch. Default true. When
// disabled, records still carry the alert predicate outcome but nothing is
// dispatched.
func WithAlertsEnabled(enabled bool) Option {
	return func(o *Orchestrator) { o.alertsEnabled = enabled }
}

// WithResultStorage toggles persistence. Default true. When disabled, the
// store is replaced with a discard-all stand-in so the rest of the pipeline
// behaves identically for ephemeral deployments.
func WithResultStorage(enabled bool) Option {
	return func(o *Orchestrator) {
		if !enabled {
			o.store = fraud.NoopStore{}
		}
	}
}

// WithCache attaches an optional recent-alerts cache.
func WithCache(c *cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithMetrics attaches metric instruments. Default: none recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// withClock replaces the time source. Used by tests.
func withClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator wired to its collaborators.
func New(gw Gateway, norm Normalizer, store fraud.Store, dispatcher Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gw:            gw,
		norm:          norm,
		store:         store,
		dispatcher:    dispatcher,
		debounceDelay: defaultDebounceDelay,
		alertsEnabled: true,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.deb = newDebounceTable(o.metrics)
	return o
}

// AnalyzeTextImmediate runs text analysis synchronously, bypassing the
// debounce window. It fails fast with a [fraud.ValidationError] on an empty
// message list (no model call is made) and bubbles a
// [fraud.PersistenceError] if the record cannot be written — silently
// dropping a record would make the conversation look unchecked. Gateway
// failures never surface as errors; they produce a degraded fail-safe
// outcome.
func (o *Orchestrator) AnalyzeTextImmediate(ctx context.Context, conversationID string, messages []fraud.Message, contextNote string) (Outcome, error) {
	if len(messages) == 0 {
		return Outcome{}, fraud.Validationf("messages must not be empty")
	}

	res := o.gw.AnalyzeText(ctx, messages, contextNote)

	last := messages[len(messages)-1]
	rec := &fraud.AnalysisRecord{
		ID:         uuid.New(),
		Subject:    fraud.ConversationSubject(conversationID),
		Type:       fraud.TypeText,
		UserID:     last.UserID,
		Score:      res.Score,
		Confidence: res.Confidence,
		Input: map[string]any{
			"message_count": len(messages),
			"last_message":  excerpt(last.Content, 100),
		},
		RawModelOutput: res.RawResponse,
		Degraded:       res.Degraded,
		ProcessingTime: res.ProcessingTime,
		CreatedAt:      o.now().UTC(),
	}

	if err := o.store.Insert(ctx, rec); err != nil {
		return Outcome{}, err
	}

	outcome := o.finish(ctx, rec, res)
	return outcome, nil
}

// History returns the stored analyses attached to a conversation or call
// session, newest first. A zero typ returns both analysis types.
func (o *Orchestrator) History(ctx context.Context, subjectRef string, typ fraud.Type) ([]fraud.AnalysisRecord, error) {
	if typ != "" && !typ.IsValid() {
		return nil, fraud.Validationf("unknown analysis type %q", typ)
	}
	return o.store.History(ctx, subjectRef, typ)
}

// RecentAlerts returns alert-triggered analyses for a user within the last
// given hours (default 24), consulting the cache before the store.
func (o *Orchestrator) RecentAlerts(ctx context.Context, userID string, hours int) ([]fraud.AnalysisRecord, error) {
	if hours <= 0 {
		hours = 24
	}

	if recs, hit, err := o.cache.GetRecentAlerts(ctx, userID, hours); err == nil && hit {
		return recs, nil
	} else if err != nil {
		observe.Logger(ctx).Warn("recent-alerts cache read failed, falling back to store", "err", err)
	}

	since := o.now().UTC().Add(-time.Duration(hours) * time.Hour)
	recs, err := o.store.RecentAlerts(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	if err := o.cache.SetRecentAlerts(ctx, userID, hours, recs); err != nil {
		observe.Logger(ctx).Warn("recent-alerts cache write failed", "err", err)
	}
	return recs, nil
}

// CheckHealth probes both inference services and reports their state.
func (o *Orchestrator) CheckHealth(ctx context.Context) gateway.Health {
	return o.gw.CheckHealth(ctx)
}

// SetDebounceDelay adjusts the debounce window at runtime. Pending timers
// keep their original delay; only later schedules see the new value.
func (o *Orchestrator) SetDebounceDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	o.tuneMu.Lock()
	o.debounceDelay = d
	o.tuneMu.Unlock()
}

// SetAlertsEnabled toggles alert dispatch at runtime.
func (o *Orchestrator) SetAlertsEnabled(enabled bool) {
	o.tuneMu.Lock()
	o.alertsEnabled = enabled
	o.tuneMu.Unlock()
}

func (o *Orchestrator) debounceWindow() time.Duration {
	o.tuneMu.RLock()
	defer o.tuneMu.RUnlock()
	return o.debounceDelay
}

func (o *Orchestrator) alertsOn() bool {
	o.tuneMu.RLock()
	defer o.tuneMu.RUnlock()
	return o.alertsEnabled
}

// Close cancels every pending debounce timer without running analysis.
func (o *Orchestrator) Close() {
	o.deb.clearAll()
}

// finish evaluates the alert predicate against the persisted record,
// dispatches when enabled, and assembles the outcome.
func (o *Orchestrator) finish(ctx context.Context, rec *fraud.AnalysisRecord, res gateway.Result) Outcome {
	outcome := Outcome{
		Success:          res.Success,
		Type:             rec.Type,
		AnalysisID:       rec.ID.String(),
		Subject:          rec.Subject,
		Score:            rec.Score,
		Confidence:       rec.Confidence,
		Degraded:         res.Degraded,
		ProcessingTimeMs: res.ProcessingTime.Milliseconds(),
		Err:              res.Err,
	}

	if rec.AlertWorthy() && o.alertsOn() {
		payload, err := o.dispatcher.Dispatch(ctx, rec)
		if err != nil {
			// The alert was still built and published; only the audit mark
			// failed.
			observe.Logger(ctx).Warn("alert marking failed",
				"analysis_id", rec.ID, "err", err)
		}
		outcome.AlertTriggered = true
		outcome.Alert = payload

		if err := o.cache.InvalidateUser(ctx, rec.UserID); err != nil {
			observe.Logger(ctx).Warn("recent-alerts cache invalidation failed",
				"user_id", rec.UserID, "err", err)
		}
	}

	if o.metrics != nil {
		o.metrics.AnalysisDuration.Record(ctx, res.ProcessingTime.Seconds(),
			metric.WithAttributes(attribute.String("type", string(rec.Type))))
	}
	return outcome
}

// failureOutcome wraps an internal pipeline error in the typed fail-safe
// shape for the given analysis type.
func failureOutcome(t fraud.Type, err error) Outcome {
	score := fraud.TextScoreNormal
	if t == fraud.TypeAudio {
		score = fraud.AudioScoreNormal
	}
	return Outcome{
		Success:    false,
		Type:       t,
		Score:      score,
		Confidence: 0,
		Err:        err.Error(),
	}
}

// excerpt truncates s to at most n runes for the input snapshot.
func excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// IsValidation reports whether err is a [fraud.ValidationError]. Convenience
// for transport layers mapping errors to status codes.
func IsValidation(err error) bool {
	var ve *fraud.ValidationError
	return errors.As(err, &ve)
}
