// Package alert turns a fraud-positive analysis record into a classified,
// user-facing alert payload and hands it to the real-time relay for fan-out
// to the conversation's participants.
package alert

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/callguard/callguard/internal/observe"
	"github.com/callguard/callguard/pkg/fraud"
)

// Publisher delivers a payload to every subscriber of a room. Satisfied by
// the relay hub; delivery semantics (buffering, slow-consumer policy) are the
// publisher's concern.
type Publisher interface {
	Publish(room string, v any) int
}

// Dispatcher builds alert payloads and records the one-time alert marking on
// the source record. Safe for concurrent use.
type Dispatcher struct {
	store   fraud.Store
	pub     Publisher
	metrics *observe.Metrics
}

// NewDispatcher creates a Dispatcher. pub and metrics may be nil, in which
// case delivery and accounting are skipped respectively.
func NewDispatcher(store fraud.Store, pub Publisher, metrics *observe.Metrics) *Dispatcher {
	return &Dispatcher{store: store, pub: pub, metrics: metrics}
}

// Dispatch classifies rec, marks it alerted exactly once, publishes the
// payload to the record's subject room, and returns the payload. The store
// marking failure is returned as the error, with the payload still built and
// published — a missed audit mark must not suppress a live alert.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *fraud.AnalysisRecord) (*fraud.AlertPayload, error) {
	now := time.Now().UTC()
	severity, message := Classify(rec.Type, rec.Score)

	payload := &fraud.AlertPayload{
		AlertID:    alertID(),
		AnalysisID: rec.ID,
		Subject:    rec.Subject,
		UserID:     rec.UserID,
		Type:       rec.Type,
		Score:      rec.Score,
		Confidence: rec.Confidence,
		Timestamp:  now,
		Severity:   severity,
		Message:    message,
	}

	markErr := d.store.MarkAlerted(ctx, rec.ID.String(), now)
	if markErr == nil {
		rec.AlertTriggered = true
		t := now
		rec.AlertAt = &t
	}

	if d.pub != nil {
		d.pub.Publish(rec.Subject.Ref, payload)
	}
	if d.metrics != nil {
		d.metrics.AlertsTriggered.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(rec.Type)),
			attribute.String("severity", string(severity)),
		))
	}

	return payload, markErr
}

// Classify maps an analysis type and score to the user-facing severity and
// message.
func Classify(t fraud.Type, score int) (fraud.Severity, string) {
	switch {
	case t == fraud.TypeText && score == fraud.TextScoreScam:
		return fraud.SeverityHigh, "Potential scam detected in conversation"
	case t == fraud.TypeText:
		return fraud.SeverityLow, "Normal conversation"
	case t == fraud.TypeAudio && score == fraud.AudioScoreFraud:
		return fraud.SeverityHigh, "Suspicious audio patterns detected"
	default:
		return fraud.SeverityLow, "Normal audio"
	}
}

// alertID returns a time-ordered unique alert identifier.
func alertID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
