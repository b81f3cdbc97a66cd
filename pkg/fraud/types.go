// Package fraud defines the domain model shared by the CallGuard analysis
// pipeline: analysis records, subject identity, fraud scores, alert payloads,
// the error taxonomy, and the [Store] persistence interface.
//
// Fraud scores are small integer codes whose meaning depends on the analysis
// type — text uses 1 (normal) / 2 (scam), audio uses 0 (normal) / 1 (fraud).
// They are codes, not probabilities; model confidence is carried separately.
package fraud

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes the two analysis pipelines.
type Type string

const (
	TypeText  Type = "text"
	TypeAudio Type = "audio"
)

// IsValid reports whether t is a recognised analysis type.
func (t Type) IsValid() bool {
	return t == TypeText || t == TypeAudio
}

// Score codes per analysis type.
const (
	TextScoreNormal = 1
	TextScoreScam   = 2

	AudioScoreNormal = 0
	AudioScoreFraud  = 1
)

// ValidScore reports whether score is in the domain of the given analysis
// type. Stores reject records that fail this check.
func ValidScore(t Type, score int) bool {
	switch t {
	case TypeText:
		return score == TextScoreNormal || score == TextScoreScam
	case TypeAudio:
		return score == AudioScoreNormal || score == AudioScoreFraud
	}
	return false
}

// SubjectKind tags the two identity models an analysis can be attached to.
type SubjectKind string

const (
	// SubjectConversation references a persisted conversation entity.
	SubjectConversation SubjectKind = "conversation"

	// SubjectSession references an ad-hoc call session that has no stored
	// conversation. The ref is a synthetic session key.
	SubjectSession SubjectKind = "session"
)

// Subject identifies what an analysis record is attached to. Exactly one
// identity model applies per record.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	Ref  string      `json:"ref"`
}

// ConversationSubject returns a Subject referencing a stored conversation.
func ConversationSubject(conversationID string) Subject {
	return Subject{Kind: SubjectConversation, Ref: conversationID}
}

// SessionSubject returns a Subject keyed by a synthetic call-session key.
func SessionSubject(key string) Subject {
	return Subject{Kind: SubjectSession, Ref: key}
}

// SessionKey derives the synthetic session key for a call session that is not
// tied to a stored conversation, so its analyses remain queryable as a group.
func SessionKey(userID string, at time.Time) string {
	return fmt.Sprintf("call_%s_%d", userID, at.Unix())
}

// Message is a single chat message submitted for text analysis.
type Message struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at,omitzero"`
}

// AnalysisRecord is one persisted fraud-analysis result. A record is written
// exactly once; the only later mutation is the one-time alert marking.
type AnalysisRecord struct {
	ID      uuid.UUID `json:"id"`
	Subject Subject   `json:"subject"`
	Type    Type      `json:"type"`

	// UserID identifies the user under analysis.
	UserID string `json:"user_id"`

	// Score is the type-dependent fraud code. See [ValidScore].
	Score int `json:"score"`

	// Confidence is the model's self-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Input describes what was analysed (message count and last-message
	// excerpt for text; sample rate, format and duration for audio).
	Input map[string]any `json:"input,omitempty"`

	// RawModelOutput is the untouched model response, kept for audit.
	RawModelOutput string `json:"raw_model_output,omitempty"`

	// Degraded marks a fail-safe result produced because the model service
	// was unreachable. Distinguishes "confirmed normal" from "assumed normal".
	Degraded bool `json:"degraded,omitempty"`

	AlertTriggered bool       `json:"alert_triggered"`
	AlertAt        *time.Time `json:"alert_at,omitempty"`

	// ProcessingTime is the wall-clock duration of the model call.
	ProcessingTime time.Duration `json:"processing_time_ms"`

	// ChunkIndex and AudioFormat are set only when Type is [TypeAudio].
	ChunkIndex  int    `json:"chunk_index,omitempty"`
	AudioFormat string `json:"audio_format,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AlertWorthy reports whether the record's score meets the alert predicate
// for its analysis type.
func (r *AnalysisRecord) AlertWorthy() bool {
	switch r.Type {
	case TypeText:
		return r.Score == TextScoreScam
	case TypeAudio:
		return r.Score == AudioScoreFraud
	}
	return false
}

// Severity classifies an alert for downstream display.
type Severity string

const (
	SeverityLow  Severity = "low"
	SeverityHigh Severity = "high"
)

// AlertPayload is the wire shape handed to the real-time relay for fan-out
// to conversation participants.
type AlertPayload struct {
	AlertID    string    `json:"alert_id"`
	AnalysisID uuid.UUID `json:"analysis_id"`
	Subject    Subject   `json:"subject"`
	UserID     string    `json:"user_id"`
	Type       Type      `json:"type"`
	Score      int       `json:"score"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
}
