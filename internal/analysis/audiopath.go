package analysis

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/callguard/callguard/internal/gateway"
	"github.com/callguard/callguard/pkg/audio"
	"github.com/callguard/callguard/pkg/fraud"
)

// AnalyzeAudioChunk validates, normalizes and scores one chunk of call
// audio. Validation failures return a [fraud.ValidationError] before any
// transcoding or model work happens. Transcoding failures come back as a
// typed failure Outcome rather than an error: the chunk was acceptable
// input, the pipeline degraded.
func (o *Orchestrator) AnalyzeAudioChunk(ctx context.Context, buf []byte, hint audio.Format, meta ChunkMeta) (Outcome, error) {
	format := hint
	if format == "" || format == audio.FormatUnknown {
		format = audio.Detect(buf)
	}

	if err := o.norm.Validate(buf, format); err != nil {
		return Outcome{}, err
	}

	subject := o.resolveSubject(meta)

	normStart := o.now()
	norm, err := o.norm.Normalize(ctx, buf, format)
	if err != nil {
		var ve *fraud.ValidationError
		if errors.As(err, &ve) {
			return Outcome{}, err
		}
		out := failureOutcome(fraud.TypeAudio, err)
		out.Subject = subject
		return out, nil
	}
	if o.metrics != nil {
		o.metrics.NormalizeDuration.Record(ctx, o.now().Sub(normStart).Seconds(),
			metric.WithAttributes(attribute.String("format", string(format))))
	}

	res := o.gw.AnalyzeAudio(ctx, norm.WAV, gateway.AudioMeta{
		SampleRate: norm.SampleRate,
		Format:     string(norm.OriginalFormat),
		Duration:   norm.Duration,
	})

	rec := &fraud.AnalysisRecord{
		ID:         uuid.New(),
		Subject:    subject,
		Type:       fraud.TypeAudio,
		UserID:     meta.UserID,
		Score:      res.Score,
		Confidence: res.Confidence,
		Input: map[string]any{
			"original_bytes":   len(buf),
			"format":           string(format),
			"sample_rate":      norm.SampleRate,
			"duration_seconds": norm.Duration.Seconds(),
		},
		RawModelOutput: res.RawResponse,
		Degraded:       res.Degraded,
		ProcessingTime: res.ProcessingTime,
		ChunkIndex:     meta.ChunkIndex,
		AudioFormat:    string(format),
		CreatedAt:      o.now().UTC(),
	}

	if err := o.store.Insert(ctx, rec); err != nil {
		return Outcome{}, err
	}

	return o.finish(ctx, rec, res), nil
}

// resolveSubject links the chunk to a conversation when the caller supplied
// a well-formed conversation reference, and otherwise derives a synthetic
// call-session key so standalone call audio still groups per user and call.
func (o *Orchestrator) resolveSubject(meta ChunkMeta) fraud.Subject {
	if meta.ConversationID != "" {
		if _, err := uuid.Parse(meta.ConversationID); err == nil {
			return fraud.ConversationSubject(meta.ConversationID)
		}
	}
	return fraud.SessionSubject(fraud.SessionKey(meta.UserID, o.now()))
}
