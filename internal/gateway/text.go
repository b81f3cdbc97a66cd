package gateway

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	oai "github.com/openai/openai-go"

	"github.com/callguard/callguard/internal/observe"
	"github.com/callguard/callguard/internal/resilience"
	"github.com/callguard/callguard/pkg/fraud"
)

// textInstruction is the fixed prompt header for conversation analysis. The
// model is asked for a bare digit so the response parser stays trivial.
const textInstruction = `You are a fraud-detection assistant reviewing a chat conversation.
Decide whether the conversation shows signs of a scam: requests for money or
gift cards, impersonation, pressure tactics, phishing links, or solicitation
of personal or banking details.
Respond with a single digit: 1 if the conversation looks normal, 2 if it
looks like a scam.`

// textCompletionCue terminates the prompt so completion-style models answer
// in place.
const textCompletionCue = "Score:"

// AnalyzeText sends the conversation transcript to the text inference
// service and parses the completion into a fraud score in {1,2}. It never
// returns an error: transport failures come back as a degraded result scored
// [fraud.TextScoreNormal].
func (c *Client) AnalyzeText(ctx context.Context, messages []fraud.Message, contextNote string) Result {
	prompt := buildTextPrompt(messages, contextNote)

	start := time.Now()
	var (
		raw        string
		confidence = -1.0
	)
	err := c.textBreaker.Do(func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		resp, err := c.text.Completions.New(cctx, oai.CompletionNewParams{
			Model:       oai.CompletionNewParamsModel(c.cfg.TextModel),
			Prompt:      oai.CompletionNewParamsPromptUnion{OfString: oai.String(prompt)},
			MaxTokens:   oai.Int(maxScoreTokens),
			Temperature: oai.Float(scoreTemperature),
			Stop:        oai.CompletionNewParamsStopUnion{OfString: oai.String(stopToken)},
		})
		if err != nil {
			return &fraud.GatewayError{Endpoint: c.cfg.TextEndpoint, Err: err}
		}
		if len(resp.Choices) == 0 {
			return &fraud.GatewayError{Endpoint: c.cfg.TextEndpoint, Err: errors.New("empty choices in response")}
		}
		raw = resp.Choices[0].Text

		// The service may annotate the standard completion shape with an
		// optional top-level confidence field.
		if f, ok := resp.JSON.ExtraFields["confidence"]; ok && f.Valid() {
			if v, perr := strconv.ParseFloat(f.Raw(), 64); perr == nil {
				confidence = v
			}
		}
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		c.cfg.Metrics.RecordModelCall(ctx, "text", elapsed.Seconds(), true)
		observe.Logger(ctx).Warn("text inference degraded to fail-safe normal",
			"endpoint", c.cfg.TextEndpoint,
			"breaker_open", errors.Is(err, resilience.ErrOpen),
			"err", err,
		)
		return Result{
			Score:          fraud.TextScoreNormal,
			Confidence:     0,
			ProcessingTime: elapsed,
			Degraded:       true,
			Err:            err.Error(),
		}
	}

	c.cfg.Metrics.RecordModelCall(ctx, "text", elapsed.Seconds(), false)
	return Result{
		Score:          ParseTextScore(raw),
		Confidence:     clampConfidence(confidence),
		ProcessingTime: elapsed,
		RawResponse:    raw,
		Success:        true,
	}
}

// buildTextPrompt assembles the deterministic analysis prompt: instruction
// header, optional context block, the ordered transcript, and the completion
// cue.
func buildTextPrompt(messages []fraud.Message, contextNote string) string {
	var b strings.Builder
	b.WriteString(textInstruction)
	b.WriteString("\n\n")

	if contextNote != "" {
		b.WriteString("Context: ")
		b.WriteString(contextNote)
		b.WriteString("\n\n")
	}

	b.WriteString("Conversation:\n")
	for _, m := range messages {
		name := m.Username
		if name == "" {
			name = m.UserID
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(textCompletionCue)
	b.WriteString(" ")
	return b.String()
}

// clampConfidence maps a missing confidence (negative sentinel) to the
// default and clamps reported values into [0,1].
func clampConfidence(v float64) float64 {
	if v < 0 {
		return defaultConfidence
	}
	if v > 1 {
		return 1
	}
	return v
}
