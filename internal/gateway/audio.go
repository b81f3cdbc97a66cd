package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/callguard/callguard/internal/observe"
	"github.com/callguard/callguard/internal/resilience"
	"github.com/callguard/callguard/pkg/fraud"
)

// audioInstruction is the fixed prompt header for audio-chunk analysis.
const audioInstruction = `You are a fraud-detection assistant listening to a segment of a voice call.
Decide whether the audio carries fraud indicators: synthetic or cloned
speech, scripted scam patter, or coercive pressure.
Respond with a single digit: 0 if the audio sounds normal, 1 if it sounds
fraudulent.`

// audioCompletionCue mirrors the text path's completion cue.
const audioCompletionCue = "Score:"

// audioCompletionRequest is the wire shape of the audio inference call. The
// audio field is a non-standard extension of the completions contract, which
// is why this path is a hand-built POST rather than an SDK call.
type audioCompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Audio       string   `json:"audio"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

// audioCompletionResponse is the service's completion shape, including the
// optional confidence annotation.
type audioCompletionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Confidence *float64 `json:"confidence"`
}

// AnalyzeAudio sends a normalized PCM WAV buffer to the audio inference
// service and parses the completion into a fraud score in {0,1}. Like
// [Client.AnalyzeText] it never returns an error; transport failures come
// back as a degraded result scored [fraud.AudioScoreNormal].
func (c *Client) AnalyzeAudio(ctx context.Context, pcmWAV []byte, meta AudioMeta) Result {
	prompt := buildAudioPrompt(meta)

	start := time.Now()
	var (
		raw        string
		confidence = -1.0
	)
	err := c.audioBreaker.Do(func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		body, err := json.Marshal(audioCompletionRequest{
			Model:       c.cfg.AudioModel,
			Prompt:      prompt,
			Audio:       base64.StdEncoding.EncodeToString(pcmWAV),
			MaxTokens:   maxScoreTokens,
			Temperature: scoreTemperature,
			Stop:        []string{stopToken},
		})
		if err != nil {
			return &fraud.GatewayError{Endpoint: c.cfg.AudioEndpoint, Err: err}
		}

		url := strings.TrimSuffix(c.cfg.AudioEndpoint, "/") + "/v1/completions"
		req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return &fraud.GatewayError{Endpoint: c.cfg.AudioEndpoint, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &fraud.GatewayError{Endpoint: c.cfg.AudioEndpoint, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &fraud.GatewayError{
				Endpoint: c.cfg.AudioEndpoint,
				Err:      fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)),
			}
		}

		var parsed audioCompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return &fraud.GatewayError{Endpoint: c.cfg.AudioEndpoint, Err: fmt.Errorf("decode response: %w", err)}
		}
		if len(parsed.Choices) == 0 {
			return &fraud.GatewayError{Endpoint: c.cfg.AudioEndpoint, Err: errors.New("empty choices in response")}
		}
		raw = parsed.Choices[0].Text
		if parsed.Confidence != nil {
			confidence = *parsed.Confidence
		}
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		c.cfg.Metrics.RecordModelCall(ctx, "audio", elapsed.Seconds(), true)
		observe.Logger(ctx).Warn("audio inference degraded to fail-safe normal",
			"endpoint", c.cfg.AudioEndpoint,
			"breaker_open", errors.Is(err, resilience.ErrOpen),
			"err", err,
		)
		return Result{
			Score:          fraud.AudioScoreNormal,
			Confidence:     0,
			ProcessingTime: elapsed,
			Degraded:       true,
			Err:            err.Error(),
		}
	}

	c.cfg.Metrics.RecordModelCall(ctx, "audio", elapsed.Seconds(), false)
	return Result{
		Score:          ParseAudioScore(raw),
		Confidence:     clampConfidence(confidence),
		ProcessingTime: elapsed,
		RawResponse:    raw,
		Success:        true,
	}
}

// buildAudioPrompt assembles the audio analysis prompt annotated with the
// normalized stream parameters.
func buildAudioPrompt(meta AudioMeta) string {
	var b strings.Builder
	b.WriteString(audioInstruction)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Audio segment: %d Hz %s, %.2f seconds.\n\n",
		meta.SampleRate, meta.Format, meta.Duration.Seconds())
	b.WriteString(audioCompletionCue)
	b.WriteString(" ")
	return b.String()
}
