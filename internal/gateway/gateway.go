// Package gateway talks to the two external inference services — a text
// model and an audio model — and turns their free-text completions into
// typed fraud scores.
//
// The gateway never propagates transport failures to its callers. A dead or
// timed-out endpoint yields a fail-safe result scored "normal" with zero
// confidence and the Degraded flag set, because a broken model must never be
// interpreted as "fraud detected". Per-endpoint circuit breakers short-cut
// straight to that result once an endpoint has proven dead, instead of
// burning the full request timeout on every call.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/sync/errgroup"

	"github.com/callguard/callguard/internal/observe"
	"github.com/callguard/callguard/internal/resilience"
)

const (
	defaultCallTimeout  = 30 * time.Second
	defaultProbeTimeout = 5 * time.Second

	// maxScoreTokens bounds generation: the models are asked for a single
	// digit, anything past a short sentence is waste.
	maxScoreTokens = 16

	// scoreTemperature keeps the completions near-deterministic.
	scoreTemperature = 0.1

	// stopToken terminates generation at the first line break.
	stopToken = "\n"

	// defaultConfidence is assumed when the service omits its optional
	// confidence field.
	defaultConfidence = 0.8
)

// Config holds the gateway's endpoint and timeout settings.
type Config struct {
	// TextEndpoint and AudioEndpoint are the inference service base URLs
	// (the /v1/completions path is appended per call).
	TextEndpoint  string
	AudioEndpoint string

	// TextModel and AudioModel name the model per service.
	TextModel  string
	AudioModel string

	// APIKey is an optional bearer token sent to both services.
	APIKey string

	// CallTimeout bounds a single inference call. Default 30s.
	CallTimeout time.Duration

	// ProbeTimeout bounds a single health probe. Default 5s.
	ProbeTimeout time.Duration

	// Metrics receives per-call accounting. Nil disables recording.
	Metrics *observe.Metrics
}

// Result is the typed outcome of one inference call. It is always populated:
// on transport failure, Success is false, Degraded is true, and Score carries
// the fail-safe "normal" code for the analysis type.
type Result struct {
	Score          int
	Confidence     float64
	ProcessingTime time.Duration
	RawResponse    string
	Success        bool

	// Degraded distinguishes "model confirmed normal" from "model was
	// unreachable, assumed normal".
	Degraded bool

	// Err carries the transport error message when Success is false.
	Err string
}

// Health reports per-service probe outcomes.
type Health struct {
	TextServiceUp  bool `json:"text_service_up"`
	AudioServiceUp bool `json:"audio_service_up"`
}

// AudioMeta annotates an audio inference request with the normalized stream
// parameters, so the model prompt can describe what it is hearing.
type AudioMeta struct {
	SampleRate int
	Format     string
	Duration   time.Duration
}

// Client is the model gateway. It is stateless apart from its circuit
// breakers and safe for concurrent use.
type Client struct {
	cfg Config

	text         oai.Client
	httpClient   *http.Client
	textBreaker  *resilience.Breaker
	audioBreaker *resilience.Breaker
}

// New creates a gateway Client from cfg, applying defaults for unset
// timeouts.
func New(cfg Config) (*Client, error) {
	if cfg.TextEndpoint == "" || cfg.AudioEndpoint == "" {
		return nil, fmt.Errorf("gateway: both model endpoints must be configured")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}

	httpClient := &http.Client{Timeout: cfg.CallTimeout}

	textOpts := []option.RequestOption{
		option.WithBaseURL(strings.TrimSuffix(cfg.TextEndpoint, "/") + "/v1/"),
		option.WithHTTPClient(httpClient),
	}
	if cfg.APIKey != "" {
		textOpts = append(textOpts, option.WithAPIKey(cfg.APIKey))
	}

	return &Client{
		cfg:          cfg,
		text:         oai.NewClient(textOpts...),
		httpClient:   httpClient,
		textBreaker:  resilience.NewBreaker(resilience.BreakerConfig{Name: "text-model"}),
		audioBreaker: resilience.NewBreaker(resilience.BreakerConfig{Name: "audio-model"}),
	}, nil
}

// CheckHealth probes both inference services concurrently, each with its own
// bounded timeout. Failure of one probe never blocks or fails the other; the
// outcomes are aggregated and returned, never raised.
func (c *Client) CheckHealth(ctx context.Context) Health {
	var h Health
	g := new(errgroup.Group)
	g.Go(func() error {
		h.TextServiceUp = c.probe(ctx, c.cfg.TextEndpoint)
		return nil
	})
	g.Go(func() error {
		h.AudioServiceUp = c.probe(ctx, c.cfg.AudioEndpoint)
		return nil
	})
	_ = g.Wait()
	return h
}

// ProbeText probes only the text inference service. Returns an error when
// the service fails its health probe, suiting readiness-check wiring where
// each service is probed exactly once.
func (c *Client) ProbeText(ctx context.Context) error {
	if !c.probe(ctx, c.cfg.TextEndpoint) {
		return fmt.Errorf("gateway: text service %s failed health probe", c.cfg.TextEndpoint)
	}
	return nil
}

// ProbeAudio probes only the audio inference service.
func (c *Client) ProbeAudio(ctx context.Context) error {
	if !c.probe(ctx, c.cfg.AudioEndpoint) {
		return fmt.Errorf("gateway: audio service %s failed health probe", c.cfg.AudioEndpoint)
	}
	return nil
}

// probe reports whether GET {endpoint}/health answers 200 within the probe
// timeout.
func (c *Client) probe(ctx context.Context, endpoint string) bool {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, strings.TrimSuffix(endpoint, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
