package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/callguard/callguard/internal/analysis"
	"github.com/callguard/callguard/internal/gateway"
	"github.com/callguard/callguard/internal/health"
	"github.com/callguard/callguard/internal/observe"
	"github.com/callguard/callguard/internal/relay"
	"github.com/callguard/callguard/pkg/audio"
	"github.com/callguard/callguard/pkg/fraud"
)

// ── transport-level test doubles ──────────────────────────────────────────

type fakeGateway struct {
	textResult  gateway.Result
	audioResult gateway.Result
	health      gateway.Health
}

func (g *fakeGateway) AnalyzeText(context.Context, []fraud.Message, string) gateway.Result {
	return g.textResult
}

func (g *fakeGateway) AnalyzeAudio(context.Context, []byte, gateway.AudioMeta) gateway.Result {
	return g.audioResult
}

func (g *fakeGateway) CheckHealth(context.Context) gateway.Health { return g.health }

type fakeNormalizer struct {
	validateErr error
}

func (n *fakeNormalizer) Validate([]byte, audio.Format) error { return n.validateErr }

func (n *fakeNormalizer) Normalize(_ context.Context, buf []byte, format audio.Format) (*audio.Normalized, error) {
	return &audio.Normalized{
		WAV:            buf,
		SampleRate:     16000,
		Channels:       1,
		Duration:       time.Second,
		OriginalFormat: format,
	}, nil
}

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(_ context.Context, rec *fraud.AnalysisRecord) (*fraud.AlertPayload, error) {
	return &fraud.AlertPayload{AnalysisID: rec.ID, Subject: rec.Subject}, nil
}

type testServer struct {
	gw      *fakeGateway
	norm    *fakeNormalizer
	store   *fraud.MemStore
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		gw: &fakeGateway{
			textResult:  gateway.Result{Score: fraud.TextScoreNormal, Confidence: 0.9, Success: true},
			audioResult: gateway.Result{Score: fraud.AudioScoreNormal, Confidence: 0.9, Success: true},
			health:      gateway.Health{TextServiceUp: true, AudioServiceUp: true},
		},
		norm:  &fakeNormalizer{},
		store: fraud.NewMemStore(),
	}

	orch := analysis.New(ts.gw, ts.norm, ts.store, fakeDispatcher{},
		analysis.WithDebounceDelay(10*time.Millisecond))
	t.Cleanup(orch.Close)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := health.New(health.Checker{Name: "store", Check: ts.store.Ping})
	srv := NewServer(Config{MaxAudioBytes: 2048}, orch, relay.NewHub(nil), h, nil)
	ts.handler = srv.Routes(metrics)
	return ts
}

func (ts *testServer) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, r)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func textBody(conversationID string, contents ...string) []byte {
	req := map[string]any{"conversation_id": conversationID}
	msgs := make([]map[string]string, 0, len(contents))
	for _, c := range contents {
		msgs = append(msgs, map[string]string{"user_id": "u1", "username": "alice", "content": c})
	}
	req["messages"] = msgs
	data, _ := json.Marshal(req)
	return data
}

// ── text routes ───────────────────────────────────────────────────────────

func TestTextAnalysis(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.textResult = gateway.Result{Score: fraud.TextScoreScam, Confidence: 0.95, Success: true}

	rec := ts.do(t, http.MethodPost, "/v1/analysis/text", textBody("conv-1", "buy gift cards"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	out := decodeBody[analysis.Outcome](t, rec)
	if !out.Success || out.Score != fraud.TextScoreScam {
		t.Errorf("outcome = %+v", out)
	}
	if !out.AlertTriggered {
		t.Error("AlertTriggered = false for a scam score")
	}
	if ts.store.Len() != 1 {
		t.Errorf("store holds %d records", ts.store.Len())
	}
}

func TestTextAnalysis_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body []byte
	}{
		{"invalid json", []byte("{not json")},
		{"missing conversation id", textBody("", "hi")},
		{"empty messages", textBody("conv-1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/analysis/text", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			body := decodeBody[map[string]string](t, rec)
			if body["error"] == "" {
				t.Error("error body missing")
			}
		})
	}
}

func TestTextAnalysis_StoreFailureMapsTo503(t *testing.T) {
	ts := newTestServer(t)
	// Out-of-domain score: the store rejects the insert.
	ts.gw.textResult = gateway.Result{Score: 42, Success: true}

	rec := ts.do(t, http.MethodPost, "/v1/analysis/text", textBody("conv-1", "hi"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestTextSchedule(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/analysis/text/schedule", textBody("conv-1", "hello"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	resp := decodeBody[map[string]any](t, rec)
	if resp["scheduled"] != true {
		t.Errorf("response = %v", resp)
	}
	if resp["pending"].(float64) < 1 {
		t.Errorf("pending = %v, want at least 1", resp["pending"])
	}
}

func TestTextSchedule_RequiresMessages(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/analysis/text/schedule", textBody("conv-1"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestClearSchedule(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/v1/analysis/text/schedule", textBody("conv-1", "hello"))

	rec := ts.do(t, http.MethodDelete, "/v1/analysis/text/schedule/conv-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}

	// Unknown conversations clear as a no-op.
	rec = ts.do(t, http.MethodDelete, "/v1/analysis/text/schedule/never-seen", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d for unknown conversation, want 204", rec.Code)
	}
}

// ── audio route ───────────────────────────────────────────────────────────

func TestAudioAnalysis(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.audioResult = gateway.Result{Score: fraud.AudioScoreFraud, Confidence: 0.8, Success: true}

	chunk := append([]byte("RIFFxxxxWAVE"), bytes.Repeat([]byte{0}, 1500)...)
	rec := ts.do(t, http.MethodPost, "/v1/analysis/audio?user_id=u1&chunk_index=2&format=wav", chunk)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	out := decodeBody[analysis.Outcome](t, rec)
	if out.Score != fraud.AudioScoreFraud || out.Type != fraud.TypeAudio {
		t.Errorf("outcome = %+v", out)
	}
}

func TestAudioAnalysis_ParameterValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		target string
	}{
		{"missing user id", "/v1/analysis/audio"},
		{"negative chunk index", "/v1/analysis/audio?user_id=u1&chunk_index=-1"},
		{"non-numeric chunk index", "/v1/analysis/audio?user_id=u1&chunk_index=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tt.target, []byte("RIFFxxxxWAVE"))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAudioAnalysis_RejectionFromPipeline(t *testing.T) {
	ts := newTestServer(t)
	ts.norm.validateErr = fraud.Validationf("unsupported audio format")

	rec := ts.do(t, http.MethodPost, "/v1/analysis/audio?user_id=u1", []byte("RIFFxxxxWAVE"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if !strings.Contains(body["error"], "unsupported audio format") {
		t.Errorf("error = %q", body["error"])
	}
}

func TestAudioAnalysis_OversizedBody(t *testing.T) {
	ts := newTestServer(t)

	// The server caps audio bodies at 2048 bytes.
	rec := ts.do(t, http.MethodPost, "/v1/analysis/audio?user_id=u1", make([]byte, 5000))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

// ── query routes ──────────────────────────────────────────────────────────

func TestHistory(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/v1/analysis/text", textBody("conv-1", "one"))
	ts.do(t, http.MethodPost, "/v1/analysis/text", textBody("conv-1", "two"))

	rec := ts.do(t, http.MethodGet, "/v1/conversations/conv-1/analyses", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[map[string]any](t, rec)
	if resp["count"].(float64) != 2 {
		t.Errorf("count = %v, want 2", resp["count"])
	}

	rec = ts.do(t, http.MethodGet, "/v1/conversations/conv-1/analyses?type=video", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d for unknown type, want 400", rec.Code)
	}
}

func TestRecentAlerts(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/users/u1/alerts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[map[string]any](t, rec)
	if resp["hours"].(float64) != 24 {
		t.Errorf("default hours = %v, want 24", resp["hours"])
	}

	rec = ts.do(t, http.MethodGet, "/v1/users/u1/alerts?hours=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d for bad hours, want 400", rec.Code)
	}
}

func TestModelHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.health = gateway.Health{TextServiceUp: true, AudioServiceUp: false}

	rec := ts.do(t, http.MethodGet, "/v1/models/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	h := decodeBody[gateway.Health](t, rec)
	if !h.TextServiceUp || h.AudioServiceUp {
		t.Errorf("health = %+v", h)
	}
}

func TestHealthRoutes(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Errorf("/readyz status = %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(t, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", rec.Code)
	}
}
