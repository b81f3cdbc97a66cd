package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/callguard/callguard/internal/alert"
	"github.com/callguard/callguard/internal/gateway"
	"github.com/callguard/callguard/pkg/audio"
	"github.com/callguard/callguard/pkg/fraud"
)

// ── test doubles ──────────────────────────────────────────────────────────

type stubGateway struct {
	mu         sync.Mutex
	textCalls  int
	audioCalls int
	lastMsgs   []fraud.Message
	lastNote   string

	textResult  gateway.Result
	audioResult gateway.Result
	health      gateway.Health
}

func (g *stubGateway) AnalyzeText(_ context.Context, messages []fraud.Message, note string) gateway.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.textCalls++
	g.lastMsgs = messages
	g.lastNote = note
	return g.textResult
}

func (g *stubGateway) AnalyzeAudio(_ context.Context, _ []byte, _ gateway.AudioMeta) gateway.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audioCalls++
	return g.audioResult
}

func (g *stubGateway) CheckHealth(context.Context) gateway.Health { return g.health }

func (g *stubGateway) calls() (text, audioN int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.textCalls, g.audioCalls
}

type stubNormalizer struct {
	validateErr  error
	normalizeErr error
	normalized   *audio.Normalized

	normalizeCalls int
}

func (n *stubNormalizer) Validate([]byte, audio.Format) error { return n.validateErr }

func (n *stubNormalizer) Normalize(context.Context, []byte, audio.Format) (*audio.Normalized, error) {
	n.normalizeCalls++
	if n.normalizeErr != nil {
		return nil, n.normalizeErr
	}
	return n.normalized, nil
}

type stubDispatcher struct {
	mu         sync.Mutex
	dispatched []*fraud.AnalysisRecord
}

func (d *stubDispatcher) Dispatch(_ context.Context, rec *fraud.AnalysisRecord) (*fraud.AlertPayload, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, rec)
	return &fraud.AlertPayload{AnalysisID: rec.ID, Subject: rec.Subject, Score: rec.Score}, nil
}

func (d *stubDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatched)
}

type fixture struct {
	gw    *stubGateway
	norm  *stubNormalizer
	store *fraud.MemStore
	disp  *stubDispatcher
	orch  *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		gw: &stubGateway{
			textResult:  gateway.Result{Score: fraud.TextScoreNormal, Confidence: 0.9, Success: true},
			audioResult: gateway.Result{Score: fraud.AudioScoreNormal, Confidence: 0.9, Success: true},
		},
		norm: &stubNormalizer{
			normalized: &audio.Normalized{
				WAV:            []byte("RIFFxxxxWAVEnormalized"),
				SampleRate:     16000,
				Channels:       1,
				Duration:       2 * time.Second,
				OriginalFormat: audio.FormatOpus,
			},
		},
		store: fraud.NewMemStore(),
		disp:  &stubDispatcher{},
	}
	f.orch = New(f.gw, f.norm, f.store, f.disp, opts...)
	t.Cleanup(f.orch.Close)
	return f
}

func messages(contents ...string) []fraud.Message {
	out := make([]fraud.Message, 0, len(contents))
	for _, c := range contents {
		out = append(out, fraud.Message{UserID: "u1", Username: "alice", Content: c})
	}
	return out
}

// ── text path ─────────────────────────────────────────────────────────────

func TestAnalyzeTextImmediate_EmptyMessagesFailsFast(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.AnalyzeTextImmediate(context.Background(), "conv-1", nil, "")
	if !IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if text, _ := f.gw.calls(); text != 0 {
		t.Errorf("gateway called %d times for empty input", text)
	}
	if f.store.Len() != 0 {
		t.Errorf("store holds %d records for rejected input", f.store.Len())
	}
}

func TestAnalyzeTextImmediate_NormalScoreNoAlert(t *testing.T) {
	f := newFixture(t)

	out, err := f.orch.AnalyzeTextImmediate(context.Background(), "conv-1", messages("hi"), "")
	if err != nil {
		t.Fatalf("AnalyzeTextImmediate: %v", err)
	}
	if !out.Success {
		t.Error("Success = false")
	}
	if out.Score != fraud.TextScoreNormal {
		t.Errorf("Score = %d, want %d", out.Score, fraud.TextScoreNormal)
	}
	if out.AlertTriggered || out.Alert != nil {
		t.Error("alert triggered for a normal conversation")
	}
	if f.disp.count() != 0 {
		t.Errorf("dispatcher called %d times", f.disp.count())
	}
	if f.store.Len() != 1 {
		t.Errorf("store holds %d records, want 1", f.store.Len())
	}
}

func TestAnalyzeTextImmediate_ScamScoreDispatchesAlert(t *testing.T) {
	f := newFixture(t)
	f.gw.textResult = gateway.Result{Score: fraud.TextScoreScam, Confidence: 0.95, Success: true}

	out, err := f.orch.AnalyzeTextImmediate(context.Background(), "conv-1", messages("buy gift cards now"), "urgent")
	if err != nil {
		t.Fatalf("AnalyzeTextImmediate: %v", err)
	}
	if !out.AlertTriggered {
		t.Error("AlertTriggered = false for a scam score")
	}
	if out.Alert == nil {
		t.Fatal("Alert payload is nil")
	}
	if f.disp.count() != 1 {
		t.Errorf("dispatcher called %d times, want 1", f.disp.count())
	}
	if f.gw.lastNote != "urgent" {
		t.Errorf("context note = %q", f.gw.lastNote)
	}
	if out.Subject != fraud.ConversationSubject("conv-1") {
		t.Errorf("Subject = %+v", out.Subject)
	}
}

func TestAnalyzeTextImmediate_AlertsDisabled(t *testing.T) {
	f := newFixture(t, WithAlertsEnabled(false))
	f.gw.textResult = gateway.Result{Score: fraud.TextScoreScam, Confidence: 0.95, Success: true}

	out, err := f.orch.AnalyzeTextImmediate(context.Background(), "conv-1", messages("scam"), "")
	if err != nil {
		t.Fatalf("AnalyzeTextImmediate: %v", err)
	}
	if out.AlertTriggered {
		t.Error("AlertTriggered = true with alerts disabled")
	}
	if f.disp.count() != 0 {
		t.Errorf("dispatcher called %d times with alerts disabled", f.disp.count())
	}
	// The record is still persisted for later review.
	if f.store.Len() != 1 {
		t.Errorf("store holds %d records, want 1", f.store.Len())
	}
}

func TestAnalyzeTextImmediate_DegradedResultPersistedWithoutAlert(t *testing.T) {
	f := newFixture(t)
	f.gw.textResult = gateway.Result{
		Score:      fraud.TextScoreNormal,
		Confidence: 0,
		Degraded:   true,
		Err:        "endpoint unreachable",
	}

	out, err := f.orch.AnalyzeTextImmediate(context.Background(), "conv-1", messages("hi"), "")
	if err != nil {
		t.Fatalf("AnalyzeTextImmediate: %v", err)
	}
	if !out.Degraded {
		t.Error("Degraded = false")
	}
	if out.Success {
		t.Error("Success = true for a degraded result")
	}
	if out.AlertTriggered {
		t.Error("a degraded fail-safe result triggered an alert")
	}

	rec, ok := f.store.Get(out.AnalysisID)
	if !ok {
		t.Fatal("degraded record was not persisted")
	}
	if !rec.Degraded {
		t.Error("persisted record lost the Degraded flag")
	}
}

func TestAnalyzeTextImmediate_StoreFailureBubbles(t *testing.T) {
	f := newFixture(t)
	// An out-of-domain score makes the store reject the insert.
	f.gw.textResult = gateway.Result{Score: 7, Success: true}

	_, err := f.orch.AnalyzeTextImmediate(context.Background(), "conv-1", messages("hi"), "")
	var pe *fraud.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
}

// With result storage disabled, every pipeline consumer must operate on the
// same discard-all store: alerts still classify, dispatch, and publish
// without the marking step erroring on a never-persisted record.
func TestAnalyzeTextImmediate_StorageDisabledStillAlerts(t *testing.T) {
	gw := &stubGateway{
		textResult: gateway.Result{Score: fraud.TextScoreScam, Confidence: 0.95, Success: true},
	}
	pub := &capturePublisher{}
	store := fraud.NoopStore{}
	disp := alert.NewDispatcher(store, pub, nil)

	orch := New(gw, &stubNormalizer{}, store, disp, WithResultStorage(false))
	defer orch.Close()

	out, err := orch.AnalyzeTextImmediate(context.Background(), "conv-1", messages("buy gift cards now"), "")
	if err != nil {
		t.Fatalf("AnalyzeTextImmediate: %v", err)
	}
	if !out.AlertTriggered {
		t.Error("AlertTriggered = false with storage disabled")
	}
	if out.Alert == nil {
		t.Fatal("Alert payload missing")
	}
	if out.Alert.Severity != fraud.SeverityHigh {
		t.Errorf("Severity = %q, want %q", out.Alert.Severity, fraud.SeverityHigh)
	}
	if len(pub.rooms) != 1 || pub.rooms[0] != "conv-1" {
		t.Errorf("published rooms = %v, want [conv-1]", pub.rooms)
	}

	hist, err := orch.History(context.Background(), "conv-1", "")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 0 {
		t.Errorf("History returned %d records with storage disabled", len(hist))
	}
}

type capturePublisher struct {
	mu    sync.Mutex
	rooms []string
}

func (p *capturePublisher) Publish(room string, _ any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms = append(p.rooms, room)
	return 1
}

func TestRuntimeTuning(t *testing.T) {
	f := newFixture(t)

	f.orch.SetDebounceDelay(500 * time.Millisecond)
	if got := f.orch.debounceWindow(); got != 500*time.Millisecond {
		t.Errorf("debounceWindow = %v", got)
	}
	f.orch.SetDebounceDelay(0) // ignored
	if got := f.orch.debounceWindow(); got != 500*time.Millisecond {
		t.Errorf("debounceWindow after zero set = %v", got)
	}

	f.orch.SetAlertsEnabled(false)
	if f.orch.alertsOn() {
		t.Error("alertsOn = true after disabling")
	}
}

// ── audio path ────────────────────────────────────────────────────────────

func TestAnalyzeAudioChunk_FraudScoreDispatchesAlert(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, withClock(func() time.Time { return fixed }))
	f.gw.audioResult = gateway.Result{Score: fraud.AudioScoreFraud, Confidence: 0.8, Success: true}

	out, err := f.orch.AnalyzeAudioChunk(context.Background(), []byte("RIFFxxxxWAVEdata"), audio.FormatWAV, ChunkMeta{
		UserID:     "u1",
		ChunkIndex: 3,
	})
	if err != nil {
		t.Fatalf("AnalyzeAudioChunk: %v", err)
	}
	if out.Score != fraud.AudioScoreFraud {
		t.Errorf("Score = %d", out.Score)
	}
	if !out.AlertTriggered {
		t.Error("AlertTriggered = false for a fraud score")
	}

	want := fraud.SessionSubject(fraud.SessionKey("u1", fixed))
	if out.Subject != want {
		t.Errorf("Subject = %+v, want %+v", out.Subject, want)
	}

	rec, ok := f.store.Get(out.AnalysisID)
	if !ok {
		t.Fatal("record not persisted")
	}
	if rec.ChunkIndex != 3 {
		t.Errorf("ChunkIndex = %d, want 3", rec.ChunkIndex)
	}
	if rec.Type != fraud.TypeAudio {
		t.Errorf("Type = %s", rec.Type)
	}
}

func TestAnalyzeAudioChunk_ConversationReference(t *testing.T) {
	f := newFixture(t)
	const convID = "b3b25c1e-8d06-4f5a-9a39-c3a1f7f0a111"

	out, err := f.orch.AnalyzeAudioChunk(context.Background(), []byte("RIFFxxxxWAVEdata"), audio.FormatWAV, ChunkMeta{
		ConversationID: convID,
		UserID:         "u1",
	})
	if err != nil {
		t.Fatalf("AnalyzeAudioChunk: %v", err)
	}
	if out.Subject != fraud.ConversationSubject(convID) {
		t.Errorf("Subject = %+v, want conversation %s", out.Subject, convID)
	}
}

func TestAnalyzeAudioChunk_MalformedConversationFallsBackToSession(t *testing.T) {
	f := newFixture(t)

	out, err := f.orch.AnalyzeAudioChunk(context.Background(), []byte("RIFFxxxxWAVEdata"), audio.FormatWAV, ChunkMeta{
		ConversationID: "not-a-reference",
		UserID:         "u1",
	})
	if err != nil {
		t.Fatalf("AnalyzeAudioChunk: %v", err)
	}
	if out.Subject.Kind != fraud.SubjectSession {
		t.Errorf("Subject.Kind = %s, want session", out.Subject.Kind)
	}
}

func TestAnalyzeAudioChunk_ValidationFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.norm.validateErr = fraud.Validationf("audio chunk too small: 500 bytes")

	_, err := f.orch.AnalyzeAudioChunk(context.Background(), make([]byte, 500), audio.FormatWAV, ChunkMeta{UserID: "u1"})
	if !IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if f.norm.normalizeCalls != 0 {
		t.Error("normalize ran after validation failure")
	}
	if _, audioN := f.gw.calls(); audioN != 0 {
		t.Error("model called after validation failure")
	}
}

func TestAnalyzeAudioChunk_TranscodeFailureIsFailureOutcome(t *testing.T) {
	f := newFixture(t)
	f.norm.normalizeErr = &fraud.ProcessingError{Stage: "transcode", Err: errors.New("exit status 1"), Diag: "engine noise"}

	out, err := f.orch.AnalyzeAudioChunk(context.Background(), []byte("RIFFxxxxWAVEdata"), audio.FormatWAV, ChunkMeta{UserID: "u1"})
	if err != nil {
		t.Fatalf("transcode failure surfaced as error: %v", err)
	}
	if out.Success {
		t.Error("Success = true for a transcode failure")
	}
	if out.Score != fraud.AudioScoreNormal {
		t.Errorf("Score = %d, want fail-safe %d", out.Score, fraud.AudioScoreNormal)
	}
	if out.Err == "" {
		t.Error("Err is empty")
	}
	if out.Subject.Kind == "" {
		t.Error("failure outcome lost its subject")
	}
	if f.store.Len() != 0 {
		t.Errorf("store holds %d records for a failed chunk", f.store.Len())
	}
	if _, audioN := f.gw.calls(); audioN != 0 {
		t.Error("model called after transcode failure")
	}
}

// ── queries ───────────────────────────────────────────────────────────────

func TestHistory_RejectsUnknownType(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.History(context.Background(), "conv-1", fraud.Type("video")); !IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestHistory_ReturnsStoredAnalyses(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.AnalyzeTextImmediate(context.Background(), "conv-1", messages("one"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.AnalyzeTextImmediate(context.Background(), "conv-1", messages("two"), ""); err != nil {
		t.Fatal(err)
	}

	recs, err := f.orch.History(context.Background(), "conv-1", "")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d records, want 2", len(recs))
	}
}

func TestRecentAlerts_NilCacheFallsThroughToStore(t *testing.T) {
	f := newFixture(t)
	f.gw.textResult = gateway.Result{Score: fraud.TextScoreScam, Confidence: 0.9, Success: true}

	out, err := f.orch.AnalyzeTextImmediate(context.Background(), "conv-1", messages("scam"), "")
	if err != nil {
		t.Fatal(err)
	}
	// The stub dispatcher does not mark the record; mark it directly.
	if err := f.store.MarkAlerted(context.Background(), out.AnalysisID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	recs, err := f.orch.RecentAlerts(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d alerts, want 1", len(recs))
	}
}

func TestCheckHealth_Passthrough(t *testing.T) {
	f := newFixture(t)
	f.gw.health = gateway.Health{TextServiceUp: true, AudioServiceUp: false}

	h := f.orch.CheckHealth(context.Background())
	if !h.TextServiceUp || h.AudioServiceUp {
		t.Errorf("health = %+v", h)
	}
}
