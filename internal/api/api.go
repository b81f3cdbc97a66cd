// Package api exposes the CallGuard analysis pipeline over HTTP. It is a
// thin transport layer: request decoding, identity extraction and status
// mapping live here, every decision lives in the analysis package.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callguard/callguard/internal/analysis"
	"github.com/callguard/callguard/internal/health"
	"github.com/callguard/callguard/internal/observe"
	"github.com/callguard/callguard/internal/relay"
	"github.com/callguard/callguard/pkg/fraud"
)

// defaultMaxAudioBytes bounds request bodies on the audio route when the
// caller does not configure a limit.
const defaultMaxAudioBytes = 10 << 20

// Config holds the transport-level settings for [NewServer].
type Config struct {
	// MaxAudioBytes caps the audio request body. Defaults to 10 MiB.
	MaxAudioBytes int
}

// Server wires the HTTP routes to the orchestrator and the alert relay.
type Server struct {
	cfg    Config
	orch   *analysis.Orchestrator
	hub    *relay.Hub
	health *health.Handler
	log    *slog.Logger
}

// NewServer creates the HTTP transport. hub may be nil when the websocket
// relay is disabled; the subscribe route then answers 404.
func NewServer(cfg Config, orch *analysis.Orchestrator, hub *relay.Hub, h *health.Handler, log *slog.Logger) *Server {
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = defaultMaxAudioBytes
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, orch: orch, hub: hub, health: h, log: log}
}

// Routes builds the chi router with all CallGuard endpoints.
func (s *Server) Routes(metrics *observe.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(metrics))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/analysis/text", s.handleTextAnalysis)
		r.Post("/analysis/text/schedule", s.handleTextSchedule)
		r.Delete("/analysis/text/schedule/{conversationID}", s.handleClearSchedule)
		r.Post("/analysis/audio", s.handleAudioAnalysis)

		r.Get("/conversations/{conversationID}/analyses", s.handleHistory)
		r.Get("/users/{userID}/alerts", s.handleRecentAlerts)
		r.Get("/models/health", s.handleModelHealth)

		r.Get("/alerts/ws/{room}", s.handleAlertStream)
	})

	s.health.Register(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// handleAlertStream upgrades the connection and streams alert payloads
// published for the given conversation or session room.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "alert streaming is disabled")
		return
	}
	room := chi.URLParam(r, "room")
	if room == "" {
		writeError(w, http.StatusBadRequest, "room is required")
		return
	}
	s.hub.ServeRoom(w, r, room)
}

// errorBody is the uniform JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeDomainError maps the typed error taxonomy onto HTTP status codes.
// Validation failures are the caller's fault; everything else is ours.
func writeDomainError(w http.ResponseWriter, err error) {
	var ve *fraud.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Error())
		return
	}
	var pe *fraud.PersistenceError
	if errors.As(err, &pe) {
		writeError(w, http.StatusServiceUnavailable, pe.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
