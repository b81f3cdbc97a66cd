package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callguard/callguard/internal/analysis"
	"github.com/callguard/callguard/pkg/audio"
	"github.com/callguard/callguard/pkg/fraud"
)

// messageDTO is the wire form of one conversation message.
type messageDTO struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

// textRequest is the body of both text-analysis routes.
type textRequest struct {
	ConversationID string       `json:"conversation_id"`
	Messages       []messageDTO `json:"messages"`
	Context        string       `json:"context"`
}

func (req textRequest) toMessages() []fraud.Message {
	msgs := make([]fraud.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = fraud.Message{
			UserID:   m.UserID,
			Username: m.Username,
			Content:  m.Content,
			SentAt:   m.SentAt,
		}
	}
	return msgs
}

// handleTextAnalysis runs text analysis synchronously and returns the
// outcome, including degraded fail-safe results.
func (s *Server) handleTextAnalysis(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	outcome, err := s.orch.AnalyzeTextImmediate(r.Context(), req.ConversationID, req.toMessages(), req.Context)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// scheduleResponse acknowledges a debounced registration.
type scheduleResponse struct {
	Scheduled      bool   `json:"scheduled"`
	ConversationID string `json:"conversation_id"`
	Pending        int    `json:"pending"`
}

// handleTextSchedule registers messages for debounced analysis and returns
// immediately. The eventual outcome is published on the conversation's
// alert stream when it triggers an alert; it is always persisted.
func (s *Server) handleTextSchedule(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	s.orch.ScheduleDebounced(req.ConversationID, req.toMessages(), req.Context, func(out analysis.Outcome) {
		if !out.Success {
			s.log.Warn("debounced analysis completed with failure",
				"conversation_id", req.ConversationID, "err", out.Err)
		}
	})

	writeJSON(w, http.StatusAccepted, scheduleResponse{
		Scheduled:      true,
		ConversationID: req.ConversationID,
		Pending:        s.orch.PendingCount(),
	})
}

// handleClearSchedule cancels a pending debounced analysis. Always 204:
// clearing an unknown conversation is a no-op, not an error.
func (s *Server) handleClearSchedule(w http.ResponseWriter, r *http.Request) {
	s.orch.ClearDebounce(chi.URLParam(r, "conversationID"))
	w.WriteHeader(http.StatusNoContent)
}

// handleAudioAnalysis accepts a raw audio chunk as the request body.
// Identity and position travel as query parameters: user_id (required),
// conversation_id, chunk_index, format.
func (s *Server) handleAudioAnalysis(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	chunkIndex := 0
	if v := r.URL.Query().Get("chunk_index"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "chunk_index must be a non-negative integer")
			return
		}
		chunkIndex = n
	}

	var hint audio.Format
	if v := r.URL.Query().Get("format"); v != "" {
		hint = audio.Format(v)
	}

	// One byte of headroom so an oversized body is rejected by the
	// pipeline's own limit with its structured message, not a transport 413.
	body := http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxAudioBytes)+1)
	buf, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "audio chunk exceeds the configured size limit")
		return
	}

	outcome, err := s.orch.AnalyzeAudioChunk(r.Context(), buf, hint, analysis.ChunkMeta{
		ConversationID: r.URL.Query().Get("conversation_id"),
		UserID:         userID,
		ChunkIndex:     chunkIndex,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleHistory returns stored analyses for a conversation, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var typ fraud.Type
	if v := r.URL.Query().Get("type"); v != "" {
		typ = fraud.Type(v)
	}

	recs, err := s.orch.History(r.Context(), conversationID, typ)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"analyses":        recs,
		"count":           len(recs),
	})
}

// handleRecentAlerts returns a user's alert-triggered analyses within the
// lookback window (hours query parameter, default 24).
func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}

	recs, err := s.orch.RecentAlerts(r.Context(), userID, hours)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"hours":   hours,
		"alerts":  recs,
		"count":   len(recs),
	})
}

// handleModelHealth probes both inference services.
func (s *Server) handleModelHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.CheckHealth(r.Context()))
}
