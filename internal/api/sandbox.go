package api

import (
	"bytes"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailrun/internal/sandbox"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxListOffset    = 1000000
)

// SandboxServer serves the captured-message endpoints
type SandboxServer struct {
	storage *sandbox.Storage
	logger  *slog.Logger
}

// NewSandboxServer creates a new sandbox server
func NewSandboxServer(storage *sandbox.Storage, logger *slog.Logger) *SandboxServer {
	return &SandboxServer{storage: storage, logger: logger}
}

// RegisterRoutes registers sandbox API routes
func (s *SandboxServer) RegisterRoutes(r chi.Router) {
	r.Route("/sandbox", func(r chi.Router) {
		r.Use(s.requireStorage)
		r.Get("/messages", s.handleList)
		r.Get("/messages/{id}", s.handleGet)
		r.Get("/messages/{id}/raw", s.handleGetRaw)
		r.Delete("/messages", s.handleClear)
		r.Delete("/messages/{id}", s.handleDelete)
		r.Get("/stats", s.handleStats)
	})
}

func (s *SandboxServer) requireStorage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.storage == nil {
			sendError(w, http.StatusServiceUnavailable, "Sandbox storage not available")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []*sandbox.Message `json:"messages"`
	Total    int                `json:"total"`
}

// handleList handles GET /api/v1/sandbox/messages
func (s *SandboxServer) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := sandbox.ListFilter{
		CampaignID: q.Get("campaign_id"),
		Source:     q.Get("source"),
		To:         q.Get("to"),
		Limit:      defaultListLimit,
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		filter.Limit = min(l, maxListLimit)
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o >= 0 {
		filter.Offset = min(o, maxListOffset)
	}

	messages, err := s.storage.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list sandbox messages", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	if messages == nil {
		messages = []*sandbox.Message{}
	}

	sendJSON(w, http.StatusOK, SandboxListResponse{Messages: messages, Total: len(messages)})
}

// SandboxMessageDetailResponse is the response for GET /api/v1/sandbox/messages/{id}
type SandboxMessageDetailResponse struct {
	*sandbox.Message
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// handleGet handles GET /api/v1/sandbox/messages/{id}
func (s *SandboxServer) handleGet(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.lookup(w, r)
	if !ok {
		return
	}

	headers, body := parseEmailData(msg.Data)
	msg.Data = nil
	sendJSON(w, http.StatusOK, SandboxMessageDetailResponse{
		Message: msg,
		Headers: headers,
		Body:    body,
	})
}

// handleGetRaw handles GET /api/v1/sandbox/messages/{id}/raw
func (s *SandboxServer) handleGetRaw(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.lookup(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+sanitizeFilename(msg.ID)+".eml\"")
	w.WriteHeader(http.StatusOK)
	w.Write(msg.Data)
}

func (s *SandboxServer) lookup(w http.ResponseWriter, r *http.Request) (*sandbox.Message, bool) {
	id := chi.URLParam(r, "id")
	msg, err := s.storage.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get sandbox message", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get message")
		return nil, false
	}
	if msg == nil {
		sendError(w, http.StatusNotFound, "Message not found")
		return nil, false
	}
	return msg, true
}

// handleDelete handles DELETE /api/v1/sandbox/messages/{id}
func (s *SandboxServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.storage.Delete(r.Context(), id); err != nil {
		s.logger.Error("failed to delete sandbox message", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to delete message")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleClear handles DELETE /api/v1/sandbox/messages
func (s *SandboxServer) handleClear(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			sendError(w, http.StatusBadRequest, "Invalid older_than format (use Go duration: 24h, 30m)")
			return
		}
		olderThan = d
	}

	count, err := s.storage.Clear(r.Context(), r.URL.Query().Get("campaign_id"), olderThan)
	if err != nil {
		s.logger.Error("failed to clear sandbox", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to clear messages")
		return
	}

	sendJSON(w, http.StatusOK, map[string]int{"cleared": count})
}

// SandboxStatsResponse is the response for GET /api/v1/sandbox/stats
type SandboxStatsResponse struct {
	Total      int64            `json:"total"`
	ByCampaign map[string]int64 `json:"by_campaign"`
	BySource   map[string]int64 `json:"by_source"`
	Simulated  int64            `json:"simulated_errors"`
	OldestAt   *time.Time       `json:"oldest_at,omitempty"`
	NewestAt   *time.Time       `json:"newest_at,omitempty"`
	TotalSize  int64            `json:"total_size"`
}

// handleStats handles GET /api/v1/sandbox/stats
func (s *SandboxServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get sandbox stats", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}

	response := SandboxStatsResponse{
		Total:      stats.Total,
		ByCampaign: stats.ByCampaign,
		BySource:   stats.BySource,
		Simulated:  stats.Simulated,
		TotalSize:  stats.TotalSize,
	}
	if !stats.OldestAt.IsZero() {
		response.OldestAt = &stats.OldestAt
	}
	if !stats.NewestAt.IsZero() {
		response.NewestAt = &stats.NewestAt
	}

	sendJSON(w, http.StatusOK, response)
}

// parseEmailData returns the top-level headers (encoded words decoded) and
// the undecoded body of a raw message.
func parseEmailData(data []byte) (map[string]string, string) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, string(data)
	}

	dec := new(mime.WordDecoder)
	headers := make(map[string]string, len(msg.Header))
	for k, v := range msg.Header {
		value := strings.Join(v, ", ")
		if decoded, err := dec.DecodeHeader(value); err == nil {
			value = decoded
		}
		headers[k] = value
	}

	body, _ := io.ReadAll(msg.Body)
	return headers, string(body)
}

// sanitizeFilename keeps header-safe characters only
func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
