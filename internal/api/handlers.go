package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailrun/internal/campaign"
	"github.com/foxzi/mailrun/internal/email"
	"github.com/foxzi/mailrun/internal/envfile"
	"github.com/foxzi/mailrun/internal/recipient"
)

// memory kept for multipart parts; the rest spills to temp files
const multipartMemory = 8 << 20

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Uptime          string `json:"uptime"`
	ActiveCampaigns int    `json:"active_campaigns"`
}

// SubmitResponse is the response for POST /api/v1/campaigns
type SubmitResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	CampaignID string `json:"campaignId"`
}

// StatusResponse is the response for GET /api/v1/campaigns/{id}
type StatusResponse struct {
	Success  bool               `json:"success"`
	Campaign *campaign.Snapshot `json:"campaign"`
}

// ListResponse is the response for GET /api/v1/campaigns
type ListResponse struct {
	Success   bool                 `json:"success"`
	Campaigns []*campaign.Snapshot `json:"campaigns"`
	Total     int                  `json:"total"`
}

// MessageResponse acknowledges an action
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// EnvironmentResponse describes a parsed env file. The password itself is
// never echoed back.
type EnvironmentResponse struct {
	Success     bool   `json:"success"`
	Username    string `json:"username"`
	SenderEmail string `json:"sender_email"`
	SenderName  string `json:"sender_name"`
	HasPassword bool   `json:"has_password"`
}

// EnvironmentsResponse lists configured environments
type EnvironmentsResponse struct {
	Environments []string `json:"environments"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		Version:         s.version,
		Uptime:          time.Since(s.startTime).Round(time.Second).String(),
		ActiveCampaigns: s.campaigns.ActiveCount(),
	})
}

// handleSubmit handles POST /api/v1/campaigns
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	csvData, err := formFile(r, "csvFile")
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	html, err := formFile(r, "htmlTemplate")
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	text, err := optionalFormFile(r, "textTemplate")
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	attachments, err := formAttachments(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := recipient.ParseCSV(bytes.NewReader(csvData))
	if err != nil {
		sendError(w, http.StatusBadRequest, "Invalid CSV file: "+err.Error())
		return
	}

	opts, err := s.runOptions(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.campaigns.Submit(campaign.Request{
		ID:          strings.TrimSpace(r.FormValue("campaignId")),
		Environment: strings.TrimSpace(r.FormValue("environment")),
		Credentials: formCredentials(r),
		Subject:     r.FormValue("subject"),
		HTML:        string(html),
		Text:        string(text),
		Attachments: attachments,
		Recipients:  records,
		Options:     opts,
	})
	switch {
	case errors.Is(err, campaign.ErrInvalidInput):
		sendError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, campaign.ErrDuplicateCampaign):
		sendError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to submit campaign", "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to start campaign")
		return
	}

	sendJSON(w, http.StatusAccepted, SubmitResponse{
		Success:    true,
		Message:    "Campaign started",
		CampaignID: id,
	})
}

// runOptions reads the numeric submission fields over the configured defaults
func (s *Server) runOptions(r *http.Request) (campaign.Options, error) {
	opts := s.campaigns.DefaultOptions()

	if v := strings.TrimSpace(r.FormValue("delayBase")); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			return opts, fmt.Errorf("invalid delayBase %q", v)
		}
		opts.DelayBase = time.Duration(secs * float64(time.Second))
	}

	ints := []struct {
		field string
		dst   *int
	}{
		{"maxEmailsPerDay", &opts.MaxEmailsPerDay},
		{"batchSize", &opts.BatchSize},
		{"resumeFrom", &opts.ResumeFrom},
	}
	for _, f := range ints {
		v := strings.TrimSpace(r.FormValue(f.field))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid %s %q", f.field, v)
		}
		*f.dst = n
	}

	if v := strings.TrimSpace(r.FormValue("personalize")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid personalize %q", v)
		}
		opts.Personalize = b
	}

	return opts, nil
}

// handleList handles GET /api/v1/campaigns
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list := s.campaigns.List()
	if list == nil {
		list = []*campaign.Snapshot{}
	}
	sendJSON(w, http.StatusOK, ListResponse{Success: true, Campaigns: list, Total: len(list)})
}

// handleStatus handles GET /api/v1/campaigns/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.campaigns.Get(id)
	if errors.Is(err, campaign.ErrCampaignNotFound) {
		sendError(w, http.StatusNotFound, "Campaign not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get campaign", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return
	}

	sendJSON(w, http.StatusOK, StatusResponse{Success: true, Campaign: snap})
}

// handleStop handles POST /api/v1/campaigns/{id}/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.campaigns.Stop(id)
	switch {
	case errors.Is(err, campaign.ErrCampaignNotFound):
		sendError(w, http.StatusNotFound, "Campaign not found")
		return
	case errors.Is(err, campaign.ErrNotRunning):
		sendError(w, http.StatusConflict, "Campaign is not running")
		return
	case err != nil:
		sendError(w, http.StatusInternalServerError, "Failed to stop campaign")
		return
	}

	sendJSON(w, http.StatusAccepted, MessageResponse{Success: true, Message: "Campaign stopping"})
}

// handleTestEmail handles POST /api/v1/test-email
func (s *Server) handleTestEmail(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	html, err := formFile(r, "htmlTemplate")
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	text, err := optionalFormFile(r, "textTemplate")
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	attachments, err := formAttachments(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	to := strings.TrimSpace(r.FormValue("testEmail"))
	err = s.campaigns.SendTest(r.Context(), campaign.TestRequest{
		To:          to,
		Environment: strings.TrimSpace(r.FormValue("environment")),
		Credentials: formCredentials(r),
		Subject:     r.FormValue("subject"),
		HTML:        string(html),
		Text:        string(text),
		Attachments: attachments,
	})
	if errors.Is(err, campaign.ErrInvalidInput) {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		sendError(w, http.StatusBadGateway, err.Error())
		return
	}

	sendJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "Test email sent to " + to})
}

// handleEnvironments handles GET /api/v1/environments
func (s *Server) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	names := s.campaigns.Environments()
	if names == nil {
		names = []string{}
	}
	sendJSON(w, http.StatusOK, EnvironmentsResponse{Environments: names})
}

// handleParseEnvironment handles POST /api/v1/environments/parse
func (s *Server) handleParseEnvironment(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	data, err := formFile(r, "envFile")
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	creds, err := envfile.Parse(bytes.NewReader(data))
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	sendJSON(w, http.StatusOK, EnvironmentResponse{
		Success:     true,
		Username:    creds.Username,
		SenderEmail: creds.SenderEmail,
		SenderName:  creds.SenderName,
		HasPassword: creds.HasPassword(),
	})
}

// parseForm parses a multipart body bounded by the configured upload limit
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	err := r.ParseMultipartForm(multipartMemory)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		sendError(w, http.StatusRequestEntityTooLarge, "Upload too large")
		return false
	}
	sendError(w, http.StatusBadRequest, "Invalid multipart form")
	return false
}

func formCredentials(r *http.Request) envfile.Credentials {
	return envfile.Credentials{
		Username:    strings.TrimSpace(r.FormValue("username")),
		Password:    r.FormValue("password"),
		SenderEmail: strings.TrimSpace(r.FormValue("senderEmail")),
		SenderName:  strings.TrimSpace(r.FormValue("senderName")),
	}
}

func formFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, fmt.Errorf("%s is required", field)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", field, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", field, err)
	}
	return data, nil
}

func optionalFormFile(r *http.Request, field string) ([]byte, error) {
	if r.MultipartForm == nil || len(r.MultipartForm.File[field]) == 0 {
		return nil, nil
	}
	return formFile(r, field)
}

func formAttachments(r *http.Request) ([]email.Attachment, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	headers := r.MultipartForm.File["attachments"]
	attachments := make([]email.Attachment, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %s: %w", fh.Filename, err)
		}
		attachments = append(attachments, email.Attachment{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return attachments, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
