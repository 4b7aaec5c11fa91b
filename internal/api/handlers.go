package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/dripline/internal/drip"
	"github.com/foxzi/dripline/internal/email"
	"github.com/foxzi/dripline/internal/queue"
	"github.com/foxzi/dripline/internal/store"
	"github.com/foxzi/dripline/internal/template"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// CreateMailboxRequest is the request body for POST /mailboxes
type CreateMailboxRequest struct {
	OwnerID    string `json:"owner_id"`
	Email      string `json:"email" validate:"required,email"`
	Name       string `json:"name"`
	Provider   string `json:"provider" validate:"omitempty,oneof=SMTP GOOGLE OUTLOOK"`
	DailyLimit int    `json:"daily_limit" validate:"gte=0"`
}

// StepRequest describes one campaign step
type StepRequest struct {
	Order    int    `json:"order" validate:"gte=1"`
	Subject  string `json:"subject" validate:"required"`
	Body     string `json:"body" validate:"required"`
	WaitDays int    `json:"wait_days" validate:"gte=0"`
}

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	OwnerID   string        `json:"owner_id"`
	Name      string        `json:"name" validate:"required"`
	Type      string        `json:"type" validate:"omitempty,oneof=RECRUITMENT SALES NEWSLETTER OTHER"`
	MailboxID string        `json:"mailbox_id"`
	Steps     []StepRequest `json:"steps" validate:"dive"`
}

// UpdateCampaignRequest is the request body for PUT /campaigns/{id}.
// Absent fields are kept; a steps list replaces the steps by order.
type UpdateCampaignRequest struct {
	Name      *string       `json:"name"`
	Type      *string       `json:"type" validate:"omitempty,oneof=RECRUITMENT SALES NEWSLETTER OTHER"`
	Status    *string       `json:"status" validate:"omitempty,oneof=DRAFT RUNNING PAUSED COMPLETED"`
	MailboxID *string       `json:"mailbox_id"`
	Steps     []StepRequest `json:"steps" validate:"dive"`
}

// UpdateLeadRequest is the request body for PUT /leads/{id}
type UpdateLeadRequest struct {
	Name         *string        `json:"name"`
	Company      *string        `json:"company"`
	CustomFields map[string]any `json:"custom_fields"`
	Status       *string        `json:"status" validate:"omitempty,oneof=PENDING ACTIVE COMPLETED REPLIED BOUNCED"`
}

// MailboxUsage reports quota consumption of a mailbox
type MailboxUsage struct {
	MailboxID   string `json:"mailbox_id"`
	DailyLimit  int    `json:"daily_limit"`
	HourlyCount int    `json:"hourly_count"`
	DailyCount  int    `json:"daily_count"`
}

// UpdateStatusRequest is the request body for PUT /campaigns/{id}/status
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=DRAFT RUNNING PAUSED COMPLETED"`
}

// IngestRequest is the request body for POST /campaigns/{id}/leads
type IngestRequest struct {
	Leads []drip.Row `json:"leads"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Uptime  string       `json:"uptime"`
	Queue   *queue.Stats `json:"queue,omitempty"`
}

// DeadJob is a dead letter entry
type DeadJob struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	DeadAt    time.Time `json:"dead_at"`
	Payload   string    `json:"payload"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleCreateMailbox handles POST /api/v1/mailboxes
func (s *Server) handleCreateMailbox(w http.ResponseWriter, r *http.Request) {
	var req CreateMailboxRequest
	if !s.decode(w, r, &req) {
		return
	}

	mb := &store.Mailbox{
		OwnerID:    req.OwnerID,
		Email:      email.Normalize(req.Email),
		Name:       req.Name,
		Provider:   store.MailboxProvider(req.Provider),
		DailyLimit: req.DailyLimit,
		IsActive:   true,
	}
	if err := s.store.CreateMailbox(r.Context(), mb); err != nil {
		s.logger.Error("failed to create mailbox", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create mailbox")
		return
	}
	s.sendJSON(w, http.StatusCreated, mb)
}

// handleListMailboxes handles GET /api/v1/mailboxes
func (s *Server) handleListMailboxes(w http.ResponseWriter, r *http.Request) {
	mailboxes, err := s.store.ListMailboxes(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		s.logger.Error("failed to list mailboxes", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list mailboxes")
		return
	}
	if mailboxes == nil {
		mailboxes = []store.Mailbox{}
	}
	s.sendJSON(w, http.StatusOK, mailboxes)
}

// handleMailboxUsage handles GET /api/v1/mailboxes/{id}/usage
func (s *Server) handleMailboxUsage(w http.ResponseWriter, r *http.Request) {
	mb, err := s.store.GetMailbox(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "Failed to get mailbox")
		return
	}

	usage := MailboxUsage{MailboxID: mb.ID, DailyLimit: mb.DailyLimit}
	if s.limiter != nil {
		counts := s.limiter.Counts(mb.ID)
		usage.HourlyCount = counts.HourlyCount
		usage.DailyCount = counts.DailyCount
	}
	s.sendJSON(w, http.StatusOK, usage)
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.MailboxID != "" {
		if _, err := s.store.GetMailbox(r.Context(), req.MailboxID); err != nil {
			s.storeError(w, err, "Failed to create campaign")
			return
		}
	}

	steps, err := s.buildSteps(req.Steps)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := &store.Campaign{
		OwnerID:   req.OwnerID,
		Name:      req.Name,
		Type:      store.CampaignType(req.Type),
		MailboxID: req.MailboxID,
		Steps:     steps,
	}

	if err := s.store.CreateCampaign(r.Context(), c); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}
	s.sendJSON(w, http.StatusCreated, c)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.ListCampaigns(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []store.Campaign{}
	}
	s.sendJSON(w, http.StatusOK, campaigns)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "Failed to get campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleUpdateCampaign handles PUT /api/v1/campaigns/{id}
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req UpdateCampaignRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		s.sendError(w, http.StatusBadRequest, "name must not be empty")
		return
	}
	if req.MailboxID != nil && *req.MailboxID != "" {
		if _, err := s.store.GetMailbox(r.Context(), *req.MailboxID); err != nil {
			s.storeError(w, err, "Failed to update campaign")
			return
		}
	}

	u := store.CampaignUpdate{
		Name:      req.Name,
		MailboxID: req.MailboxID,
	}
	if req.Type != nil {
		typ := store.CampaignType(*req.Type)
		u.Type = &typ
	}
	if req.Status != nil {
		status := store.CampaignStatus(*req.Status)
		u.Status = &status
	}
	if req.Steps != nil {
		steps, err := s.buildSteps(req.Steps)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		u.Steps = steps
		if u.Steps == nil {
			u.Steps = []store.Step{}
		}
	}

	c, err := s.store.UpdateCampaign(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		s.storeError(w, err, "Failed to update campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCampaign(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.storeError(w, err, "Failed to delete campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateCampaignStatus handles PUT /api/v1/campaigns/{id}/status
func (s *Server) handleUpdateCampaignStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if !s.decode(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.store.UpdateCampaignStatus(r.Context(), id, store.CampaignStatus(req.Status)); err != nil {
		s.storeError(w, err, "Failed to update campaign")
		return
	}
	s.handleGetCampaign(w, r)
}

// handleAddStep handles POST /api/v1/campaigns/{id}/steps
func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	var req StepRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.templates.Validate(&template.Template{Subject: req.Subject, HTML: req.Body}); err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("step %d: %v", req.Order, err))
		return
	}

	campaignID := chi.URLParam(r, "id")
	if _, err := s.store.GetStep(r.Context(), campaignID, req.Order); err == nil {
		s.sendError(w, http.StatusConflict, fmt.Sprintf("step %d already exists", req.Order))
		return
	}

	step := &store.Step{
		CampaignID: campaignID,
		Order:      req.Order,
		Subject:    req.Subject,
		Body:       req.Body,
		WaitDays:   req.WaitDays,
	}
	if err := s.store.AddStep(r.Context(), step); err != nil {
		s.storeError(w, err, "Failed to add step")
		return
	}
	s.sendJSON(w, http.StatusCreated, step)
}

// handleIngestLeads handles POST /api/v1/campaigns/{id}/leads
func (s *Server) handleIngestLeads(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Leads) == 0 {
		s.sendError(w, http.StatusBadRequest, "leads is required")
		return
	}
	if limit := s.config.MaxImportRows; limit > 0 && len(req.Leads) > limit {
		s.sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d leads per request", limit))
		return
	}

	result, err := s.ingester.Ingest(r.Context(), chi.URLParam(r, "id"), req.Leads)
	if err != nil {
		s.storeError(w, err, "Failed to ingest leads")
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// handleListLeads handles GET /api/v1/campaigns/{id}/leads
func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	if _, err := s.store.GetCampaign(r.Context(), campaignID); err != nil {
		s.storeError(w, err, "Failed to list leads")
		return
	}

	filter := store.LeadFilter{
		Status: store.LeadStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		Limit:  queryInt(r, "limit", defaultListLimit),
		Offset: queryInt(r, "offset", 0),
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	leads, err := s.store.ListLeads(r.Context(), campaignID, filter)
	if err != nil {
		s.logger.Error("failed to list leads", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list leads")
		return
	}
	if leads == nil {
		leads = []store.Lead{}
	}
	s.sendJSON(w, http.StatusOK, leads)
}

// handleGetLead handles GET /api/v1/leads/{id}
func (s *Server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := s.store.GetLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err, "Failed to get lead")
		return
	}
	s.sendJSON(w, http.StatusOK, lead)
}

// handleUpdateLead handles PUT /api/v1/leads/{id}
func (s *Server) handleUpdateLead(w http.ResponseWriter, r *http.Request) {
	var req UpdateLeadRequest
	if !s.decode(w, r, &req) {
		return
	}

	u := store.LeadUpdate{
		Name:         req.Name,
		Company:      req.Company,
		CustomFields: req.CustomFields,
	}
	if req.Status != nil {
		status := store.LeadStatus(*req.Status)
		u.Status = &status
	}

	lead, err := s.store.UpdateLead(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		s.storeError(w, err, "Failed to update lead")
		return
	}
	s.sendJSON(w, http.StatusOK, lead)
}

// handleDeleteLead handles DELETE /api/v1/leads/{id}
func (s *Server) handleDeleteLead(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteLead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.storeError(w, err, "Failed to delete lead")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListLogs handles GET /api/v1/leads/{id}/logs
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "id")
	if _, err := s.store.GetLead(r.Context(), leadID); err != nil {
		s.storeError(w, err, "Failed to list logs")
		return
	}

	logs, err := s.store.ListLogs(r.Context(), leadID)
	if err != nil {
		s.logger.Error("failed to list logs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list logs")
		return
	}
	if logs == nil {
		logs = []store.EmailLog{}
	}
	s.sendJSON(w, http.StatusOK, logs)
}

// handleDeadJobs handles GET /api/v1/jobs/dead
func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.DeadLetters(r.Context(), r.URL.Query().Get("queue"), queryInt(r, "limit", defaultListLimit))
	if err != nil {
		s.logger.Error("failed to list dead jobs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list dead jobs")
		return
	}

	resp := make([]DeadJob, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, DeadJob{
			ID:        job.ID,
			Queue:     job.Queue,
			Attempts:  job.Attempts,
			LastError: job.LastError,
			DeadAt:    job.DeadAt,
			Payload:   string(job.Payload),
		})
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleRetryJob handles POST /api/v1/jobs/dead/{id}/retry
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.queue.RetryDead(r.Context(), r.URL.Query().Get("queue"), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		s.sendError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to retry job", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to retry job")
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "pending"})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.queue.Stats(r.Context(), "")

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).String(),
		Queue:   stats,
	})
}

// buildSteps converts requested steps, rejecting duplicate orders and unclosed tokens
func (s *Server) buildSteps(reqs []StepRequest) ([]store.Step, error) {
	var steps []store.Step
	seen := make(map[int]bool, len(reqs))
	for _, req := range reqs {
		if seen[req.Order] {
			return nil, fmt.Errorf("duplicate step order %d", req.Order)
		}
		seen[req.Order] = true
		if err := s.templates.Validate(&template.Template{Subject: req.Subject, HTML: req.Body}); err != nil {
			return nil, fmt.Errorf("step %d: %w", req.Order, err)
		}
		steps = append(steps, store.Step{
			Order:    req.Order,
			Subject:  req.Subject,
			Body:     req.Body,
			WaitDays: req.WaitDays,
		})
	}
	return steps, nil
}

// decode reads and validates a JSON body, writing a 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.sendError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// storeError maps store errors to HTTP responses
func (s *Server) storeError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error(strings.ToLower(message), "error", err)
	s.sendError(w, http.StatusInternalServerError, message)
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
