package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tidewater/outreach/internal/dispatch"
	"github.com/tidewater/outreach/internal/engine"
	"github.com/tidewater/outreach/internal/models"
)

// CreateCampaignRequest is the request body for POST /campaigns.
type CreateCampaignRequest struct {
	Name     string                  `json:"name"`
	Settings models.CampaignSettings `json:"settings"`
	Steps    []CreateStepRequest     `json:"steps,omitempty"`
}

// CreateStepRequest describes one sequence step on campaign creation.
type CreateStepRequest struct {
	Order      int                    `json:"order"`
	Type       string                 `json:"type"`
	DelayDays  int                    `json:"delay_days"`
	DelayHours int                    `json:"delay_hours"`
	Condition  string                 `json:"condition,omitempty"`
	Variants   []CreateVariantRequest `json:"variants,omitempty"`
}

// CreateVariantRequest describes one step variant.
type CreateVariantRequest struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	PlainText bool   `json:"plain_text"`
	Weight    int    `json:"weight"`
}

// ImportLeadRequest is one lead in a POST /campaigns/{id}/leads body.
type ImportLeadRequest struct {
	Email     string         `json:"email"`
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	Company   string         `json:"company"`
	Variables map[string]any `json:"variables,omitempty"`
}

// ImportLeadsResponse reports the import outcome.
type ImportLeadsResponse struct {
	Imported int      `json:"imported"`
	Attached int      `json:"attached"`
	Skipped  []string `json:"skipped,omitempty"`
}

// CreateAccountRequest is the request body for POST /accounts.
type CreateAccountRequest struct {
	Email      string `json:"email"`
	FromName   string `json:"from_name"`
	DailyLimit int    `json:"daily_limit"`
}

// AssignAccountRequest binds an existing account to a campaign.
type AssignAccountRequest struct {
	AccountID string `json:"account_id"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status string          `json:"status"`
	Uptime string          `json:"uptime"`
	Queue  *dispatch.Stats `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	for _, step := range req.Steps {
		switch step.Type {
		case models.StepTypeEmail:
			if len(step.Variants) == 0 {
				s.sendError(w, http.StatusBadRequest, "email steps need at least one variant")
				return
			}
		case models.StepTypeWait:
			if step.DelayDays == 0 && step.DelayHours == 0 {
				s.sendError(w, http.StatusBadRequest, "wait steps need a delay")
				return
			}
		default:
			s.sendError(w, http.StatusBadRequest, "unknown step type "+strconv.Quote(step.Type))
			return
		}
	}

	campaign := &models.Campaign{
		Name:     req.Name,
		Settings: req.Settings,
	}
	if err := s.campaigns.Create(r.Context(), campaign); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	for _, sr := range req.Steps {
		step := &models.SequenceStep{
			CampaignID: campaign.ID,
			Order:      sr.Order,
			Type:       sr.Type,
			DelayDays:  sr.DelayDays,
			DelayHours: sr.DelayHours,
			Condition:  sr.Condition,
		}
		for _, vr := range sr.Variants {
			step.Variants = append(step.Variants, models.StepVariant{
				Subject:   vr.Subject,
				Body:      vr.Body,
				PlainText: vr.PlainText,
				Weight:    vr.Weight,
			})
		}
		if err := s.sequences.CreateStep(r.Context(), step); err != nil {
			s.logger.Error("failed to create step", "campaign_id", campaign.ID, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to create sequence step")
			return
		}
	}

	s.logger.Info("campaign created", "campaign_id", campaign.ID, "name", campaign.Name,
		"steps", len(req.Steps))
	s.sendJSON(w, http.StatusCreated, campaign)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	campaigns, err := s.campaigns.List(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	s.sendJSON(w, http.StatusOK, campaigns)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign := s.loadCampaign(w, r)
	if campaign == nil {
		return
	}
	s.sendJSON(w, http.StatusOK, campaign)
}

// handleCampaignMetrics handles GET /api/v1/campaigns/{id}/metrics
func (s *Server) handleCampaignMetrics(w http.ResponseWriter, r *http.Request) {
	campaign := s.loadCampaign(w, r)
	if campaign == nil {
		return
	}

	m, err := s.ctrl.Metrics(r.Context(), campaign.ID)
	if err != nil {
		s.logger.Error("failed to build metrics report", "campaign_id", campaign.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to build metrics report")
		return
	}
	s.sendJSON(w, http.StatusOK, m)
}

// handleCampaignRecords handles GET /api/v1/campaigns/{id}/records
func (s *Server) handleCampaignRecords(w http.ResponseWriter, r *http.Request) {
	campaign := s.loadCampaign(w, r)
	if campaign == nil {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.records.ListByCampaign(r.Context(), campaign.ID, limit)
	if err != nil {
		s.logger.Error("failed to list send records", "campaign_id", campaign.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list send records")
		return
	}
	s.sendJSON(w, http.StatusOK, records)
}

// handleImportLeads handles POST /api/v1/campaigns/{id}/leads
func (s *Server) handleImportLeads(w http.ResponseWriter, r *http.Request) {
	campaign := s.loadCampaign(w, r)
	if campaign == nil {
		return
	}

	var reqs []ImportLeadRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(reqs) == 0 {
		s.sendError(w, http.StatusBadRequest, "no leads in request")
		return
	}

	resp := ImportLeadsResponse{}
	for _, lr := range reqs {
		if _, err := mail.ParseAddress(lr.Email); err != nil {
			resp.Skipped = append(resp.Skipped, lr.Email)
			continue
		}

		lead, err := s.leads.GetLeadByEmail(r.Context(), lr.Email)
		if err != nil {
			s.logger.Error("failed to look up lead", "email", lr.Email, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to import leads")
			return
		}
		if lead == nil {
			variables := ""
			if len(lr.Variables) > 0 {
				data, err := json.Marshal(lr.Variables)
				if err != nil {
					resp.Skipped = append(resp.Skipped, lr.Email)
					continue
				}
				variables = string(data)
			}
			lead = &models.Lead{
				Email:     lr.Email,
				FirstName: lr.FirstName,
				LastName:  lr.LastName,
				Company:   lr.Company,
				Variables: variables,
			}
			if err := s.leads.CreateLead(r.Context(), lead); err != nil {
				s.logger.Error("failed to create lead", "email", lr.Email, "error", err)
				s.sendError(w, http.StatusInternalServerError, "Failed to import leads")
				return
			}
			resp.Imported++
		}

		if err := s.leads.Attach(r.Context(), campaign.ID, lead.ID); err != nil {
			s.logger.Error("failed to attach lead", "email", lr.Email, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to import leads")
			return
		}
		resp.Attached++
	}

	s.logger.Info("leads imported", "campaign_id", campaign.ID,
		"imported", resp.Imported, "attached", resp.Attached, "skipped", len(resp.Skipped))
	s.sendJSON(w, http.StatusOK, resp)
}

// handleCreateAccount handles POST /api/v1/accounts
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		s.sendError(w, http.StatusBadRequest, "valid email is required")
		return
	}
	if req.DailyLimit <= 0 {
		s.sendError(w, http.StatusBadRequest, "daily_limit must be positive")
		return
	}

	account := &models.SendingAccount{
		Email:      req.Email,
		FromName:   req.FromName,
		DailyLimit: req.DailyLimit,
	}
	if err := s.accounts.Create(r.Context(), account); err != nil {
		s.logger.Error("failed to create account", "email", req.Email, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	s.logger.Info("sending account created", "account_id", account.ID, "email", account.Email)
	s.sendJSON(w, http.StatusCreated, account)
}

// handleAssignAccount handles POST /api/v1/campaigns/{id}/accounts
func (s *Server) handleAssignAccount(w http.ResponseWriter, r *http.Request) {
	campaign := s.loadCampaign(w, r)
	if campaign == nil {
		return
	}

	var req AssignAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	account, err := s.accounts.GetByID(r.Context(), req.AccountID)
	if err != nil {
		s.logger.Error("failed to look up account", "account_id", req.AccountID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to assign account")
		return
	}
	if account == nil {
		s.sendError(w, http.StatusNotFound, "Account not found")
		return
	}

	if err := s.accounts.Assign(r.Context(), campaign.ID, account.ID); err != nil {
		s.logger.Error("failed to assign account", "account_id", account.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to assign account")
		return
	}

	s.logger.Info("account assigned", "campaign_id", campaign.ID, "account_id", account.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleAction adapts a lifecycle operation into an HTTP handler.
// Precondition failures map to 409 with the action result as body.
func (s *Server) handleAction(op func(context.Context, string) (*models.ActionResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			s.sendError(w, http.StatusBadRequest, "id is required")
			return
		}

		result, err := op(r.Context(), id)
		if err != nil {
			if errors.Is(err, engine.ErrNotStartable) || errors.Is(err, engine.ErrInvalidTransition) {
				s.sendJSON(w, http.StatusConflict, result)
				return
			}
			s.logger.Error("lifecycle action failed", "campaign_id", id, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Action failed")
			return
		}
		s.sendJSON(w, http.StatusOK, result)
	}
}

// handleQueueStats handles GET /api/v1/queue
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get queue stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleSandboxMessages handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxMessages(w http.ResponseWriter, r *http.Request) {
	if s.sandbox == nil {
		s.sendError(w, http.StatusNotFound, "Sandbox sender is not active")
		return
	}
	s.sendJSON(w, http.StatusOK, s.sandbox.Messages())
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.queue.Stats(r.Context())

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
		Queue:  stats,
	})
}

// loadCampaign resolves {id} to a campaign, writing the error response
// itself when the campaign is missing.
func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) *models.Campaign {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "id is required")
		return nil
	}

	campaign, err := s.campaigns.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return nil
	}
	if campaign == nil {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return nil
	}
	return campaign
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
