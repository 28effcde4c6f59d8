// Package ipc provides the HTTP API for the Concilium gateway.
package ipc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/concilium/concilium/internal/domain"
	"github.com/concilium/concilium/internal/orchestrator"
	"github.com/concilium/concilium/internal/pricing"
	"github.com/concilium/concilium/internal/store"
	"github.com/concilium/concilium/internal/traffic"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Orchestrator *orchestrator.Orchestrator
	Traffic      *traffic.Controller
	Pricing      *pricing.Table
	Ledger       *store.LedgerRepo
	DB           *sql.DB
	Logger       *slog.Logger
}

// SubmitRequest is the body for POST /api/v1/session.
type SubmitRequest struct {
	Problem      string   `json:"problem"`
	Domains      []string `json:"domains"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	BudgetCapUSD float64  `json:"budget_cap_usd"`
	Sync         bool     `json:"sync"`
}

// PreflightRequest is the body for POST /api/v1/preflight.
type PreflightRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
}

// PreflightResponse reports the projected cost and rate-limit status of a
// call without performing it.
type PreflightResponse struct {
	CostEstimate    float64 `json:"cost_estimate"`
	RateLimitStatus string  `json:"rate_limit_status"`
	RetryAfterSec   float64 `json:"retry_after"`
}

// Report is the response for GET /api/v1/report.
type Report struct {
	Totals       domain.LedgerTotals  `json:"totals"`
	TopModel     string               `json:"top_model"`
	TopModelUSD  float64              `json:"top_model_usd"`
	AverageDrift float64              `json:"average_drift"`
	DriftSamples int                  `json:"drift_samples"`
	Recent       []domain.LedgerEntry `json:"recent"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Submit handles POST /api/v1/session. With sync=true the response carries
// the completed session; otherwise the session runs in the background and
// the pending session state is returned immediately.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Problem == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "problem is required"})
		return
	}

	selector := domain.Provider(req.Provider)
	if selector == "" {
		selector = domain.ProviderAuto
	}

	sess, err := h.Orchestrator.Submit(req.Problem, req.Domains, selector, req.Model, req.BudgetCapUSD)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Sync {
		// Run on the request context so a dropped client cancels the session.
		_ = h.Orchestrator.Run(r.Context(), sess.ID)
		view, err := h.Orchestrator.Get(sess.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	go func() {
		_ = h.Orchestrator.Run(context.Background(), sess.ID)
	}()

	view, err := h.Orchestrator.Get(sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// GetSession handles GET /api/v1/session/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.Orchestrator.Get(r.PathValue("sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CancelSession handles POST /api/v1/session/{sessionID}/cancel.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.Cancel(r.PathValue("sessionID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListEvents handles GET /api/v1/session/{sessionID}/events?since_seq=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	events, err := h.Orchestrator.Events(r.PathValue("sessionID"), sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Preflight handles POST /api/v1/preflight: a read-only probe that reports
// the projected cost and the admission outcome without performing the call.
func (h *Handler) Preflight(w http.ResponseWriter, r *http.Request) {
	var req PreflightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "model is required"})
		return
	}
	providerName := domain.Provider(req.Provider)
	if providerName == "" || providerName == domain.ProviderAuto {
		providerName = domain.ProviderClaude
	}

	estTokens := pricing.EstimateTokens(req.Prompt)
	estCost, err := h.Pricing.Estimate(req.Model, estTokens)
	if err != nil {
		writeError(w, err)
		return
	}

	dec, err := h.Traffic.Probe(r.Context(), providerName, req.Model, estTokens)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := PreflightResponse{CostEstimate: estCost, RateLimitStatus: "ok"}
	if dec.Kind != domain.DecisionGo {
		resp.RateLimitStatus = "limited"
		resp.RetryAfterSec = dec.RetryAfter.Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetReport handles GET /api/v1/report?window_sec=N&recent=N.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var since *time.Time
	if s := r.URL.Query().Get("window_sec"); s != "" {
		if sec, err := strconv.ParseInt(s, 10, 64); err == nil && sec > 0 {
			t := time.Now().Add(-time.Duration(sec) * time.Second)
			since = &t
		}
	}
	recentN := 10
	if s := r.URL.Query().Get("recent"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			recentN = n
		}
	}

	totals, err := h.Ledger.Totals(ctx, h.DB, since)
	if err != nil {
		writeError(w, err)
		return
	}
	topModel, topUSD, err := h.Ledger.TopModelBySpend(ctx, h.DB)
	if err != nil {
		writeError(w, err)
		return
	}
	drift, samples, err := h.Ledger.AverageDrift(ctx, h.DB)
	if err != nil {
		writeError(w, err)
		return
	}
	recent, err := h.Ledger.Recent(ctx, h.DB, recentN)
	if err != nil {
		writeError(w, err)
		return
	}
	if recent == nil {
		recent = []domain.LedgerEntry{}
	}

	writeJSON(w, http.StatusOK, Report{
		Totals:       totals,
		TopModel:     topModel,
		TopModelUSD:  topUSD,
		AverageDrift: drift,
		DriftSamples: samples,
		Recent:       recent,
	})
}

// StreamEvents handles GET /api/v1/session/{sessionID}/events/stream (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	// Send the initial batch, then poll for new events until the session
	// reaches a terminal event or the client goes away.
	ctx := r.Context()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		events, err := h.Orchestrator.Events(sessionID, sinceSeq)
		if err != nil {
			writeSSEError(w, flusher, err)
			return
		}
		for _, ev := range events {
			writeSSEEvent(w, flusher, ev)
			sinceSeq = ev.SeqNo
			if ev.Type == domain.EventComplete || ev.Type == domain.EventError {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if coreErr, ok := err.(*domain.CoreError); ok {
		status := http.StatusInternalServerError
		switch coreErr.Code {
		case domain.ErrSessionNotFound.Code, domain.ErrEntryNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrRateLimitExceeded.Code:
			status = http.StatusTooManyRequests
		case domain.ErrRequestTooLarge.Code:
			status = http.StatusRequestEntityTooLarge
		case domain.ErrBudgetExceeded.Code:
			status = http.StatusForbidden
		case domain.ErrUnknownModel.Code, domain.ErrUnknownProvider.Code,
			domain.ErrMissingCredentials.Code, domain.ErrConfigInvalid.Code:
			status = http.StatusBadRequest
		case domain.ErrInvalidTransition.Code, domain.ErrSessionDone.Code:
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, APIError{Code: coreErr.Code, Message: coreErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.SessionEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
