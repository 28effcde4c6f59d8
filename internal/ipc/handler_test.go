package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/concilium/concilium/internal/domain"
	"github.com/concilium/concilium/internal/orchestrator"
	"github.com/concilium/concilium/internal/pricing"
	"github.com/concilium/concilium/internal/provider"
	"github.com/concilium/concilium/internal/store"
	"github.com/concilium/concilium/internal/traffic"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "ipc.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := traffic.NewController(db, logger)
	ctrl.LimitsFor = func(domain.Provider) traffic.Limits {
		return traffic.Limits{Requests: 1000, Tokens: 1_000_000, Window: time.Minute}
	}

	registry := provider.NewRegistry()
	if err := registry.Register(provider.NewMockBackend()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	table := pricing.NewTable()
	gw := provider.NewGateway(db, registry, table, ctrl, logger)
	gw.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	gov := provider.NewSpendGovernor(db, logger)

	return &Handler{
		Orchestrator: orchestrator.New(gw, registry, gov, logger),
		Traffic:      ctrl,
		Pricing:      table,
		Ledger:       &store.LedgerRepo{},
		DB:           db,
		Logger:       logger,
	}
}

func postJSON(t *testing.T, target string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) orchestrator.SessionView {
	t.Helper()
	var view orchestrator.SessionView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode session view: %v", err)
	}
	return view
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSubmit_Sync(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Submit(rec, postJSON(t, "/api/v1/session", SubmitRequest{
		Problem: "Should we adopt the new queueing system?",
		Domains: []string{"ops", "cost"},
		Sync:    true,
	}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	view := decodeView(t, rec)
	if view.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", view.Status)
	}
	if view.Final == "" {
		t.Error("final synthesis is empty")
	}
	if len(view.Results) != 5 {
		t.Errorf("results = %d, want 5", len(view.Results))
	}
}

func TestSubmit_AsyncReturnsPending(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Submit(rec, postJSON(t, "/api/v1/session", SubmitRequest{
		Problem: "Evaluate the rollout.",
		Domains: []string{"risk"},
	}))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	view := decodeView(t, rec)
	if view.ID == "" {
		t.Fatal("session id is empty")
	}

	// The background run finishes quickly against the mock backend.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := h.Orchestrator.Get(view.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status == domain.StatusCompleted {
			break
		}
		if got.Status == domain.StatusError {
			t.Fatalf("session failed: %+v", got)
		}
		if time.Now().After(deadline) {
			t.Fatalf("session did not complete, status = %q", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmit_MissingProblem(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Submit(rec, postJSON(t, "/api/v1/session", SubmitRequest{Domains: []string{"x"}}))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/session/nope", nil)
	req.SetPathValue("sessionID", "nope")
	h.GetSession(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var apiErr APIError
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if apiErr.Code != domain.ErrSessionNotFound.Code {
		t.Errorf("error code = %d, want %d", apiErr.Code, domain.ErrSessionNotFound.Code)
	}
}

func TestCancelSession_NotFound(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/nope/cancel", nil)
	req.SetPathValue("sessionID", "nope")
	h.CancelSession(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListEvents_SinceSeq(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Submit(rec, postJSON(t, "/api/v1/session", SubmitRequest{
		Problem: "Anything.", Domains: []string{"one"}, Sync: true,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body.String())
	}
	view := decodeView(t, rec)

	list := func(sinceSeq string) []domain.SessionEvent {
		t.Helper()
		rec := httptest.NewRecorder()
		target := "/api/v1/session/" + view.ID + "/events"
		if sinceSeq != "" {
			target += "?since_seq=" + sinceSeq
		}
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.SetPathValue("sessionID", view.ID)
		h.ListEvents(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("events status = %d", rec.Code)
		}
		var events []domain.SessionEvent
		if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
			t.Fatalf("decode events: %v", err)
		}
		return events
	}

	all := list("")
	if len(all) == 0 {
		t.Fatal("no events for completed session")
	}
	if all[len(all)-1].Type != domain.EventComplete {
		t.Errorf("last event type = %q, want complete", all[len(all)-1].Type)
	}

	// Replay from midway: only later events come back.
	mid := all[len(all)/2].SeqNo
	rest := list(strconv.FormatInt(mid, 10))
	if len(rest) != len(all)-int(mid) {
		t.Errorf("since_seq=%d returned %d events, want %d", mid, len(rest), len(all)-int(mid))
	}
	for _, ev := range rest {
		if ev.SeqNo <= mid {
			t.Errorf("event seq %d leaked through since_seq=%d", ev.SeqNo, mid)
		}
	}
}

func TestPreflight(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Preflight(rec, postJSON(t, "/api/v1/preflight", PreflightRequest{
		Provider: "mock",
		Model:    "concilium-mock",
		Prompt:   "How expensive would this be?",
	}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp PreflightResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CostEstimate <= 0 {
		t.Errorf("cost estimate = %v, want positive", resp.CostEstimate)
	}
	if resp.RateLimitStatus != "ok" {
		t.Errorf("rate limit status = %q, want ok", resp.RateLimitStatus)
	}
}

func TestPreflight_UnknownModel(t *testing.T) {
	h := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Preflight(rec, postJSON(t, "/api/v1/preflight", PreflightRequest{
		Provider: "mock",
		Model:    "no-such-model",
		Prompt:   "hi",
	}))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetReport_AfterSession(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Submit(rec, postJSON(t, "/api/v1/session", SubmitRequest{
		Problem: "Anything.", Domains: []string{"one"}, Sync: true,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.GetReport(rec, httptest.NewRequest(http.MethodGet, "/api/v1/report", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("report status = %d: %s", rec.Code, rec.Body.String())
	}

	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	// Unpack, one domain expert, critic, synthesis: four paid calls.
	if report.Totals.Entries != 4 {
		t.Errorf("entries = %d, want 4", report.Totals.Entries)
	}
	if report.Totals.ActualUSD <= 0 {
		t.Errorf("actual spend = %v, want positive", report.Totals.ActualUSD)
	}
	if report.TopModel != "concilium-mock" {
		t.Errorf("top model = %q, want concilium-mock", report.TopModel)
	}
	if len(report.Recent) != 4 {
		t.Errorf("recent = %d entries, want 4", len(report.Recent))
	}
	if report.DriftSamples != 4 {
		t.Errorf("drift samples = %d, want 4", report.DriftSamples)
	}
}

func TestStreamEvents_CompletedSession(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.Submit(rec, postJSON(t, "/api/v1/session", SubmitRequest{
		Problem: "Anything.", Domains: []string{"one"}, Sync: true,
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rec.Code)
	}
	view := decodeView(t, rec)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/session/"+view.ID+"/events/stream", nil)
	req.SetPathValue("sessionID", view.ID)
	// The session already carries a terminal event, so the stream drains and
	// returns without waiting on the ticker.
	h.StreamEvents(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body := rec.Body.String()
	if body == "" {
		t.Fatal("stream body is empty")
	}
	if !bytes.Contains([]byte(body), []byte(domain.EventComplete)) {
		t.Errorf("stream does not contain the terminal complete event:\n%s", body)
	}
}
