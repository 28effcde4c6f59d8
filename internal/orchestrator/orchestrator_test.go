package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/concilium/concilium/internal/domain"
	"github.com/concilium/concilium/internal/pricing"
	"github.com/concilium/concilium/internal/provider"
	"github.com/concilium/concilium/internal/store"
	"github.com/concilium/concilium/internal/traffic"
)

type testHarness struct {
	orch *Orchestrator
	mock *provider.MockBackend
	db   *sql.DB
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "orch.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := traffic.NewController(db, logger)
	ctrl.LimitsFor = func(domain.Provider) traffic.Limits {
		return traffic.Limits{Requests: 1000, Tokens: 1_000_000, Window: time.Minute}
	}

	mock := provider.NewMockBackend()
	registry := provider.NewRegistry()
	if err := registry.Register(provider.NewClaudeBackend("", "", "")); err != nil {
		t.Fatalf("Register claude: %v", err)
	}
	if err := registry.Register(mock); err != nil {
		t.Fatalf("Register mock: %v", err)
	}

	gw := provider.NewGateway(db, registry, pricing.NewTable(), ctrl, logger)
	gw.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	gov := provider.NewSpendGovernor(db, logger)

	return &testHarness{
		orch: New(gw, registry, gov, logger),
		mock: mock,
		db:   db,
	}
}

func countByRole(results []domain.AgentResult, role domain.AgentRole) (total, failed int) {
	for _, r := range results {
		if r.Role != role {
			continue
		}
		total++
		if !r.Success {
			failed++
		}
	}
	return total, failed
}

func TestRun_HappyPath(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sess, err := h.orch.Submit("Should we migrate the billing system?", []string{"finance", "engineering"}, domain.ProviderMock, "", 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sess.Model != "concilium-mock" {
		t.Errorf("default model = %q, want concilium-mock", sess.Model)
	}

	if err := h.orch.Run(ctx, sess.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	view, err := h.orch.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Phase != domain.PhaseCompleted {
		t.Errorf("phase = %q, want completed", view.Phase)
	}
	if view.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", view.Status)
	}
	if view.Final == "" {
		t.Error("final synthesis is empty")
	}
	if view.Unpack == "" {
		t.Error("unpack result is empty")
	}

	// 1 unpacker + 2 domain experts + 1 critic + 1 synthesizer.
	if len(view.Results) != 5 {
		t.Errorf("results = %d, want 5", len(view.Results))
	}
	if n, failed := countByRole(view.Results, domain.RoleDomainExpert); n != 2 || failed != 0 {
		t.Errorf("domain experts = %d (%d failed), want 2 (0 failed)", n, failed)
	}
	if n, _ := countByRole(view.Results, domain.RoleCritic); n != 1 {
		t.Errorf("critics = %d, want 1", n)
	}

	events, err := h.orch.Events(sess.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	first, last := events[0], events[len(events)-1]
	if first.Type != domain.EventPhaseChange || first.Phase != domain.PhaseUnpacking {
		t.Errorf("first event = %s/%s, want phase_change/unpacking", first.Type, first.Phase)
	}
	if last.Type != domain.EventComplete {
		t.Errorf("last event type = %q, want complete", last.Type)
	}
	for i := 1; i < len(events); i++ {
		if events[i].SeqNo <= events[i-1].SeqNo {
			t.Fatalf("event sequence not strictly increasing at index %d: %d then %d",
				i, events[i-1].SeqNo, events[i].SeqNo)
		}
	}
}

func TestRun_PartialAnalysisFailure(t *testing.T) {
	h := newTestHarness(t)
	h.mock.FailMarker = "expert in failme"
	ctx := context.Background()

	sess, err := h.orch.Submit("Evaluate the launch.", []string{"alpha", "beta", "failme"}, domain.ProviderMock, "", 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// One failed domain expert does not sink the session.
	if err := h.orch.Run(ctx, sess.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	view, err := h.orch.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Phase != domain.PhaseCompleted {
		t.Errorf("phase = %q, want completed", view.Phase)
	}
	// 1 unpacker + 3 domain experts (1 failed) + 1 critic + 1 synthesizer.
	if len(view.Results) != 6 {
		t.Errorf("results = %d, want 6", len(view.Results))
	}
	if n, failed := countByRole(view.Results, domain.RoleDomainExpert); n != 3 || failed != 1 {
		t.Errorf("domain experts = %d (%d failed), want 3 (1 failed)", n, failed)
	}
}

func TestRun_UnpackFailureIsFatal(t *testing.T) {
	h := newTestHarness(t)
	h.mock.FailMarker = "problem analyst"
	ctx := context.Background()

	sess, err := h.orch.Submit("Anything.", []string{"one"}, domain.ProviderMock, "", 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	err = h.orch.Run(ctx, sess.ID)
	if !errors.Is(err, domain.ErrUnpackFailed) {
		t.Fatalf("expected ErrUnpackFailed, got %v", err)
	}

	view, err := h.orch.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Phase != domain.PhaseError || view.Status != domain.StatusError {
		t.Errorf("phase/status = %q/%q, want error/error", view.Phase, view.Status)
	}

	events, err := h.orch.Events(sess.ID, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != domain.EventError {
		t.Errorf("last event type = %q, want error", last.Type)
	}
	if last.Message == "" {
		t.Error("error event has no message")
	}
}

func TestRun_AllAnalysesFailed(t *testing.T) {
	h := newTestHarness(t)
	// Every analysis prompt embeds the decomposition; the unpack prompt does not.
	h.mock.FailMarker = "Decomposition:"
	ctx := context.Background()

	sess, err := h.orch.Submit("Anything.", []string{"one", "two"}, domain.ProviderMock, "", 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	err = h.orch.Run(ctx, sess.ID)
	if !errors.Is(err, domain.ErrAnalysisFailed) {
		t.Fatalf("expected ErrAnalysisFailed, got %v", err)
	}
}

func TestRun_SynthesisFailureIsFatal(t *testing.T) {
	h := newTestHarness(t)
	h.mock.FailMarker = "You are a synthesizer"
	ctx := context.Background()

	sess, err := h.orch.Submit("Anything.", []string{"one"}, domain.ProviderMock, "", 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	err = h.orch.Run(ctx, sess.ID)
	if !errors.Is(err, domain.ErrSynthesisFailed) {
		t.Fatalf("expected ErrSynthesisFailed, got %v", err)
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sess, err := h.orch.Submit("Anything.", []string{"one"}, domain.ProviderMock, "", 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.orch.Run(ctx, sess.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := h.orch.Run(ctx, sess.ID); !errors.Is(err, domain.ErrSessionDone) {
		t.Errorf("second Run: expected ErrSessionDone, got %v", err)
	}
}

func TestRun_BudgetHaltBeforePhase(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	sess, err := h.orch.Submit("Anything.", []string{"one"}, domain.ProviderMock, "", 0.10)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Prior spend on this session already exceeds the cap.
	repo := &store.LedgerRepo{}
	id, err := repo.Open(ctx, h.db, domain.LedgerEntry{
		SessionID: sess.ID, Provider: domain.ProviderMock, Model: "concilium-mock",
		EstimatedUSD: 0.20, OpenedAtUnix: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := repo.Close(ctx, h.db, id, 0.20, 10, 10, true); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = h.orch.Run(ctx, sess.ID)
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
}

func TestSubmit_UnknownProvider(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.orch.Submit("Anything.", []string{"one"}, domain.Provider("nonsense"), "", 0)
	if !errors.Is(err, domain.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestSubmit_AutoResolvesToMockWithoutCredentials(t *testing.T) {
	h := newTestHarness(t)

	sess, err := h.orch.Submit("Anything.", []string{"one"}, domain.ProviderAuto, "", 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sess.Provider != domain.ProviderMock {
		t.Errorf("resolved provider = %q, want mock", sess.Provider)
	}
	if sess.Selector != domain.ProviderAuto {
		t.Errorf("selector = %q, want auto", sess.Selector)
	}
}

func TestCancel_BeforeRun(t *testing.T) {
	h := newTestHarness(t)

	sess, err := h.orch.Submit("Anything.", []string{"one"}, domain.ProviderMock, "", 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.orch.Cancel(sess.ID); !errors.Is(err, domain.ErrSessionDone) {
		t.Errorf("expected ErrSessionDone for unstarted session, got %v", err)
	}
	if err := h.orch.Cancel("no-such-session"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestIsValidTransition(t *testing.T) {
	legal := [][2]domain.Phase{
		{domain.PhaseIdle, domain.PhaseUnpacking},
		{domain.PhaseUnpacking, domain.PhaseAnalyzing},
		{domain.PhaseAnalyzing, domain.PhaseSynthesizing},
		{domain.PhaseSynthesizing, domain.PhaseCompleted},
		{domain.PhaseAnalyzing, domain.PhaseError},
	}
	for _, tc := range legal {
		if !IsValidTransition(tc[0], tc[1]) {
			t.Errorf("transition %s -> %s should be legal", tc[0], tc[1])
		}
	}

	illegal := [][2]domain.Phase{
		{domain.PhaseIdle, domain.PhaseAnalyzing},
		{domain.PhaseUnpacking, domain.PhaseSynthesizing},
		{domain.PhaseCompleted, domain.PhaseUnpacking},
		{domain.PhaseSynthesizing, domain.PhaseAnalyzing},
	}
	for _, tc := range illegal {
		if IsValidTransition(tc[0], tc[1]) {
			t.Errorf("transition %s -> %s should be illegal", tc[0], tc[1])
		}
	}
}
