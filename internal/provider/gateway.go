package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/concilium/concilium/internal/domain"
	"github.com/concilium/concilium/internal/pricing"
	"github.com/concilium/concilium/internal/store"
	"github.com/concilium/concilium/internal/traffic"
)

// Gateway is the single path for outbound provider calls. Every call is
// estimated, admitted through the traffic controller, and recorded in the
// usage ledger whether it succeeds or fails.
type Gateway struct {
	Registry *Registry
	Pricing  *pricing.Table
	Traffic  *traffic.Controller
	Ledger   *store.LedgerRepo
	DB       *sql.DB
	Logger   *slog.Logger

	// MaxAdmitAttempts bounds how many Wait decisions are honored before
	// the rate-limit error is surfaced to the caller.
	MaxAdmitAttempts int

	// Sleep pauses between admission attempts; overridable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway wires a gateway with standard defaults.
func NewGateway(db *sql.DB, registry *Registry, table *pricing.Table, ctrl *traffic.Controller, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		Registry:         registry,
		Pricing:          table,
		Traffic:          ctrl,
		Ledger:           &store.LedgerRepo{},
		DB:               db,
		Logger:           logger,
		MaxAdmitAttempts: 5,
		Sleep:            sleepCtx,
	}
}

// Complete runs one prompt through the full sequence: estimate, admit, open
// ledger entry, invoke the backend, close the entry. The ledger entry is
// closed on every path, including provider failure, so no entry dangles
// beyond the lifetime of its call.
func (g *Gateway) Complete(ctx context.Context, provider domain.Provider, model, prompt, sessionID string) (domain.Completion, error) {
	backend, err := g.Registry.Get(provider)
	if err != nil {
		return domain.Completion{}, err
	}
	if !backend.Available() {
		return domain.Completion{}, domain.WrapCoreError(domain.ErrMissingCredentials.Code,
			"provider credentials not configured: "+string(provider), nil)
	}

	estTokens := pricing.EstimateTokens(prompt)
	estCost, err := g.Pricing.Estimate(model, estTokens)
	if err != nil {
		return domain.Completion{}, err
	}

	if err := g.admit(ctx, provider, model, estTokens); err != nil {
		return domain.Completion{}, err
	}

	entryID, err := g.Ledger.Open(ctx, g.DB, domain.LedgerEntry{
		SessionID:    sessionID,
		Provider:     provider,
		Model:        model,
		EstimatedUSD: estCost,
		OpenedAtUnix: time.Now().Unix(),
	})
	if err != nil {
		// The ledger is the source of truth for spend; without an open
		// entry the call must not execute.
		return domain.Completion{}, err
	}

	comp, callErr := backend.Complete(ctx, model, prompt)
	if callErr != nil {
		if closeErr := g.Ledger.Close(ctx, g.DB, entryID, 0, 0, 0, false); closeErr != nil {
			g.Logger.Error("ledger close failed after provider error",
				"entry_id", entryID, "error", closeErr)
			return domain.Completion{}, closeErr
		}
		if _, ok := callErr.(*domain.CoreError); ok {
			return domain.Completion{}, callErr
		}
		return domain.Completion{}, domain.WrapCoreError(domain.ErrProviderCall.Code, "provider call", callErr)
	}

	actual, err := g.Pricing.Actual(model, comp.InputTokens, comp.OutputTokens)
	if err != nil {
		// The model was priced at estimate time, so this cannot normally
		// happen; record the failure shape rather than guessing a cost.
		actual = 0
	}
	if closeErr := g.Ledger.Close(ctx, g.DB, entryID, actual, comp.InputTokens, comp.OutputTokens, true); closeErr != nil {
		// The provider call already executed and cannot be rolled back, but
		// a ledger write failure is never silently swallowed.
		g.Logger.Error("ledger close failed after successful call",
			"entry_id", entryID, "error", closeErr)
		return domain.Completion{}, closeErr
	}

	return comp, nil
}

// admit loops on the traffic controller, honoring Wait decisions up to
// MaxAdmitAttempts before surfacing the rate-limit error.
func (g *Gateway) admit(ctx context.Context, provider domain.Provider, model string, estTokens int64) error {
	attempts := g.MaxAdmitAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		dec, err := g.Traffic.Admit(ctx, provider, model, estTokens)
		if err != nil {
			return err
		}
		switch dec.Kind {
		case domain.DecisionGo:
			return nil
		case domain.DecisionReject:
			return domain.WrapCoreError(domain.ErrRequestTooLarge.Code,
				fmt.Sprintf("estimated %d tokens exceed the per-request ceiling for %s/%s", estTokens, provider, model), nil)
		case domain.DecisionWait:
			if attempt >= attempts {
				return domain.WrapCoreError(domain.ErrRateLimitExceeded.Code,
					fmt.Sprintf("rate limited on %s/%s, retry after %s", provider, model, dec.RetryAfter), nil)
			}
			g.Logger.Debug("admission deferred",
				"provider", provider, "model", model, "retry_after", dec.RetryAfter, "attempt", attempt)
			if err := g.Sleep(ctx, dec.RetryAfter); err != nil {
				return err
			}
		default:
			return errors.New("unknown admission decision")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
