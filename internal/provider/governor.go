package provider

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/concilium/concilium/internal/domain"
	"github.com/concilium/concilium/internal/store"
)

// SpendGovernor enforces an optional per-session USD cap against the ledger.
// Spend is computed as money at risk: actual cost of closed entries plus
// estimated cost of entries still open.
type SpendGovernor struct {
	DB     *sql.DB
	Ledger *store.LedgerRepo
	Logger *slog.Logger

	// WarnRatio is the fraction of the cap at which a warning is logged (default 0.8).
	WarnRatio float64
	// HaltRatio is the fraction of the cap at which further calls are refused (default 1.0).
	HaltRatio float64
}

// NewSpendGovernor creates a governor with standard thresholds.
func NewSpendGovernor(db *sql.DB, logger *slog.Logger) *SpendGovernor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpendGovernor{
		DB:        db,
		Ledger:    &store.LedgerRepo{},
		Logger:    logger,
		WarnRatio: 0.8,
		HaltRatio: 1.0,
	}
}

// Check evaluates a session's spend against its cap. A cap of zero or less
// means the session is uncapped.
func (g *SpendGovernor) Check(ctx context.Context, sessionID string, capUSD float64) (domain.CostAction, error) {
	if capUSD <= 0 {
		return domain.CostContinue, nil
	}

	spend, err := g.Ledger.SessionSpend(ctx, g.DB, sessionID)
	if err != nil {
		return domain.CostContinue, err
	}

	ratio := spend / capUSD
	switch {
	case ratio >= g.HaltRatio:
		return domain.CostHalt, nil
	case ratio >= g.WarnRatio:
		g.Logger.Warn("session approaching budget cap",
			"session_id", sessionID, "spend_usd", spend, "cap_usd", capUSD)
		return domain.CostWarn, nil
	default:
		return domain.CostContinue, nil
	}
}
