package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/concilium/concilium/internal/domain"
)

// LedgerRepo handles persistence for LedgerEntry records.
// The ledger is append-only: an entry is opened before the provider call
// executes and closed exactly once with the actual figures (or as failed).
type LedgerRepo struct{}

// Open inserts a new open entry and returns its transaction id.
// The estimated cost recorded here is never altered afterwards.
func (r *LedgerRepo) Open(ctx context.Context, db *sql.DB, e domain.LedgerEntry) (int64, error) {
	const q = `INSERT INTO ledger_entries (session_id, provider, model, estimated_usd, opened_at)
VALUES (?, ?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, q,
		e.SessionID,
		string(e.Provider),
		e.Model,
		e.EstimatedUSD,
		e.OpenedAtUnix,
	)
	if err != nil {
		return 0, domain.WrapCoreError(domain.ErrLedgerWrite.Code, "open ledger entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, domain.WrapCoreError(domain.ErrLedgerWrite.Code, "open ledger entry id", err)
	}
	return id, nil
}

// Close finalizes an open entry with the actual figures. Failed calls are
// closed with actualUSD = 0 and success = false. Closing an unknown or
// already-closed entry returns ErrEntryNotFound.
func (r *LedgerRepo) Close(ctx context.Context, db *sql.DB, id int64, actualUSD float64, inputTokens, outputTokens int64, success bool) error {
	const q = `UPDATE ledger_entries
SET actual_usd = ?, input_tokens = ?, output_tokens = ?, success = ?, closed = 1, closed_at = ?
WHERE id = ? AND closed = 0`
	res, err := db.ExecContext(ctx, q, actualUSD, inputTokens, outputTokens, boolToInt(success), time.Now().Unix(), id)
	if err != nil {
		return domain.WrapCoreError(domain.ErrLedgerWrite.Code, "close ledger entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.WrapCoreError(domain.ErrLedgerWrite.Code, "close ledger entry rows", err)
	}
	if n == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

// GetByID returns a single entry.
func (r *LedgerRepo) GetByID(ctx context.Context, db *sql.DB, id int64) (*domain.LedgerEntry, error) {
	const q = `SELECT id, session_id, provider, model, estimated_usd, actual_usd,
input_tokens, output_tokens, success, closed, opened_at, closed_at
FROM ledger_entries WHERE id = ?`
	row := db.QueryRowContext(ctx, q, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, domain.WrapCoreError(domain.ErrStoreQuery.Code, "get ledger entry", err)
	}
	return e, nil
}

// Totals aggregates closed entries. A non-nil since restricts the aggregate
// to entries opened at or after that time. Failed entries contribute their
// zero actual cost but are counted in Entries and Failures.
func (r *LedgerRepo) Totals(ctx context.Context, db *sql.DB, since *time.Time) (domain.LedgerTotals, error) {
	q := `SELECT COALESCE(SUM(actual_usd), 0), COALESCE(SUM(estimated_usd), 0),
COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
FROM ledger_entries WHERE closed = 1`
	args := []any{}
	if since != nil {
		q += ` AND opened_at >= ?`
		args = append(args, since.Unix())
	}

	var t domain.LedgerTotals
	err := db.QueryRowContext(ctx, q, args...).Scan(
		&t.ActualUSD, &t.EstimatedUSD, &t.InputTokens, &t.OutputTokens, &t.Entries, &t.Failures,
	)
	if err != nil {
		return domain.LedgerTotals{}, domain.WrapCoreError(domain.ErrStoreQuery.Code, "ledger totals", err)
	}
	return t, nil
}

// TopModelBySpend returns the model with the highest total actual spend over
// closed entries. With an empty ledger it returns ("", 0, nil).
func (r *LedgerRepo) TopModelBySpend(ctx context.Context, db *sql.DB) (string, float64, error) {
	const q = `SELECT model, SUM(actual_usd) AS spend
FROM ledger_entries WHERE closed = 1
GROUP BY model ORDER BY spend DESC LIMIT 1`
	var model string
	var spend float64
	err := db.QueryRowContext(ctx, q).Scan(&model, &spend)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, domain.WrapCoreError(domain.ErrStoreQuery.Code, "top model by spend", err)
	}
	return model, spend, nil
}

// AverageDrift returns the mean of (actual - estimated) / estimated across
// closed entries, along with the number of entries sampled. Entries whose
// estimated cost is zero are excluded, since relative drift is undefined
// for them.
func (r *LedgerRepo) AverageDrift(ctx context.Context, db *sql.DB) (float64, int, error) {
	const q = `SELECT COALESCE(AVG((actual_usd - estimated_usd) / estimated_usd), 0), COUNT(*)
FROM ledger_entries WHERE closed = 1 AND estimated_usd > 0`
	var drift float64
	var n int
	if err := db.QueryRowContext(ctx, q).Scan(&drift, &n); err != nil {
		return 0, 0, domain.WrapCoreError(domain.ErrStoreQuery.Code, "average drift", err)
	}
	return drift, n, nil
}

// Recent returns the n most recently opened entries, newest first.
func (r *LedgerRepo) Recent(ctx context.Context, db *sql.DB, n int) ([]domain.LedgerEntry, error) {
	const q = `SELECT id, session_id, provider, model, estimated_usd, actual_usd,
input_tokens, output_tokens, success, closed, opened_at, closed_at
FROM ledger_entries ORDER BY id DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, domain.WrapCoreError(domain.ErrStoreQuery.Code, "recent ledger entries", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// SessionSpend returns the money at risk for one session: the actual cost of
// closed entries plus the estimated cost of entries still open.
func (r *LedgerRepo) SessionSpend(ctx context.Context, db *sql.DB, sessionID string) (float64, error) {
	const q = `SELECT COALESCE(SUM(CASE WHEN closed = 1 THEN actual_usd ELSE estimated_usd END), 0)
FROM ledger_entries WHERE session_id = ?`
	var spend float64
	if err := db.QueryRowContext(ctx, q, sessionID).Scan(&spend); err != nil {
		return 0, domain.WrapCoreError(domain.ErrStoreQuery.Code, "session spend", err)
	}
	return spend, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var provider string
	var success, closed int
	err := row.Scan(&e.ID, &e.SessionID, &provider, &e.Model, &e.EstimatedUSD, &e.ActualUSD,
		&e.InputTokens, &e.OutputTokens, &success, &closed, &e.OpenedAtUnix, &e.ClosedAtUnix)
	if err != nil {
		return nil, err
	}
	e.Provider = domain.Provider(provider)
	e.Success = success == 1
	e.Closed = closed == 1
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
