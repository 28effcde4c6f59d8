package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/concilium/concilium/internal/domain"
)

// RateWindowRepo persists sliding-window admission samples per
// provider/model bucket. Each sample is flushed on insert, so a crash loses
// at most the in-flight request, never previously admitted ones.
type RateWindowRepo struct{}

// Record appends a sample for the bucket.
func (r *RateWindowRepo) Record(ctx context.Context, db *sql.DB, bucket string, tokens int64, at time.Time) error {
	const q = `INSERT INTO rate_samples (bucket, tokens, at_ms) VALUES (?, ?, ?)`
	_, err := db.ExecContext(ctx, q, bucket, tokens, at.UnixMilli())
	if err != nil {
		return domain.WrapCoreError(domain.ErrStoreQuery.Code, "record rate sample", err)
	}
	return nil
}

// Prune deletes samples older than the cutoff for the bucket.
func (r *RateWindowRepo) Prune(ctx context.Context, db *sql.DB, bucket string, cutoff time.Time) error {
	const q = `DELETE FROM rate_samples WHERE bucket = ? AND at_ms < ?`
	_, err := db.ExecContext(ctx, q, bucket, cutoff.UnixMilli())
	if err != nil {
		return domain.WrapCoreError(domain.ErrStoreQuery.Code, "prune rate samples", err)
	}
	return nil
}

// Usage returns the request and token counts for samples at or after cutoff.
func (r *RateWindowRepo) Usage(ctx context.Context, db *sql.DB, bucket string, cutoff time.Time) (domain.WindowUsage, error) {
	const q = `SELECT COUNT(*), COALESCE(SUM(tokens), 0) FROM rate_samples WHERE bucket = ? AND at_ms >= ?`
	var u domain.WindowUsage
	if err := db.QueryRowContext(ctx, q, bucket, cutoff.UnixMilli()).Scan(&u.Requests, &u.Tokens); err != nil {
		return domain.WindowUsage{}, domain.WrapCoreError(domain.ErrStoreQuery.Code, "rate window usage", err)
	}
	return u, nil
}

// List returns in-window samples for the bucket, oldest first.
func (r *RateWindowRepo) List(ctx context.Context, db *sql.DB, bucket string, cutoff time.Time) ([]domain.RateSample, error) {
	const q = `SELECT bucket, tokens, at_ms FROM rate_samples WHERE bucket = ? AND at_ms >= ? ORDER BY at_ms ASC, id ASC`
	rows, err := db.QueryContext(ctx, q, bucket, cutoff.UnixMilli())
	if err != nil {
		return nil, domain.WrapCoreError(domain.ErrStoreQuery.Code, "list rate samples", err)
	}
	defer rows.Close()

	var samples []domain.RateSample
	for rows.Next() {
		var s domain.RateSample
		if err := rows.Scan(&s.Key, &s.Tokens, &s.AtMs); err != nil {
			return nil, domain.WrapCoreError(domain.ErrStoreQuery.Code, "scan rate sample", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
