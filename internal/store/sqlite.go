// Package store provides SQLite-backed persistence for the Concilium gateway.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL DEFAULT '',
	provider       TEXT NOT NULL,
	model          TEXT NOT NULL,
	estimated_usd  REAL NOT NULL DEFAULT 0.0,
	actual_usd     REAL NOT NULL DEFAULT 0.0,
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	success        INTEGER NOT NULL DEFAULT 0,
	closed         INTEGER NOT NULL DEFAULT 0,
	opened_at      INTEGER NOT NULL,
	closed_at      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ledger_session ON ledger_entries(session_id);
CREATE INDEX IF NOT EXISTS idx_ledger_model ON ledger_entries(model, closed);
CREATE INDEX IF NOT EXISTS idx_ledger_opened ON ledger_entries(opened_at);

CREATE TABLE IF NOT EXISTS rate_samples (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	bucket  TEXT NOT NULL,
	tokens  INTEGER NOT NULL DEFAULT 0,
	at_ms   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_bucket_at ON rate_samples(bucket, at_ms);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
