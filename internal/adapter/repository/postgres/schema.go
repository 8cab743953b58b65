package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied idempotently at startup. The dedup index references the
// audit row it points to; the constraint is deferred because a claim writes
// the fingerprint before the pending audit row in the same transaction.
const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	transaction_id    TEXT PRIMARY KEY,
	period            TEXT NOT NULL,
	fingerprint       TEXT NOT NULL DEFAULT '',
	sender_address    TEXT NOT NULL DEFAULT '',
	subject           TEXT NOT NULL DEFAULT '',
	counterparty_id   TEXT,
	counterparty_name TEXT,
	enrichment        JSONB,
	status            TEXT NOT NULL CHECK (status IN ('pending', 'processed', 'unmatched', 'error')),
	attachment_ref    TEXT NOT NULL DEFAULT '',
	error_detail      TEXT,
	match_method      TEXT NOT NULL DEFAULT '',
	match_confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	attempts          INTEGER NOT NULL DEFAULT 0,
	received_at       TIMESTAMPTZ NOT NULL,
	processed_at      TIMESTAMPTZ,
	notified_at       TIMESTAMPTZ,
	route_until       TIMESTAMPTZ,
	route_attempt     INTEGER NOT NULL DEFAULT 0,
	forward_ack_id    TEXT,
	forwarded_at      TIMESTAMPTZ
);
ALTER TABLE audit_records ADD COLUMN IF NOT EXISTS forward_ack_id TEXT;
ALTER TABLE audit_records ADD COLUMN IF NOT EXISTS forwarded_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS audit_records_period_status_idx ON audit_records (period, status, transaction_id);
CREATE INDEX IF NOT EXISTS audit_records_counterparty_idx ON audit_records (counterparty_id) WHERE counterparty_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS audit_records_fingerprint_idx ON audit_records (fingerprint);

CREATE TABLE IF NOT EXISTS dedup_fingerprints (
	fingerprint    TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES audit_records (transaction_id) DEFERRABLE INITIALLY DEFERRED,
	status         TEXT NOT NULL,
	claim_until    TIMESTAMPTZ,
	claim_attempt  INTEGER NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS dedup_notes (
	id                   BIGSERIAL PRIMARY KEY,
	fingerprint          TEXT NOT NULL,
	transaction_id       TEXT NOT NULL,
	owner_transaction_id TEXT NOT NULL,
	owner_status         TEXT NOT NULL,
	noted_at             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dedup_notes_fingerprint_idx ON dedup_notes (fingerprint);

CREATE TABLE IF NOT EXISTS counterparties (
	identifier          TEXT PRIMARY KEY,
	display_name        TEXT NOT NULL,
	department_code     TEXT NOT NULL DEFAULT '',
	allocation_schedule TEXT NOT NULL DEFAULT '',
	ledger_code         TEXT NOT NULL DEFAULT '',
	billing_entity      TEXT NOT NULL DEFAULT '',
	active              BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_keys (
	key_hash   TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Migrate creates the tables the router needs if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}
