package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/m-cnan/thankan.ayyo/internal/ledger"
)

// dispatchSchema is applied by Migrate. It is idempotent.
const dispatchSchema = `
CREATE TABLE IF NOT EXISTS dispatch_ledger (
	id             BIGSERIAL PRIMARY KEY,
	request_id     TEXT        NOT NULL,
	mode           TEXT        NOT NULL,
	tier           INTEGER     NOT NULL,
	model          TEXT        NOT NULL,
	attempts       INTEGER     NOT NULL,
	escalations    INTEGER     NOT NULL,
	emergency      BOOLEAN     NOT NULL DEFAULT FALSE,
	result         TEXT        NOT NULL,
	failure_reason TEXT        NOT NULL DEFAULT '',
	pool_exhausted BOOLEAN     NOT NULL DEFAULT FALSE,
	credential     TEXT        NOT NULL DEFAULT '',
	fragments      INTEGER     NOT NULL DEFAULT 0,
	duration_ms    BIGINT      NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_dispatch_ledger_request_id ON dispatch_ledger (request_id);
CREATE INDEX IF NOT EXISTS idx_dispatch_ledger_created_at ON dispatch_ledger (created_at DESC);
`

const ledgerColumns = `request_id, mode, tier, model, attempts, escalations, emergency,
	result, failure_reason, pool_exhausted, credential, fragments, duration_ms, created_at`

// DispatchRepository stores ledger records in Postgres.
type DispatchRepository struct {
	db *DB
}

// NewDispatchRepository creates a new dispatch repository
func NewDispatchRepository(db *DB) *DispatchRepository {
	return &DispatchRepository{db: db}
}

// Migrate creates the ledger table if needed.
func (r *DispatchRepository) Migrate(ctx context.Context) error {
	if r.db == nil {
		return ErrNoDatabase
	}
	if _, err := r.db.conn.ExecContext(ctx, dispatchSchema); err != nil {
		return fmt.Errorf("failed to migrate dispatch ledger: %w", err)
	}
	return nil
}

// Name implements ledger.Sink.
func (r *DispatchRepository) Name() string { return "postgres" }

// Write inserts the batch in a single transaction, so a failed batch can be
// retried without duplicating rows.
func (r *DispatchRepository) Write(ctx context.Context, records []*ledger.Record) error {
	if r.db == nil {
		return ErrNoDatabase
	}
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO dispatch_ledger (`+ledgerColumns+`)
		VALUES (:request_id, :mode, :tier, :model, :attempts, :escalations, :emergency,
		        :result, :failure_reason, :pool_exhausted, :credential, :fragments, :duration_ms, :created_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec); err != nil {
			return fmt.Errorf("failed to insert ledger record %s: %w", rec.RequestID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger batch: %w", err)
	}
	return nil
}

// GetByRequestID returns the ledger record of one request.
func (r *DispatchRepository) GetByRequestID(ctx context.Context, requestID string) (*ledger.Record, error) {
	if r.db == nil {
		return nil, ErrNoDatabase
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var rec ledger.Record
	query := `SELECT ` + ledgerColumns + ` FROM dispatch_ledger WHERE request_id = $1 ORDER BY created_at DESC LIMIT 1`
	if err := r.db.conn.GetContext(ctx, &rec, query, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ledger record: %w", err)
	}
	return &rec, nil
}

// Recent returns the newest records, newest first.
func (r *DispatchRepository) Recent(ctx context.Context, limit int) ([]*ledger.Record, error) {
	if r.db == nil {
		return nil, ErrNoDatabase
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var records []*ledger.Record
	query := `SELECT ` + ledgerColumns + ` FROM dispatch_ledger ORDER BY created_at DESC, id DESC LIMIT $1`
	if err := r.db.conn.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list ledger records: %w", err)
	}
	return records, nil
}
