package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
	"github.com/V4T54L/invoice-router/internal/domain"
)

const counterpartyColumns = `identifier, display_name, department_code, allocation_schedule,
	ledger_code, billing_entity, active, updated_at`

// DirectoryRepository implements domain.DirectoryRepository on the
// counterparties table. Snapshots are cached for a TTL so the extraction
// stage does not reload the directory for every message.
type DirectoryRepository struct {
	db       *sql.DB
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cacheTTL time.Duration
	now      func() time.Time

	mu       sync.RWMutex
	snapshot *domain.DirectorySnapshot
	expires  time.Time
}

func NewDirectoryRepository(db *sql.DB, cacheTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *DirectoryRepository {
	return &DirectoryRepository{
		db:       db,
		logger:   logger.With("component", "directory"),
		metrics:  m,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// LookupExact returns the active record stored under identifier.
func (r *DirectoryRepository) LookupExact(ctx context.Context, identifier string) (*domain.CounterpartyRecord, error) {
	rec, err := scanCounterparty(r.db.QueryRowContext(ctx,
		`SELECT `+counterpartyColumns+` FROM counterparties WHERE identifier = $1 AND active`, identifier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify("lookup counterparty", err)
	}
	return rec, nil
}

// ListActive returns active records ordered by identifier.
func (r *DirectoryRepository) ListActive(ctx context.Context) ([]domain.CounterpartyRecord, error) {
	return r.list(ctx, `SELECT `+counterpartyColumns+` FROM counterparties WHERE active ORDER BY identifier`)
}

// Snapshot returns the cached directory view, reloading it once the TTL has
// passed. Inactive records are included so exact lookups can tell them apart.
func (r *DirectoryRepository) Snapshot(ctx context.Context) (*domain.DirectorySnapshot, error) {
	r.mu.RLock()
	snap, expires := r.snapshot, r.expires
	r.mu.RUnlock()
	if snap != nil && r.now().Before(expires) {
		r.metrics.DirectoryLookup(true)
		return snap, nil
	}
	r.metrics.DirectoryLookup(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have reloaded while we waited for the lock.
	if r.snapshot != nil && r.now().Before(r.expires) {
		return r.snapshot, nil
	}

	records, err := r.list(ctx, `SELECT `+counterpartyColumns+` FROM counterparties ORDER BY identifier`)
	if err != nil {
		// Serve the stale view rather than stall the pipeline.
		if r.snapshot != nil {
			r.logger.Warn("Directory reload failed, serving stale snapshot", "error", err, "taken_at", r.snapshot.TakenAt)
			return r.snapshot, nil
		}
		return nil, err
	}
	now := r.now()
	r.snapshot = domain.NewDirectorySnapshot(records, now)
	r.expires = now.Add(r.cacheTTL)
	r.logger.Debug("Directory snapshot reloaded", "records", len(records))
	return r.snapshot, nil
}

// Upsert inserts or replaces a counterparty and drops the cached snapshot.
func (r *DirectoryRepository) Upsert(ctx context.Context, rec domain.CounterpartyRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO counterparties (`+counterpartyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identifier) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			department_code = EXCLUDED.department_code,
			allocation_schedule = EXCLUDED.allocation_schedule,
			ledger_code = EXCLUDED.ledger_code,
			billing_entity = EXCLUDED.billing_entity,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		rec.Identifier, rec.DisplayName, rec.Enrichment.DepartmentCode, rec.Enrichment.AllocationSchedule,
		rec.Enrichment.LedgerCode, rec.Enrichment.BillingEntity, rec.Active, r.now().UTC())
	if err != nil {
		return classify("upsert counterparty", err)
	}

	r.mu.Lock()
	r.snapshot = nil
	r.mu.Unlock()
	return nil
}

func (r *DirectoryRepository) list(ctx context.Context, query string) ([]domain.CounterpartyRecord, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify("list counterparties", err)
	}
	defer rows.Close()

	var out []domain.CounterpartyRecord
	for rows.Next() {
		rec, err := scanCounterparty(rows)
		if err != nil {
			return nil, classify("scan counterparty", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list counterparties", err)
	}
	return out, nil
}

func scanCounterparty(row rowScanner) (*domain.CounterpartyRecord, error) {
	var rec domain.CounterpartyRecord
	err := row.Scan(&rec.Identifier, &rec.DisplayName, &rec.Enrichment.DepartmentCode,
		&rec.Enrichment.AllocationSchedule, &rec.Enrichment.LedgerCode, &rec.Enrichment.BillingEntity,
		&rec.Active, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
