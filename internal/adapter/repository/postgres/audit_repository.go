package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/V4T54L/invoice-router/internal/domain"
)

const auditColumns = `transaction_id, period, fingerprint, sender_address, subject,
	counterparty_id, counterparty_name, enrichment, status, attachment_ref,
	error_detail, match_method, match_confidence, attempts, received_at,
	processed_at, notified_at, forward_ack_id, forwarded_at`

// AuditRepository implements domain.AuditLedger. The dedup index is only
// written inside the same transaction as the audit row it points to, and
// row locks are the only coordination between workers.
type AuditRepository struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewAuditRepository(db *sql.DB, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger.With("component", "audit_ledger"),
		now:    time.Now,
	}
}

func (r *AuditRepository) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback() // no-op after Commit

	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}

type fingerprintRow struct {
	txID         string
	status       domain.AuditStatus
	claimUntil   sql.NullTime
	claimAttempt int
}

// ClaimFingerprint admits a raw message under its dedup fingerprint.
func (r *AuditRepository) ClaimFingerprint(ctx context.Context, rec domain.AuditRecord, ttl time.Duration) (domain.Claim, error) {
	now := r.now().UTC()
	until := now.Add(ttl)
	claim := domain.Claim{Fingerprint: rec.Fingerprint}

	err := r.inTx(ctx, "claim fingerprint", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO dedup_fingerprints (fingerprint, transaction_id, status, claim_until, claim_attempt, updated_at)
			VALUES ($1, $2, 'pending', $3, $4, $5)
			ON CONFLICT (fingerprint) DO NOTHING`,
			rec.Fingerprint, rec.TransactionID, until, rec.Attempts, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var row fingerprintRow
			err := tx.QueryRowContext(ctx, `
				SELECT transaction_id, status, claim_until, claim_attempt
				FROM dedup_fingerprints WHERE fingerprint = $1 FOR UPDATE`,
				rec.Fingerprint).Scan(&row.txID, &row.status, &row.claimUntil, &row.claimAttempt)
			if err != nil {
				return err
			}

			switch {
			case row.txID == rec.TransactionID && row.status.Final():
				// a redelivery of a finished transaction leaves the index alone
				claim.OwnerTxID = row.txID
				claim.OwnerStatus = row.status
				claim.Outcome = domain.ClaimFinished
				return nil
			case row.status == domain.StatusUnmatched:
				claim.Reprocessing = true
			case row.txID == rec.TransactionID && row.status == domain.StatusPending &&
				(!row.claimUntil.Valid || row.claimUntil.Time.Before(now) || row.claimAttempt < rec.Attempts):
				claim.Reprocessing = true
			default:
				claim.OwnerTxID = row.txID
				claim.OwnerStatus = row.status
				claim.Outcome = domain.ClaimInFlight
				if row.status.Blocks() {
					claim.Outcome = domain.ClaimDuplicate
				}
				return nil
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE dedup_fingerprints
				SET transaction_id = $2, status = 'pending', claim_until = $3, claim_attempt = $4, updated_at = $5
				WHERE fingerprint = $1`,
				rec.Fingerprint, rec.TransactionID, until, rec.Attempts, now)
			if err != nil {
				return err
			}
		}

		if err := insertPending(ctx, tx, rec, now); err != nil {
			return err
		}
		claim.Outcome = domain.ClaimAcquired
		claim.OwnerTxID = rec.TransactionID
		claim.OwnerStatus = domain.StatusPending
		return nil
	})
	if err != nil {
		return domain.Claim{}, err
	}
	return claim, nil
}

func insertPending(ctx context.Context, tx *sql.Tx, rec domain.AuditRecord, now time.Time) error {
	period := rec.Period
	if period == "" {
		period = domain.PeriodOf(now)
	}
	received := rec.ReceivedAt
	if received.IsZero() {
		received = now
	}
	enrichment, err := encodeEnrichment(rec.Enrichment)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_records (transaction_id, period, fingerprint, sender_address, subject,
			counterparty_id, counterparty_name, enrichment, status, attachment_ref, match_method,
			match_confidence, attempts, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, $11, $12, $13)
		ON CONFLICT (transaction_id) DO NOTHING`,
		rec.TransactionID, period, rec.Fingerprint, rec.SenderAddress, rec.Subject,
		rec.CounterpartyID, rec.CounterpartyName, enrichment, rec.AttachmentRef, string(rec.MatchMethod),
		rec.MatchConfidence, rec.Attempts, received)
	return err
}

// RecordDuplicate stores an audit note for a dropped delivery.
func (r *AuditRepository) RecordDuplicate(ctx context.Context, note domain.DedupNote) error {
	notedAt := note.NotedAt
	if notedAt.IsZero() {
		notedAt = r.now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dedup_notes (fingerprint, transaction_id, owner_transaction_id, owner_status, noted_at)
		VALUES ($1, $2, $3, $4, $5)`,
		note.Fingerprint, note.TransactionID, note.OwnerTxID, note.OwnerStatus, notedAt)
	if err != nil {
		return classify("record duplicate", err)
	}
	return nil
}

// BeginRouting takes the routing lease on a transaction's audit row.
func (r *AuditRepository) BeginRouting(ctx context.Context, rec domain.AuditRecord, ttl time.Duration) (domain.RoutingLease, error) {
	now := r.now().UTC()
	var lease domain.RoutingLease

	err := r.inTx(ctx, "begin routing", func(tx *sql.Tx) error {
		if err := insertPending(ctx, tx, rec, now); err != nil {
			return err
		}
		var (
			routeUntil   sql.NullTime
			routeAttempt int
		)
		cur, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+auditColumns+`, route_until, route_attempt
			FROM audit_records WHERE transaction_id = $1 FOR UPDATE`, rec.TransactionID),
			&routeUntil, &routeAttempt)
		if err != nil {
			return err
		}

		switch {
		case cur.Status.Final():
			lease = domain.RoutingLease{Outcome: domain.LeaseFinal, Record: *cur}
			return nil
		case routeUntil.Valid && routeUntil.Time.After(now) && routeAttempt >= rec.Attempts:
			lease = domain.RoutingLease{Outcome: domain.LeaseBusy, Record: *cur}
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE audit_records SET route_until = $2, route_attempt = $3, attempts = $3
			WHERE transaction_id = $1`,
			rec.TransactionID, now.Add(ttl), rec.Attempts)
		if err != nil {
			return err
		}
		cur.Attempts = rec.Attempts
		lease = domain.RoutingLease{Outcome: domain.LeaseAcquired, Record: *cur}
		return nil
	})
	if err != nil {
		return domain.RoutingLease{}, err
	}
	return lease, nil
}

// RecordForward stores the first downstream ack of txID.
func (r *AuditRepository) RecordForward(ctx context.Context, txID, ackID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE audit_records SET forward_ack_id = $2, forwarded_at = $3
		WHERE transaction_id = $1 AND forward_ack_id IS NULL`,
		txID, ackID, r.now().UTC())
	if err != nil {
		return classify("record forward", err)
	}
	return nil
}

// ReleaseRouting drops the routing lease of txID.
func (r *AuditRepository) ReleaseRouting(ctx context.Context, txID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE audit_records SET route_until = NULL WHERE transaction_id = $1`, txID)
	if err != nil {
		return classify("release routing", err)
	}
	return nil
}

// Finalize moves a pending row to its final status. Empty fields of rec keep
// the values recorded at admission.
func (r *AuditRepository) Finalize(ctx context.Context, rec domain.AuditRecord) (bool, error) {
	now := r.now().UTC()
	var transitioned bool

	err := r.inTx(ctx, "finalize", func(tx *sql.Tx) error {
		if err := insertPending(ctx, tx, rec, now); err != nil {
			return err
		}
		enrichment, err := encodeEnrichment(rec.Enrichment)
		if err != nil {
			return err
		}

		var fingerprint string
		err = tx.QueryRowContext(ctx, `
			UPDATE audit_records SET
				status            = $2,
				period            = COALESCE(NULLIF($3::text, ''), period),
				fingerprint       = COALESCE(NULLIF($4::text, ''), fingerprint),
				sender_address    = COALESCE(NULLIF($5::text, ''), sender_address),
				subject           = COALESCE(NULLIF($6::text, ''), subject),
				attachment_ref    = COALESCE(NULLIF($7::text, ''), attachment_ref),
				counterparty_id   = $8,
				counterparty_name = $9,
				enrichment        = $10,
				error_detail      = $11,
				match_method      = $12,
				match_confidence  = $13,
				attempts          = GREATEST(attempts, $14),
				processed_at      = $15,
				notified_at       = NULL,
				route_until       = NULL,
				forward_ack_id    = COALESCE(forward_ack_id, $16),
				forwarded_at      = COALESCE(forwarded_at, $17)
			WHERE transaction_id = $1 AND status = 'pending'
			RETURNING fingerprint`,
			rec.TransactionID, string(rec.Status), rec.Period, rec.Fingerprint, rec.SenderAddress,
			rec.Subject, rec.AttachmentRef, rec.CounterpartyID, rec.CounterpartyName, enrichment,
			rec.ErrorDetail, string(rec.MatchMethod), rec.MatchConfidence, rec.Attempts, now,
			rec.ForwardAckID, rec.ForwardedAt,
		).Scan(&fingerprint)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		transitioned = true

		_, err = tx.ExecContext(ctx, `
			UPDATE dedup_fingerprints SET status = $3, claim_until = NULL, updated_at = $4
			WHERE fingerprint = $1 AND transaction_id = $2`,
			fingerprint, rec.TransactionID, string(rec.Status), now)
		return err
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

// MarkNotified stamps the time the notify message was enqueued.
func (r *AuditRepository) MarkNotified(ctx context.Context, txID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE audit_records SET notified_at = $2 WHERE transaction_id = $1`, txID, r.now().UTC())
	if err != nil {
		return classify("mark notified", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Reopen moves an error row back to pending so an operator replay can finish
// it. The dedup index follows the row.
func (r *AuditRepository) Reopen(ctx context.Context, txID string) error {
	now := r.now().UTC()
	return r.inTx(ctx, "reopen", func(tx *sql.Tx) error {
		var fingerprint string
		err := tx.QueryRowContext(ctx, `
			UPDATE audit_records
			SET status = 'pending', error_detail = NULL, processed_at = NULL, notified_at = NULL, route_until = NULL
			WHERE transaction_id = $1 AND status = 'error'
			RETURNING fingerprint`, txID).Scan(&fingerprint)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE dedup_fingerprints SET status = 'pending', claim_until = NULL, updated_at = $3
			WHERE fingerprint = $1 AND transaction_id = $2`, fingerprint, txID, now)
		return err
	})
}

func (r *AuditRepository) Get(ctx context.Context, txID string) (*domain.AuditRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_records WHERE transaction_id = $1`, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classify("get audit record", err)
	}
	return rec, nil
}

// Query lists records matching f in transaction id order.
func (r *AuditRepository) Query(ctx context.Context, f domain.AuditFilter) ([]domain.AuditRecord, error) {
	query, args := buildAuditQuery(f)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query audit", err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify("scan audit record", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query audit", err)
	}
	return out, nil
}

func buildAuditQuery(f domain.AuditFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Period != "" {
		add("period = $%d", f.Period)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.CounterpartyID != "" {
		add("counterparty_id = $%d", f.CounterpartyID)
	}
	if f.After != "" {
		add("transaction_id > $%d", f.After)
	}

	var b strings.Builder
	b.WriteString("SELECT " + auditColumns + " FROM audit_records")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY transaction_id")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, extra ...any) (*domain.AuditRecord, error) {
	var (
		rec        domain.AuditRecord
		status     string
		method     string
		enrichment []byte
	)
	dest := []any{
		&rec.TransactionID, &rec.Period, &rec.Fingerprint, &rec.SenderAddress, &rec.Subject,
		&rec.CounterpartyID, &rec.CounterpartyName, &enrichment, &status, &rec.AttachmentRef,
		&rec.ErrorDetail, &method, &rec.MatchConfidence, &rec.Attempts, &rec.ReceivedAt,
		&rec.ProcessedAt, &rec.NotifiedAt, &rec.ForwardAckID, &rec.ForwardedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	rec.Status = domain.AuditStatus(status)
	rec.MatchMethod = domain.MatchMethod(method)
	if len(enrichment) > 0 {
		var e domain.Enrichment
		if err := json.Unmarshal(enrichment, &e); err != nil {
			return nil, fmt.Errorf("decode enrichment of %s: %w", rec.TransactionID, err)
		}
		rec.Enrichment = &e
	}
	return &rec, nil
}

func encodeEnrichment(e *domain.Enrichment) (any, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, domain.WrapPermanent(err)
	}
	// lib/pq sends []byte as bytea, which jsonb rejects.
	return string(data), nil
}

// classify maps driver errors onto the pipeline's error taxonomy: bad input
// and constraint violations are permanent, everything else is retried.
func classify(op string, err error) error {
	if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrPermanent) || errors.Is(err, domain.ErrTransient) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23":
			return domain.WrapPermanent(fmt.Errorf("%s: %w", op, err))
		}
	}
	return domain.WrapTransient(fmt.Errorf("%s: %w", op, err))
}
