package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/matcher"
)

const StageExtract = "extract"

// Unmatched reasons recorded on enriched messages.
const (
	UnmatchedMalformedSender = "malformed sender identity"
	UnmatchedNoCounterparty  = "no counterparty matched"
)

// ExtractStage deduplicates raw messages, resolves the sender to a
// counterparty and hands the result to routing.
type ExtractStage struct {
	queue     domain.QueueRepository
	ledger    domain.AuditLedger
	directory domain.DirectoryRepository
	engine    *matcher.Engine
	claimTTL  time.Duration
	outcomes  *outcomeRecorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewExtractStage creates the stage. claimTTL bounds how long a fingerprint
// claim survives a crashed worker and must stay below the queue lease.
func NewExtractStage(queue domain.QueueRepository, ledger domain.AuditLedger, directory domain.DirectoryRepository, engine *matcher.Engine, claimTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *ExtractStage {
	logger = logger.With("component", "extract_stage")
	return &ExtractStage{
		queue:     queue,
		ledger:    ledger,
		directory: directory,
		engine:    engine,
		claimTTL:  claimTTL,
		outcomes:  &outcomeRecorder{queue: queue, ledger: ledger, now: time.Now, logger: logger},
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

func validateRaw(raw domain.RawMessage, env domain.Envelope) error {
	if raw.TransactionID == "" {
		return domain.WrapPermanent(errors.New("raw message without transaction id"))
	}
	if raw.TransactionID != env.TransactionID {
		return domain.WrapPermanent(fmt.Errorf("transaction id mismatch: body %s, envelope %s", raw.TransactionID, env.TransactionID))
	}
	if raw.ReceivedAt.IsZero() {
		return domain.WrapPermanent(errors.New("raw message without received timestamp"))
	}
	return nil
}

// noteDropped leaves an audit trail for a delivery that gets no audit row.
func (s *ExtractStage) noteDropped(ctx context.Context, log *slog.Logger, rec domain.AuditRecord, claim domain.Claim) {
	note := domain.DedupNote{
		Fingerprint:   rec.Fingerprint,
		TransactionID: rec.TransactionID,
		OwnerTxID:     claim.OwnerTxID,
		OwnerStatus:   string(claim.OwnerStatus),
		NotedAt:       s.now(),
	}
	if err := s.ledger.RecordDuplicate(ctx, note); err != nil {
		log.Warn("failed to record dedup note", "error", err)
	}
}

func (s *ExtractStage) Handle(ctx context.Context, env domain.Envelope) error {
	var raw domain.RawMessage
	if err := env.Decode(&raw); err != nil {
		return fmt.Errorf("decode raw message: %w", err)
	}
	if err := validateRaw(raw, env); err != nil {
		return err
	}
	log := s.logger.With("transaction_id", raw.TransactionID, "attempt", env.Attempt)

	rec := auditFromRaw(raw, env.Attempt, s.now())
	claim, err := s.ledger.ClaimFingerprint(ctx, rec, s.claimTTL)
	if err != nil {
		return fmt.Errorf("claim fingerprint: %w", err)
	}
	switch claim.Outcome {
	case domain.ClaimDuplicate:
		log.Info("duplicate delivery dropped", "fingerprint", rec.Fingerprint, "owner_transaction_id", claim.OwnerTxID, "owner_status", claim.OwnerStatus)
		s.metrics.Duplicate()
		s.noteDropped(ctx, log, rec, claim)
		return nil
	case domain.ClaimInFlight:
		log.Info("fingerprint in flight elsewhere, delivery dropped", "fingerprint", rec.Fingerprint, "owner_transaction_id", claim.OwnerTxID)
		s.noteDropped(ctx, log, rec, claim)
		return nil
	case domain.ClaimFinished:
		// the audit row of this transaction already holds its outcome
		log.Info("redelivery of finished transaction dropped", "fingerprint", rec.Fingerprint, "status", claim.OwnerStatus)
		return nil
	}
	if claim.Reprocessing {
		log.Info("reprocessing fingerprint", "fingerprint", rec.Fingerprint)
	}

	id := matcher.ExtractIdentifier(raw.SenderAddress, raw.SenderName)
	snap, err := s.directory.Snapshot(ctx)
	if err != nil {
		return domain.WrapTransient(fmt.Errorf("load directory snapshot: %w", err))
	}
	result := s.engine.Match(id, snap)
	s.metrics.Match(string(result.Method))

	msg := domain.EnrichedMessage{
		TransactionID:  raw.TransactionID,
		Fingerprint:    rec.Fingerprint,
		SenderAddress:  raw.SenderAddress,
		Subject:        raw.Subject,
		AttachmentRef:  raw.AttachmentRef,
		AttachmentName: raw.AttachmentName,
		Match:          result,
		ReceivedAt:     raw.ReceivedAt,
	}
	if result.Matched() {
		cp := result.Counterparty
		idCopy, name, enr := cp.Identifier, cp.DisplayName, cp.Enrichment
		msg.CounterpartyID = &idCopy
		msg.CounterpartyName = &name
		msg.Enrichment = &enr
	} else if id.Empty() {
		msg.UnmatchedReason = UnmatchedMalformedSender
	} else {
		msg.UnmatchedReason = UnmatchedNoCounterparty
		if result.Reason != "" {
			msg.UnmatchedReason += " (" + strings.ReplaceAll(result.Reason, "_", " ") + ")"
		}
	}

	if err := s.queue.Enqueue(ctx, domain.StreamEnriched, raw.TransactionID, msg); err != nil {
		return domain.WrapTransient(fmt.Errorf("enqueue enriched message: %w", err))
	}
	log.Info("message enriched", "method", result.Method, "confidence", result.Confidence, "identifier", result.Identifier)
	return nil
}

func (s *ExtractStage) OnPoison(ctx context.Context, env domain.Envelope, cause error) {
	rec := domain.AuditRecord{TransactionID: env.TransactionID, Attempts: env.Attempt}
	var raw domain.RawMessage
	if err := env.Decode(&raw); err == nil && raw.TransactionID == env.TransactionID {
		rec = auditFromRaw(raw, env.Attempt, s.now())
	}
	if rec.TransactionID == "" {
		s.logger.Error("poisoned entry carries no transaction id, nothing to record", "entry_id", env.ID, "error", cause)
		return
	}
	s.outcomes.fail(ctx, StageExtract, rec, cause)
}

func auditFromRaw(raw domain.RawMessage, attempt int, now time.Time) domain.AuditRecord {
	return domain.AuditRecord{
		TransactionID: raw.TransactionID,
		Period:        domain.PeriodOf(now),
		Fingerprint:   domain.Fingerprint(raw),
		SenderAddress: raw.SenderAddress,
		Subject:       raw.Subject,
		AttachmentRef: raw.AttachmentRef,
		Status:        domain.StatusPending,
		MatchMethod:   domain.MatchNone,
		Attempts:      attempt,
		ReceivedAt:    raw.ReceivedAt,
	}
}
