package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/pkg/resilience"
)

const StageRoute = "route"

// UnmatchedPolicy decides what happens to invoices without a counterparty.
type UnmatchedPolicy string

const (
	// PolicyHold forwards unmatched invoices to a holding recipient.
	PolicyHold UnmatchedPolicy = "hold"
	// PolicyWithhold records unmatched invoices without forwarding them.
	PolicyWithhold UnmatchedPolicy = "withhold"
)

// RouteConfig configures the routing stage.
type RouteConfig struct {
	LeaseTTL         time.Duration
	Policy           UnmatchedPolicy
	HoldingRecipient string
	// FinalizeAttempts bounds the in-place retries of the ledger write after
	// a successful forward.
	FinalizeAttempts int
	FinalizeBackoff  resilience.Backoff
}

// RouteStage forwards enriched invoices downstream and records the outcome.
type RouteStage struct {
	queue     domain.QueueRepository
	ledger    domain.AuditLedger
	store     domain.AttachmentStore
	forwarder domain.Forwarder
	cfg       RouteConfig
	outcomes  *outcomeRecorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewRouteStage(queue domain.QueueRepository, ledger domain.AuditLedger, store domain.AttachmentStore, forwarder domain.Forwarder, cfg RouteConfig, m *metrics.Metrics, logger *slog.Logger) *RouteStage {
	if cfg.Policy == "" {
		cfg.Policy = PolicyHold
	}
	if cfg.FinalizeAttempts <= 0 {
		cfg.FinalizeAttempts = 3
	}
	if cfg.FinalizeBackoff.Base <= 0 {
		cfg.FinalizeBackoff = resilience.Backoff{Base: 200 * time.Millisecond, Max: 2 * time.Second}
	}
	logger = logger.With("component", "route_stage")
	return &RouteStage{
		queue:     queue,
		ledger:    ledger,
		store:     store,
		forwarder: forwarder,
		cfg:       cfg,
		outcomes:  &outcomeRecorder{queue: queue, ledger: ledger, now: time.Now, logger: logger},
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *RouteStage) Handle(ctx context.Context, env domain.Envelope) error {
	var msg domain.EnrichedMessage
	if err := env.Decode(&msg); err != nil {
		return fmt.Errorf("decode enriched message: %w", err)
	}
	if msg.TransactionID == "" || msg.TransactionID != env.TransactionID {
		return domain.WrapPermanent(fmt.Errorf("transaction id mismatch: body %q, envelope %q", msg.TransactionID, env.TransactionID))
	}
	log := s.logger.With("transaction_id", msg.TransactionID, "attempt", env.Attempt)

	rec := auditFromEnriched(msg, env.Attempt, s.now())
	lease, err := s.ledger.BeginRouting(ctx, rec, s.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("begin routing: %w", err)
	}
	switch lease.Outcome {
	case domain.LeaseFinal:
		return s.resumeNotification(ctx, log, lease.Record, msg)
	case domain.LeaseBusy:
		log.Info("transaction being routed elsewhere, delivery dropped")
		return nil
	}

	forward := msg.Matched() || s.cfg.Policy == PolicyHold
	switch {
	case !forward:
	case lease.Record.ForwardAckID != nil:
		// an earlier attempt was acknowledged but did not finalize
		log.Info("forward already acknowledged, not sending again", "ack_id", *lease.Record.ForwardAckID)
		s.metrics.Forward("already_acked")
	default:
		ack, err := s.forward(ctx, msg)
		if err != nil {
			if relErr := s.ledger.ReleaseRouting(ctx, msg.TransactionID); relErr != nil {
				log.Warn("failed to release routing lease", "error", relErr)
			}
			return err
		}
		log.Info("forward acknowledged", "ack_id", ack.AckID)
		s.recordForward(ctx, log, &rec, ack)
	}

	if msg.Matched() {
		rec.Status = domain.StatusProcessed
	} else {
		rec.Status = domain.StatusUnmatched
	}
	var transitioned bool
	err = resilience.Retry(ctx, log, "finalize audit record", s.cfg.FinalizeAttempts, s.cfg.FinalizeBackoff, func(err error) bool {
		return !domain.IsPermanent(err)
	}, func(ctx context.Context) error {
		var ferr error
		transitioned, ferr = s.ledger.Finalize(ctx, rec)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("finalize audit record: %w", err)
	}
	if !transitioned {
		log.Info("transaction finalized by another delivery")
		return nil
	}
	if err := s.outcomes.notify(ctx, s.notification(rec, msg)); err != nil {
		// the redelivery finds the record final and re-enqueues
		return domain.WrapTransient(err)
	}
	return nil
}

// recordForward persists the ack before finalizing. When that write fails
// the ack still travels with the Finalize call.
func (s *RouteStage) recordForward(ctx context.Context, log *slog.Logger, rec *domain.AuditRecord, ack domain.ForwardAck) {
	ackID, at := ack.AckID, s.now()
	rec.ForwardAckID, rec.ForwardedAt = &ackID, &at
	err := resilience.Retry(ctx, log, "record forward ack", s.cfg.FinalizeAttempts, s.cfg.FinalizeBackoff, func(err error) bool {
		return !domain.IsPermanent(err)
	}, func(ctx context.Context) error {
		return s.ledger.RecordForward(ctx, rec.TransactionID, ackID)
	})
	if err != nil {
		log.Warn("failed to record forward ack", "ack_id", ackID, "error", err)
	}
}

// resumeNotification handles a redelivery of a finished transaction: the
// notification is enqueued again only if it never was.
func (s *RouteStage) resumeNotification(ctx context.Context, log *slog.Logger, rec domain.AuditRecord, msg domain.EnrichedMessage) error {
	if rec.NotifiedAt != nil {
		log.Info("transaction already final and notified, delivery dropped", "status", rec.Status)
		return nil
	}
	var n domain.NotifyMessage
	switch rec.Status {
	case domain.StatusError:
		n = errorNotification(rec, StageRoute, errors.New(deref(rec.ErrorDetail)), s.now())
	default:
		n = s.notification(rec, msg)
	}
	log.Info("re-enqueueing notification for final transaction", "status", rec.Status)
	if err := s.outcomes.notify(ctx, n); err != nil {
		return domain.WrapTransient(err)
	}
	return nil
}

func (s *RouteStage) notification(rec domain.AuditRecord, msg domain.EnrichedMessage) domain.NotifyMessage {
	if rec.Status == domain.StatusProcessed {
		return successNotification(rec, s.now())
	}
	return unmatchedNotification(rec, msg.Match.Identifier, msg.Match.Candidate, s.cfg.Policy, s.now())
}

func (s *RouteStage) forward(ctx context.Context, msg domain.EnrichedMessage) (domain.ForwardAck, error) {
	req := domain.ForwardRequest{
		TransactionID:  msg.TransactionID,
		AttachmentRef:  msg.AttachmentRef,
		AttachmentName: msg.AttachmentName,
		Metadata: map[string]string{
			"transaction_id": msg.TransactionID,
			"sender":         msg.SenderAddress,
			"subject":        msg.Subject,
			"match_method":   string(msg.Match.Method),
			"confidence":     strconv.FormatFloat(msg.Match.Confidence, 'f', 2, 64),
		},
	}
	if msg.Matched() {
		req.Recipient = *msg.CounterpartyID
		req.Metadata["counterparty_id"] = *msg.CounterpartyID
		req.Metadata["counterparty_name"] = deref(msg.CounterpartyName)
		if e := msg.Enrichment; e != nil {
			if e.BillingEntity != "" {
				req.Recipient = e.BillingEntity
			}
			req.Metadata["department_code"] = e.DepartmentCode
			req.Metadata["allocation_schedule"] = e.AllocationSchedule
			req.Metadata["ledger_code"] = e.LedgerCode
			req.Metadata["billing_entity"] = e.BillingEntity
		}
	} else {
		req.Recipient = s.cfg.HoldingRecipient
		req.Metadata["unmatched_reason"] = msg.UnmatchedReason
	}

	if msg.AttachmentRef != "" {
		data, err := s.store.Get(ctx, msg.AttachmentRef)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ForwardAck{}, domain.WrapPermanent(fmt.Errorf("attachment %s: %w", msg.AttachmentRef, err))
			}
			return domain.ForwardAck{}, domain.WrapTransient(fmt.Errorf("load attachment: %w", err))
		}
		req.Attachment = data
	}

	ack, err := s.forwarder.Send(ctx, req)
	if err != nil {
		s.metrics.Forward("failed")
		return domain.ForwardAck{}, fmt.Errorf("forward: %w", err)
	}
	if ack.AckID == "" {
		s.metrics.Forward("no_ack")
		return domain.ForwardAck{}, domain.WrapTransient(domain.ErrNoAck)
	}
	s.metrics.Forward("acked")
	return ack, nil
}

func (s *RouteStage) OnPoison(ctx context.Context, env domain.Envelope, cause error) {
	rec := domain.AuditRecord{TransactionID: env.TransactionID, Attempts: env.Attempt}
	var msg domain.EnrichedMessage
	if err := env.Decode(&msg); err == nil && msg.TransactionID == env.TransactionID {
		rec = auditFromEnriched(msg, env.Attempt, s.now())
	}
	if rec.TransactionID == "" {
		s.logger.Error("poisoned entry carries no transaction id, nothing to record", "entry_id", env.ID, "error", cause)
		return
	}
	s.outcomes.fail(ctx, StageRoute, rec, cause)
}

func auditFromEnriched(msg domain.EnrichedMessage, attempt int, now time.Time) domain.AuditRecord {
	return domain.AuditRecord{
		TransactionID:    msg.TransactionID,
		Period:           domain.PeriodOf(now),
		Fingerprint:      msg.Fingerprint,
		SenderAddress:    msg.SenderAddress,
		Subject:          msg.Subject,
		CounterpartyID:   msg.CounterpartyID,
		CounterpartyName: msg.CounterpartyName,
		Enrichment:       msg.Enrichment,
		Status:           domain.StatusPending,
		AttachmentRef:    msg.AttachmentRef,
		MatchMethod:      msg.Match.Method,
		MatchConfidence:  msg.Match.Confidence,
		Attempts:         attempt,
		ReceivedAt:       msg.ReceivedAt,
	}
}
