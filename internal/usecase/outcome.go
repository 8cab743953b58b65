package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/V4T54L/invoice-router/internal/domain"
)

// Detail keys of NotifyMessage, fixed per outcome kind.
const (
	FieldCounterparty       = "counterparty"
	FieldDepartmentCode     = "department_code"
	FieldAllocationSchedule = "allocation_schedule"
	FieldLedgerCode         = "ledger_code"
	FieldBillingEntity      = "billing_entity"
	FieldMatchMethod        = "match_method"
	FieldConfidence         = "confidence"
	FieldAttachment         = "attachment"
	FieldSender             = "sender"
	FieldSubject            = "subject"
	FieldIdentifier         = "identifier"
	FieldBestCandidate      = "best_candidate"
	FieldPolicy             = "policy"
	FieldStage              = "stage"
	FieldError              = "error"
	FieldAttempts           = "attempts"
)

// OutcomeFields lists the detail fields rendered for each kind, in order.
var OutcomeFields = map[domain.OutcomeKind][]string{
	domain.OutcomeSuccess: {
		FieldCounterparty, FieldDepartmentCode, FieldAllocationSchedule, FieldLedgerCode,
		FieldBillingEntity, FieldMatchMethod, FieldConfidence, FieldAttachment,
	},
	domain.OutcomeUnmatched: {FieldSender, FieldSubject, FieldIdentifier, FieldBestCandidate, FieldPolicy},
	domain.OutcomeError:     {FieldStage, FieldError, FieldAttempts, FieldSender},
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func successNotification(rec domain.AuditRecord, now time.Time) domain.NotifyMessage {
	var e domain.Enrichment
	if rec.Enrichment != nil {
		e = *rec.Enrichment
	}
	name := deref(rec.CounterpartyName)
	if name == "" {
		name = deref(rec.CounterpartyID)
	}
	return domain.NotifyMessage{
		TransactionID: rec.TransactionID,
		Kind:          domain.OutcomeSuccess,
		Summary:       fmt.Sprintf("Invoice routed to %s", name),
		Detail: map[string]string{
			FieldCounterparty:       name,
			FieldDepartmentCode:     e.DepartmentCode,
			FieldAllocationSchedule: e.AllocationSchedule,
			FieldLedgerCode:         e.LedgerCode,
			FieldBillingEntity:      e.BillingEntity,
			FieldMatchMethod:        string(rec.MatchMethod),
			FieldConfidence:         strconv.FormatFloat(rec.MatchConfidence, 'f', 2, 64),
			FieldAttachment:         rec.AttachmentRef,
		},
		CreatedAt: now,
	}
}

func unmatchedNotification(rec domain.AuditRecord, identifier, candidate string, policy UnmatchedPolicy, now time.Time) domain.NotifyMessage {
	return domain.NotifyMessage{
		TransactionID: rec.TransactionID,
		Kind:          domain.OutcomeUnmatched,
		Summary:       "Invoice sender did not match a known counterparty",
		Detail: map[string]string{
			FieldSender:        rec.SenderAddress,
			FieldSubject:       rec.Subject,
			FieldIdentifier:    identifier,
			FieldBestCandidate: candidate,
			FieldPolicy:        string(policy),
		},
		CreatedAt: now,
	}
}

func errorNotification(rec domain.AuditRecord, stage string, cause error, now time.Time) domain.NotifyMessage {
	return domain.NotifyMessage{
		TransactionID: rec.TransactionID,
		Kind:          domain.OutcomeError,
		Summary:       fmt.Sprintf("Invoice processing failed in %s", stage),
		Detail: map[string]string{
			FieldStage:    stage,
			FieldError:    cause.Error(),
			FieldAttempts: strconv.Itoa(rec.Attempts),
			FieldSender:   rec.SenderAddress,
		},
		CreatedAt: now,
	}
}

// outcomeRecorder writes terminal outcomes to the ledger and enqueues the
// matching notification.
type outcomeRecorder struct {
	queue  domain.QueueRepository
	ledger domain.AuditLedger
	now    func() time.Time
	logger *slog.Logger
}

// notify enqueues msg and marks the transaction notified.
func (o *outcomeRecorder) notify(ctx context.Context, msg domain.NotifyMessage) error {
	if err := o.queue.Enqueue(ctx, domain.StreamNotify, msg.TransactionID, msg); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	if err := o.ledger.MarkNotified(ctx, msg.TransactionID); err != nil {
		// the notify guard absorbs a repeat enqueue
		o.logger.Warn("failed to mark transaction notified", "transaction_id", msg.TransactionID, "error", err)
	}
	return nil
}

// fail finalizes rec as error. Only the call that performed the transition
// enqueues the error notification, so repeated poisoning of the same
// transaction notifies once.
func (o *outcomeRecorder) fail(ctx context.Context, stage string, rec domain.AuditRecord, cause error) {
	log := o.logger.With("transaction_id", rec.TransactionID, "stage", stage)
	detail := fmt.Sprintf("%s: %v", stage, cause)
	rec.Status = domain.StatusError
	rec.ErrorDetail = &detail
	if rec.Period == "" {
		rec.Period = domain.PeriodOf(o.now())
	}

	transitioned, err := o.ledger.Finalize(ctx, rec)
	if err != nil {
		log.Error("failed to record error outcome, poison entry keeps the message", "error", err)
		return
	}
	if !transitioned {
		log.Info("transaction already final, error notification not repeated")
		return
	}
	if err := o.notify(ctx, errorNotification(rec, stage, cause, o.now())); err != nil {
		log.Error("failed to enqueue error notification", "error", err)
	}
}
