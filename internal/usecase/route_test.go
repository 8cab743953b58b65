package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/domain/mocks"
)

func matchedMessage(txID string) domain.EnrichedMessage {
	id, name := "acme.com", "Acme Corp"
	return domain.EnrichedMessage{
		TransactionID:    txID,
		Fingerprint:      "msg:item-" + txID,
		SenderAddress:    "billing@acme.com",
		Subject:          "Invoice",
		CounterpartyID:   &id,
		CounterpartyName: &name,
		Enrichment:       &domain.Enrichment{DepartmentCode: "FIN", LedgerCode: "4000"},
		Match:            domain.MatchResult{Method: domain.MatchExact, Confidence: 1, Identifier: "acme.com"},
		ReceivedAt:       time.Now().UTC(),
	}
}

func newTestRoute(policy UnmatchedPolicy) (*RouteStage, *mocks.MockQueue, *mocks.MockLedger, *mocks.MockForwarder, *mocks.MockAttachmentStore) {
	q := mocks.NewMockQueue()
	l := mocks.NewMockLedger()
	f := &mocks.MockForwarder{}
	st := mocks.NewMockAttachmentStore()
	s := NewRouteStage(q, l, st, f, RouteConfig{LeaseTTL: time.Minute, Policy: policy, HoldingRecipient: "holding", FinalizeAttempts: 1}, nil, testLogger())
	return s, q, l, f, st
}

func TestRouteStage_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("Matched Invoice Forwarded And Finalized", func(t *testing.T) {
		s, q, l, f, _ := newTestRoute(PolicyHold)

		if err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, matchedMessage("tx-1"))); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(f.Sent) != 1 || f.Sent[0].Recipient != "acme.com" || f.Sent[0].Metadata["ledger_code"] != "4000" {
			t.Fatalf("unexpected forward %+v", f.Sent)
		}
		rec, _ := l.Get(ctx, "tx-1")
		if rec.Status != domain.StatusProcessed || rec.NotifiedAt == nil {
			t.Errorf("expected processed and notified, got %+v", rec)
		}
		if len(q.Messages(domain.StreamNotify)) != 1 {
			t.Error("expected one notify message")
		}
	})

	t.Run("Missing Ack Is Transient And Releases Lease", func(t *testing.T) {
		s, _, l, f, _ := newTestRoute(PolicyHold)
		f.Errs = []error{domain.WrapTransient(domain.ErrNoAck)}

		err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, matchedMessage("tx-1")))
		if err == nil || domain.IsPermanent(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
		rec, _ := l.Get(ctx, "tx-1")
		if rec.Status != domain.StatusPending {
			t.Errorf("expected pending, got %s", rec.Status)
		}
		// same attempt number can route again because the lease was released
		if err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, matchedMessage("tx-1"))); err != nil {
			t.Fatalf("expected second attempt to succeed, got %v", err)
		}
	})

	t.Run("Missing Attachment Is Permanent", func(t *testing.T) {
		s, _, _, f, _ := newTestRoute(PolicyHold)
		msg := matchedMessage("tx-1")
		msg.AttachmentRef = "sha256/missing"

		err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, msg))
		if !domain.IsPermanent(err) {
			t.Fatalf("expected permanent error, got %v", err)
		}
		if f.Calls != 0 {
			t.Error("forwarder should not be called")
		}
	})

	t.Run("Busy Lease Drops Delivery", func(t *testing.T) {
		s, _, l, f, _ := newTestRoute(PolicyHold)
		rec := auditFromEnriched(matchedMessage("tx-1"), 1, time.Now())
		if _, err := l.BeginRouting(ctx, rec, time.Minute); err != nil {
			t.Fatal(err)
		}

		if err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, matchedMessage("tx-1"))); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if f.Calls != 0 {
			t.Error("forwarder should not be called while the lease is held")
		}
	})

	t.Run("Final Record Without Notification Is Renotified", func(t *testing.T) {
		s, q, l, f, _ := newTestRoute(PolicyHold)
		rec := auditFromEnriched(matchedMessage("tx-1"), 1, time.Now())
		rec.Status = domain.StatusProcessed
		if _, err := l.Finalize(ctx, rec); err != nil {
			t.Fatal(err)
		}

		if err := s.Handle(ctx, envelopeFor(t, "tx-1", 2, matchedMessage("tx-1"))); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if f.Calls != 0 {
			t.Error("final transaction must not be forwarded again")
		}
		if len(q.Messages(domain.StreamNotify)) != 1 {
			t.Error("expected the notification to be enqueued")
		}
		got, _ := l.Get(ctx, "tx-1")
		if got.NotifiedAt == nil {
			t.Error("expected notified_at to be set")
		}
	})

	t.Run("Notify Enqueue Failure Is Retried Through Final Path", func(t *testing.T) {
		s, q, l, f, _ := newTestRoute(PolicyHold)
		q.EnqueueErr = errors.New("redis down")

		err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, matchedMessage("tx-1")))
		if err == nil {
			t.Fatal("expected an error")
		}
		q.EnqueueErr = nil
		if err := s.Handle(ctx, envelopeFor(t, "tx-1", 2, matchedMessage("tx-1"))); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if f.Calls != 1 {
			t.Errorf("expected a single forward, got %d", f.Calls)
		}
		if len(q.Messages(domain.StreamNotify)) != 1 {
			t.Error("expected the notification to be enqueued on redelivery")
		}
		if rec, _ := l.Get(ctx, "tx-1"); rec.Status != domain.StatusProcessed {
			t.Errorf("expected processed, got %s", rec.Status)
		}
	})
}
