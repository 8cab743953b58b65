package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/domain/mocks"
	"github.com/V4T54L/invoice-router/internal/matcher"
)

func envelopeFor(t *testing.T, txID string, attempt int, body any) domain.Envelope {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return domain.Envelope{ID: "1-0", TransactionID: txID, Attempt: attempt, Body: raw}
}

func newTestExtract(t *testing.T) (*ExtractStage, *mocks.MockQueue, *mocks.MockLedger, *mocks.MockDirectory) {
	t.Helper()
	q := mocks.NewMockQueue()
	l := mocks.NewMockLedger()
	d := mocks.NewMockDirectory(domain.CounterpartyRecord{Identifier: "acme.com", DisplayName: "Acme Corp", Active: true})
	engine, err := matcher.New(matcher.DefaultThreshold, matcher.DefaultMargin)
	if err != nil {
		t.Fatal(err)
	}
	return NewExtractStage(q, l, d, engine, time.Minute, nil, testLogger()), q, l, d
}

func TestExtractStage_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("Malformed Sender Becomes Unmatched", func(t *testing.T) {
		s, q, l, _ := newTestExtract(t)
		raw := rawMessage("tx-1", "item-1", "not an address")

		if err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, raw)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		msgs := q.Messages(domain.StreamEnriched)
		if len(msgs) != 1 {
			t.Fatalf("expected 1 enriched message, got %d", len(msgs))
		}
		var m domain.EnrichedMessage
		_ = json.Unmarshal(msgs[0].Body, &m)
		if m.Matched() || m.UnmatchedReason != UnmatchedMalformedSender {
			t.Errorf("expected malformed sender reason, got %+v", m)
		}
		if rec, _ := l.Get(ctx, "tx-1"); rec == nil || rec.Status != domain.StatusPending {
			t.Errorf("expected pending audit row, got %+v", rec)
		}
	})

	t.Run("Schema Violation Is Permanent", func(t *testing.T) {
		s, _, _, _ := newTestExtract(t)
		env := domain.Envelope{TransactionID: "tx-1", Attempt: 1, Body: []byte(`{"transaction_id": 12}`)}

		err := s.Handle(ctx, env)

		if !domain.IsPermanent(err) {
			t.Fatalf("expected permanent error, got %v", err)
		}
	})

	t.Run("Transaction Mismatch Is Permanent", func(t *testing.T) {
		s, _, _, _ := newTestExtract(t)
		err := s.Handle(ctx, envelopeFor(t, "tx-other", 1, rawMessage("tx-1", "item-1", "a@acme.com")))
		if !domain.IsPermanent(err) {
			t.Fatalf("expected permanent error, got %v", err)
		}
	})

	t.Run("Directory Unavailable Is Transient", func(t *testing.T) {
		s, q, _, d := newTestExtract(t)
		d.Err = errors.New("connection refused")

		err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, rawMessage("tx-1", "item-1", "a@acme.com")))

		if err == nil || domain.IsPermanent(err) || !errors.Is(err, domain.ErrTransient) {
			t.Fatalf("expected transient error, got %v", err)
		}
		if len(q.Messages(domain.StreamEnriched)) != 0 {
			t.Error("nothing should be enqueued")
		}
	})

	t.Run("Retry Of Own Transaction Takes Over Claim", func(t *testing.T) {
		s, q, _, d := newTestExtract(t)
		raw := rawMessage("tx-1", "item-1", "a@acme.com")
		d.Err = errors.New("connection refused")
		_ = s.Handle(ctx, envelopeFor(t, "tx-1", 1, raw))
		d.Err = nil

		if err := s.Handle(ctx, envelopeFor(t, "tx-1", 2, raw)); err != nil {
			t.Fatalf("expected retry to proceed, got %v", err)
		}
		if len(q.Messages(domain.StreamEnriched)) != 1 {
			t.Error("expected the retry to enqueue the enriched message")
		}
	})

	t.Run("In Flight Delivery Leaves Dedup Note", func(t *testing.T) {
		s, q, l, _ := newTestExtract(t)
		if err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, rawMessage("tx-1", "item-1", "a@acme.com"))); err != nil {
			t.Fatal(err)
		}

		if err := s.Handle(ctx, envelopeFor(t, "tx-2", 1, rawMessage("tx-2", "item-1", "a@acme.com"))); err != nil {
			t.Fatalf("expected drop without error, got %v", err)
		}
		if got := len(q.Messages(domain.StreamEnriched)); got != 1 {
			t.Errorf("expected only the owner enqueued, got %d", got)
		}
		if len(l.Notes) != 1 {
			t.Fatalf("expected 1 dedup note, got %+v", l.Notes)
		}
		note := l.Notes[0]
		if note.TransactionID != "tx-2" || note.OwnerTxID != "tx-1" || note.OwnerStatus != string(domain.StatusPending) {
			t.Errorf("unexpected note %+v", note)
		}
	})

	t.Run("Redelivery Of Finished Unmatched Keeps Fingerprint Open", func(t *testing.T) {
		s, q, l, _ := newTestExtract(t)
		raw := rawMessage("tx-1", "item-1", "a@unknown.example")
		if err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, raw)); err != nil {
			t.Fatal(err)
		}
		if _, err := l.Finalize(ctx, domain.AuditRecord{TransactionID: "tx-1", Status: domain.StatusUnmatched}); err != nil {
			t.Fatal(err)
		}

		if err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, raw)); err != nil {
			t.Fatalf("expected redelivery to be dropped quietly, got %v", err)
		}
		if got := len(q.Messages(domain.StreamEnriched)); got != 1 {
			t.Fatalf("redelivery must not enqueue again, got %d", got)
		}

		if err := s.Handle(ctx, envelopeFor(t, "tx-2", 1, rawMessage("tx-2", "item-1", "a@unknown.example"))); err != nil {
			t.Fatal(err)
		}
		if got := len(q.Messages(domain.StreamEnriched)); got != 2 {
			t.Errorf("expected a new transaction to reprocess the fingerprint, got %d enriched", got)
		}
		if len(l.Notes) != 0 {
			t.Errorf("expected no dedup notes, got %+v", l.Notes)
		}
		if rec, _ := l.Get(ctx, "tx-1"); rec == nil || rec.Status != domain.StatusUnmatched {
			t.Errorf("expected tx-1 to stay unmatched, got %+v", rec)
		}
	})

	t.Run("Poison Records Error Once", func(t *testing.T) {
		s, q, l, _ := newTestExtract(t)
		env := envelopeFor(t, "tx-1", 3, rawMessage("tx-1", "item-1", "a@acme.com"))

		s.OnPoison(ctx, env, errors.New("boom"))
		s.OnPoison(ctx, env, errors.New("boom"))

		rec, err := l.Get(ctx, "tx-1")
		if err != nil || rec.Status != domain.StatusError {
			t.Fatalf("expected error record, got %+v, %v", rec, err)
		}
		if got := len(q.Messages(domain.StreamNotify)); got != 1 {
			t.Errorf("expected 1 error notification, got %d", got)
		}
	})
}
