//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/V4T54L/invoice-router/internal/adapter/repository/postgres"
	"github.com/V4T54L/invoice-router/internal/domain"
)

func pendingRecord(txID, fingerprint string) domain.AuditRecord {
	return domain.AuditRecord{
		TransactionID: txID,
		Fingerprint:   fingerprint,
		SenderAddress: "ap@unknownco.com",
		Subject:       "Invoice",
		Status:        domain.StatusPending,
		Attempts:      1,
		ReceivedAt:    time.Now().UTC(),
	}
}

func TestLedger_RedeliveredUnmatchedDoesNotBlockFingerprint(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	ledger := postgres.NewAuditRepository(s.db, testLogger())

	first := pendingRecord("tx-1", "msg:item-x")
	if claim, err := ledger.ClaimFingerprint(ctx, first, time.Minute); err != nil || claim.Outcome != domain.ClaimAcquired {
		t.Fatalf("expected claim acquired, got %+v, %v", claim, err)
	}
	first.Status = domain.StatusUnmatched
	if ok, err := ledger.Finalize(ctx, first); err != nil || !ok {
		t.Fatalf("finalize: %v, %v", ok, err)
	}

	claim, err := ledger.ClaimFingerprint(ctx, pendingRecord("tx-1", "msg:item-x"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if claim.Outcome != domain.ClaimFinished || claim.OwnerStatus != domain.StatusUnmatched {
		t.Fatalf("expected finished unmatched owner, got %+v", claim)
	}

	claim, err = ledger.ClaimFingerprint(ctx, pendingRecord("tx-2", "msg:item-x"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if claim.Outcome != domain.ClaimAcquired || !claim.Reprocessing {
		t.Fatalf("expected tx-2 to reprocess the fingerprint, got %+v", claim)
	}
}

func TestLedger_ForwardAckSurvivesFailedFinalize(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	ledger := postgres.NewAuditRepository(s.db, testLogger())

	rec := pendingRecord("tx-f", "msg:item-f")
	if _, err := ledger.ClaimFingerprint(ctx, rec, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.BeginRouting(ctx, rec, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := ledger.RecordForward(ctx, "tx-f", "ack-1"); err != nil {
		t.Fatal(err)
	}
	if err := ledger.RecordForward(ctx, "tx-f", "ack-2"); err != nil {
		t.Fatal(err)
	}

	// a later attempt takes over the lease and finds the ack
	rec.Attempts = 2
	lease, err := ledger.BeginRouting(ctx, rec, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if lease.Outcome != domain.LeaseAcquired || lease.Record.ForwardAckID == nil || *lease.Record.ForwardAckID != "ack-1" {
		t.Fatalf("expected lease with first ack, got %+v", lease)
	}

	rec.Status = domain.StatusProcessed
	if ok, err := ledger.Finalize(ctx, rec); err != nil || !ok {
		t.Fatalf("finalize: %v, %v", ok, err)
	}
	got, err := ledger.Get(ctx, "tx-f")
	if err != nil {
		t.Fatal(err)
	}
	if got.ForwardAckID == nil || *got.ForwardAckID != "ack-1" || got.ForwardedAt == nil {
		t.Errorf("expected ack kept after finalize, got %+v", got)
	}
}
