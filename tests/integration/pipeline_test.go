//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/invoice-router/internal/adapter/pii"
	"github.com/V4T54L/invoice-router/internal/adapter/repository/blob"
	"github.com/V4T54L/invoice-router/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/invoice-router/internal/adapter/repository/redis"
	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/domain/mocks"
	"github.com/V4T54L/invoice-router/internal/matcher"
	"github.com/V4T54L/invoice-router/internal/usecase"
)

func TestPipeline_RoutesOnceAndDropsRedelivery(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	logger := testLogger()

	queue := redisrepo.NewQueueRepository(s.redis, redisrepo.QueueConfig{Lease: time.Minute, Block: 50 * time.Millisecond}, nil, nil, logger)
	ledger := postgres.NewAuditRepository(s.db, logger)
	directory := postgres.NewDirectoryRepository(s.db, 0, nil, logger)
	store, err := blob.NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	forwarder := &mocks.MockForwarder{}
	notifier := &mocks.MockNotifier{}

	if _, err := usecase.NewDirectoryUseCase(directory, logger).Import(ctx, []domain.CounterpartyRecord{{
		Identifier:  "KnownVendor.com",
		DisplayName: "Known Vendor Ltd",
		Active:      true,
		Enrichment:  domain.Enrichment{DepartmentCode: "OPS", LedgerCode: "6100", BillingEntity: "known-vendor-ap"},
	}}); err != nil {
		t.Fatal(err)
	}

	engine, err := matcher.New(matcher.DefaultThreshold, matcher.DefaultMargin)
	if err != nil {
		t.Fatal(err)
	}
	handlers := map[string]usecase.StageHandler{
		usecase.StageExtract: usecase.NewExtractStage(queue, ledger, directory, engine, time.Minute, nil, logger),
		usecase.StageRoute: usecase.NewRouteStage(queue, ledger, store, forwarder, usecase.RouteConfig{
			LeaseTTL: time.Minute, Policy: usecase.PolicyHold, HoldingRecipient: "ap-holding",
		}, nil, logger),
		usecase.StageNotify: usecase.NewNotifyStage(notifier, redisrepo.NewNotifyGuard(s.redis, time.Hour),
			pii.NewRedactor([]string{usecase.FieldSender}, logger), redisrepo.NewOutcomeChannel(s.redis, logger), nil, logger),
	}
	var runners []*usecase.StageRunner
	for _, stage := range []string{usecase.StageExtract, usecase.StageRoute, usecase.StageNotify} {
		q := usecase.StageQueues[stage]
		runners = append(runners, usecase.NewStageRunner(queue, handlers[stage], usecase.StageConfig{
			Name: stage, Stream: q.Stream, Group: q.Group, Consumer: "it", MaxAttempts: 3,
		}, nil, logger))
	}
	drain := func() {
		t.Helper()
		for i := 0; i < 20; i++ {
			total := 0
			for _, r := range runners {
				n, err := r.ProcessBatch(ctx)
				if err != nil {
					t.Fatalf("process batch: %v", err)
				}
				total += n
			}
			if total == 0 {
				return
			}
		}
		t.Fatal("pipeline did not drain")
	}

	ref, err := store.Put(ctx, []byte("%PDF-1.7 integration"))
	if err != nil {
		t.Fatal(err)
	}
	admit := func() string {
		t.Helper()
		txID := uuid.Must(uuid.NewV7()).String()
		raw := domain.RawMessage{
			TransactionID:     txID,
			SourceItemID:      "item-1",
			InternetMessageID: "<item-1@knownvendor.com>",
			SenderAddress:     "billing@knownvendor.com",
			SenderName:        "Known Vendor",
			Subject:           "Invoice 2024-001",
			AttachmentRef:     ref,
			AttachmentName:    "invoice.pdf",
			ReceivedAt:        time.Now().UTC(),
		}
		if err := queue.Enqueue(ctx, domain.StreamRaw, txID, raw); err != nil {
			t.Fatal(err)
		}
		return txID
	}

	first := admit()
	drain()

	rec, err := ledger.Get(ctx, first)
	if err != nil {
		t.Fatalf("expected audit record: %v", err)
	}
	if rec.Status != domain.StatusProcessed || rec.NotifiedAt == nil {
		t.Fatalf("expected processed and notified record, got %+v", rec)
	}
	if rec.Enrichment == nil || rec.Enrichment.LedgerCode != "6100" {
		t.Errorf("expected enrichment to round-trip, got %+v", rec.Enrichment)
	}
	if sent := forwarder.SentFor(first); len(sent) != 1 || sent[0].Recipient != "known-vendor-ap" {
		t.Fatalf("expected one forward to known-vendor-ap, got %+v", sent)
	}

	// The same mailbox item delivered again under a new transaction is dropped.
	second := admit()
	drain()

	if len(forwarder.Sent) != 1 {
		t.Errorf("expected redelivery to be dropped, got %d forwards", len(forwarder.Sent))
	}
	if _, err := ledger.Get(ctx, second); err == nil {
		t.Error("a dropped duplicate should not get its own audit record")
	}
	if len(notifier.Posted) != 1 {
		t.Errorf("expected one notification, got %d", len(notifier.Posted))
	}

	records, err := ledger.Query(ctx, domain.AuditFilter{Period: domain.PeriodOf(time.Now()), Status: domain.StatusProcessed, Limit: 10})
	if err != nil || len(records) != 1 {
		t.Errorf("expected one processed record in period, got %d, %v", len(records), err)
	}
}
