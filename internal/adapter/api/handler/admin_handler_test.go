package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/domain/mocks"
	"github.com/V4T54L/invoice-router/internal/usecase"
)

func newAdminMux(t *testing.T, checks map[string]HealthCheck) (*http.ServeMux, *mocks.MockLedger, *mocks.MockQueue) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := mocks.NewMockLedger()
	queue := mocks.NewMockQueue()
	h := NewAdminHandler(usecase.NewAdminUseCase(ledger, queue, queue, logger), checks, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /admin/audit", h.ListAudit)
	mux.HandleFunc("GET /admin/audit/{txID}", h.GetAudit)
	mux.HandleFunc("GET /admin/queues/{stage}", h.GetQueue)
	mux.HandleFunc("GET /admin/poison/{stage}", h.ListPoison)
	mux.HandleFunc("POST /admin/poison/{stage}/{id}/replay", h.ReplayPoison)
	return mux, ledger, queue
}

func serve(mux http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestAdminHandler_HealthCheck(t *testing.T) {
	t.Run("All Checks Pass", func(t *testing.T) {
		mux, _, _ := newAdminMux(t, map[string]HealthCheck{
			"redis": func(context.Context) error { return nil },
		})
		rr := serve(mux, http.MethodGet, "/health")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Failing Check Degrades", func(t *testing.T) {
		mux, _, _ := newAdminMux(t, map[string]HealthCheck{
			"redis":    func(context.Context) error { return nil },
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		})
		rr := serve(mux, http.MethodGet, "/health")
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body["status"] != "degraded" || body["postgres"] != "connection refused" || body["redis"] != "ok" {
			t.Errorf("unexpected body %v", body)
		}
	})
}

func TestAdminHandler_Audit(t *testing.T) {
	mux, ledger, _ := newAdminMux(t, nil)
	ctx := context.Background()
	for _, tx := range []string{"tx-1", "tx-2"} {
		if _, err := ledger.Finalize(ctx, domain.AuditRecord{TransactionID: tx, Status: domain.StatusProcessed}); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("List", func(t *testing.T) {
		rr := serve(mux, http.MethodGet, "/admin/audit?status=processed&limit=10")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var recs []domain.AuditRecord
		if err := json.Unmarshal(rr.Body.Bytes(), &recs); err != nil {
			t.Fatal(err)
		}
		if len(recs) != 2 {
			t.Errorf("expected 2 records, got %d", len(recs))
		}
	})

	t.Run("Empty List Is Array", func(t *testing.T) {
		rr := serve(mux, http.MethodGet, "/admin/audit?status=unmatched")
		if rr.Code != http.StatusOK || rr.Body.String() != "[]" {
			t.Errorf("expected empty array, got %d %q", rr.Code, rr.Body.String())
		}
	})

	t.Run("Bad Arguments", func(t *testing.T) {
		for _, target := range []string{"/admin/audit?limit=ten", "/admin/audit?period=March", "/admin/audit?status=done"} {
			if rr := serve(mux, http.MethodGet, target); rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d", target, rr.Code)
			}
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := serve(mux, http.MethodGet, "/admin/audit/tx-2")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var rec domain.AuditRecord
		if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
			t.Fatal(err)
		}
		if rec.TransactionID != "tx-2" {
			t.Errorf("unexpected record %+v", rec)
		}
	})

	t.Run("Get Missing", func(t *testing.T) {
		if rr := serve(mux, http.MethodGet, "/admin/audit/tx-404"); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestAdminHandler_Poison(t *testing.T) {
	mux, _, queue := newAdminMux(t, nil)
	ctx := context.Background()
	env := domain.Envelope{ID: "9-0", Stream: domain.StreamNotify, TransactionID: "tx-7", Attempt: 5, Body: json.RawMessage(`{}`)}
	if err := queue.Poison(ctx, domain.StreamNotify, domain.GroupNotify, env, "webhook down"); err != nil {
		t.Fatal(err)
	}

	rr := serve(mux, http.MethodGet, "/admin/poison/notify")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var entries []domain.PoisonEntry
	if err := json.Unmarshal(rr.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Reason != "webhook down" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	t.Run("Unknown Stage", func(t *testing.T) {
		if rr := serve(mux, http.MethodGet, "/admin/poison/archive"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Bad Count", func(t *testing.T) {
		if rr := serve(mux, http.MethodGet, "/admin/poison/notify?count=x"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Replay", func(t *testing.T) {
		rr := serve(mux, http.MethodPost, "/admin/poison/notify/"+entries[0].ID+"/replay")
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		msgs := queue.Messages(domain.StreamNotify)
		if len(msgs) != 1 || msgs[0].TransactionID != "tx-7" || msgs[0].Attempt != 1 || !msgs[0].Replay {
			t.Errorf("unexpected requeued messages %+v", msgs)
		}
		if len(queue.PoisonEntries(domain.StreamNotify)) != 0 {
			t.Error("expected poison entry to be removed")
		}
	})

	t.Run("Replay Missing", func(t *testing.T) {
		if rr := serve(mux, http.MethodPost, "/admin/poison/notify/1-1/replay"); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestAdminHandler_Queue(t *testing.T) {
	mux, _, queue := newAdminMux(t, nil)
	ctx := context.Background()
	if err := queue.Enqueue(ctx, domain.StreamRaw, "tx-1", map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	if _, err := queue.Read(ctx, domain.StreamRaw, domain.GroupExtract, "c1", 10); err != nil {
		t.Fatal(err)
	}

	rr := serve(mux, http.MethodGet, "/admin/queues/extract")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var report usecase.QueueReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Stream != domain.StreamRaw || len(report.Pending) != 1 {
		t.Errorf("unexpected report %+v", report)
	}
}
