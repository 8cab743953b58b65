package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/V4T54L/invoice-router/internal/domain"
)

func TestWebhookNotifier_Post(t *testing.T) {
	msg := domain.FormattedMessage{
		TransactionID: "tx-1",
		Kind:          domain.OutcomeSuccess,
		Title:         "Invoice routed",
		Text:          "Acme invoice forwarded",
		Fields:        []domain.Field{{Name: "counterparty", Value: "Acme"}},
	}

	t.Run("posts payload", func(t *testing.T) {
		var got webhookPayload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		if err := NewWebhookNotifier(srv.URL, 100, time.Second).Post(context.Background(), msg); err != nil {
			t.Fatalf("Post: %v", err)
		}
		if got.TransactionID != "tx-1" || got.Kind != "success" || len(got.Fields) != 1 || got.Fields[0].Value != "Acme" {
			t.Errorf("unexpected payload %+v", got)
		}
	})

	t.Run("single attempt on failure", func(t *testing.T) {
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		if err := NewWebhookNotifier(srv.URL, 100, time.Second).Post(context.Background(), msg); err == nil {
			t.Fatal("expected an error")
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("rate limit honours context", func(t *testing.T) {
		n := NewWebhookNotifier("http://127.0.0.1:0", 0.001, time.Second)
		n.limiter.Allow() // drain the burst
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if err := n.Post(ctx, msg); err == nil {
			t.Fatal("expected the limiter to give up with the context")
		}
	})
}
