package forwarder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/domain/mocks"
	"github.com/V4T54L/invoice-router/internal/pkg/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testRequest() domain.ForwardRequest {
	return domain.ForwardRequest{
		TransactionID:  "0190c0de-0000-7000-8000-000000000001",
		Recipient:      "ACME-EU",
		AttachmentRef:  "sha256/abc",
		AttachmentName: "inv.pdf",
		Attachment:     []byte("%PDF-1.7"),
		Metadata:       map[string]string{"ledger_code": "4000", "recipient": "ignored"},
	}
}

func TestHTTPForwarder_Send(t *testing.T) {
	t.Run("acknowledged", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Idempotency-Key"); got != testRequest().TransactionID {
				t.Errorf("Idempotency-Key = %q", got)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("Authorization = %q", got)
			}
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("parse multipart: %v", err)
			}
			if r.FormValue("recipient") != "ACME-EU" || r.FormValue("ledger_code") != "4000" {
				t.Errorf("unexpected form %v", r.MultipartForm.Value)
			}
			file, hdr, err := r.FormFile("attachment")
			if err != nil {
				t.Fatalf("attachment: %v", err)
			}
			data, _ := io.ReadAll(file)
			if hdr.Filename != "inv.pdf" || string(data) != "%PDF-1.7" {
				t.Errorf("unexpected file %s %q", hdr.Filename, data)
			}
			w.Write([]byte(`{"ack_id":"A-1"}`))
		}))
		defer srv.Close()

		ack, err := NewHTTPForwarder(srv.URL, "tok", time.Second).Send(context.Background(), testRequest())
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if ack.AckID != "A-1" || ack.AcceptedAt.IsZero() {
			t.Errorf("unexpected ack %+v", ack)
		}
	})

	cases := []struct {
		name      string
		status    int
		body      string
		permanent bool
		noAck     bool
	}{
		{"2xx without ack id", http.StatusOK, `{}`, false, true},
		{"2xx with garbage", http.StatusAccepted, `ok`, false, true},
		{"bad request", http.StatusBadRequest, `bad`, true, false},
		{"throttled", http.StatusTooManyRequests, ``, false, false},
		{"request timeout", http.StatusRequestTimeout, ``, false, false},
		{"server error", http.StatusBadGateway, ``, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				w.Write([]byte(c.body))
			}))
			defer srv.Close()

			_, err := NewHTTPForwarder(srv.URL, "", time.Second).Send(context.Background(), testRequest())
			if err == nil {
				t.Fatal("expected an error")
			}
			if domain.IsPermanent(err) != c.permanent {
				t.Errorf("permanent = %v, want %v: %v", domain.IsPermanent(err), c.permanent, err)
			}
			if errors.Is(err, domain.ErrNoAck) != c.noAck {
				t.Errorf("no ack = %v, want %v: %v", errors.Is(err, domain.ErrNoAck), c.noAck, err)
			}
		})
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaForwarder_Send(t *testing.T) {
	t.Run("keys by transaction id", func(t *testing.T) {
		w := &fakeWriter{}
		f := newKafkaForwarder(w, "invoices.routed", testLogger())
		ack, err := f.Send(context.Background(), testRequest())
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if len(w.msgs) != 1 || string(w.msgs[0].Key) != testRequest().TransactionID {
			t.Fatalf("unexpected messages %+v", w.msgs)
		}
		if ack.AckID != "kafka:invoices.routed:"+testRequest().TransactionID {
			t.Errorf("ack = %q", ack.AckID)
		}
	})

	t.Run("error classification", func(t *testing.T) {
		cases := []struct {
			err       error
			permanent bool
		}{
			{kafka.MessageSizeTooLarge, true},
			{kafka.WriteErrors{kafka.MessageSizeTooLarge}, true},
			{kafka.LeaderNotAvailable, false},
			{errors.New("dial tcp: connection refused"), false},
		}
		for _, c := range cases {
			f := newKafkaForwarder(&fakeWriter{err: c.err}, "t", testLogger())
			_, err := f.Send(context.Background(), testRequest())
			if domain.IsPermanent(err) != c.permanent {
				t.Errorf("%v: permanent = %v, want %v", c.err, domain.IsPermanent(err), c.permanent)
			}
		}
	})
}

func TestBreakerForwarder(t *testing.T) {
	t.Run("opens after transient failures", func(t *testing.T) {
		next := &mocks.MockForwarder{AlwaysErr: domain.WrapTransient(errors.New("503"))}
		f := NewBreakerForwarder(next, "test", 2, time.Hour, nil, testLogger())

		f.Send(context.Background(), testRequest())
		f.Send(context.Background(), testRequest())
		if f.State() != resilience.StateOpen {
			t.Fatalf("state = %v, want open", f.State())
		}

		_, err := f.Send(context.Background(), testRequest())
		if !errors.Is(err, resilience.ErrCircuitOpen) || !errors.Is(err, domain.ErrTransient) {
			t.Errorf("expected transient circuit-open error, got %v", err)
		}
		if next.Calls != 2 {
			t.Errorf("open breaker must not call through, calls = %d", next.Calls)
		}
	})

	t.Run("permanent rejections do not trip", func(t *testing.T) {
		next := &mocks.MockForwarder{AlwaysErr: domain.WrapPermanent(errors.New("400"))}
		f := NewBreakerForwarder(next, "test", 1, time.Hour, nil, testLogger())
		for i := 0; i < 3; i++ {
			f.Send(context.Background(), testRequest())
		}
		if f.State() != resilience.StateClosed {
			t.Errorf("state = %v, want closed", f.State())
		}
	})
}
