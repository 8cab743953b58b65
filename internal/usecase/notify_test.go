package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/V4T54L/invoice-router/internal/adapter/pii"
	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/domain/mocks"
)

type recordingPublisher struct {
	events []domain.OutcomeEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev domain.OutcomeEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func TestFormatNotification(t *testing.T) {
	for kind, names := range OutcomeFields {
		t.Run(string(kind), func(t *testing.T) {
			msg := domain.NotifyMessage{TransactionID: "tx-1", Kind: kind, Summary: "s", Detail: map[string]string{"extra": "ignored"}}
			out, err := FormatNotification(msg)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if len(out.Fields) != len(names) {
				t.Fatalf("expected %d fields, got %d", len(names), len(out.Fields))
			}
			for i, f := range out.Fields {
				if f.Name != names[i] {
					t.Errorf("field %d: got %s, want %s", i, f.Name, names[i])
				}
			}
			if out.Title == "" {
				t.Error("expected a title")
			}
		})
	}

	if _, err := FormatNotification(domain.NotifyMessage{Kind: "other"}); !domain.IsPermanent(err) {
		t.Errorf("expected permanent error for unknown kind, got %v", err)
	}
}

func TestNotifyStage_Handle(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()
	msg := domain.NotifyMessage{
		TransactionID: "tx-1",
		Kind:          domain.OutcomeError,
		Summary:       "failed",
		Detail:        map[string]string{FieldStage: "route", FieldError: "boom", FieldAttempts: "3", FieldSender: "a@acme.com"},
	}

	t.Run("Posts Once Per Transaction And Kind", func(t *testing.T) {
		n := &mocks.MockNotifier{}
		pub := &recordingPublisher{}
		s := NewNotifyStage(n, &mocks.MockNotifyGuard{}, pii.NewRedactor([]string{FieldSender}, logger), pub, nil, logger)

		for i := 0; i < 2; i++ {
			if err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, msg)); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		}
		if len(n.Posted) != 1 {
			t.Fatalf("expected 1 post, got %d", len(n.Posted))
		}
		for _, f := range n.Posted[0].Fields {
			if f.Name == FieldSender && f.Value != "a***@acme.com" {
				t.Errorf("expected masked sender, got %q", f.Value)
			}
		}
		if len(pub.events) != 1 || pub.events[0].Kind != domain.OutcomeError {
			t.Errorf("expected one published outcome, got %+v", pub.events)
		}
	})

	t.Run("Channel Failure Is Swallowed", func(t *testing.T) {
		n := &mocks.MockNotifier{Err: errors.New("channel down")}
		s := NewNotifyStage(n, &mocks.MockNotifyGuard{}, nil, nil, nil, logger)

		if err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, msg)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if n.Calls != 1 {
			t.Errorf("expected a single attempt, got %d", n.Calls)
		}
	})

	t.Run("Guard Failure Still Posts", func(t *testing.T) {
		n := &mocks.MockNotifier{}
		s := NewNotifyStage(n, &mocks.MockNotifyGuard{Err: errors.New("redis down")}, nil, nil, nil, logger)

		if err := s.Handle(ctx, envelopeFor(t, "tx-1", 1, msg)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(n.Posted) != 1 {
			t.Errorf("expected a post, got %d", len(n.Posted))
		}
	})

	t.Run("Undecodable Entry Is Consumed", func(t *testing.T) {
		n := &mocks.MockNotifier{}
		s := NewNotifyStage(n, &mocks.MockNotifyGuard{}, nil, nil, nil, logger)
		env := domain.Envelope{TransactionID: "tx-1", Attempt: 1, Body: []byte("{")}

		if err := s.Handle(ctx, env); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if n.Calls != 0 {
			t.Error("nothing should be posted")
		}
	})
}
