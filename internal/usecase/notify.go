package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
	"github.com/V4T54L/invoice-router/internal/adapter/pii"
	"github.com/V4T54L/invoice-router/internal/domain"
)

const StageNotify = "notify"

var outcomeTitles = map[domain.OutcomeKind]string{
	domain.OutcomeSuccess:   "Invoice routed",
	domain.OutcomeUnmatched: "Invoice unmatched",
	domain.OutcomeError:     "Invoice failed",
}

// FormatNotification renders msg with the fixed field set of its kind.
// Fields missing from the detail map are rendered empty.
func FormatNotification(msg domain.NotifyMessage) (domain.FormattedMessage, error) {
	names, ok := OutcomeFields[msg.Kind]
	if !ok {
		return domain.FormattedMessage{}, domain.WrapPermanent(fmt.Errorf("unknown outcome kind %q", msg.Kind))
	}
	fields := make([]domain.Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, domain.Field{Name: name, Value: msg.Detail[name]})
	}
	return domain.FormattedMessage{
		TransactionID: msg.TransactionID,
		Kind:          msg.Kind,
		Title:         outcomeTitles[msg.Kind],
		Text:          msg.Summary,
		Fields:        fields,
	}, nil
}

// NotifyStage posts outcome notifications. Posting is best effort: every
// entry is acknowledged whatever the channel does.
type NotifyStage struct {
	notifier  domain.Notifier
	guard     domain.NotifyGuard
	redactor  *pii.Redactor
	publisher domain.OutcomePublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewNotifyStage creates the stage. publisher may be nil.
func NewNotifyStage(notifier domain.Notifier, guard domain.NotifyGuard, redactor *pii.Redactor, publisher domain.OutcomePublisher, m *metrics.Metrics, logger *slog.Logger) *NotifyStage {
	return &NotifyStage{
		notifier:  notifier,
		guard:     guard,
		redactor:  redactor,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With("component", "notify_stage"),
		now:       time.Now,
	}
}

func (s *NotifyStage) Handle(ctx context.Context, env domain.Envelope) error {
	var msg domain.NotifyMessage
	if err := env.Decode(&msg); err != nil {
		s.logger.Error("dropping undecodable notification", "entry_id", env.ID, "error", err)
		s.metrics.Notification("unknown", "invalid")
		return nil
	}
	log := s.logger.With("transaction_id", msg.TransactionID, "kind", msg.Kind)

	formatted, err := FormatNotification(msg)
	if err != nil {
		log.Error("dropping notification", "error", err)
		s.metrics.Notification(string(msg.Kind), "invalid")
		return nil
	}

	first, err := s.guard.FirstDelivery(ctx, msg.TransactionID+":"+string(msg.Kind))
	if err != nil {
		log.Warn("notification guard unavailable, posting anyway", "error", err)
		first = true
	}
	if !first {
		log.Info("notification already posted, skipping")
		s.metrics.Notification(string(msg.Kind), "duplicate")
		return nil
	}

	s.redactor.Redact(&formatted)
	if err := s.notifier.Post(ctx, formatted); err != nil {
		log.Error("failed to post notification", "error", err)
		s.metrics.Notification(string(msg.Kind), "failed")
	} else {
		s.metrics.Notification(string(msg.Kind), "posted")
	}

	if s.publisher != nil {
		ev := domain.OutcomeEvent{TransactionID: msg.TransactionID, Kind: msg.Kind, Summary: formatted.Title, At: s.now()}
		if err := s.publisher.Publish(ctx, ev); err != nil {
			log.Debug("failed to publish outcome event", "error", err)
		}
	}
	return nil
}

func (s *NotifyStage) OnPoison(ctx context.Context, env domain.Envelope, cause error) {
	s.logger.Error("notification entry poisoned", "transaction_id", env.TransactionID, "error", cause)
	s.metrics.Notification("unknown", "poisoned")
}
