package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/pkg/resilience"
	"github.com/google/uuid"
)

const (
	SourcePush = "push"
	SourcePoll = "poll"

	defaultPushBuffer   = 256
	defaultAdmitTimeout = 2 * time.Minute
)

// SubscriptionStatus reports whether push delivery is currently expected.
type SubscriptionStatus interface {
	Live() bool
}

// CoordinatorConfig configures the ingestion coordinator.
type CoordinatorConfig struct {
	PollInterval         time.Duration
	PollIntervalDegraded time.Duration
	BatchSize            int
	MarkAttempts         int
	MarkBackoff          resilience.Backoff
	// AdmitTimeout bounds an admission that outlives shutdown.
	AdmitTimeout time.Duration
}

// Coordinator turns mailbox items into raw queue messages. Push
// notifications and the fallback poll both end in Admit. It never
// suppresses duplicates; the extraction stage does.
type Coordinator struct {
	mailbox domain.MailboxSource
	store   domain.AttachmentStore
	queue   domain.QueueRepository
	status  SubscriptionStatus
	cfg     CoordinatorConfig
	pushCh  chan string
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() (uuid.UUID, error)
}

// NewCoordinator creates a coordinator. status may be nil, in which case the
// regular poll interval is always used.
func NewCoordinator(mailbox domain.MailboxSource, store domain.AttachmentStore, queue domain.QueueRepository, status SubscriptionStatus, cfg CoordinatorConfig, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Minute
	}
	if cfg.PollIntervalDegraded <= 0 || cfg.PollIntervalDegraded > cfg.PollInterval {
		cfg.PollIntervalDegraded = cfg.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MarkAttempts <= 0 {
		cfg.MarkAttempts = 3
	}
	if cfg.MarkBackoff.Base <= 0 {
		cfg.MarkBackoff = resilience.Backoff{Base: 500 * time.Millisecond, Max: 5 * time.Second}
	}
	if cfg.AdmitTimeout <= 0 {
		cfg.AdmitTimeout = defaultAdmitTimeout
	}
	return &Coordinator{
		mailbox: mailbox,
		store:   store,
		queue:   queue,
		status:  status,
		cfg:     cfg,
		pushCh:  make(chan string, defaultPushBuffer),
		metrics: m,
		logger:  logger.With("component", "coordinator"),
		now:     time.Now,
		newID:   uuid.NewV7,
	}
}

// Notify hands a pushed item id to the run loop without blocking. When the
// buffer is full the item is left for the next poll.
func (c *Coordinator) Notify(itemID string) bool {
	select {
	case c.pushCh <- itemID:
		return true
	default:
		c.logger.Warn("push buffer full, item left for the next poll", "item_id", itemID)
		return false
	}
}

// Run polls on an interval and admits pushed items until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started")
	if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("initial poll failed", "error", err)
	}
	timer := time.NewTimer(c.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopped")
			return nil
		case id := <-c.pushCh:
			if err := c.AdmitByID(ctx, id); err != nil {
				c.logger.Error("failed to admit pushed item", "item_id", id, "error", err)
			}
		case <-timer.C:
			if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("poll failed", "error", err)
			}
			timer.Reset(c.interval())
		}
	}
}

func (c *Coordinator) interval() time.Duration {
	if c.status != nil && !c.status.Live() {
		return c.cfg.PollIntervalDegraded
	}
	return c.cfg.PollInterval
}

// Poll admits every unread item of one batch and returns how many were
// admitted. A failing item stays unread and does not stop the batch.
func (c *Coordinator) Poll(ctx context.Context) (int, error) {
	items, err := c.mailbox.ListUnread(ctx, c.cfg.BatchSize)
	if err != nil {
		c.metrics.AdmitFailed("list")
		return 0, fmt.Errorf("list unread: %w", err)
	}
	admitted := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if err := c.Admit(ctx, item, SourcePoll); err != nil {
			c.logger.Error("failed to admit item", "item_id", item.ID, "error", err)
			continue
		}
		admitted++
	}
	if len(items) > 0 {
		c.logger.Info("poll finished", "unread", len(items), "admitted", admitted)
	}
	return admitted, nil
}

// AdmitByID admits a pushed item.
func (c *Coordinator) AdmitByID(ctx context.Context, id string) error {
	item, err := c.mailbox.GetItem(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.logger.Info("pushed item no longer exists", "item_id", id)
			return nil
		}
		c.metrics.AdmitFailed("get")
		return fmt.Errorf("get item %s: %w", id, err)
	}
	return c.Admit(ctx, *item, SourcePush)
}

// Admit enqueues one RawMessage per attachment and then marks the item
// consumed. Once started it completes even if ctx is cancelled, so a
// shutdown never leaves an enqueued item unmarked halfway through.
func (c *Coordinator) Admit(ctx context.Context, item domain.SourceItem, source string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AdmitTimeout)
	defer cancel()
	log := c.logger.With("item_id", item.ID, "source", source)

	var atts []domain.SourceAttachment
	if item.HasAttachments {
		var err error
		atts, err = c.mailbox.FetchAttachments(ctx, item.ID)
		if err != nil {
			c.metrics.AdmitFailed("fetch")
			return fmt.Errorf("fetch attachments: %w", err)
		}
	}

	raws := make([]domain.RawMessage, 0, max(1, len(atts)))
	if len(atts) == 0 {
		raws = append(raws, c.rawMessage(item, 0, "", ""))
	}
	for i, att := range atts {
		ref, err := c.store.Put(ctx, att.Content)
		if err != nil {
			c.metrics.AdmitFailed("store")
			return fmt.Errorf("store attachment %d: %w", i, err)
		}
		raws = append(raws, c.rawMessage(item, i, ref, att.Name))
	}

	for _, raw := range raws {
		if raw.TransactionID == "" {
			c.metrics.AdmitFailed("id")
			return errors.New("failed to generate transaction id")
		}
		if err := c.queue.Enqueue(ctx, domain.StreamRaw, raw.TransactionID, raw); err != nil {
			c.metrics.AdmitFailed("enqueue")
			return fmt.Errorf("enqueue raw message: %w", err)
		}
		log.Info("raw message enqueued", "transaction_id", raw.TransactionID, "attachment_ordinal", raw.AttachmentOrdinal)
	}

	err := resilience.Retry(ctx, log, "mark consumed", c.cfg.MarkAttempts, c.cfg.MarkBackoff, nil, func(ctx context.Context) error {
		return c.mailbox.MarkConsumed(ctx, item.ID)
	})
	if err != nil {
		// the item will be admitted again; the extraction stage drops the duplicates
		c.metrics.AdmitFailed("mark")
		log.Error("failed to mark item consumed", "error", err)
	}
	c.metrics.Admitted(source)
	return nil
}

func (c *Coordinator) rawMessage(item domain.SourceItem, ordinal int, ref, name string) domain.RawMessage {
	var txID string
	if id, err := c.newID(); err == nil {
		txID = id.String()
	}
	received := item.ReceivedAt
	if received.IsZero() {
		received = c.now()
	}
	return domain.RawMessage{
		TransactionID:     txID,
		SourceItemID:      item.ID,
		InternetMessageID: item.InternetMessageID,
		AttachmentOrdinal: ordinal,
		SenderAddress:     item.SenderAddress,
		SenderName:        item.SenderName,
		Subject:           item.Subject,
		AttachmentRef:     ref,
		AttachmentName:    name,
		ReceivedAt:        received.UTC(),
	}
}
