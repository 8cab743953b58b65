package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/invoice-router/internal/domain"
)

const outcomeChannel = "invoice:outcomes"

// OutcomeChannel fans outcome events out over Redis pub/sub. Delivery is
// fire and forget: subscribers that are down miss events.
type OutcomeChannel struct {
	client *redis.Client
	logger *slog.Logger
}

func NewOutcomeChannel(client *redis.Client, logger *slog.Logger) *OutcomeChannel {
	return &OutcomeChannel{client: client, logger: logger.With("component", "outcome_channel")}
}

// Publish implements domain.OutcomePublisher.
func (c *OutcomeChannel) Publish(ctx context.Context, ev domain.OutcomeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode outcome event: %w", err)
	}
	if err := c.client.Publish(ctx, outcomeChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish outcome event: %w", err)
	}
	return nil
}

// Subscribe calls handle for every event until ctx is done.
func (c *OutcomeChannel) Subscribe(ctx context.Context, handle func(domain.OutcomeEvent)) error {
	sub := c.client.Subscribe(ctx, outcomeChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", outcomeChannel, err)
	}
	c.logger.Info("Subscribed to outcome events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.OutcomeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.logger.Warn("Dropping malformed outcome event", "error", err)
				continue
			}
			handle(ev)
		}
	}
}
