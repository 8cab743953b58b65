package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/invoice-router/internal/domain"
)

// AdminRepository implements domain.QueueAdminRepository for Redis.
type AdminRepository struct {
	client *redis.Client
	logger *slog.Logger
}

// NewAdminRepository creates a new Redis admin repository.
func NewAdminRepository(client *redis.Client, logger *slog.Logger) *AdminRepository {
	return &AdminRepository{
		client: client,
		logger: logger.With("component", "redis_admin"),
	}
}

// GroupInfo retrieves the consumer groups of a stream. A stream that was
// never written has no groups.
func (r *AdminRepository) GroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	groups, err := r.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if isNoSuchKeyError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get group info for stream %s: %w", stream, err)
	}

	result := make([]domain.ConsumerGroupInfo, len(groups))
	for i, g := range groups {
		result[i] = domain.ConsumerGroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			Lag:             g.Lag,
			LastDeliveredID: g.LastDeliveredID,
		}
	}
	return result, nil
}

// PendingMessages lists leased entries that have not been acknowledged.
func (r *AdminRepository) PendingMessages(ctx context.Context, stream, group string, count int64) ([]domain.PendingMessageDetail, error) {
	messages, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if isNoSuchKeyError(err) || isNoGroupError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pending messages: %w", err)
	}

	result := make([]domain.PendingMessageDetail, len(messages))
	for i, m := range messages {
		result[i] = domain.PendingMessageDetail{
			ID:         m.ID,
			Consumer:   m.Consumer,
			IdleTime:   m.Idle,
			RetryCount: m.RetryCount,
		}
	}
	return result, nil
}

// ListPoison returns the oldest count entries of a queue's poison stream.
func (r *AdminRepository) ListPoison(ctx context.Context, stream string, count int64) ([]domain.PoisonEntry, error) {
	msgs, err := r.client.XRangeN(ctx, domain.PoisonStream(stream), "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list poison entries for %s: %w", stream, err)
	}
	entries := make([]domain.PoisonEntry, len(msgs))
	for i, msg := range msgs {
		entries[i] = poisonFromMessage(msg)
	}
	return entries, nil
}

// GetPoison returns one poison entry or domain.ErrNotFound.
func (r *AdminRepository) GetPoison(ctx context.Context, stream, id string) (*domain.PoisonEntry, error) {
	msgs, err := r.client.XRange(ctx, domain.PoisonStream(stream), id, id).Result()
	if err != nil {
		if isInvalidIDError(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get poison entry %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, domain.ErrNotFound
	}
	entry := poisonFromMessage(msgs[0])
	return &entry, nil
}

// DeletePoison removes a poison entry after it was replayed.
func (r *AdminRepository) DeletePoison(ctx context.Context, stream, id string) error {
	n, err := r.client.XDel(ctx, domain.PoisonStream(stream), id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete poison entry %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func isNoSuchKeyError(err error) bool {
	return err != nil && !errors.Is(err, redis.Nil) && strings.Contains(err.Error(), "no such key")
}

func isInvalidIDError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Invalid stream ID")
}
