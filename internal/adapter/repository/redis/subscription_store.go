package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/invoice-router/internal/domain"
)

const subscriptionKey = "invoice:subscription"

// SubscriptionStore persists the push subscription record as one JSON value.
type SubscriptionStore struct {
	client *redis.Client
	key    string
}

func NewSubscriptionStore(client *redis.Client) *SubscriptionStore {
	return &SubscriptionStore{client: client, key: subscriptionKey}
}

// Load returns domain.ErrNotFound when no subscription was ever saved.
func (s *SubscriptionStore) Load(ctx context.Context) (*domain.SubscriptionRecord, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	var rec domain.SubscriptionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &rec, nil
}

func (s *SubscriptionStore) Save(ctx context.Context, rec domain.SubscriptionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode subscription: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}
