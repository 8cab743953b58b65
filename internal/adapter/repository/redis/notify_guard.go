package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const notifyGuardPrefix = "invoice:notified:"

// NotifyGuard remembers posted notifications for a TTL so a redelivered
// notify entry is not posted twice.
type NotifyGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewNotifyGuard(client *redis.Client, ttl time.Duration) *NotifyGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &NotifyGuard{client: client, ttl: ttl}
}

// FirstDelivery reports whether key was recorded by this call.
func (g *NotifyGuard) FirstDelivery(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, notifyGuardPrefix+key, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("notify guard: %w", err)
	}
	return ok, nil
}
