package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
	"github.com/V4T54L/invoice-router/internal/domain"
)

// promoteRetries moves due members of a retry set back onto their stream.
// KEYS[1] retry set, KEYS[2] stream, ARGV[1] now in ms, ARGV[2] batch limit.
var promoteRetries = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	local m = cjson.decode(member)
	redis.call('XADD', KEYS[2], '*',
		'payload', m.body,
		'tx', m.tx,
		'attempt', m.attempt,
		'replay', m.replay,
		'enqueued_at', m.enqueued_at)
	redis.call('ZREM', KEYS[1], member)
end
return #due
`)

// QueueConfig tunes the stream reader.
type QueueConfig struct {
	// Lease is how long a read entry stays invisible before another consumer
	// may reclaim it.
	Lease time.Duration
	// Block bounds how long Read waits for new entries.
	Block time.Duration
}

// QueueRepository implements domain.QueueRepository on Redis Streams. Every
// stream is read by exactly one consumer group, so acknowledged entries are
// deleted. Delayed retries wait in a sorted set and are promoted on Read.
// When a WAL is configured, Enqueue falls back to it while Redis is down.
type QueueRepository struct {
	client  *redis.Client
	logger  *slog.Logger
	wal     domain.WALRepository
	metrics *metrics.Metrics
	cfg     QueueConfig
	now     func() time.Time

	groups      sync.Map
	isAvailable atomic.Bool
}

// NewQueueRepository creates a Redis-backed queue. The WAL is optional; pass
// nil for processes that never enqueue raw messages.
func NewQueueRepository(client *redis.Client, cfg QueueConfig, wal domain.WALRepository, m *metrics.Metrics, logger *slog.Logger) *QueueRepository {
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	repo := &QueueRepository{
		client:  client,
		logger:  logger.With("component", "redis_queue"),
		wal:     wal,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
	repo.isAvailable.Store(true)
	return repo
}

// StartHealthCheck monitors Redis connectivity and replays the WAL once the
// connection recovers. It blocks until ctx is done.
func (r *QueueRepository) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if r.wal == nil {
		r.logger.Info("WAL is not configured, skipping health check")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Segments left over from a previous run.
	if err := r.client.Ping(ctx).Err(); err == nil {
		if err := r.ReplayWAL(ctx); err != nil {
			r.logger.Error("Failed to replay WAL on startup", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping Redis health check")
			return
		case <-ticker.C:
			err := r.client.Ping(ctx).Err()
			if err != nil {
				if r.isAvailable.CompareAndSwap(true, false) {
					r.logger.Error("Redis connection lost", "error", err)
					r.metrics.SetWALActive(true)
				}
				continue
			}
			if r.isAvailable.CompareAndSwap(false, true) {
				r.logger.Info("Redis connection recovered")
				if err := r.ReplayWAL(ctx); err != nil {
					r.logger.Error("Failed to replay WAL after Redis recovery", "error", err)
					r.isAvailable.Store(false)
					continue
				}
				r.metrics.SetWALActive(false)
			}
		}
	}
}

// ReplayWAL re-appends buffered envelopes and truncates the WAL on success.
func (r *QueueRepository) ReplayWAL(ctx context.Context) error {
	replayed := 0
	err := r.wal.Replay(ctx, func(env domain.Envelope) error {
		replayed++
		return r.add(ctx, env.Stream, env)
	})
	if err != nil {
		return fmt.Errorf("WAL replay failed: %w", err)
	}
	if err := r.wal.Truncate(ctx); err != nil {
		return fmt.Errorf("failed to truncate WAL after successful replay: %w", err)
	}
	if replayed > 0 {
		r.logger.Info("WAL replay to Redis completed", "entries", replayed)
	}
	return nil
}

// Enqueue appends body to stream, falling back to the WAL if Redis is
// unavailable.
func (r *QueueRepository) Enqueue(ctx context.Context, stream, txID string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.WrapPermanent(fmt.Errorf("marshal %s message: %w", stream, err))
	}
	env := domain.Envelope{
		Stream:        stream,
		TransactionID: txID,
		Attempt:       1,
		Body:          payload,
		EnqueuedAt:    r.now().UTC(),
	}

	if !r.isAvailable.Load() {
		return r.writeWAL(ctx, env, errors.New("redis is unavailable"))
	}

	err = r.add(ctx, stream, env)
	if err != nil && isNetworkError(err) {
		if r.isAvailable.CompareAndSwap(true, false) {
			r.logger.Error("Redis connection lost during write", "error", err)
			r.metrics.SetWALActive(r.wal != nil)
		}
		return r.writeWAL(ctx, env, err)
	}
	return err
}

func (r *QueueRepository) writeWAL(ctx context.Context, env domain.Envelope, cause error) error {
	if r.wal == nil {
		return domain.WrapTransient(fmt.Errorf("WAL is not configured: %w", cause))
	}
	r.logger.Warn("Redis is unavailable, writing to WAL", "transaction_id", env.TransactionID, "stream", env.Stream)
	if err := r.wal.Write(ctx, env); err != nil {
		return domain.WrapTransient(fmt.Errorf("WAL write failed: %w", err))
	}
	return nil
}

// Requeue appends env as a new entry, keeping its attempt and replay flag.
func (r *QueueRepository) Requeue(ctx context.Context, stream string, env domain.Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = r.now().UTC()
	}
	return r.add(ctx, stream, env)
}

func (r *QueueRepository) add(ctx context.Context, stream string, env domain.Envelope) error {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: envelopeValues(env),
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return domain.WrapTransient(fmt.Errorf("failed to XADD to %s: %w", stream, err))
	}
	return nil
}

// Read returns up to count envelopes: reclaimed entries whose lease expired
// first, then new entries. Due retries are promoted before reading.
func (r *QueueRepository) Read(ctx context.Context, stream, group, consumer string, count int) ([]domain.Envelope, error) {
	if count <= 0 {
		count = 1
	}
	if err := r.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	if err := r.promote(ctx, stream, count); err != nil {
		r.logger.Warn("Failed to promote due retries", "stream", stream, "error", err)
	}

	envs, err := r.reclaim(ctx, stream, group, consumer, count)
	if err != nil {
		return nil, err
	}
	if len(envs) >= count {
		return envs, nil
	}

	block := r.cfg.Block
	if len(envs) > 0 {
		block = -1
	}
	fresh, err := r.readNew(ctx, stream, group, consumer, count-len(envs), block)
	if err != nil {
		if len(envs) > 0 {
			r.logger.Warn("Failed to read new entries, returning reclaimed ones", "stream", stream, "error", err)
			return envs, nil
		}
		return nil, err
	}
	return append(envs, fresh...), nil
}

func (r *QueueRepository) ensureGroup(ctx context.Context, stream, group string) error {
	key := stream + "|" + group
	if _, ok := r.groups.Load(key); ok {
		return nil
	}
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isRedisBusyGroupError(err) {
		return domain.WrapTransient(fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err))
	}
	r.groups.Store(key, struct{}{})
	return nil
}

func (r *QueueRepository) promote(ctx context.Context, stream string, limit int) error {
	keys := []string{domain.RetryKey(stream), stream}
	return promoteRetries.Run(ctx, r.client, keys, r.now().UnixMilli(), limit).Err()
}

// reclaim takes over entries another consumer leased and never acknowledged.
// Each earlier delivery counts as a spent attempt.
func (r *QueueRepository) reclaim(ctx context.Context, stream, group, consumer string, count int) ([]domain.Envelope, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   r.cfg.Lease,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		return nil, r.readError(stream, group, "XPENDING", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
		deliveries[p.ID] = p.RetryCount
	}

	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  r.cfg.Lease,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, r.readError(stream, group, "XCLAIM", err)
	}

	envs := make([]domain.Envelope, 0, len(claimed))
	for _, msg := range claimed {
		if msg.Values == nil {
			// Deleted while pending; nothing left to deliver.
			r.client.XAck(ctx, stream, group, msg.ID)
			continue
		}
		env := envelopeFromMessage(stream, msg)
		env.Attempt += int(deliveries[msg.ID])
		envs = append(envs, env)
	}
	if len(envs) > 0 {
		r.logger.Info("Reclaimed expired leases", "stream", stream, "group", group, "count", len(envs))
	}
	return envs, nil
}

func (r *QueueRepository) readNew(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]domain.Envelope, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, r.readError(stream, group, "XREADGROUP", err)
	}
	if len(streams) == 0 {
		return nil, nil
	}

	envs := make([]domain.Envelope, 0, len(streams[0].Messages))
	for _, msg := range streams[0].Messages {
		envs = append(envs, envelopeFromMessage(stream, msg))
	}
	return envs, nil
}

func (r *QueueRepository) readError(stream, group, op string, err error) error {
	if isNoGroupError(err) {
		r.groups.Delete(stream + "|" + group)
	}
	return domain.WrapTransient(fmt.Errorf("failed to %s %s: %w", op, stream, err))
}

// Ack acknowledges and deletes entries.
func (r *QueueRepository) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, stream, group, ids...)
		pipe.XDel(ctx, stream, ids...)
		return nil
	})
	if err != nil {
		return domain.WrapTransient(fmt.Errorf("failed to XACK on %s: %w", stream, err))
	}
	return nil
}

// Retry acknowledges env and parks a copy with the next attempt in the
// stream's retry set until delay has passed.
func (r *QueueRepository) Retry(ctx context.Context, stream, group string, env domain.Envelope, delay time.Duration) error {
	next := env
	next.Attempt = env.Attempt + 1
	member, err := encodeRetryMember(next)
	if err != nil {
		return fmt.Errorf("encode retry: %w", err)
	}
	due := r.now().Add(delay).UnixMilli()

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, domain.RetryKey(stream), redis.Z{Score: float64(due), Member: member})
		pipe.XAck(ctx, stream, group, env.ID)
		pipe.XDel(ctx, stream, env.ID)
		return nil
	})
	if err != nil {
		return domain.WrapTransient(fmt.Errorf("failed to schedule retry on %s: %w", stream, err))
	}
	return nil
}

// Poison moves env to the poison stream and acknowledges it in one
// transaction.
func (r *QueueRepository) Poison(ctx context.Context, stream, group string, env domain.Envelope, reason string) error {
	values := envelopeValues(env)
	values[fieldOriginalStream] = stream
	values[fieldOriginalID] = env.ID
	values[fieldGroup] = group
	values[fieldReason] = reason
	values[fieldFailedAt] = r.now().UTC().Format(time.RFC3339Nano)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: domain.PoisonStream(stream), Values: values})
		pipe.XAck(ctx, stream, group, env.ID)
		pipe.XDel(ctx, stream, env.ID)
		return nil
	})
	if err != nil {
		return domain.WrapTransient(fmt.Errorf("failed to move entry to poison stream: %w", err))
	}
	r.logger.Warn("Moved entry to poison stream", "stream", stream, "id", env.ID, "transaction_id", env.TransactionID, "reason", reason)
	return nil
}

func isRedisBusyGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded)
}
