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
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize   = 20
	defaultConcurrency = 4
	defaultMaxAttempts = 3
	defaultIdleWait    = 1 * time.Second
)

// StageHandler is the per-stage business logic run by a StageRunner.
type StageHandler interface {
	// Handle processes one envelope. A nil error acknowledges it; errors
	// wrapped with domain.ErrPermanent poison it at once; anything else is
	// retried until the attempt budget is spent.
	Handle(ctx context.Context, env domain.Envelope) error

	// OnPoison records the failure before the envelope is parked. It runs at
	// most once per poison transition of a given delivery.
	OnPoison(ctx context.Context, env domain.Envelope, cause error)
}

// StageConfig describes one stage's queue binding and retry policy.
type StageConfig struct {
	Name        string
	Stream      string
	Group       string
	Consumer    string
	BatchSize   int
	Concurrency int
	// MaxAttempts of 1 means a single attempt with no retry.
	MaxAttempts int
	Backoff     resilience.Backoff
	IdleWait    time.Duration
}

// StageRunner reads batches from a stage queue and decides ack, retry or
// poison for every envelope.
type StageRunner struct {
	queue   domain.QueueRepository
	handler StageHandler
	cfg     StageConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStageRunner creates a runner with defaults filled in.
func NewStageRunner(queue domain.QueueRepository, handler StageHandler, cfg StageConfig, m *metrics.Metrics, logger *slog.Logger) *StageRunner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = defaultIdleWait
	}
	return &StageRunner{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "stage_runner", "stage", cfg.Name),
	}
}

// Run processes batches until ctx is cancelled.
func (r *StageRunner) Run(ctx context.Context) error {
	r.logger.Info("stage runner started", "stream", r.cfg.Stream, "group", r.cfg.Group, "consumer", r.cfg.Consumer)
	for {
		if ctx.Err() != nil {
			r.logger.Info("stage runner stopped")
			return nil
		}
		n, err := r.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("failed to process batch", "error", err)
		}
		if n == 0 || err != nil {
			select {
			case <-time.After(r.cfg.IdleWait):
			case <-ctx.Done():
			}
		}
	}
}

// ProcessBatch reads one batch and handles its envelopes concurrently. It
// returns the number of envelopes read.
func (r *StageRunner) ProcessBatch(ctx context.Context) (int, error) {
	envs, err := r.queue.Read(ctx, r.cfg.Stream, r.cfg.Group, r.cfg.Consumer, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", r.cfg.Stream, err)
	}
	if len(envs) == 0 {
		return 0, nil
	}
	r.logger.Debug("read batch", "count", len(envs))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, env := range envs {
		g.Go(func() error {
			r.handle(ctx, env)
			return nil
		})
	}
	_ = g.Wait()
	return len(envs), nil
}

func (r *StageRunner) handle(ctx context.Context, env domain.Envelope) {
	start := time.Now()
	log := r.logger.With("transaction_id", env.TransactionID, "entry_id", env.ID, "attempt", env.Attempt)

	if env.Attempt > r.cfg.MaxAttempts {
		cause := fmt.Errorf("attempt %d exceeds max attempts %d", env.Attempt, r.cfg.MaxAttempts)
		r.poison(ctx, log, env, cause)
		r.metrics.StageOutcome(r.cfg.Name, "poison", time.Since(start))
		return
	}

	err := r.handler.Handle(ctx, env)
	switch {
	case err == nil:
		if ackErr := r.queue.Ack(ctx, r.cfg.Stream, r.cfg.Group, env.ID); ackErr != nil {
			// the entry will be redelivered; handlers are idempotent
			log.Error("failed to acknowledge entry", "error", ackErr)
		}
		r.metrics.StageOutcome(r.cfg.Name, "ack", time.Since(start))
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		log.Warn("handling interrupted by shutdown, lease left to expire", "error", err)
		r.metrics.StageOutcome(r.cfg.Name, "abandoned", time.Since(start))
	case domain.IsPermanent(err) || env.Attempt >= r.cfg.MaxAttempts:
		r.poison(ctx, log, env, err)
		r.metrics.StageOutcome(r.cfg.Name, "poison", time.Since(start))
	default:
		delay := r.cfg.Backoff.Delay(env.Attempt)
		log.Warn("transient failure, scheduling retry", "error", err, "delay", delay)
		if retryErr := r.queue.Retry(ctx, r.cfg.Stream, r.cfg.Group, env, delay); retryErr != nil {
			log.Error("failed to schedule retry, lease left to expire", "error", retryErr)
		}
		r.metrics.StageOutcome(r.cfg.Name, "retry", time.Since(start))
	}
}

func (r *StageRunner) poison(ctx context.Context, log *slog.Logger, env domain.Envelope, cause error) {
	log.Error("moving entry to poison", "error", cause)
	r.handler.OnPoison(ctx, env, cause)
	if err := r.queue.Poison(ctx, r.cfg.Stream, r.cfg.Group, env, cause.Error()); err != nil {
		log.Error("failed to poison entry, lease left to expire", "error", err)
	}
}
