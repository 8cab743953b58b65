package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/invoice-router/internal/adapter/api"
	"github.com/V4T54L/invoice-router/internal/adapter/api/handler"
	"github.com/V4T54L/invoice-router/internal/adapter/forwarder"
	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
	"github.com/V4T54L/invoice-router/internal/adapter/notifier"
	"github.com/V4T54L/invoice-router/internal/adapter/pii"
	"github.com/V4T54L/invoice-router/internal/adapter/repository/blob"
	"github.com/V4T54L/invoice-router/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/invoice-router/internal/adapter/repository/redis"
	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/matcher"
	"github.com/V4T54L/invoice-router/internal/pkg/config"
	"github.com/V4T54L/invoice-router/internal/pkg/logger"
	"github.com/V4T54L/invoice-router/internal/pkg/resilience"
	"github.com/V4T54L/invoice-router/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	log.Info("starting consumer worker", "stages", cfg.Stages)

	m := metrics.New(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	redisClient, err := redisrepo.NewClient(cfg.RedisAddr)
	if err != nil {
		log.Error("failed to parse redis address", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	log.Info("connected to redis")

	// Connect to PostgreSQL
	db, err := postgres.Open(ctx, cfg.PostgresURL)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}
	log.Info("connected to postgres")

	// Create a unique consumer name for this instance
	consumerName := cfg.ConsumerName
	if consumerName == "" {
		if consumerName, err = os.Hostname(); err != nil {
			log.Warn("could not get hostname for consumer name, using default", "error", err)
			consumerName = "consumer-default"
		}
	}

	// Instantiate repositories
	queue := redisrepo.NewQueueRepository(redisClient, redisrepo.QueueConfig{Lease: cfg.LeaseDuration}, nil, m, log)
	ledger := postgres.NewAuditRepository(db, log)
	store, err := blob.NewFilesystemStore(cfg.AttachmentDir)
	if err != nil {
		log.Error("failed to initialize attachment store", "error", err)
		os.Exit(1)
	}

	handlers := make(map[string]usecase.StageHandler)
	var closers []func() error
	for _, stage := range cfg.Stages {
		switch stage = strings.TrimSpace(stage); stage {
		case usecase.StageExtract:
			engine, err := matcher.New(cfg.MatchThreshold, cfg.MatchMargin)
			if err != nil {
				log.Error("invalid matcher configuration", "error", err)
				os.Exit(1)
			}
			directory := postgres.NewDirectoryRepository(db, cfg.DirectoryCacheTTL, m, log)
			handlers[stage] = usecase.NewExtractStage(queue, ledger, directory, engine, cfg.ClaimTTL(), m, log)

		case usecase.StageRoute:
			var next domain.Forwarder
			switch cfg.ForwarderKind {
			case "kafka":
				kf := forwarder.NewKafkaForwarder(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.ForwardTimeout, log)
				closers = append(closers, kf.Close)
				next = kf
			default:
				next = forwarder.NewHTTPForwarder(cfg.ForwardURL, cfg.ForwardToken, cfg.ForwardTimeout)
			}
			breaker := forwarder.NewBreakerForwarder(next, cfg.ForwarderKind, cfg.BreakerThreshold, cfg.BreakerReset, m, log)
			handlers[stage] = usecase.NewRouteStage(queue, ledger, store, breaker, usecase.RouteConfig{
				LeaseTTL:         cfg.ClaimTTL(),
				Policy:           usecase.UnmatchedPolicy(cfg.UnmatchedPolicy),
				HoldingRecipient: cfg.HoldingRecipient,
			}, m, log)

		case usecase.StageNotify:
			var n domain.Notifier = notifier.NewLogNotifier(log)
			if cfg.NotifyWebhookURL != "" {
				n = notifier.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyRatePerSec, 10*time.Second)
			} else {
				log.Warn("NOTIFY_WEBHOOK_URL not set, notifications are logged only")
			}
			redactor := pii.NewRedactor(strings.Split(cfg.PIIRedactionFields, ","), log)
			guard := redisrepo.NewNotifyGuard(redisClient, cfg.NotifyDedupTTL)
			outcomes := redisrepo.NewOutcomeChannel(redisClient, log)
			handlers[stage] = usecase.NewNotifyStage(n, guard, redactor, outcomes, m, log)

		default:
			log.Error("unknown stage", "stage", stage)
			os.Exit(1)
		}
	}
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn("failed to close downstream client", "error", err)
			}
		}
	}()

	adminServer := &http.Server{
		Addr: cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(api.AdminDeps{
			UseCase:  usecase.NewAdminUseCase(ledger, queue, redisrepo.NewAdminRepository(redisClient, log), log),
			APIKeys:  postgres.NewAPIKeyRepository(db, log, cfg.APIKeyCacheTTL, m),
			Gatherer: prometheus.DefaultGatherer,
			Checks: map[string]handler.HealthCheck{
				"postgres": db.PingContext,
				"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			},
		}, log),
	}

	g, gctx := errgroup.WithContext(ctx)
	for stage, h := range handlers {
		q := usecase.StageQueues[stage]
		runner := usecase.NewStageRunner(queue, h, usecase.StageConfig{
			Name:        stage,
			Stream:      q.Stream,
			Group:       q.Group,
			Consumer:    consumerName,
			BatchSize:   cfg.BatchSize,
			Concurrency: cfg.WorkerConcurrency,
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     resilience.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		}, m, log)
		g.Go(func() error { return runner.Run(gctx) })
	}
	g.Go(func() error {
		log.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return adminServer.Shutdown(shutdownCtx)
	})

	log.Info("consumer worker started", "consumer", consumerName)
	if err := g.Wait(); err != nil {
		log.Error("consumer worker stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("consumer worker shut down gracefully")
}
