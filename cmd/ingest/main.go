package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/invoice-router/internal/adapter/api"
	"github.com/V4T54L/invoice-router/internal/adapter/api/handler"
	"github.com/V4T54L/invoice-router/internal/adapter/mailbox"
	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
	"github.com/V4T54L/invoice-router/internal/adapter/notifier"
	"github.com/V4T54L/invoice-router/internal/adapter/repository/blob"
	"github.com/V4T54L/invoice-router/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/invoice-router/internal/adapter/repository/redis"
	"github.com/V4T54L/invoice-router/internal/adapter/repository/wal"
	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/pkg/config"
	"github.com/V4T54L/invoice-router/internal/pkg/logger"
	"github.com/V4T54L/invoice-router/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	m := metrics.New(prometheus.DefaultRegisterer)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Database and Redis Connections ---
	db, err := postgres.Open(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		logger.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}

	redisClient, err := redisrepo.NewClient(cfg.RedisAddr)
	if err != nil {
		logger.Error("failed to parse redis address", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("could not connect to redis, raw enqueues will go to the WAL", "error", err)
	}

	// --- Initialize Repositories ---
	walRepo, err := wal.NewWALRepository(cfg.WALPath, cfg.WALSegmentSize, cfg.WALMaxDiskSize, logger)
	if err != nil {
		logger.Error("failed to initialize WAL repository", "error", err)
		os.Exit(1)
	}
	defer walRepo.Close()

	queue := redisrepo.NewQueueRepository(redisClient, redisrepo.QueueConfig{Lease: cfg.LeaseDuration}, walRepo, m, logger)
	store, err := blob.NewFilesystemStore(cfg.AttachmentDir)
	if err != nil {
		logger.Error("failed to initialize attachment store", "error", err)
		os.Exit(1)
	}
	ledger := postgres.NewAuditRepository(db, logger)
	apiKeys := postgres.NewAPIKeyRepository(db, logger, cfg.APIKeyCacheTTL, m)

	// --- Mailbox and Subscription ---
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.GraphTokenURL != "" {
		httpClient = mailbox.NewClientCredentialsHTTPClient(ctx, cfg.GraphTokenURL, cfg.GraphClientID, cfg.GraphClientSecret, 30*time.Second)
	} else {
		logger.Warn("GRAPH_TOKEN_URL not set, mailbox requests are unauthenticated")
	}
	graph := mailbox.NewGraphClient(mailbox.Config{
		BaseURL:         cfg.GraphBaseURL,
		Mailbox:         cfg.Mailbox,
		NotificationURL: cfg.NotificationURL,
		ClientState:     cfg.SubscriptionClientState,
	}, httpClient, logger)

	var alerter domain.Notifier = notifier.NewLogNotifier(logger)
	if cfg.NotifyWebhookURL != "" {
		alerter = notifier.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyRatePerSec, 10*time.Second)
	}

	var status usecase.SubscriptionStatus
	var subscriptions *usecase.SubscriptionManager
	if cfg.NotificationURL != "" {
		subscriptions = usecase.NewSubscriptionManager(graph, redisrepo.NewSubscriptionStore(redisClient), alerter, usecase.SubscriptionConfig{
			Duration:         cfg.SubscriptionDuration,
			RenewMargin:      cfg.RenewMargin,
			RecreateInterval: cfg.RecreateInterval,
		}, m, logger)
		status = subscriptions
	} else {
		logger.Warn("NOTIFICATION_URL not set, running poll-only")
	}

	coordinator := usecase.NewCoordinator(graph, store, queue, status, usecase.CoordinatorConfig{
		PollInterval:         cfg.PollInterval,
		PollIntervalDegraded: cfg.PollIntervalDegraded,
		BatchSize:            cfg.PollBatchSize,
	}, m, logger)

	// --- Servers ---
	sseBroker := handler.NewSSEBroker(ctx, logger)
	adminServer := &http.Server{
		Addr: cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(api.AdminDeps{
			UseCase:  usecase.NewAdminUseCase(ledger, queue, redisrepo.NewAdminRepository(redisClient, logger), logger),
			APIKeys:  apiKeys,
			Events:   sseBroker,
			Gatherer: prometheus.DefaultGatherer,
			Checks: map[string]handler.HealthCheck{
				"postgres": db.PingContext,
				"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			},
		}, logger),
	}
	ingestServer := &http.Server{
		Addr:         cfg.IngestServerAddr,
		Handler:      api.NewRouter(cfg, logger, coordinator, m),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		queue.StartHealthCheck(gctx, 5*time.Second)
		return nil
	})
	g.Go(func() error { return coordinator.Run(gctx) })
	if subscriptions != nil {
		g.Go(func() error { return subscriptions.Run(gctx) })
	}
	g.Go(func() error {
		// Live outcomes are best effort; the admin surface works without them.
		if err := redisrepo.NewOutcomeChannel(redisClient, logger).Subscribe(gctx, sseBroker.Publish); err != nil {
			logger.Warn("outcome stream unavailable", "error", err)
		}
		return nil
	})
	for name, srv := range map[string]*http.Server{"admin": adminServer, "ingest": ingestServer} {
		g.Go(func() error {
			logger.Info("starting server", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down servers...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(ingestServer.Shutdown(shutdownCtx), adminServer.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.Error("ingest service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("ingest service shut down gracefully")
}
