package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pollen_ledger/internal/config"
	"pollen_ledger/internal/httpapi"
	"pollen_ledger/internal/ledger"
	"pollen_ledger/internal/logging"
	"pollen_ledger/internal/metrics"
	"pollen_ledger/internal/mirror"
	"pollen_ledger/internal/platform"
	"pollen_ledger/internal/queue"
	"pollen_ledger/internal/refill"
	"pollen_ledger/internal/storage"
	"pollen_ledger/internal/tiers"
	"pollen_ledger/internal/utils"
	"pollen_ledger/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		utils.NewLogger("main").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	utils.ConfigureLogging(cfg.LogLevel, cfg.Local)
	logger := utils.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ledger exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("ledger exited")
}

func run(ctx context.Context, cfg *config.Config, logger *utils.Logger) error {
	db, err := storage.NewDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	redisClient, err := storage.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	catalog, err := loadCatalog(cfg.Tiers)
	if err != nil {
		return err
	}
	trust, err := tiers.ParseTrustPolicy(cfg.Tiers.TrustScoreThresholds)
	if err != nil {
		return err
	}

	m := metrics.New()
	sink, err := newSink(ctx, cfg.AnalyticsSink, m)
	if err != nil {
		return err
	}

	users := db.NewUserRepository()
	pending := storage.NewRedisPendingSpend(redisClient.Client(), cfg.PendingSpend.Window)
	balances := ledger.NewBalanceService(users, pending)
	applier := ledger.NewApplier(storage.NewRedisMarkerStore(redisClient.Client()), balances, ledger.ApplierConfig{
		LockTTL:      cfg.Idempotency.LockTTL,
		ProcessedTTL: cfg.Idempotency.ProcessedTTL,
	})

	worker, err := newMirrorWorker(cfg.Mirror, redisClient, m, logger)
	if err != nil {
		return err
	}
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	worker.Start(workerCtx)

	guard := tiers.NewGuard(users, catalog, worker, sink, m, cfg.Tiers.Environment).WithTrustPolicy(trust)
	scheduler := refill.NewScheduler(users, catalog, sink, m, cfg.Refill.Interval)
	if cfg.Refill.Enabled {
		go scheduler.Run(ctx)
	}

	wh := cfg.Webhooks
	deps := &httpapi.Dependencies{
		Users:      users,
		Balances:   balances,
		Tiers:      guard,
		Refill:     scheduler,
		Mirror:     worker,
		AdminStore: db.NewAdminTokenRepository(),
		Metrics:    m,
		HealthCheck: map[string]httpapi.HealthCheck{
			"postgres": db.Health,
			"redis":    redisClient.Health,
		},
		Polar: webhook.NewHandler(
			webhook.NewPolarAdapter(wh.PolarSecret, wh.Tolerance, catalog, cfg.Tiers.Environment),
			applier, guard, sink, m, wh.MaxBodyBytes),
		Stripe: webhook.NewHandler(
			webhook.NewStripeAdapter(wh.StripeSecret, wh.Tolerance, wh.CardPromoMultiplier),
			applier, guard, sink, m, wh.MaxBodyBytes),
		NOWPayments: webhook.NewHandler(
			webhook.NewNOWPaymentsAdapter(wh.NOWPaymentsSecret, wh.CryptoPartialThreshold),
			applier, guard, sink, m, wh.MaxBodyBytes),
	}

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      httpapi.NewRouter(cfg, deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ledger listening", "addr", addr, "environment", cfg.Tiers.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", "error", err)
	}

	// drain the mirror queue before the sink so its records are shipped
	if err := worker.Stop(); err != nil {
		logger.Warn("mirror worker stop failed", "error", err)
	}
	if err := sink.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to flush analytics sink", "error", err)
	}
	return nil
}

func loadCatalog(cfg config.TierConfig) (*tiers.Catalog, error) {
	if cfg.CatalogPath == "" {
		return tiers.DefaultCatalog(), nil
	}
	return tiers.LoadCatalog(cfg.CatalogPath)
}

func newSink(ctx context.Context, cfg config.AnalyticsSinkConfig, m *metrics.Metrics) (logging.Sink, error) {
	if !cfg.Enabled {
		return logging.NewNoopSink(), nil
	}
	sink, err := logging.NewS3Sink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return sink.WithMetrics(m), nil
}

func newMirrorWorker(cfg config.MirrorConfig, redisClient *storage.RedisClient, m *metrics.Metrics, logger *utils.Logger) (*mirror.Worker, error) {
	qcfg := queue.DefaultConfig(cfg.QueueName)
	qcfg.MaxRetries = cfg.MaxRetries
	qcfg.RetryBackoff = cfg.RetryBackoff

	var (
		q   queue.Queue
		dlq queue.DeadLetterQueue
	)
	if cfg.UseRedis {
		rq, err := queue.NewRedisQueue(redisClient.Client(), qcfg)
		if err != nil {
			return nil, err
		}
		rdlq, err := queue.NewRedisDeadLetterQueue(redisClient.Client(), qcfg)
		if err != nil {
			return nil, err
		}
		q, dlq = rq, rdlq
	} else {
		q = queue.NewMemoryQueue(qcfg)
		dlq = queue.NewMemoryDeadLetterQueue()
	}

	var client platform.SubscriptionClient
	if cfg.PlatformToken == "" {
		logger.Warn("POLAR_ACCESS_TOKEN not set; tier changes are mirrored in memory only")
		client = platform.NewMemoryClient()
	} else {
		client = platform.NewPolarClient(cfg)
	}

	return mirror.NewWorker(q, dlq, client, qcfg, m), nil
}
