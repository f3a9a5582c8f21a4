// Package main запускает HTTP-сервер магазина кредитов, очередь выдачи и фоновую сверку.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/creditstore/internal/config"
	"github.com/mmeshcher/creditstore/internal/cron"
	"github.com/mmeshcher/creditstore/internal/dispatch"
	"github.com/mmeshcher/creditstore/internal/fulfillment"
	"github.com/mmeshcher/creditstore/internal/handler"
	"github.com/mmeshcher/creditstore/internal/metrics"
	"github.com/mmeshcher/creditstore/internal/middleware"
	"github.com/mmeshcher/creditstore/internal/partner"
	"github.com/mmeshcher/creditstore/internal/repository"
	"github.com/mmeshcher/creditstore/internal/service"
	"github.com/mmeshcher/creditstore/internal/webhook"
)

const cronLockKey = "creditstore:cron:lock"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if cfg.PartnerAPIURL == "" {
		sugar.Warn("PARTNER_API_URL is not set, fulfillment will fail until it is configured")
	}
	partnerClient := partner.NewClient(cfg.PartnerAPIURL, cfg.PartnerAPIKey, cfg.PartnerTimeout, m)

	orchestrator := fulfillment.New(repo, partnerClient, fulfillment.Config{
		ClaimJitterMin: cfg.Fulfillment.ClaimJitterMin,
		ClaimJitterMax: cfg.Fulfillment.ClaimJitterMax,
		RecoveryDelay:  cfg.Fulfillment.GhostRecoveryDelay,
		RecoveryWindow: cfg.Fulfillment.GhostRecoveryWindow,
	}, logger.Named("fulfillment"), m)

	queue := dispatch.NewQueue(repo, orchestrator, dispatch.Config{
		PollInterval: cfg.Dispatch.PollInterval,
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		BatchSize:    cfg.Dispatch.BatchSize,
	}, logger.Named("dispatch"))

	svc := service.NewService(repo, partnerClient, queue, logger.Named("service"))
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper, closeLock, err := newSweeper(ctx, cfg, repo, logger.Named("cron"), reg, m)
	if err != nil {
		sugar.Fatalw("cron initialization error", "error", err.Error())
	}
	defer closeLock()

	if cfg.JWTSecret == "" {
		sugar.Warn("JWT_SECRET is not set, authenticated endpoints will reject all requests")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret, cfg.ServiceRoleKey)

	h := handler.NewHandler(handler.Params{
		Service:      svc,
		Fulfiller:    orchestrator,
		Payments:     webhook.NewProcessor(repo, logger.Named("webhook"), m),
		Requeuer:     queue,
		Health:       repo,
		Auth:         authMiddleware,
		Gatherer:     reg,
		Logger:       logger,
		WebhookToken: cfg.WebhookToken,
	})

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return queue.Run(ctx)
	})

	g.Go(func() error {
		return sweeper.Run(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting creditstore server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// newSweeper собирает сервис фоновой сверки. Без REDIS_URL блокировка действует
// только внутри процесса.
func newSweeper(
	ctx context.Context,
	cfg *config.Config,
	repo *repository.PostgresRepository,
	logger *zap.Logger,
	reg prometheus.Registerer,
	m *metrics.Metrics,
) (*cron.Service, func(), error) {
	var (
		lock      cron.Lock = &cron.LocalLock{}
		closeLock           = func() {}
	)
	if cfg.RedisURL != "" {
		client, err := cron.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		redisLock, err := cron.NewRedisLock(client, cronLockKey, 0)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		lock = redisLock
		closeLock = func() { _ = client.Close() }
	} else {
		logger.Warn("REDIS_URL is not set, using in-process cron lock")
	}

	staleJob, err := cron.NewStaleClaimsJob(cron.StaleClaimsJobParams{
		Logger:  logger,
		Store:   repo,
		Timeout: cfg.Sweep.StaleClaimTimeout,
		Metrics: m,
	})
	if err != nil {
		closeLock()
		return nil, nil, err
	}
	deadJob, err := cron.NewDeadLetterReportJob(logger, repo)
	if err != nil {
		closeLock()
		return nil, nil, err
	}

	svc, err := cron.NewService(cron.ServiceParams{
		Logger:   logger,
		Registry: cron.NewRegistry(staleJob, deadJob),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
		Interval: cfg.Sweep.Interval,
	})
	if err != nil {
		closeLock()
		return nil, nil, err
	}
	return svc, closeLock, nil
}
