// Package service assembles the sync engine: config, storage, the API
// client stack, the scheduler and the HTTP surface.
package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ghingest/config"
	"ghingest/db"
	"ghingest/fetcher"
	"ghingest/github"
	"ghingest/logger"
	"ghingest/syncer"
	"ghingest/webhook"
)

// Service errors
var (
	ErrServiceInit     = fmt.Errorf("service initialization error")
	ErrServiceShutdown = fmt.Errorf("service shutdown error")
)

// Service represents the running sync engine.
type Service struct {
	config       *config.Config
	database     *db.DB
	client       *github.Client
	pool         *github.Pool
	orchestrator *syncer.Orchestrator
	scheduler    *syncer.Scheduler
	ingester     *webhook.Ingester
	server       *http.Server
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewService creates a new service instance.
func NewService() (*Service, error) {
	cfg := config.NewConfig()
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("%w: failed to load configuration: %v", ErrServiceInit, err)
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize logger: %v", ErrServiceInit, err)
	}

	database, err := db.New()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize database: %v", ErrServiceInit, err)
	}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("%w: failed to run migrations: %v", ErrServiceInit, err)
	}

	pool := github.NewPool(cfg.GitHubTokens, cfg.QuotaFloor)
	client := github.NewClient(pool,
		github.WithRequestsPerSecond(cfg.RequestsPerSecond),
		github.WithPageSize(cfg.PageSize),
		github.WithBackoff(github.BackoffPolicy{
			Base:       cfg.BackoffBase,
			Cap:        cfg.BackoffCap,
			MaxRetries: cfg.BackoffMaxRetries,
			Jitter:     cfg.BackoffJitter,
		}),
	)
	guard := github.NewGuard(pool)

	fetchers := fetcher.All(fetcher.Deps{
		Client: client,
		Guard:  guard,
		Store:  database,
	})

	orchestrator := syncer.New(database, fetchers, pool,
		syncer.WithBudget(cfg.SyncTimeout),
		syncer.WithBootstrapWindowDays(cfg.BootstrapWindowDays),
	)
	scheduler := syncer.NewScheduler(orchestrator, cfg.SyncWorkers, cfg.QueueSize)
	syncer.WithResume(scheduler.EnqueueAfter)(orchestrator)

	ingester := webhook.NewIngester(database, cfg.TenantID, cfg.WebhookSecret,
		cfg.DriftThreshold, scheduler.Enqueue)

	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		config:       cfg,
		database:     database,
		client:       client,
		pool:         pool,
		orchestrator: orchestrator,
		scheduler:    scheduler,
		ingester:     ingester,
		ctx:          ctx,
		cancel:       cancel,
	}
	svc.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svc.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Service initialized successfully",
		zap.String("tenant", cfg.TenantID),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Int("tokens", pool.Size()),
		zap.Int("workers", cfg.SyncWorkers),
		zap.Duration("poll_interval", cfg.PollInterval))

	return svc, nil
}

// Start runs the worker pool, the periodic poller and the HTTP server until a
// shutdown signal arrives.
func (s *Service) Start() error {
	g, ctx := errgroup.WithContext(s.ctx)

	g.Go(func() error {
		return s.scheduler.Start(ctx)
	})

	s.scheduler.Poll(ctx, s.config.PollInterval, s.database)

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", s.config.HTTPAddr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})

	s.waitForShutdown()

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// waitForShutdown waits for the shutdown signal.
func (s *Service) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, initiating graceful shutdown")
	s.cancel()
}

// Close performs cleanup operations.
func (s *Service) Close() error {
	logger.Info("Closing service")
	s.cancel()
	if err := s.database.Close(); err != nil {
		return fmt.Errorf("%w: failed to close database: %v", ErrServiceShutdown, err)
	}
	return nil
}
