// Package main is the entrypoint for the ReportForge API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/reportforge/internal/ai"
	"github.com/kiranshivaraju/reportforge/internal/analysis"
	"github.com/kiranshivaraju/reportforge/internal/api"
	"github.com/kiranshivaraju/reportforge/internal/api/handler"
	mw "github.com/kiranshivaraju/reportforge/internal/api/middleware"
	"github.com/kiranshivaraju/reportforge/internal/cache"
	"github.com/kiranshivaraju/reportforge/internal/config"
	"github.com/kiranshivaraju/reportforge/internal/crawler"
	"github.com/kiranshivaraju/reportforge/internal/payload"
	"github.com/kiranshivaraju/reportforge/internal/queue"
	"github.com/kiranshivaraju/reportforge/internal/store"
	"github.com/kiranshivaraju/reportforge/internal/validator"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.StoreBackend,
		"queue", cfg.Queue.Backend,
		"blob", cfg.Blob.Backend,
		"ai_provider", cfg.AI.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Job record store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Redis: status cache, rate limit, optional queue
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Report blob storage
	blobs, blobCheck, err := openBlobStore(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	payloads := payload.New(blobs, payload.Options{
		Threshold: cfg.Payload.InlineThreshold,
		CacheSize: cfg.Payload.CacheSize,
		CacheTTL:  cfg.Payload.CacheTTL,
	})

	// 5. AI provider
	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", aiProvider.Name(), "timeout", cfg.AI.InferenceTimeout)

	// 6. Analysis queue
	q, err := openQueue(cfg.Queue, redisCache.Client())
	if err != nil {
		return err
	}
	defer q.Close()

	// 7. Pipeline
	sourceValidator := validator.New(cfg.Validator)
	checks := []handler.HealthCheck{
		{Name: "database", Ping: st.Ping},
		{Name: "cache", Ping: redisCache.Ping},
	}
	if blobCheck != nil {
		checks = append(checks, *blobCheck)
	}

	opts := []analysis.Option{
		analysis.WithCache(redisCache),
		analysis.WithProbeTimeout(cfg.Validator.Timeout),
	}
	if cfg.Crawler.BaseURL != "" {
		crawlerClient := crawler.NewHTTPClient(cfg.Crawler.BaseURL, cfg.Crawler.Token, cfg.Crawler.Timeout)
		opts = append(opts, analysis.WithCrawler(crawlerClient, cfg.PublicBaseURL))
		checks = append(checks, handler.HealthCheck{Name: "crawler", Ping: crawlerClient.Ready})
		slog.Info("crawler configured", "base_url", cfg.Crawler.BaseURL)
	}

	pipeline := analysis.New(st, payloads,
		ai.NewService(aiProvider, cfg.AI.InferenceTimeout),
		sourceValidator, q, opts...)

	// 8. Workers outlive the signal context so in-flight analyses can finish
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workersDone := make(chan error, 1)
	go func() {
		slog.Info("analysis workers started", "backend", cfg.Queue.Backend, "workers", cfg.Queue.Workers)
		workersDone <- q.Run(workerCtx, pipeline.Process)
	}()

	if cfg.Queue.Backend == "memory" {
		if _, err := pipeline.Recover(ctx); err != nil {
			slog.Error("job recovery failed", "error", err)
		}
	}

	// 9. Router
	router := api.NewRouter(api.Dependencies{
		Auth:          mw.NewAuth(st),
		RateLimit:     mw.NewRateLimit(redisCache, cfg.RateLimit.PerMinute),
		WebhookSecret: cfg.WebhookSecret,

		HealthHandler: handler.NewHealthHandler(checks...),
		IngestHandler: handler.NewIngestHandler(pipeline),

		CreateJobHandler: handler.NewCreateJobHandler(pipeline),
		ListJobsHandler:  handler.NewListJobsHandler(pipeline),
		GetJobHandler:    handler.NewGetJobHandler(pipeline),
		JobStatusHandler: handler.NewJobStatusHandler(pipeline),
		JobReportHandler: handler.NewJobReportHandler(pipeline),
		RetryJobHandler:  handler.NewRetryJobHandler(pipeline),
		DeleteJobHandler: handler.NewDeleteJobHandler(pipeline),
		ValidateHandler:  handler.NewValidateHandler(sourceValidator),

		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	})

	// 10. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case err := <-workersDone:
		return fmt.Errorf("analysis workers stopped: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Stop taking tasks and let running analyses finish.
	_ = q.Close()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		slog.Warn("analysis workers did not drain in time")
		cancelWorkers()
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openStore returns the configured job store and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.StoreBackend == "memory" {
		slog.Warn("using in-memory store; jobs are lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

// openBlobStore returns the configured blob store, plus a health check when
// the store is remote.
func openBlobStore(ctx context.Context, cfg config.BlobConfig) (payload.BlobStore, *handler.HealthCheck, error) {
	if cfg.Backend != "minio" {
		return payload.NewMemoryBlobStore(), nil, nil
	}
	blobs, err := payload.NewMinIOBlobStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect minio: %w", err)
	}
	slog.Info("minio connected", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return blobs, &handler.HealthCheck{Name: "blob", Ping: blobs.Ping}, nil
}

// openQueue returns the configured analysis queue.
func openQueue(cfg config.QueueConfig, client *redis.Client) (queue.Queue, error) {
	switch cfg.Backend {
	case "redis":
		return queue.NewRedisQueue(client, cfg.Name, cfg.Workers, cfg.MaxAttempts), nil
	case "amqp":
		q, err := queue.NewAMQPQueue(cfg.AMQPURL, cfg.Name, cfg.Workers, cfg.MaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		return q, nil
	default:
		return queue.NewMemoryQueue(cfg.Workers, cfg.Buffer, cfg.MaxAttempts), nil
	}
}
