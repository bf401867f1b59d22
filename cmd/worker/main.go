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

	"golang.org/x/sync/errgroup"

	"payroll-settlement/internal/archive"
	"payroll-settlement/internal/cache"
	"payroll-settlement/internal/config"
	"payroll-settlement/internal/gateway"
	"payroll-settlement/internal/queue"
	"payroll-settlement/internal/store"
	"payroll-settlement/internal/store/memory"
	"payroll-settlement/internal/telemetry"
	workerproc "payroll-settlement/internal/worker"
)

func main() {
	cfg := config.Load()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := telemetry.NewLogger(cfg).With("worker_id", workerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()

	var source workerproc.Source
	switch cfg.QueueBackend {
	case "kafka":
		kq := queue.NewKafkaQueue(cfg)
		defer kq.Close()
		source = kq
	default:
		source = queue.NewRedisQueue(redisClient, cfg)
	}

	uploader, err := archive.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init receipt archive: %w", err)
	}
	handler := workerproc.NewDisbursementHandler(st, gateway.New(cfg), uploader, logger).
		WithCache(cache.New(redisClient, cfg.CacheKeyPrefix, 0))
	processor := workerproc.NewProcessor(cfg, source, cfg.DisbursementTopic, handler.Handle, logger)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("worker started", "topic", cfg.DisbursementTopic, "queue", cfg.QueueBackend,
			"visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial, "max_attempts", cfg.MaxAttempts)
		if err := processor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (workerproc.Store, func(), error) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store; it does not see transactions settled by the api process")
		return memory.New(), func() {}, nil
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, st.Close, nil
}
