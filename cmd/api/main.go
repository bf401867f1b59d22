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

	"golang.org/x/sync/errgroup"

	api "payroll-settlement/internal/api"
	"payroll-settlement/internal/cache"
	"payroll-settlement/internal/config"
	"payroll-settlement/internal/dispatch"
	"payroll-settlement/internal/gateway"
	"payroll-settlement/internal/notify"
	"payroll-settlement/internal/payment"
	"payroll-settlement/internal/queue"
	"payroll-settlement/internal/ratelimit"
	"payroll-settlement/internal/store"
	"payroll-settlement/internal/store/memory"
	"payroll-settlement/internal/telemetry"
	"payroll-settlement/internal/webhook"
)

// settlementStore is everything the API process asks of the transaction store.
type settlementStore interface {
	webhook.Store
	payment.Store
	dispatch.Outbox
}

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api stopped", "err", err)
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

	var (
		publisher dispatch.Publisher
		dlq       api.DLQ
	)
	switch cfg.QueueBackend {
	case "kafka":
		kq := queue.NewKafkaQueue(cfg)
		defer kq.Close()
		publisher = kq
	default:
		rq := queue.NewRedisQueue(redisClient, cfg)
		publisher, dlq = rq, rq
	}

	dispatcher := dispatch.New(publisher, st, cfg.DisbursementTopic, logger)
	relay := dispatch.NewRelay(dispatcher, st, cfg.OutboxRelayInterval, cfg.OutboxRelayGrace, logger)
	registry := notify.NewRegistry(logger)
	readCache := cache.New(redisClient, cfg.CacheKeyPrefix, 0)
	limiter := ratelimit.NewTokenBucket(redisClient, "ratelimit:payments", cfg.RateLimitCapacity, cfg.RateLimitRefill)

	payments := payment.NewService(st, gateway.New(cfg), limiter, readCache, cfg.Currency, logger)
	router := webhook.NewRouter(cfg.WebhookCallbackToken, st, dispatcher, registry, readCache, logger)
	if cfg.WebhookCallbackToken == "" {
		logger.Warn("WEBHOOK_CALLBACK_TOKEN is empty; every callback will be rejected")
	}

	server := api.New(router, payments, notify.Handler(registry, logger), dlq, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		registry.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (settlementStore, func(), error) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
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
