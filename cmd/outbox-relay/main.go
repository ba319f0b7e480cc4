// Package main provides the outbox relay service entry point.
// It publishes dose events committed by the dose API to Redpanda.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/config"
	"github.com/drfirst/go-mar/internal/infrastructure/postgres"
	"github.com/drfirst/go-mar/internal/infrastructure/redpanda"
	"github.com/drfirst/go-mar/internal/observability/metrics"
	"github.com/drfirst/go-mar/internal/observability/tracing"
)

const serviceName = "outbox-relay"

func main() {
	cfg, err := config.LoadOutboxRelay()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing(serviceName))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if cfg.EnsureTopics {
		admin, err := redpanda.NewAdmin(cfg.Brokers, logger)
		if err != nil {
			logger.Fatal("admin client creation failed", zap.Error(err))
		}
		err = admin.EnsureTopics(ctx)
		admin.Close()
		if err != nil {
			logger.Fatal("topic provisioning failed", zap.Error(err))
		}
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Brokers))

	m := metrics.New(nil)

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.BatchSize
	outboxCfg.PollInterval = cfg.PollInterval
	outboxCfg.MaxRetries = cfg.MaxRetries
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m.ObserveEventPublished, logger)

	outbox.Start()

	r := chi.NewRouter()
	r.Get("/health", healthHandler(producer, outbox))
	r.Handle("/metrics", metrics.Handler())

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	maintain(ctx, outbox, m, cfg, logger)

	logger.Info("shutting down")
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}

// maintain moves exhausted entries to the dead letter topic, prunes relayed
// entries and reports the backlog until ctx is done
func maintain(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, cfg *config.OutboxRelay, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.DeadLetterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if moved, err := outbox.MoveToDeadLetter(ctx); err != nil {
			logger.Error("dead letter sweep failed", zap.Error(err))
		} else if moved > 0 {
			logger.Warn("outbox entries moved to dead letter", zap.Int64("count", moved))
		}
		if removed, err := outbox.CleanupProcessed(ctx, cfg.Retention); err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
		} else if removed > 0 {
			logger.Info("outbox cleanup completed", zap.Int64("deleted", removed))
		}
		if pending, err := outbox.Pending(ctx); err == nil {
			m.SetOutboxPending(pending)
		}
	}
}

// healthHandler reports what the relay has published and the outbox backlog
func healthHandler(producer *redpanda.Producer, outbox *postgres.Outbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := producer.Stats()
		body := map[string]any{
			"status":        "healthy",
			"service":       serviceName,
			"messages_sent": stats.MessagesSent,
			"errors":        stats.ErrorCount,
		}
		status := http.StatusOK
		if pending, err := outbox.Pending(r.Context()); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			body["pending"] = pending
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
}
