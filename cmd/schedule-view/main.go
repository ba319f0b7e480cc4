// Package main provides the schedule view service entry point. It keeps one
// schedule context's reminders fresh and records dose administrations
// through the dose API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-mar/internal/api/handlers"
	"github.com/drfirst/go-mar/internal/api/middleware"
	"github.com/drfirst/go-mar/internal/client/doseapi"
	"github.com/drfirst/go-mar/internal/config"
	"github.com/drfirst/go-mar/internal/domain/dose"
	"github.com/drfirst/go-mar/internal/infrastructure/redpanda"
	"github.com/drfirst/go-mar/internal/observability/metrics"
	"github.com/drfirst/go-mar/internal/observability/tracing"
	"github.com/drfirst/go-mar/internal/schedule"
	"github.com/drfirst/go-mar/pkg/circuitbreaker"
)

const serviceName = "schedule-view"

func main() {
	cfg, err := config.LoadScheduleView()
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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("schedule view failed", zap.Error(err))
	}
	logger.Info("schedule view stopped")
}

func run(cfg *config.ScheduleView, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := cfg.Tracing(serviceName)
	traceCfg.Attributes = append(traceCfg.Attributes, tracing.ScheduleContextKey.String(cfg.ScheduleContextID))
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	clientCfg := doseapi.DefaultConfig(cfg.DoseAPIURL)
	clientCfg.APIKey = cfg.DoseAPIKey
	clientCfg.Timeout = cfg.RequestTimeout
	clientCfg.Breaker.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}
	client, err := doseapi.New(clientCfg, logger)
	if err != nil {
		return fmt.Errorf("create dose api client: %w", err)
	}

	machine := dose.NewMachine(client, dose.WithLogger(logger))
	viewCfg := schedule.DefaultConfig(cfg.ScheduleContextID)
	viewCfg.PollInterval = cfg.PollInterval
	view := schedule.NewView(viewCfg, client, machine, m, logger)

	var consumer *redpanda.Consumer
	if len(cfg.Brokers) > 0 {
		consumerCfg := redpanda.DefaultConsumerConfig()
		consumerCfg.Brokers = cfg.Brokers
		consumerCfg.GroupID = cfg.ConsumerGroup
		consumer, err = redpanda.NewConsumer(consumerCfg, func(ctx context.Context, event *dose.Event) error {
			m.ObserveEventConsumed()
			view.Notify(event.ScheduleContextID)
			return nil
		}, logger)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler(cfg, client, consumer))
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/api/v1/schedule", handlers.NewScheduleHandler(view, logger).Routes())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := view.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if consumer != nil {
		g.Go(func() error {
			consumer.Start()
			<-gctx.Done()
			return consumer.Stop()
		})
		logger.Info("push refresh enabled",
			zap.Strings("brokers", cfg.Brokers),
			zap.String("group", cfg.ConsumerGroup))
	}

	g.Go(func() error {
		logger.Info("starting schedule view",
			zap.String("port", cfg.Port),
			zap.String("schedule_context_id", cfg.ScheduleContextID),
			zap.String("dose_api", cfg.DoseAPIURL))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		view.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// healthHandler reports the dose API breaker and, with push refresh
// enabled, the event consumer's progress
func healthHandler(cfg *config.ScheduleView, client *doseapi.Client, consumer *redpanda.Consumer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":              "healthy",
			"service":             serviceName,
			"schedule_context_id": cfg.ScheduleContextID,
			"dose_api":            string(client.Breaker().State()),
		}
		if consumer != nil {
			stats := consumer.Stats()
			body["events"] = map[string]any{
				"messages_read":    stats.MessagesRead,
				"bytes_read":       stats.BytesRead,
				"errors":           stats.ErrorCount,
				"last_commit_time": stats.LastCommitTime,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
}
