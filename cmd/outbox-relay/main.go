package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labforge/labmesh/internal/outbox"
	"github.com/labforge/labmesh/internal/shared/config"
	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/kafkax"
	"github.com/labforge/labmesh/internal/shared/logger"
)

const appName = "outbox-relay"

func main() {
	cfg := config.Load(appName)
	log := logger.New(appName, cfg.AppEnv)

	if cfg.DatabaseURL == "" {
		log.Error("config_error", slog.String("err", "DATABASE_URL is empty"))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.OpenPostgres(ctx, db.PostgresConfig{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		log.Error("db_open_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := pg.Close(); err != nil {
			log.Error("db_close_failed", slog.String("err", err.Error()))
		}
	}()

	producer := kafkax.NewProducer(kafkax.ProducerConfig{
		Brokers:  cfg.KafkaBrokers,
		ClientID: cfg.ServiceName,
	})
	defer func() { _ = producer.Close() }()

	reg := prometheus.NewRegistry()

	relay := &outbox.Relay{
		Store:             outbox.NewPostgresStore(pg, cfg.ServiceName),
		Publisher:         producer,
		Log:               log,
		Metrics:           outbox.NewMetrics(reg),
		BatchSize:         cfg.OutboxBatchSize,
		PollInterval:      cfg.OutboxPollInterval,
		ProcessingTimeout: cfg.OutboxProcessingTimeout,
		MaxAttempts:       cfg.OutboxMaxAttempts,
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("metrics_listen", slog.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics_server_error", slog.String("err", err.Error()))
		}
	}()

	relay.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
