package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labforge/labmesh/internal/inbox"
	"github.com/labforge/labmesh/internal/monitoring"
	"github.com/labforge/labmesh/internal/outbox"
	"github.com/labforge/labmesh/internal/shared/config"
	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
	"github.com/labforge/labmesh/internal/shared/kafkax"
	"github.com/labforge/labmesh/internal/shared/logger"
	"github.com/labforge/labmesh/internal/warehouse"
)

const appName = "warehouse-service"

// The warehouse answers every reagent request topic, debits consumption from
// analysis results, and archives monitoring events.
var consumedTypes = []string{
	events.TypeReagentInstallRequest,
	events.TypeReagentUninstallRequest,
	events.TypeReagentSyncRequest,
	events.TypeAnalysisResponse,
	events.TypeMonitoringEvent,
}

func main() {
	cfg := config.Load(appName)
	log := logger.New(appName, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()

	var (
		outboxStore outbox.Store
		inboxStore  inbox.Store
		stock       warehouse.StockStore
		assignments warehouse.AssignmentStore
		audit       monitoring.AuditStore
	)

	if cfg.DatabaseURL != "" {
		pg, err := db.OpenPostgres(ctx, db.PostgresConfig{DatabaseURL: cfg.DatabaseURL})
		if err != nil {
			log.Error("db_open_failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer func() { _ = pg.Close() }()

		outboxStore = outbox.NewPostgresStore(pg, cfg.ServiceName)
		inboxStore = inbox.NewPostgresStore(pg)
		stock = warehouse.NewPostgresStockStore(pg)
		assignments = warehouse.NewPostgresAssignmentStore(pg)
		audit = monitoring.NewPostgresAuditStore(pg)
		log.Info("store_mode", slog.String("mode", "postgres"))
	} else {
		outboxStore = outbox.NewMemoryStore(cfg.ServiceName)
		inboxStore = inbox.NewMemoryStore()
		stock = warehouse.NewMemoryStockStore()
		assignments = warehouse.NewMemoryAssignmentStore()
		audit = monitoring.NewMemoryAuditStore()
		log.Warn("store_mode", slog.String("mode", "memory"))
	}

	svc := &warehouse.Service{
		Stock:       stock,
		Assignments: assignments,
		Outbox:      outboxStore,
		Source:      cfg.ServiceName,
		Log:         log,
	}
	recorder := &monitoring.Recorder{Store: audit}

	consumer := inbox.NewConsumer(log, inboxStore, inbox.NewMetrics(reg), cfg.InboxMaxAttempts)
	svc.RegisterHandlers(consumer)
	recorder.RegisterHandlers(consumer)

	var wg sync.WaitGroup
	for _, eventType := range consumedTypes {
		topic, ok := events.TopicFor(eventType)
		if !ok {
			log.Error("no_topic_for_type", slog.String("event_type", eventType))
			os.Exit(2)
		}
		src := kafkax.NewConsumer(kafkax.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   topic,
			GroupID: cfg.KafkaGroupID,
		})
		defer func() { _ = src.Close() }()

		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.RunKafka(ctx, src, topic)
		}()
	}

	// Replies are staged on the outbox; without a database the standalone
	// relay has nothing to poll, so run one in-process.
	if cfg.DatabaseURL == "" {
		producer := kafkax.NewProducer(kafkax.ProducerConfig{
			Brokers:  cfg.KafkaBrokers,
			ClientID: cfg.ServiceName,
		})
		defer func() { _ = producer.Close() }()

		relay := &outbox.Relay{
			Store:             outboxStore,
			Publisher:         producer,
			Log:               log,
			Metrics:           outbox.NewMetrics(reg),
			BatchSize:         cfg.OutboxBatchSize,
			PollInterval:      cfg.OutboxPollInterval,
			ProcessingTimeout: cfg.OutboxProcessingTimeout,
			MaxAttempts:       cfg.OutboxMaxAttempts,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx)
		}()
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

	<-ctx.Done()
	log.Info("shutdown_start")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("shutdown_done")
}
