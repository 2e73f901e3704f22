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
	"github.com/labforge/labmesh/internal/instrument"
	"github.com/labforge/labmesh/internal/outbox"
	"github.com/labforge/labmesh/internal/replybridge"
	"github.com/labforge/labmesh/internal/shared/config"
	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
	"github.com/labforge/labmesh/internal/shared/httpx"
	"github.com/labforge/labmesh/internal/shared/kafkax"
	"github.com/labforge/labmesh/internal/shared/logger"
	"github.com/labforge/labmesh/internal/warehouse"
)

const appName = "instrument-service"

// consumedTypes are the event types this service subscribes to: the replies
// that resolve waiting bridge calls, plus the warehouse's stock-level
// announcements that feed the local availability replica. One topic per type.
var consumedTypes = []string{
	events.TypeConfigSyncResponse,
	events.TypeConfigAllSyncResponse,
	events.TypeReagentInstallResponse,
	events.TypeReagentSyncResponse,
	events.TypeReagentStockChanged,
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
		reagents    instrument.ReagentStore
		stock       warehouse.StockStore
	)

	// DATABASE_URL names this service's own database. The stock table in it
	// is a replica fed by the warehouse's stock-level topic, never the
	// warehouse's authoritative rows.
	if cfg.DatabaseURL != "" {
		pg, err := db.OpenPostgres(ctx, db.PostgresConfig{DatabaseURL: cfg.DatabaseURL})
		if err != nil {
			log.Error("db_open_failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer func() { _ = pg.Close() }()

		outboxStore = outbox.NewPostgresStore(pg, cfg.ServiceName)
		inboxStore = inbox.NewPostgresStore(pg)
		reagents = instrument.NewPostgresReagentStore(pg)
		stock = warehouse.NewPostgresStockStore(pg)
		log.Info("store_mode", slog.String("mode", "postgres"))
	} else {
		outboxStore = outbox.NewMemoryStore(cfg.ServiceName)
		inboxStore = inbox.NewMemoryStore()
		reagents = instrument.NewMemoryReagentStore()
		stock = warehouse.NewMemoryStockStore()
		log.Warn("store_mode", slog.String("mode", "memory"))
	}

	inventory := &warehouse.Inventory{Stock: stock}
	replica := &warehouse.StockReplica{Stock: stock}

	producer := kafkax.NewProducer(kafkax.ProducerConfig{
		Brokers:  cfg.KafkaBrokers,
		ClientID: cfg.ServiceName,
	})
	defer func() { _ = producer.Close() }()

	bridge := &replybridge.Bridge{
		Outbox:       outboxStore,
		Inbox:        inboxStore,
		Log:          log,
		Metrics:      replybridge.NewMetrics(reg),
		PollInterval: cfg.BridgePollInterval,
		Deadline:     cfg.BridgeDeadline,
	}

	svc := &instrument.Service{
		Bridge:    bridge,
		Outbox:    outboxStore,
		Reagents:  reagents,
		Inventory: inventory,
		Log:       log,
	}

	consumer := inbox.NewConsumer(log, inboxStore, inbox.NewMetrics(reg), cfg.InboxMaxAttempts)
	svc.RegisterHandlers(consumer)
	replica.RegisterHandlers(consumer)

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

	// Memory mode has no database for the standalone relay to poll, so the
	// relay runs in-process against the same store the bridge writes to.
	if cfg.DatabaseURL == "" {
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

	httpMetrics := httpx.NewMetrics(reg)
	router := httpx.NewRouter(httpx.RouterConfig{
		Log:         log,
		Instruments: &instrument.Handler{Log: log, Service: svc},
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpMetrics.Middleware(router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("http_listen", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http_server_error", slog.String("err", err.Error()))
			stop()
		}
	}()

	httpx.WaitAndShutdown(log, srv, 10*time.Second)
	stop()
	wg.Wait()
}
