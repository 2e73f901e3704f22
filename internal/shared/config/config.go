package config

import (
	"time"

	"github.com/labforge/labmesh/internal/shared/env"
)

// Config carries everything the lab binaries read from the environment.
// Each binary uses the subset it needs; unset keys fall back to defaults
// that work against a local docker-compose stack.
type Config struct {
	AppEnv      string
	ServiceName string

	HTTPAddr    string
	MetricsAddr string

	DatabaseURL string

	KafkaBrokers []string
	KafkaGroupID string

	OutboxBatchSize         int
	OutboxPollInterval      time.Duration
	OutboxProcessingTimeout time.Duration
	OutboxMaxAttempts       int

	InboxMaxAttempts int

	BridgePollInterval time.Duration
	BridgeDeadline     time.Duration
}

func Load(service string) Config {
	loadDotEnv(".env")

	return Config{
		AppEnv:      env.String("APP_ENV", "dev"),
		ServiceName: env.String("SERVICE_NAME", service),

		HTTPAddr:    env.String("HTTP_ADDR", ":8080"),
		MetricsAddr: env.String("METRICS_ADDR", ":9091"),

		DatabaseURL: env.String("DATABASE_URL", ""),

		KafkaBrokers: env.StringsCSV("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: env.String("KAFKA_GROUP_ID", service),

		OutboxBatchSize:         env.Int("OUTBOX_BATCH_SIZE", 50),
		OutboxPollInterval:      env.Duration("OUTBOX_POLL_INTERVAL", 1*time.Second),
		OutboxProcessingTimeout: env.Duration("OUTBOX_PROCESSING_TIMEOUT", 30*time.Second),
		OutboxMaxAttempts:       env.Int("OUTBOX_MAX_ATTEMPTS", 25),

		InboxMaxAttempts: env.Int("INBOX_MAX_ATTEMPTS", 10),

		BridgePollInterval: env.Duration("BRIDGE_POLL_INTERVAL", 200*time.Millisecond),
		BridgeDeadline:     env.Duration("BRIDGE_DEADLINE", 5*time.Second),
	}
}
