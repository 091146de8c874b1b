package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"
)

const envPrefix = "SETTLEMENT_"

// StorageDriver выбирает реализацию репозиториев.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// QueueDriver выбирает реализацию очереди задач анализа.
type QueueDriver string

const (
	QueueDriverMemory QueueDriver = "memory"
	QueueDriverRedis  QueueDriver = "redis"
)

// Config описывает настройки запуска сервиса. Значения из окружения
// с префиксом SETTLEMENT_ перекрывают DefaultConfig.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR"`
	GRPCAddr    string `env:"GRPC_ADDR"`
	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL"`

	StorageDriver        StorageDriver `env:"STORAGE_DRIVER"`
	PostgresDSN          string        `env:"POSTGRES_DSN"`
	PostgresAutoMigrate  bool          `env:"POSTGRES_AUTO_MIGRATE"`
	PostgresMaxOpenConns int           `env:"POSTGRES_MAX_OPEN_CONNS"`

	JobQueueDriver QueueDriver `env:"JOBQUEUE_DRIVER"`
	RedisAddr      string      `env:"REDIS_ADDR"`
	RedisPassword  string      `env:"REDIS_PASSWORD"`
	RedisDB        int         `env:"REDIS_DB"`

	KafkaBrokers       []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaEventsTopic   string        `env:"KAFKA_EVENTS_TOPIC"`
	KafkaPaymentTopic  string        `env:"KAFKA_PAYMENT_TOPIC"`
	KafkaDLQTopic      string        `env:"KAFKA_DLQ_TOPIC"`
	KafkaConsumerGroup string        `env:"KAFKA_CONSUMER_GROUP"`
	KafkaMaxRetries    int           `env:"KAFKA_MAX_RETRIES"`
	KafkaRetryDelay    time.Duration `env:"KAFKA_RETRY_DELAY"`

	ProviderBaseURL       string        `env:"PROVIDER_BASE_URL"`
	ProviderReturnURL     string        `env:"PROVIDER_RETURN_URL"`
	ProviderTimeout       time.Duration `env:"PROVIDER_TIMEOUT"`
	ProviderWebhookSecret string        `env:"PROVIDER_WEBHOOK_SECRET"`

	AnalysisWorkers     int           `env:"ANALYSIS_WORKERS"`
	AnalysisQueueBuffer int           `env:"ANALYSIS_QUEUE_BUFFER"`
	AnalysisMaxAttempts int           `env:"ANALYSIS_MAX_ATTEMPTS"`
	AnalysisRetryDelay  time.Duration `env:"ANALYSIS_RETRY_DELAY"`
	AnalysisStubLatency time.Duration `env:"ANALYSIS_STUB_LATENCY"`

	ReconcileInterval             time.Duration `env:"RECONCILE_INTERVAL"`
	ReconcileVerifyAfter          time.Duration `env:"RECONCILE_VERIFY_AFTER"`
	ReconcileStalledAfter         time.Duration `env:"RECONCILE_STALLED_AFTER"`
	ReconcileGeneratingStuckAfter time.Duration `env:"RECONCILE_GENERATING_STUCK_AFTER"`
	ReconcileBatchSize            int           `env:"RECONCILE_BATCH_SIZE"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay   time.Duration `env:"OUTBOX_RETRY_DELAY"`

	IdempotencyCleanupInterval  time.Duration `env:"IDEMPOTENCY_CLEANUP_INTERVAL"`
	IdempotencyCleanupBatchSize int           `env:"IDEMPOTENCY_CLEANUP_BATCH_SIZE"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

// DefaultConfig возвращает локальную конфигурацию: память вместо Postgres и Redis, без Kafka.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		LogLevel:    "info",

		StorageDriver:        StorageDriverMemory,
		PostgresAutoMigrate:  true,
		PostgresMaxOpenConns: 25,

		JobQueueDriver: QueueDriverMemory,
		RedisAddr:      "localhost:6379",

		KafkaEventsTopic:   "settlement.consultation.events",
		KafkaPaymentTopic:  "settlement.payment.events",
		KafkaDLQTopic:      "settlement.dlq",
		KafkaConsumerGroup: "settlement-service",
		KafkaMaxRetries:    3,
		KafkaRetryDelay:    time.Second,

		ProviderTimeout: 10 * time.Second,

		AnalysisWorkers:     2,
		AnalysisQueueBuffer: 256,
		AnalysisMaxAttempts: 3,
		AnalysisRetryDelay:  2 * time.Second,

		ReconcileInterval:             30 * time.Second,
		ReconcileVerifyAfter:          2 * time.Minute,
		ReconcileStalledAfter:         time.Minute,
		ReconcileGeneratingStuckAfter: 15 * time.Minute,
		ReconcileBatchSize:            100,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,

		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		ShutdownTimeout: 5 * time.Second,
	}
}

// LoadConfig читает окружение процесса поверх DefaultConfig.
func LoadConfig() (Config, error) {
	return loadConfig(env.Options{Prefix: envPrefix})
}

// LoadConfigFrom читает конфигурацию из переданной карты (ключи с префиксом SETTLEMENT_).
func LoadConfigFrom(environment map[string]string) (Config, error) {
	return loadConfig(env.Options{Prefix: envPrefix, Environment: environment})
}

func loadConfig(opts env.Options) (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StorageDriver = StorageDriver(strings.ToLower(strings.TrimSpace(string(c.StorageDriver))))
	c.JobQueueDriver = QueueDriver(strings.ToLower(strings.TrimSpace(string(c.JobQueueDriver))))
	c.PostgresDSN = strings.TrimSpace(c.PostgresDSN)

	brokers := make([]string, 0, len(c.KafkaBrokers))
	for _, broker := range c.KafkaBrokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	c.KafkaBrokers = brokers
}

// KafkaEnabled сообщает, настроены ли брокеры.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	if strings.TrimSpace(c.GRPCAddr) == "" {
		errs = append(errs, errors.New("grpc addr is required"))
	}
	if strings.TrimSpace(c.MetricsAddr) == "" {
		errs = append(errs, errors.New("metrics addr is required"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.JobQueueDriver {
	case QueueDriverMemory:
	case QueueDriverRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("redis addr is required for redis job queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported job queue driver %q", c.JobQueueDriver))
	}

	if c.KafkaEnabled() {
		if c.KafkaEventsTopic == "" || c.KafkaPaymentTopic == "" || c.KafkaDLQTopic == "" {
			errs = append(errs, errors.New("kafka topics must not be empty"))
		}
		if c.KafkaConsumerGroup == "" {
			errs = append(errs, errors.New("kafka consumer group is required"))
		}
	}

	if c.AnalysisWorkers <= 0 {
		errs = append(errs, errors.New("analysis workers must be positive"))
	}
	if c.AnalysisMaxAttempts <= 0 {
		errs = append(errs, errors.New("analysis max attempts must be positive"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("reconcile interval must be positive"))
	}
	if c.OutboxPollInterval <= 0 || c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox poll interval, batch size and max attempts must be positive"))
	}
	if c.IdempotencyCleanupInterval <= 0 {
		errs = append(errs, errors.New("idempotency cleanup interval must be positive"))
	}

	return errors.Join(errs...)
}
