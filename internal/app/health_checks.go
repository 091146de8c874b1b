package app

import (
	"context"

	healthcheck "github.com/vladislavdragonenkov/settlement/internal/health"
	"github.com/vladislavdragonenkov/settlement/internal/messaging/kafka"
)

// newHealthHandler регистрирует проверки подключённых зависимостей:
// Postgres критичен, Redis и Kafka только деградируют сервис.
func newHealthHandler(versionLabel string, cfg Config, deps *runtimeDependencies, producer *kafka.Producer) *healthcheck.Handler {
	handler := healthcheck.NewHandler(versionLabel)

	if deps.store != nil {
		handler.RegisterCritical("postgres", healthcheck.CheckerFunc(deps.store.Ping))
	}
	if deps.redis != nil {
		client := deps.redis
		handler.RegisterOptional("redis", healthcheck.CheckerFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
	if cfg.KafkaEnabled() {
		handler.RegisterOptional("kafka", healthcheck.CheckerFunc(func(context.Context) error {
			if producer == nil {
				return errKafkaUnavailable
			}
			return nil
		}))
	}

	return handler
}
