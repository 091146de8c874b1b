// Package app собирает сервис расчётов консультаций: хранилища, очередь
// анализа, HTTP и gRPC транспорты, фоновые воркеры и сервер метрик.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/settlement/internal/health"
	"github.com/vladislavdragonenkov/settlement/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/settlement/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/settlement/internal/service/grpc"
	"github.com/vladislavdragonenkov/settlement/internal/service/outbox"
	"github.com/vladislavdragonenkov/settlement/internal/version"
)

const defaultShutdownTimeout = 5 * time.Second

// application: собранный сервис до запуска сетевых серверов.
type application struct {
	cfg      Config
	logger   *log.Entry
	deps     *runtimeDependencies
	metrics  *metrics.SettlementMetrics
	services *services
	producer *kafka.Producer
	health   *healthcheck.Handler
	outbox   *outbox.Worker
}

// newApplication открывает зависимости и связывает сервисы.
func newApplication(ctx context.Context, cfg Config, logger *log.Entry) (*application, error) {
	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.NewSettlementMetrics()
	provider := newPaymentProvider(cfg, logger)
	svc := buildServices(cfg, deps, provider, m, logger)

	// Ошибка Kafka не останавливает сервис: outbox копится до восстановления брокера.
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)

	publisher, dlq := outboxPublishers(cfg, producer, logger)
	options := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox")),
		outbox.WithMetrics(m),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if dlq != nil {
		options = append(options, outbox.WithDLQPublisher(dlq))
	}

	return &application{
		cfg:      cfg,
		logger:   logger,
		deps:     deps,
		metrics:  m,
		services: svc,
		producer: producer,
		health:   newHealthHandler(version.Current().Version, cfg, deps, producer),
		outbox:   outbox.NewWorker(deps.outbox, publisher, options...),
	}, nil
}

// startWorkers запускает фоновые воркеры; возвращённая функция ждёт их завершения
// после отмены ctx.
func (a *application) startWorkers(ctx context.Context) func() {
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.WithField("worker", name).Info("worker started")
			fn(ctx)
			a.logger.WithField("worker", name).Info("worker stopped")
		}()
	}

	run("analysis", func(ctx context.Context) {
		if err := a.services.trigger.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.WithError(err).Error("analysis queue stopped with error")
		}
	})
	run("reconcile", a.services.reconciler.Run)
	run("outbox", a.outbox.Run)
	run("idempotency-cleanup", a.services.cleanup.Run)

	relay, err := startPaymentRelay(ctx, a.cfg, a.producer, a.services.ingestor, a.logger)
	if err != nil {
		a.logger.WithError(err).Warn("payment relay is disabled")
	}

	return func() {
		wg.Wait()
		stopPaymentRelay(relay, a.logger)
	}
}

func (a *application) close() {
	closeKafka(a.producer, a.logger)
	a.deps.close(a.logger)
}

// newGRPCServer регистрирует ConsultationService, health, reflection и prometheus-интерцепторы.
func (a *application) newGRPCServer() (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			a.logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	grpcsvc.RegisterConsultationServer(grpcServer, a.services.grpcService)
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return grpcServer, healthServer
}

// Run запускает сервис и блокируется до отмены ctx или падения сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	logger.WithFields(version.Current().Fields()).Info("starting settlement service")

	a, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}

	workersCtx, stopWorkers := context.WithCancel(ctx)
	waitWorkers := a.startWorkers(workersCtx)
	defer func() {
		stopWorkers()
		waitWorkers()
	}()

	grpcServer, healthServer := a.newGRPCServer()
	apiSrv := &http.Server{Handler: a.services.httpHandler.Router(), ReadHeaderTimeout: 5 * time.Second}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, a.health)

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		errCh <- grpcServer.Serve(grpcLis)
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		if err := apiSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	stopGRPC(grpcServer, shutdownTimeout, logger)
	shutdownHTTP(apiSrv, shutdownTimeout, logger)
	shutdownHTTP(metricsSrv, shutdownTimeout, logger)
	return runErr
}

// stopGRPC ждёт завершения активных вызовов не дольше timeout.
func stopGRPC(server *grpc.Server, timeout time.Duration, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает /metrics и health-пробы.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: metricsMux(healthHandler), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, defaultShutdownTimeout, logger)
	}()

	return srv
}

func metricsMux(healthHandler *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	return mux
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
