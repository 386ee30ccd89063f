package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/toko-adyen/internal/adyen"
	"github.com/noah-isme/toko-adyen/internal/app"
	"github.com/noah-isme/toko-adyen/internal/config"
	"github.com/noah-isme/toko-adyen/internal/obs"
	"github.com/noah-isme/toko-adyen/internal/payment"
	"github.com/noah-isme/toko-adyen/internal/queue"
	"github.com/noah-isme/toko-adyen/internal/resilience"
	"github.com/noah-isme/toko-adyen/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil, append(resilience.Collectors(), queue.Collectors()...)...)

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		ServiceName:    cfg.ServiceName + "-worker",
		ServiceVersion: cfg.AppVersion,
		Endpoint:       cfg.OTELEndpoint,
		Environment:    cfg.AppEnv,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise tracing")
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, logger, "toko-adyen-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	processor := &payment.NotificationProcessor{
		Resolver:     adyen.EventCodeResolver{},
		Transitioner: deps.Transitioner(),
		Logger:       logger.With().Str("component", "notification_processor").Logger(),
	}
	refunds := deps.RefundService()
	dlqStore := queue.NewStore(deps.DB)

	workers := []queue.Worker{
		{
			Kind:    payment.TaskNotification,
			Handler: processor.Handle,
		},
		{
			Kind:    payment.TaskRefundReference,
			Handler: refunds.HandleReference,
		},
	}

	redisOpt, err := scheduler.RedisOpt(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("asynq redis options")
	}
	taskServer := scheduler.NewServer(redisOpt, scheduler.DefaultQueue, 2, logger)
	linkHandler := scheduler.LinkExpirationHandler{
		Payments: deps.PaymentService(),
		Logger:   logger.With().Str("component", "link_expiration").Logger(),
	}
	if err := taskServer.Start(scheduler.NewServeMux(linkHandler)); err != nil {
		logger.Fatal().Err(err).Msg("start scheduled task server")
	}

	metricsAddr := envOrDefault("WORKER_METRICS_ADDR", ":9091")
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	var wg sync.WaitGroup
	for _, w := range workers {
		w.R = deps.Redis
		w.Prefix = cfg.Queue.Name
		w.Concurrency = envInt("QUEUE_CONCURRENCY", 4)
		w.VisibilityTimeout = cfg.Queue.Visibility
		w.PollInterval = cfg.Queue.PollInterval
		w.RetryJitter = 0.2
		w.Store = dlqStore
		w.Logger = &logger

		wg.Add(1)
		go func(w queue.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("kind", w.Kind).Msg("queue worker stopped with error")
				stop()
			}
		}(w)
	}

	logger.Info().Int("queues", len(workers)).Str("metrics_addr", metricsAddr).Msg("worker starting")
	<-ctx.Done()
	wg.Wait()
	taskServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info().Msg("worker shutdown complete")
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(envOrDefault(key, ""))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
