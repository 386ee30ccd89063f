package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-adyen/internal/adyen"
	"github.com/noah-isme/toko-adyen/internal/config"
	"github.com/noah-isme/toko-adyen/internal/events"
	"github.com/noah-isme/toko-adyen/internal/lock"
	"github.com/noah-isme/toko-adyen/internal/migrations"
	"github.com/noah-isme/toko-adyen/internal/obs"
	"github.com/noah-isme/toko-adyen/internal/payment"
	"github.com/noah-isme/toko-adyen/internal/queue"
	"github.com/noah-isme/toko-adyen/internal/resilience"
	"github.com/noah-isme/toko-adyen/internal/scheduler"
)

// Dependencies holds the infrastructure shared by the API and the worker.
type Dependencies struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *pgxpool.Pool
	Redis      *redis.Client
	Validator  *validator.Validate
	TaskClient *asynq.Client
	Breaker    *resilience.Breaker
	Adyen      *adyen.Client
	Factory    *adyen.PayloadFactory
	Locker     lock.Locker
	Queue      queue.Enqueuer
	Events     *events.Bus
	Repo       payment.PGRepository
}

// New connects Postgres and Redis and builds the Adyen client. The caller
// owns the returned value and must Close it.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, appName string) (*Dependencies, error) {
	pool, err := NewPool(ctx, cfg.DatabaseURL, appName)
	if err != nil {
		return nil, err
	}
	rdb, err := NewRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	redisOpt, err := scheduler.RedisOpt(cfg.RedisURL)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, err
	}

	baseURL, err := adyen.BaseURL(cfg.Adyen.Environment, cfg.Adyen.LivePrefix)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, err
	}
	breaker := resilience.NewBreaker(cfg.Adyen.BreakerMinReq, cfg.Adyen.BreakerRatio, cfg.Adyen.BreakerOpenFor).
		WithTarget("adyen").
		WithLogger(logger)
	clientLogger := logger.With().Str("component", "adyen_http").Logger()
	client, err := adyen.NewClient(baseURL, cfg.Adyen.APIKey, resilience.HTTPClient{
		Client:      NewHTTPClient(cfg.Adyen.Timeout),
		Breaker:     breaker,
		BaseBackoff: cfg.Adyen.BaseBackoff,
		MaxAttempts: cfg.Adyen.MaxAttempts,
		Jitter:      0.2,
		Timeout:     cfg.Adyen.Timeout,
		Target:      "adyen",
		Logger:      &clientLogger,
	}, logger)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, err
	}

	return &Dependencies{
		Config:     cfg,
		Logger:     logger,
		DB:         pool,
		Redis:      rdb,
		Validator:  validator.New(validator.WithRequiredStructEnabled()),
		TaskClient: asynq.NewClient(redisOpt),
		Breaker:    breaker,
		Adyen:      client,
		Factory:    adyen.NewPayloadFactory(adyen.DefaultVersionResolver(cfg.AppVersion), adyen.OrderNormalizer{}, adyen.NewESDCollector()),
		Locker:     lock.Locker{R: rdb, Prefix: "lock"},
		Queue:      queue.Enqueuer{R: rdb, Prefix: cfg.Queue.Name, MaxAttempts: cfg.Queue.MaxAttempts},
		Events: &events.Bus{
			Store:     events.PGStore{Pool: pool},
			Notifiers: []events.Notifier{events.LogNotifier{Logger: logger.With().Str("component", "events").Logger()}},
		},
		Repo: payment.PGRepository{Pool: pool},
	}, nil
}

// Close releases the connections in reverse order of creation.
func (d *Dependencies) Close() {
	if d.TaskClient != nil {
		if err := d.TaskClient.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close task client")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// Transitioner applies notification items to payments.
func (d *Dependencies) Transitioner() *payment.Transitioner {
	return &payment.Transitioner{
		Repo:          d.Repo,
		Locker:        d.Locker,
		Events:        d.Events,
		ManualCapture: d.Config.ManualCapture(),
		Logger:        d.Logger.With().Str("component", "transitioner").Logger(),
	}
}

// PaymentService builds the checkout and back-office service.
func (d *Dependencies) PaymentService() *payment.Service {
	opts := d.Config.GatewayOptions()
	shoppers := payment.ShopperResolver{Repo: d.Repo}
	return &payment.Service{
		Repo:          d.Repo,
		Gateway:       d.Adyen,
		Factory:       d.Factory,
		Options:       opts,
		ManualCapture: d.Config.ManualCapture(),
		ReturnURL:     d.Config.Adyen.ReturnURL,
		MethodCode:    d.Config.Adyen.PaymentMethodCode,
		Locker:        d.Locker,
		Shoppers:      shoppers,
		Methods: payment.MethodsProvider{
			Gateway:       d.Adyen,
			Factory:       d.Factory,
			Options:       opts,
			ManualCapture: d.Config.ManualCapture(),
			Shoppers:      shoppers,
		},
		Links: scheduler.LinkExpirations{
			Client: d.TaskClient,
			Logger: d.Logger.With().Str("component", "scheduler").Logger(),
		},
		LinkTTL: d.Config.Adyen.PaymentLinkTTL,
		Logger:  d.Logger.With().Str("component", "payment").Logger(),
	}
}

// RefundService builds the refund flow.
func (d *Dependencies) RefundService() *payment.RefundService {
	return &payment.RefundService{
		Repo:       d.Repo,
		Gateway:    d.Adyen,
		Factory:    d.Factory,
		Options:    d.Config.GatewayOptions(),
		MethodCode: d.Config.Adyen.PaymentMethodCode,
		Queue:      d.Queue,
		Locker:     d.Locker,
		Logger:     d.Logger.With().Str("component", "refunds").Logger(),
	}
}

// NewPool opens a traced pgx pool and checks connectivity.
func NewPool(ctx context.Context, databaseURL, appName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis opens an instrumented Redis client and checks connectivity.
func NewRedis(ctx context.Context, redisURL string, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewHTTPClient returns the traced client used for outbound gateway calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// RunMigrations applies the embedded schema.
func RunMigrations(databaseURL string, logger zerolog.Logger) error {
	m, err := migrations.New(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err := errors.Join(srcErr, dbErr); err != nil {
			logger.Error().Err(err).Msg("close migrator")
		}
	}()
	return migrations.Up(m, logger)
}
