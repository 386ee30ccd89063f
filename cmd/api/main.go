package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/toko-adyen/internal/app"
	"github.com/noah-isme/toko-adyen/internal/audit"
	"github.com/noah-isme/toko-adyen/internal/auth"
	"github.com/noah-isme/toko-adyen/internal/common"
	"github.com/noah-isme/toko-adyen/internal/config"
	"github.com/noah-isme/toko-adyen/internal/health"
	"github.com/noah-isme/toko-adyen/internal/obs"
	"github.com/noah-isme/toko-adyen/internal/payment"
	"github.com/noah-isme/toko-adyen/internal/queue"
	"github.com/noah-isme/toko-adyen/internal/ratelimit"
	"github.com/noah-isme/toko-adyen/internal/resilience"
	"github.com/noah-isme/toko-adyen/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil, append(resilience.Collectors(), queue.Collectors()...)...)

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.AppVersion,
		Endpoint:       cfg.OTELEndpoint,
		SamplingRatio:  envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
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

	if cfg.AutoMigrate {
		if err := app.RunMigrations(cfg.DatabaseURL, logger); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	deps, err := app.New(ctx, cfg, logger, "toko-adyen-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	tokens, err := auth.NewTokens(auth.Config{Secret: cfg.JWTSecret})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth tokens")
	}
	authMiddleware := auth.Middleware{Tokens: tokens}

	checkoutLimiter, err := ratelimit.NewRedisLimiter(deps.Redis, "ratelimit:checkout", cfg.CheckoutRateLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise checkout rate limiter")
	}
	limit := ratelimit.Handler{
		Limiter: checkoutLimiter,
		Key:     ratelimit.KeyByUserOrIP,
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter store") },
	}
	idem := common.Idem{R: deps.Redis, TTL: 24 * time.Hour, Prefix: "idem:payments"}

	paymentHandler := &payment.Handler{
		Svc:      deps.PaymentService(),
		Refunds:  deps.RefundService(),
		Validate: deps.Validator,
	}
	notificationWebhook := payment.Webhook{
		Auth: security.BasicAuth{
			Username:     cfg.Notification.Username,
			PasswordHash: cfg.Notification.PasswordHash,
			Realm:        "adyen",
			Logger:       logger,
		},
		Queue:           deps.Queue,
		Replay:          deps.Redis,
		ReplayTTL:       cfg.Notification.ReplayTTL,
		MerchantAccount: cfg.Adyen.MerchantAccount,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		Logger:          logger.With().Str("component", "adyen_webhook").Logger(),
	}
	dlqAdmin := &queue.AdminHandler{
		Store:             queue.NewStore(deps.DB),
		Queue:             deps.Queue,
		Logger:            logger,
		VisibilityTimeout: cfg.Queue.Visibility,
	}

	auditStore := audit.PGStore{Pool: deps.DB}
	auditRecorder := audit.HTTPRecorder{
		Service: &audit.Service{Store: auditStore, Enabled: cfg.AuditEnabled},
		OnError: func(err error) { logger.Error().Err(err).Msg("record audit log") },
	}
	audited := func(action, resourceType, param string) func(http.Handler) http.Handler {
		return auditRecorder.Middleware(audit.HTTPConfig{Action: action, ResourceType: resourceType, ResourceIDParam: param})
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, nil, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.TracingMiddleware)
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{EnableHSTS: cfg.AppEnv == "production", HSTSMaxAge: 31536000}.Middleware)
	r.Use(security.CORS(cfg.CORSAllowedOrigins))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      health.Deps{DB: deps.DB, Redis: deps.Redis},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		Gateway:      func() string { return deps.Breaker.State().String() },
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/checkout", func(c chi.Router) {
			c.Use(authMiddleware.Authenticate)
			c.Use(limit.Middleware)
			c.Use(security.BodyLimit{Max: 64 << 10}.Middleware)
			c.Get("/orders/{number}/payment-methods", paymentHandler.PaymentMethods)
			c.Group(func(g chi.Router) {
				g.Use(idem.Middleware)
				g.Post("/orders/{number}/payments", paymentHandler.SubmitPayment)
				g.Post("/orders/{number}/paypal/update-order", paymentHandler.UpdatePaypalOrder)
				g.Post("/payments/details", paymentHandler.SubmitDetails)
			})
			c.With(authMiddleware.RequireAuth).Delete("/stored-methods/{reference}", paymentHandler.RemoveStoredMethod)
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMiddleware.RequireRole("admin"))
			admin.Group(func(g chi.Router) {
				g.Use(idem.Middleware)
				g.With(audited("payment.capture", "payment", "id")).Post("/payments/{id}/capture", paymentHandler.Capture)
				g.With(audited("payment.cancel", "payment", "id")).Post("/payments/{id}/cancel", paymentHandler.Cancel)
				g.With(audited("payment.reversal", "payment", "id")).Post("/payments/{id}/reversal", paymentHandler.Reverse)
				g.With(audited("payment_link.create", "payment", "id")).Post("/payments/{id}/payment-link", paymentHandler.CreatePaymentLink)
				g.With(audited("payment_link.expire", "payment", "id")).Post("/payment-links/{id}/expire", paymentHandler.ExpirePaymentLink)
				g.With(audited("refund.create", "refund", "")).Post("/refunds", paymentHandler.Refund)
			})
			admin.Get("/audit-logs", audit.Handler{Store: auditStore}.List)
			admin.Get("/queue/dlq", dlqAdmin.ListDLQ)
			admin.With(audited("queue.dlq_replay", "queue", "")).Post("/queue/dlq/replay", dlqAdmin.ReplayDLQ)
			admin.Get("/queue/stats", dlqAdmin.Stats)
		})

		v.With(security.BodyLimit{Max: 1 << 20}.Middleware).Post("/webhooks/adyen", notificationWebhook.Handle)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Str("adyen_env", cfg.Adyen.Environment).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	n := fallback
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			n = parsed
		}
	}
	return time.Duration(n) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
