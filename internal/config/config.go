package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/toko-adyen/internal/adyen"
)

// Capture modes accepted by ADYEN_CAPTURE_MODE.
const (
	CaptureAutomatic = "automatic"
	CaptureManual    = "manual"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	AppVersion         string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	CORSAllowedOrigins []string
	AutoMigrate        bool
	AuditEnabled       bool

	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	OTELEndpoint     string
	ServiceName      string

	Adyen        AdyenConfig
	Notification NotificationConfig
	Queue        QueueConfig

	CheckoutRateLimit string
}

// AdyenConfig configures the Checkout client and the request builders.
type AdyenConfig struct {
	APIKey              string
	MerchantAccount     string
	Environment         string
	LivePrefix          string
	CaptureMode         string
	ReturnURL           string
	PaymentMethodCode   string
	PaymentLinkTTL      time.Duration
	ESDEnabled          bool
	ESDType             string
	ESDCurrencies       []string
	MerchantCategory    string
	ESDMerchantCategory []string

	Timeout        time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	BreakerMinReq  int
	BreakerRatio   float64
	BreakerOpenFor time.Duration
}

// NotificationConfig configures webhook intake.
type NotificationConfig struct {
	Username     string
	PasswordHash string
	ReplayTTL    time.Duration
}

// QueueConfig configures the Redis task queue.
type QueueConfig struct {
	Name         string
	MaxAttempts  int
	PollInterval time.Duration
	Visibility   time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		AppVersion:         valueOrDefault(k.String("APP_VERSION"), "dev"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		AutoMigrate:        parseBool(k.String("AUTO_MIGRATE")),
		AuditEnabled:       parseBool(valueOrDefault(k.String("AUDIT_ENABLED"), "true")),

		LogFormat:        valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:         valueOrDefault(k.String("LOG_LEVEL"), "info"),
		MetricsNamespace: valueOrDefault(k.String("METRICS_NAMESPACE"), "toko"),
		OTELEndpoint:     strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName:      valueOrDefault(k.String("OTEL_SERVICE_NAME"), "toko-adyen"),

		Adyen: AdyenConfig{
			APIKey:              strings.TrimSpace(k.String("ADYEN_API_KEY")),
			MerchantAccount:     strings.TrimSpace(k.String("ADYEN_MERCHANT_ACCOUNT")),
			Environment:         strings.ToLower(valueOrDefault(k.String("ADYEN_ENVIRONMENT"), adyen.EnvironmentTest)),
			LivePrefix:          strings.TrimSpace(k.String("ADYEN_LIVE_PREFIX")),
			CaptureMode:         strings.ToLower(valueOrDefault(k.String("ADYEN_CAPTURE_MODE"), CaptureAutomatic)),
			ReturnURL:           strings.TrimSpace(k.String("ADYEN_RETURN_URL")),
			PaymentMethodCode:   valueOrDefault(k.String("ADYEN_PAYMENT_METHOD_CODE"), "adyen"),
			PaymentLinkTTL:      parseDuration(k.String("ADYEN_PAYMENT_LINK_TTL"), "24h"),
			ESDEnabled:          parseBool(k.String("ADYEN_ESD_ENABLED")),
			ESDType:             valueOrDefault(k.String("ADYEN_ESD_TYPE"), adyen.ESDLevel2),
			ESDCurrencies:       splitAndTrim(valueOrDefault(k.String("ADYEN_ESD_CURRENCIES"), "USD")),
			MerchantCategory:    strings.TrimSpace(k.String("ADYEN_MERCHANT_CATEGORY_CODE")),
			ESDMerchantCategory: splitAndTrim(k.String("ADYEN_ESD_MERCHANT_CATEGORY_CODES")),
			Timeout:             parseDuration(k.String("ADYEN_TIMEOUT"), "10s"),
			MaxAttempts:         parseInt(k.String("ADYEN_MAX_ATTEMPTS"), 3),
			BaseBackoff:         parseDuration(k.String("ADYEN_RETRY_BACKOFF"), "200ms"),
			BreakerMinReq:       parseInt(k.String("ADYEN_BREAKER_MIN_REQUESTS"), 10),
			BreakerRatio:        parseFloat(k.String("ADYEN_BREAKER_FAILURE_RATIO"), 0.5),
			BreakerOpenFor:      parseDuration(k.String("ADYEN_BREAKER_OPEN_FOR"), "30s"),
		},
		Notification: NotificationConfig{
			Username:     strings.TrimSpace(k.String("ADYEN_NOTIFICATION_USER")),
			PasswordHash: strings.TrimSpace(k.String("ADYEN_NOTIFICATION_PASSWORD_HASH")),
			ReplayTTL:    parseDuration(k.String("ADYEN_NOTIFICATION_REPLAY_TTL"), "72h"),
		},
		Queue: QueueConfig{
			Name:         valueOrDefault(k.String("QUEUE_NAME"), "adyen"),
			MaxAttempts:  parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 8),
			PollInterval: parseDuration(k.String("QUEUE_POLL_INTERVAL"), "500ms"),
			Visibility:   parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "2m"),
		},
		CheckoutRateLimit: valueOrDefault(k.String("CHECKOUT_RATE_LIMIT"), "60-M"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.Adyen.APIKey == "" {
		return nil, errors.New("ADYEN_API_KEY is required")
	}
	if cfg.Adyen.MerchantAccount == "" {
		return nil, errors.New("ADYEN_MERCHANT_ACCOUNT is required")
	}
	if cfg.Adyen.Environment == adyen.EnvironmentLive && cfg.Adyen.LivePrefix == "" {
		return nil, errors.New("ADYEN_LIVE_PREFIX is required for the live environment")
	}
	switch cfg.Adyen.CaptureMode {
	case CaptureAutomatic, CaptureManual:
	default:
		return nil, fmt.Errorf("ADYEN_CAPTURE_MODE must be %q or %q", CaptureAutomatic, CaptureManual)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// ManualCapture reports whether payments are authorised only and captured later.
func (c *Config) ManualCapture() bool {
	return c.Adyen.CaptureMode == CaptureManual
}

// GatewayOptions returns the options handed to the request builders.
func (c *Config) GatewayOptions() adyen.Options {
	opts := adyen.Options{
		adyen.OptionMerchantAccount: c.Adyen.MerchantAccount,
		adyen.OptionCaptureMode:     c.Adyen.CaptureMode,
		adyen.OptionESDEnabled:      c.Adyen.ESDEnabled,
		adyen.OptionESDType:         c.Adyen.ESDType,
		adyen.OptionESDCurrencies:   c.Adyen.ESDCurrencies,
	}
	if c.Adyen.MerchantCategory != "" {
		opts[adyen.OptionMerchantCategoryCode] = c.Adyen.MerchantCategory
	}
	if len(c.Adyen.ESDMerchantCategory) > 0 {
		opts[adyen.OptionESDMerchantCategories] = c.Adyen.ESDMerchantCategory
	}
	return opts
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
