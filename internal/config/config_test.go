package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-adyen/internal/adyen"
	"github.com/noah-isme/toko-adyen/internal/config"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":           "postgres://localhost/toko",
		"REDIS_URL":              "redis://localhost:6379/0",
		"JWT_SECRET":             "secret",
		"ADYEN_API_KEY":          "key",
		"ADYEN_MERCHANT_ACCOUNT": "TokoECOM",
		"ADYEN_ENVIRONMENT":      "",
		"ADYEN_LIVE_PREFIX":      "",
		"ADYEN_CAPTURE_MODE":     "",
		"ADYEN_ESD_ENABLED":      "",
		"ADYEN_ESD_CURRENCIES":   "",
		"AUDIT_ENABLED":          "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv())
	require.NoError(t, err)
	require.Equal(t, adyen.EnvironmentTest, cfg.Adyen.Environment)
	require.Equal(t, config.CaptureAutomatic, cfg.Adyen.CaptureMode)
	require.False(t, cfg.ManualCapture())
	require.Equal(t, 24*time.Hour, cfg.Adyen.PaymentLinkTTL)
	require.Equal(t, []string{"USD"}, cfg.Adyen.ESDCurrencies)
	require.Equal(t, 72*time.Hour, cfg.Notification.ReplayTTL)
	require.True(t, cfg.AuditEnabled)
}

func TestLoadAuditCanBeDisabled(t *testing.T) {
	env := baseEnv()
	env["AUDIT_ENABLED"] = "false"
	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.False(t, cfg.AuditEnabled)
}

func TestLoadRequiresAdyenCredentials(t *testing.T) {
	for _, key := range []string{"ADYEN_API_KEY", "ADYEN_MERCHANT_ACCOUNT", "DATABASE_URL", "REDIS_URL"} {
		env := baseEnv()
		env[key] = ""
		_, err := config.LoadForTests(env)
		require.ErrorContains(t, err, key)
	}
}

func TestLoadLiveNeedsPrefix(t *testing.T) {
	env := baseEnv()
	env["ADYEN_ENVIRONMENT"] = "live"
	_, err := config.LoadForTests(env)
	require.ErrorContains(t, err, "ADYEN_LIVE_PREFIX")
}

func TestLoadRejectsUnknownCaptureMode(t *testing.T) {
	env := baseEnv()
	env["ADYEN_CAPTURE_MODE"] = "delayed"
	_, err := config.LoadForTests(env)
	require.Error(t, err)
}

func TestGatewayOptions(t *testing.T) {
	env := baseEnv()
	env["ADYEN_CAPTURE_MODE"] = "manual"
	env["ADYEN_ESD_ENABLED"] = "true"
	env["ADYEN_ESD_CURRENCIES"] = "USD, CAD"
	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.True(t, cfg.ManualCapture())

	opts := cfg.GatewayOptions()
	merchant, err := opts.MerchantAccount()
	require.NoError(t, err)
	require.Equal(t, "TokoECOM", merchant)
	require.True(t, opts.Bool(adyen.OptionESDEnabled))
	require.Equal(t, []string{"USD", "CAD"}, opts.Strings(adyen.OptionESDCurrencies))
}
