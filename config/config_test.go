package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsApplyWithNoEnv(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, 8081, cfg.ProxyPort)
	assert.Equal(t, "lab.local", cfg.ProxyBaseDomain)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9300, cfg.StreamPortLo)
	assert.Equal(t, 9500, cfg.StreamPortHi)
	assert.Equal(t, "", cfg.KafkaBrokers)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("API_PORT", "9000")
	t.Setenv("PROXY_BASE_DOMAIN", "custom.example.com")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STREAM_PORT_RANGE", "10000-10100")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.APIPort)
	assert.Equal(t, "custom.example.com", cfg.ProxyBaseDomain)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 10000, cfg.StreamPortLo)
	assert.Equal(t, 10100, cfg.StreamPortHi)
	assert.Equal(t, "broker1:9092,broker2:9092", cfg.KafkaBrokers)
}

func TestLoad_UnknownEnvVarIgnored(t *testing.T) {
	t.Setenv("SOME_UNRELATED_VAR", "whatever")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.APIPort)
}

func TestLoad_InvalidPortRangeFailsValidation(t *testing.T) {
	t.Setenv("STREAM_PORT_RANGE", "not-a-range")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream_port_range")
}

func TestLoad_EmptyBaseDomainFailsValidation(t *testing.T) {
	t.Setenv("PROXY_BASE_DOMAIN", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy_base_domain")
}

func TestConfig_Validate_AppliesZeroValueDefaults(t *testing.T) {
	c := &Config{
		APIPort:             1,
		ProxyPort:           1,
		ProxyBaseDomain:     "lab.local",
		SandboxEndpoint:     "unix:///var/run/docker.sock",
		DatabaseURL:         "file:test.db",
		MaxDaemonRetries:    1,
		ReconcileIntervalMs: 1000,
		StreamPortRange:     "9300-9500",
	}

	require.NoError(t, c.Validate())
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "console", c.Log.Format)
	assert.Equal(t, 10000, c.ShutdownTimeoutMs)
	assert.Equal(t, 10000, c.BrowserCleanupDelayMs)
}

func TestParsePortRange(t *testing.T) {
	lo, hi, err := ParsePortRange("9300-9500")
	require.NoError(t, err)
	assert.Equal(t, 9300, lo)
	assert.Equal(t, 9500, hi)

	_, _, err = ParsePortRange("9300")
	assert.Error(t, err)

	_, _, err = ParsePortRange("abc-9500")
	assert.Error(t, err)

	_, _, err = ParsePortRange("9300-abc")
	assert.Error(t, err)

	_, _, err = ParsePortRange("9500-9300")
	assert.Error(t, err)
}
