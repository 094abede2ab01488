// Package config loads the orchestrator's configuration from an embedded
// YAML default overlaid by environment variables, using koanf the same way
// the rest of this codebase's services do.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"

	apxerrors "github.com/labrun/orchestrator/errors"
)

// DefaultConfig is the embedded baseline configuration, overridden by
// environment variables at load time.
var DefaultConfig = []byte(`
api_port: 8080
proxy_port: 8081
proxy_base_domain: "lab.local"
browser_api_url: "http://localhost:9400"
browser_ws_host: "localhost:9401"
browser_cleanup_delay_ms: 10000
reconcile_interval_ms: 5000
max_daemon_retries: 3
stream_port_range: "9300-9500"
database_url: "file:orchestrator.db?cache=shared&_pragma=busy_timeout(5000)"
sandbox_endpoint: "unix:///var/run/docker.sock"

log:
  level: "info"
  format: "console"

cors_allowed_origins:
  - "*"

shutdown_timeout_ms: 10000
kafka_brokers: ""
`)

// Config is the fully resolved process configuration.
type Config struct {
	APIPort                int      `koanf:"api_port"`
	ProxyPort              int      `koanf:"proxy_port"`
	ProxyBaseDomain        string   `koanf:"proxy_base_domain"`
	BrowserAPIURL          string   `koanf:"browser_api_url"`
	BrowserWSHost          string   `koanf:"browser_ws_host"`
	BrowserCleanupDelayMs  int      `koanf:"browser_cleanup_delay_ms"`
	ReconcileIntervalMs    int      `koanf:"reconcile_interval_ms"`
	MaxDaemonRetries       int      `koanf:"max_daemon_retries"`
	StreamPortRange        string   `koanf:"stream_port_range"`
	DatabaseURL            string   `koanf:"database_url"`
	SandboxEndpoint        string   `koanf:"sandbox_endpoint"`
	Log                    Logger   `koanf:"log"`
	CorsAllowedOrigins     []string `koanf:"cors_allowed_origins"`
	ShutdownTimeoutMs      int      `koanf:"shutdown_timeout_ms"`
	KafkaBrokers           string   `koanf:"kafka_brokers"`

	StreamPortLo int `koanf:"-"`
	StreamPortHi int `koanf:"-"`
}

type Logger struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// envMap maps the subsystem's environment variables onto koanf dotted keys.
var envMap = map[string]string{
	"API_PORT":                 "api_port",
	"PROXY_PORT":               "proxy_port",
	"PROXY_BASE_DOMAIN":        "proxy_base_domain",
	"BROWSER_API_URL":          "browser_api_url",
	"BROWSER_WS_HOST":          "browser_ws_host",
	"BROWSER_CLEANUP_DELAY_MS": "browser_cleanup_delay_ms",
	"RECONCILE_INTERVAL_MS":    "reconcile_interval_ms",
	"MAX_DAEMON_RETRIES":       "max_daemon_retries",
	"STREAM_PORT_RANGE":        "stream_port_range",
	"DATABASE_URL":             "database_url",
	"SANDBOX_ENDPOINT":         "sandbox_endpoint",
	"LOG_LEVEL":                "log.level",
	"LOG_FORMAT":               "log.format",
	"CORS_ALLOWED_ORIGINS":     "cors_allowed_origins",
	"SHUTDOWN_TIMEOUT_MS":      "shutdown_timeout_ms",
	"KAFKA_BROKERS":            "kafka_brokers",
}

// Load builds a Config from the embedded defaults overlaid by the process
// environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(DefaultConfig), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	envProvider := env.ProviderWithValue("", ".", func(rawKey, value string) (string, interface{}) {
		key, ok := envMap[rawKey]
		if !ok {
			return "", nil
		}
		if rawKey == "CORS_ALLOWED_ORIGINS" {
			return key, strings.Split(value, ",")
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	// koanf's env provider hands back strings for numeric keys; re-merge
	// through a confmap so Unmarshal can coerce them onto int fields.
	if err := k.Load(confmap.Provider(k.All(), "."), nil); err != nil {
		return nil, fmt.Errorf("normalize config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and parses the derived StreamPortLo/Hi
// range, accumulating every failure via errors.ValidationErrs().
func (c *Config) Validate() error {
	ve := apxerrors.ValidationErrs()

	if c.APIPort <= 0 {
		ve.Add("api_port", "must be positive")
	}
	if c.ProxyPort <= 0 {
		ve.Add("proxy_port", "must be positive")
	}
	if c.ProxyBaseDomain == "" {
		ve.Add("proxy_base_domain", "cannot be empty")
	}
	if c.SandboxEndpoint == "" {
		ve.Add("sandbox_endpoint", "cannot be empty")
	}
	if c.DatabaseURL == "" {
		ve.Add("database_url", "cannot be empty")
	}
	if c.MaxDaemonRetries <= 0 {
		ve.Add("max_daemon_retries", "must be positive")
	}
	if c.ReconcileIntervalMs <= 0 {
		ve.Add("reconcile_interval_ms", "must be positive")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.ShutdownTimeoutMs <= 0 {
		c.ShutdownTimeoutMs = 10000
	}
	if c.BrowserCleanupDelayMs <= 0 {
		c.BrowserCleanupDelayMs = 10000
	}

	lo, hi, err := ParsePortRange(c.StreamPortRange)
	if err != nil {
		ve.Add("stream_port_range", err.Error())
	} else {
		c.StreamPortLo, c.StreamPortHi = lo, hi
	}

	return ve.Err()
}

// ParsePortRange parses "lo-hi" into two ints with lo <= hi.
func ParsePortRange(s string) (int, int, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected \"lo-hi\", got %q", s)
	}
	lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid lower bound %q", parts[0])
	}
	hi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid upper bound %q", parts[1])
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("lower bound %d exceeds upper bound %d", lo, hi)
	}
	return lo, hi, nil
}
