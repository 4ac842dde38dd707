package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds orchestrator configuration. Optional integrations
// (Redis, NATS, Influx, etcd) are disabled when their endpoint is
// empty.
type Config struct {
	Port    string `env:"PORT" envDefault:"8080"`
	APIHost string `env:"TELEMETRY_API_HOST" envDefault:"https://api.meterboard.io"`

	CacheTTLMinutes int           `env:"CACHE_TTL_MINUTES" envDefault:"15"`
	CacheMaxEntries int           `env:"CACHE_MAX_ENTRIES" envDefault:"256"`
	SweepInterval   time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"5m"`

	CredentialWait       time.Duration `env:"CREDENTIAL_WAIT" envDefault:"10s"`
	BusyTimeout          time.Duration `env:"BUSY_TIMEOUT" envDefault:"25s"`
	WatchdogTimeout      time.Duration `env:"WATCHDOG_TIMEOUT" envDefault:"30s"`
	EmitDedupWindow      time.Duration `env:"EMIT_DEDUP_WINDOW" envDefault:"100ms"`
	TokenExpiredDebounce time.Duration `env:"TOKEN_EXPIRED_DEBOUNCE" envDefault:"60s"`
	FetchTimeout         time.Duration `env:"FETCH_TIMEOUT" envDefault:"20s"`

	RedisURL            string `env:"REDIS_URL"`
	MirrorSizeThreshold int    `env:"MIRROR_SIZE_THRESHOLD" envDefault:"262144"`
	TenantNamespace     string `env:"TENANT_NAMESPACE" envDefault:"default"`

	AuthTokenURL    string `env:"AUTH_TOKEN_URL"`
	AuthStaticToken string `env:"AUTH_STATIC_TOKEN"`

	NATSUrl              string        `env:"NATS_URL"`
	EtcdURL              string        `env:"ETCD_URL"`
	InfluxURL            string        `env:"INFLUX_URL"`
	InfluxToken          string        `env:"INFLUX_TOKEN"`
	InfluxOrg            string        `env:"INFLUX_ORG" envDefault:"meterboard"`
	InfluxBucket         string        `env:"INFLUX_BUCKET" envDefault:"telemetry"`
	MetricsFlushInterval time.Duration `env:"METRICS_FLUSH_INTERVAL" envDefault:"30s"`

	Debug bool `env:"DEBUG" envDefault:"false"`
}

// Load parses configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.CacheTTLMinutes <= 0 {
		return fmt.Errorf("CACHE_TTL_MINUTES must be positive, got %d", c.CacheTTLMinutes)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be positive, got %d", c.CacheMaxEntries)
	}
	if c.BusyTimeout <= 0 || c.WatchdogTimeout <= 0 {
		return fmt.Errorf("busy and watchdog timeouts must be positive")
	}
	return nil
}
