package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PROMO_"

// Config holds all configuration for the application.
type Config struct {
	Port               string `koanf:"port"`
	LogLevel           string `koanf:"log_level"`
	StoreBackend       string `koanf:"store_backend"`
	DatabaseURL        string `koanf:"database_url"`
	RedisURL           string `koanf:"redis_url"`
	MigrationsDir      string `koanf:"migrations_dir"`
	PublicBaseURL      string `koanf:"public_base_url"`
	DefaultRedirectURL string `koanf:"default_redirect_url"`
	CatalogSeedFile    string `koanf:"catalog_seed_file"`

	Dispatch DispatchConfig `koanf:"dispatch"`
	Rate     RateConfig     `koanf:"rate"`
	Cache    CacheConfig    `koanf:"cache"`
	Carrier  CarrierConfig  `koanf:"carrier"`
}

type DispatchConfig struct {
	GlobalConcurrency int           `koanf:"global_concurrency"`
	JobConcurrency    int           `koanf:"job_concurrency"`
	MaxRetries        int           `koanf:"max_retries"`
	RetryBaseDelay    time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay     time.Duration `koanf:"retry_max_delay"`
	SendTimeout       time.Duration `koanf:"send_timeout"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	ClaimBatch        int           `koanf:"claim_batch"`
	AdoptOrphans      bool          `koanf:"adopt_orphans"`
}

// RateConfig holds per-channel ceilings shared by all jobs. Zero disables a limit.
type RateConfig struct {
	Backend              string        `koanf:"backend"`
	MaxSendPerHour       int           `koanf:"max_send_per_hour"`
	MaxSendPerDay        int           `koanf:"max_send_per_day"`
	MinDelayBetweenSends time.Duration `koanf:"min_delay_between_sends"`
}

type CacheConfig struct {
	Backend       string        `koanf:"backend"`
	ListTTL       time.Duration `koanf:"list_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type CarrierConfig struct {
	Mode           string        `koanf:"mode"`
	SMSURL         string        `koanf:"sms_url"`
	KakaoURL       string        `koanf:"kakao_url"`
	APIKey         string        `koanf:"api_key"`
	SenderID       string        `koanf:"sender_id"`
	MockFailRate   float64       `koanf:"mock_fail_rate"`
	MockMinLatency time.Duration `koanf:"mock_min_latency"`
	MockMaxLatency time.Duration `koanf:"mock_max_latency"`

	// BreakerThreshold consecutive transient failures open a channel's
	// circuit. Zero disables the breaker.
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
}

// Defaults is the configuration used for every key no source sets.
func Defaults() Config {
	return Config{
		Port:               "8080",
		LogLevel:           "info",
		StoreBackend:       "postgres",
		MigrationsDir:      "migrations",
		PublicBaseURL:      "http://localhost:8080",
		DefaultRedirectURL: "http://localhost:8080/",
		Dispatch: DispatchConfig{
			GlobalConcurrency: 50,
			JobConcurrency:    10,
			MaxRetries:        3,
			RetryBaseDelay:    2 * time.Second,
			RetryMaxDelay:     time.Minute,
			SendTimeout:       10 * time.Second,
			PollInterval:      time.Second,
			ClaimBatch:        10,
		},
		Rate: RateConfig{
			Backend: "memory",
		},
		Cache: CacheConfig{
			Backend:       "memory",
			ListTTL:       5 * time.Second,
			SweepInterval: time.Minute,
		},
		Carrier: CarrierConfig{
			Mode:            "mock",
			MockMinLatency:  20 * time.Millisecond,
			MockMaxLatency:  200 * time.Millisecond,
			BreakerCooldown: 30 * time.Second,
		},
	}
}

// Load layers the defaults, the YAML file at path (skipped when empty) and
// PROMO_* environment variables, then validates the result. A double
// underscore separates sections: PROMO_DISPATCH__MAX_RETRIES.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Defaults()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.Rate.Backend = strings.ToLower(strings.TrimSpace(c.Rate.Backend))
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	c.Carrier.Mode = strings.ToLower(strings.TrimSpace(c.Carrier.Mode))
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
}

// NeedsRedis reports whether any component is configured to use Redis.
func (c *Config) NeedsRedis() bool {
	return c.Rate.Backend == "redis" || c.Cache.Backend == "redis" || c.Carrier.BreakerThreshold > 0
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Port == "" {
		bad("port is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		bad("log_level must be one of debug, info, warn, error")
	}
	switch c.StoreBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			bad("database_url is required for the postgres store")
		}
	case "memory":
	default:
		bad("store_backend must be postgres or memory")
	}
	if c.Rate.Backend != "memory" && c.Rate.Backend != "redis" {
		bad("rate.backend must be memory or redis")
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		bad("cache.backend must be memory or redis")
	}
	if c.NeedsRedis() && c.RedisURL == "" {
		bad("redis_url is required when a redis backend is selected")
	}
	if c.PublicBaseURL == "" {
		bad("public_base_url is required")
	}

	d := c.Dispatch
	if d.GlobalConcurrency < 1 {
		bad("dispatch.global_concurrency must be at least 1")
	}
	if d.JobConcurrency < 1 {
		bad("dispatch.job_concurrency must be at least 1")
	}
	if d.MaxRetries < 0 {
		bad("dispatch.max_retries must not be negative")
	}
	if d.RetryBaseDelay <= 0 || d.RetryMaxDelay < d.RetryBaseDelay {
		bad("dispatch.retry_base_delay must be positive and not exceed retry_max_delay")
	}
	if d.SendTimeout <= 0 {
		bad("dispatch.send_timeout must be positive")
	}
	if d.PollInterval <= 0 {
		bad("dispatch.poll_interval must be positive")
	}
	if d.ClaimBatch < 1 {
		bad("dispatch.claim_batch must be at least 1")
	}

	r := c.Rate
	if r.MaxSendPerHour < 0 || r.MaxSendPerDay < 0 || r.MinDelayBetweenSends < 0 {
		bad("rate limits must not be negative")
	}

	if c.Cache.ListTTL < 0 {
		bad("cache.list_ttl must not be negative")
	}
	if c.Cache.SweepInterval <= 0 {
		bad("cache.sweep_interval must be positive")
	}

	cr := c.Carrier
	switch cr.Mode {
	case "mock":
		if cr.MockFailRate < 0 || cr.MockFailRate > 1 {
			bad("carrier.mock_fail_rate must be between 0 and 1")
		}
		if cr.MockMinLatency < 0 || cr.MockMaxLatency < cr.MockMinLatency {
			bad("carrier.mock_min_latency must not exceed mock_max_latency")
		}
	case "http":
		if cr.SMSURL == "" && cr.KakaoURL == "" {
			bad("carrier.sms_url or carrier.kakao_url is required in http mode")
		}
	default:
		bad("carrier.mode must be mock or http")
	}
	if cr.BreakerThreshold < 0 {
		bad("carrier.breaker_threshold must not be negative")
	}
	if cr.BreakerThreshold > 0 && cr.BreakerCooldown < time.Second {
		bad("carrier.breaker_cooldown must be at least 1s")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
