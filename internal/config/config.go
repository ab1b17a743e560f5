package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"PeachCredit/internal/gateway"
	"PeachCredit/internal/pricing"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr      string `yaml:"addr" toml:"addr"`
		PublicURL string `yaml:"public_url" toml:"public_url"`
		CancelURL string `yaml:"cancel_url" toml:"cancel_url"`
	} `yaml:"server" toml:"server"`
	DB struct {
		// Driver is "postgres" or "sqlite".
		Driver string `yaml:"driver" toml:"driver"`
		DSN    string `yaml:"dsn" toml:"dsn"`
	} `yaml:"db" toml:"db"`
	Log struct {
		Level       string `yaml:"level" toml:"level"`
		Development bool   `yaml:"development" toml:"development"`
	} `yaml:"log" toml:"log"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
		Issuer    string `yaml:"issuer" toml:"issuer"`
	} `yaml:"auth" toml:"auth"`
	Credits struct {
		DefaultGrant int64 `yaml:"default_grant" toml:"default_grant"`
		HistoryLimit int   `yaml:"history_limit" toml:"history_limit"`
	} `yaml:"credits" toml:"credits"`
	Pricing struct {
		Tiers    map[string]int64  `yaml:"tiers" toml:"tiers"`
		Packages []pricing.Package `yaml:"packages" toml:"packages"`
	} `yaml:"pricing" toml:"pricing"`
	Stripe struct {
		SecretKey        string `yaml:"secret_key" toml:"secret_key"`
		WebhookSecret    string `yaml:"webhook_secret" toml:"webhook_secret"`
		ToleranceSeconds int    `yaml:"tolerance_seconds" toml:"tolerance_seconds"`
		BaseURL          string `yaml:"base_url" toml:"base_url"`
	} `yaml:"stripe" toml:"stripe"`
	NOWPayments struct {
		APIKey    string `yaml:"api_key" toml:"api_key"`
		IPNSecret string `yaml:"ipn_secret" toml:"ipn_secret"`
		Sandbox   bool   `yaml:"sandbox" toml:"sandbox"`
		BaseURL   string `yaml:"base_url" toml:"base_url"`
	} `yaml:"nowpayments" toml:"nowpayments"`
	Orders struct {
		TokenMaxLen     int `yaml:"token_max_len" toml:"token_max_len"`
		AttemptTTLHours int `yaml:"attempt_ttl_hours" toml:"attempt_ttl_hours"`
	} `yaml:"orders" toml:"orders"`
	Retry struct {
		MaxTries          int `yaml:"max_tries" toml:"max_tries"`
		InitialIntervalMS int `yaml:"initial_interval_ms" toml:"initial_interval_ms"`
		MaxIntervalMS     int `yaml:"max_interval_ms" toml:"max_interval_ms"`
		MaxElapsedSeconds int `yaml:"max_elapsed_seconds" toml:"max_elapsed_seconds"`
	} `yaml:"retry" toml:"retry"`
	Worker struct {
		IntervalSeconds int64 `yaml:"interval_seconds" toml:"interval_seconds"`
		BatchSize       int   `yaml:"batch_size" toml:"batch_size"`
	} `yaml:"worker" toml:"worker"`
	Generation struct {
		BaseURL        string `yaml:"base_url" toml:"base_url"`
		APIKey         string `yaml:"api_key" toml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
	} `yaml:"generation" toml:"generation"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data as TOML when ext is ".toml" and as YAML otherwise.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("db.driver %q is not supported", c.DB.Driver)
	}
	if c.Credits.DefaultGrant < 0 {
		return errors.New("credits.default_grant must not be negative")
	}
	for tier, price := range c.Pricing.Tiers {
		if price <= 0 {
			return fmt.Errorf("pricing.tiers.%s must be positive", tier)
		}
	}
	return nil
}

func (c *Config) PriceTable() pricing.Table {
	t := pricing.DefaultTable()
	for tier, price := range c.Pricing.Tiers {
		t[pricing.Tier(tier)] = price
	}
	return t
}

func (c *Config) StripeTolerance() time.Duration {
	return time.Duration(c.Stripe.ToleranceSeconds) * time.Second
}

func (c *Config) AttemptTTL() time.Duration {
	return time.Duration(c.Orders.AttemptTTLHours) * time.Hour
}

func (c *Config) RetryPolicy() gateway.RetryPolicy {
	return gateway.RetryPolicy{
		MaxTries:        uint(c.Retry.MaxTries),
		InitialInterval: time.Duration(c.Retry.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(c.Retry.MaxIntervalMS) * time.Millisecond,
		MaxElapsed:      time.Duration(c.Retry.MaxElapsedSeconds) * time.Second,
	}
}

func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.Generation.TimeoutSeconds) * time.Second
}

func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalSeconds) * time.Second
}

func applyDefaults(cfg *Config) {
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = "postgres"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Credits.HistoryLimit <= 0 {
		cfg.Credits.HistoryLimit = 50
	}
	if cfg.Stripe.ToleranceSeconds <= 0 {
		cfg.Stripe.ToleranceSeconds = 300
	}
	if cfg.Orders.AttemptTTLHours <= 0 {
		cfg.Orders.AttemptTTLHours = 48
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 60
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = 100
	}
	if cfg.Retry.MaxTries <= 0 {
		cfg.Retry.MaxTries = 4
	}
	if cfg.Retry.InitialIntervalMS <= 0 {
		cfg.Retry.InitialIntervalMS = 250
	}
	if cfg.Retry.MaxIntervalMS <= 0 {
		cfg.Retry.MaxIntervalMS = 2000
	}
	if cfg.Retry.MaxElapsedSeconds <= 0 {
		cfg.Retry.MaxElapsedSeconds = 10
	}
	if cfg.Generation.TimeoutSeconds <= 0 {
		cfg.Generation.TimeoutSeconds = 120
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("DEFAULT_CREDIT_GRANT"); v != "" {
		cfg.Credits.DefaultGrant = atoi64Or(cfg.Credits.DefaultGrant, v)
	}
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		cfg.Stripe.SecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("STRIPE_TOLERANCE_SECONDS"); v != "" {
		cfg.Stripe.ToleranceSeconds = atoiOr(cfg.Stripe.ToleranceSeconds, v)
	}
	if v := os.Getenv("NOWPAYMENTS_API_KEY"); v != "" {
		cfg.NOWPayments.APIKey = v
	}
	if v := os.Getenv("NOWPAYMENTS_IPN_SECRET"); v != "" {
		cfg.NOWPayments.IPNSecret = v
	}
	if v := os.Getenv("NOWPAYMENTS_SANDBOX"); v != "" {
		cfg.NOWPayments.Sandbox = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("ATTEMPT_TTL_HOURS"); v != "" {
		cfg.Orders.AttemptTTLHours = atoiOr(cfg.Orders.AttemptTTLHours, v)
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
	if v := os.Getenv("WORKER_BATCH_SIZE"); v != "" {
		cfg.Worker.BatchSize = atoiOr(cfg.Worker.BatchSize, v)
	}
	if v := os.Getenv("GENERATION_BASE_URL"); v != "" {
		cfg.Generation.BaseURL = v
	}
	if v := os.Getenv("GENERATION_API_KEY"); v != "" {
		cfg.Generation.APIKey = v
	}
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
