package escrowd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"algobounty/native/bounty"
)

// MemoryStore selects the in-memory ledger backend instead of LevelDB.
const MemoryStore = "memory"

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for escrowd.
type Config struct {
	ListenAddress   string          `yaml:"listen" toml:"listen"`
	Environment     string          `yaml:"environment" toml:"environment"`
	DataDir         string          `yaml:"data_dir" toml:"data_dir"`
	SQLitePath      string          `yaml:"sqlite_path" toml:"sqlite_path"`
	HoldingAddress  string          `yaml:"holding_address" toml:"holding_address"`
	AdminAddress    string          `yaml:"admin_address" toml:"admin_address"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	Auth            AuthConfig      `yaml:"auth" toml:"auth"`
	Payments        PaymentsConfig  `yaml:"payments" toml:"payments"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Policy          PolicyConfig    `yaml:"policy" toml:"policy"`
	Logging         LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry       TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// AuthConfig configures JWT bearer authentication of callers.
type AuthConfig struct {
	HMACSecret     string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// PaymentsConfig holds the secret shared with the payment source that signs
// funding receipts.
type PaymentsConfig struct {
	Secret     string `yaml:"secret" toml:"secret"`
	SecretFile string `yaml:"secret_file" toml:"secret_file"`
}

// RateLimitConfig bounds mutating requests per caller.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// PolicyConfig toggles the optional ledger policies.
type PolicyConfig struct {
	RejectFundingAfterClose bool `yaml:"reject_funding_after_close" toml:"reject_funding_after_close"`
	RequireAssignedClaimer  bool `yaml:"require_assigned_claimer" toml:"require_assigned_claimer"`
}

// LoggingConfig selects the log level and an optional rotating file.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.SQLitePath == "" {
		if cfg.DataDir == MemoryStore {
			cfg.SQLitePath = filepath.Join(os.TempDir(), "escrowd.db")
		} else {
			cfg.SQLitePath = filepath.Join(cfg.DataDir, "escrowd.db")
		}
	}
	if cfg.ShutdownTimeout.Duration <= 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
}

func (c *Config) normalise() error {
	secret, err := readSecret(c.Auth.HMACSecret, c.Auth.HMACSecretFile)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	c.Auth.HMACSecret = secret
	secret, err = readSecret(c.Payments.Secret, c.Payments.SecretFile)
	if err != nil {
		return fmt.Errorf("payments: %w", err)
	}
	c.Payments.Secret = secret
	c.HoldingAddress = strings.TrimSpace(c.HoldingAddress)
	c.AdminAddress = strings.TrimSpace(c.AdminAddress)
	c.DataDir = strings.TrimSpace(c.DataDir)
	return nil
}

func readSecret(inline, path string) (string, error) {
	if path = strings.TrimSpace(path); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return strings.TrimSpace(inline), nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.HoldingAddress == "" {
		errs = append(errs, fmt.Errorf("holding_address must be configured"))
	} else if holding, err := bounty.ParsePrincipal(c.HoldingAddress); err != nil {
		errs = append(errs, fmt.Errorf("holding_address: %w", err))
	} else if holding.IsZero() {
		errs = append(errs, fmt.Errorf("holding_address must not be zero"))
	}
	if c.AdminAddress != "" {
		if _, err := bounty.ParsePrincipal(c.AdminAddress); err != nil {
			errs = append(errs, fmt.Errorf("admin_address: %w", err))
		}
	}
	if c.Auth.HMACSecret == "" {
		errs = append(errs, fmt.Errorf("auth.hmac_secret must be configured"))
	}
	if c.Payments.Secret == "" {
		errs = append(errs, fmt.Errorf("payments.secret must be configured"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be within [0,1]"))
	}
	return errors.Join(errs...)
}

// EngineOptions maps the policy section onto ledger engine options.
func (c Config) EngineOptions() []bounty.EngineOption {
	return []bounty.EngineOption{
		bounty.WithRejectFundingAfterClose(c.Policy.RejectFundingAfterClose),
		bounty.WithRequireAssignedClaimer(c.Policy.RequireAssignedClaimer),
	}
}
