// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envDatabaseDSN     = "OUTBOX_DATABASE_DSN"
	envAlertWebhookURL = "OUTBOX_ALERT_WEBHOOK_URL"

	maxRetentionDays = 36500
	maxRetriesLimit  = 1000
)

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	// MigrationsPath points at SQL files on disk. Empty uses the migrations embedded in the binary.
	MigrationsPath string `yaml:"migrationsPath"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/outbox?sslmode=disable"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 || c.MaxConnIdleTime <= 0 || c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("connection lifetimes must be >0")
	}
	return nil
}

// OutboxConfig tunes polling, retry and retention behaviour.
type OutboxConfig struct {
	PollInterval    time.Duration `yaml:"pollInterval"`
	BatchSize       int           `yaml:"batchSize"`
	ChunkSize       int           `yaml:"chunkSize"`
	MaxRetries      int           `yaml:"maxRetries"`
	BackoffBase     time.Duration `yaml:"backoffBase"`
	RetentionDays   *int          `yaml:"retentionDays"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// Retention returns the configured retention in days.
func (c OutboxConfig) Retention() int {
	if c.RetentionDays == nil {
		return 30
	}
	return *c.RetentionDays
}

func (c *OutboxConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.RetentionDays == nil {
		days := 30
		c.RetentionDays = &days
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 24 * time.Hour
	}
}

func (c OutboxConfig) validate() error {
	if c.BatchSize > 1000 {
		return fmt.Errorf("batchSize must be <= 1000")
	}
	if c.ChunkSize > c.BatchSize {
		return fmt.Errorf("chunkSize must be <= batchSize")
	}
	if c.Retention() < 0 || c.Retention() > maxRetentionDays {
		return fmt.Errorf("retentionDays must be between 0 and %d", maxRetentionDays)
	}
	if c.MaxRetries > maxRetriesLimit {
		return fmt.Errorf("maxRetries must be <= %d", maxRetriesLimit)
	}
	return nil
}

// AlertsConfig configures dead-letter alert channels. An empty webhook URL disables the webhook.
type AlertsConfig struct {
	WebhookURL    string        `yaml:"webhookURL"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	RatePerMinute int           `yaml:"ratePerMinute"`
}

func (c *AlertsConfig) applyDefaults() {
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 60
	}
}

func (c AlertsConfig) validate() error {
	if c.WebhookURL == "" {
		return nil
	}
	parsed, err := url.Parse(c.WebhookURL)
	if err != nil {
		return fmt.Errorf("webhookURL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("webhookURL must be http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("webhookURL host required")
	}
	return nil
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the unified outbox service configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Database    DatabaseConfig  `yaml:"database"`
	Outbox      OutboxConfig    `yaml:"outbox"`
	Alerts      AlertsConfig    `yaml:"alerts"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns the configuration built from defaults and environment overrides.
func Default() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	cfg.applyEnv(os.LookupEnv)
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return parse(bytes, os.LookupEnv)
}

// LoadOrDefault behaves like Load but falls back to Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), false, nil
	}
	return AppConfig{}, false, err
}

func parse(bytes []byte, lookup func(string) (string, bool)) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnv(lookup)
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if dsn, ok := lookup(envDatabaseDSN); ok && strings.TrimSpace(dsn) != "" {
		c.Database.DSN = dsn
	}
	if hook, ok := lookup(envAlertWebhookURL); ok {
		c.Alerts.WebhookURL = hook
	}
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "outboxd"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	c.Database.applyDefaults()
	c.Outbox.applyDefaults()
	c.Alerts.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Outbox.validate(); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	if err := c.Alerts.validate(); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging format must be json or text")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
