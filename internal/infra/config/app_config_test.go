package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func envOf(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	yaml := `
environment: PROD
database:
  dsn: postgresql://db:5432/outbox?sslmode=disable
  maxConns: 32
  minConns: 4
  maxConnLifetime: 45m
  maxConnIdleTime: 10m
  healthCheckPeriod: 1m
  runMigrations: true
  migrationsPath: db/migrations
outbox:
  pollInterval: 2s
  batchSize: 200
  chunkSize: 20
  maxRetries: 5
  backoffBase: 30s
  retentionDays: 7
  cleanupInterval: 6h
alerts:
  webhookURL: https://hooks.example.com/outbox
  timeout: 2s
  maxAttempts: 4
  ratePerMinute: 10
telemetry:
  otlpEndpoint: http://localhost:4318
  serviceName: outbox-test
  otlpInsecure: true
  enableMetrics: true
logging:
  level: DEBUG
  format: text
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	t.Setenv(envDatabaseDSN, "")
	t.Setenv(envAlertWebhookURL, "https://hooks.example.com/outbox")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("expected environment %s, got %s", EnvProd, cfg.Environment)
	}
	db := cfg.Database
	if db.DSN != "postgresql://db:5432/outbox?sslmode=disable" || db.MaxConns != 32 || db.MinConns != 4 {
		t.Fatalf("unexpected database config %+v", db)
	}
	if db.MaxConnLifetime != 45*time.Minute || db.MaxConnIdleTime != 10*time.Minute || db.HealthCheckPeriod != time.Minute {
		t.Fatalf("unexpected database durations %+v", db)
	}
	if !db.RunMigrations || db.MigrationsPath != "db/migrations" {
		t.Fatalf("unexpected migration settings %+v", db)
	}
	ob := cfg.Outbox
	if ob.PollInterval != 2*time.Second || ob.BatchSize != 200 || ob.ChunkSize != 20 || ob.MaxRetries != 5 {
		t.Fatalf("unexpected outbox config %+v", ob)
	}
	if ob.BackoffBase != 30*time.Second || ob.Retention() != 7 || ob.CleanupInterval != 6*time.Hour {
		t.Fatalf("unexpected outbox schedule %+v", ob)
	}
	if cfg.Alerts.WebhookURL != "https://hooks.example.com/outbox" || cfg.Alerts.MaxAttempts != 4 || cfg.Alerts.RatePerMinute != 10 {
		t.Fatalf("unexpected alerts config %+v", cfg.Alerts)
	}
	if cfg.Telemetry.ServiceName != "outbox-test" || !cfg.Telemetry.EnableMetrics {
		t.Fatalf("unexpected telemetry config %+v", cfg.Telemetry)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("unexpected logging config %+v", cfg.Logging)
	}
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := parse([]byte("environment: dev\n"), noEnv)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Database.DSN == "" || cfg.Database.MaxConns != 16 || cfg.Database.MinConns != 1 {
		t.Fatalf("unexpected database defaults %+v", cfg.Database)
	}
	if cfg.Database.RunMigrations {
		t.Fatalf("migrations must be opt-in")
	}
	ob := cfg.Outbox
	if ob.PollInterval != 5*time.Second || ob.BatchSize != 100 || ob.ChunkSize != 10 || ob.MaxRetries != 3 {
		t.Fatalf("unexpected outbox defaults %+v", ob)
	}
	if ob.BackoffBase != time.Minute || ob.Retention() != 30 || ob.CleanupInterval != 24*time.Hour {
		t.Fatalf("unexpected outbox schedule defaults %+v", ob)
	}
	if cfg.Alerts.WebhookURL != "" || cfg.Alerts.Timeout != 5*time.Second || cfg.Alerts.RatePerMinute != 60 {
		t.Fatalf("unexpected alert defaults %+v", cfg.Alerts)
	}
	if cfg.Telemetry.ServiceName != "outboxd" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected ambient defaults telemetry=%+v logging=%+v", cfg.Telemetry, cfg.Logging)
	}
}

func TestZeroRetentionIsKept(t *testing.T) {
	cfg, err := parse([]byte("outbox:\n  retentionDays: 0\n"), noEnv)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Outbox.Retention() != 0 {
		t.Fatalf("explicit zero retention must not be replaced, got %d", cfg.Outbox.Retention())
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	yaml := `
database:
  dsn: postgresql://file:5432/outbox
alerts:
  webhookURL: https://from-file.example.com
`
	cfg, err := parse([]byte(yaml), envOf(map[string]string{
		envDatabaseDSN:     "postgresql://env:5432/outbox",
		envAlertWebhookURL: "https://from-env.example.com/hook",
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Database.DSN != "postgresql://env:5432/outbox" {
		t.Fatalf("expected env dsn, got %s", cfg.Database.DSN)
	}
	if cfg.Alerts.WebhookURL != "https://from-env.example.com/hook" {
		t.Fatalf("expected env webhook, got %s", cfg.Alerts.WebhookURL)
	}

	cleared, err := parse([]byte(yaml), envOf(map[string]string{envAlertWebhookURL: ""}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cleared.Alerts.WebhookURL != "" {
		t.Fatalf("empty env webhook disables alerts, got %s", cleared.Alerts.WebhookURL)
	}
	if cleared.Database.DSN != "postgresql://file:5432/outbox" {
		t.Fatalf("unset env dsn keeps file value, got %s", cleared.Database.DSN)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"environment":    "environment: qa\n",
		"batch size":     "outbox:\n  batchSize: 5000\n",
		"chunk size":     "outbox:\n  batchSize: 10\n  chunkSize: 20\n",
		"retention":      "outbox:\n  retentionDays: -1\n",
		"long retention": "outbox:\n  retentionDays: 200000\n",
		"retry budget":   "outbox:\n  maxRetries: 5000\n",
		"webhook":        "alerts:\n  webhookURL: ftp://hooks.example.com\n",
		"log format":     "logging:\n  format: xml\n",
		"pool sizing":    "database:\n  maxConns: 2\n  minConns: 4\n",
	}
	for name, body := range cases {
		if name == "pool sizing" {
			// minConns above maxConns is clamped rather than rejected.
			if _, err := parse([]byte(body), noEnv); err != nil {
				t.Fatalf("%s: expected clamp, got %v", name, err)
			}
			continue
		}
		if _, err := parse([]byte(body), noEnv); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	t.Setenv(envDatabaseDSN, "postgresql://fallback:5432/outbox")
	cfg, found, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if found {
		t.Fatalf("expected fallback for missing file")
	}
	if cfg.Database.DSN != "postgresql://fallback:5432/outbox" || cfg.Environment != EnvDev {
		t.Fatalf("unexpected fallback config %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("outbox: [unterminated"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := LoadOrDefault(context.Background(), path); err == nil || !strings.Contains(err.Error(), "unmarshal config") {
		t.Fatalf("expected parse error to surface, got %v", err)
	}
}
