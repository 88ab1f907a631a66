// Command outboxd runs the outbox processor and cleanup janitor against PostgreSQL.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/outbox/db/migrations"
	"github.com/coachpo/outbox/internal/app/outbox"
	"github.com/coachpo/outbox/internal/domain/event"
	"github.com/coachpo/outbox/internal/infra/alert"
	"github.com/coachpo/outbox/internal/infra/bus/eventbus"
	"github.com/coachpo/outbox/internal/infra/config"
	"github.com/coachpo/outbox/internal/infra/persistence/migrations"
	"github.com/coachpo/outbox/internal/infra/persistence/postgres"
	"github.com/coachpo/outbox/internal/observability"
	"github.com/coachpo/outbox/internal/telemetry"
)

const (
	defaultConfigPath        = "config/outbox.yaml"
	poolName                 = "outbox"
	shutdownTimeout          = 30 * time.Second
	processorShutdownTimeout = 15 * time.Second
	janitorShutdownTimeout   = 5 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	backlogReportInterval    = time.Minute
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	bootLogger := observability.NewLogrusLogger(observability.LogrusConfig{Component: "outboxd"})
	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		fatal(bootLogger, "load config", err)
	}

	logger := observability.NewLogrusLogger(observability.LogrusConfig{
		Level:     appCfg.Logging.Level,
		Format:    appCfg.Logging.Format,
		Component: "outboxd",
	})
	observability.SetLogger(logger)
	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults", observability.F("path", configPath))
	}
	logger.Info("configuration initialised",
		observability.F("env", appCfg.Environment),
		observability.F("poll_interval", appCfg.Outbox.PollInterval.String()),
		observability.F("batch_size", appCfg.Outbox.BatchSize),
		observability.F("max_retries", appCfg.Outbox.MaxRetries),
	)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		fatal(logger, "initialise telemetry", err)
	}

	if appCfg.Database.RunMigrations {
		if err := runMigrations(ctx, appCfg.Database, logger); err != nil {
			fatal(logger, "apply migrations", err)
		}
	}

	pool, err := postgres.NewPool(ctx, appCfg.Database.DSN, postgres.PoolOptions{
		MaxConns:          appCfg.Database.MaxConns,
		MinConns:          appCfg.Database.MinConns,
		MaxConnLifetime:   appCfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   appCfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: appCfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		fatal(logger, "connect database", err)
	}
	if err := postgres.ObservePoolMetrics(pool, poolName); err != nil {
		logger.Warn("pool metrics unavailable", observability.Err(err))
	}

	writer, err := outbox.NewWriter(postgres.NewOutboxStore(pool),
		outbox.WithMaxRetries(appCfg.Outbox.MaxRetries),
		outbox.WithBackoffBase(appCfg.Outbox.BackoffBase),
		outbox.WithLogger(logger.With(observability.F("module", "writer"))),
	)
	if err != nil {
		fatal(logger, "initialise outbox writer", err)
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{Logger: logger.With(observability.F("module", "eventbus"))})
	if _, err := bus.Subscribe(eventbus.AllEvents, deliveryLogger(logger)); err != nil {
		fatal(logger, "subscribe delivery logger", err)
	}

	notifier, err := buildNotifier(appCfg.Alerts, logger)
	if err != nil {
		fatal(logger, "initialise alerts", err)
	}

	processor, err := outbox.NewProcessor(writer, bus,
		outbox.WithBatchSize(appCfg.Outbox.BatchSize),
		outbox.WithChunkSize(appCfg.Outbox.ChunkSize),
		outbox.WithRegistry(event.NewRegistry()),
		outbox.WithNotifier(notifier),
		outbox.WithProcessorLogger(logger.With(observability.F("module", "processor"))),
	)
	if err != nil {
		fatal(logger, "initialise outbox processor", err)
	}
	janitor, err := outbox.NewJanitor(writer,
		outbox.WithRetentionDays(appCfg.Outbox.Retention()),
		outbox.WithJanitorLogger(logger.With(observability.F("module", "janitor"))),
	)
	if err != nil {
		fatal(logger, "initialise outbox janitor", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { reportBacklog(ctx, writer, logger, backlogReportInterval) })

	processor.Start(appCfg.Outbox.PollInterval)
	janitor.Start(appCfg.Outbox.CleanupInterval)

	logger.Info("outboxd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		processor:  processor,
		janitor:    janitor,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		bus:        bus,
		pool:       pool,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func fatal(logger observability.Logger, msg string, err error) {
	logger.Error(msg, observability.Err(err))
	os.Exit(1)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName),
		)
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func runMigrations(ctx context.Context, cfg config.DatabaseConfig, logger *observability.LogrusLogger) error {
	migrationLogger := logger.With(observability.F("module", "migrations"))
	if cfg.MigrationsPath != "" {
		return migrations.Apply(ctx, cfg.DSN, cfg.MigrationsPath, migrationLogger)
	}
	return migrations.ApplyEmbedded(ctx, cfg.DSN, dbmigrations.Files, migrationLogger)
}

func buildNotifier(cfg config.AlertsConfig, logger *observability.LogrusLogger) (alert.Notifier, error) {
	channels := alert.Multi{alert.LogNotifier{Logger: logger.With(observability.F("module", "alerts"))}}
	if cfg.WebhookURL == "" {
		logger.Info("dead letter webhook not configured; alerts are logged only")
		return channels, nil
	}
	webhook, err := alert.NewWebhookNotifier(alert.WebhookConfig{
		URL:           cfg.WebhookURL,
		Timeout:       cfg.Timeout,
		MaxAttempts:   cfg.MaxAttempts,
		RatePerMinute: cfg.RatePerMinute,
		Logger:        logger.With(observability.F("module", "alerts")),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("dead letter webhook enabled")
	return append(channels, webhook), nil
}

// deliveryLogger stands in for in-process subscribers so every delivery is visible in the logs.
func deliveryLogger(logger observability.Logger) eventbus.Handler {
	return func(_ context.Context, evt event.Event) error {
		logger.Debug("outbox event delivered",
			observability.F("event_id", evt.ID()),
			observability.F("event_type", string(evt.Type())),
			observability.F("aggregate_id", evt.AggregateID()),
			observability.F("version", evt.Version()),
		)
		return nil
	}
}

func reportBacklog(ctx context.Context, writer *outbox.Writer, logger observability.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := writer.Counts(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("outbox backlog unavailable", observability.Err(err))
				}
				continue
			}
			logger.Info("outbox backlog",
				observability.F("pending", counts["pending"]),
				observability.F("failed", counts["failed"]),
				observability.F("dead_letter", counts["dead_letter"]),
				observability.F("published", counts["published"]),
			)
		}
	}
}

type gracefulShutdownConfig struct {
	processor  *outbox.Processor
	janitor    *outbox.Janitor
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	bus        eventbus.Bus
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Error("shutdown: "+name+" failed", observability.Err(err))
		} else {
			logger.Info("shutdown: " + name + " completed")
		}
	}

	if cfg.processor != nil {
		shutdownStep("draining outbox processor", processorShutdownTimeout, cfg.processor.Shutdown)
	}
	if cfg.janitor != nil {
		shutdownStep("stopping janitor", janitorShutdownTimeout, cfg.janitor.Shutdown)
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}
	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(context.Context) error {
			cfg.bus.Close()
			return nil
		})
	}
	if cfg.pool != nil {
		cfg.pool.Close()
	}
	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
