// Package migrations wires golang-migrate execution for the outbox schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/outbox/internal/infra/telemetry"
	"github.com/coachpo/outbox/internal/observability"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be >0")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// source opens a migrate instance over an already initialised database driver.
type source struct {
	label string
	open  func(driver database.Driver) (*migrate.Migrate, error)
}

// Apply runs all pending up migrations found in migrationsDir. A nil logger disables logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger observability.Logger) error {
	src, err := dirSource(migrationsDir)
	if err != nil {
		return err
	}
	return execute(ctx, dsn, src, "up", func(m *migrate.Migrate) error { return m.Up() }, logger)
}

// ApplyEmbedded runs all pending up migrations from fsys, typically dbmigrations.Files.
func ApplyEmbedded(ctx context.Context, dsn string, fsys fs.FS, logger observability.Logger) error {
	if fsys == nil {
		return fmt.Errorf("migrations filesystem required")
	}
	src := source{
		label: "embedded",
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			driverSource, err := iofs.New(fsys, ".")
			if err != nil {
				return nil, fmt.Errorf("open embedded migrations: %w", err)
			}
			return migrate.NewWithInstance("iofs", driverSource, "pgx5", driver)
		},
	}
	return execute(ctx, dsn, src, "up", func(m *migrate.Migrate) error { return m.Up() }, logger)
}

// Rollback reverts the latest steps migrations found in migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger observability.Logger) error {
	src, err := dirSource(migrationsDir)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return errInvalidSteps
	}
	return execute(ctx, dsn, src, "down", func(m *migrate.Migrate) error { return m.Steps(-steps) }, logger)
}

func dirSource(migrationsDir string) (source, error) {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return source{}, err
	}
	sourceURL := fileURL(resolvedDir)
	return source{
		label: resolvedDir,
		open: func(driver database.Driver) (*migrate.Migrate, error) {
			return migrate.NewWithDatabaseInstance(sourceURL, "pgx5", driver)
		},
	}, nil
}

func execute(ctx context.Context, dsn string, src source, direction string, step func(*migrate.Migrate) error, logger observability.Logger) error {
	if logger == nil {
		logger = observability.Nop()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", observability.Err(cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	m, err := src.open(driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", observability.Err(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", observability.Err(dbErr))
		}
	}()

	logger.Info("running database migrations", observability.F("direction", direction), observability.F("source", src.label))

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, direction, "noop")
			logger.Info("database migrations up-to-date", observability.F("direction", direction))
			return nil
		}
		recordMigrationMetric(ctx, direction, "failed")
		return fmt.Errorf("migrate %s: %w", direction, err)
	}

	if version, dirty, verr := m.Version(); verr == nil {
		logger.Info("database migrations applied",
			observability.F("direction", direction),
			observability.F("version", version),
			observability.F("dirty", dirty),
		)
	} else {
		logger.Info("database migrations applied", observability.F("direction", direction))
	}
	recordMigrationMetric(ctx, direction, "applied")
	return nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("outbox_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := telemetry.OperationResultAttributes("migrate_"+direction, result)
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
