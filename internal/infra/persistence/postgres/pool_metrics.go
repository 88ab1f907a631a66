package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/outbox/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"outbox_db_pool_connections_total", "Total connections (idle + acquired + constructing)", func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"outbox_db_pool_connections_idle", "Idle connections ready for checkout", func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"outbox_db_pool_connections_acquired", "Connections currently acquired by callers", func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"outbox_db_pool_connections_max", "Configured maximum pool size", func(s *pgxpool.Stat) int64 { return int64(s.MaxConns()) }},
}

// ObservePoolMetrics registers observable gauges that report pgx pool health.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrDBPool.String(normalized),
	)

	meter := otel.Meter("postgres.pool")
	for _, gauge := range poolGauges {
		read := gauge.read
		if _, err := meter.Int64ObservableGauge(gauge.name,
			metric.WithDescription(gauge.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(read(pool.Stat()), attrs)
				return nil
			}),
		); err != nil {
			return fmt.Errorf("postgres: register %s: %w", gauge.name, err)
		}
	}
	return nil
}
