// Package telemetry provides semantic conventions for outbox observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"

	roottelemetry "github.com/coachpo/outbox/internal/telemetry"
)

// Attribute keys follow OpenTelemetry naming: namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrEventType labels delivery metrics with the domain event type.
	AttrEventType = attribute.Key("event.type")
	// AttrAggregateType labels delivery metrics with the originating aggregate kind.
	AttrAggregateType = attribute.Key("aggregate.type")
	AttrOperation     = attribute.Key("operation")
	AttrResult        = attribute.Key("result")
	// AttrDBPool names the pgx pool behind pool gauges.
	AttrDBPool = attribute.Key("db_pool")
	// AttrNotifier identifies the alert channel (webhook, log).
	AttrNotifier = attribute.Key("notifier")
	AttrStatus   = attribute.Key("status")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Environment returns the environment label configured on the telemetry provider.
func Environment() string {
	return roottelemetry.Environment()
}

// EventAttributes returns the attribute set for per-event delivery metrics.
func EventAttributes(eventType, aggregateType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrEventType.String(eventType),
	}
	if aggregateType != "" {
		attrs = append(attrs, AttrAggregateType.String(aggregateType))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ResultOf maps an error into the success/error result label.
func ResultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
