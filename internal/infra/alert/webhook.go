package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/outbox/errs"
	"github.com/coachpo/outbox/internal/infra/telemetry"
	"github.com/coachpo/outbox/internal/observability"
)

const (
	webhookAlertType       = "outbox.dead_letter"
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookAttempts = 3
	defaultAlertsPerMinute = 60
	maxResponseBodyBytes   = 4 << 10
)

// WebhookConfig configures WebhookNotifier.
type WebhookConfig struct {
	URL string
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// MaxAttempts bounds delivery attempts per alert, including the first.
	MaxAttempts int
	// RatePerMinute caps alerts sent per minute; excess alerts are dropped and logged.
	RatePerMinute int
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
	Client          *http.Client
	Logger          observability.Logger
	Now             func() time.Time
}

// webhookPayload is the JSON body posted to the webhook.
type webhookPayload struct {
	Type          string    `json:"type"`
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	AggregateID   string    `json:"aggregateId"`
	AggregateType string    `json:"aggregateType"`
	RetryCount    int       `json:"retryCount"`
	MaxRetries    int       `json:"maxRetries"`
	Error         string    `json:"error"`
	OccurredAt    time.Time `json:"occurredAt"`
	Timestamp     time.Time `json:"timestamp"`
}

// WebhookNotifier posts dead-letter alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url         string
	client      *http.Client
	maxAttempts int
	initial     time.Duration
	limiter     *rate.Limiter
	logger      observability.Logger
	now         func() time.Time

	sentCounter metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewWebhookNotifier validates cfg and constructs the notifier.
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	target := strings.TrimSpace(cfg.URL)
	if target == "" {
		return nil, errs.New("alert/webhook", errs.CodeInvalid, errs.WithMessage("webhook url required"))
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return nil, errs.New("alert/webhook", errs.CodeInvalid, errs.WithMessage("webhook url must be http or https"))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultWebhookAttempts
	}
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = defaultAlertsPerMinute
	}
	initial := cfg.InitialInterval
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Log()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	n := &WebhookNotifier{
		url:         target,
		client:      client,
		maxAttempts: attempts,
		initial:     initial,
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		logger:      logger,
		now:         now,
	}
	meter := otel.Meter("alert")
	n.sentCounter, _ = meter.Int64Counter("alert.webhook.sent",
		metric.WithDescription("Dead-letter webhook deliveries by result"),
		metric.WithUnit("{alert}"))
	n.duration, _ = meter.Float64Histogram("alert.webhook.duration",
		metric.WithDescription("Latency of dead-letter webhook delivery including retries"),
		metric.WithUnit("ms"))
	return n, nil
}

// NotifyDeadLetter posts the alert, retrying transport errors and 5xx responses with exponential
// backoff. 4xx responses are not retried.
func (n *WebhookNotifier) NotifyDeadLetter(ctx context.Context, dl DeadLetter) error {
	if !n.limiter.Allow() {
		n.record(ctx, telemetry.ResultSkipped, 0)
		n.logger.Warn("dead letter webhook rate limited; alert dropped",
			observability.F("event_id", dl.EventID),
			observability.F("event_type", dl.EventType),
		)
		return errs.New("alert/webhook", errs.CodeUnavailable, errs.WithMessage("rate limited"), errs.WithField("event_id", dl.EventID))
	}

	body, err := json.Marshal(webhookPayload{
		Type:          webhookAlertType,
		EventID:       dl.EventID,
		EventType:     dl.EventType,
		AggregateID:   dl.AggregateID,
		AggregateType: dl.AggregateType,
		RetryCount:    dl.RetryCount,
		MaxRetries:    dl.MaxRetries,
		Error:         dl.Error,
		OccurredAt:    dl.OccurredAt.UTC(),
		Timestamp:     n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter alert: %w", err)
	}

	start := time.Now()
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = n.initial
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		retryable, sendErr := n.send(ctx, body)
		if sendErr == nil {
			n.record(ctx, telemetry.ResultSuccess, time.Since(start))
			return nil
		}
		lastErr = sendErr
		if !retryable || attempt == n.maxAttempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		n.logger.Debug("dead letter webhook attempt failed; retrying",
			observability.F("event_id", dl.EventID),
			observability.F("attempt", attempt),
			observability.F("retry_in", sleep.String()),
			observability.Err(sendErr),
		)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			n.record(ctx, telemetry.ResultError, time.Since(start))
			return fmt.Errorf("dead letter webhook: %w", ctx.Err())
		case <-timer.C:
		}
	}
	n.record(ctx, telemetry.ResultError, time.Since(start))
	return errs.New("alert/webhook", errs.CodeDelivery,
		errs.WithMessage("webhook delivery failed"),
		errs.WithField("event_id", dl.EventID),
		errs.WithCause(lastErr),
	)
}

// send performs one POST. The boolean reports whether a failure is worth retrying.
func (n *WebhookNotifier) send(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodyBytes))
		return false, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	err = fmt.Errorf("webhook responded %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	return resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests, err
}

func (n *WebhookNotifier) record(ctx context.Context, result string, elapsed time.Duration) {
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes("alert.webhook", result)...)
	if n.sentCounter != nil {
		n.sentCounter.Add(ctx, 1, attrs)
	}
	if n.duration != nil && elapsed > 0 {
		n.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

var _ Notifier = (*WebhookNotifier)(nil)
