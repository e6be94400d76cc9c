package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/corvexai/segment-gateway/internal/config"
	"github.com/corvexai/segment-gateway/internal/observability"
	"github.com/corvexai/segment-gateway/internal/resilience"
)

// WebhookSink POSTs each event as JSON to a configured URL.
type WebhookSink struct {
	url        string
	httpClient *http.Client
	retry      *resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
}

// NewWebhookSink creates a webhook sink from the service configuration
func NewWebhookSink(cfg *config.Config) (*WebhookSink, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.New("webhook url is required")
	}

	return &WebhookSink{
		url: cfg.WebhookURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
		},
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		breaker: resilience.NewCircuitBreaker(
			"webhook",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
	}, nil
}

// Name implements Sink
func (s *WebhookSink) Name() string { return "webhook" }

// statusError reports a non-2xx response from the webhook endpoint
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.code)
}

// isRetryableWebhookError retries server-side failures and transport errors.
// Client errors mean the payload or endpoint is wrong and will not improve.
func isRetryableWebhookError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return resilience.IsRetryableNetworkError(err)
}

// Publish implements Sink. Delivery is retried with backoff behind the
// circuit breaker.
func (s *WebhookSink) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = resilience.RetryWithContext(ctx, func() error {
		return s.breaker.Call(func() error {
			return s.post(ctx, payload)
		})
	}, s.retry, isRetryableWebhookError)

	observability.UpdateCircuitBreakerState(s.breaker.Name(), int(s.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(s.breaker.Name())
		return fmt.Errorf("failed to deliver event %s: %w", event.ID, err)
	}
	return nil
}

func (s *WebhookSink) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Close implements Sink
func (s *WebhookSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
