package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmelo/convoy/internal/deploy"
)

// OutcomePayload is the JSON body posted for a terminal deployment.
type OutcomePayload struct {
	Text           string        `json:"text"`
	Target         string        `json:"target"`
	Version        string        `json:"version"`
	Status         deploy.Status `json:"status"`
	RollbackReason string        `json:"rollback_reason,omitempty"`
	DeploymentID   string        `json:"deployment_id"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// FormatOutcomePayload builds the notification body for a terminal result.
func FormatOutcomePayload(target string, result *deploy.Result) OutcomePayload {
	text := fmt.Sprintf("Deployment of %s to %s %s", result.Version, target, result.Status)
	if result.RollbackReason != "" {
		text = fmt.Sprintf("%s: %s", text, result.RollbackReason)
	}
	return OutcomePayload{
		Text:           text,
		Target:         target,
		Version:        result.Version,
		Status:         result.Status,
		RollbackReason: result.RollbackReason,
		DeploymentID:   result.DeploymentID,
		FinishedAt:     result.FinishedAt,
	}
}

// Notifier delivers terminal deployment outcomes to a webhook endpoint
// with retries and a circuit breaker. A nil *Notifier is a no-op, so
// callers need no special casing when notifications are not configured.
type Notifier struct {
	url            string
	httpClient     *http.Client
	retryConfig    RetryConfig
	circuitBreaker *CircuitBreaker
}

// NewNotifier creates a notifier posting to url.
func NewNotifier(url string, timeout time.Duration, retryConfig RetryConfig) *Notifier {
	retryConfig.SetDefaults()
	return &Notifier{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retryConfig:    retryConfig,
		circuitBreaker: NewCircuitBreaker(),
	}
}

// NotifyOutcome posts the terminal result for target, retrying with
// exponential backoff. Delivery failures are reported, not escalated;
// the rollout outcome stands regardless.
func (n *Notifier) NotifyOutcome(ctx context.Context, target string, result *deploy.Result) error {
	if n == nil {
		return nil
	}

	if !n.circuitBreaker.CanAttempt() {
		slog.Warn("Notification skipped, circuit breaker is open",
			"target", target,
			"deployment_id", result.DeploymentID,
			"circuit_state", n.circuitBreaker.GetStateName(),
		)
		return fmt.Errorf("notification circuit breaker is open")
	}

	payload := FormatOutcomePayload(target, result)
	strategy := NewRetryStrategy(n.retryConfig)

	for attempt := 1; attempt <= strategy.GetMaxAttempts(); attempt++ {
		statusCode, err := n.deliver(ctx, payload)

		if err == nil && statusCode >= 200 && statusCode < 300 {
			slog.Info("Deployment outcome notified",
				"target", target,
				"deployment_id", result.DeploymentID,
				"attempt", attempt,
			)
			n.circuitBreaker.RecordSuccess()
			return nil
		}

		if !strategy.ShouldRetry(attempt, statusCode, err) {
			break
		}

		if attempt < strategy.GetMaxAttempts() {
			delay := strategy.CalculateDelay(attempt)
			slog.Warn("Notification delivery failed, retrying",
				"target", target,
				"attempt", attempt,
				"next_retry_ms", delay.Milliseconds(),
				"status_code", statusCode,
				"error", err,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				n.circuitBreaker.RecordFailure()
				return ctx.Err()
			}
		}
	}

	n.circuitBreaker.RecordFailure()
	return fmt.Errorf("notification delivery failed after %d attempts", strategy.GetMaxAttempts())
}

func (n *Notifier) deliver(ctx context.Context, payload OutcomePayload) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewBuffer(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection is reusable.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return resp.StatusCode, nil
}
