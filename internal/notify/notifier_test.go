package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmelo/convoy/internal/deploy"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelayMs: 1,
		MaxDelayMs:     5,
		Multiplier:     2.0,
	}
}

func terminalResult(status deploy.Status) *deploy.Result {
	return &deploy.Result{
		DeploymentID: "68a1b2c3d4e5f60718293a4b",
		Version:      "v2",
		Status:       status,
		FinishedAt:   time.Now().UTC(),
	}
}

func TestNotifyOutcomeDeliversPayload(t *testing.T) {
	t.Parallel()

	var received OutcomePayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(server.URL, 5*time.Second, fastRetryConfig())

	err := n.NotifyOutcome(context.Background(), "api", terminalResult(deploy.StatusSucceeded))
	require.NoError(t, err)

	assert.Equal(t, "api", received.Target)
	assert.Equal(t, "v2", received.Version)
	assert.Equal(t, deploy.StatusSucceeded, received.Status)
	assert.Contains(t, received.Text, "Deployment of v2 to api succeeded")
}

func TestNotifyOutcomeRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(server.URL, 5*time.Second, fastRetryConfig())

	err := n.NotifyOutcome(context.Background(), "api", terminalResult(deploy.StatusRolledBack))
	require.NoError(t, err)
	assert.EqualValues(t, 3, hits.Load())
}

func TestNotifyOutcomeDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	n := NewNotifier(server.URL, 5*time.Second, fastRetryConfig())

	err := n.NotifyOutcome(context.Background(), "api", terminalResult(deploy.StatusFailed))
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestNotifyOutcomeNilNotifierIsNoOp(t *testing.T) {
	t.Parallel()

	var n *Notifier
	err := n.NotifyOutcome(context.Background(), "api", terminalResult(deploy.StatusSucceeded))
	assert.NoError(t, err)
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker()
	for i := 0; i < 5; i++ {
		require.True(t, cb.CanAttempt())
		cb.RecordFailure()
	}

	assert.False(t, cb.CanAttempt())
	assert.Equal(t, "open", cb.GetStateName())
}

func TestRetryStrategyBackoff(t *testing.T) {
	t.Parallel()

	strategy := NewRetryStrategy(RetryConfig{
		MaxAttempts:    4,
		InitialDelayMs: 100,
		MaxDelayMs:     300,
		Multiplier:     2.0,
	})

	assert.Equal(t, 100*time.Millisecond, strategy.CalculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, strategy.CalculateDelay(2))
	// Capped at the maximum delay.
	assert.Equal(t, 300*time.Millisecond, strategy.CalculateDelay(3))

	assert.True(t, strategy.ShouldRetry(1, 503, nil))
	assert.True(t, strategy.ShouldRetry(1, 429, nil))
	assert.False(t, strategy.ShouldRetry(1, 404, nil))
	assert.False(t, strategy.ShouldRetry(4, 503, nil))
}
