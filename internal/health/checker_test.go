package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpec_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    Spec
		wantErr string
	}{
		{
			name: "valid_http",
			spec: Spec{Kind: KindHTTP, URL: "http://10.0.0.1:8080/healthz"},
		},
		{
			name:    "http_missing_url",
			spec:    Spec{Kind: KindHTTP},
			wantErr: "requires a url",
		},
		{
			name:    "http_bad_scheme",
			spec:    Spec{Kind: KindHTTP, URL: "ftp://example.com"},
			wantErr: "must start with http",
		},
		{
			name:    "http_bad_body_expression",
			spec:    Spec{Kind: KindHTTP, URL: "http://x/healthz", BodyExpression: "status"},
			wantErr: "JSONPath",
		},
		{
			name: "valid_tcp",
			spec: Spec{Kind: KindTCP, Address: "10.0.0.1:5432"},
		},
		{
			name:    "tcp_missing_address",
			spec:    Spec{Kind: KindTCP},
			wantErr: "requires an address",
		},
		{
			name: "valid_command",
			spec: Spec{Kind: KindCommand, Command: []string{"systemctl", "is-active", "api"}},
		},
		{
			name:    "command_missing_argv",
			spec:    Spec{Kind: KindCommand},
			wantErr: "requires a command",
		},
		{
			name:    "unknown_kind",
			spec:    Spec{Kind: "grpc"},
			wantErr: "invalid health check kind",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, 200, tt.spec.ExpectStatusMin)
				assert.Equal(t, 299, tt.spec.ExpectStatusMax)
				assert.Equal(t, 3, tt.spec.Retries)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCheck_HTTP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	checker := NewChecker(5 * time.Second)

	t.Run("healthy_on_expected_status", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		result := checker.Check(ctx, Spec{Kind: KindHTTP, URL: server.URL})
		assert.True(t, result.Healthy)
		assert.Equal(t, http.StatusOK, result.StatusCode)
		assert.Equal(t, server.URL, result.Target)
		assert.False(t, result.CheckedAt.IsZero())
	})

	t.Run("unhealthy_on_server_error", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		result := checker.Check(ctx, Spec{Kind: KindHTTP, URL: server.URL})
		assert.False(t, result.Healthy)
		assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
		assert.Contains(t, result.Diagnostic, "outside expected range")
	})

	t.Run("unhealthy_on_connection_refused", func(t *testing.T) {
		t.Parallel()
		result := checker.Check(ctx, Spec{
			Kind:    KindHTTP,
			URL:     "http://127.0.0.1:1/healthz",
			Timeout: 500 * time.Millisecond,
		})
		assert.False(t, result.Healthy)
		assert.NotEmpty(t, result.Diagnostic)
	})

	t.Run("body_expression", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok","connections":12}`))
		}))
		defer server.Close()

		result := checker.Check(ctx, Spec{
			Kind:           KindHTTP,
			URL:            server.URL,
			BodyExpression: "$.status",
			BodyExpected:   "ok",
		})
		assert.True(t, result.Healthy)

		result = checker.Check(ctx, Spec{
			Kind:           KindHTTP,
			URL:            server.URL,
			BodyExpression: "$.status",
			BodyExpected:   "degraded",
		})
		assert.False(t, result.Healthy)
		assert.Contains(t, result.Diagnostic, "expected degraded")
	})
}

func TestCheck_TCP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	checker := NewChecker(5 * time.Second)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	result := checker.Check(ctx, Spec{Kind: KindTCP, Address: listener.Addr().String()})
	assert.True(t, result.Healthy)

	result = checker.Check(ctx, Spec{
		Kind:    KindTCP,
		Address: "127.0.0.1:1",
		Timeout: 500 * time.Millisecond,
	})
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Diagnostic, "dial failed")
}

func TestCheck_Command(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	checker := NewChecker(5 * time.Second)

	result := checker.Check(ctx, Spec{Kind: KindCommand, Command: []string{"true"}})
	assert.True(t, result.Healthy)
	assert.Equal(t, 0, result.ExitCode)

	result = checker.Check(ctx, Spec{Kind: KindCommand, Command: []string{"false"}})
	assert.False(t, result.Healthy)
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Diagnostic, "exit code 1")
}

func TestCheck_CommandEmptyArgv(t *testing.T) {
	t.Parallel()
	checker := NewChecker(5 * time.Second)

	// Validate rejects this upfront; a spec that bypasses it must still
	// come back unhealthy instead of panicking.
	result := checker.Check(context.Background(), Spec{Kind: KindCommand})
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Diagnostic, "no command configured")
}

func TestCheckWithRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	checker := NewChecker(5 * time.Second)

	t.Run("short_circuits_on_first_healthy", func(t *testing.T) {
		t.Parallel()
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		result := checker.CheckWithRetry(ctx, Spec{
			Kind:     KindHTTP,
			URL:      server.URL,
			Retries:  5,
			Interval: time.Millisecond,
		})
		assert.True(t, result.Healthy)
		assert.Equal(t, 3, result.Attempt)
		assert.Equal(t, int32(3), hits.Load(), "must stop probing after the first healthy result")
	})

	t.Run("returns_last_result_on_exhaustion", func(t *testing.T) {
		t.Parallel()
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		result := checker.CheckWithRetry(ctx, Spec{
			Kind:     KindHTTP,
			URL:      server.URL,
			Retries:  4,
			Interval: time.Millisecond,
		})
		assert.False(t, result.Healthy)
		assert.Equal(t, 4, result.Attempt)
		assert.Equal(t, int32(4), hits.Load())
		assert.Equal(t, http.StatusBadGateway, result.StatusCode)
	})
}
