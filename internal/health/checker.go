package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/oliveagle/jsonpath"
)

// Checker runs health probes against target instances. Target-side
// failures (network errors, non-zero exits, bad status codes) are
// captured as unhealthy Results and never returned as errors.
type Checker struct {
	httpClient *http.Client
	dialer     net.Dialer
}

// NewChecker creates a checker with a pooled HTTP client.
func NewChecker(timeout time.Duration) *Checker {
	return &Checker{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Check runs a single probe attempt for spec and always returns a fully
// populated Result.
func (c *Checker) Check(ctx context.Context, spec Spec) Result {
	spec.SetDefaults()

	result := Result{
		SpecName:  spec.Name,
		Kind:      spec.Kind,
		Attempt:   1,
		CheckedAt: time.Now().UTC(),
	}

	start := time.Now()
	switch spec.Kind {
	case KindHTTP:
		c.checkHTTP(ctx, spec, &result)
	case KindTCP:
		c.checkTCP(ctx, spec, &result)
	case KindCommand:
		c.checkCommand(ctx, spec, &result)
	default:
		result.Diagnostic = fmt.Sprintf("unsupported health check kind: %s", spec.Kind)
	}
	result.Latency = time.Since(start)

	return result
}

// CheckWithRetry repeats Check up to spec.Retries times with spec.Interval
// between attempts. It short-circuits on the first healthy result and
// otherwise returns the last result observed.
func (c *Checker) CheckWithRetry(ctx context.Context, spec Spec) Result {
	spec.SetDefaults()

	var result Result
	for attempt := 1; attempt <= spec.Retries; attempt++ {
		result = c.Check(ctx, spec)
		result.Attempt = attempt

		if result.Healthy {
			return result
		}

		slog.Debug("Health check attempt failed",
			"kind", spec.Kind,
			"target", result.Target,
			"attempt", attempt,
			"max_attempts", spec.Retries,
			"diagnostic", result.Diagnostic,
		)

		if attempt < spec.Retries {
			select {
			case <-time.After(spec.Interval):
			case <-ctx.Done():
				result.Diagnostic = fmt.Sprintf("health check cancelled: %v", ctx.Err())
				return result
			}
		}
	}

	return result
}

func (c *Checker) checkHTTP(ctx context.Context, spec Spec, result *Result) {
	result.Target = spec.URL

	reqCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, spec.Method, spec.URL, nil)
	if err != nil {
		result.Diagnostic = fmt.Sprintf("failed to create request: %v", err)
		return
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		result.Diagnostic = fmt.Sprintf("request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	if resp.StatusCode < spec.ExpectStatusMin || resp.StatusCode > spec.ExpectStatusMax {
		result.Diagnostic = fmt.Sprintf("status %d outside expected range %d-%d",
			resp.StatusCode, spec.ExpectStatusMin, spec.ExpectStatusMax)
		return
	}

	if spec.BodyExpression != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
		if err != nil {
			result.Diagnostic = fmt.Sprintf("failed to read response: %v", err)
			return
		}

		var payload interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			result.Diagnostic = fmt.Sprintf("response is not valid JSON: %v", err)
			return
		}

		value, err := jsonpath.JsonPathLookup(payload, spec.BodyExpression)
		if err != nil {
			result.Diagnostic = fmt.Sprintf("body expression %q not satisfied: %v", spec.BodyExpression, err)
			return
		}
		if fmt.Sprintf("%v", value) != spec.BodyExpected {
			result.Diagnostic = fmt.Sprintf("body expression %q evaluated to %v, expected %s",
				spec.BodyExpression, value, spec.BodyExpected)
			return
		}
	}

	result.Healthy = true
}

func (c *Checker) checkTCP(ctx context.Context, spec Spec, result *Result) {
	result.Target = spec.Address

	dialCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", spec.Address)
	if err != nil {
		result.Diagnostic = fmt.Sprintf("dial failed: %v", err)
		return
	}
	conn.Close()

	result.Healthy = true
}

func (c *Checker) checkCommand(ctx context.Context, spec Spec, result *Result) {
	if len(spec.Command) == 0 {
		result.Diagnostic = "command health check has no command configured"
		return
	}
	result.Target = spec.Command[0]

	cmdCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, spec.Command[0], spec.Command[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Diagnostic = fmt.Sprintf("exit code %d: %s", result.ExitCode, truncate(string(output), 512))
		} else {
			result.ExitCode = -1
			result.Diagnostic = fmt.Sprintf("command failed: %v", err)
		}
		return
	}

	result.Healthy = true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
