package health

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Kind selects the probe strategy for a check. New kinds are data: adding
// one extends the dispatch table in Checker without changing callers.
type Kind string

const (
	KindHTTP    Kind = "http"
	KindTCP     Kind = "tcp"
	KindCommand Kind = "command"
)

// Spec describes a single health probe against one target instance.
type Spec struct {
	Name string `json:"name,omitempty" bson:"name,omitempty"`
	Kind Kind   `json:"kind" bson:"kind"`

	// HTTP probes.
	URL    string `json:"url,omitempty" bson:"url,omitempty"`
	Method string `json:"method,omitempty" bson:"method,omitempty"`
	// Inclusive status-code range counted as healthy.
	ExpectStatusMin int `json:"expect_status_min,omitempty" bson:"expect_status_min,omitempty"`
	ExpectStatusMax int `json:"expect_status_max,omitempty" bson:"expect_status_max,omitempty"`
	// Optional JSONPath assertion against the response body, e.g.
	// expression "$.status" with expected value "ok".
	BodyExpression string `json:"body_expression,omitempty" bson:"body_expression,omitempty"`
	BodyExpected   string `json:"body_expected,omitempty" bson:"body_expected,omitempty"`

	// TCP probes: host:port to dial.
	Address string `json:"address,omitempty" bson:"address,omitempty"`

	// Command probes: argv executed on the orchestrator host; exit code 0
	// is healthy.
	Command []string `json:"command,omitempty" bson:"command,omitempty"`

	Timeout  time.Duration `json:"timeout,omitempty" bson:"timeout,omitempty"`
	Retries  int           `json:"retries,omitempty" bson:"retries,omitempty"`
	Interval time.Duration `json:"interval,omitempty" bson:"interval,omitempty"`
}

// SetDefaults fills zero-valued fields with sensible defaults.
func (s *Spec) SetDefaults() {
	if s.Method == "" {
		s.Method = "GET"
	}
	s.Method = strings.ToUpper(s.Method)
	if s.ExpectStatusMin == 0 {
		s.ExpectStatusMin = 200
	}
	if s.ExpectStatusMax == 0 {
		s.ExpectStatusMax = 299
	}
	if s.Timeout == 0 {
		s.Timeout = 10 * time.Second
	}
	if s.Retries == 0 {
		s.Retries = 3
	}
	if s.Interval == 0 {
		s.Interval = 2 * time.Second
	}
}

// Validate checks the spec and applies defaults.
func (s *Spec) Validate() error {
	s.SetDefaults()

	switch s.Kind {
	case KindHTTP:
		if s.URL == "" {
			return errors.New("http health check requires a url")
		}
		parsed, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("invalid health check url: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return errors.New("health check url must start with http:// or https://")
		}
		if s.ExpectStatusMin > s.ExpectStatusMax {
			return errors.New("expect_status_min must not exceed expect_status_max")
		}
		if s.BodyExpression != "" && !strings.HasPrefix(s.BodyExpression, "$") {
			return errors.New("body_expression must be a JSONPath expression starting with $")
		}
	case KindTCP:
		if s.Address == "" {
			return errors.New("tcp health check requires an address")
		}
	case KindCommand:
		if len(s.Command) == 0 {
			return errors.New("command health check requires a command")
		}
	default:
		return fmt.Errorf("invalid health check kind: %s (must be 'http', 'tcp', or 'command')", s.Kind)
	}

	return nil
}

// ForInstance returns a copy of the spec with the %s placeholders in the
// URL and address expanded to the instance address. Specs without a
// placeholder are returned unchanged.
func (s Spec) ForInstance(instanceAddress string) Spec {
	out := s
	if strings.Contains(out.URL, "%s") {
		out.URL = fmt.Sprintf(out.URL, instanceAddress)
	}
	if strings.Contains(out.Address, "%s") {
		out.Address = fmt.Sprintf(out.Address, instanceAddress)
	}
	if len(out.Command) > 0 {
		expanded := make([]string, len(out.Command))
		for i, arg := range out.Command {
			if strings.Contains(arg, "%s") {
				expanded[i] = fmt.Sprintf(arg, instanceAddress)
			} else {
				expanded[i] = arg
			}
		}
		out.Command = expanded
	}
	return out
}

// Result is the immutable verdict of a single probe run.
type Result struct {
	SpecName   string        `json:"spec_name,omitempty" bson:"spec_name,omitempty"`
	Kind       Kind          `json:"kind" bson:"kind"`
	Target     string        `json:"target" bson:"target"`
	Healthy    bool          `json:"healthy" bson:"healthy"`
	Latency    time.Duration `json:"latency" bson:"latency"`
	StatusCode int           `json:"status_code,omitempty" bson:"status_code,omitempty"`
	ExitCode   int           `json:"exit_code,omitempty" bson:"exit_code,omitempty"`
	Diagnostic string        `json:"diagnostic,omitempty" bson:"diagnostic,omitempty"`
	Attempt    int           `json:"attempt" bson:"attempt"`
	CheckedAt  time.Time     `json:"checked_at" bson:"checked_at"`
}
