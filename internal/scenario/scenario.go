// Package scenario defines the temperature-conversion load test: its
// default schedule and thresholds, and the iteration body every VU runs.
package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/thermoload/internal/executor"
	"github.com/wesleyorama2/thermoload/internal/vu"
)

const (
	HealthPath  = "/health"
	ConvertPath = "/api/convert"

	// HealthCheck is the check recorded for the health request.
	HealthCheck = "health status 200"

	// HealthRequest is the request name of the health call in metrics.
	HealthRequest = "health"
)

// DefaultStages returns the ramp schedule: up to 20 VUs, hold, up to 50,
// hold, down to 0.
func DefaultStages() []executor.Stage {
	return []executor.Stage{
		{Duration: 30 * time.Second, Target: 20},
		{Duration: time.Minute, Target: 20},
		{Duration: 30 * time.Second, Target: 50},
		{Duration: time.Minute, Target: 50},
		{Duration: 30 * time.Second, Target: 0},
	}
}

// DefaultThresholds returns the pass/fail criteria: 95% of requests under
// 500ms and less than 1% failed requests.
func DefaultThresholds() map[string][]string {
	return map[string][]string{
		"http_req_duration": {"p(95)<500"},
		"http_req_failed":   {"rate<0.01"},
	}
}

// Probe is one conversion request sent per iteration.
type Probe struct {
	Name  string  `json:"name" yaml:"name"`
	Value float64 `json:"value" yaml:"value"`
	From  Unit    `json:"from" yaml:"from"`
	To    Unit    `json:"to" yaml:"to"`

	// Expect overrides the expected value; nil means Convert(Value, From, To)
	Expect *float64 `json:"expect,omitempty" yaml:"expect,omitempty"`
}

// DefaultProbes returns 25°C to Fahrenheit and 32°F to Celsius.
func DefaultProbes() []Probe {
	return []Probe{
		{Name: "c2f", Value: 25, From: Celsius, To: Fahrenheit},
		{Name: "f2c", Value: 32, From: Fahrenheit, To: Celsius},
	}
}

// Expected returns the value the backend should answer with.
func (p Probe) Expected() (float64, error) {
	if p.Expect != nil {
		return *p.Expect, nil
	}
	return Convert(p.Value, p.From, p.To)
}

// StatusCheck is the name of the probe's status check.
func (p Probe) StatusCheck() string {
	return p.Name + " status 200"
}

// ValueCheck is the name of the probe's value check.
func (p Probe) ValueCheck() (string, error) {
	want, err := p.Expected()
	if err != nil {
		return "", err
	}
	return p.Name + " value " + strconv.FormatFloat(want, 'f', -1, 64), nil
}

type preparedProbe struct {
	name        string
	body        []byte
	want        float64
	statusCheck string
	valueCheck  string
}

// Scenario is the iteration body: one health check followed by each
// probe in order. It is safe for concurrent use by many VUs.
type Scenario struct {
	healthURL  string
	convertURL string
	probes     []preparedProbe
	tolerance  float64
}

// New builds a Scenario against baseURL. Request bodies and check names
// are computed once here.
func New(baseURL string, probes []Probe, tolerance float64) (*Scenario, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be an absolute http(s) URL", baseURL)
	}
	if tolerance < 0 {
		return nil, fmt.Errorf("tolerance must be >= 0, got %v", tolerance)
	}
	if len(probes) == 0 {
		probes = DefaultProbes()
	}

	base := strings.TrimRight(baseURL, "/")
	s := &Scenario{
		healthURL:  base + HealthPath,
		convertURL: base + ConvertPath,
		tolerance:  tolerance,
	}

	seen := make(map[string]bool, len(probes))
	for i, p := range probes {
		if p.Name == "" {
			return nil, fmt.Errorf("probe %d: name is required", i)
		}
		if seen[p.Name] || p.Name == HealthRequest {
			return nil, fmt.Errorf("probe %d: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true

		want, err := p.Expected()
		if err != nil {
			return nil, fmt.Errorf("probe %q: %w", p.Name, err)
		}
		body, err := json.Marshal(ConversionRequest{Value: p.Value, FromUnit: p.From, ToUnit: p.To})
		if err != nil {
			return nil, fmt.Errorf("probe %q: encoding request: %w", p.Name, err)
		}
		valueCheck, _ := p.ValueCheck()

		s.probes = append(s.probes, preparedProbe{
			name:        p.Name,
			body:        body,
			want:        want,
			statusCheck: p.StatusCheck(),
			valueCheck:  valueCheck,
		})
	}

	return s, nil
}

// CheckNames returns every check name in the order they are evaluated.
func (s *Scenario) CheckNames() []string {
	names := []string{HealthCheck}
	for _, p := range s.probes {
		names = append(names, p.statusCheck, p.valueCheck)
	}
	return names
}

// RequestNames returns every request name in the order they are sent.
func (s *Scenario) RequestNames() []string {
	names := []string{HealthRequest}
	for _, p := range s.probes {
		names = append(names, p.name)
	}
	return names
}

// Run executes one iteration. Failed checks are recorded in env and do
// not stop the iteration; only cancellation of ctx is returned.
func (s *Scenario) Run(ctx context.Context, env *vu.Env) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.healthURL, nil)
	if err != nil {
		return err
	}
	res := env.Do(ctx, HealthRequest, req)
	if res.Interrupted {
		return ctx.Err()
	}
	env.Check(HealthCheck, res.OK(http.StatusOK))

	for _, p := range s.probes {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.convertURL, bytes.NewReader(p.body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		res := env.Do(ctx, p.name, req)
		if res.Interrupted {
			return ctx.Err()
		}
		env.Check(p.statusCheck, res.OK(http.StatusOK))
		env.Check(p.valueCheck, res.Err == nil && s.valueMatches(res.Body, p.want))
	}

	return nil
}

// valueMatches reports whether body is JSON with a numeric "value"
// within tolerance of want.
func (s *Scenario) valueMatches(body []byte, want float64) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	v := gjson.GetBytes(body, "value")
	if v.Type != gjson.Number {
		return false
	}
	return math.Abs(v.Float()-want) <= s.tolerance
}
