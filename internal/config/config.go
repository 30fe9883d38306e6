// Package config provides configuration parsing and validation for
// thermoload test runs.
package config

import (
	"strings"
	"time"

	"github.com/wesleyorama2/thermoload/internal/executor"
	"github.com/wesleyorama2/thermoload/internal/scenario"
	"github.com/wesleyorama2/thermoload/internal/threshold"
)

// DefaultBaseURL is used when neither a flag, BASE_URL nor the config
// file names the backend.
const DefaultBaseURL = "http://localhost:8080"

// Default think time between iterations.
const (
	DefaultThinkTimeMin = 500 * time.Millisecond
	DefaultThinkTimeMax = 1500 * time.Millisecond
)

// DefaultHTTPTimeout is the per-request timeout.
const DefaultHTTPTimeout = 60 * time.Second

// TestConfig is the root configuration for a thermoload run.
//
// Example YAML:
//
//	name: tempconv
//	baseUrl: http://localhost:8080
//	stages:
//	  - duration: 30s
//	    target: 20
//	  - duration: 1m
//	    target: 20
//	thresholds:
//	  http_req_duration: ["p(95)<500"]
//	  http_req_failed: ["rate<0.01"]
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// BaseURL of the conversion backend
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// StartVUs is the VU count the first stage ramps from
	StartVUs int           `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`
	Stages   []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	// VUs and Duration select a constant VU count instead of stages
	VUs      int    `json:"vus,omitempty" yaml:"vus,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	GracefulStop     string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`
	GracefulRampDown string `json:"gracefulRampDown,omitempty" yaml:"gracefulRampDown,omitempty"`

	ThinkTime *ThinkTimeConfig `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`

	Thresholds map[string][]threshold.Definition `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	Probes []ProbeConfig `json:"probes,omitempty" yaml:"probes,omitempty"`

	// Tolerance is the allowed absolute difference in value checks
	Tolerance float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`

	// RPS caps the global request rate; 0 means unlimited
	RPS float64 `json:"rps,omitempty" yaml:"rps,omitempty"`

	HTTP HTTPConfig `json:"http,omitempty" yaml:"http,omitempty"`
}

// StageConfig defines a single stage of the ramp schedule.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`
}

// ThinkTimeConfig is the uniform random pause after each iteration.
type ThinkTimeConfig struct {
	Min string `json:"min" yaml:"min"`
	Max string `json:"max" yaml:"max"`
}

// ProbeConfig is one conversion request sent per iteration.
type ProbeConfig struct {
	Name   string   `json:"name" yaml:"name"`
	Value  float64  `json:"value" yaml:"value"`
	From   string   `json:"from" yaml:"from"`
	To     string   `json:"to" yaml:"to"`
	Expect *float64 `json:"expect,omitempty" yaml:"expect,omitempty"`
}

// HTTPConfig tunes the shared HTTP client.
type HTTPConfig struct {
	Timeout             string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxIdleConnsPerHost int    `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`
	InsecureSkipVerify  bool   `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`
	UserAgent           string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// NoConnectionReuse gives every VU its own client
	NoConnectionReuse bool `json:"noConnectionReuse,omitempty" yaml:"noConnectionReuse,omitempty"`
}

// Default returns the built-in temperature-conversion test: the default
// ramp schedule, thresholds and probes.
func Default() *TestConfig {
	cfg := &TestConfig{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields. Stages are only defaulted when the
// config selects neither stages nor a constant VU count. An explicitly
// empty thresholds map stays empty.
func ApplyDefaults(cfg *TestConfig) {
	if cfg.Name == "" {
		cfg.Name = "tempconv"
	}

	if len(cfg.Stages) == 0 && cfg.Duration == "" && cfg.VUs == 0 {
		for _, s := range scenario.DefaultStages() {
			cfg.Stages = append(cfg.Stages, StageConfig{Duration: formatDuration(s.Duration), Target: s.Target})
		}
	}

	if cfg.Thresholds == nil {
		cfg.Thresholds = make(map[string][]threshold.Definition)
		for metric, exprs := range scenario.DefaultThresholds() {
			cfg.Thresholds[metric] = threshold.Plain(exprs...)
		}
	}

	if cfg.ThinkTime == nil {
		cfg.ThinkTime = &ThinkTimeConfig{
			Min: formatDuration(DefaultThinkTimeMin),
			Max: formatDuration(DefaultThinkTimeMax),
		}
	}

	if len(cfg.Probes) == 0 {
		for _, p := range scenario.DefaultProbes() {
			cfg.Probes = append(cfg.Probes, ProbeConfig{
				Name: p.Name, Value: p.Value, From: string(p.From), To: string(p.To),
			})
		}
	}

	if cfg.GracefulStop == "" {
		cfg.GracefulStop = formatDuration(executor.DefaultGracefulStop)
	}
	if cfg.GracefulRampDown == "" {
		cfg.GracefulRampDown = formatDuration(executor.DefaultGracefulRampDown)
	}
	if cfg.HTTP.Timeout == "" {
		cfg.HTTP.Timeout = formatDuration(DefaultHTTPTimeout)
	}
}

// formatDuration renders d without trailing zero units ("1m", not "1m0s").
func formatDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
