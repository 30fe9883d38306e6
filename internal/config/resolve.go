package config

import (
	"fmt"
	"time"

	"github.com/wesleyorama2/thermoload/internal/executor"
	"github.com/wesleyorama2/thermoload/internal/scenario"
	"github.com/wesleyorama2/thermoload/internal/threshold"
	"github.com/wesleyorama2/thermoload/internal/vu"
)

// BaseURLEnv is the environment variable naming the backend.
const BaseURLEnv = "BASE_URL"

// ResolveBaseURL picks the backend URL: BASE_URL from getenv, then the
// config file, then DefaultBaseURL. A --base-url flag is applied later
// by ApplyOverrides and wins over all of these.
func ResolveBaseURL(cfg *TestConfig, getenv func(string) string) {
	if getenv != nil {
		if v := getenv(BaseURLEnv); v != "" {
			cfg.BaseURL = v
			return
		}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
}

// Overrides are command-line settings applied on top of the config file.
// Nil and empty fields leave the config unchanged.
type Overrides struct {
	VUs      *int
	Duration string
	Stages   string
	RPS      *float64
	BaseURL  string
}

// ApplyOverrides applies o to cfg.
//
// --stages replaces the schedule and switches to ramping VUs. --duration
// switches to a constant VU count (1 unless --vus is given). --vus alone
// runs that many constant VUs for the total stage duration.
func ApplyOverrides(cfg *TestConfig, o Overrides) error {
	if o.Stages != "" {
		stages, err := ParseStages(o.Stages)
		if err != nil {
			return fmt.Errorf("invalid --stages: %w", err)
		}
		cfg.Stages = stages
		cfg.Duration = ""
		cfg.VUs = 0
	}

	if o.Duration != "" {
		if _, err := ParseDurationString(o.Duration); err != nil {
			return fmt.Errorf("invalid --duration: %w", err)
		}
		cfg.Duration = o.Duration
	}

	if o.VUs != nil {
		cfg.VUs = *o.VUs
	}
	if o.RPS != nil {
		cfg.RPS = *o.RPS
	}
	if o.BaseURL != "" {
		cfg.BaseURL = o.BaseURL
	}
	return nil
}

// TotalDuration returns how long the schedule runs, excluding graceful
// stop.
func (c *TestConfig) TotalDuration() time.Duration {
	if c.Duration != "" {
		d, _ := ParseDurationString(c.Duration)
		return d
	}
	var total time.Duration
	for _, s := range c.Stages {
		d, _ := ParseDurationString(s.Duration)
		total += d
	}
	return total
}

// ExecutorConfig builds the executor configuration. The config must be
// valid.
func (c *TestConfig) ExecutorConfig() (*executor.Config, error) {
	gracefulStop, err := ParseDurationString(c.GracefulStop)
	if err != nil {
		return nil, fmt.Errorf("gracefulStop: %w", err)
	}
	if c.GracefulStop == "" {
		gracefulStop = executor.DefaultGracefulStop
	}

	pacing, err := c.pacing()
	if err != nil {
		return nil, err
	}

	ec := &executor.Config{
		Name:         c.Name,
		GracefulStop: gracefulStop,
		Pacing:       pacing,
	}

	if c.Duration != "" || c.VUs > 0 {
		ec.Type = executor.TypeConstantVUs
		ec.VUs = c.VUs
		if ec.VUs == 0 {
			ec.VUs = 1
		}
		ec.Duration = c.TotalDuration()
		return ec, nil
	}

	ec.Type = executor.TypeRampingVUs
	ec.StartVUs = c.StartVUs
	if ec.GracefulRampDown, err = ParseDurationString(c.GracefulRampDown); err != nil {
		return nil, fmt.Errorf("gracefulRampDown: %w", err)
	}
	if c.GracefulRampDown == "" {
		ec.GracefulRampDown = executor.DefaultGracefulRampDown
	}
	for i, s := range c.Stages {
		d, err := ParseDurationString(s.Duration)
		if err != nil {
			return nil, fmt.Errorf("stages[%d]: %w", i, err)
		}
		ec.Stages = append(ec.Stages, executor.Stage{Duration: d, Target: s.Target})
	}
	return ec, nil
}

func (c *TestConfig) pacing() (*executor.PacingConfig, error) {
	if c.ThinkTime == nil {
		return &executor.PacingConfig{Type: executor.PacingRandom, Min: DefaultThinkTimeMin, Max: DefaultThinkTimeMax}, nil
	}
	minDur, err := ParseDurationString(c.ThinkTime.Min)
	if err != nil {
		return nil, fmt.Errorf("thinkTime.min: %w", err)
	}
	maxDur, err := ParseDurationString(c.ThinkTime.Max)
	if err != nil {
		return nil, fmt.Errorf("thinkTime.max: %w", err)
	}
	if maxDur == 0 {
		return &executor.PacingConfig{Type: executor.PacingNone}, nil
	}
	return &executor.PacingConfig{Type: executor.PacingRandom, Min: minDur, Max: maxDur}, nil
}

// HTTPClientConfig builds the VU scheduler's client settings.
func (c *TestConfig) HTTPClientConfig() (vu.HTTPClientConfig, error) {
	hc := vu.DefaultHTTPClientConfig()

	if c.HTTP.Timeout != "" {
		d, err := ParseDurationString(c.HTTP.Timeout)
		if err != nil {
			return hc, fmt.Errorf("http.timeout: %w", err)
		}
		hc.Timeout = d
	}
	if c.HTTP.MaxIdleConnsPerHost > 0 {
		hc.MaxIdleConnsPerHost = c.HTTP.MaxIdleConnsPerHost
	}
	if c.HTTP.UserAgent != "" {
		hc.UserAgent = c.HTTP.UserAgent
	}
	hc.InsecureSkipVerify = c.HTTP.InsecureSkipVerify
	hc.UseSharedClient = !c.HTTP.NoConnectionReuse
	hc.RPS = c.RPS
	return hc, nil
}

// ScenarioProbes converts the configured probes.
func (c *TestConfig) ScenarioProbes() ([]scenario.Probe, error) {
	probes := make([]scenario.Probe, 0, len(c.Probes))
	for i, p := range c.Probes {
		from, err := scenario.ParseUnit(p.From)
		if err != nil {
			return nil, fmt.Errorf("probes[%d].from: %w", i, err)
		}
		to, err := scenario.ParseUnit(p.To)
		if err != nil {
			return nil, fmt.Errorf("probes[%d].to: %w", i, err)
		}
		probes = append(probes, scenario.Probe{Name: p.Name, Value: p.Value, From: from, To: to, Expect: p.Expect})
	}
	return probes, nil
}

// ThresholdSet parses the configured thresholds.
func (c *TestConfig) ThresholdSet() (threshold.Set, error) {
	return threshold.NewSet(c.Thresholds)
}
