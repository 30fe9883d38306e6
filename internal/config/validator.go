package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/wesleyorama2/thermoload/internal/scenario"
	"github.com/wesleyorama2/thermoload/internal/threshold"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	validateBaseURL(c.BaseURL, errs)
	validateLoad(c, errs)
	validateThinkTime(c.ThinkTime, errs)
	requestNames := validateProbes(c.Probes, errs)
	validateThresholds(c.Thresholds, requestNames, errs)

	if c.Tolerance < 0 {
		errs.Add("tolerance", "tolerance cannot be negative")
	}
	if c.RPS < 0 {
		errs.Add("rps", "rps cannot be negative")
	}

	validateHTTP(&c.HTTP, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateBaseURL(raw string, errs *ValidationErrors) {
	if raw == "" {
		errs.Add("baseUrl", "base URL is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		errs.Add("baseUrl", fmt.Sprintf("invalid URL: %v", err))
		return
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs.Add("baseUrl", fmt.Sprintf("must be an absolute http(s) URL, got %q", raw))
	}
}

// validateLoad checks the VU schedule: a constant VU count when duration
// or vus is set, stages otherwise.
func validateLoad(c *TestConfig, errs *ValidationErrors) {
	if c.VUs < 0 {
		errs.Add("vus", "vus cannot be negative")
	}
	if c.StartVUs < 0 {
		errs.Add("startVUs", "startVUs cannot be negative")
	}

	if c.Duration != "" {
		d, err := ParseDurationString(c.Duration)
		if err != nil {
			errs.Add("duration", fmt.Sprintf("invalid duration: %v", err))
		} else if d <= 0 {
			errs.Add("duration", "duration must be greater than 0")
		}
	} else if len(c.Stages) == 0 {
		if c.VUs > 0 {
			errs.Add("duration", "duration or stages are required with vus")
		} else {
			errs.Add("stages", "at least one stage is required")
		}
	}

	for i, stage := range c.Stages {
		validateStage(fmt.Sprintf("stages[%d]", i), &stage, errs)
	}

	validateNonNegativeDuration("gracefulStop", c.GracefulStop, errs)
	validateNonNegativeDuration("gracefulRampDown", c.GracefulRampDown, errs)
}

// validateStage validates a single stage configuration.
func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	if stage.Duration == "" {
		errs.Add(prefix+".duration", "duration is required")
	} else if d, err := ParseDurationString(stage.Duration); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	} else if d <= 0 {
		errs.Add(prefix+".duration", "duration must be greater than 0")
	}

	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

func validateNonNegativeDuration(field, s string, errs *ValidationErrors) {
	if s == "" {
		return
	}
	d, err := ParseDurationString(s)
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
	} else if d < 0 {
		errs.Add(field, "cannot be negative")
	}
}

func validateThinkTime(tt *ThinkTimeConfig, errs *ValidationErrors) {
	if tt == nil {
		return
	}
	minDur, minErr := ParseDurationString(tt.Min)
	if minErr != nil {
		errs.Add("thinkTime.min", fmt.Sprintf("invalid min: %v", minErr))
	}
	maxDur, maxErr := ParseDurationString(tt.Max)
	if maxErr != nil {
		errs.Add("thinkTime.max", fmt.Sprintf("invalid max: %v", maxErr))
	}
	if minErr == nil && maxErr == nil {
		if minDur < 0 {
			errs.Add("thinkTime.min", "cannot be negative")
		}
		if minDur > maxDur {
			errs.Add("thinkTime", "min must be less than or equal to max")
		}
	}
}

// validateProbes checks probe names and units and returns the request
// names a threshold may filter on.
func validateProbes(probes []ProbeConfig, errs *ValidationErrors) map[string]bool {
	names := map[string]bool{scenario.HealthRequest: true}
	for i, p := range probes {
		prefix := fmt.Sprintf("probes[%d]", i)
		if p.Name == "" {
			errs.Add(prefix+".name", "name is required")
		} else if names[p.Name] {
			errs.Add(prefix+".name", fmt.Sprintf("duplicate request name %q", p.Name))
		} else {
			names[p.Name] = true
		}
		if _, err := scenario.ParseUnit(p.From); err != nil {
			errs.Add(prefix+".from", err.Error())
		}
		if _, err := scenario.ParseUnit(p.To); err != nil {
			errs.Add(prefix+".to", err.Error())
		}
	}
	return names
}

// validateThresholds parses every expression, reporting each failure at
// its own position.
func validateThresholds(defs map[string][]threshold.Definition, requestNames map[string]bool, errs *ValidationErrors) {
	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		field := "thresholds." + key
		metric, tag, err := threshold.ParseKey(key)
		if err != nil {
			errs.Add(field, err.Error())
			continue
		}
		if tag != "" && !requestNames[tag] {
			errs.Add(field, fmt.Sprintf("unknown request name %q", tag))
		}
		kind, _ := threshold.MetricKind(metric)
		for i, def := range defs[key] {
			if _, err := threshold.Parse(def.Threshold, kind); err != nil {
				errs.Add(fmt.Sprintf("%s[%d]", field, i), err.Error())
			}
			if def.DelayAbortEval != "" {
				if d, err := time.ParseDuration(def.DelayAbortEval); err != nil || d < 0 {
					errs.Add(fmt.Sprintf("%s[%d].delayAbortEval", field, i), fmt.Sprintf("invalid duration: %s", def.DelayAbortEval))
				}
			}
		}
	}
}

func validateHTTP(h *HTTPConfig, errs *ValidationErrors) {
	if h.Timeout != "" {
		d, err := ParseDurationString(h.Timeout)
		if err != nil {
			errs.Add("http.timeout", fmt.Sprintf("invalid timeout: %v", err))
		} else if d <= 0 {
			errs.Add("http.timeout", "timeout must be greater than 0")
		}
	}
	if h.MaxIdleConnsPerHost < 0 {
		errs.Add("http.maxIdleConnsPerHost", "cannot be negative")
	}
}
