// Package threshold parses and evaluates pass/fail criteria on run metrics.
//
// A threshold set maps a metric name, optionally filtered by request name
// (http_req_duration{name:c2f}), to a list of expressions such as
// "p(95)<500", "avg < 200ms" or "rate<0.01".
package threshold

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind is the type of a metric, which decides the aggregations it accepts.
type Kind int

const (
	KindTrend Kind = iota
	KindRate
	KindCounter
)

func (k Kind) String() string {
	switch k {
	case KindTrend:
		return "trend"
	case KindRate:
		return "rate"
	case KindCounter:
		return "counter"
	default:
		return "unknown"
	}
}

// Metric names thresholds can refer to.
const (
	MetricReqDuration       = "http_req_duration"
	MetricReqFailed         = "http_req_failed"
	MetricReqs              = "http_reqs"
	MetricIterationDuration = "iteration_duration"
	MetricIterations        = "iterations"
	MetricChecks            = "checks"
)

var metricKinds = map[string]Kind{
	MetricReqDuration:       KindTrend,
	MetricIterationDuration: KindTrend,
	MetricReqFailed:         KindRate,
	MetricChecks:            KindRate,
	MetricReqs:              KindCounter,
	MetricIterations:        KindCounter,
}

// taggable metrics accept a {name:x} filter.
var taggable = map[string]bool{
	MetricReqDuration: true,
	MetricReqFailed:   true,
}

// MetricKind returns the kind of a known metric.
func MetricKind(metric string) (Kind, bool) {
	k, ok := metricKinds[metric]
	return k, ok
}

// Definition is one threshold entry as written in a config file: either a
// bare expression string or an object with abort settings.
type Definition struct {
	Threshold      string `json:"threshold" yaml:"threshold"`
	AbortOnFail    bool   `json:"abortOnFail,omitempty" yaml:"abortOnFail,omitempty"`
	DelayAbortEval string `json:"delayAbortEval,omitempty" yaml:"delayAbortEval,omitempty"`
}

type definitionFields Definition

// UnmarshalYAML accepts a scalar expression or a mapping.
func (d *Definition) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*d = Definition{Threshold: value.Value}
		return nil
	}
	var f definitionFields
	if err := value.Decode(&f); err != nil {
		return err
	}
	*d = Definition(f)
	return nil
}

// UnmarshalJSON accepts a string expression or an object.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*d = Definition{Threshold: s}
		return nil
	}
	var f definitionFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*d = Definition(f)
	return nil
}

// MarshalYAML writes plain entries back as bare strings.
func (d Definition) MarshalYAML() (interface{}, error) {
	if !d.AbortOnFail && d.DelayAbortEval == "" {
		return d.Threshold, nil
	}
	return definitionFields(d), nil
}

// Plain wraps bare expressions into definitions.
func Plain(exprs ...string) []Definition {
	defs := make([]Definition, len(exprs))
	for i, e := range exprs {
		defs[i] = Definition{Threshold: e}
	}
	return defs
}

// Expression is a parsed "<aggregation> <op> <value>".
type Expression struct {
	Raw string

	// Aggregation is avg, min, max, med, p, rate or count
	Aggregation string

	// Percentile is set when Aggregation is "p" (0-100)
	Percentile float64

	Op string

	// Value is in milliseconds for trend metrics
	Value float64
}

// Entry is one parsed threshold expression with its abort settings.
type Entry struct {
	Expression
	AbortOnFail    bool
	DelayAbortEval time.Duration
}

// Threshold holds all entries for one metric (and optional request name).
type Threshold struct {
	Key     string
	Metric  string
	Kind    Kind
	Tag     string
	Entries []Entry
}

// Set is a parsed threshold configuration, ordered by key.
type Set []*Threshold

var (
	exprPattern = regexp.MustCompile(`^\s*([a-z]+(?:\(\s*[0-9.]+\s*\))?|p[0-9.]+)\s*(<=|>=|==|!=|<|>)\s*(\S+)\s*$`)
	keyPattern  = regexp.MustCompile(`^([a-z_]+)(?:\{\s*name\s*:\s*"?([^"}]+?)"?\s*\})?$`)
	pctPattern  = regexp.MustCompile(`^p(?:\(\s*([0-9.]+)\s*\)|([0-9.]+))$`)
)

// ParseKey splits "http_req_duration{name:c2f}" into metric and tag.
func ParseKey(key string) (metric, tag string, err error) {
	m := keyPattern.FindStringSubmatch(strings.TrimSpace(key))
	if m == nil {
		return "", "", fmt.Errorf("invalid threshold metric: %q", key)
	}
	metric, tag = m[1], m[2]
	if _, ok := metricKinds[metric]; !ok {
		return "", "", fmt.Errorf("unknown metric: %s", metric)
	}
	if tag != "" && !taggable[metric] {
		return "", "", fmt.Errorf("metric %s does not support a name filter", metric)
	}
	return metric, tag, nil
}

// Parse parses a single expression for a metric of the given kind.
func Parse(expr string, kind Kind) (Expression, error) {
	m := exprPattern.FindStringSubmatch(expr)
	if m == nil {
		return Expression{}, fmt.Errorf("invalid expression format: %q", expr)
	}

	e := Expression{Raw: strings.TrimSpace(expr), Aggregation: m[1], Op: m[2]}

	if pm := pctPattern.FindStringSubmatch(m[1]); pm != nil {
		s := pm[1]
		if s == "" {
			s = pm[2]
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil || p < 0 || p > 100 {
			return Expression{}, fmt.Errorf("invalid percentile in %q", expr)
		}
		e.Aggregation, e.Percentile = "p", p
	}

	if !aggregationAllowed(kind, e.Aggregation) {
		return Expression{}, fmt.Errorf("aggregation %q not supported for %s metrics", m[1], kind)
	}

	v, err := parseValue(m[3], kind)
	if err != nil {
		return Expression{}, fmt.Errorf("invalid value in %q: %w", expr, err)
	}
	e.Value = v
	return e, nil
}

func aggregationAllowed(kind Kind, agg string) bool {
	switch kind {
	case KindTrend:
		switch agg {
		case "avg", "min", "max", "med", "p":
			return true
		}
	case KindRate:
		return agg == "rate"
	case KindCounter:
		return agg == "count" || agg == "rate"
	}
	return false
}

// parseValue reads a threshold value. Trend values may carry a duration
// unit; bare numbers are milliseconds.
func parseValue(s string, kind Kind) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	if kind != KindTrend {
		return 0, fmt.Errorf("expected a number, got %q", s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return float64(d) / float64(time.Millisecond), nil
}

// NewSet parses threshold definitions keyed by metric. The error lists
// every invalid entry.
func NewSet(defs map[string][]Definition) (Set, error) {
	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		set  Set
		errs []string
	)
	for _, key := range keys {
		metric, tag, err := ParseKey(key)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		th := &Threshold{Key: key, Metric: metric, Kind: metricKinds[metric], Tag: tag}
		for _, def := range defs[key] {
			expr, err := Parse(def.Threshold, th.Kind)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				continue
			}
			entry := Entry{Expression: expr, AbortOnFail: def.AbortOnFail}
			if def.DelayAbortEval != "" {
				d, err := time.ParseDuration(def.DelayAbortEval)
				if err != nil || d < 0 {
					errs = append(errs, fmt.Sprintf("%s: invalid delayAbortEval %q", key, def.DelayAbortEval))
					continue
				}
				entry.DelayAbortEval = d
			}
			th.Entries = append(th.Entries, entry)
		}
		set = append(set, th)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid thresholds: %s", strings.Join(errs, "; "))
	}
	return set, nil
}
