package threshold

import (
	"fmt"
	"time"

	"github.com/wesleyorama2/thermoload/internal/metrics"
)

// Result is the outcome of one threshold expression.
type Result struct {
	Metric      string  `json:"metric"`
	Expression  string  `json:"expression"`
	Passed      bool    `json:"passed"`
	Value       string  `json:"value"`
	Actual      float64 `json:"actual"`
	AbortOnFail bool    `json:"abortOnFail,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// Source supplies the values thresholds are evaluated against.
// *metrics.Engine implements it.
type Source interface {
	GetSnapshot() *metrics.Snapshot
	LatencyQuantile(name string, q float64) time.Duration
	IterationQuantile(q float64) time.Duration
}

// Evaluate checks every entry of set against src.
//
// A metric with no samples evaluates as 0, so "p(95)<500" passes on a
// run that sent no requests while "count>0" fails.
func Evaluate(set Set, src Source) []Result {
	snap := src.GetSnapshot()
	var results []Result
	for _, th := range set {
		for _, entry := range th.Entries {
			results = append(results, evaluateEntry(th, entry, src, snap))
		}
	}
	return results
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// ShouldAbort reports whether a failing abortOnFail entry has passed its
// delayAbortEval. It returns the first such result.
func ShouldAbort(set Set, src Source, elapsed time.Duration) (Result, bool) {
	snap := src.GetSnapshot()
	for _, th := range set {
		for _, entry := range th.Entries {
			if !entry.AbortOnFail || elapsed < entry.DelayAbortEval {
				continue
			}
			if r := evaluateEntry(th, entry, src, snap); !r.Passed {
				return r, true
			}
		}
	}
	return Result{}, false
}

// HasAbortOnFail reports whether any entry can abort the run.
func (s Set) HasAbortOnFail() bool {
	for _, th := range s {
		for _, entry := range th.Entries {
			if entry.AbortOnFail {
				return true
			}
		}
	}
	return false
}

func evaluateEntry(th *Threshold, entry Entry, src Source, snap *metrics.Snapshot) Result {
	result := Result{
		Metric:      th.Key,
		Expression:  entry.Raw,
		AbortOnFail: entry.AbortOnFail,
	}

	actual, err := actualValue(th, entry.Expression, src, snap)
	if err != nil {
		result.Message = err.Error()
		return result
	}

	result.Actual = actual
	result.Value = formatValue(th.Kind, entry.Aggregation, actual)
	result.Passed = compareValues(actual, entry.Op, entry.Value)

	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %s, threshold: %s %s",
			aggregationName(entry.Expression), result.Value, entry.Op,
			formatValue(th.Kind, entry.Aggregation, entry.Value))
	}
	return result
}

func actualValue(th *Threshold, expr Expression, src Source, snap *metrics.Snapshot) (float64, error) {
	switch th.Metric {
	case MetricReqDuration:
		stats := snap.Latency
		if th.Tag != "" {
			stats = snap.Requests[th.Tag].Latency
		}
		return trendValue(stats, expr, func(q float64) time.Duration {
			return src.LatencyQuantile(th.Tag, q)
		}), nil

	case MetricIterationDuration:
		return trendValue(snap.Iteration, expr, src.IterationQuantile), nil

	case MetricReqFailed:
		if th.Tag != "" {
			return snap.Requests[th.Tag].ErrorRate, nil
		}
		return snap.ErrorRate, nil

	case MetricChecks:
		return snap.Checks.Rate, nil

	case MetricReqs:
		if expr.Aggregation == "count" {
			return float64(snap.TotalRequests), nil
		}
		return snap.RPS, nil

	case MetricIterations:
		if expr.Aggregation == "count" {
			return float64(snap.Iterations), nil
		}
		return snap.IterationRate, nil
	}
	return 0, fmt.Errorf("unknown metric: %s", th.Metric)
}

// trendValue returns the aggregation in milliseconds. Percentiles come
// from quantile, the rest from s.
func trendValue(s metrics.LatencyStats, expr Expression, quantile func(float64) time.Duration) float64 {
	var d time.Duration
	switch expr.Aggregation {
	case "avg":
		d = s.Mean
	case "min":
		d = s.Min
	case "max":
		d = s.Max
	case "med":
		d = s.P50
	case "p":
		d = quantile(expr.Percentile)
	}
	return float64(d) / float64(time.Millisecond)
}

func aggregationName(e Expression) string {
	if e.Aggregation == "p" {
		return fmt.Sprintf("p(%g)", e.Percentile)
	}
	return e.Aggregation
}

func formatValue(kind Kind, agg string, v float64) string {
	switch {
	case kind == KindTrend:
		return fmt.Sprintf("%.2fms", v)
	case kind == KindCounter && agg == "count":
		return fmt.Sprintf("%.0f", v)
	case kind == KindCounter:
		return fmt.Sprintf("%.2f/s", v)
	default:
		return fmt.Sprintf("%.4f", v)
	}
}

// compareValues compares two values using the given operator.
func compareValues(actual float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return actual < threshold
	case "<=":
		return actual <= threshold
	case ">":
		return actual > threshold
	case ">=":
		return actual >= threshold
	case "==":
		return actual == threshold
	case "!=":
		return actual != threshold
	default:
		return false
	}
}
