package threshold_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/thermoload/internal/metrics"
	"github.com/wesleyorama2/thermoload/internal/threshold"
)

func TestParse(t *testing.T) {
	tests := []struct {
		expr       string
		kind       threshold.Kind
		agg        string
		percentile float64
		op         string
		value      float64
	}{
		{"p(95)<500", threshold.KindTrend, "p", 95, "<", 500},
		{"p95 < 500ms", threshold.KindTrend, "p", 95, "<", 500},
		{"p(99.9)<=1.5s", threshold.KindTrend, "p", 99.9, "<=", 1500},
		{"avg<200", threshold.KindTrend, "avg", 0, "<", 200},
		{"med != 10", threshold.KindTrend, "med", 0, "!=", 10},
		{"min>=1ms", threshold.KindTrend, "min", 0, ">=", 1},
		{"max<2s", threshold.KindTrend, "max", 0, "<", 2000},
		{"rate<0.01", threshold.KindRate, "rate", 0, "<", 0.01},
		{"count>10", threshold.KindCounter, "count", 0, ">", 10},
		{"rate == 5", threshold.KindCounter, "rate", 0, "==", 5},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := threshold.Parse(tt.expr, tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.agg, e.Aggregation)
			assert.Equal(t, tt.percentile, e.Percentile)
			assert.Equal(t, tt.op, e.Op)
			assert.InDelta(t, tt.value, e.Value, 1e-9)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		expr string
		kind threshold.Kind
	}{
		{"", threshold.KindTrend},
		{"p(95)", threshold.KindTrend},
		{"p(101)<5", threshold.KindTrend},
		{"rate<0.01", threshold.KindTrend},
		{"avg<0.01", threshold.KindRate},
		{"rate<1%", threshold.KindRate},
		{"count<5ms", threshold.KindCounter},
		{"p(95)=<500", threshold.KindTrend},
		{"avg<fast", threshold.KindTrend},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := threshold.Parse(tt.expr, tt.kind)
			assert.Error(t, err)
		})
	}
}

func TestParseKey(t *testing.T) {
	metric, tag, err := threshold.ParseKey("http_req_duration")
	require.NoError(t, err)
	assert.Equal(t, "http_req_duration", metric)
	assert.Empty(t, tag)

	metric, tag, err = threshold.ParseKey("http_req_failed{name:c2f}")
	require.NoError(t, err)
	assert.Equal(t, "http_req_failed", metric)
	assert.Equal(t, "c2f", tag)

	_, tag, err = threshold.ParseKey(`http_req_duration{name:"f2c"}`)
	require.NoError(t, err)
	assert.Equal(t, "f2c", tag)

	_, _, err = threshold.ParseKey("data_received")
	assert.Error(t, err)

	_, _, err = threshold.ParseKey("checks{name:c2f}")
	assert.Error(t, err)
}

func TestDefinition_Unmarshal(t *testing.T) {
	doc := `
http_req_duration:
  - p(95)<500
  - threshold: p(99)<1500
    abortOnFail: true
    delayAbortEval: 10s
`
	var defs map[string][]threshold.Definition
	require.NoError(t, yaml.Unmarshal([]byte(doc), &defs))
	require.Len(t, defs["http_req_duration"], 2)
	assert.Equal(t, threshold.Definition{Threshold: "p(95)<500"}, defs["http_req_duration"][0])
	assert.Equal(t, threshold.Definition{Threshold: "p(99)<1500", AbortOnFail: true, DelayAbortEval: "10s"}, defs["http_req_duration"][1])

	var fromJSON map[string][]threshold.Definition
	require.NoError(t, json.Unmarshal([]byte(`{"checks":["rate>0.9",{"threshold":"rate>0.5","abortOnFail":true}]}`), &fromJSON))
	assert.Equal(t, []threshold.Definition{
		{Threshold: "rate>0.9"},
		{Threshold: "rate>0.5", AbortOnFail: true},
	}, fromJSON["checks"])

	out, err := yaml.Marshal(defs)
	require.NoError(t, err)
	assert.Contains(t, string(out), "- p(95)<500")
	assert.Contains(t, string(out), "abortOnFail: true")
}

func TestNewSet(t *testing.T) {
	set, err := threshold.NewSet(map[string][]threshold.Definition{
		"http_req_failed":   threshold.Plain("rate<0.01"),
		"http_req_duration": threshold.Plain("p(95)<500", "avg<200"),
	})
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.Equal(t, "http_req_duration", set[0].Key)
	assert.Equal(t, threshold.KindTrend, set[0].Kind)
	assert.Len(t, set[0].Entries, 2)
	assert.False(t, set.HasAbortOnFail())
}

func TestNewSet_AggregatesErrors(t *testing.T) {
	_, err := threshold.NewSet(map[string][]threshold.Definition{
		"http_req_duration": threshold.Plain("p(95)<<500"),
		"bogus":             threshold.Plain("rate<1"),
		"checks":            {{Threshold: "rate>0.9", DelayAbortEval: "soon"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_req_duration")
	assert.Contains(t, err.Error(), "unknown metric: bogus")
	assert.Contains(t, err.Error(), "delayAbortEval")
}

// fixedSource serves a prepared snapshot; quantiles come from its fixed
// percentiles.
type fixedSource struct {
	snap *metrics.Snapshot
}

func (f fixedSource) GetSnapshot() *metrics.Snapshot { return f.snap }

func (f fixedSource) LatencyQuantile(name string, q float64) time.Duration {
	if name != "" {
		return fixedQuantile(f.snap.Requests[name].Latency, q)
	}
	return fixedQuantile(f.snap.Latency, q)
}

func (f fixedSource) IterationQuantile(q float64) time.Duration {
	return fixedQuantile(f.snap.Iteration, q)
}

func fixedQuantile(s metrics.LatencyStats, q float64) time.Duration {
	switch {
	case q <= 50:
		return s.P50
	case q <= 90:
		return s.P90
	case q <= 95:
		return s.P95
	case q <= 99:
		return s.P99
	default:
		return s.Max
	}
}

func snapshotWithP95(p95 time.Duration) fixedSource {
	return fixedSource{snap: &metrics.Snapshot{
		TotalRequests:  1000,
		FailedRequests: 5,
		ErrorRate:      0.005,
		RPS:            40,
		Iterations:     300,
		IterationRate:  12,
		Latency: metrics.LatencyStats{
			Min: 10 * time.Millisecond, P50: 100 * time.Millisecond, P90: 300 * time.Millisecond,
			P95: p95, P99: p95 + 100*time.Millisecond, Max: p95 + 200*time.Millisecond,
			Mean: 150 * time.Millisecond, Count: 1000,
		},
		Checks: metrics.CheckTotals{Passes: 995, Fails: 5, Rate: 0.995},
		Requests: map[string]metrics.RequestStats{
			"c2f": {Name: "c2f", Count: 300, Failed: 30, ErrorRate: 0.1},
		},
	}}
}

func TestEvaluate_DefaultThresholds(t *testing.T) {
	set, err := threshold.NewSet(map[string][]threshold.Definition{
		"http_req_duration": threshold.Plain("p(95)<500"),
		"http_req_failed":   threshold.Plain("rate<0.01"),
	})
	require.NoError(t, err)

	results := threshold.Evaluate(set, snapshotWithP95(400*time.Millisecond))
	require.Len(t, results, 2)
	assert.True(t, threshold.AllPassed(results))
	assert.Equal(t, "400.00ms", results[0].Value)
	assert.Equal(t, "0.0050", results[1].Value)
}

func TestEvaluate_SlowP95Fails(t *testing.T) {
	set, err := threshold.NewSet(map[string][]threshold.Definition{
		"http_req_duration": threshold.Plain("p(95)<500"),
	})
	require.NoError(t, err)

	for _, p95 := range []time.Duration{500 * time.Millisecond, 750 * time.Millisecond} {
		results := threshold.Evaluate(set, snapshotWithP95(p95))
		require.Len(t, results, 1)
		assert.False(t, results[0].Passed, "p95=%v", p95)
		assert.Contains(t, results[0].Message, "p(95) is")
	}
}

func TestEvaluate_AllMetrics(t *testing.T) {
	set, err := threshold.NewSet(map[string][]threshold.Definition{
		"checks":                      threshold.Plain("rate>0.99"),
		"http_reqs":                   threshold.Plain("count>=1000", "rate>50"),
		"iterations":                  threshold.Plain("count==300", "rate>10"),
		"iteration_duration":          threshold.Plain("avg<1s"),
		"http_req_failed{name:c2f}":   threshold.Plain("rate<0.05"),
		"http_req_duration{name:f2c}": threshold.Plain("max<1"),
	})
	require.NoError(t, err)

	got := map[string]bool{}
	for _, r := range threshold.Evaluate(set, snapshotWithP95(400*time.Millisecond)) {
		got[r.Metric+" "+r.Expression] = r.Passed
	}

	assert.Equal(t, map[string]bool{
		"checks rate>0.99":                    true,
		"http_reqs count>=1000":               true,
		"http_reqs rate>50":                   false,
		"iterations count==300":               true,
		"iterations rate>10":                  true,
		"iteration_duration avg<1s":           true,
		"http_req_failed{name:c2f} rate<0.05": false,
		"http_req_duration{name:f2c} max<1":   true,
	}, got)
}

func TestShouldAbort(t *testing.T) {
	set, err := threshold.NewSet(map[string][]threshold.Definition{
		"http_req_duration": {
			{Threshold: "p(95)<500", AbortOnFail: true, DelayAbortEval: "10s"},
		},
		"http_req_failed": threshold.Plain("rate<0.001"),
	})
	require.NoError(t, err)
	assert.True(t, set.HasAbortOnFail())

	slow := snapshotWithP95(900 * time.Millisecond)

	_, abort := threshold.ShouldAbort(set, slow, 5*time.Second)
	assert.False(t, abort, "delayAbortEval not reached")

	r, abort := threshold.ShouldAbort(set, slow, 10*time.Second)
	require.True(t, abort)
	assert.Equal(t, "http_req_duration", r.Metric)
	assert.True(t, r.AbortOnFail)

	_, abort = threshold.ShouldAbort(set, snapshotWithP95(100*time.Millisecond), time.Minute)
	assert.False(t, abort, "failing entries without abortOnFail never abort")
}

func TestEvaluate_PercentileFromHistogram(t *testing.T) {
	m := metrics.NewEngine()
	defer m.Stop()
	for i := 0; i < 50; i++ {
		m.RecordRequest("c2f", 10*time.Millisecond, false, 0, 0)
		m.RecordRequest("c2f", time.Second, false, 0, 0)
	}

	set, err := threshold.NewSet(map[string][]threshold.Definition{
		"http_req_duration":           threshold.Plain("p(75)<700", "p(25)<700"),
		"http_req_duration{name:c2f}": threshold.Plain("p(80)<700"),
	})
	require.NoError(t, err)

	got := map[string]threshold.Result{}
	for _, r := range threshold.Evaluate(set, m) {
		got[r.Metric+" "+r.Expression] = r
	}

	p75 := got["http_req_duration p(75)<700"]
	assert.False(t, p75.Passed)
	assert.InDelta(t, 1000, p75.Actual, 10)
	assert.True(t, got["http_req_duration p(25)<700"].Passed)
	assert.False(t, got["http_req_duration{name:c2f} p(80)<700"].Passed)

	r, abort := threshold.ShouldAbort(mustAbortSet(t, "p(75)<700"), m, time.Minute)
	require.True(t, abort)
	assert.InDelta(t, 1000, r.Actual, 10)
}

func mustAbortSet(t *testing.T, expr string) threshold.Set {
	t.Helper()
	set, err := threshold.NewSet(map[string][]threshold.Definition{
		"http_req_duration": {{Threshold: expr, AbortOnFail: true}},
	})
	require.NoError(t, err)
	return set
}

func TestEvaluate_NoSamples(t *testing.T) {
	m := metrics.NewEngine()
	defer m.Stop()

	set, err := threshold.NewSet(map[string][]threshold.Definition{
		"http_req_duration":           threshold.Plain("p(95)<500", "avg<200"),
		"http_req_duration{name:f2c}": threshold.Plain("p(99)<1000"),
		"iteration_duration":          threshold.Plain("p(90)<2s"),
		"http_req_failed":             threshold.Plain("rate<0.01"),
		"http_reqs":                   threshold.Plain("count>0"),
	})
	require.NoError(t, err)

	got := map[string]threshold.Result{}
	for _, r := range threshold.Evaluate(set, m) {
		got[r.Metric+" "+r.Expression] = r
	}

	// Empty metrics evaluate as zero.
	for _, key := range []string{
		"http_req_duration p(95)<500",
		"http_req_duration avg<200",
		"http_req_duration{name:f2c} p(99)<1000",
		"iteration_duration p(90)<2s",
		"http_req_failed rate<0.01",
	} {
		assert.True(t, got[key].Passed, key)
		assert.Zero(t, got[key].Actual, key)
	}
	assert.False(t, got["http_reqs count>0"].Passed)
}
