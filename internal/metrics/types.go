// Package metrics collects and aggregates load test measurements.
package metrics

import "time"

// Phase represents a phase of the load test.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseRampUp   Phase = "ramp-up"
	PhaseSteady   Phase = "steady"
	PhaseRampDown Phase = "ramp-down"
	PhaseDone     Phase = "done"
)

// Sink receives every observation recorded by the Engine.
//
// Implementations must be safe for concurrent use; observations arrive
// from all VU goroutines.
type Sink interface {
	ObserveRequest(name string, duration time.Duration, failed bool, received, sent int64)
	ObserveIteration(duration time.Duration)
	ObserveCheck(name string, passed bool)
	SetVUs(count int)
}

// Snapshot contains a point-in-time view of all metrics.
type Snapshot struct {
	TotalRequests   int64 `json:"totalRequests"`
	SuccessRequests int64 `json:"successRequests"`
	FailedRequests  int64 `json:"failedRequests"`
	BytesReceived   int64 `json:"bytesReceived"`
	BytesSent       int64 `json:"bytesSent"`

	// Latency is http_req_duration across all requests
	Latency LatencyStats `json:"latency"`

	// Iteration is iteration_duration (body plus think time)
	Iteration  LatencyStats `json:"iteration"`
	Iterations int64        `json:"iterations"`

	// RPS is http_reqs per second over the whole run
	RPS            float64 `json:"rps"`
	SteadyStateRPS float64 `json:"steadyStateRps"`
	IterationRate  float64 `json:"iterationRate"`

	// ErrorRate is http_req_failed: fraction of failed requests (0.0 to 1.0)
	ErrorRate float64 `json:"errorRate"`

	Checks CheckTotals `json:"checks"`

	// Requests holds per-request-name stats
	Requests map[string]RequestStats `json:"requests,omitempty"`

	ActiveVUs    int           `json:"activeVUs"`
	MaxVUs       int           `json:"maxVUs"`
	CurrentPhase Phase         `json:"currentPhase"`
	Elapsed      time.Duration `json:"elapsed"`
	StartTime    time.Time     `json:"startTime"`
	Timestamp    time.Time     `json:"timestamp"`
}

// CheckTotals aggregates all checks.
type CheckTotals struct {
	Passes int64   `json:"passes"`
	Fails  int64   `json:"fails"`
	Rate   float64 `json:"rate"`
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}

// LatencyPercentiles holds latency percentile values.
type LatencyPercentiles struct {
	Min time.Duration
	Max time.Duration
	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// RequestStats contains statistics for one named request.
type RequestStats struct {
	Name      string       `json:"name"`
	Count     int64        `json:"count"`
	Failed    int64        `json:"failed"`
	ErrorRate float64      `json:"errorRate"`
	Latency   LatencyStats `json:"latency"`
}

// CheckStats holds pass/fail counts for one named check.
type CheckStats struct {
	Name   string `json:"name"`
	Passes int64  `json:"passes"`
	Fails  int64  `json:"fails"`
}

// Rate returns the fraction of passing evaluations, or 0 if never evaluated.
func (c CheckStats) Rate() float64 {
	total := c.Passes + c.Fails
	if total == 0 {
		return 0
	}
	return float64(c.Passes) / float64(total)
}

// TimeBucket represents metrics for a 1-second interval.
type TimeBucket struct {
	Timestamp time.Time `json:"timestamp"`

	// Cumulative counters (total since test start)
	TotalRequests int64 `json:"totalRequests"`
	TotalFailures int64 `json:"totalFailures"`
	TotalBytes    int64 `json:"totalBytes"`

	// Interval metrics (this bucket only)
	IntervalRequests  int64   `json:"intervalRequests"`
	IntervalRPS       float64 `json:"intervalRPS"`
	IntervalErrorRate float64 `json:"intervalErrorRate"`

	LatencyP50 time.Duration `json:"latencyP50"`
	LatencyP95 time.Duration `json:"latencyP95"`
	LatencyP99 time.Duration `json:"latencyP99"`

	ActiveVUs int   `json:"activeVUs"`
	Phase     Phase `json:"phase"`
}

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
}

// EngineConfig contains configuration for the metrics engine.
type EngineConfig struct {
	// BucketInterval is the interval for time-series buckets (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets is the maximum number of buckets to retain (default: 3600)
	MaxBuckets int

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}
