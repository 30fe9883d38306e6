package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Engine collects and aggregates load test metrics using HDR histograms.
//
// It tracks http_req_duration (overall and per request name),
// iteration_duration, request/failure/byte counters, iterations,
// per-check pass/fail counters and VU gauges. Every observation is also
// forwarded to the registered sinks.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Counters use atomic operations,
// histograms use mutex protection, and the background emitter runs
// in its own goroutine.
type Engine struct {
	// Range: 1 microsecond to 1 hour, 3 significant figures
	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex

	iterationHist   *hdrhistogram.Histogram
	iterationHistMu sync.Mutex

	requests   map[string]*requestSeries
	requestsMu sync.RWMutex

	checks     map[string]*checkCounter
	checkOrder []string
	checksMu   sync.RWMutex

	totalRequests  atomic.Int64
	failedRequests atomic.Int64
	bytesReceived  atomic.Int64
	bytesSent      atomic.Int64
	iterations     atomic.Int64
	checkPasses    atomic.Int64
	checkFails     atomic.Int64

	activeVUs atomic.Int32
	maxVUs    atomic.Int32

	bucketStore *TimeBucketStore

	currentPhase Phase
	phaseMu      sync.RWMutex
	phaseHistory []PhaseChange

	startTime time.Time
	stopTime  atomic.Pointer[time.Time]

	sinks []Sink

	emitterCtx    context.Context
	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup
	stopOnce      sync.Once

	config EngineConfig
}

type requestSeries struct {
	hist   *hdrhistogram.Histogram
	count  int64
	failed int64
}

type checkCounter struct {
	passes atomic.Int64
	fails  atomic.Int64
}

// NewEngine creates a new metrics engine with default configuration.
func NewEngine(sinks ...Sink) *Engine {
	return NewEngineWithConfig(DefaultEngineConfig(), sinks...)
}

// NewEngineWithConfig creates a new metrics engine with custom configuration.
func NewEngineWithConfig(config EngineConfig, sinks ...Sink) *Engine {
	def := DefaultEngineConfig()
	if config.BucketInterval <= 0 {
		config.BucketInterval = def.BucketInterval
	}
	if config.HistogramMin <= 0 {
		config.HistogramMin = def.HistogramMin
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = def.HistogramMax
	}
	if config.HistogramSigFigs <= 0 {
		config.HistogramSigFigs = def.HistogramSigFigs
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		requests:      make(map[string]*requestSeries),
		checks:        make(map[string]*checkCounter),
		bucketStore:   NewTimeBucketStore(config.MaxBuckets),
		currentPhase:  PhaseInit,
		startTime:     time.Now(),
		sinks:         sinks,
		emitterCtx:    ctx,
		emitterCancel: cancel,
		config:        config,
	}
	e.latencyHist = e.newHistogram()
	e.iterationHist = e.newHistogram()

	e.emitterWg.Add(1)
	go e.runEmitter()

	return e
}

func (e *Engine) newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(e.config.HistogramMin, e.config.HistogramMax, e.config.HistogramSigFigs)
}

// toMicros converts a duration into the histogram's recordable range.
func (e *Engine) toMicros(d time.Duration) int64 {
	us := d.Microseconds()
	if us < e.config.HistogramMin {
		us = e.config.HistogramMin
	}
	if us > e.config.HistogramMax {
		us = e.config.HistogramMax
	}
	return us
}

// RecordRequest records one completed HTTP request.
//
// name groups the request for the per-request breakdown; an empty name
// only feeds the overall metrics. failed marks the request for
// http_req_failed.
func (e *Engine) RecordRequest(name string, duration time.Duration, failed bool, received, sent int64) {
	us := e.toMicros(duration)

	e.latencyHistMu.Lock()
	_ = e.latencyHist.RecordValue(us)
	e.latencyHistMu.Unlock()

	if name != "" {
		e.recordNamed(name, us, failed)
	}

	e.totalRequests.Add(1)
	if failed {
		e.failedRequests.Add(1)
	}
	e.bytesReceived.Add(received)
	e.bytesSent.Add(sent)

	e.bucketStore.RecordRequest(failed)

	for _, s := range e.sinks {
		s.ObserveRequest(name, duration, failed, received, sent)
	}
}

// recordNamed updates the per-request series.
// HDR histogram RecordValue is not thread-safe, so the lock is held throughout.
func (e *Engine) recordNamed(name string, us int64, failed bool) {
	e.requestsMu.Lock()
	defer e.requestsMu.Unlock()

	rs, ok := e.requests[name]
	if !ok {
		rs = &requestSeries{hist: e.newHistogram()}
		e.requests[name] = rs
	}
	_ = rs.hist.RecordValue(us)
	rs.count++
	if failed {
		rs.failed++
	}
}

// RecordIteration records one completed VU iteration.
func (e *Engine) RecordIteration(duration time.Duration) {
	e.iterationHistMu.Lock()
	_ = e.iterationHist.RecordValue(e.toMicros(duration))
	e.iterationHistMu.Unlock()

	e.iterations.Add(1)

	for _, s := range e.sinks {
		s.ObserveIteration(duration)
	}
}

// GetIterations returns the number of completed iterations.
func (e *Engine) GetIterations() int64 {
	return e.iterations.Load()
}

// RegisterChecks declares check names up front so they are reported in
// this order even if never evaluated.
func (e *Engine) RegisterChecks(names ...string) {
	e.checksMu.Lock()
	defer e.checksMu.Unlock()
	for _, name := range names {
		e.checkLocked(name)
	}
}

func (e *Engine) checkLocked(name string) *checkCounter {
	c, ok := e.checks[name]
	if !ok {
		c = &checkCounter{}
		e.checks[name] = c
		e.checkOrder = append(e.checkOrder, name)
	}
	return c
}

// RecordCheck records one evaluation of a named check.
func (e *Engine) RecordCheck(name string, passed bool) {
	e.checksMu.RLock()
	c, ok := e.checks[name]
	e.checksMu.RUnlock()
	if !ok {
		e.checksMu.Lock()
		c = e.checkLocked(name)
		e.checksMu.Unlock()
	}

	if passed {
		c.passes.Add(1)
		e.checkPasses.Add(1)
	} else {
		c.fails.Add(1)
		e.checkFails.Add(1)
	}

	for _, s := range e.sinks {
		s.ObserveCheck(name, passed)
	}
}

// SetPhase updates the current test phase.
//
// This is called by executors to mark phase transitions.
// Phase information is included in time-series buckets.
func (e *Engine) SetPhase(phase Phase) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	if e.currentPhase == phase {
		return
	}

	e.currentPhase = phase
	e.phaseHistory = append(e.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  e.totalRequests.Load(),
	})
}

// GetPhase returns the current test phase.
func (e *Engine) GetPhase() Phase {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.currentPhase
}

// SetActiveVUs updates the vus gauge and raises vus_max if exceeded.
func (e *Engine) SetActiveVUs(count int) {
	n := int32(count)
	e.activeVUs.Store(n)
	for {
		cur := e.maxVUs.Load()
		if n <= cur || e.maxVUs.CompareAndSwap(cur, n) {
			break
		}
	}

	for _, s := range e.sinks {
		s.SetVUs(count)
	}
}

// GetActiveVUs returns the current active VU count.
func (e *Engine) GetActiveVUs() int {
	return int(e.activeVUs.Load())
}

// GetMaxVUs returns the highest VU count seen so far.
func (e *Engine) GetMaxVUs() int {
	return int(e.maxVUs.Load())
}

func (e *Engine) runEmitter() {
	defer e.emitterWg.Done()

	ticker := time.NewTicker(e.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.emitterCtx.Done():
			return
		case <-ticker.C:
			e.emitBucket()
		}
	}
}

func (e *Engine) emitBucket() {
	e.bucketStore.CreateBucket(bucketTotals{
		requests:  e.totalRequests.Load(),
		failures:  e.failedRequests.Load(),
		bytes:     e.bytesReceived.Load(),
		latencies: e.GetLatencyPercentiles(),
		activeVUs: e.GetActiveVUs(),
		phase:     e.GetPhase(),
	})
}

// GetLatencyPercentiles returns current http_req_duration percentiles.
func (e *Engine) GetLatencyPercentiles() LatencyPercentiles {
	e.latencyHistMu.Lock()
	defer e.latencyHistMu.Unlock()

	return LatencyPercentiles{
		Min: micros(e.latencyHist.Min()),
		Max: micros(e.latencyHist.Max()),
		P50: micros(e.latencyHist.ValueAtQuantile(50)),
		P90: micros(e.latencyHist.ValueAtQuantile(90)),
		P95: micros(e.latencyHist.ValueAtQuantile(95)),
		P99: micros(e.latencyHist.ValueAtQuantile(99)),
	}
}

// LatencyQuantile returns http_req_duration at quantile q (0-100) read
// from the histogram, for the named request or for all requests when
// name is empty. It is 0 when nothing was recorded.
func (e *Engine) LatencyQuantile(name string, q float64) time.Duration {
	if name == "" {
		e.latencyHistMu.Lock()
		defer e.latencyHistMu.Unlock()
		return micros(e.latencyHist.ValueAtQuantile(q))
	}

	e.requestsMu.RLock()
	defer e.requestsMu.RUnlock()
	rs, ok := e.requests[name]
	if !ok {
		return 0
	}
	return micros(rs.hist.ValueAtQuantile(q))
}

// IterationQuantile returns iteration_duration at quantile q (0-100).
func (e *Engine) IterationQuantile(q float64) time.Duration {
	e.iterationHistMu.Lock()
	defer e.iterationHistMu.Unlock()
	return micros(e.iterationHist.ValueAtQuantile(q))
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

func latencyStats(h *hdrhistogram.Histogram) LatencyStats {
	return LatencyStats{
		Min:    micros(h.Min()),
		Max:    micros(h.Max()),
		Mean:   time.Duration(h.Mean() * float64(time.Microsecond)),
		StdDev: time.Duration(h.StdDev() * float64(time.Microsecond)),
		P50:    micros(h.ValueAtQuantile(50)),
		P90:    micros(h.ValueAtQuantile(90)),
		P95:    micros(h.ValueAtQuantile(95)),
		P99:    micros(h.ValueAtQuantile(99)),
		Count:  h.TotalCount(),
	}
}

// Elapsed returns the time since the engine started, frozen once stopped.
func (e *Engine) Elapsed() time.Duration {
	if t := e.stopTime.Load(); t != nil {
		return t.Sub(e.startTime)
	}
	return time.Since(e.startTime)
}

// GetSnapshot returns a point-in-time snapshot of all metrics.
func (e *Engine) GetSnapshot() *Snapshot {
	e.latencyHistMu.Lock()
	latency := latencyStats(e.latencyHist)
	e.latencyHistMu.Unlock()

	e.iterationHistMu.Lock()
	iteration := latencyStats(e.iterationHist)
	e.iterationHistMu.Unlock()

	elapsed := e.Elapsed()
	totalReqs := e.totalRequests.Load()
	failedReqs := e.failedRequests.Load()
	iterations := e.iterations.Load()

	rps, iterRate := 0.0, 0.0
	if s := elapsed.Seconds(); s > 0 {
		rps = float64(totalReqs) / s
		iterRate = float64(iterations) / s
	}

	steadyRPS, _ := e.bucketStore.CalculateSteadyStateRPS()

	errorRate := 0.0
	if totalReqs > 0 {
		errorRate = float64(failedReqs) / float64(totalReqs)
	}

	passes, fails := e.checkPasses.Load(), e.checkFails.Load()
	checks := CheckTotals{Passes: passes, Fails: fails}
	if passes+fails > 0 {
		checks.Rate = float64(passes) / float64(passes+fails)
	}

	return &Snapshot{
		TotalRequests:   totalReqs,
		SuccessRequests: totalReqs - failedReqs,
		FailedRequests:  failedReqs,
		BytesReceived:   e.bytesReceived.Load(),
		BytesSent:       e.bytesSent.Load(),
		Latency:         latency,
		Iteration:       iteration,
		Iterations:      iterations,
		RPS:             rps,
		SteadyStateRPS:  steadyRPS,
		IterationRate:   iterRate,
		ErrorRate:       errorRate,
		Checks:          checks,
		Requests:        e.GetRequestStats(),
		ActiveVUs:       e.GetActiveVUs(),
		MaxVUs:          e.GetMaxVUs(),
		CurrentPhase:    e.GetPhase(),
		Elapsed:         elapsed,
		StartTime:       e.startTime,
		Timestamp:       time.Now(),
	}
}

// GetTimeSeries returns all time-series buckets.
func (e *Engine) GetTimeSeries() []*TimeBucket {
	return e.bucketStore.GetBuckets()
}

// GetPhaseHistory returns the history of phase changes.
func (e *Engine) GetPhaseHistory() []PhaseChange {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	result := make([]PhaseChange, len(e.phaseHistory))
	copy(result, e.phaseHistory)
	return result
}

// GetRequestStats returns per-request statistics keyed by request name.
func (e *Engine) GetRequestStats() map[string]RequestStats {
	e.requestsMu.RLock()
	defer e.requestsMu.RUnlock()

	result := make(map[string]RequestStats, len(e.requests))
	for name, rs := range e.requests {
		st := RequestStats{
			Name:    name,
			Count:   rs.count,
			Failed:  rs.failed,
			Latency: latencyStats(rs.hist),
		}
		if rs.count > 0 {
			st.ErrorRate = float64(rs.failed) / float64(rs.count)
		}
		result[name] = st
	}
	return result
}

// GetCheckStats returns check counters in registration order.
func (e *Engine) GetCheckStats() []CheckStats {
	e.checksMu.RLock()
	defer e.checksMu.RUnlock()

	result := make([]CheckStats, 0, len(e.checkOrder))
	for _, name := range e.checkOrder {
		c := e.checks[name]
		result = append(result, CheckStats{
			Name:   name,
			Passes: c.passes.Load(),
			Fails:  c.fails.Load(),
		})
	}
	return result
}

// Stop stops the background emitter, emits a final bucket and freezes
// the elapsed time. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.emitterCancel()
		e.emitterWg.Wait()
		e.emitBucket()
		now := time.Now()
		e.stopTime.Store(&now)
	})
}
