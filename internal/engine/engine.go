// Package engine runs a thermoload test from configuration to result.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wesleyorama2/thermoload/internal/config"
	"github.com/wesleyorama2/thermoload/internal/executor"
	"github.com/wesleyorama2/thermoload/internal/metrics"
	"github.com/wesleyorama2/thermoload/internal/rate"
	"github.com/wesleyorama2/thermoload/internal/scenario"
	"github.com/wesleyorama2/thermoload/internal/threshold"
	"github.com/wesleyorama2/thermoload/internal/vu"
)

// DefaultAbortCheckInterval is how often abortOnFail thresholds are
// evaluated while the test runs.
const DefaultAbortCheckInterval = 2 * time.Second

// shutdownTimeout bounds the wait for VUs after the executor returns.
const shutdownTimeout = 5 * time.Second

// Engine is the main orchestrator of a test run.
//
// It coordinates:
//   - Configuration validation
//   - The executor driving VUs through the scenario
//   - Metrics collection and aggregation
//   - Threshold evaluation, including abort-on-fail while running
//
// Example usage:
//
//	cfg, _ := config.Load("tempconv.yaml")
//	config.ResolveBaseURL(cfg, os.Getenv)
//	eng, _ := engine.New(cfg)
//	result, _ := eng.Run(context.Background())
//	fmt.Printf("Test passed: %v\n", result.Passed)
type Engine struct {
	config     *config.TestConfig
	execConfig *executor.Config
	httpConfig vu.HTTPClientConfig
	thresholds threshold.Set
	scenario   *scenario.Scenario

	logger        *zap.Logger
	sinks         []metrics.Sink
	abortInterval time.Duration

	mu            sync.RWMutex
	metricsEngine *metrics.Engine
	executor      executor.Executor
	startTime     time.Time
	running       bool
	abortResult   *threshold.Result
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSinks adds metric sinks, such as the Prometheus exporter.
func WithSinks(sinks ...metrics.Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

// WithAbortCheckInterval changes how often abortOnFail thresholds are
// evaluated.
func WithAbortCheckInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.abortInterval = d
		}
	}
}

// TestResult contains the complete test results.
type TestResult struct {
	RunID    string `json:"runId"`
	Name     string `json:"name"`
	BaseURL  string `json:"baseUrl"`
	Executor string `json:"executor"`

	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`

	Metrics    *metrics.Snapshot     `json:"metrics"`
	TimeSeries []*metrics.TimeBucket `json:"timeSeries,omitempty"`
	Phases     []metrics.PhaseChange `json:"phases"`

	// RateLimit is set when --rps capped the request rate
	RateLimit *rate.LeakyBucketStats `json:"rateLimit,omitempty"`

	// Requests holds per-request stats in scenario order
	Requests []metrics.RequestStats `json:"requests"`
	Checks   []metrics.CheckStats   `json:"checks"`

	Thresholds []threshold.Result `json:"thresholds,omitempty"`
	Passed     bool               `json:"passed"`

	Aborted     bool   `json:"aborted"`
	AbortReason string `json:"abortReason,omitempty"`
}

// New validates cfg and prepares an engine. The config's base URL must
// already be resolved.
func New(cfg *config.TestConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	execConfig, err := cfg.ExecutorConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := execConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	httpConfig, err := cfg.HTTPClientConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	thresholds, err := cfg.ThresholdSet()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	probes, err := cfg.ScenarioProbes()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	scn, err := scenario.New(cfg.BaseURL, probes, cfg.Tolerance)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		config:        cfg,
		execConfig:    execConfig,
		httpConfig:    httpConfig,
		thresholds:    thresholds,
		scenario:      scn,
		logger:        zap.NewNop(),
		abortInterval: DefaultAbortCheckInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run executes the test and returns its result.
//
// Cancelling ctx interrupts all VUs immediately; use Stop for a graceful
// early end. Threshold failures are reported in the result, not as an
// error.
func (e *Engine) Run(ctx context.Context) (*TestResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is already running")
	}
	runID := uuid.NewString()
	logger := e.logger.With(zap.String("runId", runID))

	m := metrics.NewEngine(e.sinks...)
	m.SetPhase(metrics.PhaseInit)
	m.RegisterChecks(e.scenario.CheckNames()...)

	exec, err := executor.CreateAndInitExecutor(ctx, e.execConfig, logger)
	if err != nil {
		e.mu.Unlock()
		m.Stop()
		return nil, err
	}

	e.running = true
	e.startTime = time.Now()
	e.metricsEngine = m
	e.executor = exec
	e.abortResult = nil
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	logger.Info("test started",
		zap.String("name", e.config.Name),
		zap.String("baseUrl", e.config.BaseURL),
		zap.String("executor", string(e.execConfig.Type)),
		zap.Int("maxVUs", executor.CalculateMaxVUs(e.execConfig)),
		zap.Duration("duration", e.execConfig.TotalDuration()))

	scheduler := vu.NewScheduler(e.scenario, m, e.httpConfig, logger)

	watchCtx, stopWatch := context.WithCancel(ctx)
	var watchWg sync.WaitGroup
	if e.thresholds.HasAbortOnFail() {
		watchWg.Add(1)
		go func() {
			defer watchWg.Done()
			e.watchThresholds(watchCtx, logger)
		}()
	}

	runErr := exec.Run(ctx, scheduler, m)

	stopWatch()
	watchWg.Wait()
	scheduler.Shutdown(shutdownTimeout)
	m.Stop()

	result := e.buildResult(runID, m, scheduler)

	logger.Info("test finished",
		zap.Bool("passed", result.Passed),
		zap.Bool("aborted", result.Aborted),
		zap.Int64("requests", result.Metrics.TotalRequests),
		zap.Int64("iterations", result.Metrics.Iterations),
		zap.Duration("elapsed", result.Duration))

	return result, runErr
}

// watchThresholds evaluates abortOnFail thresholds until ctx ends or one
// fails, in which case the run is stopped.
func (e *Engine) watchThresholds(ctx context.Context, logger *zap.Logger) {
	ticker := time.NewTicker(e.abortInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := e.GetMetricsEngine()
			if m == nil {
				continue
			}
			r, abort := threshold.ShouldAbort(e.thresholds, m, m.Elapsed())
			if !abort {
				continue
			}
			e.mu.Lock()
			e.abortResult = &r
			exec := e.executor
			e.mu.Unlock()

			logger.Warn("threshold crossed, aborting test",
				zap.String("metric", r.Metric),
				zap.String("threshold", r.Expression),
				zap.String("value", r.Value))

			go exec.Stop(context.Background())
			return
		}
	}
}

func (e *Engine) buildResult(runID string, m *metrics.Engine, scheduler *vu.Scheduler) *TestResult {
	snap := m.GetSnapshot()
	thresholdResults := threshold.Evaluate(e.thresholds, m)

	e.mu.RLock()
	start := e.startTime
	abort := e.abortResult
	e.mu.RUnlock()

	end := time.Now()
	result := &TestResult{
		RunID:      runID,
		Name:       e.config.Name,
		BaseURL:    e.config.BaseURL,
		Executor:   string(e.execConfig.Type),
		StartTime:  start,
		EndTime:    end,
		Duration:   end.Sub(start),
		Metrics:    snap,
		TimeSeries: m.GetTimeSeries(),
		Phases:     m.GetPhaseHistory(),
		Checks:     m.GetCheckStats(),
		Thresholds: thresholdResults,
		Passed:     threshold.AllPassed(thresholdResults),
	}

	for _, name := range e.scenario.RequestNames() {
		rs, ok := snap.Requests[name]
		if !ok {
			rs = metrics.RequestStats{Name: name}
		}
		result.Requests = append(result.Requests, rs)
	}

	if stats, ok := scheduler.RateLimitStats(); ok {
		result.RateLimit = &stats
	}

	if abort != nil {
		result.Aborted = true
		result.Passed = false
		result.AbortReason = fmt.Sprintf("threshold %s on %s crossed (value %s)", abort.Expression, abort.Metric, abort.Value)
	}
	return result
}

// Stop ends a running test early. VUs finish their current iteration
// within gracefulStop; if ctx ends first they are interrupted.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.RLock()
	running, exec := e.running, e.executor
	e.mu.RUnlock()

	if !running || exec == nil {
		return nil
	}
	return exec.Stop(ctx)
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// GetProgress returns the test progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	e.mu.RLock()
	exec := e.executor
	e.mu.RUnlock()
	if exec == nil {
		return 0.0
	}
	return exec.GetProgress()
}

// GetMetrics returns the current metrics snapshot.
func (e *Engine) GetMetrics() *metrics.Snapshot {
	m := e.GetMetricsEngine()
	if m == nil {
		return nil
	}
	return m.GetSnapshot()
}

// GetMetricsEngine returns the metrics engine of the current or last run.
func (e *Engine) GetMetricsEngine() *metrics.Engine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metricsEngine
}

// GetStats returns the executor's current statistics.
func (e *Engine) GetStats() *executor.Stats {
	e.mu.RLock()
	exec := e.executor
	e.mu.RUnlock()
	if exec == nil {
		return nil
	}
	return exec.GetStats()
}

// ExecutorConfig returns the resolved executor configuration.
func (e *Engine) ExecutorConfig() *executor.Config {
	return e.execConfig
}
