package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/thermoload/internal/metrics"
	"github.com/wesleyorama2/thermoload/internal/vu"
)

// ConstantVUs runs a fixed number of VUs for a specified duration.
//
// Each VU loops over the iteration (closed model) with the configured
// pacing until the duration expires.
type ConstantVUs struct {
	config  *Config
	metrics *metrics.Engine
	logger  *zap.Logger

	startTime time.Time
	running   atomic.Bool

	pool       *vuPool
	cancelFunc context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex

	// stopRequested is set by a Stop that arrives before Run
	stopRequested bool
}

// NewConstantVUs creates a new constant VUs executor.
func NewConstantVUs(logger *zap.Logger) *ConstantVUs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConstantVUs{logger: logger, done: make(chan struct{})}
}

// Type returns the executor type.
func (e *ConstantVUs) Type() Type {
	return TypeConstantVUs
}

// Init initializes the executor with configuration.
func (e *ConstantVUs) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeConstantVUs {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeConstantVUs, config.Type)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	e.config = config
	return nil
}

// Run starts the executor and blocks until all VUs have stopped.
func (e *ConstantVUs) Run(ctx context.Context, scheduler *vu.Scheduler, metricsEngine *metrics.Engine) error {
	if e.config == nil {
		return fmt.Errorf("executor not initialized")
	}
	defer close(e.done)

	e.metrics = metricsEngine

	runCtx, cancel := context.WithTimeout(ctx, e.config.Duration)
	defer cancel()

	e.mu.Lock()
	e.pool = newVUPool(ctx, scheduler, e.config.Pacing)
	e.cancelFunc = cancel
	e.startTime = time.Now()
	stopRequested := e.stopRequested
	e.mu.Unlock()
	e.running.Store(true)

	if stopRequested {
		cancel()
	}

	e.logger.Info("executor started",
		zap.String("executor", string(TypeConstantVUs)),
		zap.Int("vus", e.config.VUs),
		zap.Duration("duration", e.config.Duration))

	e.metrics.SetPhase(metrics.PhaseSteady)
	for i := 0; i < e.config.VUs && runCtx.Err() == nil; i++ {
		e.pool.spawn()
	}

	<-runCtx.Done()

	e.metrics.SetPhase(metrics.PhaseRampDown)
	interrupted := e.pool.stopAll(e.config.GracefulStop)
	if interrupted > 0 {
		e.logger.Warn("VUs interrupted after graceful stop",
			zap.Int("vus", interrupted),
			zap.Duration("gracefulStop", e.config.GracefulStop))
	}

	e.metrics.SetPhase(metrics.PhaseDone)
	e.running.Store(false)
	e.logger.Info("executor finished",
		zap.String("executor", string(TypeConstantVUs)),
		zap.Duration("elapsed", time.Since(e.startTime)))

	return nil
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *ConstantVUs) GetProgress() float64 {
	e.mu.Lock()
	start := e.startTime
	e.mu.Unlock()

	if !e.running.Load() {
		if start.IsZero() {
			return 0.0
		}
		return 1.0
	}

	progress := float64(time.Since(start)) / float64(e.config.Duration)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetActiveVUs returns the number of VUs whose goroutines are running.
func (e *ConstantVUs) GetActiveVUs() int {
	e.mu.Lock()
	pool := e.pool
	e.mu.Unlock()
	if pool == nil {
		return 0
	}
	_, live := pool.counts()
	return live
}

// GetStats returns executor statistics.
func (e *ConstantVUs) GetStats() *Stats {
	e.mu.Lock()
	start := e.startTime
	e.mu.Unlock()

	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = time.Since(start)
	}

	var iterations int64
	if e.metrics != nil {
		iterations = e.metrics.GetIterations()
	}

	return &Stats{
		StartTime:     start,
		CurrentTime:   time.Now(),
		Elapsed:       elapsed,
		TotalDuration: e.config.Duration,
		ActiveVUs:     e.GetActiveVUs(),
		TargetVUs:     e.config.VUs,
		MaxVUs:        e.config.VUs,
		Iterations:    iterations,
	}
}

// Stop ends the run early and waits for Run to return. If ctx ends
// first, all VUs are interrupted. A Stop before Run makes Run return
// without starting any VU.
func (e *ConstantVUs) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, pool := e.cancelFunc, e.pool
	if cancel == nil {
		e.stopRequested = true
	}
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		pool.interrupt()
		<-e.done
		return ctx.Err()
	}
}

var _ Executor = (*ConstantVUs)(nil)
