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

// controllerInterval is how often ramping-vus recomputes its target.
const controllerInterval = 100 * time.Millisecond

// RampingVUs ramps VU count up and down according to stages.
//
// The target is interpolated linearly within each stage, starting from
// the previous stage's target (StartVUs for the first stage). VUs above
// the target are soft-stopped newest first and interrupted after
// GracefulRampDown.
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 20     # 0 -> 20 VUs over 30s
//	  - duration: 1m
//	    target: 20     # hold 20 VUs
//	  - duration: 30s
//	    target: 0      # 20 -> 0 VUs over 30s
type RampingVUs struct {
	config  *Config
	metrics *metrics.Engine
	logger  *zap.Logger
	maxVUs  int

	startTime    time.Time
	targetVUs    atomic.Int32
	currentStage atomic.Int32
	running      atomic.Bool

	pool       *vuPool
	cancelFunc context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex

	// stopRequested is set by a Stop that arrives before Run
	stopRequested bool
}

// NewRampingVUs creates a new ramping VUs executor.
func NewRampingVUs(logger *zap.Logger) *RampingVUs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RampingVUs{logger: logger, done: make(chan struct{})}
}

// Type returns the executor type.
func (e *RampingVUs) Type() Type {
	return TypeRampingVUs
}

// Init initializes the executor with configuration.
func (e *RampingVUs) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeRampingVUs {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeRampingVUs, config.Type)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	e.config = config
	e.maxVUs = CalculateMaxVUs(config)
	return nil
}

// Run starts the executor and blocks until all VUs have stopped.
func (e *RampingVUs) Run(ctx context.Context, scheduler *vu.Scheduler, metricsEngine *metrics.Engine) error {
	if e.config == nil {
		return fmt.Errorf("executor not initialized")
	}
	defer close(e.done)

	e.metrics = metricsEngine
	total := e.config.TotalDuration()

	runCtx, cancel := context.WithTimeout(ctx, total)
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
		zap.String("executor", string(TypeRampingVUs)),
		zap.Int("stages", len(e.config.Stages)),
		zap.Int("maxVUs", e.maxVUs),
		zap.Duration("duration", total))

	if runCtx.Err() == nil {
		e.tick()
	}

	ticker := time.NewTicker(controllerInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case <-ticker.C:
			e.tick()
		}
	}

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
		zap.String("executor", string(TypeRampingVUs)),
		zap.Duration("elapsed", time.Since(e.startTime)))

	return nil
}

// tick moves the VU count toward the current target and updates the phase.
func (e *RampingVUs) tick() {
	elapsed := time.Since(e.startTime)
	target := TargetAt(e.config.Stages, e.config.StartVUs, elapsed)
	e.targetVUs.Store(int32(target))

	stage := stageIndex(e.config.Stages, elapsed)
	e.currentStage.Store(int32(stage))
	e.metrics.SetPhase(stagePhase(e.config.Stages, e.config.StartVUs, stage))

	running, live := e.pool.counts()
	spawn, retire := scalePlan(running, live, target, e.maxVUs)
	for i := 0; i < spawn; i++ {
		e.pool.spawn()
	}
	if retire > 0 {
		e.pool.retire(retire, e.config.GracefulRampDown)
	}
}

// TargetAt returns the VU target at elapsed time into a ramping
// schedule, rounded to the nearest VU. Past the last stage it returns
// the last stage's target.
func TargetAt(stages []Stage, startVUs int, elapsed time.Duration) int {
	if elapsed < 0 {
		elapsed = 0
	}

	var stageStart time.Duration
	prev := startVUs
	for _, stage := range stages {
		stageEnd := stageStart + stage.Duration
		if elapsed < stageEnd {
			progress := float64(elapsed-stageStart) / float64(stage.Duration)
			return int(float64(prev) + float64(stage.Target-prev)*progress + 0.5)
		}
		prev = stage.Target
		stageStart = stageEnd
	}
	return prev
}

// stageIndex returns the stage active at elapsed, or len(stages) once
// all stages are over.
func stageIndex(stages []Stage, elapsed time.Duration) int {
	var end time.Duration
	for i, stage := range stages {
		end += stage.Duration
		if elapsed < end {
			return i
		}
	}
	return len(stages)
}

// stagePhase classifies a stage by comparing its target with the one
// before it.
func stagePhase(stages []Stage, startVUs, idx int) metrics.Phase {
	if idx >= len(stages) {
		return metrics.PhaseRampDown
	}
	prev := startVUs
	if idx > 0 {
		prev = stages[idx-1].Target
	}
	switch cur := stages[idx].Target; {
	case cur > prev:
		return metrics.PhaseRampUp
	case cur < prev:
		return metrics.PhaseRampDown
	default:
		return metrics.PhaseSteady
	}
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	e.mu.Lock()
	start := e.startTime
	e.mu.Unlock()

	if !e.running.Load() {
		if start.IsZero() {
			return 0.0
		}
		return 1.0
	}

	total := e.config.TotalDuration()
	if total == 0 {
		return 1.0
	}

	progress := float64(time.Since(start)) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetActiveVUs returns the number of VUs whose goroutines are running.
func (e *RampingVUs) GetActiveVUs() int {
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
func (e *RampingVUs) GetStats() *Stats {
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
		TotalDuration: e.config.TotalDuration(),
		ActiveVUs:     e.GetActiveVUs(),
		TargetVUs:     int(e.targetVUs.Load()),
		MaxVUs:        e.maxVUs,
		Iterations:    iterations,
		CurrentStage:  int(e.currentStage.Load()),
		TotalStages:   len(e.config.Stages),
	}
}

// Stop ends the run early and waits for Run to return. If ctx ends
// first, all VUs are interrupted. A Stop before Run makes Run return
// without starting any VU.
func (e *RampingVUs) Stop(ctx context.Context) error {
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

var _ Executor = (*RampingVUs)(nil)
