// Package vu implements virtual users and the scheduler that runs them.
package vu

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/thermoload/internal/metrics"
)

// State represents the lifecycle state of a Virtual User.
type State int32

const (
	// StateIdle indicates the VU is between iterations.
	StateIdle State = iota
	// StateRunning indicates the VU is executing an iteration.
	StateRunning
	// StateStopping indicates the VU was asked to stop after its current iteration.
	StateStopping
	// StateStopped indicates the VU goroutine has exited.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Iteration is the body a VU executes in a loop.
type Iteration interface {
	Run(ctx context.Context, env *Env) error
}

// IterationFunc adapts a function to the Iteration interface.
type IterationFunc func(ctx context.Context, env *Env) error

// Run calls f(ctx, env).
func (f IterationFunc) Run(ctx context.Context, env *Env) error {
	return f(ctx, env)
}

// Pacer returns the think time applied after each iteration.
type Pacer interface {
	Next() time.Duration
}

// VirtualUser is a single simulated client executing iterations.
//
// VUs are created by the Scheduler and driven by an executor through
// Scheduler.RunVU.
type VirtualUser struct {
	ID int

	client    *http.Client
	metrics   *metrics.Engine
	logger    *zap.Logger
	userAgent string

	state     atomic.Int32
	iteration atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	doneOnce sync.Once
}

// NewVirtualUser creates a new Virtual User.
func NewVirtualUser(id int, client *http.Client, metricsEngine *metrics.Engine, logger *zap.Logger) *VirtualUser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VirtualUser{
		ID:      id,
		client:  client,
		metrics: metricsEngine,
		logger:  logger.With(zap.Int("vu", id)),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// GetState returns the current VU state.
func (v *VirtualUser) GetState() State {
	return State(v.state.Load())
}

// GetIteration returns the number of iterations started.
func (v *VirtualUser) GetIteration() int64 {
	return v.iteration.Load()
}

// Stopping reports whether a stop was requested.
func (v *VirtualUser) Stopping() bool {
	select {
	case <-v.stopCh:
		return true
	default:
		return false
	}
}

// RunIteration executes one iteration of it.
//
// The returned error is whatever the iteration returned; check failures
// are recorded as metrics and never surface here.
func (v *VirtualUser) RunIteration(ctx context.Context, it Iteration) error {
	if !v.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("VU %d is %s", v.ID, v.GetState())
	}
	defer v.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))

	n := v.iteration.Add(1)
	env := &Env{
		VUID:      v.ID,
		Iteration: n,
		Client:    v.client,
		Metrics:   v.metrics,
		Logger:    v.logger,
		UserAgent: v.userAgent,
	}
	return it.Run(ctx, env)
}

// sleep waits for d. It returns false if the context ended first.
// A soft stop cuts the wait short but still returns true.
func (v *VirtualUser) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-v.stopCh:
		return true
	case <-timer.C:
		return true
	}
}

// RequestStop signals the VU to stop after completing the current iteration.
func (v *VirtualUser) RequestStop() {
	v.stopOnce.Do(func() {
		for {
			cur := State(v.state.Load())
			if cur == StateStopped || cur == StateStopping {
				break
			}
			if v.state.CompareAndSwap(int32(cur), int32(StateStopping)) {
				break
			}
		}
		close(v.stopCh)
	})
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (v *VirtualUser) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-v.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// Done returns a channel closed once the VU has stopped.
func (v *VirtualUser) Done() <-chan struct{} {
	return v.doneCh
}

// MarkStopped marks the VU as fully stopped.
// Called by the scheduler when the VU goroutine exits.
func (v *VirtualUser) MarkStopped() {
	v.state.Store(int32(StateStopped))
	v.doneOnce.Do(func() { close(v.doneCh) })
}
