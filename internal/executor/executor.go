// Package executor provides the load profiles that drive virtual users.
package executor

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/wesleyorama2/thermoload/internal/metrics"
	"github.com/wesleyorama2/thermoload/internal/vu"
)

// Type identifies the type of executor.
type Type string

const (
	// TypeConstantVUs runs a fixed number of VUs for a duration.
	TypeConstantVUs Type = "constant-vus"

	// TypeRampingVUs ramps VU count up and down according to stages.
	TypeRampingVUs Type = "ramping-vus"
)

// DefaultGracefulStop is the usual time in-flight iterations may run
// after the executor's duration ends. A zero GracefulStop interrupts
// them immediately.
const DefaultGracefulStop = 30 * time.Second

// DefaultGracefulRampDown is the usual time a VU retired by ramping-vus
// may keep running its current iteration.
const DefaultGracefulRampDown = 30 * time.Second

// Executor defines the interface for load generation strategies.
type Executor interface {
	// Type returns the executor type.
	Type() Type

	// Init initializes the executor with configuration.
	// Called once before Run().
	Init(ctx context.Context, config *Config) error

	// Run starts the executor and blocks until completion, including the
	// graceful stop of all VUs.
	Run(ctx context.Context, scheduler *vu.Scheduler, metrics *metrics.Engine) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetActiveVUs returns current active VU count.
	GetActiveVUs() int

	// GetStats returns executor-specific statistics.
	GetStats() *Stats

	// Stop ends the run early. VUs are soft-stopped; if ctx ends before
	// they finish they are interrupted.
	Stop(ctx context.Context) error
}

// Config contains configuration for an executor.
type Config struct {
	Name string `json:"name" yaml:"name"`
	Type Type   `json:"type" yaml:"type"`

	// constant-vus
	VUs      int           `json:"vus,omitempty" yaml:"vus,omitempty"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// ramping-vus
	StartVUs         int           `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`
	Stages           []Stage       `json:"stages,omitempty" yaml:"stages,omitempty"`
	GracefulRampDown time.Duration `json:"gracefulRampDown,omitempty" yaml:"gracefulRampDown,omitempty"`

	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Pacing is the think time after each iteration
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`
}

// Stage defines a stage in ramping executors.
type Stage struct {
	Duration time.Duration `json:"duration" yaml:"duration"`
	Target   int           `json:"target" yaml:"target"`
}

// PacingConfig controls time between iterations.
type PacingConfig struct {
	Type     PacingType    `json:"type" yaml:"type"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Min      time.Duration `json:"min,omitempty" yaml:"min,omitempty"`
	Max      time.Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// PacingType identifies the type of pacing.
type PacingType string

const (
	PacingNone     PacingType = "none"
	PacingConstant PacingType = "constant"
	PacingRandom   PacingType = "random"
)

// Next returns the next think time. Random pacing is uniform in [Min, Max).
func (p *PacingConfig) Next() time.Duration {
	if p == nil {
		return 0
	}
	switch p.Type {
	case PacingConstant:
		return p.Duration
	case PacingRandom:
		diff := p.Max - p.Min
		if diff <= 0 {
			return p.Min
		}
		return p.Min + time.Duration(rand.Int63n(int64(diff)))
	default:
		return 0
	}
}

var _ vu.Pacer = (*PacingConfig)(nil)

// Stats contains real-time executor statistics.
type Stats struct {
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`
	MaxVUs    int `json:"maxVUs"`

	Iterations int64 `json:"iterations"`

	// ramping-vus only
	CurrentStage int `json:"currentStage"`
	TotalStages  int `json:"totalStages"`
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if c.Type == "" {
		return &ValidationError{Field: "type", Message: "executor type is required"}
	}
	if !IsValidExecutorType(string(c.Type)) {
		return &ValidationError{Field: "type", Message: "unknown executor type: " + string(c.Type)}
	}
	if c.GracefulStop < 0 {
		return &ValidationError{Field: "gracefulStop", Message: "gracefulStop must be >= 0"}
	}
	if c.Pacing != nil && c.Pacing.Type == PacingRandom && c.Pacing.Min > c.Pacing.Max {
		return &ValidationError{Field: "pacing", Message: "pacing min must be <= max"}
	}

	switch c.Type {
	case TypeConstantVUs:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Duration <= 0 {
			return &ValidationError{Field: "duration", Message: "duration must be > 0"}
		}

	case TypeRampingVUs:
		if len(c.Stages) == 0 {
			return &ValidationError{Field: "stages", Message: "at least one stage is required"}
		}
		if c.StartVUs < 0 {
			return &ValidationError{Field: "startVUs", Message: "startVUs must be >= 0"}
		}
		if c.GracefulRampDown < 0 {
			return &ValidationError{Field: "gracefulRampDown", Message: "gracefulRampDown must be >= 0"}
		}
		for i, s := range c.Stages {
			field := "stages[" + strconv.Itoa(i) + "]"
			if s.Duration <= 0 {
				return &ValidationError{Field: field + ".duration", Message: "duration must be > 0"}
			}
			if s.Target < 0 {
				return &ValidationError{Field: field + ".target", Message: "target must be >= 0"}
			}
		}
	}

	return nil
}

// TotalDuration calculates the total duration for this executor.
func (c *Config) TotalDuration() time.Duration {
	switch c.Type {
	case TypeConstantVUs:
		return c.Duration
	case TypeRampingVUs:
		var total time.Duration
		for _, stage := range c.Stages {
			total += stage.Duration
		}
		return total
	default:
		return 0
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}
