package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// NewExecutor creates a new executor of the specified type.
//
// Supported types:
//   - "constant-vus" - Fixed number of VUs for a duration
//   - "ramping-vus" - VU count ramps up/down according to stages
//
// Returns an uninitialized executor. Call Init() before Run().
func NewExecutor(executorType Type, logger *zap.Logger) (Executor, error) {
	switch executorType {
	case TypeConstantVUs:
		return NewConstantVUs(logger), nil
	case TypeRampingVUs:
		return NewRampingVUs(logger), nil
	default:
		return nil, fmt.Errorf("unknown executor type: %s", executorType)
	}
}

// CreateAndInitExecutor creates and initializes an executor with the given config.
func CreateAndInitExecutor(ctx context.Context, cfg *Config, logger *zap.Logger) (Executor, error) {
	exec, err := NewExecutor(cfg.Type, logger)
	if err != nil {
		return nil, err
	}

	if err := exec.Init(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}

	return exec, nil
}

// IsValidExecutorType returns true if the type is a supported executor type.
func IsValidExecutorType(executorType string) bool {
	switch Type(executorType) {
	case TypeConstantVUs, TypeRampingVUs:
		return true
	default:
		return false
	}
}

// CalculateMaxVUs returns the maximum number of VUs the config can use.
//
// For ramping-vus this is the larger of StartVUs and the highest stage
// target.
func CalculateMaxVUs(cfg *Config) int {
	switch cfg.Type {
	case TypeRampingVUs:
		maxVUs := cfg.StartVUs
		for _, stage := range cfg.Stages {
			if stage.Target > maxVUs {
				maxVUs = stage.Target
			}
		}
		return maxVUs
	default:
		return cfg.VUs
	}
}
