package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/wesleyorama2/thermoload/internal/executor"
	"github.com/wesleyorama2/thermoload/internal/metrics"
)

func TestConstantVUs_Init(t *testing.T) {
	tests := []struct {
		name    string
		config  *executor.Config
		wantErr bool
	}{
		{"valid", &executor.Config{Type: executor.TypeConstantVUs, VUs: 5, Duration: time.Second}, false},
		{"zero vus", &executor.Config{Type: executor.TypeConstantVUs, VUs: 0, Duration: time.Second}, true},
		{"zero duration", &executor.Config{Type: executor.TypeConstantVUs, VUs: 1}, true},
		{"wrong type", &executor.Config{Type: executor.TypeRampingVUs, Stages: []executor.Stage{{Duration: time.Second, Target: 1}}}, true},
		{
			"random pacing min above max",
			&executor.Config{
				Type: executor.TypeConstantVUs, VUs: 1, Duration: time.Second,
				Pacing: &executor.PacingConfig{Type: executor.PacingRandom, Min: time.Second, Max: time.Millisecond},
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := executor.NewConstantVUs(nil).Init(context.Background(), tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("Init() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConstantVUs_Run(t *testing.T) {
	server := createTestServer(0)
	defer server.Close()

	scheduler, m := createTestScheduler(server.URL)
	defer m.Stop()

	config := &executor.Config{
		Type:         executor.TypeConstantVUs,
		VUs:          3,
		Duration:     400 * time.Millisecond,
		GracefulStop: time.Second,
		Pacing:       &executor.PacingConfig{Type: executor.PacingConstant, Duration: 20 * time.Millisecond},
	}

	e := executor.NewConstantVUs(nil)
	if e.Type() != executor.TypeConstantVUs {
		t.Errorf("Type() = %v, want %v", e.Type(), executor.TypeConstantVUs)
	}
	if err := e.Init(context.Background(), config); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	start := time.Now()
	if err := e.Run(context.Background(), scheduler, m); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("Run() returned after %v, want at least 400ms", elapsed)
	}

	if got := m.GetMaxVUs(); got != 3 {
		t.Errorf("vus_max = %d, want 3", got)
	}
	if got := m.GetActiveVUs(); got != 0 {
		t.Errorf("vus after run = %d, want 0", got)
	}

	stats := e.GetStats()
	if stats.TargetVUs != 3 || stats.MaxVUs != 3 {
		t.Errorf("stats VUs = %d/%d, want 3/3", stats.TargetVUs, stats.MaxVUs)
	}
	if stats.Iterations == 0 {
		t.Error("Iterations = 0, want > 0")
	}

	checks := m.GetCheckStats()
	if len(checks) != 1 || checks[0].Fails != 0 || checks[0].Passes == 0 {
		t.Errorf("checks = %+v, want one passing check", checks)
	}

	var sawSteady bool
	for _, pc := range m.GetPhaseHistory() {
		if pc.Phase == metrics.PhaseSteady {
			sawSteady = true
		}
	}
	if !sawSteady {
		t.Error("steady phase never entered")
	}
}

// Think time is cut short when the run ends; the iteration still counts.
func TestConstantVUs_SoftStopDuringThinkTime(t *testing.T) {
	server := createTestServer(0)
	defer server.Close()

	scheduler, m := createTestScheduler(server.URL)
	defer m.Stop()

	config := &executor.Config{
		Type:         executor.TypeConstantVUs,
		VUs:          1,
		Duration:     100 * time.Millisecond,
		GracefulStop: 5 * time.Second,
		Pacing:       &executor.PacingConfig{Type: executor.PacingConstant, Duration: 10 * time.Second},
	}

	e := executor.NewConstantVUs(nil)
	if err := e.Init(context.Background(), config); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	start := time.Now()
	if err := e.Run(context.Background(), scheduler, m); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run() took %v, think time should be cut short", elapsed)
	}
	if got := m.GetIterations(); got != 1 {
		t.Errorf("iterations = %d, want 1", got)
	}
}

func TestConstantVUs_ParentContextCancel(t *testing.T) {
	server := createTestServer(0)
	defer server.Close()

	scheduler, m := createTestScheduler(server.URL)
	defer m.Stop()

	config := &executor.Config{
		Type:     executor.TypeConstantVUs,
		VUs:      2,
		Duration: time.Minute,
		Pacing:   &executor.PacingConfig{Type: executor.PacingConstant, Duration: 10 * time.Millisecond},
	}

	e := executor.NewConstantVUs(nil)
	if err := e.Init(context.Background(), config); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := e.Run(ctx, scheduler, m); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run() took %v after context cancel", elapsed)
	}
}

func TestPacingConfig_Next(t *testing.T) {
	var nilPacing *executor.PacingConfig
	if got := nilPacing.Next(); got != 0 {
		t.Errorf("nil pacing Next() = %v, want 0", got)
	}

	constant := &executor.PacingConfig{Type: executor.PacingConstant, Duration: 250 * time.Millisecond}
	if got := constant.Next(); got != 250*time.Millisecond {
		t.Errorf("constant Next() = %v, want 250ms", got)
	}

	random := &executor.PacingConfig{Type: executor.PacingRandom, Min: 500 * time.Millisecond, Max: 1500 * time.Millisecond}
	for i := 0; i < 100; i++ {
		got := random.Next()
		if got < random.Min || got >= random.Max {
			t.Fatalf("random Next() = %v, want in [%v, %v)", got, random.Min, random.Max)
		}
	}

	degenerate := &executor.PacingConfig{Type: executor.PacingRandom, Min: time.Second, Max: time.Second}
	if got := degenerate.Next(); got != time.Second {
		t.Errorf("degenerate random Next() = %v, want 1s", got)
	}
}

func TestConstantVUs_StopBeforeRun(t *testing.T) {
	server := createTestServer(0)
	defer server.Close()

	scheduler, m := createTestScheduler(server.URL)
	defer m.Stop()

	e := executor.NewConstantVUs(nil)
	config := &executor.Config{Type: executor.TypeConstantVUs, VUs: 4, Duration: 30 * time.Second}
	if err := e.Init(context.Background(), config); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Run error = %v", err)
	}

	start := time.Now()
	if err := e.Run(context.Background(), scheduler, m); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() after Stop took %v, want an early return", elapsed)
	}
	if got := m.GetIterations(); got != 0 {
		t.Errorf("iterations = %d, want 0", got)
	}
}
