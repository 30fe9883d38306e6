package vu_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wesleyorama2/thermoload/internal/metrics"
	"github.com/wesleyorama2/thermoload/internal/vu"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state vu.State
		want  string
	}{
		{vu.StateIdle, "idle"},
		{vu.StateRunning, "running"},
		{vu.StateStopping, "stopping"},
		{vu.StateStopped, "stopped"},
		{vu.State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestVirtualUser_RunIteration(t *testing.T) {
	m := metrics.NewEngine()
	defer m.Stop()

	v := vu.NewVirtualUser(1, http.DefaultClient, m, nil)
	if v.GetState() != vu.StateIdle {
		t.Fatalf("initial state = %v, want idle", v.GetState())
	}

	var seen *vu.Env
	err := v.RunIteration(context.Background(), vu.IterationFunc(func(ctx context.Context, env *vu.Env) error {
		seen = env
		if v.GetState() != vu.StateRunning {
			t.Errorf("state during iteration = %v, want running", v.GetState())
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}

	if seen == nil || seen.VUID != 1 || seen.Iteration != 1 {
		t.Errorf("env = %+v, want VUID 1 iteration 1", seen)
	}
	if v.GetState() != vu.StateIdle {
		t.Errorf("state after iteration = %v, want idle", v.GetState())
	}
	if v.GetIteration() != 1 {
		t.Errorf("GetIteration() = %d, want 1", v.GetIteration())
	}
}

func TestVirtualUser_StopDuringIteration(t *testing.T) {
	m := metrics.NewEngine()
	defer m.Stop()

	v := vu.NewVirtualUser(1, http.DefaultClient, m, nil)

	_ = v.RunIteration(context.Background(), vu.IterationFunc(func(ctx context.Context, env *vu.Env) error {
		v.RequestStop()
		return nil
	}))

	// A stop requested mid-iteration is not overwritten when it ends
	if v.GetState() != vu.StateStopping {
		t.Errorf("state = %v, want stopping", v.GetState())
	}
	if !v.Stopping() {
		t.Error("Stopping() = false after RequestStop")
	}

	err := v.RunIteration(context.Background(), vu.IterationFunc(func(context.Context, *vu.Env) error {
		t.Error("iteration should not run on a stopping VU")
		return nil
	}))
	if err == nil {
		t.Error("RunIteration() on stopping VU should return an error")
	}

	// RequestStop is idempotent
	v.RequestStop()
}

func TestVirtualUser_WaitForStop(t *testing.T) {
	v := vu.NewVirtualUser(1, http.DefaultClient, nil, nil)

	if v.WaitForStop(10 * time.Millisecond) {
		t.Error("WaitForStop() = true before MarkStopped")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		v.MarkStopped()
	}()
	if !v.WaitForStop(time.Second) {
		t.Error("WaitForStop() = false after MarkStopped")
	}

	// MarkStopped twice must not panic
	v.MarkStopped()
	if v.GetState() != vu.StateStopped {
		t.Errorf("state = %v, want stopped", v.GetState())
	}
}

func TestEnv_DoRecordsRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("User-Agent") != "thermoload-test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	env := &vu.Env{VUID: 1, Client: server.Client(), Metrics: m, Logger: nopLogger(), UserAgent: "thermoload-test"}
	ctx := context.Background()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/health", nil)
	res := env.Do(ctx, "health", req)
	if !res.OK(http.StatusOK) || res.Failed {
		t.Fatalf("health response = %+v", res)
	}
	if string(res.Body) != `{"status":"ok"}` {
		t.Errorf("body = %q", res.Body)
	}

	req, _ = http.NewRequest(http.MethodGet, server.URL+"/missing", nil)
	res = env.Do(ctx, "missing", req)
	if !res.Failed {
		t.Error("404 should count as failed")
	}

	snapshot := m.GetSnapshot()
	if snapshot.TotalRequests != 2 || snapshot.FailedRequests != 1 {
		t.Errorf("requests/failed = %d/%d, want 2/1", snapshot.TotalRequests, snapshot.FailedRequests)
	}
	if snapshot.BytesReceived <= int64(len(`{"status":"ok"}`)) {
		t.Errorf("BytesReceived = %d, want more than the body", snapshot.BytesReceived)
	}
	if snapshot.BytesSent == 0 {
		t.Error("BytesSent = 0")
	}
}

func TestEnv_DoConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	env := &vu.Env{Client: http.DefaultClient, Metrics: m, Logger: nopLogger()}
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	res := env.Do(context.Background(), "health", req)

	if res.Err == nil || !res.Failed || res.Interrupted {
		t.Errorf("response = %+v, want failed with error", res)
	}
	if m.GetSnapshot().FailedRequests != 1 {
		t.Error("connection error should be recorded as a failed request")
	}
}

func TestEnv_DoInterruptedNotRecorded(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	m := metrics.NewEngine()
	defer m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	env := &vu.Env{Client: server.Client(), Metrics: m, Logger: nopLogger()}
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	res := env.Do(ctx, "slow", req)

	if !res.Interrupted {
		t.Errorf("Interrupted = false, err = %v", res.Err)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", res.Err)
	}
	if got := m.GetSnapshot().TotalRequests; got != 0 {
		t.Errorf("TotalRequests = %d, interrupted requests must not be recorded", got)
	}
}

func TestEnv_Check(t *testing.T) {
	m := metrics.NewEngine()
	defer m.Stop()

	env := &vu.Env{Metrics: m}
	if !env.Check("ok", true) {
		t.Error("Check should return its ok argument")
	}
	env.Check("ok", false)

	checks := m.GetCheckStats()
	if len(checks) != 1 || checks[0].Passes != 1 || checks[0].Fails != 1 {
		t.Errorf("checks = %+v", checks)
	}
}
