// Package targettest provides an in-process stand-in for the
// temperature-conversion backend, for use in tests.
package targettest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/thermoload/internal/scenario"
)

// Target is a running conversion backend. Its behavior can be changed
// while it serves traffic.
type Target struct {
	*httptest.Server

	latency       atomic.Int64
	healthStatus  atomic.Int32
	convertStatus atomic.Int32
	convertBody   atomic.Pointer[string]

	healthHits  atomic.Int64
	convertHits atomic.Int64
}

// New starts a Target. Call Close when done.
func New() *Target {
	t := NewBackend()
	t.Server = httptest.NewServer(t.Handler())
	return t
}

// NewBackend returns a Target that is not listening. Serve its Handler
// from your own server.
func NewBackend() *Target {
	t := &Target{}
	t.healthStatus.Store(http.StatusOK)
	t.convertStatus.Store(http.StatusOK)
	return t
}

// Handler returns the backend's routes.
func (t *Target) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(scenario.HealthPath, t.handleHealth)
	mux.HandleFunc(scenario.ConvertPath, t.handleConvert)
	return mux
}

// SetLatency delays every response by d.
func (t *Target) SetLatency(d time.Duration) { t.latency.Store(int64(d)) }

// SetHealthStatus makes /health answer with code.
func (t *Target) SetHealthStatus(code int) { t.healthStatus.Store(int32(code)) }

// SetConvertStatus makes /api/convert answer with code and an error body.
func (t *Target) SetConvertStatus(code int) { t.convertStatus.Store(int32(code)) }

// SetConvertBody makes /api/convert answer 200 with raw instead of the
// computed result. An empty raw restores normal behavior.
func (t *Target) SetConvertBody(raw string) {
	if raw == "" {
		t.convertBody.Store(nil)
		return
	}
	t.convertBody.Store(&raw)
}

// HealthHits returns the number of /health requests served.
func (t *Target) HealthHits() int64 { return t.healthHits.Load() }

// ConvertHits returns the number of /api/convert requests served.
func (t *Target) ConvertHits() int64 { return t.convertHits.Load() }

func (t *Target) delay(r *http.Request) bool {
	d := time.Duration(t.latency.Load())
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.Context().Done():
		return false
	}
}

func (t *Target) handleHealth(w http.ResponseWriter, r *http.Request) {
	t.healthHits.Add(1)
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !t.delay(r) {
		return
	}

	code := int(t.healthStatus.Load())
	writeJSON(w, code, map[string]string{"status": statusText(code)})
}

func (t *Target) handleConvert(w http.ResponseWriter, r *http.Request) {
	t.convertHits.Add(1)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !t.delay(r) {
		return
	}

	if code := int(t.convertStatus.Load()); code != http.StatusOK {
		writeJSON(w, code, map[string]any{"code": 13, "message": http.StatusText(code)})
		return
	}
	if raw := t.convertBody.Load(); raw != nil {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, *raw)
		return
	}

	var req scenario.ConversionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": 3, "message": err.Error()})
		return
	}
	value, err := scenario.Convert(req.Value, req.FromUnit, req.ToUnit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": 3, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, scenario.ConversionResponse{Value: value})
}

func statusText(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "unavailable"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
