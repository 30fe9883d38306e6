package vu

import (
	"context"
	"crypto/tls"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/thermoload/internal/metrics"
	"github.com/wesleyorama2/thermoload/internal/rate"
)

// Scheduler manages the lifecycle of Virtual Users.
//
// It provides:
//   - VU pool management (spawning/stopping VUs)
//   - Shared HTTP client configuration, with an optional global rate cap
//   - The VU iteration loop used by executors
type Scheduler struct {
	iteration  Iteration
	metrics    *metrics.Engine
	logger     *zap.Logger
	httpConfig HTTPClientConfig

	vus   map[int]*VirtualUser
	vusMu sync.RWMutex

	nextVUID atomic.Int32

	// limiter is shared by every client so --rps is global
	limiter *rate.LeakyBucket

	sharedClient *http.Client
}

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	DisableKeepAlives   bool
	InsecureSkipVerify  bool
	UserAgent           string

	// UseSharedClient makes all VUs share one connection pool
	UseSharedClient bool

	// RPS caps requests per second across all VUs; 0 means unlimited
	RPS float64
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             60 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		UserAgent:           "thermoload",
		UseSharedClient:     true,
	}
}

// NewScheduler creates a scheduler whose VUs run it.
func NewScheduler(it Iteration, metricsEngine *metrics.Engine, httpConfig HTTPClientConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		iteration:  it,
		metrics:    metricsEngine,
		logger:     logger,
		httpConfig: httpConfig,
		vus:        make(map[int]*VirtualUser),
	}
	if httpConfig.RPS > 0 {
		s.limiter = rate.NewLeakyBucket(httpConfig.RPS)
	}
	if httpConfig.UseSharedClient {
		s.sharedClient = s.createHTTPClient()
	}
	return s
}

func (s *Scheduler) createHTTPClient() *http.Client {
	var transport http.RoundTripper = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        s.httpConfig.MaxIdleConns,
		MaxIdleConnsPerHost: s.httpConfig.MaxIdleConnsPerHost,
		MaxConnsPerHost:     s.httpConfig.MaxConnsPerHost,
		IdleConnTimeout:     s.httpConfig.IdleConnTimeout,
		DisableKeepAlives:   s.httpConfig.DisableKeepAlives,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: s.httpConfig.InsecureSkipVerify,
		},
	}

	if s.limiter != nil {
		transport = &rate.Transport{Base: transport, Bucket: s.limiter}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   s.httpConfig.Timeout,
	}
}

// SpawnVU creates and registers a new Virtual User.
//
// The VU is not started; the caller runs it with RunVU.
func (s *Scheduler) SpawnVU() *VirtualUser {
	id := int(s.nextVUID.Add(1))

	client := s.sharedClient
	if client == nil {
		client = s.createHTTPClient()
	}

	v := NewVirtualUser(id, client, s.metrics, s.logger)
	v.userAgent = s.httpConfig.UserAgent

	s.vusMu.Lock()
	s.vus[id] = v
	s.vusMu.Unlock()

	s.UpdateMetrics()
	return v
}

// GetActiveVUs returns all VUs that have not stopped, ordered by ID.
func (s *Scheduler) GetActiveVUs() []*VirtualUser {
	s.vusMu.RLock()
	result := make([]*VirtualUser, 0, len(s.vus))
	for _, v := range s.vus {
		if v.GetState() != StateStopped {
			result = append(result, v)
		}
	}
	s.vusMu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetActiveVUCount returns the count of non-stopped VUs.
func (s *Scheduler) GetActiveVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, v := range s.vus {
		if v.GetState() != StateStopped {
			count++
		}
	}
	return count
}

// StopAllVUs requests all VUs to stop after their current iteration.
func (s *Scheduler) StopAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, v := range s.vus {
		v.RequestStop()
	}
}

// WaitForAllVUs waits for all VUs to stop with a timeout.
//
// Returns the number of VUs that did not stop within the timeout.
func (s *Scheduler) WaitForAllVUs(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	s.vusMu.RLock()
	vus := make([]*VirtualUser, 0, len(s.vus))
	for _, v := range s.vus {
		vus = append(vus, v)
	}
	s.vusMu.RUnlock()

	notStopped := 0
	for _, v := range vus {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			select {
			case <-v.Done():
			default:
				notStopped++
			}
			continue
		}
		if !v.WaitForStop(remaining) {
			notStopped++
		}
	}
	return notStopped
}

// RunVU runs iterations on v until it is soft-stopped or ctx ends.
//
// Each completed iteration records iteration_duration, which includes
// the think time from pacer. An iteration cut short by ctx is not
// recorded. pacer may be nil.
func (s *Scheduler) RunVU(ctx context.Context, v *VirtualUser, pacer Pacer) {
	defer func() {
		v.MarkStopped()
		s.UpdateMetrics()
		v.logger.Debug("VU stopped", zap.Int64("iterations", v.GetIteration()))
	}()

	for {
		if ctx.Err() != nil || v.Stopping() {
			return
		}

		start := time.Now()
		err := v.RunIteration(ctx, s.iteration)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			v.logger.Debug("iteration error", zap.Error(err))
		}

		if pacer != nil && !v.sleep(ctx, pacer.Next()) {
			return
		}

		s.metrics.RecordIteration(time.Since(start))
	}
}

// RateLimitStats reports the --rps limiter's activity. ok is false when
// requests are not capped.
func (s *Scheduler) RateLimitStats() (stats rate.LeakyBucketStats, ok bool) {
	if s.limiter == nil {
		return rate.LeakyBucketStats{}, false
	}
	return s.limiter.Stats(), true
}

// UpdateMetrics publishes the live VU count to the metrics engine.
func (s *Scheduler) UpdateMetrics() {
	s.metrics.SetActiveVUs(s.GetActiveVUCount())
}

// Shutdown soft-stops all VUs, waits up to timeout for them to finish
// and releases idle connections.
func (s *Scheduler) Shutdown(timeout time.Duration) int {
	s.StopAllVUs()
	remaining := s.WaitForAllVUs(timeout)
	if remaining > 0 {
		var ids []int
		for _, v := range s.GetActiveVUs() {
			ids = append(ids, v.ID)
		}
		s.logger.Warn("VUs still running after shutdown timeout",
			zap.Int("vus", remaining), zap.Ints("ids", ids), zap.Duration("timeout", timeout))
	}

	if stats, ok := s.RateLimitStats(); ok {
		s.logger.Info("request rate cap",
			zap.Float64("rps", stats.Rate),
			zap.Int64("requests", stats.TotalEvents),
			zap.Duration("waited", stats.TotalWaitTime))
	}

	if s.sharedClient != nil {
		s.sharedClient.CloseIdleConnections()
	}
	return remaining
}
