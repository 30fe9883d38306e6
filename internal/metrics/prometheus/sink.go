// Package prometheus exports thermoload metrics in the Prometheus format.
package prometheus

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wesleyorama2/thermoload/internal/metrics"
)

const namespace = "thermoload"

// Sink is a metrics.Sink backed by Prometheus collectors.
type Sink struct {
	reqDuration  *prometheus.HistogramVec
	reqs         *prometheus.CounterVec
	reqFailed    *prometheus.CounterVec
	dataReceived prometheus.Counter
	dataSent     prometheus.Counter
	iterDuration prometheus.Histogram
	iterations   prometheus.Counter
	checks       *prometheus.CounterVec
	vus          prometheus.Gauge
}

// NewSink creates a Sink and registers its collectors with r.
func NewSink(r prometheus.Registerer) *Sink {
	s := &Sink{
		reqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_req_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   timeBuckets(),
		}, []string{"name"}),
		reqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_reqs_total",
			Help:      "Number of HTTP requests sent",
		}, []string{"name"}),
		reqFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_req_failed_total",
			Help:      "Number of failed HTTP requests",
		}, []string{"name"}),
		dataReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_received_bytes_total",
			Help:      "Bytes received",
		}),
		dataSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_sent_bytes_total",
			Help:      "Bytes sent",
		}),
		iterDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_duration_seconds",
			Help:      "Iteration duration including think time",
			Buckets:   timeBuckets(),
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Number of completed iterations",
		}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Check evaluations",
		}, []string{"check", "result"}),
		vus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vus",
			Help:      "Active virtual users",
		}),
	}
	r.MustRegister(s.reqDuration, s.reqs, s.reqFailed, s.dataReceived, s.dataSent,
		s.iterDuration, s.iterations, s.checks, s.vus)
	return s
}

// timeBuckets covers 5ms to about 60s.
func timeBuckets() []float64 {
	return prometheus.ExponentialBuckets(0.005, 2, 14)
}

func (s *Sink) ObserveRequest(name string, duration time.Duration, failed bool, received, sent int64) {
	s.reqDuration.WithLabelValues(name).Observe(duration.Seconds())
	s.reqs.WithLabelValues(name).Inc()
	if failed {
		s.reqFailed.WithLabelValues(name).Inc()
	}
	s.dataReceived.Add(float64(received))
	s.dataSent.Add(float64(sent))
}

func (s *Sink) ObserveIteration(duration time.Duration) {
	s.iterDuration.Observe(duration.Seconds())
	s.iterations.Inc()
}

func (s *Sink) ObserveCheck(name string, passed bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	s.checks.WithLabelValues(name, result).Inc()
}

func (s *Sink) SetVUs(count int) {
	s.vus.Set(float64(count))
}

var _ metrics.Sink = (*Sink)(nil)

// Server serves /metrics for the duration of a run.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// Listen binds addr and starts serving g on /metrics.
func Listen(addr string, g prometheus.Gatherer, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	s := &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
