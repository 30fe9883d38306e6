package vu

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/thermoload/internal/metrics"
)

// Env is the per-iteration handle given to an Iteration.
type Env struct {
	VUID      int
	Iteration int64
	Client    *http.Client
	Metrics   *metrics.Engine
	Logger    *zap.Logger
	UserAgent string
}

// Response is the outcome of Env.Do.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration

	// Err is set for transport and body read errors.
	Err error

	// Failed is true when the request counts toward http_req_failed.
	Failed bool

	// Interrupted is true when the run context ended mid-request;
	// such requests are not recorded.
	Interrupted bool
}

// OK reports whether the request completed with the given status.
func (r *Response) OK(status int) bool {
	return r.Err == nil && r.StatusCode == status
}

// Do sends req, reads the full body and records the request under name.
//
// The recorded duration runs from connection acquisition to the end of
// the body, so time spent waiting on the rate cap or dialing is excluded.
func (e *Env) Do(ctx context.Context, name string, req *http.Request) *Response {
	var connAt atomic.Int64
	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) {
			connAt.Store(time.Now().UnixNano())
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(ctx, trace))
	if e.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", e.UserAgent)
	}

	sent := requestSize(req)
	start := time.Now()

	res := &Response{}
	resp, err := e.Client.Do(req)
	if err == nil {
		res.StatusCode = resp.StatusCode
		res.Header = resp.Header
		res.Body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	end := time.Now()

	if at := connAt.Load(); at > 0 {
		start = time.Unix(0, at)
	}
	res.Duration = end.Sub(start)
	res.Err = err

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		res.Interrupted = true
		return res
	}

	res.Failed = err != nil || res.StatusCode >= 400
	if err != nil && e.Logger != nil {
		e.Logger.Debug("request failed",
			zap.String("request", name),
			zap.Int64("iteration", e.Iteration),
			zap.Error(err))
	}

	var received int64
	if resp != nil {
		received = responseSize(resp, len(res.Body))
	}
	e.Metrics.RecordRequest(name, res.Duration, res.Failed, received, sent)

	return res
}

// Check records one evaluation of a named check and returns ok.
func (e *Env) Check(name string, ok bool) bool {
	e.Metrics.RecordCheck(name, ok)
	return ok
}

// requestSize approximates the bytes written for req.
func requestSize(req *http.Request) int64 {
	n := int64(len(req.Method) + len(req.URL.RequestURI()) + len(req.Proto) + 4)
	n += int64(len("Host: ") + len(req.Host) + 2)
	n += headerSize(req.Header)
	if req.ContentLength > 0 {
		n += req.ContentLength
	}
	return n + 2
}

// responseSize approximates the bytes read for resp.
func responseSize(resp *http.Response, body int) int64 {
	n := int64(len(resp.Proto) + len(resp.Status) + 3)
	n += headerSize(resp.Header)
	return n + 2 + int64(body)
}

func headerSize(h http.Header) int64 {
	var n int64
	for k, vs := range h {
		for _, v := range vs {
			n += int64(len(k) + len(v) + 4)
		}
	}
	return n
}
