package rate

import "net/http"

// Transport is an http.RoundTripper that holds every request until the
// bucket releases it. Waiting honors the request context. A nil Base
// uses http.DefaultTransport.
type Transport struct {
	Base   http.RoundTripper
	Bucket *LeakyBucket
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.Bucket.Wait(req.Context()); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// CloseIdleConnections forwards to the wrapped transport.
func (t *Transport) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if ci, ok := t.Base.(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}
