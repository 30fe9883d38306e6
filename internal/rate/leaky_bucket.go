// Package rate caps the global request rate of a load test.
package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LeakyBucket schedules events at a fixed rate.
//
// The bucket keeps a virtual "drip" time that advances by 1/rate for
// every event. Next returns when the caller may proceed; callers that
// arrive while the bucket is ahead of real time are queued behind the
// last scheduled drip, so the rate holds across many goroutines.
//
// # Thread Safety
//
// LeakyBucket is safe for concurrent use from multiple goroutines.
//
// # Example
//
//	lb := NewLeakyBucket(100.0) // 100 requests per second
//
//	for {
//	    if err := lb.Wait(ctx); err != nil {
//	        return err
//	    }
//	    // send request
//	}
type LeakyBucket struct {
	rate        float64
	lastDrip    time.Time
	accumulated float64
	maxBurst    float64
	mu          sync.Mutex

	totalEvents   atomic.Int64
	totalWaitTime atomic.Int64
}

// NewLeakyBucket creates a bucket draining rate events per second.
//
// A non-positive rate defaults to 1. The first call to Next returns
// immediately.
func NewLeakyBucket(rate float64) *LeakyBucket {
	if rate <= 0 {
		rate = 1.0
	}
	return &LeakyBucket{
		rate:        rate,
		lastDrip:    time.Now(),
		accumulated: 1.0,
		maxBurst:    1.0,
	}
}

// Next reserves the next slot and returns when it starts.
//
// The returned time may be now if the bucket has capacity.
func (lb *LeakyBucket) Next() time.Time {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := time.Now()
	base := lb.lastDrip
	if base.Before(now) {
		lb.accumulated += now.Sub(base).Seconds() * lb.rate
		if lb.accumulated > lb.maxBurst {
			lb.accumulated = lb.maxBurst
		}
		base = now
	}

	lb.totalEvents.Add(1)

	if lb.accumulated >= 1.0 {
		lb.accumulated -= 1.0
		lb.lastDrip = base
		return base
	}

	deficit := 1.0 - lb.accumulated
	lb.accumulated = 0

	// lastDrip moves to the reserved slot; later callers queue behind it
	next := base.Add(time.Duration(deficit / lb.rate * float64(time.Second)))
	lb.lastDrip = next
	lb.totalWaitTime.Add(int64(next.Sub(now)))

	return next
}

// Wait blocks until the next slot, or returns ctx.Err() if the context
// ends first.
func (lb *LeakyBucket) Wait(ctx context.Context) error {
	wait := time.Until(lb.Next())
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats returns the configured rate, the events scheduled so far and
// the total time callers were held back.
func (lb *LeakyBucket) Stats() LeakyBucketStats {
	lb.mu.Lock()
	rate := lb.rate
	accumulated := lb.accumulated
	lb.mu.Unlock()

	return LeakyBucketStats{
		Rate:          rate,
		Accumulated:   accumulated,
		TotalEvents:   lb.totalEvents.Load(),
		TotalWaitTime: time.Duration(lb.totalWaitTime.Load()),
	}
}

// LeakyBucketStats contains statistics about the leaky bucket.
type LeakyBucketStats struct {
	Rate          float64       `json:"rate"`
	Accumulated   float64       `json:"accumulated"`
	TotalEvents   int64         `json:"totalEvents"`
	TotalWaitTime time.Duration `json:"totalWaitTime"`
}
