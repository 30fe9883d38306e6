package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimeBucketStore keeps per-interval metrics in a fixed-size ring buffer.
//
// Requests are accumulated lock-free between emissions; the background
// emitter in Engine closes an interval by calling CreateBucket.
type TimeBucketStore struct {
	buckets    []*TimeBucket
	head       int
	count      int
	maxBuckets int
	mu         sync.RWMutex

	lastBucketTime time.Time

	currentRequests atomic.Int64
	currentFailures atomic.Int64
}

// bucketTotals carries cumulative engine state into CreateBucket.
type bucketTotals struct {
	requests  int64
	failures  int64
	bytes     int64
	latencies LatencyPercentiles
	activeVUs int
	phase     Phase
}

// NewTimeBucketStore creates a store retaining at most maxBuckets buckets.
func NewTimeBucketStore(maxBuckets int) *TimeBucketStore {
	if maxBuckets <= 0 {
		maxBuckets = 3600
	}

	return &TimeBucketStore{
		buckets:        make([]*TimeBucket, maxBuckets),
		maxBuckets:     maxBuckets,
		lastBucketTime: time.Now(),
	}
}

// RecordRequest adds one request to the open interval.
func (tbs *TimeBucketStore) RecordRequest(failed bool) {
	tbs.currentRequests.Add(1)
	if failed {
		tbs.currentFailures.Add(1)
	}
}

// CreateBucket closes the open interval and appends it to the ring.
func (tbs *TimeBucketStore) CreateBucket(totals bucketTotals) *TimeBucket {
	tbs.mu.Lock()
	defer tbs.mu.Unlock()

	now := time.Now()

	intervalRequests := tbs.currentRequests.Swap(0)
	intervalFailures := tbs.currentFailures.Swap(0)

	intervalDuration := now.Sub(tbs.lastBucketTime).Seconds()
	if intervalDuration <= 0 {
		intervalDuration = 1.0
	}

	intervalErrorRate := 0.0
	if intervalRequests > 0 {
		intervalErrorRate = float64(intervalFailures) / float64(intervalRequests)
	}

	bucket := &TimeBucket{
		Timestamp:         now,
		TotalRequests:     totals.requests,
		TotalFailures:     totals.failures,
		TotalBytes:        totals.bytes,
		IntervalRequests:  intervalRequests,
		IntervalRPS:       float64(intervalRequests) / intervalDuration,
		IntervalErrorRate: intervalErrorRate,
		LatencyP50:        totals.latencies.P50,
		LatencyP95:        totals.latencies.P95,
		LatencyP99:        totals.latencies.P99,
		ActiveVUs:         totals.activeVUs,
		Phase:             totals.phase,
	}

	tbs.buckets[tbs.head] = bucket
	tbs.head = (tbs.head + 1) % tbs.maxBuckets
	if tbs.count < tbs.maxBuckets {
		tbs.count++
	}
	tbs.lastBucketTime = now

	return bucket
}

// GetBuckets returns all buckets in chronological order.
func (tbs *TimeBucketStore) GetBuckets() []*TimeBucket {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()

	if tbs.count == 0 {
		return nil
	}

	result := make([]*TimeBucket, tbs.count)
	start := 0
	if tbs.count == tbs.maxBuckets {
		start = tbs.head
	}
	for i := 0; i < tbs.count; i++ {
		result[i] = tbs.buckets[(start+i)%tbs.maxBuckets]
	}
	return result
}

// GetLatestBucket returns the most recent bucket, or nil if none.
func (tbs *TimeBucketStore) GetLatestBucket() *TimeBucket {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()

	if tbs.count == 0 {
		return nil
	}
	return tbs.buckets[(tbs.head-1+tbs.maxBuckets)%tbs.maxBuckets]
}

// Count returns the current number of buckets stored.
func (tbs *TimeBucketStore) Count() int {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()
	return tbs.count
}

// CalculateSteadyStateRPS averages interval RPS over steady-phase buckets.
// The second return value is the number of buckets used.
func (tbs *TimeBucketStore) CalculateSteadyStateRPS() (float64, int) {
	var sum float64
	n := 0
	for _, b := range tbs.GetBuckets() {
		if b.Phase == PhaseSteady {
			sum += b.IntervalRPS
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}
