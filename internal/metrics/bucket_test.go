package metrics

import (
	"testing"
	"time"
)

func TestTimeBucketStore_RingOrder(t *testing.T) {
	store := NewTimeBucketStore(3)

	for i := 1; i <= 5; i++ {
		store.RecordRequest(false)
		store.CreateBucket(bucketTotals{requests: int64(i), phase: PhaseSteady})
	}

	if store.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", store.Count())
	}

	buckets := store.GetBuckets()
	for i, b := range buckets {
		want := int64(i + 3)
		if b.TotalRequests != want {
			t.Errorf("buckets[%d].TotalRequests = %d, want %d", i, b.TotalRequests, want)
		}
	}

	if latest := store.GetLatestBucket(); latest.TotalRequests != 5 {
		t.Errorf("latest TotalRequests = %d, want 5", latest.TotalRequests)
	}
}

func TestTimeBucketStore_IntervalCounters(t *testing.T) {
	store := NewTimeBucketStore(10)

	for i := 0; i < 4; i++ {
		store.RecordRequest(i == 0)
	}
	time.Sleep(5 * time.Millisecond)
	b := store.CreateBucket(bucketTotals{requests: 4, failures: 1, phase: PhaseRampUp})

	if b.IntervalRequests != 4 {
		t.Errorf("IntervalRequests = %d, want 4", b.IntervalRequests)
	}
	if b.IntervalErrorRate != 0.25 {
		t.Errorf("IntervalErrorRate = %v, want 0.25", b.IntervalErrorRate)
	}
	if b.IntervalRPS <= 0 {
		t.Errorf("IntervalRPS = %v, want > 0", b.IntervalRPS)
	}

	// Interval counters reset after each bucket
	next := store.CreateBucket(bucketTotals{requests: 4, failures: 1})
	if next.IntervalRequests != 0 {
		t.Errorf("next IntervalRequests = %d, want 0", next.IntervalRequests)
	}
}

func TestTimeBucketStore_SteadyStateRPS(t *testing.T) {
	store := NewTimeBucketStore(10)

	if rps, n := store.CalculateSteadyStateRPS(); rps != 0 || n != 0 {
		t.Errorf("empty store = %v/%d, want 0/0", rps, n)
	}

	store.CreateBucket(bucketTotals{phase: PhaseRampUp})
	store.RecordRequest(false)
	store.CreateBucket(bucketTotals{phase: PhaseSteady})

	if _, n := store.CalculateSteadyStateRPS(); n != 1 {
		t.Errorf("steady buckets = %d, want 1", n)
	}
}
