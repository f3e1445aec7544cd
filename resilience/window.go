package resilience

import (
	"sync"
	"time"
)

// bucket represents a time bucket in the sliding window
type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// SlidingWindow tracks recent outcomes for breaker observability. The
// breaker's transition decisions use the consecutive-failure counter; the
// window only feeds snapshots and metrics.
type SlidingWindow struct {
	mu           sync.Mutex
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
}

// NewSlidingWindow creates a window covering windowSize split into
// bucketCount buckets.
func NewSlidingWindow(windowSize time.Duration, bucketCount int) *SlidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}

	now := time.Now()
	buckets := make([]bucket, bucketCount)
	for i := range buckets {
		buckets[i].timestamp = now
	}

	return &SlidingWindow{
		buckets:      buckets,
		windowSize:   windowSize,
		bucketSize:   windowSize / time.Duration(bucketCount),
		lastRotation: now,
	}
}

// rotate advances the current bucket pointer past elapsed bucket slots.
func (sw *SlidingWindow) rotate() {
	now := time.Now()
	elapsed := now.Sub(sw.lastRotation)

	// Clock skew: drop the window rather than report stale counts.
	if elapsed < 0 {
		for i := range sw.buckets {
			sw.buckets[i] = bucket{timestamp: now}
		}
		sw.currentIdx = 0
		sw.lastRotation = now
		return
	}

	if sw.bucketSize <= 0 || elapsed < sw.bucketSize {
		return
	}

	steps := int(elapsed / sw.bucketSize)
	if steps > len(sw.buckets) {
		steps = len(sw.buckets)
	}
	for i := 0; i < steps; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
	sw.lastRotation = now
}

// RecordSuccess records a successful operation
func (sw *SlidingWindow) RecordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	sw.buckets[sw.currentIdx].success++
}

// RecordFailure records a failed operation
func (sw *SlidingWindow) RecordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	sw.buckets[sw.currentIdx].failure++
}

// GetCounts returns success and failure counts within the window.
func (sw *SlidingWindow) GetCounts() (success, failure uint64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	cutoff := time.Now().Add(-sw.windowSize)
	for i := range sw.buckets {
		b := &sw.buckets[i]
		if b.timestamp.After(cutoff) {
			success += b.success
			failure += b.failure
		}
	}
	return success, failure
}

// GetErrorRate returns the failure fraction within the window.
func (sw *SlidingWindow) GetErrorRate() float64 {
	success, failure := sw.GetCounts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}
