package request

import (
	"sync/atomic"
	"time"
)

// stats collects coordinator activity counters.
type stats struct {
	total     atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	cacheHits atomic.Uint64
	deduped   atomic.Uint64
	retried   atomic.Uint64

	batchDispatches atomic.Uint64
	batchedCalls    atomic.Uint64

	latencyNanos atomic.Uint64
	latencyCount atomic.Uint64
}

func (s *stats) recordLatency(elapsed time.Duration) {
	s.latencyNanos.Add(uint64(elapsed.Nanoseconds())) //nolint:gosec // elapsed is non-negative
	s.latencyCount.Add(1)
}

// Metrics is a point-in-time snapshot of coordinator activity.
type Metrics struct {
	TotalRequests uint64
	Succeeded     uint64
	Failed        uint64
	CacheHits     uint64
	Deduped       uint64
	Retried       uint64

	// SuccessRate is succeeded over dispatched-and-resolved calls.
	SuccessRate float64

	// CacheHitRate is cache hits over total calls.
	CacheHitRate float64

	// DedupRate is deduplicated callers over total calls.
	DedupRate float64

	// BatchEfficiency is the average number of logical calls resolved per
	// batched dispatch. 0 when no batches were dispatched.
	BatchEfficiency float64

	AvgLatency time.Duration
}

func (s *stats) snapshot() Metrics {
	m := Metrics{
		TotalRequests: s.total.Load(),
		Succeeded:     s.succeeded.Load(),
		Failed:        s.failed.Load(),
		CacheHits:     s.cacheHits.Load(),
		Deduped:       s.deduped.Load(),
		Retried:       s.retried.Load(),
	}

	if resolved := m.Succeeded + m.Failed; resolved > 0 {
		m.SuccessRate = float64(m.Succeeded) / float64(resolved)
	}
	if m.TotalRequests > 0 {
		m.CacheHitRate = float64(m.CacheHits) / float64(m.TotalRequests)
		m.DedupRate = float64(m.Deduped) / float64(m.TotalRequests)
	}
	if dispatches := s.batchDispatches.Load(); dispatches > 0 {
		m.BatchEfficiency = float64(s.batchedCalls.Load()) / float64(dispatches)
	}
	if count := s.latencyCount.Load(); count > 0 {
		m.AvgLatency = time.Duration(s.latencyNanos.Load() / count) //nolint:gosec // average of durations
	}

	return m
}
