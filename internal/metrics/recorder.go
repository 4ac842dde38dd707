// Package metrics accumulates cache hit-ratio, fetch latency, and
// error counters for the orchestrator.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Recorder accumulates counters. Counter increments are atomic so the
// lock-free cache-hit path can record without contention.
type Recorder struct {
	hits       int64
	misses     int64
	errors     int64
	fetches    int64
	recoveries int64

	mu        sync.Mutex
	latencies map[string]*latency
}

type latency struct {
	count int64
	total time.Duration
	max   time.Duration
}

// DomainLatency is an exported latency snapshot for one domain.
type DomainLatency struct {
	Count   int64         `json:"count"`
	Average time.Duration `json:"average"`
	Max     time.Duration `json:"max"`
}

// Snapshot is a point-in-time export of all counters.
type Snapshot struct {
	Hits       int64                    `json:"hits"`
	Misses     int64                    `json:"misses"`
	Errors     int64                    `json:"errors"`
	Fetches    int64                    `json:"fetches"`
	Recoveries int64                    `json:"recoveries"`
	HitRatio   float64                  `json:"hit_ratio"`
	Latency    map[string]DomainLatency `json:"latency"`
}

// NewRecorder builds an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{latencies: make(map[string]*latency)}
}

// Hit records a fresh cache hit.
func (r *Recorder) Hit() { atomic.AddInt64(&r.hits, 1) }

// Miss records a cache miss.
func (r *Recorder) Miss() { atomic.AddInt64(&r.misses, 1) }

// Error records a failed hydration.
func (r *Recorder) Error() { atomic.AddInt64(&r.errors, 1) }

// Recovery records a busy-timeout recovery.
func (r *Recorder) Recovery() { atomic.AddInt64(&r.recoveries, 1) }

// Fetch records one completed remote call and its latency.
func (r *Recorder) Fetch(domain string, took time.Duration) {
	atomic.AddInt64(&r.fetches, 1)

	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.latencies[domain]
	if !ok {
		l = &latency{}
		r.latencies[domain] = l
	}
	l.count++
	l.total += took
	if took > l.max {
		l.max = took
	}
}

// HitRatio returns hits/(hits+misses), zero when no reads happened.
func (r *Recorder) HitRatio() float64 {
	hits := atomic.LoadInt64(&r.hits)
	misses := atomic.LoadInt64(&r.misses)
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Snapshot exports all counters.
func (r *Recorder) Snapshot() Snapshot {
	snap := Snapshot{
		Hits:       atomic.LoadInt64(&r.hits),
		Misses:     atomic.LoadInt64(&r.misses),
		Errors:     atomic.LoadInt64(&r.errors),
		Fetches:    atomic.LoadInt64(&r.fetches),
		Recoveries: atomic.LoadInt64(&r.recoveries),
		HitRatio:   r.HitRatio(),
		Latency:    make(map[string]DomainLatency),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for domain, l := range r.latencies {
		dl := DomainLatency{Count: l.count, Max: l.max}
		if l.count > 0 {
			dl.Average = l.total / time.Duration(l.count)
		}
		snap.Latency[domain] = dl
	}
	return snap
}
