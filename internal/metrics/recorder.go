// Package metrics provides rolling observability without unbounded memory
// growth: a bounded ring of per-request samples for window summaries, plus
// Prometheus collectors for scrape-based export.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"inferd/pkg/types"
)

const DefaultWindowSize = 1000

type sample struct {
	at           time.Time
	processing   time.Duration
	queueWait    time.Duration
	tokensPerSec float64
	batchSize    int
	cacheHit     bool
}

// Recorder appends fixed-size numeric samples to a ring buffer. Writes are
// append-only; reads are used for reporting only, never for control
// decisions.
type Recorder struct {
	mu      sync.Mutex
	samples []sample
	next    int
	full    bool
	errors  map[string]uint64
}

func NewRecorder(windowSize int) *Recorder {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Recorder{
		samples: make([]sample, windowSize),
		errors:  make(map[string]uint64),
	}
}

// Record appends one sample, overwriting the oldest at capacity.
func (r *Recorder) Record(resp types.Response) {
	tps := 0.0
	if secs := resp.ProcessedIn.Seconds(); secs > 0 {
		tps = float64(resp.TokensGenerated) / secs
	}
	s := sample{
		at:           time.Now(),
		processing:   resp.ProcessedIn,
		queueWait:    resp.QueueWait,
		tokensPerSec: tps,
		batchSize:    resp.BatchSize,
		cacheHit:     resp.CacheHit,
	}
	r.mu.Lock()
	r.samples[r.next] = s
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// RecordError bumps the counter for one error-taxonomy kind.
func (r *Recorder) RecordError(kind string) {
	r.mu.Lock()
	r.errors[kind]++
	r.mu.Unlock()
}

// Errors returns a copy of the error counters.
func (r *Recorder) Errors() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.errors))
	for k, v := range r.errors {
		out[k] = v
	}
	return out
}

// Summary aggregates samples newer than the window cutoff. When the window
// holds zero samples the NoData marker is set so callers never divide by
// zero.
func (r *Recorder) Summary(window time.Duration) types.PerformanceSummary {
	cutoff := time.Now().Add(-window)

	r.mu.Lock()
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	recent := make([]sample, 0, n)
	for i := 0; i < n; i++ {
		if r.samples[i].at.After(cutoff) {
			recent = append(recent, r.samples[i])
		}
	}
	r.mu.Unlock()

	if len(recent) == 0 {
		return types.PerformanceSummary{NoData: true}
	}

	procMs := make([]float64, len(recent))
	var sumProc, sumWait, sumTps float64
	hits := 0
	for i, s := range recent {
		procMs[i] = float64(s.processing) / float64(time.Millisecond)
		sumProc += procMs[i]
		sumWait += float64(s.queueWait) / float64(time.Millisecond)
		sumTps += s.tokensPerSec
		if s.cacheHit {
			hits++
		}
	}
	sort.Float64s(procMs)
	count := float64(len(recent))

	return types.PerformanceSummary{
		Count:             len(recent),
		MeanProcessingMs:  sumProc / count,
		P50ProcessingMs:   percentile(procMs, 0.50),
		P90ProcessingMs:   percentile(procMs, 0.90),
		P99ProcessingMs:   percentile(procMs, 0.99),
		MeanQueueWaitMs:   sumWait / count,
		MeanTokensPerSec:  sumTps / count,
		CacheHitRate:      float64(hits) / count,
		RequestsPerMinute: count / window.Minutes(),
	}
}

// percentile picks from a sorted slice by nearest-rank: the smallest value
// with at least q of the samples at or below it.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
