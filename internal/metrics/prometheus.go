package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"inferd/pkg/types"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Total requests resolved by the engine",
		},
		[]string{"outcome", "priority"},
	)

	tokensTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "tokens_generated_total",
			Help:      "Total tokens generated across all requests",
		},
	)

	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "dispatch_duration_seconds",
			Help:      "Backend dispatch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "batch_size",
			Help:      "Requests per dispatched batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "inferd",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending requests by priority bucket",
		},
		[]string{"priority"},
	)

	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Response cache hits",
		},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Response cache misses",
		},
	)

	modelLoadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "registry",
			Name:      "model_loads_total",
			Help:      "Total backend loads",
		},
	)

	modelEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "registry",
			Name:      "model_evictions_total",
			Help:      "Total backends evicted under memory pressure",
		},
	)
)

// ObserveDispatch records timing and token volume for a backend dispatch.
func ObserveDispatch(resp types.Response) {
	dispatchDuration.Observe(resp.ProcessedIn.Seconds())
	if resp.TokensGenerated > 0 {
		tokensTotal.Add(float64(resp.TokensGenerated))
	}
}

// ObserveRequest records a resolved request with its priority label.
func ObserveRequest(outcome string, priority types.Priority) {
	requestsTotal.WithLabelValues(outcome, priority.String()).Inc()
}

// ObserveBatch records the size of a dispatched batch.
func ObserveBatch(size int) {
	batchSize.Observe(float64(size))
}

// SetQueueDepth publishes the current per-priority queue depth.
func SetQueueDepth(stats types.QueueStats) {
	for p, n := range stats.PendingByPriority {
		queueDepth.WithLabelValues(p).Set(float64(n))
	}
}

// IncCacheHit / IncCacheMiss track response-cache effectiveness.
func IncCacheHit()  { cacheHitsTotal.Inc() }
func IncCacheMiss() { cacheMissesTotal.Inc() }

// IncModelLoad / IncModelEviction track registry lifecycle churn.
func IncModelLoad()     { modelLoadsTotal.Inc() }
func IncModelEviction() { modelEvictionsTotal.Inc() }
