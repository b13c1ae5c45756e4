// Package metrics exposes Prometheus collectors for the cache, media, queue and strategy
// components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coachsync"

// Resolve outcomes.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Dispatch outcomes.
const (
	DispatchSuccess = "success"
	DispatchRetry   = "retry"
	DispatchDrop    = "drop"
)

type Metrics struct {
	resolves         *prometheus.CounterVec
	downloadDuration prometheus.Histogram
	downloadBytes    prometheus.Counter
	cacheBytes       prometheus.Gauge
	cacheEntries     prometheus.Gauge
	evictions        prometheus.Counter
	evictedBytes     prometheus.Counter
	prefetchItems    *prometheus.CounterVec

	queueDepth    prometheus.Gauge
	dispatches    *prometheus.CounterVec
	cycleDuration prometheus.Histogram

	kvSwept prometheus.Counter

	strategyConcurrency prometheus.Gauge
	strategyBandwidth   prometheus.Gauge
	strategyCompression *prometheus.GaugeVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		resolves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "resolves_total",
			Help:      "Media resolve calls by result",
		}, []string{"result"}),
		downloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "download_duration_seconds",
			Help:      "Duration of media downloads",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		downloadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "download_bytes_total",
			Help:      "Bytes downloaded into the media cache",
		}),
		cacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "cache_size_bytes",
			Help:      "Bytes currently held by the media cache",
		}),
		cacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "cache_entries",
			Help:      "Items currently held by the media cache",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "evictions_total",
			Help:      "Media items evicted under capacity pressure",
		}),
		evictedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "evicted_bytes_total",
			Help:      "Bytes reclaimed by eviction",
		}),
		prefetchItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "prefetch_items_total",
			Help:      "Prefetched items by outcome",
		}, []string{"result"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_actions",
			Help:      "Actions waiting for dispatch",
		}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dispatches_total",
			Help:      "Dispatch attempts by domain and outcome",
		}, []string{"domain", "result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of dispatch cycles",
			Buckets:   prometheus.DefBuckets,
		}),
		kvSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kv",
			Name:      "swept_entries_total",
			Help:      "Expired or malformed entries removed by sweeps",
		}),
		strategyConcurrency: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "max_concurrency",
			Help:      "Concurrency ceiling of the current strategy",
		}),
		strategyBandwidth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "target_bandwidth_kbps",
			Help:      "Target bandwidth of the current strategy",
		}),
		strategyCompression: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "compression_level",
			Help:      "Set to 1 for the active compression level",
		}, []string{"level"}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveResolve(result string) {
	if m == nil {
		return
	}
	m.resolves.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDownload(d time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.downloadDuration.Observe(d.Seconds())
	m.downloadBytes.Add(float64(bytes))
}

func (m *Metrics) SetCacheUsage(bytes int64, entries int) {
	if m == nil {
		return
	}
	m.cacheBytes.Set(float64(bytes))
	m.cacheEntries.Set(float64(entries))
}

func (m *Metrics) ObserveEviction(bytes int64) {
	if m == nil {
		return
	}
	m.evictions.Inc()
	m.evictedBytes.Add(float64(bytes))
}

func (m *Metrics) ObservePrefetch(result string) {
	if m == nil {
		return
	}
	m.prefetchItems.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) ObserveDispatch(domain, result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(domain, result).Inc()
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveSweep(removed int) {
	if m == nil {
		return
	}
	m.kvSwept.Add(float64(removed))
}

// SetStrategy publishes the active strategy.
func (m *Metrics) SetStrategy(compression string, concurrency, bandwidthKbps int) {
	if m == nil {
		return
	}
	m.strategyConcurrency.Set(float64(concurrency))
	m.strategyBandwidth.Set(float64(bandwidthKbps))
	m.strategyCompression.Reset()
	m.strategyCompression.WithLabelValues(compression).Set(1)
}
