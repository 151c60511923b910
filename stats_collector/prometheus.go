package stats_collector

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	storageReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_reads",
			Help: "Total number of backend reads",
		},
		[]string{"status"},
	)
	storageWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_writes",
			Help: "Total number of physical backend writes",
		},
		[]string{"source", "status"},
	)
	writeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_write_latency_seconds",
			Help:    "Latency of physical backend writes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
	coalescedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalesced_requests",
			Help: "Total number of write requests merged into an already pending key",
		},
		[]string{"key"},
	)
	batchedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batched_requests",
			Help: "Total number of queued entries written by batch flushes",
		},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups",
			Help: "State cache lookups by result",
		},
		[]string{"result"},
	)
	errorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors",
			Help: "Total number of errors by component",
		},
		[]string{"component"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_processed",
			Help: "Total number of intents processed",
		},
		[]string{"intent"},
	)
	rateLimitFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_flushes",
			Help: "Total number of synchronous flushes forced by the write rate ceiling",
		},
	)
	quotaCleanups = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_cleanups",
			Help: "Total number of quota remediation runs",
		},
	)
	quotaCleanupKeys = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_cleanup_keys",
			Help: "Total number of non-essential keys removed by quota remediation",
		},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Entries waiting in a write-behind queue",
		},
		[]string{"queue"},
	)
)

var _ StatsCollector = (*promCollector)(nil)

type promCollector struct {
}

func (col *promCollector) IncStorageReads(status string) {
	storageReads.WithLabelValues(status).Inc()
}

func (col *promCollector) IncStorageWrites(source, status string) {
	storageWrites.WithLabelValues(source, status).Inc()
}

func (col *promCollector) ObserveWriteLatency(source string, duration time.Duration) {
	writeLatency.WithLabelValues(source).Observe(duration.Seconds())
}

func (col *promCollector) IncCoalescedRequests(key string) {
	coalescedRequests.WithLabelValues(key).Inc()
}

func (col *promCollector) AddBatchedRequests(count int) {
	batchedRequests.Add(float64(count))
}

func (col *promCollector) IncCacheLookups(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

func (col *promCollector) IncErrors(component string) {
	errorCount.WithLabelValues(component).Inc()
}

func (col *promCollector) IncMessages(intent string) {
	messages.WithLabelValues(intent).Inc()
}

func (col *promCollector) IncRateLimitFlushes() {
	rateLimitFlushes.Inc()
}

func (col *promCollector) AddQuotaCleanup(removed int) {
	quotaCleanups.Inc()
	quotaCleanupKeys.Add(float64(removed))
}

func (col *promCollector) SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func initPrometheus() {
	prometheus.MustRegister(
		storageReads, storageWrites, writeLatency,

		coalescedRequests, batchedRequests,

		cacheLookups, errorCount, messages,

		rateLimitFlushes, quotaCleanups, quotaCleanupKeys, queueDepth,
	)
}

var initOnce sync.Once

func NewPrometheusCollector() StatsCollector {
	initOnce.Do(initPrometheus)
	return &promCollector{}
}
