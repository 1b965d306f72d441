package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "teamcache_jobs_created_total", Help: "Cache jobs accepted via the API"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "teamcache_jobs_completed_total", Help: "Jobs that reached completed"})
	ItemsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "teamcache_items_completed_total", Help: "Items fetched successfully"})
	ItemsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "teamcache_items_failed_total", Help: "Items failed permanently"})
	ItemsRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "teamcache_items_retried_total", Help: "Items requeued for retry"})
	ItemsReclaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "teamcache_items_reclaimed_total", Help: "Running items reclaimed after lease expiry"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "teamcache_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	ItemsInFlight    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "teamcache_items_inflight", Help: "Items currently executing in this worker"})
	BytesCached      = prometheus.NewCounter(prometheus.CounterOpts{Name: "teamcache_bytes_cached_total", Help: "Bytes pulled into the cache"})
	LinkMbps         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "teamcache_link_throughput_mbps", Help: "Rolling remote link throughput"})
	S3LatencyMS      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "teamcache_s3_latency_ms", Help: "Last S3 health probe latency"})
	S3Healthy        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "teamcache_s3_healthy", Help: "S3 health probe state (1 healthy)"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsCompleted,
			ItemsCompleted,
			ItemsFailed,
			ItemsRetried,
			ItemsReclaimed,
			RateLimitRejects,
			ItemsInFlight,
			BytesCached,
			LinkMbps,
			S3LatencyMS,
			S3Healthy,
		)
	})
	return promhttp.Handler()
}
