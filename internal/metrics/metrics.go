package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: how many reports were served from the cache.
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "report_cache_hits_total",
			Help: "Total number of report cache hits.",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "report_cache_misses_total",
			Help: "Total number of report cache misses.",
		},
	)

	// Counter: callers that joined an in-flight generation instead of starting one.
	CoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "report_coalesced_total",
			Help: "Total number of requests served by an already running generation.",
		},
	)

	// Counter by result: success | error | timeout.
	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "report_generations_total",
			Help: "Total number of generation backend calls by result.",
		},
		[]string{"result"},
	)

	// Histogram: generation backend latency in seconds. Local models are slow.
	GenerationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "report_generation_seconds",
			Help:    "Generation backend call latency in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	PersistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "report_persist_failures_total",
			Help: "Total number of reports that could not be written to the persistence sink.",
		},
	)

	// Histogram: gateway HTTP latency in seconds.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"path", "method", "status_code"},
	)
)

var registerOnce sync.Once

// Register is called once in main() to register metrics.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CacheHitsTotal,
			CacheMissesTotal,
			CoalescedTotal,
			GenerationsTotal,
			GenerationSeconds,
			PersistFailuresTotal,
			GatewayLatencySeconds,
		)
	})
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		GatewayLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
