// Package metrics exposes Prometheus collectors for both proxy tiers.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	proxyRequestsTotal         *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	queueDepth                 prometheus.Gauge
	activeHandlers             *prometheus.GaugeVec
	crawlPagesTotal            *prometheus.CounterVec
	packagedBytesTotal         prometheus.Counter
	unpackedBytesTotal         *prometheus.CounterVec
	upstreamFetchesTotal       *prometheus.CounterVec
	upstreamBytesTotal         prometheus.Counter
	upstreamDurationSeconds    *prometheus.HistogramVec
	dispatchDurationSeconds    *prometheus.HistogramVec
	throttleDelaySeconds       *prometheus.HistogramVec
	hostWaitSeconds            *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		proxyRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcproxy_requests_total",
				Help: "Proxied requests, labeled by proxy role and outcome.",
			},
			[]string{"role", "outcome"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcproxy_cache_lookups_total",
				Help: "Cache lookups made by the local proxy, labeled by result.",
			},
			[]string{"result"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rcproxy_queue_depth",
				Help: "Requests waiting in the global dispatch queue.",
			},
		)

		activeHandlers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rcproxy_active_handlers",
				Help: "Connections currently being served, labeled by role.",
			},
			[]string{"role"},
		)

		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcproxy_crawl_pages_total",
				Help: "Records processed by the remote crawl, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		packagedBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rcproxy_packaged_bytes_total",
				Help: "Content bytes shipped in packages by the remote proxy.",
			},
		)

		unpackedBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcproxy_unpacked_bytes_total",
				Help: "Content bytes unpacked by the local proxy, labeled by result.",
			},
			[]string{"result"},
		)

		upstreamFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcproxy_upstream_fetches_total",
				Help: "Upstream round trips made by the remote crawl, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		upstreamBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rcproxy_upstream_bytes_total",
				Help: "Body bytes read from upstream servers.",
			},
		)

		upstreamDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcproxy_upstream_duration_seconds",
				Help:    "Upstream round trip latency, labeled by method.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method"},
		)

		dispatchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcproxy_dispatch_duration_seconds",
				Help:    "Time spent servicing one queued request, labeled by outcome.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"outcome"},
		)

		throttleDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcproxy_throttle_delay_seconds",
				Help:    "Time writers spent waiting on the bandwidth cap, labeled by direction.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"direction"},
		)

		hostWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcproxy_host_wait_seconds",
				Help:    "Time the crawl waited before contacting a host again, labeled by site.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rcproxy_http_requests_total",
				Help: "Control plane requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rcproxy_http_request_duration_seconds",
				Help:    "Control plane latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProxyRequest counts one proxied request.
func ObserveProxyRequest(role, outcome string) {
	Init()
	proxyRequestsTotal.WithLabelValues(role, outcome).Inc()
}

// ObserveCacheLookup counts a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetQueueDepth publishes the global queue length.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// IncActiveHandlers increments the active handler gauge for role.
func IncActiveHandlers(role string) {
	Init()
	activeHandlers.WithLabelValues(role).Inc()
}

// DecActiveHandlers decrements the active handler gauge for role.
func DecActiveHandlers(role string) {
	Init()
	activeHandlers.WithLabelValues(role).Dec()
}

// ObserveCrawlPage counts one crawl record outcome.
func ObserveCrawlPage(site, status string) {
	Init()
	crawlPagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// AddPackagedBytes records content shipped in a package.
func AddPackagedBytes(n int64) {
	Init()
	if n > 0 {
		packagedBytesTotal.Add(float64(n))
	}
}

// ObserveUnpack records the bytes written by one unpack.
func ObserveUnpack(n int64, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	counter := unpackedBytesTotal.WithLabelValues(result)
	if n > 0 {
		counter.Add(float64(n))
	}
}

// ObserveFetch records one upstream round trip. code is zero for transport
// failures.
func ObserveFetch(method string, code int, duration time.Duration, bytesRead int64) {
	Init()
	upstreamFetchesTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	upstreamDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
	if bytesRead > 0 {
		upstreamBytesTotal.Add(float64(bytesRead))
	}
}

// ObserveDispatch records how long one queued request took.
func ObserveDispatch(outcome string, duration time.Duration) {
	Init()
	dispatchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveThrottleDelay records the duration of a bandwidth wait.
func ObserveThrottleDelay(direction string, duration time.Duration) {
	Init()
	throttleDelaySeconds.WithLabelValues(direction).Observe(duration.Seconds())
}

// ObserveHostWait records a per-host politeness delay.
func ObserveHostWait(site string, duration time.Duration) {
	Init()
	hostWaitSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the control plane request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
