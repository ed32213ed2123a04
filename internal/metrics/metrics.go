package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	reqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	reqInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "In-flight HTTP requests",
		},
	)

	reqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	cacheItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_items",
			Help: "Approximate number of items in the in-process cache",
		},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	cacheDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_backend_degraded",
			Help: "1 while the durable cache backend is unreachable and the fallback map is serving",
		},
	)

	upstreamFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_fetches_total",
			Help: "On-demand upstream fetches by kind and result",
		},
		[]string{"kind", "result"},
	)

	upstreamEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_events_total",
			Help: "Upstream push events by kind and result",
		},
		[]string{"kind", "result"},
	)

	broadcastMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_messages_total",
			Help: "Per-subscriber fan-out deliveries by result",
		},
		[]string{"result"},
	)

	subscriptionTopics = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscription_topics",
			Help: "Topics with at least one subscriber",
		},
	)

	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Open websocket connections",
		},
	)

	logTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_log_total",
			Help: "Log entries by level",
		},
		[]string{"level"},
	)
)

func init() {
	Registry.MustRegister(
		reqTotal, reqInFlight, reqDuration,
		cacheItems, cacheLookups, cacheDegraded,
		upstreamFetches, upstreamEvents,
		broadcastMessages, subscriptionTopics, wsConnections,
		logTotal,
	)
}

// CacheSizer provides ability to get cache size
// Implemented by cache.MemoryStore via Len()
type CacheSizer interface{ Len() int }

// UpdateCacheItems gauges current cache size
func UpdateCacheItems(c CacheSizer) {
	if c == nil {
		return
	}
	cacheItems.Set(float64(c.Len()))
}

// ObserveCacheLookup counts a typed cache read
func ObserveCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(cache, result).Inc()
}

// SetCacheDegraded flips the degraded gauge
func SetCacheDegraded(degraded bool) {
	if degraded {
		cacheDegraded.Set(1)
		return
	}
	cacheDegraded.Set(0)
}

// ObserveUpstreamFetch counts an on-demand fetch; result is ok, not_found or unavailable
func ObserveUpstreamFetch(kind, result string) {
	upstreamFetches.WithLabelValues(kind, result).Inc()
}

// ObserveUpstreamEvent counts a push event; result is processed or dropped
func ObserveUpstreamEvent(kind, result string) {
	upstreamEvents.WithLabelValues(kind, result).Inc()
}

// ObserveBroadcast counts the outcome of one broadcast
func ObserveBroadcast(delivered, dropped int) {
	if delivered > 0 {
		broadcastMessages.WithLabelValues("delivered").Add(float64(delivered))
	}
	if dropped > 0 {
		broadcastMessages.WithLabelValues("dropped").Add(float64(dropped))
	}
}

// SetTopics gauges the number of live topics
func SetTopics(n int) { subscriptionTopics.Set(float64(n)) }

// WSConnected and WSDisconnected track open websocket connections
func WSConnected()    { wsConnections.Inc() }
func WSDisconnected() { wsConnections.Dec() }

// ObserveLog counts a log entry at the given level
func ObserveLog(level string) { logTotal.WithLabelValues(level).Inc() }

// Middleware instruments HTTP requests
func Middleware(route string, next http.Handler, sizer CacheSizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqInFlight.Inc()
		defer reqInFlight.Dec()

		// Capture status code
		rw := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		dur := time.Since(start).Seconds()
		reqDuration.WithLabelValues(r.Method, route).Observe(dur)
		reqTotal.WithLabelValues(r.Method, route, http.StatusText(rw.status)).Inc()

		// Update cache items gauge opportunistically
		UpdateCacheItems(sizer)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the instrumented writer
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Handler returns a promhttp handler for the Registry
func Handler() http.Handler { return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}) }
