package metricsx

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by a rate limit policy.",
		},
		[]string{"policy"},
	)
	rateLimitStoreFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_store_failures_total",
			Help: "Rate limit checks that failed open because the store was unreachable.",
		},
		[]string{"policy"},
	)
	upstreamResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_responses_total",
			Help: "Responses relayed from backends by route and status.",
		},
		[]string{"route", "status"},
	)
	upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Transport failures while forwarding to a backend.",
		},
		[]string{"route"},
	)
	upstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Backend round trip latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Events written to the broker by kind and result.",
		},
		[]string{"kind", "result"},
	)
	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Events processed by consumers by kind, group and result.",
		},
		[]string{"kind", "group", "result"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache lookups by entity and result.",
		},
		[]string{"entity", "result"},
	)
	blobstoreRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobstore_requests_total",
			Help: "Object store calls by operation and result.",
		},
		[]string{"op", "result"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	outboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_events",
			Help: "Outbox rows picked up by the last relay scan.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency,
			rateLimitRejections, rateLimitStoreFailures,
			upstreamResponses, upstreamErrors, upstreamLatency,
			eventsPublished, eventsConsumed,
			cacheLookups, blobstoreRequests, kafkaConsumerLag, outboxPending, asynqQueueDepth,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count and latency. The path label keeps only the
// first three segments so entity ids do not explode cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		path := PathLabel(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpLatency.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func PathLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}

func IncRateLimitRejection(policy string) {
	rateLimitRejections.WithLabelValues(policy).Inc()
}

func IncRateLimitStoreFailure(policy string) {
	rateLimitStoreFailures.WithLabelValues(policy).Inc()
}

func ObserveUpstream(route string, status int, d time.Duration) {
	upstreamResponses.WithLabelValues(route, strconv.Itoa(status)).Inc()
	upstreamLatency.WithLabelValues(route).Observe(d.Seconds())
}

func IncUpstreamError(route string) {
	upstreamErrors.WithLabelValues(route).Inc()
}

func IncEventPublished(kind string, ok bool) {
	eventsPublished.WithLabelValues(kind, result(ok)).Inc()
}

func IncEventConsumed(kind string, group string, res string) {
	eventsConsumed.WithLabelValues(kind, group, res).Inc()
}

func IncCacheLookup(entity string, hit bool) {
	r := "miss"
	if hit {
		r = "hit"
	}
	cacheLookups.WithLabelValues(entity, r).Inc()
}

func IncBlobstoreRequest(op string, res string) {
	blobstoreRequests.WithLabelValues(op, res).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func SetOutboxPending(n int) {
	outboxPending.Set(float64(n))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
