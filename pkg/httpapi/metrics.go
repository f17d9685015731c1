package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects per-route request counts and sign/verify latency.
type Metrics struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	signVerify   *prometheus.HistogramVec
	registry     *prometheus.Registry
}

// NewMetrics builds a fresh, process-local registry so repeated Server
// construction in tests never collides on global metric registration.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cpoe_http_requests_total",
			Help: "Total HTTP requests handled, by path and status code.",
		}, []string{"path", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cpoe_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		signVerify: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cpoe_sign_verify_duration_seconds",
			Help:    "Ed25519 sign/verify latency in seconds, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(path string, status int, d time.Duration) {
	m.requests.WithLabelValues(path, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(path).Observe(d.Seconds())
}

// ObserveSignVerify records one sign or verify call's duration.
func (m *Metrics) ObserveSignVerify(operation string, d time.Duration) {
	m.signVerify.WithLabelValues(operation).Observe(d.Seconds())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
