// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Streamed segments run longer
// than API calls, hence the upper buckets.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec

	ManifestsRewritten prometheus.Counter
	ManifestLines      *prometheus.CounterVec
	PassthroughBytes   prometheus.Counter
	RejectedTargets    *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_proxy_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers arrive, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "mode"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_upstream_responses_total",
			Help: "Total upstream responses by method, fetch mode and status code.",
		}, []string{"method", "mode", "status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_upstream_failures_total",
			Help: "Upstream fetches that failed before a response arrived, by reason.",
		}, []string{"mode", "reason"}),

		ManifestsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_proxy_manifests_rewritten_total",
			Help: "Manifests fetched and rewritten.",
		}),

		ManifestLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_manifest_lines_total",
			Help: "Manifest lines processed, by outcome.",
		}, []string{"outcome"}),

		PassthroughBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_proxy_passthrough_bytes_total",
			Help: "Bytes relayed to clients on the passthrough path.",
		}),

		RejectedTargets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_proxy_rejected_targets_total",
			Help: "Target URLs rejected before any upstream I/O, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.ManifestsRewritten,
		m.ManifestLines,
		m.PassthroughBytes,
		m.RejectedTargets,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// PathNormalizer maps request paths to a bounded set of label values.
type PathNormalizer struct {
	prefixes []string
}

// NewPathNormalizer returns a normalizer for the given route prefixes.
func NewPathNormalizer(prefixes ...string) *PathNormalizer {
	return &PathNormalizer{prefixes: prefixes}
}

// Normalize returns the matching prefix, or "other".
func (n *PathNormalizer) Normalize(path string) string {
	for _, prefix := range n.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return prefix
		}
	}
	return "other"
}
