package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "doge"

var (
	// Dispatches counts routing decisions. kind is backend, tunnel, fallback or drop.
	Dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_total",
		Help:      "Inbound events by the handler that took them",
	}, []string{"backend", "kind"})

	// Visits mirrors the visit counter.
	Visits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "visits",
		Help:      "Current home page visit count",
	})

	// CounterPersistErrors counts failed counter writes.
	CounterPersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "counter_persist_errors_total",
		Help:      "Visit counter writes that failed",
	})

	// UpstreamFetches counts remote fetch attempts by result (ok, retry, error).
	UpstreamFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_fetch_total",
		Help:      "Upstream fetch attempts by result",
	}, []string{"result"})

	// BareRequests counts bare relay requests by status class.
	BareRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bare_requests_total",
		Help:      "Bare relay requests by outcome code",
	}, []string{"code"})

	// WispSessions counts accepted wisp websocket sessions.
	WispSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wisp_sessions_total",
		Help:      "Accepted wisp sessions",
	})

	// WispStreams tracks open wisp streams across all sessions.
	WispStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "wisp_streams_active",
		Help:      "Open wisp streams",
	})

	// WispStreamCloses counts stream closes by reason code.
	WispStreamCloses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wisp_stream_close_total",
		Help:      "Wisp stream closes by reason",
	}, []string{"reason"})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Dispatches, Visits, CounterPersistErrors, UpstreamFetches,
		BareRequests, WispSessions, WispStreams, WispStreamCloses,
	)
}

// Registry exposes the gateway's collector registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
