// Package metrics collects and exposes the agent's Prometheus metrics,
// grounded on the teacher's internal/metrics.Collector shape (one struct
// of pre-registered collectors, exposed on its own HTTP server) but
// re-keyed from job-queue counters to the node agent's own domain:
// sessions, computations, router traffic, and the ban list.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the process's Prometheus collectors. A process creates
// exactly one; a second NewCollector call panics on duplicate
// registration, same as the teacher's.
type Collector struct {
	sessionsCreated prometheus.Counter
	sessionsDeleted prometheus.Counter
	sessionsActive  prometheus.Gauge

	computationsSpawned prometheus.Counter
	computationsExited  prometheus.Counter
	computationsRunning prometheus.Gauge

	routerEnvelopesForwarded prometheus.Counter
	routerEnvelopesStashed   prometheus.Counter
	routerEnvelopesDropped   *prometheus.CounterVec

	httpRequestDuration *prometheus.HistogramVec
	httpBanned          prometheus.Counter

	eventPipelineDepth   prometheus.Gauge
	eventDeliveryFailure *prometheus.CounterVec
}

// NewCollector builds and registers every metric against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_sessions_created_total",
			Help: "Total number of sessions created on this node.",
		}),
		sessionsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_sessions_deleted_total",
			Help: "Total number of sessions deleted on this node.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_sessions_active",
			Help: "Sessions currently Free or Busy on this node.",
		}),
		computationsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_computations_spawned_total",
			Help: "Total number of computation processes started.",
		}),
		computationsExited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_computations_exited_total",
			Help: "Total number of computation processes that have exited.",
		}),
		computationsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_computations_running",
			Help: "Computation processes currently running.",
		}),
		routerEnvelopesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_router_envelopes_forwarded_total",
			Help: "Envelopes successfully forwarded to a live peer.",
		}),
		routerEnvelopesStashed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_router_envelopes_stashed_total",
			Help: "Envelopes buffered because their destination client was not yet connected.",
		}),
		routerEnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_router_envelopes_dropped_total",
			Help: "Envelopes dropped, labeled by reason.",
		}, []string{"reason"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_http_request_duration_seconds",
			Help:    "HTTP surface request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
		httpBanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_http_banned_requests_total",
			Help: "Requests rejected with 429 because the source was on the ban list.",
		}),
		eventPipelineDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_event_pipeline_depth",
			Help: "Events currently queued for delivery to the Coordinator.",
		}),
		eventDeliveryFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_event_delivery_failures_total",
			Help: "Coordinator event deliveries that did not return 2xx/3xx, by event type.",
		}, []string{"event"}),
	}

	prometheus.MustRegister(
		c.sessionsCreated, c.sessionsDeleted, c.sessionsActive,
		c.computationsSpawned, c.computationsExited, c.computationsRunning,
		c.routerEnvelopesForwarded, c.routerEnvelopesStashed, c.routerEnvelopesDropped,
		c.httpRequestDuration, c.httpBanned,
		c.eventPipelineDepth, c.eventDeliveryFailure,
	)

	return c
}

func (c *Collector) SessionCreated()          { c.sessionsCreated.Inc() }
func (c *Collector) SessionDeleted()          { c.sessionsDeleted.Inc() }
func (c *Collector) SetActiveSessions(n int)  { c.sessionsActive.Set(float64(n)) }

func (c *Collector) ComputationSpawned()         { c.computationsSpawned.Inc() }
func (c *Collector) ComputationExited()          { c.computationsExited.Inc() }
func (c *Collector) SetRunningComputations(n int) { c.computationsRunning.Set(float64(n)) }

func (c *Collector) EnvelopeForwarded()      { c.routerEnvelopesForwarded.Inc() }
func (c *Collector) EnvelopeStashed()        { c.routerEnvelopesStashed.Inc() }
func (c *Collector) EnvelopeDropped(reason string) {
	c.routerEnvelopesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveHTTPRequest(route, status string, seconds float64) {
	c.httpRequestDuration.WithLabelValues(route, status).Observe(seconds)
}

func (c *Collector) RequestBanned() { c.httpBanned.Inc() }

func (c *Collector) SetEventPipelineDepth(n int) { c.eventPipelineDepth.Set(float64(n)) }
func (c *Collector) EventDeliveryFailed(event string) {
	c.eventDeliveryFailure.WithLabelValues(event).Inc()
}

// StartServer serves /metrics on its own port, isolated from the
// Coordinator-facing HTTP surface and its ban list.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
