// Package metrics implements the broker's get_metrics/api/metrics
// backing store: counters and gauges for spawns, deliveries, retries,
// and relay reconnects, surfaced as a flat name->value snapshot.
//
// The metric set and naming convention (warren_-style snake_case
// subject_verb_total/seconds names, one package-level Metrics struct
// rather than loose package vars) is grounded on
// cuemby-warren/pkg/metrics/metrics.go, adapted to a per-instance
// prometheus.Registry instead of the default global registerer so a
// broker process (and its tests) can construct more than one Metrics
// without a duplicate-registration panic.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the broker's Prometheus collectors behind its own
// registry. Both internal/orchestrator's MetricsProvider and
// internal/httpapi's MetricsProvider are satisfied by Snapshot.
type Metrics struct {
	reg *prometheus.Registry

	spawnsTotal     *prometheus.CounterVec
	releasesTotal   prometheus.Counter
	deliveriesTotal *prometheus.CounterVec
	retriesTotal    prometheus.Counter
	deliveryLatency prometheus.Histogram
	relayReconnects prometheus.Counter
	relayDisabled   prometheus.Gauge
	agentsActive    prometheus.Gauge
	reapedTotal     prometheus.Counter
}

// New builds a Metrics with its own registry and registers every
// collector on it.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		spawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_agent_spawns_total",
			Help: "Total number of spawn_agent calls by cli and runtime.",
		}, []string{"cli", "runtime"}),
		releasesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_agent_releases_total",
			Help: "Total number of release_agent calls.",
		}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_deliveries_total",
			Help: "Total number of deliveries by terminal outcome (ack, failed).",
		}, []string{"outcome"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_delivery_retries_total",
			Help: "Total number of delivery retry attempts beyond the first.",
		}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_delivery_latency_seconds",
			Help:    "Time from enqueue to a delivery's terminal state.",
			Buckets: prometheus.DefBuckets,
		}),
		relayReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_relay_reconnects_total",
			Help: "Total number of relay WebSocket reconnect attempts.",
		}),
		relayDisabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_relay_disabled",
			Help: "1 if the relay path has been permanently disabled by a fatal error, else 0.",
		}),
		agentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_agents_active",
			Help: "Number of agents currently registered.",
		}),
		reapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_agents_reaped_total",
			Help: "Total number of untracked worker exits caught by the background reaper.",
		}),
	}

	m.reg.MustRegister(
		m.spawnsTotal,
		m.releasesTotal,
		m.deliveriesTotal,
		m.retriesTotal,
		m.deliveryLatency,
		m.relayReconnects,
		m.relayDisabled,
		m.agentsActive,
		m.reapedTotal,
	)
	return m
}

// Handler returns the promhttp handler for this Metrics' own registry,
// suitable for mounting at /api/metrics in Prometheus exposition format
// alongside the JSON Snapshot used by the orchestrator/HTTP JSON paths.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSpawn(cli, runtime string) {
	m.spawnsTotal.WithLabelValues(cli, runtime).Inc()
}

func (m *Metrics) RecordRelease() { m.releasesTotal.Inc() }

func (m *Metrics) RecordDelivery(outcome string, latency time.Duration) {
	m.deliveriesTotal.WithLabelValues(outcome).Inc()
	m.deliveryLatency.Observe(latency.Seconds())
}

func (m *Metrics) RecordRetry() { m.retriesTotal.Inc() }

func (m *Metrics) RecordRelayReconnect() { m.relayReconnects.Inc() }

func (m *Metrics) SetRelayDisabled(disabled bool) {
	if disabled {
		m.relayDisabled.Set(1)
		return
	}
	m.relayDisabled.Set(0)
}

func (m *Metrics) SetActiveAgents(n int) { m.agentsActive.Set(float64(n)) }

func (m *Metrics) RecordReaped() { m.reapedTotal.Inc() }

// Snapshot flattens every collector's current value into a name->value
// map, matching orchestrator.MetricsProvider and httpapi.MetricsProvider's
// Snapshot() map[string]float64 signature. Vector metrics are flattened
// to "<name>{<label>=<value>,...}" keys so per-label series stay
// distinguishable in the flat map.
func (m *Metrics) Snapshot() map[string]float64 {
	families, err := m.reg.Gather()
	if err != nil {
		return map[string]float64{}
	}
	out := make(map[string]float64, len(families))
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			key := snapshotKey(fam.GetName(), metric)
			switch {
			case metric.Counter != nil:
				out[key] = metric.Counter.GetValue()
			case metric.Gauge != nil:
				out[key] = metric.Gauge.GetValue()
			case metric.Histogram != nil:
				out[key+"_sum"] = metric.Histogram.GetSampleSum()
				out[key+"_count"] = float64(metric.Histogram.GetSampleCount())
			}
		}
	}
	return out
}

func snapshotKey(name string, metric *dto.Metric) string {
	labels := metric.GetLabel()
	if len(labels) == 0 {
		return name
	}
	key := name + "{"
	for i, l := range labels {
		if i > 0 {
			key += ","
		}
		key += l.GetName() + "=" + l.GetValue()
	}
	return key + "}"
}
