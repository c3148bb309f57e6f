// Package metrics exposes per-road counters and gauges to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roadwatch"

// Metrics holds the collectors updated by the orchestrator.
type Metrics struct {
	Publishes         *prometheus.CounterVec
	RejectedPublishes *prometheus.CounterVec
	Restarts          *prometheus.CounterVec
	WorkerStatus      *prometheus.GaugeVec
	VehicleCount      *prometheus.GaugeVec
	AverageSpeed      *prometheus.GaugeVec
	P85Speed          *prometheus.GaugeVec
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "publishes_total",
			Help: "Snapshots accepted into the shared state store.",
		}, []string{"road"}),
		RejectedPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "rejected_publishes_total",
			Help: "Publishes rejected because they came from a stale worker incarnation.",
		}, []string{"road"}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "restarts_total",
			Help: "Worker respawns after a crash.",
		}, []string{"road"}),
		WorkerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "status",
			Help: "1 for the worker's current status, 0 otherwise.",
		}, []string{"road", "status"}),
		VehicleCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "road", Name: "vehicle_count",
			Help: "Confirmed vehicles currently inside the region of interest.",
		}, []string{"road"}),
		AverageSpeed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "road", Name: "average_speed_mps",
			Help: "Mean finalized speed over the rolling window.",
		}, []string{"road"}),
		P85Speed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "road", Name: "p85_speed_mps",
			Help: "85th percentile finalized speed over the rolling window.",
		}, []string{"road"}),
	}
	registerer.MustRegister(
		m.Publishes,
		m.RejectedPublishes,
		m.Restarts,
		m.WorkerStatus,
		m.VehicleCount,
		m.AverageSpeed,
		m.P85Speed,
	)
	return m
}

// SetStatus marks status as the road's only current status.
func (m *Metrics) SetStatus(road string, status string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.WorkerStatus.WithLabelValues(road, s).Set(v)
	}
}

// NewRegistry returns a registry with the process and Go runtime
// collectors already registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return reg
}

// Handler serves the registry in the prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
