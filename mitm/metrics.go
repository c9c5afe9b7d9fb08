package mitm

import (
	"github.com/sagernet/sing-mitm/flow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "sing_mitm"

// Metrics is safe to use as a nil pointer, which records nothing.
type Metrics struct {
	connectionsActive  prometheus.Gauge
	flowsTotal         *prometheus.CounterVec
	hookErrors         *prometheus.CounterVec
	certificatesIssued prometheus.Counter
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Client connections currently being processed",
		}),
		flowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flows_total",
			Help:      "Completed flows by type and outcome",
		}, []string{"type", "status"}),
		hookErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hook_errors_total",
			Help:      "Interception hooks that failed or timed out",
		}, []string{"hook"}),
		certificatesIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "certificates_issued_total",
			Help:      "Leaf certificates generated",
		}),
	}
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) flowFinished(record flow.Record) {
	if m == nil {
		return
	}
	base := record.Base()
	status := "ok"
	if base.Error != nil {
		status = base.Error.Kind.String()
	}
	m.flowsTotal.WithLabelValues(base.Type, status).Inc()
}

func (m *Metrics) hookFailed(hook string) {
	if m != nil {
		m.hookErrors.WithLabelValues(hook).Inc()
	}
}

func (m *Metrics) certificateIssued() {
	if m != nil {
		m.certificatesIssued.Inc()
	}
}
