package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the backend. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	gatherer prometheus.Gatherer

	readings        *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	egress          *prometheus.CounterVec
	storageFailures prometheus.Counter
	mqttConnected   prometheus.Gauge
}

// New registers the collectors on a fresh registry that also exposes the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: gatherer,
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smarthome_readings_total",
			Help: "Accepted sensor readings by ingress source.",
		}, []string{"source"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smarthome_readings_rejected_total",
			Help: "Rejected sensor payloads by ingress source.",
		}, []string{"source"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smarthome_actuator_transitions_total",
			Help: "Committed actuator transitions.",
		}, []string{"actuator", "state", "trigger"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smarthome_alerts_total",
			Help: "Alerts raised by type.",
		}, []string{"type"}),
		egress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smarthome_egress_total",
			Help: "Egress attempts by sink and outcome.",
		}, []string{"sink", "outcome"}),
		storageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smarthome_storage_failures_total",
			Help: "Failed writes to the reading store.",
		}),
		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smarthome_mqtt_connected",
			Help: "1 when the broker connection is up.",
		}),
	}

	reg.MustRegister(
		m.readings,
		m.rejected,
		m.transitions,
		m.alerts,
		m.egress,
		m.storageFailures,
		m.mqttConnected,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ReadingAccepted(source string) {
	if m == nil {
		return
	}
	m.readings.WithLabelValues(source).Inc()
}

func (m *Metrics) ReadingRejected(source string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(source).Inc()
}

func (m *Metrics) Transition(actuator, state string, auto bool) {
	if m == nil {
		return
	}
	trigger := "manual"
	if auto {
		trigger = "auto"
	}
	m.transitions.WithLabelValues(actuator, state, trigger).Inc()
}

func (m *Metrics) Alert(alertType string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(alertType).Inc()
}

func (m *Metrics) Egress(sink, outcome string) {
	if m == nil {
		return
	}
	m.egress.WithLabelValues(sink, outcome).Inc()
}

func (m *Metrics) StorageFailure() {
	if m == nil {
		return
	}
	m.storageFailures.Inc()
}

func (m *Metrics) MQTTConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.mqttConnected.Set(1)
	} else {
		m.mqttConnected.Set(0)
	}
}
