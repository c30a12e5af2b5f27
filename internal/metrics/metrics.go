// Package metrics holds the Prometheus collectors shared by the node agent,
// the orchestrator and the reliable publisher.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "fabric"

// Metrics groups every collector. A zero-configuration instance from New
// works unregistered, so components can always record.
type Metrics struct {
	PublishAttempts  *prometheus.CounterVec
	PublishRetries   *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	HeartbeatsSent   prometheus.Counter
	HeartbeatsFailed prometheus.Counter
	MessagesReceived *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	DeviceErrors     *prometheus.CounterVec
	OfflineMarked    prometheus.Counter
	CallbackErrors   prometheus.Counter
	Nodes            *prometheus.GaugeVec
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		PublishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "attempts_total",
			Help:      "Publish attempts against the bus, by message kind.",
		}, []string{"kind"}),
		PublishRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "retries_total",
			Help:      "Publish attempts that were retries of a failed attempt.",
		}, []string{"kind"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "failures_total",
			Help:      "Publishes that failed after exhausting retries.",
		}, []string{"kind"}),
		HeartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "heartbeats_sent_total",
			Help:      "Status heartbeats published by the node agent.",
		}),
		HeartbeatsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "heartbeats_failed_total",
			Help:      "Status heartbeats that could not be published.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Messages received from the bus, by message kind.",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "decode_errors_total",
			Help:      "Messages discarded because they could not be decoded.",
		}, []string{"kind"}),
		DeviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "device_errors_total",
			Help:      "Errors returned by the device capability, by operation.",
		}, []string{"operation"}),
		OfflineMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "offline_transitions_total",
			Help:      "Nodes marked offline by the health sweep.",
		}),
		CallbackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "callback_errors_total",
			Help:      "Node callbacks that failed or panicked.",
		}),
		Nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "nodes",
			Help:      "Tracked nodes by last known status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PublishAttempts, m.PublishRetries, m.PublishFailures,
		m.HeartbeatsSent, m.HeartbeatsFailed,
		m.MessagesReceived, m.DecodeErrors, m.DeviceErrors,
		m.OfflineMarked, m.CallbackErrors, m.Nodes,
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRegistry returns a registry holding a fresh Metrics plus the Go runtime
// and process collectors.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := New()
	if err := m.Register(reg); err != nil {
		panic(err)
	}
	return reg, m
}
