// Package metrics provides Prometheus-based metrics recording for message
// flow and resilience state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"switchboard/pkg/comms"
	"switchboard/pkg/degrade"
	"switchboard/pkg/resilience/circuit"
)

// Recorder exposes the switchboard's operational counters. It hangs off the
// communication manager's event stream plus the breaker and degradation
// callbacks, so the instrumented components never import this package.
type Recorder struct {
	registry *prometheus.Registry

	eventsTotal      *prometheus.CounterVec
	messageLatency   *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	degradationLevel prometheus.Gauge
	routingDecisions *prometheus.CounterVec
	delegations      *prometheus.CounterVec
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_message_events_total",
				Help: "Total message lifecycle events by type and agent",
			},
			[]string{"event_type", "agent_id"},
		),
		messageLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "switchboard_message_latency_seconds",
				Help:    "Time from message creation to terminal event",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "switchboard_breaker_state",
				Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
			},
			[]string{"dependency"},
		),
		degradationLevel: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "switchboard_degradation_level",
				Help: "Current degradation level (0 full, 1 reduced, 2 minimal, 3 critical)",
			},
		),
		routingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_routing_decisions_total",
				Help: "Routing decisions by action",
			},
			[]string{"action"},
		),
		delegations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "switchboard_delegations_total",
				Help: "Delegation outcomes by target kind and status",
			},
			[]string{"kind", "status"},
		),
	}
}

// EventFunc returns the callback to register on the manager's event stream.
func (r *Recorder) EventFunc() comms.EventFunc {
	return func(event comms.Event) {
		r.eventsTotal.WithLabelValues(string(event.Type), event.AgentID).Inc()

		switch event.Type {
		case comms.EventMessageProcessed, comms.EventMessageFailed:
			if event.Message != nil && !event.Message.Timestamp.IsZero() {
				elapsed := event.Timestamp.Sub(event.Message.Timestamp)
				if elapsed > 0 {
					r.messageLatency.WithLabelValues(string(event.Type)).Observe(elapsed.Seconds())
				}
			}
		default:
		}
	}
}

// StateChangeFunc returns the callback for breaker state transitions.
func (r *Recorder) StateChangeFunc() circuit.StateChangeFunc {
	return func(name string, state circuit.State) {
		var value float64
		switch state {
		case circuit.Closed:
			value = 0
		case circuit.HalfOpen:
			value = 1
		case circuit.Open:
			value = 2
		}
		r.breakerState.WithLabelValues(name).Set(value)
	}
}

// LevelChangeFunc returns the callback for degradation level transitions.
func (r *Recorder) LevelChangeFunc() degrade.LevelChangeFunc {
	return func(level degrade.Level, _ string) {
		var value float64
		switch level {
		case degrade.Full:
			value = 0
		case degrade.Reduced:
			value = 1
		case degrade.Minimal:
			value = 2
		case degrade.Critical:
			value = 3
		}
		r.degradationLevel.Set(value)
	}
}

// RecordRoutingDecision counts one decision by action.
func (r *Recorder) RecordRoutingDecision(action string) {
	r.routingDecisions.WithLabelValues(action).Inc()
}

// RecordDelegation counts one delegation outcome.
func (r *Recorder) RecordDelegation(kind string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.delegations.WithLabelValues(kind, status).Inc()
}

// Handler serves the registry in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for scraping and tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
