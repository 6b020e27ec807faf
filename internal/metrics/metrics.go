// Package metrics exposes engine activity as Prometheus collectors fed from
// the event bus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aristath/foreman/internal/events"
	"github.com/aristath/foreman/internal/run"
)

// Metrics holds the engine collectors.
//
// All metrics are prefixed with "foreman_".
//
//   - foreman_phase_transitions_total{to} - phase transitions by target phase
//   - foreman_node_outcomes_total{status} - nodes settled by terminal status
//   - foreman_scheduler_decisions_total{decision} - scheduler decisions
//   - foreman_nodes_running - nodes currently running
//   - foreman_runs_finished_total{status} - runs reaching a terminal status
//   - foreman_verifications_total{result} - verification passes
type Metrics struct {
	PhaseTransitions   *prometheus.CounterVec
	NodeOutcomes       *prometheus.CounterVec
	SchedulerDecisions *prometheus.CounterVec
	NodesRunning       prometheus.Gauge
	RunsFinished       *prometheus.CounterVec
	Verifications      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PhaseTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_phase_transitions_total",
				Help: "Total number of run phase transitions",
			},
			[]string{"to"},
		),
		NodeOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_node_outcomes_total",
				Help: "Total number of nodes reaching a terminal status",
			},
			[]string{"status"},
		),
		SchedulerDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_scheduler_decisions_total",
				Help: "Total number of scheduler decisions",
			},
			[]string{"decision"},
		),
		NodesRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "foreman_nodes_running",
				Help: "Number of nodes currently running",
			},
		),
		RunsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_runs_finished_total",
				Help: "Total number of runs reaching a terminal status",
			},
			[]string{"status"},
		),
		Verifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_verifications_total",
				Help: "Total number of verification passes",
			},
			[]string{"result"}, // "passed" or "failed"
		),
	}
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(ev events.Event) {
	switch e := ev.(type) {
	case events.PhaseChanged:
		m.PhaseTransitions.WithLabelValues(string(e.To)).Inc()
	case events.NodeStatusChanged:
		if e.To == run.NodeRunning {
			m.NodesRunning.Inc()
		} else if e.From == run.NodeRunning {
			m.NodesRunning.Dec()
		}
		if e.To.Terminal() {
			m.NodeOutcomes.WithLabelValues(string(e.To)).Inc()
		}
	case events.SchedulerDecision:
		m.SchedulerDecisions.WithLabelValues(string(e.Decision)).Inc()
	case events.RunStatusChanged:
		if e.To.Terminal() {
			m.RunsFinished.WithLabelValues(string(e.To)).Inc()
		}
	case events.VerificationFinished:
		result := "failed"
		if e.Passed {
			result = "passed"
		}
		m.Verifications.WithLabelValues(result).Inc()
	}
}

// Run consumes ch until it is closed or ctx is cancelled.
func (m *Metrics) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}
