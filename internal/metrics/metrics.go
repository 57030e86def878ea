package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	tasksStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Subsystem: "task",
			Name:      "started_total",
			Help:      "Number of tasks started, by operation.",
		}, []string{"operation"},
	)
	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Subsystem: "task",
			Name:      "finished_total",
			Help:      "Number of tasks finished, by operation and final status.",
		}, []string{"operation", "status"},
	)
	stepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Subsystem: "step",
			Name:      "failures_total",
			Help:      "Number of failed steps, by step kind.",
		}, []string{"kind"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Subsystem: "instance",
			Name:      "state_transitions_total",
			Help:      "Number of instance state transitions.",
		}, []string{"from", "to"},
	)
	instanceStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flotilla",
			Subsystem: "instance",
			Name:      "current_state",
			Help:      "Current instance count per state.",
		}, []string{"state"},
	)
	reconcilerSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Subsystem: "reconciler",
			Name:      "sweeps_total",
			Help:      "Number of completed reconciler sweeps.",
		},
	)
	reconcilerResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flotilla",
			Subsystem: "reconciler",
			Name:      "resets_total",
			Help:      "Number of instances reset to NOT_STARTED after a dead PID probe.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{tasksStarted, tasksFinished, stepFailures, stateTransitions, instanceStates, reconcilerSweeps, reconcilerResets}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncTaskStarted(operation string) {
	if regOK.Load() {
		tasksStarted.WithLabelValues(operation).Inc()
	}
}

func IncTaskFinished(operation, status string) {
	if regOK.Load() {
		tasksFinished.WithLabelValues(operation, status).Inc()
	}
}

func IncStepFailure(kind string) {
	if regOK.Load() {
		stepFailures.WithLabelValues(kind).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetInstanceStateCount(state string, n int) {
	if regOK.Load() {
		instanceStates.WithLabelValues(state).Set(float64(n))
	}
}

func IncReconcilerSweep() {
	if regOK.Load() {
		reconcilerSweeps.Inc()
	}
}

func IncReconcilerReset() {
	if regOK.Load() {
		reconcilerResets.Inc()
	}
}
