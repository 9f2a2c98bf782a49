package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchr",
			Subsystem: "workflow",
			Name:      "requests_total",
			Help:      "Workflow intents by action and outcome.",
		}, []string{"action", "outcome"},
	)
	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchr",
			Subsystem: "launcher",
			Name:      "launches_total",
			Help:      "Script launches by result (alive, exited, not_found, unsupported, spawn_error).",
		}, []string{"result"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchr",
			Subsystem: "terminator",
			Name:      "terminations_total",
			Help:      "Process tree terminations; forced=true when the graceful window ran out.",
		}, []string{"forced"},
	)
	runningProjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "launchr",
			Subsystem: "workflow",
			Name:      "running_projects",
			Help:      "Projects with a running startup request.",
		},
	)
	leaseExpirations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "launchr",
			Subsystem: "lease",
			Name:      "expirations_total",
			Help:      "Startup requests moved to expired.",
		},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "launchr",
			Subsystem: "workflow",
			Name:      "state_transitions_total",
			Help:      "Number of startup request status transitions.",
		}, []string{"from", "to"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{requests, launches, terminations, runningProjects, leaseExpirations, transitions}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncRequest(action, outcome string) {
	if regOK.Load() {
		requests.WithLabelValues(action, outcome).Inc()
	}
}

func IncLaunch(result string) {
	if regOK.Load() {
		launches.WithLabelValues(result).Inc()
	}
}

func IncTermination(forced bool) {
	if regOK.Load() {
		terminations.WithLabelValues(strconv.FormatBool(forced)).Inc()
	}
}

func SetRunningProjects(n int) {
	if regOK.Load() {
		runningProjects.Set(float64(n))
	}
}

func IncLeaseExpiration() {
	if regOK.Load() {
		leaseExpirations.Inc()
	}
}

func RecordTransition(from, to string) {
	if regOK.Load() {
		transitions.WithLabelValues(from, to).Inc()
	}
}
