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

	buildsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appdraft",
			Subsystem: "build",
			Name:      "starts_total",
			Help:      "Number of session builds started.",
		},
	)
	buildsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appdraft",
			Subsystem: "build",
			Name:      "finished_total",
			Help:      "Number of session builds finished, by terminal status.",
		}, []string{"status"},
	)
	changesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appdraft",
			Subsystem: "build",
			Name:      "changes_total",
			Help:      "Number of chat-driven change batches applied.",
		},
	)
	commandRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appdraft",
			Subsystem: "command",
			Name:      "runs_total",
			Help:      "Number of one-shot commands executed.",
		}, []string{"stage"},
	)
	commandFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appdraft",
			Subsystem: "command",
			Name:      "failures_total",
			Help:      "Number of command failures, by stage and reason.",
		}, []string{"stage", "reason"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "appdraft",
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of one-shot commands.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage"},
	)
	activeProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "appdraft",
			Subsystem: "process",
			Name:      "running",
			Help:      "Currently supervised dev-server processes.",
		},
	)
	processesKilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appdraft",
			Subsystem: "process",
			Name:      "killed_total",
			Help:      "Number of supervised processes killed, by reason.",
		}, []string{"reason"},
	)
	processesReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appdraft",
			Subsystem: "process",
			Name:      "reaped_total",
			Help:      "Number of supervised process exits observed.",
		},
	)
	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "appdraft",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Currently attached push subscribers across all sessions.",
		},
	)
	eventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appdraft",
			Subsystem: "hub",
			Name:      "events_delivered_total",
			Help:      "Events accepted by subscriber sinks.",
		},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appdraft",
			Subsystem: "hub",
			Name:      "events_dropped_total",
			Help:      "Event deliveries rejected by subscriber sinks.",
		},
	)
	subscribersEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appdraft",
			Subsystem: "hub",
			Name:      "evicted_total",
			Help:      "Subscribers removed, by reason.",
		}, []string{"reason"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "appdraft",
			Subsystem: "session",
			Name:      "records",
			Help:      "Progress records currently held by the ledger.",
		},
	)
	sessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appdraft",
			Subsystem: "session",
			Name:      "reaped_total",
			Help:      "Progress records removed by the idle sweep.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		buildsStarted, buildsFinished, changesApplied,
		commandRuns, commandFailures, commandDuration,
		activeProcesses, processesKilled, processesReaped,
		subscribers, eventsDelivered, eventsDropped, subscribersEvicted,
		activeSessions, sessionsReaped,
		sampledCPU, sampledMemoryMB,
	}
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncBuildStarted() {
	if regOK.Load() {
		buildsStarted.Inc()
	}
}
func IncBuildFinished(status string) {
	if regOK.Load() {
		buildsFinished.WithLabelValues(status).Inc()
	}
}
func IncChangeApplied() {
	if regOK.Load() {
		changesApplied.Inc()
	}
}
func IncCommandRun(stage string) {
	if regOK.Load() {
		commandRuns.WithLabelValues(stage).Inc()
	}
}
func IncCommandFailure(stage, reason string) {
	if regOK.Load() {
		commandFailures.WithLabelValues(stage, reason).Inc()
	}
}
func ObserveCommandDuration(stage string, seconds float64) {
	if regOK.Load() {
		commandDuration.WithLabelValues(stage).Observe(seconds)
	}
}
func SetActiveProcesses(n int) {
	if regOK.Load() {
		activeProcesses.Set(float64(n))
	}
}
func IncProcessKilled(reason string) {
	if regOK.Load() {
		processesKilled.WithLabelValues(reason).Inc()
	}
}
func IncProcessReaped() {
	if regOK.Load() {
		processesReaped.Inc()
	}
}
func SetSubscribers(n int) {
	if regOK.Load() {
		subscribers.Set(float64(n))
	}
}
func AddEventsDelivered(n int) {
	if regOK.Load() && n > 0 {
		eventsDelivered.Add(float64(n))
	}
}
func AddEventsDropped(n int) {
	if regOK.Load() && n > 0 {
		eventsDropped.Add(float64(n))
	}
}
func IncSubscriberEvicted(reason string) {
	if regOK.Load() {
		subscribersEvicted.WithLabelValues(reason).Inc()
	}
}
func SetActiveSessions(n int) {
	if regOK.Load() {
		activeSessions.Set(float64(n))
	}
}
func AddSessionsReaped(n int) {
	if regOK.Load() && n > 0 {
		sessionsReaped.Add(float64(n))
	}
}
