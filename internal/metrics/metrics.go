package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "comfyvisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Number of backend starts that reached running.",
		}, []string{"name"},
	)
	backendRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "restarts_total",
			Help:      "Number of restarts initiated, by outcome.",
		}, []string{"name", "outcome"},
	)
	backendStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "stops_total",
			Help:      "Number of stops, by mode (graceful or kill).",
		}, []string{"name", "mode"},
	)
	backendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "failures_total",
			Help:      "Number of lifecycle failures, by error kind.",
		}, []string{"name", "kind"},
	)
	backendStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "start_duration_seconds",
			Help:      "Time from launch until the backend was detected ready.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between backend states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current state of the backend (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	restartInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "restart_in_flight",
			Help:      "1 while a restart is running.",
		}, []string{"name"},
	)
	assetsUploaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "uploaded_total",
			Help:      "Number of model files stored, by model type.",
		}, []string{"model_type"},
	)
	assetsUploadedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "uploaded_bytes_total",
			Help:      "Bytes of model files stored, by model type.",
		}, []string{"model_type"},
	)
	nextScheduledRestart = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "next_scheduled_restart_timestamp_seconds",
			Help:      "Unix time of the next scheduled backend restart.",
		}, []string{"name"},
	)
	assetsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "deleted_total",
			Help:      "Number of model files deleted, by model type.",
		}, []string{"model_type"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		backendStarts, backendRestarts, backendStops, backendFailures, backendStartDuration,
		stateTransitions, currentStates, restartInFlight, nextScheduledRestart,
		assetsUploaded, assetsUploadedBytes, assetsDeleted,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	if err := registerAll(r, collectors()...); err != nil {
		return err
	}
	regOK.Store(true)
	return nil
}

func registerAll(r prometheus.Registerer, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		backendStarts.WithLabelValues(name).Inc()
	}
}

// IncRestart counts a finished restart; outcome is "ok" or "failed".
func IncRestart(name, outcome string) {
	if regOK.Load() {
		backendRestarts.WithLabelValues(name, outcome).Inc()
	}
}

func IncStop(name string, forced bool) {
	if regOK.Load() {
		mode := "graceful"
		if forced {
			mode = "kill"
		}
		backendStops.WithLabelValues(name, mode).Inc()
	}
}

func IncFailure(name, kind string) {
	if regOK.Load() {
		backendFailures.WithLabelValues(name, kind).Inc()
	}
}

func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		backendStartDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func SetRestartInFlight(name string, inFlight bool) {
	if regOK.Load() {
		var value float64
		if inFlight {
			value = 1
		}
		restartInFlight.WithLabelValues(name).Set(value)
	}
}

func SetNextScheduledRestart(name string, unix float64) {
	if regOK.Load() {
		nextScheduledRestart.WithLabelValues(name).Set(unix)
	}
}

func IncAssetUploaded(modelType string, size int64) {
	if regOK.Load() {
		assetsUploaded.WithLabelValues(modelType).Inc()
		if size > 0 {
			assetsUploadedBytes.WithLabelValues(modelType).Add(float64(size))
		}
	}
}

func IncAssetDeleted(modelType string) {
	if regOK.Load() {
		assetsDeleted.WithLabelValues(modelType).Inc()
	}
}
