package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scriptd"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	executionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "started_total",
			Help:      "Number of executions triggered.",
		},
	)
	executionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "finished_total",
			Help:      "Number of executions that reached a terminal status.",
		}, []string{"status"},
	)
	spawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "spawn_failures_total",
			Help:      "Number of executions whose interpreter could not be started.",
		},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Wall time from start to terminal status.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"status"},
	)
	executionsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "running",
			Help:      "Executions currently in flight.",
		},
	)
	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Live stream sessions currently attached.",
		},
	)
	streamLagged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "lagged_total",
			Help:      "Subscribers cut off because they fell behind.",
		},
	)
	persistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persist_failures_total",
			Help:      "Execution record writes that failed after retries.",
		}, []string{"op"},
	)
	historyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "send_failures_total",
			Help:      "History events that could not be delivered to a sink.",
		},
	)
	httpRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		executionsStarted, executionsFinished, spawnFailures, executionDuration, executionsRunning,
		streamSubscribers, streamLagged, persistFailures, historyFailures, httpRequests,
	}
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

// Enabled reports whether Register has succeeded.
func Enabled() bool { return regOK.Load() }

// Handler serves the DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, used with a private registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has been called.

func IncStarted() {
	if regOK.Load() {
		executionsStarted.Inc()
		executionsRunning.Inc()
	}
}

// ObserveFinished records a terminal status and its duration.
func ObserveFinished(status string, seconds float64) {
	if regOK.Load() {
		executionsFinished.WithLabelValues(status).Inc()
		executionDuration.WithLabelValues(status).Observe(seconds)
		executionsRunning.Dec()
	}
}

func IncSpawnFailure() {
	if regOK.Load() {
		spawnFailures.Inc()
	}
}

func AddSubscribers(delta int) {
	if regOK.Load() {
		streamSubscribers.Add(float64(delta))
	}
}

func IncLagged() {
	if regOK.Load() {
		streamLagged.Inc()
	}
}

func IncPersistFailure(op string) {
	if regOK.Load() {
		persistFailures.WithLabelValues(op).Inc()
	}
}

func IncHistoryFailure() {
	if regOK.Load() {
		historyFailures.Inc()
	}
}

func ObserveHTTP(method, route, code string, seconds float64) {
	if regOK.Load() {
		httpRequests.WithLabelValues(method, route, code).Observe(seconds)
	}
}
