package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Start results.
const (
	StartSpawned = "spawned"
	StartReused  = "reused"
	StartFailed  = "failed"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	engineStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enginectl",
			Subsystem: "engine",
			Name:      "starts_total",
			Help:      "Start requests by result (spawned, reused, failed).",
		}, []string{"result"},
	)
	engineStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enginectl",
			Subsystem: "engine",
			Name:      "stops_total",
			Help:      "Stop requests by result (ok, not_running, error).",
		}, []string{"result"},
	)
	engineExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enginectl",
			Subsystem: "engine",
			Name:      "exits_total",
			Help:      "Child exits, requested by a stop or unexpected.",
		}, []string{"reason"},
	)
	readinessAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enginectl",
			Subsystem: "readiness",
			Name:      "attempts_total",
			Help:      "Readiness probes by outcome.",
		}, []string{"outcome"},
	)
	startDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "enginectl",
			Subsystem: "engine",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn until the engine answered its readiness probe.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 10, 15, 30},
		},
	)
	portFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "enginectl",
			Subsystem: "port",
			Name:      "fallbacks_total",
			Help:      "Starts that used an ephemeral port because the preferred one was taken.",
		},
	)
	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enginectl",
			Subsystem: "engine",
			Name:      "log_lines_total",
			Help:      "Lines relayed from the child per stream.",
		}, []string{"stream"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enginectl",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events a subscriber missed because its buffer was full, per topic.",
		}, []string{"topic"},
	)
	clientsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "enginectl",
			Subsystem: "events",
			Name:      "clients_dropped_total",
			Help:      "Event stream clients disconnected for not keeping up.",
		},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "enginectl",
			Subsystem: "engine",
			Name:      "running",
			Help:      "1 while a started engine is registered, else 0.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{engineStarts, engineStops, engineExits, readinessAttempts, startDuration, portFallbacks, logLines, eventsDropped, clientsDropped, running}
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

// Handler serves the DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register succeeded.

func IncStart(result string) {
	if regOK.Load() {
		engineStarts.WithLabelValues(result).Inc()
	}
}

func IncStop(result string) {
	if regOK.Load() {
		engineStops.WithLabelValues(result).Inc()
	}
}

func IncExit(requested bool) {
	if !regOK.Load() {
		return
	}
	reason := "unexpected"
	if requested {
		reason = "requested"
	}
	engineExits.WithLabelValues(reason).Inc()
}

func IncReadinessAttempt(ok bool) {
	if !regOK.Load() {
		return
	}
	outcome := "fail"
	if ok {
		outcome = "ok"
	}
	readinessAttempts.WithLabelValues(outcome).Inc()
}

func ObserveStartDuration(seconds float64) {
	if regOK.Load() {
		startDuration.Observe(seconds)
	}
}

func IncPortFallback() {
	if regOK.Load() {
		portFallbacks.Inc()
	}
}

func IncLogLine(stream string) {
	if regOK.Load() {
		logLines.WithLabelValues(stream).Inc()
	}
}

func SetRunning(on bool) {
	if !regOK.Load() {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	running.Set(v)
}

func IncEventDropped(topic string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(topic).Inc()
	}
}

func IncClientDropped() {
	if regOK.Load() {
		clientsDropped.Inc()
	}
}
