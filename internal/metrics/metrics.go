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

	processStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "frpbridge",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful child process starts.",
		},
	)
	processStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "frpbridge",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		},
	)
	processCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "frpbridge",
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of unexpected child exits.",
		},
	)
	commandExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frpbridge",
			Subsystem: "command",
			Name:      "executions_total",
			Help:      "Command bus executions by command name and result status.",
		}, []string{"name", "status"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frpbridge",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped for slow subscribers, by event type.",
		}, []string{"type"},
	)
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frpbridge",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "RPC calls to remote nodes by outcome (ok, timeout, not_connected, error).",
		}, []string{"outcome"},
	)
	onlineNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "frpbridge",
			Subsystem: "nodes",
			Name:      "online",
			Help:      "Currently connected remote nodes.",
		},
	)
	configVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "frpbridge",
			Subsystem: "config",
			Name:      "version",
			Help:      "Current config document version counter.",
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
		processStarts, processStops, processCrashes,
		commandExecutions, eventsDropped, rpcCalls, onlineNodes, configVersion,
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

// Handler returns an http.Handler serving Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart() {
	if regOK.Load() {
		processStarts.Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		processStops.Inc()
	}
}

func IncCrash() {
	if regOK.Load() {
		processCrashes.Inc()
	}
}

func IncCommand(name, status string) {
	if regOK.Load() {
		commandExecutions.WithLabelValues(name, status).Inc()
	}
}

func IncEventDropped(typ string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(typ).Inc()
	}
}

func IncRPC(outcome string) {
	if regOK.Load() {
		rpcCalls.WithLabelValues(outcome).Inc()
	}
}

func SetOnlineNodes(n int) {
	if regOK.Load() {
		onlineNodes.Set(float64(n))
	}
}

func SetConfigVersion(v uint64) {
	if regOK.Load() {
		configVersion.Set(float64(v))
	}
}
