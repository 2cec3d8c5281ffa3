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

	pollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolewatch",
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Number of poll cycles by result (ok, partial, failed).",
		}, []string{"result"},
	)
	pollCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rolewatch",
			Subsystem: "poller",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one poll cycle across all channels.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	channelPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolewatch",
			Subsystem: "poller",
			Name:      "channel_polls_total",
			Help:      "Number of per-channel polls by result (ok, baseline, error).",
		}, []string{"result"},
	)
	mentions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolewatch",
			Subsystem: "notify",
			Name:      "mentions_total",
			Help:      "Role mentions handed to the notification sink by delivery outcome.",
		}, []string{"outcome"},
	)
	monitoredChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rolewatch",
			Subsystem: "poller",
			Name:      "channels",
			Help:      "Number of chat channels in the active poll set.",
		},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolewatch",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of restart attempts by result (ok, failed) and trigger (auto, forced).",
		}, []string{"trigger", "result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rolewatch",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rolewatch",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{pollCycles, pollCycleDuration, channelPolls, mentions, monitoredChannels, restarts, stateTransitions, currentState}
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

func ObserveCycle(result string, seconds float64) {
	if regOK.Load() {
		pollCycles.WithLabelValues(result).Inc()
		pollCycleDuration.Observe(seconds)
	}
}

func IncChannelPoll(result string) {
	if regOK.Load() {
		channelPolls.WithLabelValues(result).Inc()
	}
}

func IncMention(outcome string) {
	if regOK.Load() {
		mentions.WithLabelValues(outcome).Inc()
	}
}

func SetChannels(n int) {
	if regOK.Load() {
		monitoredChannels.Set(float64(n))
	}
}

func IncRestart(trigger string, ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "failed"
		}
		restarts.WithLabelValues(trigger, result).Inc()
	}
}

// RecordStateTransition counts the transition and flips the current_state gauge.
func RecordStateTransition(from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(from, to).Inc()
	if from != "" {
		currentState.WithLabelValues(from).Set(0)
	}
	currentState.WithLabelValues(to).Set(1)
}
