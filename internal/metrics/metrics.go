// Package metrics exposes prometheus collectors for the sync controller.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeSkipped labels operations dropped by a client-side guard.
	OutcomeSkipped = "skipped"
)

var (
	fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskbeads",
			Name:      "fetches_total",
			Help:      "Backend reads issued by the cache store, by query family and outcome.",
		},
		[]string{"family", "outcome"},
	)

	fetchDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deskbeads",
			Name:      "fetch_seconds",
			Help:      "Backend read latency in seconds.",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"family"},
	)

	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskbeads",
			Name:      "invalidations_total",
			Help:      "Cache invalidations, by source (poll, push, mutation, manual).",
		},
		[]string{"source"},
	)

	streamConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskbeads",
			Name:      "stream_connects_total",
			Help:      "Event stream connection attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskbeads",
			Name:      "stream_events_total",
			Help:      "Events read from the change stream, by kind (change, keepalive, ignored, malformed).",
		},
		[]string{"kind"},
	)

	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskbeads",
			Name:      "mutations_total",
			Help:      "Operator actions, by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	statusRegressionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskbeads",
			Name:      "status_regressions_total",
			Help:      "Mutation replies whose status was behind the cached ticket, by action.",
		},
		[]string{"action"},
	)
)

// Register attaches deskbeads collectors to reg.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		fetchesTotal,
		fetchDurationSeconds,
		invalidationsTotal,
		streamConnectsTotal,
		streamEventsTotal,
		mutationsTotal,
		statusRegressionsTotal,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveFetch records one backend read.
func ObserveFetch(family string, duration time.Duration, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	fetchesTotal.WithLabelValues(family, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	fetchDurationSeconds.WithLabelValues(family).Observe(duration.Seconds())
}

// Invalidation counts one invalidation request from source.
func Invalidation(source string) {
	invalidationsTotal.WithLabelValues(source).Inc()
}

// StreamConnect counts one connection attempt.
func StreamConnect(err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	streamConnectsTotal.WithLabelValues(outcome).Inc()
}

// StreamEvent counts one event read from the stream.
func StreamEvent(kind string) {
	streamEventsTotal.WithLabelValues(kind).Inc()
}

// Mutation counts one operator action.
func Mutation(action, outcome string) {
	mutationsTotal.WithLabelValues(action, outcome).Inc()
}

// StatusRegression counts one mutation reply that moved a ticket's status
// backwards.
func StatusRegression(action string) {
	statusRegressionsTotal.WithLabelValues(action).Inc()
}
