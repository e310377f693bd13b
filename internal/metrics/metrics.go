// Package metrics defines the coach's Prometheus metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saveup",
			Name:      "messages_total",
			Help:      "Inbound messages by routing outcome",
		},
		[]string{"outcome"},
	)

	InferenceFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "saveup",
			Name:      "inference_failures_total",
			Help:      "Inference round trips that ended in an error",
		},
	)

	InferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "saveup",
			Name:      "inference_duration_seconds",
			Help:      "Inference round-trip duration in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	BroadcastSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saveup",
			Name:      "broadcast_sends_total",
			Help:      "Per-recipient broadcast send attempts by job and status",
		},
		[]string{"job", "status"},
	)
)

// Register registers all coach metrics on the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		MessagesTotal,
		InferenceFailuresTotal,
		InferenceDuration,
		BroadcastSendsTotal,
	)
}
