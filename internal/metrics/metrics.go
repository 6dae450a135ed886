package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChannelDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminders_channel_deliveries_total",
			Help: "Channel delivery attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	ChannelLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reminders_channel_delivery_seconds",
			Help:    "Gateway response time per channel",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminders_jobs_processed_total",
			Help: "Scheduled jobs processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	SweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminders_sweeps_total",
			Help: "Due-work sweeps by result",
		},
		[]string{"result"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reminders_sweep_duration_seconds",
			Help:    "Duration of completed due-work sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	AnalyticsForwardFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reminders_analytics_forward_failures_total",
			Help: "Delivery reports the analytics sink rejected",
		},
	)
)

// Outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeReclaimed = "reclaimed"
)
