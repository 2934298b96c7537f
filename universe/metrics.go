package universe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offmail_operations_total",
			Help: "Number of online phases run, by operation type, mode and result.",
		},
		[]string{"account", "type", "mode", "result"},
	)
	metricDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offmail_operation_duration_seconds",
			Help:    "Duration of the online phases.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"type", "mode"},
	)
	metricQueued = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offmail_operations_queued",
			Help: "Number of operations in the active queue.",
		},
		[]string{"account"},
	)
	metricDeferred = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offmail_operations_deferred",
			Help: "Number of operations waiting for the deferred delay.",
		},
		[]string{"account"},
	)
	metricProblems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offmail_operations_given_up_total",
			Help: "Number of operations retired because of an unrecoverable error.",
		},
		[]string{"account", "type"},
	)
)
