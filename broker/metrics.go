package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offmail_broker_connections_open",
			Help: "Number of open connections to the mail server.",
		},
		[]string{"account"},
	)
	metricDemands = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offmail_broker_demands_waiting",
			Help: "Number of folder or connection demands waiting.",
		},
		[]string{"account"},
	)
	metricConnect = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offmail_broker_connect_total",
			Help: "Number of connection attempts to the mail server.",
		},
		[]string{"account", "result"},
	)
)
