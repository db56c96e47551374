package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	validatorsTrusted = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbiter",
		Subsystem: "aggregator",
		Name:      "validators_trusted",
		Help:      "Validators above the stake threshold in the last cycle.",
	})

	fetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arbiter",
		Subsystem: "aggregator",
		Name:      "view_fetch_failures_total",
		Help:      "Validator view fetches that failed or timed out.",
	})
)
