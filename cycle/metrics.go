package cycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbiter",
		Subsystem: "cycle",
		Name:      "submissions_scored_total",
		Help:      "Distinct submission contents scored, by challenge.",
	}, []string{"challenge"})

	epochsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arbiter",
		Subsystem: "cycle",
		Name:      "epochs_total",
		Help:      "Completed epoch ticks.",
	})

	finalizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbiter",
		Subsystem: "cycle",
		Name:      "finalizations_total",
		Help:      "Completed daily finalizations, by challenge.",
	}, []string{"challenge"})

	epochDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "arbiter",
		Subsystem: "cycle",
		Name:      "epoch_duration_seconds",
		Help:      "Wall time of one epoch tick.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})
)
