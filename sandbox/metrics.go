package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	startsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbiter",
		Subsystem: "sandbox",
		Name:      "starts_total",
		Help:      "Sandbox containers started, by role.",
	}, []string{"role"})

	crashesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arbiter",
		Subsystem: "sandbox",
		Name:      "crashes_total",
		Help:      "Sandbox containers that exited unexpectedly.",
	})

	executeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "arbiter",
		Subsystem: "sandbox",
		Name:      "execute_duration_seconds",
		Help:      "Duration of requests executed inside sandboxes.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
