package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	actionsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sievecore_actions_dispatched_total",
		Help: "Total number of Sieve actions dispatched, by kind and outcome.",
	}, []string{"kind", "outcome"})

	notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sievecore_notifications_sent_total",
		Help: "Total number of Sieve notify actions dispatched, by outcome.",
	}, []string{"outcome"})

	implicitKeeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sievecore_implicit_keeps_total",
		Help: "Total number of implicit keep deliveries, by outcome.",
	}, []string{"outcome"})

	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sievecore_dispatch_duration_seconds",
		Help:    "Time spent dispatching one evaluated action list.",
		Buckets: prometheus.DefBuckets,
	})
)
