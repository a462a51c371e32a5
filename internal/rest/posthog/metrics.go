package posthog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowbeacon",
		Subsystem: "posthog",
		Name:      "requests_total",
		Help:      "Requests forwarded to the analytics upstream.",
	}, []string{"route", "strategy"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowbeacon",
		Subsystem: "posthog",
		Name:      "upstream_errors_total",
		Help:      "Requests that failed to reach the analytics upstream.",
	}, []string{"route"})
)
