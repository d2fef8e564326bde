package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ichnaea_ratelimit_decisions_total",
	Help: "Cumulative number of rate limit decisions, by action and outcome.",
}, []string{"action", "outcome"})
