package database

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolCheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ichnaea_db_pool_checkouts_total",
		Help: "Cumulative number of validated connections handed out by the pool.",
	}, []string{"database"})
	poolExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ichnaea_db_pool_exhausted_total",
		Help: "Cumulative number of checkouts which timed out waiting for a free connection.",
	}, []string{"database"})
	poolProbeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ichnaea_db_pool_probe_failures_total",
		Help: "Cumulative number of liveness probe failures, by classification.",
	}, []string{"database", "class"})
	poolCheckoutSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ichnaea_db_pool_checkout_seconds",
		Help:    "Time spent acquiring and validating a connection.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"database"})
	sessionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ichnaea_db_session_outcomes_total",
		Help: "Cumulative number of session transactions, by role and outcome.",
	}, []string{"database", "role", "outcome"})
)
