package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricHealthFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "polytun_health_check_failures_total",
	Help: "Health checks that failed the active session.",
})
