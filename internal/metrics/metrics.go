// Package metrics holds the Prometheus instruments of the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "foreman"

var (
	Claims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claims_total",
		Help:      "Processes claimed by the scheduler.",
	})

	ActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_executions",
		Help:      "Process executions currently running in this host.",
	})

	Steps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_total",
		Help:      "Steps reaching a terminal status, by status.",
	}, []string{"status"})

	Attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attempts_total",
		Help:      "Finished execution attempts, by outcome.",
	}, []string{"outcome"})

	Recovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovered_total",
		Help:      "Entities demoted from Running to Interrupted, by source (scan or execution) and kind.",
	}, []string{"source", "kind"})

	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_jobs_total",
		Help:      "Jobs handled by the queue consumer, by result.",
	}, []string{"result"})
)
