// Package stats registers the driver's Prometheus metrics.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kumulus"

var (
	ConnsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "pool", Name: "connections_open",
		Help: "Open native-protocol connections (control connection excluded)",
	})
	ReconnectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "pool", Name: "reconnect_failures_total",
		Help: "Failed pool reconnection attempts",
	})
	Queries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "query", Name: "requests_total",
		Help: "User requests executed (any outcome)",
	})
	Retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "query", Name: "retries_total",
		Help: "Attempts beyond the first, retry policy driven",
	})
	SpeculativeStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "query", Name: "speculative_starts_total",
		Help: "Speculative executions armed and fired",
	})
	Reprepares = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "prepared", Name: "reprepares_total",
		Help: "PREPARE round-trips issued outside the user path",
	})
	Errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "query", Name: "errors_total",
		Help: "Terminal user-visible errors by kind",
	}, []string{"kind"})
	QueryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "query", Name: "latency_seconds",
		Help:    "End-to-end user request latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	})
)

// Register adds every driver collector to reg (pass nil for the default
// registerer). Duplicate registration across clusters in one process is
// tolerated.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		ConnsOpen, ReconnectFailures, Queries, Retries, SpeculativeStarts, Reprepares, Errors, QueryLatency,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
