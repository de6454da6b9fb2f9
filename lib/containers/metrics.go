// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	lockAttempts       *prometheus.CounterVec
	containersCreated  *prometheus.CounterVec
	containersReused   *prometheus.CounterVec
	cascades           *prometheus.CounterVec
	requestsFinalized  prometheus.Counter
	prioritySweepTimer prometheus.Histogram
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		lockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crunchq",
			Subsystem: "containers",
			Name:      "lock_attempts_total",
			Help:      "Number of container lock attempts, by result.",
		}, []string{"result"}),
		containersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crunchq",
			Subsystem: "containers",
			Name:      "created_total",
			Help:      "Number of containers created, by reason (new request or retry).",
		}, []string{"reason"}),
		containersReused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crunchq",
			Subsystem: "containers",
			Name:      "reused_total",
			Help:      "Number of committed requests satisfied by an existing container, by the state of the reused container.",
		}, []string{"tier"}),
		cascades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crunchq",
			Subsystem: "containers",
			Name:      "cascades_total",
			Help:      "Number of completion cascade attempts, by result.",
		}, []string{"result"}),
		requestsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crunchq",
			Subsystem: "container_requests",
			Name:      "finalized_total",
			Help:      "Number of container requests moved to Final state.",
		}),
		prioritySweepTimer: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crunchq",
			Subsystem: "priority_sweep",
			Name:      "duration_seconds",
			Help:      "Time taken to recompute priorities of all active containers.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.lockAttempts, m.containersCreated, m.containersReused, m.cascades, m.requestsFinalized, m.prioritySweepTimer)
	}
	return m
}
