// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestLimiter passes requests to Handler, responding 503 instead
// when MaxConcurrent requests (if > 0) are already in progress.
type RequestLimiter struct {
	Handler       http.Handler
	MaxConcurrent int

	// If not nil, in-progress/limit gauges and a rejected-request
	// counter are registered here on first use.
	Registry *prometheus.Registry

	inProgress atomic.Int64
	rejected   prometheus.Counter
	setupOnce  sync.Once
}

func (rl *RequestLimiter) setup() {
	rl.rejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "crunchq",
		Subsystem: "http",
		Name:      "rejected_requests_total",
		Help:      "Requests refused because MaxConcurrentRequests were already in progress.",
	})
	if rl.Registry == nil {
		return
	}
	rl.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "crunchq",
			Subsystem: "http",
			Name:      "concurrent_requests",
			Help:      "Requests in progress.",
		}, func() float64 { return float64(rl.inProgress.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "crunchq",
			Subsystem: "http",
			Name:      "max_concurrent_requests",
			Help:      "Configured limit on requests in progress (0 = unlimited).",
		}, func() float64 { return float64(rl.MaxConcurrent) }),
		rl.rejected,
	)
}

func (rl *RequestLimiter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rl.setupOnce.Do(rl.setup)
	n := rl.inProgress.Add(1)
	defer rl.inProgress.Add(-1)
	if rl.MaxConcurrent > 0 && n > int64(rl.MaxConcurrent) {
		rl.rejected.Inc()
		Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	rl.Handler.ServeHTTP(w, req)
}
