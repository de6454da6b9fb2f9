// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"git.arvados.org/crunchq.git/sdk/go/auth"
	"github.com/gogo/protobuf/jsonpb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Handler is an instrumented http.Handler.
type Handler interface {
	http.Handler

	// ServeAPI returns an http.Handler that serves metrics at
	// "GET /metrics" (text exposition format) and "GET
	// /metrics.json", and passes all other requests to next.
	//
	// If token is not empty, clients must supply it to read
	// metrics.
	ServeAPI(token string, next http.Handler) http.Handler
}

type instrumented struct {
	next         http.Handler
	registry     *prometheus.Registry
	timeToStatus *prometheus.SummaryVec
	promHandler  http.Handler
}

// Instrument returns a Handler that passes requests to next and
// records request durations in registry (a new registry if nil).
//
// Time-to-status is collected from the "response" entries written by
// LogRequests, so requests must also pass through LogRequests with a
// logger derived from logger (logrus.StandardLogger() if nil).
func Instrument(registry *prometheus.Registry, logger *logrus.Logger, next http.Handler) Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	labels := []string{"code", "method"}
	duration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "crunchq",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, labels)
	tts := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "crunchq",
		Subsystem: "http",
		Name:      "time_to_status_seconds",
		Help:      "Summary of time from request start to response status.",
	}, labels)
	registry.MustRegister(duration, tts)
	inst := &instrumented{
		next:         promhttp.InstrumentHandlerDuration(duration, next),
		registry:     registry,
		timeToStatus: tts,
		promHandler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{ErrorLog: logger}),
	}
	logger.AddHook(inst)
	return inst
}

func (inst *instrumented) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	inst.next.ServeHTTP(w, req)
}

func (inst *instrumented) ServeAPI(token string, next http.Handler) http.Handler {
	endpoints := map[string]http.Handler{
		"/metrics":      auth.RequireLiteralToken(token, inst.promHandler),
		"/metrics.json": auth.RequireLiteralToken(token, http.HandlerFunc(inst.serveJSON)),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodGet || req.Method == http.MethodHead {
			if h, ok := endpoints[req.URL.Path]; ok {
				h.ServeHTTP(w, req)
				return
			}
		}
		next.ServeHTTP(w, req)
	})
}

// serveJSON writes the gathered metric families as a JSON array.
func (inst *instrumented) serveJSON(w http.ResponseWriter, req *http.Request) {
	mfs, err := inst.registry.Gather()
	if err != nil {
		Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	marshaler := jsonpb.Marshaler{Indent: "  "}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("["))
	for i, mf := range mfs {
		if i > 0 {
			w.Write([]byte(","))
		}
		if err := marshaler.Marshal(w, mf); err != nil {
			Logger(req).WithError(err).Warn("error encoding metric family")
			return
		}
	}
	w.Write([]byte("]"))
}

// Levels implements logrus.Hook.
func (*instrumented) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel}
}

// Fire implements logrus.Hook.
func (inst *instrumented) Fire(ent *logrus.Entry) error {
	tts, ok := ent.Data["timeToStatus"].(float64)
	if !ok {
		return nil
	}
	method, _ := ent.Data["reqMethod"].(string)
	code, ok := ent.Data["respStatusCode"].(int)
	if !ok || method == "" {
		return nil
	}
	inst.timeToStatus.WithLabelValues(strconv.Itoa(code), strings.ToLower(method)).Observe(tts)
	return nil
}
