// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
	"git.arvados.org/crunchq.git/sdk/go/httpserver"
)

// ErrorHandler returns a Handler for a service that failed to start
// (e.g., its database is unreachable). It fails health checks, so
// RunCommand exits without serving.
func ErrorHandler(ctx context.Context, _ *arvados.Cluster, err error) Handler {
	ctxlog.FromContext(ctx).WithError(err).Error("unhealthy service")
	done := make(chan struct{})
	close(done)
	return &failedHandler{err: err, done: done}
}

type failedHandler struct {
	err  error
	done chan struct{}
}

func (h *failedHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpserver.Logger(req).WithError(h.err).Error("request received by unhealthy service")
	httpserver.Error(w, "service unavailable: "+h.err.Error(), http.StatusInternalServerError)
}

func (h *failedHandler) CheckHealth() error    { return h.err }
func (h *failedHandler) Done() <-chan struct{} { return h.done }
