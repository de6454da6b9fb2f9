// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"encoding/json"
	"net/http"

	"git.arvados.org/crunchq.git/sdk/go/auth"
	"git.arvados.org/crunchq.git/sdk/go/httpserver"
)

type healthResponse struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`
}

// healthHandler returns a handler that reports the result of check
// as {"health":"OK"} or {"health":"ERROR","error":"..."}. Requests
// must carry the management token. With no token configured, the
// endpoint is disabled.
func healthHandler(mgtToken string, check func() error) http.Handler {
	if mgtToken == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpserver.Error(w, "disabled", http.StatusNotFound)
		})
	}
	return auth.RequireLiteralToken(mgtToken, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Health: "OK"}
		if err := check(); err != nil {
			resp = healthResponse{Health: "ERROR", Error: err.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}
