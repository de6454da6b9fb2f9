// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jmcvetta/randutil"
)

const HeaderRequestID = "X-Request-Id"

const requestIDChars = "0123456789abcdefghijklmnopqrstuvwxyz"

func newRequestID() string {
	id, err := randutil.String(20, requestIDChars)
	if err != nil {
		id = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "req-" + id
}

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one. The ID is also
// echoed in the response headers.
func AddRequestIDs(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(HeaderRequestID)
		if id == "" {
			id = newRequestID()
			req.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		h.ServeHTTP(w, req)
	})
}
