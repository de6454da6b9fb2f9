// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package httpserver

import (
	"net/http"
	"time"

	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// Error response bodies are logged up to this size.
const sniffBytes = 1024

// LogRequests wraps an http.Handler, logging each request and
// response. The logger attached to the request context (see
// ctxlog.Context) is used, with request fields added, and the
// enriched logger is made available to the wrapped handler.
func LogRequests(h http.Handler) http.Handler {
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &loggingWriter{ResponseWriter: wrapped, start: time.Now()}
		lgr := ctxlog.FromContext(req.Context()).WithFields(logrus.Fields{
			"RequestID":       req.Header.Get(HeaderRequestID),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path[1:],
			"reqQuery":        req.URL.RawQuery,
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		lgr.Info("request")
		defer w.logResponse(lgr)
		h.ServeHTTP(w, req)
	})
}

// Logger returns the logger attached to the request by LogRequests.
func Logger(req *http.Request) logrus.FieldLogger {
	return ctxlog.FromContext(req.Context())
}

// loggingWriter records the status, size and timing of a response,
// and the beginning of the body if it is an error.
type loggingWriter struct {
	http.ResponseWriter
	start     time.Time
	status    int
	bytes     int
	writeTime time.Time
	sniffed   []byte
}

func (w *loggingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
		w.writeTime = time.Now()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if w.status >= 400 && len(w.sniffed) < sniffBytes {
		n := sniffBytes - len(w.sniffed)
		if n > len(p) {
			n = len(p)
		}
		w.sniffed = append(w.sniffed, p[:n]...)
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *loggingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *loggingWriter) logResponse(lgr logrus.FieldLogger) {
	done := time.Now()
	status, writeTime := w.status, w.writeTime
	if status == 0 {
		// Handler returned without writing anything.
		status, writeTime = http.StatusOK, done
	}
	fields := logrus.Fields{
		"respStatusCode": status,
		"respStatus":     http.StatusText(status),
		"respBytes":      w.bytes,
		"timeTotal":      done.Sub(w.start).Seconds(),
		"timeToStatus":   writeTime.Sub(w.start).Seconds(),
		"timeWriteBody":  done.Sub(writeTime).Seconds(),
	}
	if status >= 400 {
		fields["respBody"] = string(w.sniffed)
	}
	lgr.WithFields(fields).Info("response")
}
