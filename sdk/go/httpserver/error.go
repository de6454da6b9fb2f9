// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type HTTPStatusError interface {
	error
	HTTPStatus() int
}

func Errorf(status int, tmpl string, args ...interface{}) error {
	return errorWithStatus{fmt.Errorf(tmpl, args...), status}
}

func ErrorWithStatus(err error, status int) error {
	return errorWithStatus{err, status}
}

type errorWithStatus struct {
	error
	Status int
}

func (ews errorWithStatus) HTTPStatus() int {
	return ews.Status
}

func (ews errorWithStatus) Unwrap() error {
	return ews.error
}

type ErrorResponse struct {
	Errors []string `json:"errors"`
	// Machine-readable error category, when the error has one.
	Kind string `json:"kind,omitempty"`
}

func Error(w http.ResponseWriter, error string, code int) {
	Errors(w, []string{error}, code)
}

func Errors(w http.ResponseWriter, errors []string, code int) {
	writeErrorResponse(w, ErrorResponse{Errors: errors}, code)
}

// WriteError sends err to the client. The status code is taken from
// err if it implements HTTPStatusError, otherwise it is 500. If err
// has an ErrorKind method, its result is sent as "kind".
func WriteError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var hse HTTPStatusError
	if errors.As(err, &hse) {
		code = hse.HTTPStatus()
	}
	resp := ErrorResponse{Errors: []string{err.Error()}}
	var ke interface{ ErrorKind() string }
	if errors.As(err, &ke) {
		resp.Kind = ke.ErrorKind()
	}
	writeErrorResponse(w, resp, code)
}

func writeErrorResponse(w http.ResponseWriter, resp ErrorResponse, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
