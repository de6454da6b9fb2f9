// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package arvados

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the machine-readable category of an Error.
type ErrorKind string

const (
	// Validation errors: the request is rejected and can be
	// corrected by the client. Never retried automatically.
	KindIllegalFieldChange     = ErrorKind("IllegalFieldChange")
	KindInvalidStateTransition = ErrorKind("InvalidStateTransition")
	KindUnresolvableImage      = ErrorKind("UnresolvableImage")
	KindUnresolvableMount      = ErrorKind("UnresolvableMount")
	KindMountMismatch          = ErrorKind("MountMismatch")
	KindInvalidConstraints     = ErrorKind("InvalidConstraints")
	KindInvalidAttributes      = ErrorKind("InvalidAttributes")
	KindNotEligible            = ErrorKind("NotEligible")

	// Concurrency errors: transient, the caller should re-poll
	// and retry.
	KindAlreadyLocked      = ErrorKind("AlreadyLocked")
	KindLockOwnershipError = ErrorKind("LockOwnershipError")
	KindWriteConflict      = ErrorKind("WriteConflict")

	KindPermissionDenied = ErrorKind("PermissionDenied")
	KindUnauthenticated  = ErrorKind("Unauthenticated")
	KindNotFound         = ErrorKind("NotFound")
)

// Error is a rejection with a machine-readable Kind.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

var (
	ErrIllegalFieldChange     = &Error{Kind: KindIllegalFieldChange}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	ErrUnresolvableImage      = &Error{Kind: KindUnresolvableImage}
	ErrUnresolvableMount      = &Error{Kind: KindUnresolvableMount}
	ErrMountMismatch          = &Error{Kind: KindMountMismatch}
	ErrInvalidConstraints     = &Error{Kind: KindInvalidConstraints}
	ErrInvalidAttributes      = &Error{Kind: KindInvalidAttributes}
	ErrNotEligible            = &Error{Kind: KindNotEligible}
	ErrAlreadyLocked          = &Error{Kind: KindAlreadyLocked}
	ErrLockOwnership          = &Error{Kind: KindLockOwnershipError}
	ErrWriteConflict          = &Error{Kind: KindWriteConflict}
	ErrPermissionDenied       = &Error{Kind: KindPermissionDenied}
	ErrUnauthenticated        = &Error{Kind: KindUnauthenticated}
	ErrNotFound               = &Error{Kind: KindNotFound}
)

// Errorf returns an *Error with the given kind and a formatted
// message.
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is makes errors.Is(err, ErrAlreadyLocked) true for any *Error of
// the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// ErrorKind implements the interface httpserver.WriteError uses to
// report the machine-readable kind to clients.
func (e *Error) ErrorKind() string {
	return string(e.Kind)
}

// Retryable reports whether the caller should expect a retry of the
// same operation to succeed eventually.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAlreadyLocked, KindLockOwnershipError, KindWriteConflict:
		return true
	}
	return false
}

// HTTPStatus implements httpserver.HTTPStatusError.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAlreadyLocked, KindLockOwnershipError, KindWriteConflict:
		return http.StatusConflict
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusUnprocessableEntity
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or ""
// if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
