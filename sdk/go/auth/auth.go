// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth extracts bearer tokens from HTTP requests.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
)

// Credentials holds every token a client presented, in the order
// they were found. Callers decide which one (if any) is valid.
type Credentials struct {
	Tokens []string
}

type contextKey struct{}

func NewContext(ctx context.Context, c *Credentials) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

func FromContext(ctx context.Context) (*Credentials, bool) {
	c, ok := ctx.Value(contextKey{}).(*Credentials)
	return c, ok
}

// CredentialsFromRequest returns the credentials stashed in the
// request context by LoadToken, or parses them from the request
// headers and query string.
//
// "Authorization: Bearer xyz" and "Authorization: OAuth2 xyz" headers
// are accepted, as are api_token query parameters.
func CredentialsFromRequest(r *http.Request) *Credentials {
	if c, ok := FromContext(r.Context()); ok {
		return c
	}
	c := &Credentials{}
	if scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && (scheme == "Bearer" || scheme == "OAuth2") {
		c.Tokens = append(c.Tokens, strings.TrimSpace(tok))
	}
	// Decoding errors are reported by the router, which parses
	// the query string itself.
	q, _ := url.ParseQuery(r.URL.RawQuery)
	for _, tok := range q["api_token"] {
		c.Tokens = append(c.Tokens, strings.TrimSpace(tok))
	}
	return c
}

// LoadToken parses the request credentials once, so handlers further
// down the stack get them from the context.
func LoadToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			r = r.WithContext(NewContext(r.Context(), CredentialsFromRequest(r)))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireLiteralToken passes requests to next only if they carry the
// given token. Requests without a token get 401, requests with the
// wrong one get 403. An empty token disables the check.
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens := CredentialsFromRequest(r).Tokens
		for _, t := range tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		code := http.StatusForbidden
		if len(tokens) == 0 {
			code = http.StatusUnauthorized
		}
		http.Error(w, http.StatusText(code), code)
	})
}
