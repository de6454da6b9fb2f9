// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package arvados

import (
	"fmt"
	"strings"
	"time"
)

// APIClientAuthorization is an arvados#apiClientAuthorization resource.
type APIClientAuthorization struct {
	UUID      string     `json:"uuid"`
	APIToken  string     `json:"api_token"`
	UserUUID  string     `json:"user_uuid"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	Scopes    []string   `json:"scopes"`
}

// TokenV2 returns the token in "v2/{uuid}/{secret}" form.
func (aca APIClientAuthorization) TokenV2() string {
	return "v2/" + aca.UUID + "/" + aca.APIToken
}

// Expired reports whether the token is no longer valid at time t.
func (aca APIClientAuthorization) Expired(t time.Time) bool {
	return aca.ExpiresAt != nil && !aca.ExpiresAt.After(t)
}

// Permits reports whether the token's scopes allow the given method
// and path. A token with scope "all" permits everything.
func (aca APIClientAuthorization) Permits(method, path string) bool {
	for _, scope := range aca.Scopes {
		if scope == "all" {
			return true
		}
		m, p, ok := strings.Cut(scope, " ")
		if !ok || m != method {
			continue
		}
		if p == path || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

// ParseToken splits a v2 token into its UUID and secret parts. A bare
// secret is returned with an empty UUID.
func ParseToken(token string) (uuid, secret string, err error) {
	if !strings.HasPrefix(token, "v2/") {
		return "", token, nil
	}
	fields := strings.Split(token, "/")
	if len(fields) < 3 || fields[1] == "" || fields[2] == "" {
		return "", "", fmt.Errorf("malformed v2 token")
	}
	return fields[1], fields[2], nil
}
