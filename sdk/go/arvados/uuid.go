// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package arvados

import (
	"fmt"
	"regexp"

	"github.com/jmcvetta/randutil"
)

// Object type infixes used in UUIDs ("{cluster}-{infix}-{random}").
const (
	InfixContainer              = "dz642"
	InfixContainerRequest       = "xvhdp"
	InfixCollection             = "4zz18"
	InfixDockerImage            = "o0j2j"
	InfixUser                   = "tpzed"
	InfixAPIClientAuthorization = "gj3su"
)

const uuidChars = "abcdefghijklmnopqrstuvwxyz0123456789"

var uuidRegexp = regexp.MustCompile(`^[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15}$`)

// NewUUID returns a new random UUID for an object of the given type
// on the given cluster.
func NewUUID(clusterID, infix string) (string, error) {
	rnd, err := randutil.String(15, uuidChars)
	if err != nil {
		return "", fmt.Errorf("generating uuid: %w", err)
	}
	return clusterID + "-" + infix + "-" + rnd, nil
}

// NewSecret returns a new random API token secret.
func NewSecret() (string, error) {
	return randutil.String(50, uuidChars)
}

// UUIDMatch reports whether s looks like an object UUID.
func UUIDMatch(s string) bool {
	return uuidRegexp.MatchString(s)
}

// SystemUserUUID returns the UUID of the system user on the given
// cluster.
func SystemUserUUID(clusterID string) string {
	return clusterID + "-" + InfixUser + "-000000000000000"
}
