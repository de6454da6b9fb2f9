// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package arvados

import "time"

// User is an arvados#user record
type User struct {
	UUID      string    `json:"uuid"`
	IsActive  bool      `json:"is_active"`
	IsAdmin   bool      `json:"is_admin"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Permission grants UserUUID read access to every object owned by
// TargetUUID (a user or project).
type Permission struct {
	UserUUID   string `json:"user_uuid"`
	TargetUUID string `json:"target_uuid"`
}
