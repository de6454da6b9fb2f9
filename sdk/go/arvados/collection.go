// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package arvados

import (
	"regexp"
	"time"
)

// Collection is an arvados#collection resource.
type Collection struct {
	UUID             string                 `json:"uuid"`
	OwnerUUID        string                 `json:"owner_uuid"`
	CreatedAt        time.Time              `json:"created_at"`
	ModifiedAt       time.Time              `json:"modified_at"`
	Name             string                 `json:"name"`
	PortableDataHash string                 `json:"portable_data_hash"`
	ManifestText     string                 `json:"manifest_text"`
	TrashAt          *time.Time             `json:"trash_at"`
	DeleteAt         *time.Time             `json:"delete_at"`
	Properties       map[string]interface{} `json:"properties"`
}

// DockerImage is a named, tagged reference to a collection that
// holds a container image. Several DockerImage records may point to
// different collections under the same repository and tag; the most
// recently created one wins.
type DockerImage struct {
	UUID             string    `json:"uuid"`
	OwnerUUID        string    `json:"owner_uuid"`
	CreatedAt        time.Time `json:"created_at"`
	Repository       string    `json:"repository"`
	Tag              string    `json:"tag"`
	PortableDataHash string    `json:"portable_data_hash"`
}

var pdhRegexp = regexp.MustCompile(`^[0-9a-f]{32}\+\d+$`)

// PDHMatch reports whether s is a portable data hash ("{md5}+{size}").
func PDHMatch(s string) bool {
	return pdhRegexp.MatchString(s)
}
