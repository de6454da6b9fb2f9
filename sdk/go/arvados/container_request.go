// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package arvados

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ContainerRequest is an arvados#container_request resource.
type ContainerRequest struct {
	UUID                    string                    `json:"uuid"`
	OwnerUUID               string                    `json:"owner_uuid"`
	CreatedAt               time.Time                 `json:"created_at"`
	ModifiedAt              time.Time                 `json:"modified_at"`
	ModifiedByUserUUID      string                    `json:"modified_by_user_uuid"`
	Name                    string                    `json:"name"`
	Description             string                    `json:"description"`
	State                   ContainerRequestState     `json:"state"`
	Priority                int                       `json:"priority"`
	Command                 []string                  `json:"command"`
	ContainerImage          string                    `json:"container_image"`
	Cwd                     string                    `json:"cwd"`
	Environment             map[string]string         `json:"environment"`
	Mounts                  map[string]Mount          `json:"mounts"`
	OutputPath              string                    `json:"output_path"`
	RuntimeConstraints      RequestRuntimeConstraints `json:"runtime_constraints"`
	SchedulingParameters    SchedulingParameters      `json:"scheduling_parameters"`
	UseExisting             bool                      `json:"use_existing"`
	ContainerCountMax       int                       `json:"container_count_max"`
	OutputName              string                    `json:"output_name"`
	OutputTTL               int                       `json:"output_ttl"`
	ContainerUUID           string                    `json:"container_uuid"`
	ContainerCount          int                       `json:"container_count"`
	RequestingContainerUUID string                    `json:"requesting_container_uuid"`
	OutputUUID              string                    `json:"output_uuid"`
	LogUUID                 string                    `json:"log_uuid"`
	Properties              map[string]interface{}    `json:"properties"`
}

// ContainerRequestState is a string corresponding to a valid Container Request state.
type ContainerRequestState string

const (
	ContainerRequestStateUncommitted = ContainerRequestState("Uncommitted")
	ContainerRequestStateCommitted   = ContainerRequestState("Committed")
	ContainerRequestStateFinal       = ContainerRequestState("Final")
)

// RequestRuntimeConstraints are the runtime constraints given in a
// container request. Numeric values may be given either as a single
// number or as a [min, max] range.
type RequestRuntimeConstraints struct {
	API           *bool `json:"API,omitempty"`
	RAM           Range `json:"ram"`
	VCPUs         Range `json:"vcpus"`
	KeepCacheRAM  Range `json:"keep_cache_ram,omitempty"`
	KeepCacheDisk Range `json:"keep_cache_disk,omitempty"`
}

// Range is a runtime constraint value: either a single number or an
// ascending list of acceptable values. An empty Range means "not
// given".
type Range []int64

// Min returns the smallest acceptable value, or 0 if r is empty.
func (r Range) Min() int64 {
	if len(r) == 0 {
		return 0
	}
	return r[0]
}

// Given reports whether any value was supplied.
func (r Range) Given() bool {
	return len(r) > 0
}

// UnmarshalJSON accepts either a number, a list of numbers, or null.
func (r *Range) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var vals []int64
		if err := json.Unmarshal(data, &vals); err != nil {
			return fmt.Errorf("invalid range %s: %w", data, err)
		}
		*r = Range(vals)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid constraint value %s: %w", data, err)
	}
	*r = Range{v}
	return nil
}

// MarshalJSON encodes a single-value Range as a plain number.
func (r Range) MarshalJSON() ([]byte, error) {
	switch len(r) {
	case 0:
		return []byte("null"), nil
	case 1:
		return json.Marshal(r[0])
	default:
		return json.Marshal([]int64(r))
	}
}
