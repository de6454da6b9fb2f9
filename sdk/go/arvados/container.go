// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package arvados

import "time"

// Container is an arvados#container resource.
type Container struct {
	UUID                 string                 `json:"uuid"`
	CreatedAt            time.Time              `json:"created_at"`
	ModifiedAt           time.Time              `json:"modified_at"`
	Command              []string               `json:"command"`
	ContainerImage       string                 `json:"container_image"`
	Cwd                  string                 `json:"cwd"`
	Environment          map[string]string      `json:"environment"`
	Mounts               map[string]Mount       `json:"mounts"`
	OutputPath           string                 `json:"output_path"`
	RuntimeConstraints   RuntimeConstraints     `json:"runtime_constraints"`
	SchedulingParameters SchedulingParameters   `json:"scheduling_parameters"`
	SpecHash             string                 `json:"spec_hash"`
	State                ContainerState         `json:"state"`
	Priority             int                    `json:"priority"`
	LockedByUUID         string                 `json:"locked_by_uuid"`
	LockCount            int                    `json:"lock_count"`
	AuthUUID             string                 `json:"auth_uuid"`
	RuntimeUserUUID      string                 `json:"runtime_user_uuid"`
	RuntimeStatus        map[string]interface{} `json:"runtime_status"`
	StartedAt            *time.Time             `json:"started_at"`
	FinishedAt           *time.Time             `json:"finished_at"`
	Progress             float64                `json:"progress"`
	Output               string                 `json:"output"`
	Log                  string                 `json:"log"`
	ExitCode             *int                   `json:"exit_code"`
}

// Final reports whether the container has reached a terminal state.
func (c Container) Final() bool {
	return c.State.Final()
}

// Mount is special behavior to attach to a filesystem path or device.
type Mount struct {
	Kind              string      `json:"kind"`
	Writable          bool        `json:"writable,omitempty"`
	PortableDataHash  string      `json:"portable_data_hash,omitempty"`
	UUID              string      `json:"uuid,omitempty"`
	Path              string      `json:"path,omitempty"`
	Content           interface{} `json:"content,omitempty"`
	ExcludeFromOutput bool        `json:"exclude_from_output,omitempty"`
	Capacity          int64       `json:"capacity,omitempty"`
}

// RuntimeConstraints specify a container's compute resources (RAM,
// CPU) and network connectivity. Unlike the constraints given in a
// container request, every value here is concrete.
type RuntimeConstraints struct {
	API           *bool `json:"API,omitempty"`
	RAM           int64 `json:"ram"`
	VCPUs         int   `json:"vcpus"`
	KeepCacheRAM  int64 `json:"keep_cache_ram"`
	KeepCacheDisk int64 `json:"keep_cache_disk"`
}

// SchedulingParameters specify a container's scheduling parameters
// such as Partitions
type SchedulingParameters struct {
	Partitions []string `json:"partitions,omitempty"`
	// Nil means the client did not say; see IsPreemptible.
	Preemptible *bool `json:"preemptible,omitempty"`
	MaxRunTime  int   `json:"max_run_time,omitempty"`
}

// IsPreemptible reports whether preemptible instances were
// explicitly requested.
func (sp SchedulingParameters) IsPreemptible() bool {
	return sp.Preemptible != nil && *sp.Preemptible
}

// ContainerState is a string corresponding to a valid Container state.
type ContainerState string

const (
	ContainerStateQueued    = ContainerState("Queued")
	ContainerStateLocked    = ContainerState("Locked")
	ContainerStateRunning   = ContainerState("Running")
	ContainerStateComplete  = ContainerState("Complete")
	ContainerStateCancelled = ContainerState("Cancelled")
)

// ContainerStates lists every valid state, in the order used when
// sorting reuse candidates ("state asc").
var ContainerStates = []ContainerState{
	ContainerStateCancelled,
	ContainerStateComplete,
	ContainerStateLocked,
	ContainerStateQueued,
	ContainerStateRunning,
}

// Final reports whether s is Complete or Cancelled.
func (s ContainerState) Final() bool {
	return s == ContainerStateComplete || s == ContainerStateCancelled
}

// Active reports whether s is Queued, Locked, or Running.
func (s ContainerState) Active() bool {
	return s == ContainerStateQueued || s == ContainerStateLocked || s == ContainerStateRunning
}

// HoldsLock reports whether a container in state s is owned by a
// dispatcher.
func (s ContainerState) HoldsLock() bool {
	return s == ContainerStateLocked || s == ContainerStateRunning
}

// Valid reports whether s is one of the known container states.
func (s ContainerState) Valid() bool {
	for _, ok := range ContainerStates {
		if s == ok {
			return true
		}
	}
	return false
}
