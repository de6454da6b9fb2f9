// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package arvados

type APIEndpoint struct {
	Method string
	Path   string
	// "new attributes" key for create/update requests
	AttrsKey string
}

var (
	EndpointContainerRequestCreate = APIEndpoint{"POST", "arvados/v1/container_requests", "container_request"}
	EndpointContainerRequestUpdate = APIEndpoint{"PATCH", "arvados/v1/container_requests/:uuid", "container_request"}
	EndpointContainerRequestGet    = APIEndpoint{"GET", "arvados/v1/container_requests/:uuid", ""}
	EndpointContainerRequestCommit = APIEndpoint{"POST", "arvados/v1/container_requests/:uuid/commit", ""}
	EndpointContainerUpdate        = APIEndpoint{"PATCH", "arvados/v1/containers/:uuid", "container"}
	EndpointContainerGet           = APIEndpoint{"GET", "arvados/v1/containers/:uuid", ""}
	EndpointContainerLock          = APIEndpoint{"POST", "arvados/v1/containers/:uuid/lock", ""}
	EndpointContainerUnlock        = APIEndpoint{"POST", "arvados/v1/containers/:uuid/unlock", ""}
	EndpointContainerAuth          = APIEndpoint{"GET", "arvados/v1/containers/:uuid/auth", ""}
	EndpointContainerProgress      = APIEndpoint{"POST", "arvados/v1/containers/:uuid/progress", ""}
	EndpointContainerTerminal      = APIEndpoint{"POST", "arvados/v1/containers/:uuid/terminal", ""}
	EndpointContainerLockNext      = APIEndpoint{"POST", "arvados/v1/containers/lock_next", ""}
	EndpointContainerCurrent       = APIEndpoint{"GET", "arvados/v1/containers/current", ""}
)

// PriorityOptions sets a container request's priority.
type PriorityOptions struct {
	UUID     string `json:"uuid"`
	Priority int    `json:"priority"`
}

type GetOptions struct {
	UUID string `json:"uuid"`
}

type CreateOptions struct {
	Attrs map[string]interface{} `json:"attrs"`
}

type UpdateOptions struct {
	UUID  string                 `json:"uuid"`
	Attrs map[string]interface{} `json:"attrs"`
}

// LockNextOptions select which Queued containers a dispatcher is
// willing to run.
type LockNextOptions struct {
	// Only consider containers whose scheduling parameters allow
	// one of these partitions (containers with no partitions
	// match any). Empty means no restriction.
	Partitions []string `json:"partitions"`
	// Upper bounds on runtime constraints. Zero means no limit.
	MaxRAM   int64 `json:"max_ram"`
	MaxVCPUs int   `json:"max_vcpus"`
	// Skip preemptible containers.
	NoPreemptible bool `json:"no_preemptible"`
}

// ProgressReport is a running container's self-reported status.
type ProgressReport struct {
	Progress      *float64               `json:"progress"`
	Output        *string                `json:"output"`
	RuntimeStatus map[string]interface{} `json:"runtime_status"`
}

// TerminalReport moves a container to Complete or Cancelled.
type TerminalReport struct {
	State    ContainerState `json:"state"`
	ExitCode *int           `json:"exit_code"`
	Output   *string        `json:"output"`
	Log      *string        `json:"log"`
}
