// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"git.arvados.org/crunchq.git/sdk/go/arvados"
)

const maxRequestPriority = 1000

var requestTransitions = map[arvados.ContainerRequestState][]arvados.ContainerRequestState{
	"":                                       {arvados.ContainerRequestStateUncommitted, arvados.ContainerRequestStateCommitted},
	arvados.ContainerRequestStateUncommitted: {arvados.ContainerRequestStateCommitted},
	arvados.ContainerRequestStateCommitted:   {arvados.ContainerRequestStateFinal},
}

func checkRequestTransition(from, to arvados.ContainerRequestState) error {
	if from == to {
		return nil
	}
	for _, ok := range requestTransitions[from] {
		if to == ok {
			return nil
		}
	}
	return arvados.Errorf(arvados.KindInvalidStateTransition, "cannot change container request state from %q to %q", from, to)
}

// newRequest returns a container request with default values for
// everything a client might omit.
func newRequest(cluster *arvados.Cluster) arvados.ContainerRequest {
	return arvados.ContainerRequest{
		State:                arvados.ContainerRequestStateUncommitted,
		Environment:          map[string]string{},
		Mounts:               map[string]arvados.Mount{},
		Cwd:                  ".",
		ContainerCountMax:    cluster.Containers.DefaultContainerCountMax,
		SchedulingParameters: arvados.SchedulingParameters{},
		Properties:           map[string]interface{}{},
		UseExisting:          true,
	}
}

// requestPermittedFields returns the fields a client may change when
// updating a container request from prev to next. prev.State is ""
// when the request is being created.
func requestPermittedFields(prev, next arvados.ContainerRequest, caller Caller) map[string]bool {
	permitted := fieldSet("state", "name", "description", "properties")
	if prev.State == "" && caller.IsAdmin() {
		permitted["owner_uuid"] = true
	}
	switch prev.State {
	case "", arvados.ContainerRequestStateUncommitted:
		addFields(permitted, "command", "container_count_max", "container_image", "cwd",
			"environment", "mounts", "output_path", "priority", "runtime_constraints",
			"use_existing", "scheduling_parameters", "output_name", "output_ttl")
		if caller.IsAdmin() {
			permitted["container_uuid"] = true
		}
	case arvados.ContainerRequestStateCommitted:
		addFields(permitted, "priority", "container_count_max")
		if next.State == arvados.ContainerRequestStateCommitted && caller.IsAdmin() {
			permitted["container_uuid"] = true
		}
		if next.State == arvados.ContainerRequestStateFinal && caller.IsAdmin() {
			addFields(permitted, "output_uuid", "log_uuid")
		}
	}
	return permitted
}

// validateRequest checks the request's attributes. Requests leaving
// the Uncommitted state must describe a runnable container.
func validateRequest(cluster *arvados.Cluster, cr arvados.ContainerRequest) error {
	if cr.Priority < 0 || cr.Priority > maxRequestPriority {
		return arvados.Errorf(arvados.KindInvalidAttributes, "priority must be between 0 and %d", maxRequestPriority)
	}
	if cr.OutputTTL < 0 {
		return arvados.Errorf(arvados.KindInvalidAttributes, "output_ttl must be non-negative")
	}
	if cr.ContainerCountMax < 0 {
		return arvados.Errorf(arvados.KindInvalidAttributes, "container_count_max must be non-negative")
	}
	if cr.SchedulingParameters.IsPreemptible() && !cluster.Containers.PreemptibleInstances {
		return arvados.Errorf(arvados.KindInvalidAttributes, "preemptible instances are not configured")
	}
	if cr.SchedulingParameters.MaxRunTime < 0 {
		return arvados.Errorf(arvados.KindInvalidAttributes, "max_run_time must be non-negative")
	}
	if cr.State == arvados.ContainerRequestStateUncommitted {
		return nil
	}
	switch {
	case len(cr.Command) == 0:
		return arvados.Errorf(arvados.KindInvalidAttributes, "command is required")
	case cr.ContainerImage == "":
		return arvados.Errorf(arvados.KindInvalidAttributes, "container_image is required")
	case cr.OutputPath == "":
		return arvados.Errorf(arvados.KindInvalidAttributes, "output_path is required")
	case cr.Cwd == "":
		return arvados.Errorf(arvados.KindInvalidAttributes, "cwd is required")
	}
	return validateConstraints(cr.RuntimeConstraints)
}

func validateConstraints(rc arvados.RequestRuntimeConstraints) error {
	for _, c := range []struct {
		name     string
		r        arvados.Range
		required bool
	}{
		{"vcpus", rc.VCPUs, true},
		{"ram", rc.RAM, true},
		{"keep_cache_ram", rc.KeepCacheRAM, false},
		{"keep_cache_disk", rc.KeepCacheDisk, false},
	} {
		if !c.r.Given() {
			if c.required {
				return arvados.Errorf(arvados.KindInvalidConstraints, "%s is required", c.name)
			}
			continue
		}
		if len(c.r) > 2 {
			return arvados.Errorf(arvados.KindInvalidConstraints, "%s must be a number or a [min, max] range", c.name)
		}
		if len(c.r) == 2 && c.r[0] > c.r[1] {
			return arvados.Errorf(arvados.KindInvalidConstraints, "%s range %v is not ascending", c.name, []int64(c.r))
		}
		if c.r[0] <= 0 && c.name != "keep_cache_disk" {
			return arvados.Errorf(arvados.KindInvalidConstraints, "%s must be positive", c.name)
		}
		if c.r[0] < 0 {
			return arvados.Errorf(arvados.KindInvalidConstraints, "%s must not be negative", c.name)
		}
	}
	return nil
}
