// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"time"

	"git.arvados.org/crunchq.git/sdk/go/arvados"
)

var containerTransitions = map[arvados.ContainerState][]arvados.ContainerState{
	"":                            {arvados.ContainerStateQueued},
	arvados.ContainerStateQueued:  {arvados.ContainerStateLocked, arvados.ContainerStateCancelled},
	arvados.ContainerStateLocked:  {arvados.ContainerStateQueued, arvados.ContainerStateRunning, arvados.ContainerStateCancelled},
	arvados.ContainerStateRunning: {arvados.ContainerStateComplete, arvados.ContainerStateCancelled},
}

func checkContainerTransition(from, to arvados.ContainerState) error {
	if !to.Valid() {
		return arvados.Errorf(arvados.KindInvalidAttributes, "invalid container state %q", to)
	}
	if from == to {
		return nil
	}
	for _, ok := range containerTransitions[from] {
		if to == ok {
			return nil
		}
	}
	return arvados.Errorf(arvados.KindInvalidStateTransition, "cannot change container state from %q to %q", from, to)
}

// Fields a dispatcher or runner reports while the container
// executes.
var progressFields = []string{"progress", "runtime_status", "output", "log", "exit_code"}

// containerPermittedFields returns the fields a caller may change
// when updating a container from prev to next.
func containerPermittedFields(prev, next arvados.Container, caller Caller) (map[string]bool, error) {
	// locked_by_uuid is checked by checkLockOwner.
	permitted := fieldSet("state", "locked_by_uuid")
	switch next.State {
	case arvados.ContainerStateQueued:
		permitted["priority"] = true
	case arvados.ContainerStateLocked:
		addFields(permitted, "priority", "runtime_status", "log")
	case arvados.ContainerStateRunning:
		addFields(permitted, "priority")
		addFields(permitted, progressFields...)
		if prev.State != arvados.ContainerStateRunning {
			permitted["started_at"] = true
		}
	case arvados.ContainerStateComplete:
		if prev.State == arvados.ContainerStateRunning {
			addFields(permitted, "finished_at")
			addFields(permitted, progressFields...)
		}
	case arvados.ContainerStateCancelled:
		switch prev.State {
		case arvados.ContainerStateRunning:
			addFields(permitted, "finished_at")
			addFields(permitted, progressFields...)
		case arvados.ContainerStateQueued, arvados.ContainerStateLocked:
			addFields(permitted, "finished_at", "log", "runtime_status")
		}
	}

	switch {
	case isRunner(prev, caller):
		// The container's own process can report its outcome
		// but not reprioritize itself.
		delete(permitted, "priority")
	case !caller.IsAdmin():
		return nil, arvados.Errorf(arvados.KindPermissionDenied, "only dispatchers and the container itself may update a container")
	case !caller.System && prev.LockedByUUID != "" && prev.LockedByUUID != caller.Token.UUID:
		// Another dispatcher holds the lock.
		for _, k := range progressFields {
			delete(permitted, k)
		}
	}
	return permitted, nil
}

// isRunner reports whether caller is the process running inside
// ctr, i.e., is using the container's scoped credential.
func isRunner(ctr arvados.Container, caller Caller) bool {
	return ctr.AuthUUID != "" && caller.Token.UUID == ctr.AuthUUID && ctr.State == arvados.ContainerStateRunning
}

// checkLockOwner enforces locked_by_uuid: while the container is
// Locked or Running it names the holder, and only the holder may
// confirm it. Otherwise it is empty.
func checkLockOwner(prev arvados.Container, next *arvados.Container, caller Caller) error {
	need := ""
	if next.State.HoldsLock() {
		need = prev.LockedByUUID
		if need == "" {
			need = caller.Token.UUID
		}
	}
	if next.LockedByUUID != prev.LockedByUUID && next.LockedByUUID != need {
		return arvados.Errorf(arvados.KindLockOwnershipError, "locked_by_uuid can only change to %q", need)
	}
	if prev.State.HoldsLock() && next.State != prev.State && !caller.System && !isRunner(prev, caller) &&
		prev.LockedByUUID != caller.Token.UUID && next.State != arvados.ContainerStateCancelled {
		return arvados.Errorf(arvados.KindLockOwnershipError, "container is locked by a different token")
	}
	next.LockedByUUID = need
	return nil
}

// setTimestamps fills in started_at and finished_at when entering
// Running or a final state, unless the caller supplied them.
func setTimestamps(prev arvados.Container, next *arvados.Container, now time.Time) {
	if next.State == prev.State {
		return
	}
	if next.State == arvados.ContainerStateRunning && next.StartedAt == nil {
		next.StartedAt = &now
	}
	if next.State.Final() && next.FinishedAt == nil {
		next.FinishedAt = &now
	}
}

func addFields(m map[string]bool, keys ...string) {
	for _, k := range keys {
		m[k] = true
	}
}
