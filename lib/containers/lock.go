// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"context"
	"errors"
	"sort"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
)

// ContainerLock gives the caller exclusive dispatch ownership of a
// Queued container. The row lock taken by modifyContainer ensures
// that of two concurrent callers, the second sees the first one's
// Locked state and gets AlreadyLocked.
func (conn *Conn) ContainerLock(ctx context.Context, caller Caller, opts arvados.GetOptions) (arvados.Container, error) {
	resp, err := conn.modifyContainer(ctx, caller, opts.UUID, func(ctr arvados.Container) (arvados.Container, error) {
		switch ctr.State {
		case arvados.ContainerStateQueued:
		case arvados.ContainerStateLocked, arvados.ContainerStateRunning:
			return ctr, arvados.Errorf(arvados.KindAlreadyLocked, "cannot lock when %s", ctr.State)
		default:
			return ctr, arvados.Errorf(arvados.KindInvalidStateTransition, "cannot lock when %s", ctr.State)
		}
		ctr.State = arvados.ContainerStateLocked
		return ctr, nil
	})
	conn.metrics.lockAttempts.WithLabelValues(lockResult(err)).Inc()
	return resp, err
}

// ContainerUnlock returns a Locked container to the queue. Only the
// lock holder may unlock it.
func (conn *Conn) ContainerUnlock(ctx context.Context, caller Caller, opts arvados.GetOptions) (arvados.Container, error) {
	return conn.modifyContainer(ctx, caller, opts.UUID, func(ctr arvados.Container) (arvados.Container, error) {
		if ctr.State != arvados.ContainerStateLocked {
			return ctr, arvados.Errorf(arvados.KindInvalidStateTransition, "cannot unlock when %s", ctr.State)
		}
		if !caller.System && ctr.LockedByUUID != caller.Token.UUID {
			return ctr, arvados.Errorf(arvados.KindLockOwnershipError, "container %s is locked by a different token", ctr.UUID)
		}
		ctr.State = arvados.ContainerStateQueued
		return ctr, nil
	})
}

// ContainerLockNext locks the highest priority Queued container that
// satisfies opts. It returns nil if there is none.
func (conn *Conn) ContainerLockNext(ctx context.Context, caller Caller, opts arvados.LockNextOptions) (*arvados.Container, error) {
	if !caller.IsAdmin() {
		return nil, arvados.Errorf(arvados.KindPermissionDenied, "only dispatchers may lock containers")
	}
	var candidates []arvados.Container
	err := conn.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		queued, err := tx.ListContainers(ctx, store.ContainerFilter{
			States:      []arvados.ContainerState{arvados.ContainerStateQueued},
			MinPriority: 1,
		})
		if err != nil {
			return err
		}
		for _, ctr := range queued {
			if lockNextMatch(opts, ctr) {
				candidates = append(candidates, ctr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	logger := ctxlog.FromContext(ctx)
	for _, ctr := range candidates {
		locked, err := conn.ContainerLock(ctx, caller, arvados.GetOptions{UUID: ctr.UUID})
		switch {
		case err == nil:
			return &locked, nil
		case errors.Is(err, arvados.ErrAlreadyLocked), errors.Is(err, arvados.ErrNotEligible), errors.Is(err, arvados.ErrInvalidStateTransition):
			// Changed since we listed it, try the next one.
			logger.WithError(err).WithField("ContainerUUID", ctr.UUID).Debug("skipping lock_next candidate")
		default:
			return nil, err
		}
	}
	return nil, nil
}

func lockNextMatch(opts arvados.LockNextOptions, ctr arvados.Container) bool {
	if opts.NoPreemptible && ctr.SchedulingParameters.IsPreemptible() {
		return false
	}
	if opts.MaxRAM > 0 && ctr.RuntimeConstraints.RAM > opts.MaxRAM {
		return false
	}
	if opts.MaxVCPUs > 0 && ctr.RuntimeConstraints.VCPUs > opts.MaxVCPUs {
		return false
	}
	if len(opts.Partitions) == 0 || len(ctr.SchedulingParameters.Partitions) == 0 {
		return true
	}
	for _, want := range ctr.SchedulingParameters.Partitions {
		for _, have := range opts.Partitions {
			if want == have {
				return true
			}
		}
	}
	return false
}

func lockResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, arvados.ErrAlreadyLocked):
		return "already_locked"
	case errors.Is(err, arvados.ErrNotEligible):
		return "not_eligible"
	default:
		return "error"
	}
}
