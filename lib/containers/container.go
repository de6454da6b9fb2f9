// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"context"
	"fmt"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

func (conn *Conn) ContainerGet(ctx context.Context, caller Caller, opts arvados.GetOptions) (resp arvados.Container, err error) {
	err = conn.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ctr, err := tx.GetContainer(ctx, opts.UUID, false)
		if err != nil {
			return err
		}
		if err := checkContainerReadable(ctx, tx, caller, ctr); err != nil {
			return err
		}
		resp = ctr
		return nil
	})
	return
}

// checkContainerReadable returns NotFound unless the caller is an
// admin, the container's own process, or can read a request that
// uses the container.
func checkContainerReadable(ctx context.Context, tx store.Tx, caller Caller, ctr arvados.Container) error {
	if caller.IsAdmin() || (ctr.AuthUUID != "" && ctr.AuthUUID == caller.Token.UUID) {
		return nil
	}
	crs, err := tx.ListContainerRequests(ctx, store.ContainerRequestFilter{ContainerUUIDs: []string{ctr.UUID}})
	if err != nil {
		return err
	}
	for _, cr := range crs {
		ok, err := caller.readable(ctx, tx, cr.OwnerUUID)
		if err != nil || ok {
			return err
		}
	}
	return arvados.Errorf(arvados.KindNotFound, "container %s not found", ctr.UUID)
}

// ContainerUpdate applies the given attributes to a container. It
// is used by dispatchers to report state changes.
func (conn *Conn) ContainerUpdate(ctx context.Context, caller Caller, opts arvados.UpdateOptions) (arvados.Container, error) {
	return conn.modifyContainer(ctx, caller, opts.UUID, func(ctr arvados.Container) (arvados.Container, error) {
		return applyAttrs(ctr, opts.Attrs)
	})
}

// ContainerReportProgress records progress reported by the process
// running inside the container, which must authenticate with the
// container's own credential.
func (conn *Conn) ContainerReportProgress(ctx context.Context, caller Caller, uuid string, report arvados.ProgressReport) (arvados.Container, error) {
	attrs := map[string]interface{}{}
	if report.Progress != nil {
		attrs["progress"] = *report.Progress
	}
	if report.Output != nil {
		attrs["output"] = *report.Output
	}
	if report.RuntimeStatus != nil {
		attrs["runtime_status"] = report.RuntimeStatus
	}
	return conn.modifyContainer(ctx, caller, uuid, func(ctr arvados.Container) (arvados.Container, error) {
		if !isRunner(ctr, caller) {
			return ctr, arvados.Errorf(arvados.KindPermissionDenied, "progress can only be reported with the container's own credential")
		}
		return applyAttrs(ctr, attrs)
	})
}

// ContainerReportTerminal records the outcome reported by the
// process running inside the container.
func (conn *Conn) ContainerReportTerminal(ctx context.Context, caller Caller, uuid string, report arvados.TerminalReport) (arvados.Container, error) {
	if !report.State.Final() {
		return arvados.Container{}, arvados.Errorf(arvados.KindInvalidAttributes, "terminal state must be Complete or Cancelled, not %q", report.State)
	}
	attrs := map[string]interface{}{"state": report.State}
	if report.ExitCode != nil {
		attrs["exit_code"] = *report.ExitCode
	}
	if report.Output != nil {
		attrs["output"] = *report.Output
	}
	if report.Log != nil {
		attrs["log"] = *report.Log
	}
	return conn.modifyContainer(ctx, caller, uuid, func(ctr arvados.Container) (arvados.Container, error) {
		if !isRunner(ctr, caller) {
			return ctr, arvados.Errorf(arvados.KindPermissionDenied, "outcome can only be reported with the container's own credential")
		}
		return applyAttrs(ctr, attrs)
	})
}

// ContainerCurrent returns the container whose credential the
// caller is using.
func (conn *Conn) ContainerCurrent(ctx context.Context, caller Caller) (resp arvados.Container, err error) {
	if caller.Token.UUID == "" || caller.System {
		return resp, arvados.Errorf(arvados.KindNotFound, "token is not associated with a container")
	}
	err = conn.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ctrs, err := tx.ListContainers(ctx, store.ContainerFilter{AuthUUID: caller.Token.UUID, Limit: 1})
		if err != nil {
			return err
		}
		if len(ctrs) == 0 {
			return arvados.Errorf(arvados.KindNotFound, "token is not associated with a container")
		}
		resp = ctrs[0]
		return nil
	})
	return
}

// ContainerAuth returns the credential for the process running in a
// container. Only the dispatcher holding the lock may retrieve it.
func (conn *Conn) ContainerAuth(ctx context.Context, caller Caller, opts arvados.GetOptions) (resp arvados.APIClientAuthorization, err error) {
	err = conn.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ctr, err := tx.GetContainer(ctx, opts.UUID, false)
		if err != nil {
			return err
		}
		if !caller.IsAdmin() || (!caller.System && ctr.LockedByUUID != caller.Token.UUID) {
			return arvados.Errorf(arvados.KindPermissionDenied, "container %s is not locked by the current token", ctr.UUID)
		}
		if ctr.AuthUUID == "" {
			return arvados.Errorf(arvados.KindNotFound, "container %s has no credential in state %s", ctr.UUID, ctr.State)
		}
		resp, err = tx.LookupAPIClientAuthorization(ctx, ctr.AuthUUID)
		return err
	})
	return
}

// modifyContainer locks the container row, computes the desired new
// record with change, and saves it. Once the change is committed, it
// triggers the completion cascade if the container became final.
func (conn *Conn) modifyContainer(ctx context.Context, caller Caller, uuid string, change func(arvados.Container) (arvados.Container, error)) (resp arvados.Container, err error) {
	var prev arvados.Container
	err = conn.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		prev, err = tx.GetContainer(ctx, uuid, true)
		if err != nil {
			return err
		}
		next, err := change(prev)
		if err != nil {
			return err
		}
		resp, err = conn.updateContainer(ctx, tx, caller, prev, next)
		return err
	})
	if err != nil {
		return
	}
	conn.afterContainerUpdate(ctx, prev, resp)
	return
}

// afterContainerUpdate runs follow-up work for a committed container
// update.
func (conn *Conn) afterContainerUpdate(ctx context.Context, prev, ctr arvados.Container) {
	if prev.AuthUUID != "" && ctr.AuthUUID != prev.AuthUUID {
		conn.forgetToken(prev.AuthUUID)
	}
	if !prev.State.Final() && ctr.State.Final() {
		// Errors are logged, and the cascade sweep retries.
		conn.runCascade(ctx, ctr.UUID)
	}
	nudge(conn.wantPriorityUpdate)
}

// updateContainer validates and saves the change from prev to next,
// in order: state transition, field whitelist, lock ownership, lock
// and unlock bookkeeping, output, timestamps, credential.
func (conn *Conn) updateContainer(ctx context.Context, tx store.Tx, caller Caller, prev, next arvados.Container) (arvados.Container, error) {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"ContainerUUID": prev.UUID,
		"State":         next.State,
		"Holder":        caller.Token.UUID,
	})
	if err := checkContainerTransition(prev.State, next.State); err != nil {
		return prev, err
	}
	changed, err := changedFields(prev, next)
	if err != nil {
		return prev, err
	}
	permitted, err := containerPermittedFields(prev, next, caller)
	if err != nil {
		return prev, err
	}
	if err := checkWhitelist(changed, permitted); err != nil {
		return prev, err
	}
	if err := checkLockOwner(prev, &next, caller); err != nil {
		return prev, err
	}

	switch {
	case prev.State == arvados.ContainerStateQueued && next.State == arvados.ContainerStateLocked:
		// A priority change in the same update doesn't make a
		// container lockable.
		if prev.Priority <= 0 || next.Priority <= 0 {
			return prev, arvados.Errorf(arvados.KindNotEligible, "cannot lock container %s with priority %d", prev.UUID, prev.Priority)
		}
		next.LockCount++
	case prev.State == arvados.ContainerStateLocked && next.State == arvados.ContainerStateQueued:
		// Status messages from one dispatch attempt don't
		// apply to the next.
		next.RuntimeStatus = map[string]interface{}{}
		if max := conn.cluster.Containers.MaxDispatchAttempts; max > 0 && next.LockCount >= max {
			next.State = arvados.ContainerStateCancelled
			next.RuntimeStatus = map[string]interface{}{
				"error": fmt.Sprintf("Failed to start container. Cancelled after exceeding 'Containers.MaxDispatchAttempts' (lock_count=%d)", next.LockCount),
			}
			logger = logger.WithField("State", next.State)
		}
	}
	if next.State == arvados.ContainerStateComplete && next.ExitCode == nil {
		return prev, arvados.Errorf(arvados.KindInvalidAttributes, "exit_code is required when state is Complete")
	}
	if next.Output != prev.Output && next.Output != "" {
		ok, err := caller.readablePDH(ctx, tx, next.Output)
		if err != nil {
			return prev, err
		} else if !ok {
			return prev, arvados.Errorf(arvados.KindInvalidAttributes, "output collection %q must exist and be readable by current user", next.Output)
		}
	}
	now := tx.Now()
	setTimestamps(prev, &next, now)
	if err := conn.assignAuth(ctx, tx, &next); err != nil {
		return prev, err
	}
	next.ModifiedAt = now
	if err := tx.UpdateContainer(ctx, next); err != nil {
		return prev, err
	}
	if next.State != prev.State {
		logger.WithField("PreviousState", prev.State).Info("container state changed")
	} else {
		logger.WithField("Changed", changed).Debug("container updated")
	}
	return next, nil
}

// assignAuth gives a Locked or Running container a scoped
// credential, and expires the credential when the container leaves
// those states. The credential acts as the user who submitted the
// highest priority request for the container.
func (conn *Conn) assignAuth(ctx context.Context, tx store.Tx, ctr *arvados.Container) error {
	if !ctr.State.HoldsLock() {
		if ctr.AuthUUID != "" {
			if err := tx.ExpireAPIClientAuthorization(ctx, ctr.AuthUUID, tx.Now()); err != nil {
				return fmt.Errorf("expiring container credential: %w", err)
			}
			ctr.AuthUUID = ""
		}
		return nil
	}
	if ctr.AuthUUID != "" {
		return nil
	}
	crs, err := tx.ListContainerRequests(ctx, store.ContainerRequestFilter{
		ContainerUUIDs: []string{ctr.UUID},
		States:         []arvados.ContainerRequestState{arvados.ContainerRequestStateCommitted},
		MinPriority:    1,
	})
	if err != nil {
		return err
	}
	var top *arvados.ContainerRequest
	for i := range crs {
		if top == nil || crs[i].Priority > top.Priority {
			top = &crs[i]
		}
	}
	if top == nil {
		return arvados.Errorf(arvados.KindNotEligible, "cannot assign credential to container %s: no committed request with priority > 0", ctr.UUID)
	}
	userUUID := top.ModifiedByUserUUID
	if userUUID == "" {
		userUUID = top.OwnerUUID
	}
	uuid, err := newUUID(conn.cluster, arvados.InfixAPIClientAuthorization)
	if err != nil {
		return err
	}
	secret, err := arvados.NewSecret()
	if err != nil {
		return err
	}
	err = tx.InsertAPIClientAuthorization(ctx, arvados.APIClientAuthorization{
		UUID:      uuid,
		APIToken:  secret,
		UserUUID:  userUUID,
		CreatedAt: tx.Now(),
		Scopes:    []string{"all"},
	})
	if err != nil {
		return fmt.Errorf("creating container credential: %w", err)
	}
	ctr.AuthUUID = uuid
	ctr.RuntimeUserUUID = userUUID
	return nil
}
