// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"context"
	"errors"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// ContainerRequestCreate submits a new container request. It is
// Uncommitted unless the attributes say otherwise.
func (conn *Conn) ContainerRequestCreate(ctx context.Context, caller Caller, opts arvados.CreateOptions) (resp arvados.ContainerRequest, err error) {
	var res saveResult
	err = conn.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, ok := opts.Attrs["container_count"]; ok {
			return arvados.Errorf(arvados.KindIllegalFieldChange, "container_count cannot be set directly")
		}
		defaults := newRequest(conn.cluster)
		next, err := applyAttrs(defaults, opts.Attrs)
		if err != nil {
			return err
		}
		res, err = conn.saveRequest(ctx, tx, caller, arvados.ContainerRequest{}, defaults, next)
		return err
	})
	if err != nil {
		return
	}
	conn.afterRequestSave(res)
	return res.cr, nil
}

// ContainerRequestUpdate changes a container request. Only the
// owner or an admin may update it.
func (conn *Conn) ContainerRequestUpdate(ctx context.Context, caller Caller, opts arvados.UpdateOptions) (resp arvados.ContainerRequest, err error) {
	var res saveResult
	err = conn.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		prev, err := tx.GetContainerRequest(ctx, opts.UUID, true)
		if err != nil {
			return err
		}
		if !caller.IsAdmin() && prev.OwnerUUID != caller.User.UUID {
			if ok, err := caller.readable(ctx, tx, prev.OwnerUUID); err != nil {
				return err
			} else if !ok {
				return arvados.Errorf(arvados.KindNotFound, "container request %s not found", opts.UUID)
			}
			return arvados.Errorf(arvados.KindPermissionDenied, "cannot update container request %s", opts.UUID)
		}
		if _, ok := opts.Attrs["container_count"]; ok {
			return arvados.Errorf(arvados.KindIllegalFieldChange, "container_count cannot be set directly")
		}
		next, err := applyAttrs(prev, opts.Attrs)
		if err != nil {
			return err
		}
		res, err = conn.saveRequest(ctx, tx, caller, prev, prev, next)
		return err
	})
	if err != nil {
		return
	}
	conn.afterRequestSave(res)
	return res.cr, nil
}

func (conn *Conn) ContainerRequestGet(ctx context.Context, caller Caller, opts arvados.GetOptions) (resp arvados.ContainerRequest, err error) {
	err = conn.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cr, err := tx.GetContainerRequest(ctx, opts.UUID, false)
		if err != nil {
			return err
		}
		if ok, err := caller.readable(ctx, tx, cr.OwnerUUID); err != nil {
			return err
		} else if !ok {
			return arvados.Errorf(arvados.KindNotFound, "container request %s not found", opts.UUID)
		}
		resp = cr
		return nil
	})
	return
}

// ContainerRequestCommit moves an Uncommitted request to Committed,
// which assigns it a new or reused container.
func (conn *Conn) ContainerRequestCommit(ctx context.Context, caller Caller, opts arvados.GetOptions) (arvados.ContainerRequest, error) {
	return conn.ContainerRequestUpdate(ctx, caller, arvados.UpdateOptions{
		UUID:  opts.UUID,
		Attrs: map[string]interface{}{"state": arvados.ContainerRequestStateCommitted},
	})
}

// ContainerRequestSetPriority changes a request's priority, which
// propagates to its container.
func (conn *Conn) ContainerRequestSetPriority(ctx context.Context, caller Caller, opts arvados.PriorityOptions) (arvados.ContainerRequest, error) {
	return conn.ContainerRequestUpdate(ctx, caller, arvados.UpdateOptions{
		UUID:  opts.UUID,
		Attrs: map[string]interface{}{"priority": opts.Priority},
	})
}

type saveResult struct {
	cr        arvados.ContainerRequest
	created   bool
	reuseTier string
	finalized int
}

func (conn *Conn) afterRequestSave(res saveResult) {
	if res.created {
		conn.metrics.containersCreated.WithLabelValues("new").Inc()
	}
	if res.reuseTier != "" {
		conn.metrics.containersReused.WithLabelValues(res.reuseTier).Inc()
	}
	conn.metrics.requestsFinalized.Add(float64(res.finalized))
}

// saveRequest validates and saves the change from prev to next. prev
// is the zero value for a new request; changes are checked against
// base, which is prev or (for a new request) the defaults.
func (conn *Conn) saveRequest(ctx context.Context, tx store.Tx, caller Caller, prev, base, next arvados.ContainerRequest) (res saveResult, err error) {
	isNew := prev.UUID == ""
	if err := checkRequestTransition(prev.State, next.State); err != nil {
		return res, err
	}
	changed, err := changedFields(base, next)
	if err != nil {
		return res, err
	}
	if err := checkWhitelist(changed, requestPermittedFields(prev, next, caller)); err != nil {
		return res, err
	}

	now := tx.Now()
	if isNew {
		next.UUID, err = newUUID(conn.cluster, arvados.InfixContainerRequest)
		if err != nil {
			return res, err
		}
		next.CreatedAt = now
		if next.OwnerUUID == "" {
			next.OwnerUUID = caller.User.UUID
		}
		if err := setRequestingContainer(ctx, tx, caller, &next); err != nil {
			return res, err
		}
	}
	next.ModifiedAt = now
	next.ModifiedByUserUUID = caller.User.UUID
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"ContainerRequestUUID": next.UUID,
		"State":                next.State,
	})

	committing := next.State == arvados.ContainerRequestStateCommitted && prev.State != arvados.ContainerRequestStateCommitted
	if committing && conn.cluster.Containers.PreemptibleInstances && next.RequestingContainerUUID != "" && next.SchedulingParameters.Preemptible == nil {
		// Child requests can always be retried by their
		// parent, so they default to preemptible instances.
		preemptible := true
		next.SchedulingParameters.Preemptible = &preemptible
	}
	if next.State != arvados.ContainerRequestStateFinal {
		if err := validateRequest(conn.cluster, next); err != nil {
			return res, err
		}
	}
	if committing && next.ContainerUUID == "" {
		ctr, tier, created, err := conn.resolveContainer(ctx, tx, caller, next)
		if err != nil {
			return res, err
		}
		next.ContainerUUID = ctr.UUID
		res.created, res.reuseTier = created, tier
	} else if next.ContainerUUID != prev.ContainerUUID && next.ContainerUUID != "" {
		if _, err := tx.GetContainer(ctx, next.ContainerUUID, false); errors.Is(err, store.ErrNotFound) {
			return res, arvados.Errorf(arvados.KindInvalidAttributes, "container %s does not exist", next.ContainerUUID)
		} else if err != nil {
			return res, err
		}
	}
	if next.State == arvados.ContainerRequestStateCommitted && next.ContainerUUID == "" {
		return res, arvados.Errorf(arvados.KindInvalidAttributes, "container_uuid: committed request has not been resolved to a container")
	}
	if next.ContainerUUID != prev.ContainerUUID && next.ContainerUUID != "" {
		next.ContainerCount = prev.ContainerCount + 1
	}

	if isNew {
		err = tx.InsertContainerRequest(ctx, next)
	} else {
		err = tx.UpdateContainerRequest(ctx, next)
	}
	if err != nil {
		return res, err
	}
	if isNew || next.State != prev.State || next.Priority != prev.Priority || next.ContainerUUID != prev.ContainerUUID {
		if err := updatePriority(ctx, tx, prev.ContainerUUID); err != nil {
			return res, err
		}
		if next.ContainerUUID != prev.ContainerUUID {
			if err := updatePriority(ctx, tx, next.ContainerUUID); err != nil {
				return res, err
			}
		}
	}

	if next.State == arvados.ContainerRequestStateCommitted && next.ContainerUUID != "" {
		ctr, err := tx.GetContainer(ctx, next.ContainerUUID, false)
		if err != nil {
			return res, err
		}
		if ctr.State.Final() {
			// Reused (or assigned) a container that has
			// already finished.
			next, err = conn.finalizeRequest(ctx, tx, next, ctr)
			if err != nil {
				return res, err
			}
			res.finalized++
		}
	}
	if next.State != prev.State {
		logger.WithField("ContainerUUID", next.ContainerUUID).Info("container request state changed")
	} else {
		logger.WithField("Changed", changed).Debug("container request updated")
	}
	res.cr = next
	return res, nil
}

// setRequestingContainer records which container submitted cr, if
// the caller is using a container's credential. A request from a
// container whose priority has dropped to 0 starts out with priority
// 0.
func setRequestingContainer(ctx context.Context, tx store.Tx, caller Caller, cr *arvados.ContainerRequest) error {
	if caller.System || caller.Token.UUID == "" {
		return nil
	}
	ctrs, err := tx.ListContainers(ctx, store.ContainerFilter{AuthUUID: caller.Token.UUID, Limit: 1})
	if err != nil || len(ctrs) == 0 {
		return err
	}
	cr.RequestingContainerUUID = ctrs[0].UUID
	if ctrs[0].Priority > 0 {
		cr.Priority = 1
	} else {
		cr.Priority = 0
	}
	return nil
}

// resolveContainer finds or creates a container to satisfy cr.
func (conn *Conn) resolveContainer(ctx context.Context, tx store.Tx, caller Caller, cr arvados.ContainerRequest) (ctr arvados.Container, reuseTier string, created bool, err error) {
	logger := ctxlog.FromContext(ctx).WithField("ContainerRequestUUID", cr.UUID)
	spec, err := (&resolver{cluster: conn.cluster, tx: tx, caller: caller, logger: logger}).resolve(ctx, cr)
	if err != nil {
		return
	}
	if cr.UseExisting {
		m := &reuseMatcher{tx: tx, caller: caller, logger: logger, verbose: conn.cluster.Containers.LogReuseDecisions}
		var ok bool
		ctr, reuseTier, ok, err = m.find(ctx, spec)
		if err != nil {
			return
		}
		if ok {
			logger.WithFields(logrus.Fields{"ContainerUUID": ctr.UUID, "ReuseTier": reuseTier}).Info("reusing existing container")
			return
		}
	}
	ctr, err = conn.newContainer(ctx, tx, spec, caller.User.UUID)
	return ctr, "", err == nil, err
}

// newContainer creates a Queued container with the given spec.
func (conn *Conn) newContainer(ctx context.Context, tx store.Tx, spec Spec, runtimeUserUUID string) (arvados.Container, error) {
	uuid, err := newUUID(conn.cluster, arvados.InfixContainer)
	if err != nil {
		return arvados.Container{}, err
	}
	now := tx.Now()
	ctr := arvados.Container{
		UUID:            uuid,
		CreatedAt:       now,
		ModifiedAt:      now,
		State:           arvados.ContainerStateQueued,
		Priority:        1,
		RuntimeUserUUID: runtimeUserUUID,
		RuntimeStatus:   map[string]interface{}{},
	}
	spec.apply(&ctr)
	if err := tx.InsertContainer(ctx, ctr); err != nil {
		return arvados.Container{}, err
	}
	ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"ContainerUUID": ctr.UUID,
		"SpecHash":      ctr.SpecHash,
	}).Info("created container")
	return ctr, nil
}
