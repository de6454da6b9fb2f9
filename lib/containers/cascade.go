// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

type cascadeResult struct {
	retryUUID string
	finalized int
	children  int
}

// runCascade runs the completion cascade for a final container in
// its own transaction, as the system user. On failure nothing is
// changed, and the cascade sweep tries again later.
func (conn *Conn) runCascade(ctx context.Context, uuid string) error {
	logger := ctxlog.FromContext(ctx).WithField("ContainerUUID", uuid)
	var res cascadeResult
	err := conn.inTx(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		res, err = conn.cascade(ctx, tx, SystemCaller(conn.cluster), uuid)
		return
	})
	if err != nil {
		conn.metrics.cascades.WithLabelValues("error").Inc()
		logger.WithError(err).Warn("completion cascade failed")
		nudge(conn.wantCascade)
		return err
	}
	conn.metrics.cascades.WithLabelValues("success").Inc()
	conn.metrics.requestsFinalized.Add(float64(res.finalized))
	if res.retryUUID != "" {
		conn.metrics.containersCreated.WithLabelValues("retry").Inc()
	}
	if res.retryUUID != "" || res.finalized > 0 || res.children > 0 {
		logger.WithFields(logrus.Fields{
			"RetryContainerUUID": res.retryUUID,
			"Finalized":          res.finalized,
			"ChildrenCancelled":  res.children,
		}).Info("completion cascade done")
	}
	return nil
}

// cascade retries, finalizes, and cancels the requests affected by
// a container reaching a final state. Running it again after it has
// succeeded changes nothing, because every request it touches leaves
// the Committed state or stops matching.
func (conn *Conn) cascade(ctx context.Context, tx store.Tx, caller Caller, uuid string) (res cascadeResult, err error) {
	ctr, err := tx.GetContainer(ctx, uuid, true)
	if err != nil {
		return
	}
	if !ctr.State.Final() {
		return res, fmt.Errorf("container %s is %s, not final", uuid, ctr.State)
	}
	crs, err := tx.ListContainerRequests(ctx, store.ContainerRequestFilter{
		ContainerUUIDs: []string{uuid},
		States:         []arvados.ContainerRequestState{arvados.ContainerRequestStateCommitted},
		ForUpdate:      true,
	})
	if err != nil {
		return
	}

	retrying := map[string]bool{}
	if ctr.State == arvados.ContainerStateCancelled {
		var retries []arvados.ContainerRequest
		for _, cr := range crs {
			ok, err := retryable(ctx, tx, cr)
			if err != nil {
				return res, err
			}
			if ok {
				retries = append(retries, cr)
			}
		}
		if len(retries) > 0 {
			spec := specOf(ctr)
			spec.SchedulingParameters = mergeSchedulingParameters(retries)
			next, err := conn.newContainer(ctx, tx, spec, ctr.RuntimeUserUUID)
			if err != nil {
				return res, fmt.Errorf("creating retry container: %w", err)
			}
			for _, cr := range retries {
				cr.ContainerUUID = next.UUID
				cr.ContainerCount++
				cr.ModifiedAt = tx.Now()
				if err := tx.UpdateContainerRequest(ctx, cr); err != nil {
					return res, err
				}
				retrying[cr.UUID] = true
			}
			if err := updatePriority(ctx, tx, next.UUID); err != nil {
				return res, err
			}
			res.retryUUID = next.UUID
		}
	}

	for _, cr := range crs {
		if retrying[cr.UUID] {
			continue
		}
		if _, err := conn.finalizeRequest(ctx, tx, cr, ctr); err != nil {
			return res, fmt.Errorf("finalizing %s: %w", cr.UUID, err)
		}
		res.finalized++
	}

	children, err := tx.ListContainerRequests(ctx, store.ContainerRequestFilter{
		RequestingContainerUUID: uuid,
		States:                  []arvados.ContainerRequestState{arvados.ContainerRequestStateCommitted},
		ForUpdate:               true,
	})
	if err != nil {
		return
	}
	for _, cr := range children {
		changed, finalized, err := cancelChild(ctx, tx, caller, cr)
		if err != nil {
			return res, fmt.Errorf("cancelling child request %s: %w", cr.UUID, err)
		}
		if changed {
			res.children++
		}
		if finalized {
			res.finalized++
		}
	}
	return res, nil
}

// retryable reports whether a request attached to a Cancelled
// container should get a new container: it still wants one, has not
// used up its retries, and was not submitted by a container that has
// itself stopped.
func retryable(ctx context.Context, tx store.Tx, cr arvados.ContainerRequest) (bool, error) {
	if cr.Priority <= 0 || cr.ContainerCount >= cr.ContainerCountMax {
		return false, nil
	}
	if cr.RequestingContainerUUID == "" {
		return true, nil
	}
	parent, err := tx.GetContainer(ctx, cr.RequestingContainerUUID, false)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	} else if err != nil {
		return false, err
	}
	return parent.State == arvados.ContainerStateRunning && parent.Priority > 0, nil
}

// mergeSchedulingParameters combines the scheduling parameters of
// several requests sharing one retry container. Partitions are the
// union, or unrestricted if any request is unrestricted. The
// container is preemptible only if every request allows it. Max run
// time is the longest, or unlimited if any request is unlimited.
func mergeSchedulingParameters(crs []arvados.ContainerRequest) arvados.SchedulingParameters {
	var sp arvados.SchedulingParameters
	preemptible := len(crs) > 0
	for i, cr := range crs {
		p := cr.SchedulingParameters
		preemptible = preemptible && p.IsPreemptible()
		if i == 0 {
			sp.Partitions = append([]string(nil), p.Partitions...)
			sp.MaxRunTime = p.MaxRunTime
			continue
		}
		if len(sp.Partitions) == 0 || len(p.Partitions) == 0 {
			sp.Partitions = nil
		} else {
			for _, part := range p.Partitions {
				if !stringIn(sp.Partitions, part) {
					sp.Partitions = append(sp.Partitions, part)
				}
			}
		}
		if sp.MaxRunTime == 0 || p.MaxRunTime == 0 {
			sp.MaxRunTime = 0
		} else if p.MaxRunTime > sp.MaxRunTime {
			sp.MaxRunTime = p.MaxRunTime
		}
	}
	if preemptible {
		sp.Preemptible = &preemptible
	}
	return sp
}

// cancelChild sets a child request's priority to 0. If its
// container has not started running yet, the request is finalized
// too, rather than left waiting with priority 0.
func cancelChild(ctx context.Context, tx store.Tx, caller Caller, cr arvados.ContainerRequest) (changed, finalized bool, err error) {
	if cr.Priority != 0 {
		cr.Priority = 0
		cr.ModifiedAt = tx.Now()
		if err = tx.UpdateContainerRequest(ctx, cr); err != nil {
			return
		}
		if err = updatePriority(ctx, tx, cr.ContainerUUID); err != nil {
			return
		}
		changed = true
	}
	if cr.ContainerUUID == "" {
		return
	}
	ctr, err := tx.GetContainer(ctx, cr.ContainerUUID, false)
	if err != nil {
		return
	}
	if ctr.State != arvados.ContainerStateQueued && ctr.State != arvados.ContainerStateLocked {
		return
	}
	cr.State = arvados.ContainerRequestStateFinal
	cr.ModifiedAt = tx.Now()
	ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"ContainerRequestUUID": cr.UUID,
		"ContainerUUID":        cr.ContainerUUID,
		"Caller":               caller.User.UUID,
	}).Info("finalizing child request whose container had not started")
	if err = tx.UpdateContainerRequest(ctx, cr); err != nil {
		return
	}
	return true, true, nil
}

// finalizeRequest copies the container's output and log into new
// collections owned by the request's owner, and moves the request
// to Final. A request that is already Final is returned unchanged.
func (conn *Conn) finalizeRequest(ctx context.Context, tx store.Tx, cr arvados.ContainerRequest, ctr arvados.Container) (arvados.ContainerRequest, error) {
	if cr.State == arvados.ContainerRequestStateFinal {
		return cr, nil
	}
	var err error
	if ctr.Output != "" {
		cr.OutputUUID, err = conn.captureCollection(ctx, tx, cr, "output", ctr.Output)
		if err != nil {
			return cr, err
		}
	}
	if ctr.Log != "" {
		cr.LogUUID, err = conn.captureCollection(ctx, tx, cr, "log", ctr.Log)
		if err != nil {
			return cr, err
		}
	}
	cr.State = arvados.ContainerRequestStateFinal
	cr.ModifiedAt = tx.Now()
	if err := tx.UpdateContainerRequest(ctx, cr); err != nil {
		return cr, err
	}
	ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"ContainerRequestUUID": cr.UUID,
		"ContainerUUID":        ctr.UUID,
		"ContainerState":       ctr.State,
		"OutputUUID":           cr.OutputUUID,
		"LogUUID":              cr.LogUUID,
	}).Info("container request finalized")
	return cr, nil
}

// captureCollection saves a new collection with the given content
// for cr, and returns its UUID. kind is "output" or "log".
func (conn *Conn) captureCollection(ctx context.Context, tx store.Tx, cr arvados.ContainerRequest, kind, pdh string) (string, error) {
	colls, err := tx.ListCollections(ctx, store.CollectionFilter{PortableDataHash: pdh})
	if err != nil {
		return "", err
	}
	manifest := ""
	if len(colls) > 0 {
		manifest = colls[0].ManifestText
	}
	now := tx.Now()
	uuid, err := newUUID(conn.cluster, arvados.InfixCollection)
	if err != nil {
		return "", err
	}
	coll := arvados.Collection{
		UUID:             uuid,
		OwnerUUID:        cr.OwnerUUID,
		CreatedAt:        now,
		ModifiedAt:       now,
		Name:             fmt.Sprintf("Container %s for request %s", kind, cr.UUID),
		PortableDataHash: pdh,
		ManifestText:     manifest,
		Properties:       map[string]interface{}{
			"type":              kind,
			"container_request": cr.UUID,
		},
	}
	if kind == "output" {
		if cr.OutputName != "" {
			coll.Name = cr.OutputName
		}
		if cr.OutputTTL > 0 {
			trashAt := now.Add(time.Duration(cr.OutputTTL) * time.Second)
			coll.TrashAt = &trashAt
			coll.DeleteAt = &trashAt
		}
	}
	err = tx.InsertCollection(ctx, coll)
	if errors.Is(err, store.ErrConflict) {
		coll.Name += " (" + now.UTC().Format("2006-01-02T15:04:05.000Z") + ")"
		err = tx.InsertCollection(ctx, coll)
	}
	if err != nil {
		return "", fmt.Errorf("saving %s collection: %w", kind, err)
	}
	return coll.UUID, nil
}

// cascadeSweep re-runs the cascade for final containers that still
// have Committed requests or live children, which happens when an
// earlier cascade failed or the process stopped before running it.
func (conn *Conn) cascadeSweep(ctx context.Context) error {
	todo := map[string]bool{}
	err := conn.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		crs, err := tx.ListContainerRequests(ctx, store.ContainerRequestFilter{
			States: []arvados.ContainerRequestState{arvados.ContainerRequestStateCommitted},
		})
		if err != nil {
			return err
		}
		check := map[string]bool{}
		for _, cr := range crs {
			if cr.ContainerUUID != "" {
				check[cr.ContainerUUID] = true
			}
			if cr.RequestingContainerUUID != "" && cr.Priority > 0 {
				check[cr.RequestingContainerUUID] = true
			}
		}
		if len(check) == 0 {
			return nil
		}
		uuids := make([]string, 0, len(check))
		for uuid := range check {
			uuids = append(uuids, uuid)
		}
		final, err := tx.ListContainers(ctx, store.ContainerFilter{
			UUIDs:  uuids,
			States: []arvados.ContainerState{arvados.ContainerStateComplete, arvados.ContainerStateCancelled},
		})
		if err != nil {
			return err
		}
		for _, ctr := range final {
			todo[ctr.UUID] = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for uuid := range todo {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		errs = multierror.Append(errs, conn.runCascade(ctx, uuid))
	}
	return errs.ErrorOrNil()
}

func stringIn(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
