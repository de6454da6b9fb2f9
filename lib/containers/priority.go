// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"context"
	"fmt"
	"time"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
	"github.com/hashicorp/go-multierror"
)

// updatePriority sets an active container's priority to the highest
// priority of the Committed requests that use it, or 0 if there are
// none. Final containers are left alone.
func updatePriority(ctx context.Context, tx store.Tx, uuid string) error {
	if uuid == "" {
		return nil
	}
	ctr, err := tx.GetContainer(ctx, uuid, true)
	if err != nil {
		return fmt.Errorf("updating priority of %s: %w", uuid, err)
	}
	if !ctr.State.Active() {
		return nil
	}
	crs, err := tx.ListContainerRequests(ctx, store.ContainerRequestFilter{
		ContainerUUIDs: []string{uuid},
		States:         []arvados.ContainerRequestState{arvados.ContainerRequestStateCommitted},
	})
	if err != nil {
		return err
	}
	want := 0
	for _, cr := range crs {
		if cr.Priority > want {
			want = cr.Priority
		}
	}
	if want == ctr.Priority {
		return nil
	}
	ctxlog.FromContext(ctx).WithField("ContainerUUID", uuid).Debugf("priority %d -> %d", ctr.Priority, want)
	ctr.Priority = want
	ctr.ModifiedAt = tx.Now()
	return tx.UpdateContainer(ctx, ctr)
}

// prioritySweep recomputes the priority of every active container,
// each in its own transaction, to repair any drift.
func (conn *Conn) prioritySweep(ctx context.Context) error {
	t0 := time.Now()
	defer func() { conn.metrics.prioritySweepTimer.Observe(time.Since(t0).Seconds()) }()

	var active []arvados.Container
	err := conn.inTx(ctx, func(ctx context.Context, tx store.Tx) (err error) {
		active, err = tx.ListContainers(ctx, store.ContainerFilter{
			States: []arvados.ContainerState{arvados.ContainerStateQueued, arvados.ContainerStateLocked, arvados.ContainerStateRunning},
		})
		return
	})
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, ctr := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := conn.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return updatePriority(ctx, tx, ctr.UUID)
		})
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
