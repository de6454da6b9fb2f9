// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"context"
	"errors"
	"time"

	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
)

// Locker ensures only one process in the cluster runs a given
// background worker. See dblock.
type Locker interface {
	// Lock waits until the lock is acquired. It returns false if
	// ctx is canceled first.
	Lock(ctx context.Context) bool
	// Check confirms the lock is still held, reacquiring it if
	// needed.
	Check() bool
	Unlock()
}

type localLocker struct{}

func (localLocker) Lock(ctx context.Context) bool { return ctx.Err() == nil }
func (localLocker) Check() bool                    { return true }
func (localLocker) Unlock()                        {}

// RunPrioritySweeps recomputes all active containers' priorities
// every PriorityUpdateInterval, and soon after any container update,
// until ctx is canceled. If locker is nil, the worker assumes it is
// the only one.
func (conn *Conn) RunPrioritySweeps(ctx context.Context, locker Locker) {
	conn.runWorker(ctx, "priority sweep", locker, conn.cluster.Containers.PriorityUpdateInterval.Duration(), conn.wantPriorityUpdate, conn.prioritySweep)
}

// RunCascadeSweeps retries unfinished completion cascades every
// CascadeRetryInterval, and soon after a cascade fails, until ctx is
// canceled.
func (conn *Conn) RunCascadeSweeps(ctx context.Context, locker Locker) {
	conn.runWorker(ctx, "cascade sweep", locker, conn.cluster.Containers.CascadeRetryInterval.Duration(), conn.wantCascade, conn.cascadeSweep)
}

func (conn *Conn) runWorker(ctx context.Context, name string, locker Locker, interval time.Duration, wake <-chan struct{}, sweep func(context.Context) error) {
	logger := ctxlog.FromContext(ctx).WithField("worker", name)
	ctx = ctxlog.Context(ctx, logger)
	if interval <= 0 {
		logger.Debugf("interval is %v, not running worker", interval)
		return
	}
	if locker == nil {
		locker = localLocker{}
	}
	if !locker.Lock(ctx) {
		return
	}
	defer locker.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		if !locker.Check() {
			return
		}
		if err := sweep(ctx); err != nil {
			var aerr *arvados.Error
			if errors.As(err, &aerr) && aerr.Retryable() {
				logger.WithError(err).Debug("sweep interrupted by concurrent update")
			} else {
				logger.WithError(err).Warn("sweep failed")
			}
		}
	}
}
