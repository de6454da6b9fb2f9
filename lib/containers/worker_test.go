// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"context"
	"sync/atomic"
	"time"

	"git.arvados.org/crunchq.git/sdk/go/arvados"
	check "gopkg.in/check.v1"
)

type stubLocker struct {
	locked  bool
	checkOK bool
	checks  int32
	unlocks int32
}

func (l *stubLocker) Lock(ctx context.Context) bool { return l.locked }
func (l *stubLocker) Check() bool {
	atomic.AddInt32(&l.checks, 1)
	return l.checkOK
}
func (l *stubLocker) Unlock() { atomic.AddInt32(&l.unlocks, 1) }

func (s *Suite) TestWorkerRunsOnWake(c *check.C) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	ran := make(chan struct{}, 10)
	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.conn.runWorker(ctx, "test", nil, time.Hour, wake, func(context.Context) error {
			ran <- struct{}{}
			return nil
		})
	}()
	for i := 0; i < 3; i++ {
		nudge(wake)
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			c.Fatal("timed out waiting for sweep")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("worker did not stop")
	}
}

func (s *Suite) TestWorkerRunsOnTicker(c *check.C) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	var n int32
	s.conn.runWorker(ctx, "test", nil, time.Millisecond, nil, func(context.Context) error {
		if atomic.AddInt32(&n, 1) == 3 {
			cancel()
		}
		return nil
	})
	c.Check(atomic.LoadInt32(&n) >= 3, check.Equals, true)
}

func (s *Suite) TestWorkerDisabled(c *check.C) {
	locker := &stubLocker{locked: true, checkOK: true}
	s.conn.runWorker(s.ctx, "test", locker, 0, nil, func(context.Context) error {
		c.Error("sweep should not run")
		return nil
	})
	c.Check(locker.unlocks, check.Equals, int32(0))
}

func (s *Suite) TestWorkerLosesLock(c *check.C) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	locker := &stubLocker{locked: true, checkOK: false}
	s.conn.runWorker(ctx, "test", locker, time.Millisecond, nil, func(context.Context) error {
		c.Error("sweep should not run without the lock")
		return nil
	})
	c.Check(ctx.Err(), check.IsNil)
	c.Check(locker.checks, check.Equals, int32(1))
	c.Check(locker.unlocks, check.Equals, int32(1))

	// If the lock can't be acquired, the worker gives up.
	locker = &stubLocker{}
	s.conn.runWorker(ctx, "test", locker, time.Millisecond, nil, func(context.Context) error {
		c.Error("sweep should not run without the lock")
		return nil
	})
	c.Check(locker.unlocks, check.Equals, int32(0))
}

func (s *Suite) TestPrioritySweepWorker(c *check.C) {
	s.cluster.Containers.PriorityUpdateInterval = arvados.Duration(time.Hour)
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.conn.RunPrioritySweeps(ctx, nil)
	}()
	defer func() {
		cancel()
		<-done
	}()
	// Any container update wakes the priority worker, which
	// undoes a direct priority change.
	cr := s.submit(c, s.active, requestAttrs("wake"))
	s.setState(c, s.dispatcher, cr.ContainerUUID, arvados.ContainerStateQueued, "priority", 5)
	for deadline := time.Now().Add(5 * time.Second); s.container(c, cr.ContainerUUID).Priority != 1; {
		if time.Now().After(deadline) {
			c.Fatal("timed out waiting for priority sweep")
		}
		time.Sleep(time.Millisecond)
	}
}
