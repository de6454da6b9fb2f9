// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"errors"
	"time"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&transitionSuite{})

type transitionSuite struct{}

func (*transitionSuite) TestContainerTransitions(c *check.C) {
	legal := map[[2]arvados.ContainerState]bool{
		{"", arvados.ContainerStateQueued}:                                true,
		{arvados.ContainerStateQueued, arvados.ContainerStateLocked}:      true,
		{arvados.ContainerStateQueued, arvados.ContainerStateCancelled}:   true,
		{arvados.ContainerStateLocked, arvados.ContainerStateQueued}:      true,
		{arvados.ContainerStateLocked, arvados.ContainerStateRunning}:     true,
		{arvados.ContainerStateLocked, arvados.ContainerStateCancelled}:   true,
		{arvados.ContainerStateRunning, arvados.ContainerStateComplete}:   true,
		{arvados.ContainerStateRunning, arvados.ContainerStateCancelled}:  true,
		{arvados.ContainerStateComplete, arvados.ContainerStateComplete}:  true,
		{arvados.ContainerStateCancelled, arvados.ContainerStateCancelled}: true,
	}
	states := append([]arvados.ContainerState{""}, arvados.ContainerStates...)
	for _, from := range states {
		for _, to := range arvados.ContainerStates {
			err := checkContainerTransition(from, to)
			if legal[[2]arvados.ContainerState{from, to}] || from == to {
				c.Check(err, check.IsNil, check.Commentf("%q -> %q", from, to))
			} else {
				c.Check(errors.Is(err, arvados.ErrInvalidStateTransition), check.Equals, true, check.Commentf("%q -> %q", from, to))
			}
		}
	}
}

func (*transitionSuite) TestUnknownContainerState(c *check.C) {
	err := checkContainerTransition(arvados.ContainerStateQueued, "Paused")
	c.Check(arvados.KindOf(err), check.Equals, arvados.KindInvalidAttributes)
}

func (*transitionSuite) TestRequestTransitions(c *check.C) {
	c.Check(checkRequestTransition("", arvados.ContainerRequestStateCommitted), check.IsNil)
	c.Check(checkRequestTransition(arvados.ContainerRequestStateUncommitted, arvados.ContainerRequestStateCommitted), check.IsNil)
	c.Check(checkRequestTransition(arvados.ContainerRequestStateCommitted, arvados.ContainerRequestStateFinal), check.IsNil)
	for _, bad := range [][2]arvados.ContainerRequestState{
		{"", arvados.ContainerRequestStateFinal},
		{arvados.ContainerRequestStateUncommitted, arvados.ContainerRequestStateFinal},
		{arvados.ContainerRequestStateCommitted, arvados.ContainerRequestStateUncommitted},
		{arvados.ContainerRequestStateFinal, arvados.ContainerRequestStateCommitted},
	} {
		err := checkRequestTransition(bad[0], bad[1])
		c.Check(errors.Is(err, arvados.ErrInvalidStateTransition), check.Equals, true, check.Commentf("%v", bad))
	}
}

func (*transitionSuite) TestSetTimestamps(c *check.C) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	earlier := now.Add(-time.Hour)

	next := arvados.Container{State: arvados.ContainerStateRunning}
	setTimestamps(arvados.Container{State: arvados.ContainerStateLocked}, &next, now)
	c.Check(*next.StartedAt, check.Equals, now)
	c.Check(next.FinishedAt, check.IsNil)

	next = arvados.Container{State: arvados.ContainerStateCancelled, FinishedAt: &earlier}
	setTimestamps(arvados.Container{State: arvados.ContainerStateQueued}, &next, now)
	c.Check(*next.FinishedAt, check.Equals, earlier)

	next = arvados.Container{State: arvados.ContainerStateRunning}
	setTimestamps(arvados.Container{State: arvados.ContainerStateRunning}, &next, now)
	c.Check(next.StartedAt, check.IsNil)
}

func (s *Suite) TestIllegalContainerTransition(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("skip"))
	_, err := s.conn.ContainerUpdate(s.ctx, s.dispatcher, arvados.UpdateOptions{UUID: cr.ContainerUUID, Attrs: map[string]interface{}{"state": "Running"}})
	c.Check(errors.Is(err, arvados.ErrInvalidStateTransition), check.Equals, true)
	_, err = s.conn.ContainerUpdate(s.ctx, s.dispatcher, arvados.UpdateOptions{UUID: cr.ContainerUUID, Attrs: map[string]interface{}{"state": "Bogus"}})
	c.Check(errors.Is(err, arvados.ErrInvalidStateTransition), check.Equals, true)
	// Nothing was changed.
	c.Check(s.container(c, cr.ContainerUUID).State, check.Equals, arvados.ContainerStateQueued)

	s.setState(c, s.dispatcher, cr.ContainerUUID, arvados.ContainerStateCancelled)
	_, err = s.conn.ContainerLock(s.ctx, s.dispatcher, arvados.GetOptions{UUID: cr.ContainerUUID})
	c.Check(errors.Is(err, arvados.ErrInvalidStateTransition), check.Equals, true)
	_, err = s.conn.ContainerUpdate(s.ctx, s.dispatcher, arvados.UpdateOptions{UUID: cr.ContainerUUID, Attrs: map[string]interface{}{"state": "Queued"}})
	c.Check(errors.Is(err, arvados.ErrInvalidStateTransition), check.Equals, true)
}

func (s *Suite) TestContainerFieldWhitelist(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("whitelist"))
	uuid := cr.ContainerUUID
	update := func(caller Caller, attrs map[string]interface{}) error {
		_, err := s.conn.ContainerUpdate(s.ctx, caller, arvados.UpdateOptions{UUID: uuid, Attrs: attrs})
		return err
	}

	c.Check(errors.Is(update(s.dispatcher, map[string]interface{}{"command": []string{"rm", "-rf"}}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(errors.Is(update(s.dispatcher, map[string]interface{}{"output": outputPDH}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(errors.Is(update(s.dispatcher, map[string]interface{}{"lock_count": 5}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(errors.Is(update(s.dispatcher, map[string]interface{}{"no_such_field": 5}), arvados.ErrInvalidAttributes), check.Equals, true)
	c.Check(update(s.dispatcher, map[string]interface{}{"priority": 7}), check.IsNil)
	c.Check(errors.Is(update(s.active, map[string]interface{}{"priority": 8}), arvados.ErrPermissionDenied), check.Equals, true)

	s.lock(c, uuid)
	c.Check(errors.Is(update(s.dispatcher, map[string]interface{}{"progress": 0.5}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(update(s.dispatcher, map[string]interface{}{"runtime_status": map[string]interface{}{"warning": "slow"}}), check.IsNil)

	runner := s.runner(c, s.setState(c, s.dispatcher, uuid, arvados.ContainerStateRunning))
	c.Check(errors.Is(update(s.dispatcher, map[string]interface{}{"started_at": time.Now()}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(errors.Is(update(runner, map[string]interface{}{"priority": 1000}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(errors.Is(update(s.dispatch2, map[string]interface{}{"progress": 0.1}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(update(runner, map[string]interface{}{"progress": 0.25}), check.IsNil)
	c.Check(errors.Is(update(runner, map[string]interface{}{"output": "00000000000000000000000000000000+0"}), arvados.ErrInvalidAttributes), check.Equals, true)

	_, err := s.conn.ContainerReportProgress(s.ctx, s.dispatcher, uuid, arvados.ProgressReport{})
	c.Check(errors.Is(err, arvados.ErrPermissionDenied), check.Equals, true)
	progress := 0.75
	ctr, err := s.conn.ContainerReportProgress(s.ctx, runner, uuid, arvados.ProgressReport{Progress: &progress, RuntimeStatus: map[string]interface{}{"activity": "copying"}})
	c.Assert(err, check.IsNil)
	c.Check(ctr.Progress, check.Equals, 0.75)
	c.Check(ctr.RuntimeStatus["activity"], check.Equals, "copying")

	_, err = s.conn.ContainerReportTerminal(s.ctx, runner, uuid, arvados.TerminalReport{State: arvados.ContainerStateComplete})
	c.Check(errors.Is(err, arvados.ErrInvalidAttributes), check.Equals, true)
	_, err = s.conn.ContainerReportTerminal(s.ctx, runner, uuid, arvados.TerminalReport{State: arvados.ContainerStateQueued})
	c.Check(errors.Is(err, arvados.ErrInvalidAttributes), check.Equals, true)
}

func (s *Suite) TestLockOwnership(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("owner"))
	uuid := cr.ContainerUUID
	ctr := s.lock(c, uuid)
	c.Check(ctr.LockedByUUID, check.Equals, dispatch1Token.UUID)
	c.Check(ctr.LockCount, check.Equals, 1)
	c.Check(ctr.AuthUUID, check.Not(check.Equals), "")

	_, err := s.conn.ContainerLock(s.ctx, s.dispatch2, arvados.GetOptions{UUID: uuid})
	c.Check(errors.Is(err, arvados.ErrAlreadyLocked), check.Equals, true)
	_, err = s.conn.ContainerUnlock(s.ctx, s.dispatch2, arvados.GetOptions{UUID: uuid})
	c.Check(errors.Is(err, arvados.ErrLockOwnership), check.Equals, true)
	_, err = s.conn.ContainerUpdate(s.ctx, s.dispatch2, arvados.UpdateOptions{UUID: uuid, Attrs: map[string]interface{}{"state": "Running"}})
	c.Check(errors.Is(err, arvados.ErrLockOwnership), check.Equals, true)
	_, err = s.conn.ContainerUpdate(s.ctx, s.dispatcher, arvados.UpdateOptions{UUID: uuid, Attrs: map[string]interface{}{"locked_by_uuid": dispatch2Token.UUID}})
	c.Check(errors.Is(err, arvados.ErrLockOwnership), check.Equals, true)
	_, err = s.conn.ContainerAuth(s.ctx, s.dispatch2, arvados.GetOptions{UUID: uuid})
	c.Check(errors.Is(err, arvados.ErrPermissionDenied), check.Equals, true)
	aca, err := s.conn.ContainerAuth(s.ctx, s.dispatcher, arvados.GetOptions{UUID: uuid})
	c.Assert(err, check.IsNil)
	c.Check(aca.UUID, check.Equals, ctr.AuthUUID)
	c.Check(aca.UserUUID, check.Equals, activeUserUUID)
	c.Check(aca.Scopes, check.DeepEquals, []string{"all"})
	c.Check(aca.APIToken, check.Not(check.Equals), "")

	ctr, err = s.conn.ContainerUnlock(s.ctx, s.dispatcher, arvados.GetOptions{UUID: uuid})
	c.Assert(err, check.IsNil)
	c.Check(ctr.State, check.Equals, arvados.ContainerStateQueued)
	c.Check(ctr.LockedByUUID, check.Equals, "")
	c.Check(ctr.AuthUUID, check.Equals, "")
	c.Check(ctr.RuntimeStatus, check.HasLen, 0)
	s.inTx(c, func(tx store.Tx) {
		old, err := tx.LookupAPIClientAuthorization(s.ctx, aca.UUID)
		c.Assert(err, check.IsNil)
		c.Check(old.Expired(tx.Now()), check.Equals, true)
	})
	_, err = s.conn.ContainerUnlock(s.ctx, s.dispatcher, arvados.GetOptions{UUID: uuid})
	c.Check(errors.Is(err, arvados.ErrInvalidStateTransition), check.Equals, true)
	_, err = s.conn.ContainerAuth(s.ctx, s.dispatcher, arvados.GetOptions{UUID: uuid})
	c.Check(errors.Is(err, arvados.ErrPermissionDenied), check.Equals, true)

	// Another dispatcher can lock it now, and gets a fresh
	// credential.
	ctr, err = s.conn.ContainerLock(s.ctx, s.dispatch2, arvados.GetOptions{UUID: uuid})
	c.Assert(err, check.IsNil)
	c.Check(ctr.LockedByUUID, check.Equals, dispatch2Token.UUID)
	c.Check(ctr.LockCount, check.Equals, 2)
	c.Check(ctr.AuthUUID, check.Not(check.Equals), aca.UUID)

	// A dispatcher that doesn't hold the lock may still cancel.
	ctr = s.setState(c, s.dispatcher, uuid, arvados.ContainerStateCancelled)
	c.Check(ctr.LockedByUUID, check.Equals, "")
	c.Check(ctr.FinishedAt, check.NotNil)
}

func (s *Suite) TestLockRequiresPriority(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("zero priority", "priority", 0))
	c.Check(s.container(c, cr.ContainerUUID).Priority, check.Equals, 0)
	_, err := s.conn.ContainerLock(s.ctx, s.dispatcher, arvados.GetOptions{UUID: cr.ContainerUUID})
	c.Check(errors.Is(err, arvados.ErrNotEligible), check.Equals, true)
	c.Check(s.metricValue(c, "crunchq_containers_lock_attempts_total", "result", "not_eligible"), check.Equals, 1.0)
}

func (s *Suite) TestLockWithPriorityChange(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("zero priority", "priority", 0))
	_, err := s.conn.ContainerUpdate(s.ctx, s.dispatcher, arvados.UpdateOptions{
		UUID:  cr.ContainerUUID,
		Attrs: map[string]interface{}{
			"state":    arvados.ContainerStateLocked,
			"priority": 5,
		},
	})
	c.Check(errors.Is(err, arvados.ErrNotEligible), check.Equals, true)
	ctr := s.container(c, cr.ContainerUUID)
	c.Check(ctr.State, check.Equals, arvados.ContainerStateQueued)
	c.Check(ctr.Priority, check.Equals, 0)
	c.Check(ctr.LockCount, check.Equals, 0)
}

func (s *Suite) TestLockRunningContainer(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("running"))
	s.run(c, cr.ContainerUUID)
	_, err := s.conn.ContainerLock(s.ctx, s.dispatch2, arvados.GetOptions{UUID: cr.ContainerUUID})
	c.Check(errors.Is(err, arvados.ErrAlreadyLocked), check.Equals, true)
}

func (s *Suite) TestMaxDispatchAttempts(c *check.C) {
	s.cluster.Containers.MaxDispatchAttempts = 2
	cr := s.submit(c, s.active, requestAttrs("flaky"))
	uuid := cr.ContainerUUID

	s.lock(c, uuid)
	ctr, err := s.conn.ContainerUnlock(s.ctx, s.dispatcher, arvados.GetOptions{UUID: uuid})
	c.Assert(err, check.IsNil)
	c.Check(ctr.State, check.Equals, arvados.ContainerStateQueued)

	s.lock(c, uuid)
	ctr, err = s.conn.ContainerUnlock(s.ctx, s.dispatcher, arvados.GetOptions{UUID: uuid})
	c.Assert(err, check.IsNil)
	c.Check(ctr.State, check.Equals, arvados.ContainerStateCancelled)
	c.Check(ctr.LockCount, check.Equals, 2)
	c.Check(ctr.RuntimeStatus["error"], check.Matches, `Failed to start container.*MaxDispatchAttempts.*lock_count=2.*`)

	// The request still has retries left.
	cr = s.request(c, cr.UUID)
	c.Check(cr.State, check.Equals, arvados.ContainerRequestStateCommitted)
	c.Check(cr.ContainerUUID, check.Not(check.Equals), uuid)
	c.Check(cr.ContainerCount, check.Equals, 2)
}

func (s *Suite) TestContainerReadPermission(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("private"))
	ctr, err := s.conn.ContainerGet(s.ctx, s.active, arvados.GetOptions{UUID: cr.ContainerUUID})
	c.Check(err, check.IsNil)
	c.Check(ctr.UUID, check.Equals, cr.ContainerUUID)
	_, err = s.conn.ContainerGet(s.ctx, s.spectator, arvados.GetOptions{UUID: cr.ContainerUUID})
	c.Check(errors.Is(err, arvados.ErrNotFound), check.Equals, true)
	_, err = s.conn.ContainerGet(s.ctx, s.dispatcher, arvados.GetOptions{UUID: cr.ContainerUUID})
	c.Check(err, check.IsNil)
	_, err = s.conn.ContainerGet(s.ctx, s.dispatcher, arvados.GetOptions{UUID: "zzzzz-dz642-000000000000000"})
	c.Check(errors.Is(err, arvados.ErrNotFound), check.Equals, true)
}

func (s *Suite) TestContainerCurrent(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("whoami"))
	_, err := s.conn.ContainerCurrent(s.ctx, s.active)
	c.Check(errors.Is(err, arvados.ErrNotFound), check.Equals, true)
	runner := s.run(c, cr.ContainerUUID)
	ctr, err := s.conn.ContainerCurrent(s.ctx, runner)
	c.Assert(err, check.IsNil)
	c.Check(ctr.UUID, check.Equals, cr.ContainerUUID)

	// The runner can read its own container, even though it
	// is not an admin.
	_, err = s.conn.ContainerGet(s.ctx, runner, arvados.GetOptions{UUID: cr.ContainerUUID})
	c.Check(err, check.IsNil)
}

func (s *Suite) TestLockNext(c *check.C) {
	small := s.submit(c, s.active, requestAttrs("small", "priority", 10))
	big := s.submit(c, s.active, requestAttrs("big", "priority", 20,
		"runtime_constraints", map[string]interface{}{"vcpus": 8, "ram": 64 << 30}))
	gpu := s.submit(c, s.active, requestAttrs("gpu", "priority", 30,
		"scheduling_parameters", map[string]interface{}{"partitions": []string{"gpu"}}))
	idle := s.submit(c, s.active, requestAttrs("idle", "priority", 0))

	_, err := s.conn.ContainerLockNext(s.ctx, s.active, arvados.LockNextOptions{})
	c.Check(errors.Is(err, arvados.ErrPermissionDenied), check.Equals, true)

	opts := arvados.LockNextOptions{Partitions: []string{"cpu"}, MaxRAM: 1 << 30, MaxVCPUs: 4}
	ctr, err := s.conn.ContainerLockNext(s.ctx, s.dispatcher, opts)
	c.Assert(err, check.IsNil)
	c.Assert(ctr, check.NotNil)
	c.Check(ctr.UUID, check.Equals, small.ContainerUUID)
	c.Check(ctr.State, check.Equals, arvados.ContainerStateLocked)

	ctr, err = s.conn.ContainerLockNext(s.ctx, s.dispatcher, opts)
	c.Assert(err, check.IsNil)
	c.Check(ctr, check.IsNil)

	ctr, err = s.conn.ContainerLockNext(s.ctx, s.dispatch2, arvados.LockNextOptions{})
	c.Assert(err, check.IsNil)
	c.Assert(ctr, check.NotNil)
	c.Check(ctr.UUID, check.Equals, gpu.ContainerUUID)

	ctr, err = s.conn.ContainerLockNext(s.ctx, s.dispatch2, arvados.LockNextOptions{})
	c.Assert(err, check.IsNil)
	c.Assert(ctr, check.NotNil)
	c.Check(ctr.UUID, check.Equals, big.ContainerUUID)

	// Containers with priority 0 are never offered.
	ctr, err = s.conn.ContainerLockNext(s.ctx, s.dispatch2, arvados.LockNextOptions{})
	c.Assert(err, check.IsNil)
	c.Check(ctr, check.IsNil)
	c.Check(s.container(c, idle.ContainerUUID).State, check.Equals, arvados.ContainerStateQueued)
}

func (*transitionSuite) TestLockNextMatch(c *check.C) {
	yes := true
	ctr := arvados.Container{
		RuntimeConstraints:   arvados.RuntimeConstraints{RAM: 2 << 30, VCPUs: 2},
		SchedulingParameters: arvados.SchedulingParameters{Partitions: []string{"a", "b"}, Preemptible: &yes},
	}
	for _, trial := range []struct {
		opts  arvados.LockNextOptions
		match bool
	}{
		{arvados.LockNextOptions{}, true},
		{arvados.LockNextOptions{Partitions: []string{"b"}}, true},
		{arvados.LockNextOptions{Partitions: []string{"c"}}, false},
		{arvados.LockNextOptions{MaxRAM: 2 << 30}, true},
		{arvados.LockNextOptions{MaxRAM: 1 << 30}, false},
		{arvados.LockNextOptions{MaxVCPUs: 1}, false},
		{arvados.LockNextOptions{NoPreemptible: true}, false},
	} {
		c.Check(lockNextMatch(trial.opts, ctr), check.Equals, trial.match, check.Commentf("%+v", trial.opts))
	}
}
