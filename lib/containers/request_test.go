// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"errors"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	check "gopkg.in/check.v1"
)

func (s *Suite) TestRequestDefaults(c *check.C) {
	cr, err := s.conn.ContainerRequestCreate(s.ctx, s.active, arvados.CreateOptions{Attrs: map[string]interface{}{"name": "empty"}})
	c.Assert(err, check.IsNil)
	c.Check(cr.UUID, check.Matches, `zzzzz-xvhdp-[0-9a-z]{15}`)
	c.Check(cr.State, check.Equals, arvados.ContainerRequestStateUncommitted)
	c.Check(cr.Cwd, check.Equals, ".")
	c.Check(cr.ContainerCountMax, check.Equals, 3)
	c.Check(cr.UseExisting, check.Equals, true)
	c.Check(cr.Environment, check.NotNil)
	c.Check(cr.ModifiedByUserUUID, check.Equals, activeUserUUID)
	c.Check(cr.CreatedAt.IsZero(), check.Equals, false)

	// Committing an incomplete request fails and changes
	// nothing.
	_, err = s.conn.ContainerRequestCommit(s.ctx, s.active, arvados.GetOptions{UUID: cr.UUID})
	c.Check(errors.Is(err, arvados.ErrInvalidAttributes), check.Equals, true)
	c.Check(s.request(c, cr.UUID).State, check.Equals, arvados.ContainerRequestStateUncommitted)
}

func (s *Suite) TestRequestValidation(c *check.C) {
	for _, trial := range []struct {
		attrs map[string]interface{}
		err   error
	}{
		{requestAttrs("x", "container_count", 2), arvados.ErrIllegalFieldChange},
		{requestAttrs("x", "priority", 1001), arvados.ErrInvalidAttributes},
		{requestAttrs("x", "priority", -1), arvados.ErrInvalidAttributes},
		{requestAttrs("x", "output_ttl", -1), arvados.ErrInvalidAttributes},
		{requestAttrs("x", "no_such_attr", 1), arvados.ErrInvalidAttributes},
		{requestAttrs("x", "command", []string{}), arvados.ErrInvalidAttributes},
		{requestAttrs("x", "container_image", ""), arvados.ErrInvalidAttributes},
		{requestAttrs("x", "scheduling_parameters", map[string]interface{}{"preemptible": true}), arvados.ErrInvalidAttributes},
		{requestAttrs("x", "runtime_constraints", map[string]interface{}{"ram": 123}), arvados.ErrInvalidConstraints},
		{requestAttrs("x", "runtime_constraints", map[string]interface{}{"vcpus": 0, "ram": 123}), arvados.ErrInvalidConstraints},
		{requestAttrs("x", "runtime_constraints", map[string]interface{}{"vcpus": []int{4, 2}, "ram": 123}), arvados.ErrInvalidConstraints},
		{requestAttrs("x", "runtime_constraints", map[string]interface{}{"vcpus": []int{1, 2, 3}, "ram": 123}), arvados.ErrInvalidConstraints},
		{requestAttrs("x", "runtime_constraints", map[string]interface{}{"vcpus": 1, "ram": 123, "keep_cache_ram": -5}), arvados.ErrInvalidConstraints},
		{requestAttrs("x", "container_image", "arvados/nonexistent"), arvados.ErrUnresolvableImage},
		{requestAttrs("x", "container_image", "arvados/jobs:nonexistent"), arvados.ErrUnresolvableImage},
		{requestAttrs("x", "owner_uuid", spectatorUserUUID), arvados.ErrIllegalFieldChange},
	} {
		trial.attrs["state"] = arvados.ContainerRequestStateCommitted
		_, err := s.conn.ContainerRequestCreate(s.ctx, s.active, arvados.CreateOptions{Attrs: trial.attrs})
		c.Check(errors.Is(err, trial.err), check.Equals, true, check.Commentf("attrs %v => err %v", trial.attrs, err))
	}
	s.inTx(c, func(tx store.Tx) {
		crs, err := tx.ListContainerRequests(s.ctx, store.ContainerRequestFilter{})
		c.Assert(err, check.IsNil)
		c.Check(crs, check.HasLen, 0)
	})
}

func (s *Suite) TestPreemptibleChildRequests(c *check.C) {
	s.cluster.Containers.PreemptibleInstances = true
	parent := s.submit(c, s.active, requestAttrs("parent"))
	c.Check(parent.SchedulingParameters.Preemptible, check.IsNil)
	runner := s.run(c, parent.ContainerUUID)
	child := s.submit(c, runner, requestAttrs("child"))
	c.Check(child.SchedulingParameters.IsPreemptible(), check.Equals, true)
	c.Check(s.container(c, child.ContainerUUID).SchedulingParameters.IsPreemptible(), check.Equals, true)
}

func (s *Suite) TestChildRequestKeepsExplicitNonPreemptible(c *check.C) {
	s.cluster.Containers.PreemptibleInstances = true
	parent := s.submit(c, s.active, requestAttrs("parent"))
	runner := s.run(c, parent.ContainerUUID)

	pinned := s.submit(c, runner, requestAttrs("pinned", "scheduling_parameters", map[string]interface{}{"preemptible": false}))
	c.Assert(pinned.SchedulingParameters.Preemptible, check.NotNil)
	c.Check(pinned.SchedulingParameters.IsPreemptible(), check.Equals, false)
	c.Check(s.container(c, pinned.ContainerUUID).SchedulingParameters.IsPreemptible(), check.Equals, false)

	// The choice also survives a separate commit step.
	attrs := requestAttrs("pinned-later", "scheduling_parameters", map[string]interface{}{"preemptible": false})
	cr, err := s.conn.ContainerRequestCreate(s.ctx, runner, arvados.CreateOptions{Attrs: attrs})
	c.Assert(err, check.IsNil)
	cr, err = s.conn.ContainerRequestCommit(s.ctx, runner, arvados.GetOptions{UUID: cr.UUID})
	c.Assert(err, check.IsNil)
	c.Check(cr.SchedulingParameters.IsPreemptible(), check.Equals, false)
	c.Check(s.container(c, cr.ContainerUUID).SchedulingParameters.IsPreemptible(), check.Equals, false)
}

func (s *Suite) TestCommittedRequestWhitelist(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("frozen"))
	update := func(caller Caller, attrs map[string]interface{}) error {
		_, err := s.conn.ContainerRequestUpdate(s.ctx, caller, arvados.UpdateOptions{UUID: cr.UUID, Attrs: attrs})
		return err
	}
	c.Check(errors.Is(update(s.active, map[string]interface{}{"command": []string{"echo", "changed"}}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(errors.Is(update(s.active, map[string]interface{}{"use_existing": false}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(errors.Is(update(s.active, map[string]interface{}{"container_uuid": "zzzzz-dz642-000000000000000"}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(errors.Is(update(s.active, map[string]interface{}{"container_uuid": ""}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(errors.Is(update(s.active, map[string]interface{}{"container_count": 5}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(errors.Is(update(s.active, map[string]interface{}{"state": "Uncommitted"}), arvados.ErrInvalidStateTransition), check.Equals, true)
	c.Check(update(s.active, map[string]interface{}{"name": "renamed", "properties": map[string]interface{}{"foo": "bar"}}), check.IsNil)
	c.Check(update(s.active, map[string]interface{}{"container_count_max": 5}), check.IsNil)

	// Users who can't read the request can't see it; users who
	// can read it still can't change it.
	c.Check(errors.Is(update(s.spectator, map[string]interface{}{"priority": 5}), arvados.ErrNotFound), check.Equals, true)
	_, err := s.conn.ContainerRequestGet(s.ctx, s.spectator, arvados.GetOptions{UUID: cr.UUID})
	c.Check(errors.Is(err, arvados.ErrNotFound), check.Equals, true)
	s.inTx(c, func(tx store.Tx) {
		c.Assert(tx.InsertPermission(s.ctx, arvados.Permission{UserUUID: spectatorUserUUID, TargetUUID: activeUserUUID}), check.IsNil)
	})
	c.Check(errors.Is(update(s.spectator, map[string]interface{}{"priority": 5}), arvados.ErrPermissionDenied), check.Equals, true)
	got, err := s.conn.ContainerRequestGet(s.ctx, s.spectator, arvados.GetOptions{UUID: cr.UUID})
	c.Check(err, check.IsNil)
	c.Check(got.Name, check.Equals, "renamed")

	// Admins can point a request at a different container, but
	// only an existing one, and can't detach it from its container.
	c.Check(errors.Is(update(s.dispatcher, map[string]interface{}{"container_uuid": "zzzzz-dz642-000000000000000"}), arvados.ErrInvalidAttributes), check.Equals, true)
	c.Check(errors.Is(update(s.dispatcher, map[string]interface{}{"container_uuid": ""}), arvados.ErrInvalidAttributes), check.Equals, true)
	unchanged := s.request(c, cr.UUID)
	c.Check(unchanged.ContainerUUID, check.Equals, cr.ContainerUUID)
	c.Check(unchanged.ContainerCount, check.Equals, 1)
	c.Check(s.container(c, cr.ContainerUUID).Priority, check.Equals, 1)
	other := s.submit(c, s.active, requestAttrs("other"))
	c.Check(update(s.dispatcher, map[string]interface{}{"container_uuid": other.ContainerUUID}), check.IsNil)
	cr = s.request(c, cr.UUID)
	c.Check(cr.ContainerUUID, check.Equals, other.ContainerUUID)
	c.Check(cr.ContainerCount, check.Equals, 2)
	c.Check(cr.ModifiedByUserUUID, check.Equals, adminUserUUID)

	// Cancelling by moving to Final.
	c.Check(update(s.active, map[string]interface{}{"state": "Final"}), check.IsNil)
	c.Check(errors.Is(update(s.active, map[string]interface{}{"priority": 3}), arvados.ErrIllegalFieldChange), check.Equals, true)
	c.Check(errors.Is(update(s.active, map[string]interface{}{"state": "Committed"}), arvados.ErrInvalidStateTransition), check.Equals, true)
}

func (s *Suite) TestPriorityPropagation(c *check.C) {
	cr1 := s.submit(c, s.active, requestAttrs("shared", "priority", 5))
	cr2 := s.submit(c, s.active, requestAttrs("shared", "priority", 10, "name", "second"))
	c.Assert(cr2.ContainerUUID, check.Equals, cr1.ContainerUUID)
	c.Check(s.metricValue(c, "crunchq_containers_reused_total", "tier", "queued"), check.Equals, 1.0)
	uuid := cr1.ContainerUUID
	c.Check(s.container(c, uuid).Priority, check.Equals, 10)

	_, err := s.conn.ContainerRequestSetPriority(s.ctx, s.active, arvados.PriorityOptions{UUID: cr2.UUID, Priority: 2})
	c.Assert(err, check.IsNil)
	c.Check(s.container(c, uuid).Priority, check.Equals, 5)

	_, err = s.conn.ContainerRequestUpdate(s.ctx, s.active, arvados.UpdateOptions{UUID: cr1.UUID, Attrs: map[string]interface{}{"state": "Final"}})
	c.Assert(err, check.IsNil)
	c.Check(s.container(c, uuid).Priority, check.Equals, 2)

	// An uncommitted request doesn't count.
	cr3, err := s.conn.ContainerRequestCreate(s.ctx, s.active, arvados.CreateOptions{Attrs: requestAttrs("shared", "priority", 900)})
	c.Assert(err, check.IsNil)
	c.Check(s.container(c, uuid).Priority, check.Equals, 2)

	// Dropping the last committed request leaves the container
	// with priority 0.
	_, err = s.conn.ContainerRequestUpdate(s.ctx, s.active, arvados.UpdateOptions{UUID: cr2.UUID, Attrs: map[string]interface{}{"state": "Final"}})
	c.Assert(err, check.IsNil)
	c.Check(s.container(c, uuid).Priority, check.Equals, 0)

	cr3, err = s.conn.ContainerRequestCommit(s.ctx, s.active, arvados.GetOptions{UUID: cr3.UUID})
	c.Assert(err, check.IsNil)
	c.Check(cr3.ContainerUUID, check.Equals, uuid)
	c.Check(s.container(c, uuid).Priority, check.Equals, 900)

	// Final containers keep their priority.
	runner := s.run(c, uuid)
	s.finish(c, runner, uuid, 0, outputPDH, logPDH)
	c.Check(s.container(c, uuid).Priority, check.Equals, 900)
}

func (s *Suite) TestPrioritySweep(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("drift", "priority", 7))
	s.inTx(c, func(tx store.Tx) {
		ctr, err := tx.GetContainer(s.ctx, cr.ContainerUUID, true)
		c.Assert(err, check.IsNil)
		ctr.Priority = 999
		c.Assert(tx.UpdateContainer(s.ctx, ctr), check.IsNil)
	})
	c.Assert(s.conn.prioritySweep(s.ctx), check.IsNil)
	c.Check(s.container(c, cr.ContainerUUID).Priority, check.Equals, 7)
	c.Check(s.metricValue(c, "crunchq_priority_sweep_duration_seconds"), check.Equals, 1.0)
}

func (s *Suite) TestReuseRequiresExactMatch(c *check.C) {
	base := s.submit(c, s.active, requestAttrs("exact"))
	for _, trial := range []map[string]interface{}{
		requestAttrs("exact", "environment", map[string]interface{}{"FOO": "bar"}),
		requestAttrs("exact", "cwd", "/tmp"),
		requestAttrs("exact", "output_path", "/out2"),
		requestAttrs("exact", "container_image", "arvados/jobs:v1.2"),
		requestAttrs("exact", "runtime_constraints", map[string]interface{}{"vcpus": 2, "ram": 123}),
		requestAttrs("exact", "runtime_constraints", map[string]interface{}{"vcpus": 1, "ram": 123, "keep_cache_ram": 1 << 30}),
		requestAttrs("exact", "use_existing", false),
	} {
		cr := s.submit(c, s.active, trial)
		c.Check(cr.ContainerUUID, check.Not(check.Equals), base.ContainerUUID, check.Commentf("%v", trial))
	}

	// Ranges collapse to their minimum, and an image name
	// resolves to the same image as its content hash.
	same := s.submit(c, s.active, requestAttrs("exact",
		"container_image", imagePDH,
		"runtime_constraints", map[string]interface{}{"vcpus": []int{1, 4}, "ram": []int{123, 456}}))
	c.Check(same.ContainerUUID, check.Equals, base.ContainerUUID)
}

func (s *Suite) TestResolveMountsOnCommit(c *check.C) {
	mounts := func(mnt map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{
			"/out":   map[string]interface{}{"kind": "tmp", "capacity": 1000000},
			"/input": mnt,
		}
	}
	cr := s.submit(c, s.active, requestAttrs("mounts", "mounts", mounts(map[string]interface{}{"kind": "collection", "uuid": mountCollUUID})))
	ctr := s.container(c, cr.ContainerUUID)
	c.Check(ctr.Mounts["/input"].PortableDataHash, check.Equals, otherPDH)
	c.Check(ctr.Mounts["/input"].UUID, check.Equals, "")
	// The request keeps the mutable reference.
	c.Check(s.request(c, cr.UUID).Mounts["/input"].UUID, check.Equals, mountCollUUID)

	attrs := requestAttrs("mounts", "mounts", mounts(map[string]interface{}{"kind": "collection", "uuid": mountCollUUID, "portable_data_hash": outputPDH}))
	attrs["state"] = arvados.ContainerRequestStateCommitted
	_, err := s.conn.ContainerRequestCreate(s.ctx, s.active, arvados.CreateOptions{Attrs: attrs})
	c.Check(errors.Is(err, arvados.ErrMountMismatch), check.Equals, true)

	attrs = requestAttrs("mounts", "mounts", mounts(map[string]interface{}{"kind": "collection", "uuid": mountCollUUID}))
	attrs["state"] = arvados.ContainerRequestStateCommitted
	_, err = s.conn.ContainerRequestCreate(s.ctx, s.spectator, arvados.CreateOptions{Attrs: attrs})
	c.Check(errors.Is(err, arvados.ErrUnresolvableMount), check.Equals, true)
}
