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

func (s *Suite) TestCascadeFailureIsRetried(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("flaky storage"))
	runner := s.run(c, cr.ContainerUUID)

	s.db.failCollections = true
	ctr := s.finish(c, runner, cr.ContainerUUID, 0, outputPDH, logPDH)
	c.Check(ctr.State, check.Equals, arvados.ContainerStateComplete)
	c.Check(s.metricValue(c, "crunchq_containers_cascades_total", "result", "error"), check.Equals, 1.0)
	// The whole cascade was rolled back.
	cr = s.request(c, cr.UUID)
	c.Check(cr.State, check.Equals, arvados.ContainerRequestStateCommitted)
	c.Check(cr.OutputUUID, check.Equals, "")

	// Still failing: the sweep reports the error.
	err := s.conn.cascadeSweep(s.ctx)
	c.Check(errors.Is(err, errStorageUnavailable), check.Equals, true)
	c.Check(s.metricValue(c, "crunchq_containers_cascades_total", "result", "error"), check.Equals, 2.0)

	s.db.failCollections = false
	c.Assert(s.conn.cascadeSweep(s.ctx), check.IsNil)
	cr = s.request(c, cr.UUID)
	c.Check(cr.State, check.Equals, arvados.ContainerRequestStateFinal)
	c.Check(s.collection(c, cr.OutputUUID).PortableDataHash, check.Equals, outputPDH)
	c.Check(s.metricValue(c, "crunchq_containers_cascades_total", "result", "success"), check.Equals, 1.0)

	// Nothing left to do.
	c.Assert(s.conn.cascadeSweep(s.ctx), check.IsNil)
	c.Check(s.metricValue(c, "crunchq_containers_cascades_total", "result", "success"), check.Equals, 1.0)
	c.Check(s.request(c, cr.UUID).OutputUUID, check.Equals, cr.OutputUUID)
}

func (s *Suite) TestCascadeIsIdempotent(c *check.C) {
	parent := s.submit(c, s.active, requestAttrs("parent"))
	runner := s.run(c, parent.ContainerUUID)
	child := s.submit(c, runner, requestAttrs("child"))
	s.finish(c, runner, parent.ContainerUUID, 0, outputPDH, logPDH)
	before := s.request(c, parent.UUID)
	beforeChild := s.request(c, child.UUID)

	s.inTx(c, func(tx store.Tx) {
		res, err := s.conn.cascade(s.ctx, tx, SystemCaller(s.cluster), parent.ContainerUUID)
		c.Assert(err, check.IsNil)
		c.Check(res, check.DeepEquals, cascadeResult{})
	})
	c.Check(s.request(c, parent.UUID), check.DeepEquals, before)
	c.Check(s.request(c, child.UUID), check.DeepEquals, beforeChild)
}

func (s *Suite) TestCascadeRejectsActiveContainer(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("busy"))
	s.inTx(c, func(tx store.Tx) {
		_, err := s.conn.cascade(s.ctx, tx, SystemCaller(s.cluster), cr.ContainerUUID)
		c.Check(err, check.ErrorMatches, `container .* is Queued, not final`)
	})
}

func (s *Suite) TestRetrySharedContainer(c *check.C) {
	cr1 := s.submit(c, s.active, requestAttrs("shared",
		"scheduling_parameters", map[string]interface{}{"partitions": []string{"a"}, "max_run_time": 60}))
	cr2 := s.submit(c, s.active, requestAttrs("shared", "name", "second",
		"scheduling_parameters", map[string]interface{}{"partitions": []string{"b"}, "max_run_time": 120}))
	c.Assert(cr2.ContainerUUID, check.Equals, cr1.ContainerUUID)
	// This one has no retries left.
	cr3 := s.submit(c, s.active, requestAttrs("shared", "name", "third", "container_count_max", 1))
	c.Assert(cr3.ContainerUUID, check.Equals, cr1.ContainerUUID)

	s.lock(c, cr1.ContainerUUID)
	s.setState(c, s.dispatcher, cr1.ContainerUUID, arvados.ContainerStateCancelled)

	cr1, cr2, cr3 = s.request(c, cr1.UUID), s.request(c, cr2.UUID), s.request(c, cr3.UUID)
	c.Check(cr1.ContainerUUID, check.Equals, cr2.ContainerUUID)
	c.Check(cr1.ContainerCount, check.Equals, 2)
	c.Check(cr2.ContainerCount, check.Equals, 2)
	c.Check(cr3.State, check.Equals, arvados.ContainerRequestStateFinal)
	retry := s.container(c, cr1.ContainerUUID)
	c.Check(retry.SchedulingParameters.Partitions, check.DeepEquals, []string{"a", "b"})
	c.Check(retry.SchedulingParameters.MaxRunTime, check.Equals, 120)
	c.Check(s.metricValue(c, "crunchq_containers_created_total", "reason", "retry"), check.Equals, 1.0)
}

func (s *Suite) TestOutputNameAndTTL(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("named", "output_name", "my output", "output_ttl", 3600))
	runner := s.run(c, cr.ContainerUUID)
	ctr := s.finish(c, runner, cr.ContainerUUID, 0, outputPDH, logPDH)

	cr = s.request(c, cr.UUID)
	out := s.collection(c, cr.OutputUUID)
	c.Check(out.Name, check.Equals, "my output")
	c.Assert(out.TrashAt, check.NotNil)
	c.Check(out.TrashAt.After(*ctr.FinishedAt), check.Equals, true)
	c.Check(out.TrashAt.Sub(out.CreatedAt), check.Equals, time.Hour)
	c.Check(out.DeleteAt, check.DeepEquals, out.TrashAt)
	// The log collection gets the default name and no expiry.
	logColl := s.collection(c, cr.LogUUID)
	c.Check(logColl.Name, check.Equals, "Container log for request "+cr.UUID)
	c.Check(logColl.TrashAt, check.IsNil)

	// Reusing the finished container with the same output name
	// needs a different collection name.
	cr2 := s.submit(c, s.active, requestAttrs("named", "name", "again", "output_name", "my output"))
	c.Check(cr2.State, check.Equals, arvados.ContainerRequestStateFinal)
	out2 := s.collection(c, cr2.OutputUUID)
	c.Check(out2.Name, check.Matches, `my output \(\d{4}-\d\d-\d\dT\d\d:\d\d:\d\d\.\d{3}Z\)`)
	c.Check(out2.TrashAt, check.IsNil)
}

type mergeSuite struct{}

var _ = check.Suite(&mergeSuite{})

func (*mergeSuite) TestMergeSchedulingParameters(c *check.C) {
	yes, no := true, false
	req := func(sp arvados.SchedulingParameters) arvados.ContainerRequest {
		return arvados.ContainerRequest{SchedulingParameters: sp}
	}
	for _, trial := range []struct {
		in     []arvados.SchedulingParameters
		expect arvados.SchedulingParameters
	}{
		{
			in:     []arvados.SchedulingParameters{{Partitions: []string{"a"}, Preemptible: &yes, MaxRunTime: 10}},
			expect: arvados.SchedulingParameters{Partitions: []string{"a"}, Preemptible: &yes, MaxRunTime: 10},
		},
		{
			in:     []arvados.SchedulingParameters{{Partitions: []string{"a", "b"}}, {Partitions: []string{"b", "c"}}},
			expect: arvados.SchedulingParameters{Partitions: []string{"a", "b", "c"}},
		},
		{
			in:     []arvados.SchedulingParameters{{Partitions: []string{"a"}}, {}, {Partitions: []string{"c"}}},
			expect: arvados.SchedulingParameters{},
		},
		{
			in:     []arvados.SchedulingParameters{{Preemptible: &yes}, {Preemptible: &no}},
			expect: arvados.SchedulingParameters{},
		},
		{
			in:     []arvados.SchedulingParameters{{Preemptible: &yes, MaxRunTime: 10}, {Preemptible: &yes, MaxRunTime: 30}},
			expect: arvados.SchedulingParameters{Preemptible: &yes, MaxRunTime: 30},
		},
		{
			in:     []arvados.SchedulingParameters{{MaxRunTime: 10}, {MaxRunTime: 0}, {MaxRunTime: 30}},
			expect: arvados.SchedulingParameters{},
		},
	} {
		var crs []arvados.ContainerRequest
		for _, sp := range trial.in {
			crs = append(crs, req(sp))
		}
		got := mergeSchedulingParameters(crs)
		if len(got.Partitions) == 0 {
			got.Partitions = nil
		}
		c.Check(got, check.DeepEquals, trial.expect, check.Commentf("%+v", trial.in))
	}
}
