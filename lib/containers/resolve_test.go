// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"errors"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

func (s *Suite) newResolver(tx store.Tx, caller Caller) *resolver {
	return &resolver{cluster: s.cluster, tx: tx, caller: caller, logger: ctxlog.FromContext(s.ctx)}
}

func (s *Suite) TestResolveImage(c *check.C) {
	s.inTx(c, func(tx store.Tx) {
		for _, trial := range []struct {
			caller Caller
			search string
			expect string
		}{
			{s.active, "arvados/jobs", imagePDH},
			{s.active, "arvados/jobs:latest", imagePDH},
			{s.active, "arvados/jobs:v1.2", oldImagePDH},
			{s.active, imagePDH, imagePDH},
			{s.active, "arvados/jobs:nope", ""},
			{s.active, "arvados/nope", ""},
			{s.active, otherPDH, otherPDH},
			// Admins can see the newest image.
			{s.dispatcher, "arvados/jobs", otherPDH},
			// The spectator can't read mountCollUUID.
			{s.spectator, otherPDH, ""},
			{s.spectator, "arvados/jobs", imagePDH},
		} {
			comment := check.Commentf("caller %s search %q", trial.caller.User.UUID, trial.search)
			pdh, err := s.newResolver(tx, trial.caller).resolveImage(s.ctx, trial.search)
			if trial.expect == "" {
				c.Check(errors.Is(err, arvados.ErrUnresolvableImage), check.Equals, true, comment)
			} else {
				c.Check(err, check.IsNil, comment)
				c.Check(pdh, check.Equals, trial.expect, comment)
			}
		}
	})
}

func (s *Suite) TestResolveRuntimeConstraints(c *check.C) {
	api := true
	rc, err := resolveRuntimeConstraints(s.cluster, arvados.RequestRuntimeConstraints{
		VCPUs: arvados.Range{2, 8},
		RAM:   arvados.Range{1 << 30, 2 << 30},
		API:   &api,
	})
	c.Assert(err, check.IsNil)
	c.Check(rc, check.DeepEquals, arvados.RuntimeConstraints{
		VCPUs:        2,
		RAM:          1 << 30,
		API:          &api,
		KeepCacheRAM: 256 << 20,
	})

	// Without a RAM cache default, the disk cache is sized to
	// match the container's RAM.
	s.cluster.Containers.DefaultKeepCacheRAM = 0
	for _, trial := range []struct {
		ram  int64
		disk int64
	}{
		{123, 2 << 30},
		{4 << 30, 4 << 30},
		{64 << 30, 32 << 30},
	} {
		rc, err = resolveRuntimeConstraints(s.cluster, arvados.RequestRuntimeConstraints{VCPUs: arvados.Range{1}, RAM: arvados.Range{trial.ram}})
		c.Assert(err, check.IsNil)
		c.Check(rc.KeepCacheRAM, check.Equals, int64(0))
		c.Check(rc.KeepCacheDisk, check.Equals, trial.disk, check.Commentf("ram %d", trial.ram))
	}

	rc, err = resolveRuntimeConstraints(s.cluster, arvados.RequestRuntimeConstraints{VCPUs: arvados.Range{1}, RAM: arvados.Range{123}, KeepCacheDisk: arvados.Range{5 << 20}})
	c.Assert(err, check.IsNil)
	c.Check(rc.KeepCacheDisk, check.Equals, int64(5<<20))

	_, err = resolveRuntimeConstraints(s.cluster, arvados.RequestRuntimeConstraints{VCPUs: arvados.Range{1}})
	c.Check(errors.Is(err, arvados.ErrInvalidConstraints), check.Equals, true)
}

func (s *Suite) TestResolveMounts(c *check.C) {
	s.inTx(c, func(tx store.Tx) {
		in := map[string]arvados.Mount{
			"/tmp":   {Kind: "tmp", Capacity: 1000},
			"/pdh":   {Kind: "collection", PortableDataHash: outputPDH},
			"/uuid":  {Kind: "collection", UUID: mountCollUUID, Path: "/baz"},
			"/match": {Kind: "collection", UUID: mountCollUUID, PortableDataHash: otherPDH},
		}
		out, err := s.newResolver(tx, s.active).resolveMounts(s.ctx, in)
		c.Assert(err, check.IsNil)
		c.Check(out["/tmp"], check.DeepEquals, in["/tmp"])
		c.Check(out["/pdh"], check.DeepEquals, in["/pdh"])
		c.Check(out["/uuid"], check.DeepEquals, arvados.Mount{Kind: "collection", PortableDataHash: otherPDH, Path: "/baz"})
		c.Check(out["/match"], check.DeepEquals, arvados.Mount{Kind: "collection", PortableDataHash: otherPDH})
		// The input map is unchanged.
		c.Check(in["/uuid"].UUID, check.Equals, mountCollUUID)

		_, err = s.newResolver(tx, s.active).resolveMounts(s.ctx, map[string]arvados.Mount{
			"/x": {Kind: "collection", UUID: "zzzzz-4zz18-000000000000000"},
		})
		c.Check(errors.Is(err, arvados.ErrUnresolvableMount), check.Equals, true)
	})
}

func (s *Suite) TestBoundKeepCacheDisk(c *check.C) {
	c.Check(boundKeepCacheDisk(0), check.Equals, int64(2<<30))
	c.Check(boundKeepCacheDisk(3<<30), check.Equals, int64(3<<30))
	c.Check(boundKeepCacheDisk(1<<40), check.Equals, int64(32<<30))
}

type specSuite struct{}

var _ = check.Suite(&specSuite{})

func (*specSuite) TestHashIgnoresNilVersusEmpty(c *check.C) {
	a := Spec{ContainerImage: imagePDH, OutputPath: "/out"}
	b := Spec{ContainerImage: imagePDH, OutputPath: "/out", Command: []string{}, Environment: map[string]string{}, Mounts: map[string]arvados.Mount{}}
	c.Check(a.Hash(), check.Equals, b.Hash())
	c.Check(a.Hash(), check.Matches, `[0-9a-f]{64}`)

	b.Environment["A"] = "b"
	c.Check(a.Hash(), check.Not(check.Equals), b.Hash())
}

func (*specSuite) TestHashIsOrderIndependent(c *check.C) {
	a := Spec{Environment: map[string]string{}, Mounts: map[string]arvados.Mount{}}
	b := Spec{Environment: map[string]string{}, Mounts: map[string]arvados.Mount{}}
	for _, k := range []string{"one", "two", "three", "four"} {
		a.Environment[k] = k
		a.Mounts["/"+k] = arvados.Mount{Kind: "tmp"}
	}
	for _, k := range []string{"four", "three", "two", "one"} {
		b.Environment[k] = k
		b.Mounts["/"+k] = arvados.Mount{Kind: "tmp"}
	}
	c.Check(a.Hash(), check.Equals, b.Hash())
}

func (*specSuite) TestApply(c *check.C) {
	spec := Spec{Command: []string{"echo"}, ContainerImage: imagePDH}
	var ctr arvados.Container
	spec.apply(&ctr)
	c.Check(ctr.Command, check.DeepEquals, []string{"echo"})
	c.Check(ctr.Environment, check.NotNil)
	c.Check(ctr.SpecHash, check.Equals, spec.Hash())
	c.Check(specOf(ctr).Hash(), check.Equals, ctr.SpecHash)
}
