// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package storetest provides a check.v1 suite that exercises any
// store.DB implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	check "gopkg.in/check.v1"
)

// Suite tests the behavior every store.DB must provide. NewDB is
// called before each test and must return an empty store.
type Suite struct {
	NewDB func(*check.C) store.DB

	db  store.DB
	ctx context.Context
}

func (s *Suite) SetUpTest(c *check.C) {
	s.db = s.NewDB(c)
	s.ctx = context.Background()
}

func (s *Suite) TearDownTest(c *check.C) {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Suite) begin(c *check.C) store.Tx {
	tx, err := s.db.BeginTx(s.ctx)
	c.Assert(err, check.IsNil)
	return tx
}

func (s *Suite) commit(c *check.C, fn func(tx store.Tx)) {
	tx := s.begin(c)
	fn(tx)
	c.Assert(tx.Commit(), check.IsNil)
}

func testContainer(uuid string, created time.Time, state arvados.ContainerState, priority int) arvados.Container {
	return arvados.Container{
		UUID:           uuid,
		CreatedAt:      created,
		ModifiedAt:     created,
		Command:        []string{"echo", "hi"},
		ContainerImage: "d41d8cd98f00b204e9800998ecf8427e+0",
		Cwd:            "/tmp",
		Environment:    map[string]string{"FOO": "bar"},
		Mounts:         map[string]arvados.Mount{
			"/out": {Kind: "tmp", Capacity: 1 << 20},
		},
		OutputPath:         "/out",
		RuntimeConstraints: arvados.RuntimeConstraints{RAM: 1 << 26, VCPUs: 1},
		SpecHash:           "hash-" + string(state),
		State:              state,
		Priority:           priority,
		RuntimeStatus:      map[string]interface{}{},
	}
}

func (s *Suite) TestContainerCRUD(c *check.C) {
	t0 := time.Date(2020, 1, 2, 3, 4, 5, 6000, time.UTC)
	ctr := testContainer("zzzzz-dz642-000000000000001", t0, arvados.ContainerStateQueued, 1)
	s.commit(c, func(tx store.Tx) {
		c.Check(tx.InsertContainer(s.ctx, ctr), check.IsNil)
		c.Check(tx.InsertContainer(s.ctx, ctr), check.Equals, store.ErrConflict)
	})

	tx := s.begin(c)
	defer tx.Rollback()
	got, err := tx.GetContainer(s.ctx, ctr.UUID, false)
	c.Assert(err, check.IsNil)
	c.Check(got.CreatedAt.Equal(t0), check.Equals, true)
	c.Check(got.Command, check.DeepEquals, ctr.Command)
	c.Check(got.Environment, check.DeepEquals, ctr.Environment)
	c.Check(got.Mounts["/out"].Capacity, check.Equals, int64(1<<20))
	c.Check(got.RuntimeConstraints, check.DeepEquals, ctr.RuntimeConstraints)
	c.Check(got.ExitCode, check.IsNil)

	// Modifying the returned record must not affect the store.
	got.Environment["FOO"] = "changed"
	again, err := tx.GetContainer(s.ctx, ctr.UUID, false)
	c.Assert(err, check.IsNil)
	c.Check(again.Environment["FOO"], check.Equals, "bar")

	exit := 3
	got.State = arvados.ContainerStateComplete
	got.ExitCode = &exit
	got.Output = "acbd18db4cc2f85cedef654fccc4a4d8+3"
	c.Check(tx.UpdateContainer(s.ctx, got), check.IsNil)
	again, err = tx.GetContainer(s.ctx, ctr.UUID, true)
	c.Assert(err, check.IsNil)
	c.Check(again.State, check.Equals, arvados.ContainerStateComplete)
	c.Assert(again.ExitCode, check.NotNil)
	c.Check(*again.ExitCode, check.Equals, 3)

	_, err = tx.GetContainer(s.ctx, "zzzzz-dz642-nonexistent0000", false)
	c.Check(err, check.Equals, store.ErrNotFound)
	missing := ctr
	missing.UUID = "zzzzz-dz642-nonexistent0000"
	c.Check(tx.UpdateContainer(s.ctx, missing), check.Equals, store.ErrNotFound)
}

func (s *Suite) TestListContainers(c *check.C) {
	t0 := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	zero := 0
	s.commit(c, func(tx store.Tx) {
		for i, ctr := range []arvados.Container{
			testContainer("zzzzz-dz642-00000000000000c", t0.Add(3*time.Second), arvados.ContainerStateQueued, 5),
			testContainer("zzzzz-dz642-00000000000000a", t0.Add(1*time.Second), arvados.ContainerStateQueued, 0),
			testContainer("zzzzz-dz642-00000000000000b", t0.Add(2*time.Second), arvados.ContainerStateLocked, 2),
			testContainer("zzzzz-dz642-00000000000000d", t0.Add(2*time.Second), arvados.ContainerStateComplete, 1),
		} {
			if ctr.State == arvados.ContainerStateLocked {
				ctr.LockedByUUID = "zzzzz-gj3su-000000000000001"
				ctr.AuthUUID = "zzzzz-gj3su-000000000000002"
			}
			if ctr.State == arvados.ContainerStateComplete {
				ctr.ExitCode = &zero
			}
			c.Logf("insert %d %s", i, ctr.UUID)
			c.Assert(tx.InsertContainer(s.ctx, ctr), check.IsNil)
		}
	})

	tx := s.begin(c)
	defer tx.Rollback()
	for _, trial := range []struct {
		filter store.ContainerFilter
		expect []string
	}{
		{store.ContainerFilter{}, []string{"a", "b", "d", "c"}},
		{store.ContainerFilter{Limit: 2}, []string{"a", "b"}},
		{store.ContainerFilter{States: []arvados.ContainerState{arvados.ContainerStateQueued}}, []string{"a", "c"}},
		{store.ContainerFilter{States: []arvados.ContainerState{arvados.ContainerStateQueued}, MinPriority: 1}, []string{"c"}},
		{store.ContainerFilter{SpecHash: "hash-Locked"}, []string{"b"}},
		{store.ContainerFilter{AuthUUID: "zzzzz-gj3su-000000000000002"}, []string{"b"}},
		{store.ContainerFilter{LockedByUUID: "zzzzz-gj3su-000000000000001"}, []string{"b"}},
		{store.ContainerFilter{ExitCode: &zero}, []string{"d"}},
		{store.ContainerFilter{UUIDs: []string{"zzzzz-dz642-00000000000000c", "zzzzz-dz642-00000000000000d"}}, []string{"d", "c"}},
		{store.ContainerFilter{UUIDs: []string{"zzzzz-dz642-00000000000000c"}, ForUpdate: true}, []string{"c"}},
	} {
		list, err := tx.ListContainers(s.ctx, trial.filter)
		c.Assert(err, check.IsNil)
		var got []string
		for _, ctr := range list {
			got = append(got, ctr.UUID[len(ctr.UUID)-1:])
		}
		c.Check(got, check.DeepEquals, trial.expect, check.Commentf("%+v", trial.filter))
	}
}

func (s *Suite) TestContainerRequests(c *check.C) {
	t0 := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	s.commit(c, func(tx store.Tx) {
		for _, cr := range []arvados.ContainerRequest{
			{UUID: "zzzzz-xvhdp-00000000000000b", State: arvados.ContainerRequestStateCommitted, Priority: 1, ContainerUUID: "zzzzz-dz642-000000000000001"},
			{UUID: "zzzzz-xvhdp-00000000000000a", State: arvados.ContainerRequestStateCommitted, Priority: 0, ContainerUUID: "zzzzz-dz642-000000000000001", RequestingContainerUUID: "zzzzz-dz642-000000000000009"},
			{UUID: "zzzzz-xvhdp-00000000000000c", State: arvados.ContainerRequestStateUncommitted, Priority: 1},
		} {
			cr.CreatedAt, cr.ModifiedAt = t0, t0
			cr.RuntimeConstraints.RAM = arvados.Range{1 << 20, 1 << 30}
			cr.RuntimeConstraints.VCPUs = arvados.Range{2}
			c.Assert(tx.InsertContainerRequest(s.ctx, cr), check.IsNil)
		}
	})

	tx := s.begin(c)
	defer tx.Rollback()
	for _, trial := range []struct {
		filter store.ContainerRequestFilter
		expect []string
	}{
		{store.ContainerRequestFilter{}, []string{"a", "b", "c"}},
		{store.ContainerRequestFilter{ContainerUUIDs: []string{"zzzzz-dz642-000000000000001"}}, []string{"a", "b"}},
		{store.ContainerRequestFilter{ContainerUUIDs: []string{"zzzzz-dz642-000000000000001"}, MinPriority: 1, ForUpdate: true}, []string{"b"}},
		{store.ContainerRequestFilter{RequestingContainerUUID: "zzzzz-dz642-000000000000009"}, []string{"a"}},
		{store.ContainerRequestFilter{States: []arvados.ContainerRequestState{arvados.ContainerRequestStateUncommitted}}, []string{"c"}},
	} {
		list, err := tx.ListContainerRequests(s.ctx, trial.filter)
		c.Assert(err, check.IsNil)
		var got []string
		for _, cr := range list {
			got = append(got, cr.UUID[len(cr.UUID)-1:])
		}
		c.Check(got, check.DeepEquals, trial.expect, check.Commentf("%+v", trial.filter))
	}

	cr, err := tx.GetContainerRequest(s.ctx, "zzzzz-xvhdp-00000000000000b", true)
	c.Assert(err, check.IsNil)
	c.Check(cr.RuntimeConstraints.RAM, check.DeepEquals, arvados.Range{1 << 20, 1 << 30})
	c.Check(cr.RuntimeConstraints.VCPUs, check.DeepEquals, arvados.Range{2})
	cr.State = arvados.ContainerRequestStateFinal
	c.Check(tx.UpdateContainerRequest(s.ctx, cr), check.IsNil)
	cr, err = tx.GetContainerRequest(s.ctx, "zzzzz-xvhdp-00000000000000b", false)
	c.Assert(err, check.IsNil)
	c.Check(cr.State, check.Equals, arvados.ContainerRequestStateFinal)

	_, err = tx.GetContainerRequest(s.ctx, "zzzzz-xvhdp-nonexistent0000", false)
	c.Check(err, check.Equals, store.ErrNotFound)
}

func (s *Suite) TestRollback(c *check.C) {
	tx := s.begin(c)
	c.Assert(tx.InsertContainer(s.ctx, testContainer("zzzzz-dz642-000000000000001", time.Now(), arvados.ContainerStateQueued, 1)), check.IsNil)
	c.Assert(tx.Rollback(), check.IsNil)
	c.Check(tx.Commit(), check.NotNil)

	tx = s.begin(c)
	defer tx.Rollback()
	_, err := tx.GetContainer(s.ctx, "zzzzz-dz642-000000000000001", false)
	c.Check(err, check.Equals, store.ErrNotFound)
}

// Concurrent read-modify-write cycles on the same row, each holding
// the row lock, must not lose updates.
func (s *Suite) TestRowLockSerializes(c *check.C) {
	const uuid = "zzzzz-dz642-000000000000001"
	s.commit(c, func(tx store.Tx) {
		c.Assert(tx.InsertContainer(s.ctx, testContainer(uuid, time.Now(), arvados.ContainerStateQueued, 1)), check.IsNil)
	})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := s.db.BeginTx(s.ctx)
			c.Assert(err, check.IsNil)
			ctr, err := tx.GetContainer(s.ctx, uuid, true)
			c.Assert(err, check.IsNil)
			ctr.LockCount++
			c.Assert(tx.UpdateContainer(s.ctx, ctr), check.IsNil)
			c.Assert(tx.Commit(), check.IsNil)
		}()
	}
	wg.Wait()
	tx := s.begin(c)
	defer tx.Rollback()
	ctr, err := tx.GetContainer(s.ctx, uuid, false)
	c.Assert(err, check.IsNil)
	c.Check(ctr.LockCount, check.Equals, 8)
}

func (s *Suite) TestBeginCanceled(c *check.C) {
	tx := s.begin(c)
	defer tx.Rollback()
	c.Assert(tx.InsertContainer(s.ctx, testContainer("zzzzz-dz642-000000000000001", time.Now(), arvados.ContainerStateQueued, 1)), check.IsNil)
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	tx2, err := s.db.BeginTx(ctx)
	if err != nil {
		// memstore: only one transaction at a time
		c.Check(errors.Is(err, context.DeadlineExceeded), check.Equals, true)
		return
	}
	defer tx2.Rollback()
	// Uncommitted insert is not visible to other transactions.
	_, err = tx2.GetContainer(s.ctx, "zzzzz-dz642-000000000000001", false)
	c.Check(err, check.Equals, store.ErrNotFound)
}

func (s *Suite) TestCollections(c *check.C) {
	t0 := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	trash := t0.Add(time.Hour)
	s.commit(c, func(tx store.Tx) {
		for i, coll := range []arvados.Collection{
			{UUID: "zzzzz-4zz18-00000000000000b", OwnerUUID: "zzzzz-tpzed-000000000000001", Name: "foo", PortableDataHash: "acbd18db4cc2f85cedef654fccc4a4d8+3", ManifestText: ". acbd18db4cc2f85cedef654fccc4a4d8+3 0:3:foo\n"},
			{UUID: "zzzzz-4zz18-00000000000000a", OwnerUUID: "zzzzz-tpzed-000000000000001", Name: "bar", PortableDataHash: "acbd18db4cc2f85cedef654fccc4a4d8+3", TrashAt: &trash, Properties: map[string]interface{}{"type": "output"}},
			{UUID: "zzzzz-4zz18-00000000000000c", OwnerUUID: "zzzzz-tpzed-000000000000002", Name: "foo", PortableDataHash: "37b51d194a7513e45b56f6524f2d51f2+3"},
		} {
			coll.CreatedAt = t0.Add(time.Duration(i) * time.Second)
			coll.ModifiedAt = coll.CreatedAt
			c.Assert(tx.InsertCollection(s.ctx, coll), check.IsNil)
		}
		err := tx.InsertCollection(s.ctx, arvados.Collection{UUID: "zzzzz-4zz18-00000000000000d", OwnerUUID: "zzzzz-tpzed-000000000000001", Name: "foo", CreatedAt: t0, ModifiedAt: t0})
		c.Check(err, check.Equals, store.ErrConflict)
	})

	tx := s.begin(c)
	defer tx.Rollback()
	list, err := tx.ListCollections(s.ctx, store.CollectionFilter{PortableDataHash: "acbd18db4cc2f85cedef654fccc4a4d8+3"})
	c.Assert(err, check.IsNil)
	c.Assert(list, check.HasLen, 2)
	c.Check(list[0].UUID, check.Equals, "zzzzz-4zz18-00000000000000b")
	c.Check(list[0].ManifestText, check.Equals, ". acbd18db4cc2f85cedef654fccc4a4d8+3 0:3:foo\n")
	c.Check(list[1].Properties["type"], check.Equals, "output")
	c.Assert(list[1].TrashAt, check.NotNil)
	c.Check(list[1].TrashAt.Equal(trash), check.Equals, true)

	list, err = tx.ListCollections(s.ctx, store.CollectionFilter{Name: "foo", OwnerUUID: "zzzzz-tpzed-000000000000002"})
	c.Assert(err, check.IsNil)
	c.Assert(list, check.HasLen, 1)
	c.Check(list[0].UUID, check.Equals, "zzzzz-4zz18-00000000000000c")

	list, err = tx.ListCollections(s.ctx, store.CollectionFilter{UUID: "zzzzz-4zz18-nonexistent0000"})
	c.Assert(err, check.IsNil)
	c.Check(list, check.HasLen, 0)
}

func (s *Suite) TestDockerImages(c *check.C) {
	t0 := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	s.commit(c, func(tx store.Tx) {
		for i, img := range []arvados.DockerImage{
			{UUID: "zzzzz-o0j2j-000000000000001", Repository: "debian", Tag: "12", PortableDataHash: "fa3c1a9cb6783f85f2ecda037e07b8c3+167"},
			{UUID: "zzzzz-o0j2j-000000000000002", Repository: "debian", Tag: "12", PortableDataHash: "d740a57097711e08eb9b2a93518f20ab+174"},
			{UUID: "zzzzz-o0j2j-000000000000003", Repository: "debian", Tag: "latest", PortableDataHash: "b519d9cb706a29fc7ea24dbea2f05851+93"},
		} {
			img.CreatedAt = t0.Add(time.Duration(i) * time.Second)
			c.Assert(tx.InsertDockerImage(s.ctx, img), check.IsNil)
		}
	})
	tx := s.begin(c)
	defer tx.Rollback()
	list, err := tx.ListDockerImages(s.ctx, "debian", "12")
	c.Assert(err, check.IsNil)
	c.Assert(list, check.HasLen, 2)
	c.Check(list[0].PortableDataHash, check.Equals, "d740a57097711e08eb9b2a93518f20ab+174")
	list, err = tx.ListDockerImages(s.ctx, "ubuntu", "latest")
	c.Assert(err, check.IsNil)
	c.Check(list, check.HasLen, 0)
}

func (s *Suite) TestUsersAndPermissions(c *check.C) {
	admin := arvados.User{UUID: "zzzzz-tpzed-000000000000000", IsAdmin: true, IsActive: true}
	alice := arvados.User{UUID: "zzzzz-tpzed-000000000000001", IsActive: true, Username: "alice"}
	bob := arvados.User{UUID: "zzzzz-tpzed-000000000000002", IsActive: true, Username: "bob"}
	s.commit(c, func(tx store.Tx) {
		for _, u := range []arvados.User{admin, alice, bob} {
			c.Assert(tx.InsertUser(s.ctx, u), check.IsNil)
		}
		c.Check(tx.InsertUser(s.ctx, bob), check.Equals, store.ErrConflict)
		c.Assert(tx.InsertPermission(s.ctx, arvados.Permission{UserUUID: bob.UUID, TargetUUID: alice.UUID}), check.IsNil)
	})
	tx := s.begin(c)
	defer tx.Rollback()
	got, err := tx.GetUser(s.ctx, alice.UUID)
	c.Assert(err, check.IsNil)
	c.Check(got.Username, check.Equals, "alice")
	_, err = tx.GetUser(s.ctx, "zzzzz-tpzed-nonexistent0000")
	c.Check(err, check.Equals, store.ErrNotFound)

	for _, trial := range []struct {
		user   arvados.User
		target string
		expect bool
	}{
		{admin, alice.UUID, true},
		{alice, alice.UUID, true},
		{alice, bob.UUID, false},
		{bob, alice.UUID, true},
		{bob, "zzzzz-4zz18-000000000000001", false},
	} {
		ok, err := tx.Readable(s.ctx, trial.user, trial.target)
		c.Check(err, check.IsNil)
		c.Check(ok, check.Equals, trial.expect, check.Commentf("%s reading %s", trial.user.UUID, trial.target))
	}
}

func (s *Suite) TestAPIClientAuthorizations(c *check.C) {
	aca := arvados.APIClientAuthorization{
		UUID:      "zzzzz-gj3su-000000000000001",
		APIToken:  "secretsecretsecret",
		UserUUID:  "zzzzz-tpzed-000000000000001",
		CreatedAt: time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
		Scopes:    []string{"GET /arvados/v1/containers/current"},
	}
	s.commit(c, func(tx store.Tx) {
		c.Assert(tx.InsertAPIClientAuthorization(s.ctx, aca), check.IsNil)
		c.Check(tx.InsertAPIClientAuthorization(s.ctx, aca), check.Equals, store.ErrConflict)
	})
	expireAt := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	s.commit(c, func(tx store.Tx) {
		got, err := tx.LookupAPIClientAuthorization(s.ctx, aca.UUID)
		c.Assert(err, check.IsNil)
		c.Check(got.APIToken, check.Equals, aca.APIToken)
		c.Check(got.Scopes, check.DeepEquals, aca.Scopes)
		c.Check(got.ExpiresAt, check.IsNil)
		c.Check(tx.ExpireAPIClientAuthorization(s.ctx, aca.UUID, expireAt), check.IsNil)
		// Expiring again later does not extend the lifetime.
		c.Check(tx.ExpireAPIClientAuthorization(s.ctx, aca.UUID, expireAt.Add(time.Hour)), check.IsNil)
		c.Check(tx.ExpireAPIClientAuthorization(s.ctx, "zzzzz-gj3su-nonexistent0000", expireAt), check.Equals, store.ErrNotFound)
	})
	tx := s.begin(c)
	defer tx.Rollback()
	got, err := tx.LookupAPIClientAuthorization(s.ctx, aca.UUID)
	c.Assert(err, check.IsNil)
	c.Assert(got.ExpiresAt, check.NotNil)
	c.Check(got.ExpiresAt.Equal(expireAt), check.Equals, true)
	_, err = tx.LookupAPIClientAuthorization(s.ctx, "zzzzz-gj3su-nonexistent0000")
	c.Check(err, check.Equals, store.ErrNotFound)
}
