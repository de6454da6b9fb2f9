// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package memstore is an in-memory store.DB. Transactions are fully
// serialized: BeginTx waits until no other transaction is open, then
// works on a private copy of the data set, which replaces the shared
// copy on Commit.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
)

type DB struct {
	sem  chan struct{}
	data *dataset

	mtx     sync.Mutex
	lastNow time.Time
}

func New() *DB {
	return &DB{
		sem:  make(chan struct{}, 1),
		data: newDataset(),
	}
}

func (db *DB) BeginTx(ctx context.Context) (store.Tx, error) {
	select {
	case db.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &tx{db: db, data: db.data.clone(), now: db.nextNow()}, nil
}

func (db *DB) Close() error {
	return nil
}

// nextNow returns the current time, truncated to microseconds like
// PostgreSQL timestamps, and strictly later than the value returned
// by any previous call.
func (db *DB) nextNow() time.Time {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(db.lastNow) {
		now = db.lastNow.Add(time.Microsecond)
	}
	db.lastNow = now
	return now
}

type permKey struct {
	user, target string
}

// Records are deep-copied on the way in and out, so a shallow copy
// of each map is enough to isolate a transaction.
type dataset struct {
	containers  map[string]arvados.Container
	requests    map[string]arvados.ContainerRequest
	collections map[string]arvados.Collection
	images      map[string]arvados.DockerImage
	users       map[string]arvados.User
	perms       map[permKey]bool
	tokens      map[string]arvados.APIClientAuthorization
}

func newDataset() *dataset {
	return &dataset{
		containers:  map[string]arvados.Container{},
		requests:    map[string]arvados.ContainerRequest{},
		collections: map[string]arvados.Collection{},
		images:      map[string]arvados.DockerImage{},
		users:       map[string]arvados.User{},
		perms:       map[permKey]bool{},
		tokens:      map[string]arvados.APIClientAuthorization{},
	}
}

func (ds *dataset) clone() *dataset {
	return &dataset{
		containers:  copyMap(ds.containers),
		requests:    copyMap(ds.requests),
		collections: copyMap(ds.collections),
		images:      copyMap(ds.images),
		users:       copyMap(ds.users),
		perms:       copyMap(ds.perms),
		tokens:      copyMap(ds.tokens),
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// deepCopy returns a copy of v that shares no maps or slices with
// it. The JSON round trip also normalizes values the same way a
// jsonb column would.
func deepCopy[T any](v T) T {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var c T
	err = json.Unmarshal(buf, &c)
	if err != nil {
		panic(err)
	}
	return c
}

type tx struct {
	db   *DB
	data *dataset
	now  time.Time
	done bool
}

func (tx *tx) Commit() error {
	if tx.done {
		return store.ErrTxDone
	}
	tx.done = true
	tx.db.data = tx.data
	<-tx.db.sem
	return nil
}

func (tx *tx) Rollback() error {
	if tx.done {
		return store.ErrTxDone
	}
	tx.done = true
	<-tx.db.sem
	return nil
}

func (tx *tx) Now() time.Time {
	return tx.now
}

func (tx *tx) GetContainer(ctx context.Context, uuid string, forUpdate bool) (arvados.Container, error) {
	ctr, ok := tx.data.containers[uuid]
	if !ok {
		return arvados.Container{}, store.ErrNotFound
	}
	return deepCopy(ctr), nil
}

func (tx *tx) ListContainers(ctx context.Context, filter store.ContainerFilter) ([]arvados.Container, error) {
	var list []arvados.Container
	for _, ctr := range tx.data.containers {
		if filter.Match(ctr) {
			list = append(list, ctr)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].UUID < list[j].UUID
	})
	if filter.Limit > 0 && len(list) > filter.Limit {
		list = list[:filter.Limit]
	}
	for i := range list {
		list[i] = deepCopy(list[i])
	}
	return list, nil
}

func (tx *tx) InsertContainer(ctx context.Context, ctr arvados.Container) error {
	if _, exists := tx.data.containers[ctr.UUID]; exists {
		return store.ErrConflict
	}
	tx.data.containers[ctr.UUID] = deepCopy(ctr)
	return nil
}

func (tx *tx) UpdateContainer(ctx context.Context, ctr arvados.Container) error {
	if _, exists := tx.data.containers[ctr.UUID]; !exists {
		return store.ErrNotFound
	}
	tx.data.containers[ctr.UUID] = deepCopy(ctr)
	return nil
}

func (tx *tx) GetContainerRequest(ctx context.Context, uuid string, forUpdate bool) (arvados.ContainerRequest, error) {
	cr, ok := tx.data.requests[uuid]
	if !ok {
		return arvados.ContainerRequest{}, store.ErrNotFound
	}
	return deepCopy(cr), nil
}

func (tx *tx) ListContainerRequests(ctx context.Context, filter store.ContainerRequestFilter) ([]arvados.ContainerRequest, error) {
	var list []arvados.ContainerRequest
	for _, cr := range tx.data.requests {
		if filter.Match(cr) {
			list = append(list, deepCopy(cr))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].UUID < list[j].UUID
	})
	return list, nil
}

func (tx *tx) InsertContainerRequest(ctx context.Context, cr arvados.ContainerRequest) error {
	if _, exists := tx.data.requests[cr.UUID]; exists {
		return store.ErrConflict
	}
	tx.data.requests[cr.UUID] = deepCopy(cr)
	return nil
}

func (tx *tx) UpdateContainerRequest(ctx context.Context, cr arvados.ContainerRequest) error {
	if _, exists := tx.data.requests[cr.UUID]; !exists {
		return store.ErrNotFound
	}
	tx.data.requests[cr.UUID] = deepCopy(cr)
	return nil
}

func (tx *tx) ListCollections(ctx context.Context, filter store.CollectionFilter) ([]arvados.Collection, error) {
	var list []arvados.Collection
	for _, coll := range tx.data.collections {
		if filter.Match(coll) {
			list = append(list, deepCopy(coll))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].UUID < list[j].UUID
	})
	return list, nil
}

func (tx *tx) InsertCollection(ctx context.Context, coll arvados.Collection) error {
	if _, exists := tx.data.collections[coll.UUID]; exists {
		return store.ErrConflict
	}
	for _, other := range tx.data.collections {
		if other.OwnerUUID == coll.OwnerUUID && other.Name == coll.Name && coll.Name != "" {
			return store.ErrConflict
		}
	}
	tx.data.collections[coll.UUID] = deepCopy(coll)
	return nil
}

func (tx *tx) ListDockerImages(ctx context.Context, repository, tag string) ([]arvados.DockerImage, error) {
	var list []arvados.DockerImage
	for _, img := range tx.data.images {
		if img.Repository == repository && img.Tag == tag {
			list = append(list, img)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].UUID > list[j].UUID
	})
	return list, nil
}

func (tx *tx) InsertDockerImage(ctx context.Context, img arvados.DockerImage) error {
	if _, exists := tx.data.images[img.UUID]; exists {
		return store.ErrConflict
	}
	tx.data.images[img.UUID] = img
	return nil
}

func (tx *tx) GetUser(ctx context.Context, uuid string) (arvados.User, error) {
	user, ok := tx.data.users[uuid]
	if !ok {
		return arvados.User{}, store.ErrNotFound
	}
	return user, nil
}

func (tx *tx) InsertUser(ctx context.Context, user arvados.User) error {
	if _, exists := tx.data.users[user.UUID]; exists {
		return store.ErrConflict
	}
	tx.data.users[user.UUID] = user
	return nil
}

func (tx *tx) InsertPermission(ctx context.Context, perm arvados.Permission) error {
	tx.data.perms[permKey{perm.UserUUID, perm.TargetUUID}] = true
	return nil
}

func (tx *tx) Readable(ctx context.Context, user arvados.User, targetUUID string) (bool, error) {
	if user.IsAdmin || user.UUID == targetUUID {
		return true, nil
	}
	return tx.data.perms[permKey{user.UUID, targetUUID}], nil
}

func (tx *tx) InsertAPIClientAuthorization(ctx context.Context, aca arvados.APIClientAuthorization) error {
	if _, exists := tx.data.tokens[aca.UUID]; exists {
		return store.ErrConflict
	}
	tx.data.tokens[aca.UUID] = deepCopy(aca)
	return nil
}

func (tx *tx) ExpireAPIClientAuthorization(ctx context.Context, uuid string, at time.Time) error {
	aca, ok := tx.data.tokens[uuid]
	if !ok {
		return store.ErrNotFound
	}
	if aca.ExpiresAt == nil || aca.ExpiresAt.After(at) {
		aca.ExpiresAt = &at
	}
	tx.data.tokens[uuid] = aca
	return nil
}

func (tx *tx) LookupAPIClientAuthorization(ctx context.Context, uuid string) (arvados.APIClientAuthorization, error) {
	aca, ok := tx.data.tokens[uuid]
	if !ok {
		return arvados.APIClientAuthorization{}, store.ErrNotFound
	}
	return deepCopy(aca), nil
}
