// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package store defines the transactional storage interface used by
// the container orchestration core. Implementations live in the
// memstore and pgstore subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"git.arvados.org/crunchq.git/sdk/go/arvados"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means the write collided with another
	// transaction or violated a uniqueness constraint. Retrying
	// the whole transaction may succeed.
	ErrConflict = errors.New("write conflict")
	ErrTxDone   = errors.New("transaction already committed or rolled back")
)

// DB is a handle to a data store.
type DB interface {
	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a transaction. Rows read with forUpdate (or a filter with
// ForUpdate set) are write-locked until Commit or Rollback, so two
// transactions that lock the same row are serialized.
//
// Methods that return a single record return ErrNotFound if there is
// no such record.
type Tx interface {
	Commit() error
	Rollback() error

	// Now returns the time the transaction started. It is used
	// for all timestamps written by the transaction.
	Now() time.Time

	GetContainer(ctx context.Context, uuid string, forUpdate bool) (arvados.Container, error)
	ListContainers(ctx context.Context, filter ContainerFilter) ([]arvados.Container, error)
	InsertContainer(ctx context.Context, ctr arvados.Container) error
	UpdateContainer(ctx context.Context, ctr arvados.Container) error

	GetContainerRequest(ctx context.Context, uuid string, forUpdate bool) (arvados.ContainerRequest, error)
	ListContainerRequests(ctx context.Context, filter ContainerRequestFilter) ([]arvados.ContainerRequest, error)
	InsertContainerRequest(ctx context.Context, cr arvados.ContainerRequest) error
	UpdateContainerRequest(ctx context.Context, cr arvados.ContainerRequest) error

	ListCollections(ctx context.Context, filter CollectionFilter) ([]arvados.Collection, error)
	// InsertCollection returns ErrConflict if the owner already
	// has a collection with the same name.
	InsertCollection(ctx context.Context, coll arvados.Collection) error
	// ListDockerImages returns images with the given repository
	// and tag, most recently created first.
	ListDockerImages(ctx context.Context, repository, tag string) ([]arvados.DockerImage, error)
	InsertDockerImage(ctx context.Context, img arvados.DockerImage) error

	GetUser(ctx context.Context, uuid string) (arvados.User, error)
	InsertUser(ctx context.Context, user arvados.User) error
	InsertPermission(ctx context.Context, perm arvados.Permission) error
	// Readable reports whether user can read objects owned by
	// (or identified by) targetUUID: true if user is an admin,
	// is the target, or has been granted permission on it.
	Readable(ctx context.Context, user arvados.User, targetUUID string) (bool, error)

	InsertAPIClientAuthorization(ctx context.Context, aca arvados.APIClientAuthorization) error
	ExpireAPIClientAuthorization(ctx context.Context, uuid string, at time.Time) error
	// LookupAPIClientAuthorization finds a token record by UUID.
	LookupAPIClientAuthorization(ctx context.Context, uuid string) (arvados.APIClientAuthorization, error)
}

// ContainerFilter selects containers. Zero-valued fields impose no
// restriction. Results are ordered by created_at, then uuid.
type ContainerFilter struct {
	UUIDs        []string
	States       []arvados.ContainerState
	SpecHash     string
	AuthUUID     string
	LockedByUUID string
	// Only containers with priority >= MinPriority.
	MinPriority int
	// Only containers with this exit code.
	ExitCode *int
	// Write-lock the returned rows.
	ForUpdate bool
	Limit     int
}

// ContainerRequestFilter selects container requests. Zero-valued
// fields impose no restriction. Results are ordered by uuid.
type ContainerRequestFilter struct {
	ContainerUUIDs          []string
	RequestingContainerUUID string
	States                  []arvados.ContainerRequestState
	MinPriority             int
	ForUpdate               bool
}

// CollectionFilter selects collections. Zero-valued fields impose no
// restriction. Results are ordered by created_at, then uuid.
type CollectionFilter struct {
	UUID             string
	PortableDataHash string
	OwnerUUID        string
	Name             string
}

// Match reports whether ctr satisfies all of the filter's conditions
// other than ForUpdate and Limit.
func (f ContainerFilter) Match(ctr arvados.Container) bool {
	if len(f.UUIDs) > 0 && !contains(f.UUIDs, ctr.UUID) {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, ctr.State) {
		return false
	}
	if f.SpecHash != "" && f.SpecHash != ctr.SpecHash {
		return false
	}
	if f.AuthUUID != "" && f.AuthUUID != ctr.AuthUUID {
		return false
	}
	if f.LockedByUUID != "" && f.LockedByUUID != ctr.LockedByUUID {
		return false
	}
	if ctr.Priority < f.MinPriority {
		return false
	}
	if f.ExitCode != nil && (ctr.ExitCode == nil || *ctr.ExitCode != *f.ExitCode) {
		return false
	}
	return true
}

// Match reports whether cr satisfies all of the filter's conditions
// other than ForUpdate.
func (f ContainerRequestFilter) Match(cr arvados.ContainerRequest) bool {
	if len(f.ContainerUUIDs) > 0 && !contains(f.ContainerUUIDs, cr.ContainerUUID) {
		return false
	}
	if f.RequestingContainerUUID != "" && f.RequestingContainerUUID != cr.RequestingContainerUUID {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if s == cr.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return cr.Priority >= f.MinPriority
}

// Match reports whether coll satisfies all of the filter's
// conditions.
func (f CollectionFilter) Match(coll arvados.Collection) bool {
	return (f.UUID == "" || f.UUID == coll.UUID) &&
		(f.PortableDataHash == "" || f.PortableDataHash == coll.PortableDataHash) &&
		(f.OwnerUUID == "" || f.OwnerUUID == coll.OwnerUUID) &&
		(f.Name == "" || f.Name == coll.Name)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsState(list []arvados.ContainerState, s arvados.ContainerState) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
