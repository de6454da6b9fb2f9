// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"context"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
)

// Caller identifies the client on whose behalf an operation runs. It
// is passed explicitly to every operation that checks permissions.
type Caller struct {
	User  arvados.User
	Token arvados.APIClientAuthorization
	// System is true for the cluster's own background workers and
	// for clients presenting the SystemRootToken.
	System bool
}

// SystemCaller returns the Caller used by background work such as
// the completion cascade.
func SystemCaller(cluster *arvados.Cluster) Caller {
	return Caller{
		User: arvados.User{
			UUID:     arvados.SystemUserUUID(cluster.ClusterID),
			IsActive: true,
			IsAdmin:  true,
			Username: "root",
		},
		Token: arvados.APIClientAuthorization{
			UUID:     cluster.ClusterID + "-" + arvados.InfixAPIClientAuthorization + "-000000000000000",
			UserUUID: arvados.SystemUserUUID(cluster.ClusterID),
			Scopes:   []string{"all"},
		},
		System: true,
	}
}

func (caller Caller) IsAdmin() bool {
	return caller.System || caller.User.IsAdmin
}

// readable reports whether caller may read objects owned by
// ownerUUID.
func (caller Caller) readable(ctx context.Context, tx store.Tx, ownerUUID string) (bool, error) {
	if caller.IsAdmin() {
		return true, nil
	}
	return tx.Readable(ctx, caller.User, ownerUUID)
}

// readablePDH reports whether caller can read at least one
// collection with the given portable data hash.
func (caller Caller) readablePDH(ctx context.Context, tx store.Tx, pdh string) (bool, error) {
	colls, err := tx.ListCollections(ctx, store.CollectionFilter{PortableDataHash: pdh})
	if err != nil {
		return false, err
	}
	for _, coll := range colls {
		ok, err := caller.readable(ctx, tx, coll.OwnerUUID)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}
