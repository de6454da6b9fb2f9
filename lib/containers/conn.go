// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package containers implements container requests and containers:
// resolving requests to reusable containers, the container state
// machine, dispatch locking, priority propagation, and the
// completion cascade.
package containers

import (
	"context"
	"errors"

	"git.arvados.org/crunchq.git/lib/ctrlctx"
	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
)

// Conn exposes the container operations. Each exported method runs
// in its own transaction.
type Conn struct {
	cluster   *arvados.Cluster
	getdb     func(context.Context) (store.DB, error)
	authcache *lru.Cache
	metrics   *metrics

	wantPriorityUpdate chan struct{}
	wantCascade        chan struct{}
}

// NewConn returns a new Conn. If reg is not nil, metrics are
// registered there.
func NewConn(cluster *arvados.Cluster, getdb func(context.Context) (store.DB, error), reg *prometheus.Registry) *Conn {
	size := cluster.Containers.AuthTokenCacheSize
	if size < 1 {
		size = 1000
	}
	authcache, err := lru.New(size)
	if err != nil {
		// lru.New only fails if size < 1
		panic(err)
	}
	return &Conn{
		cluster:            cluster,
		getdb:              getdb,
		authcache:          authcache,
		metrics:            newMetrics(reg),
		wantPriorityUpdate: make(chan struct{}, 1),
		wantCascade:        make(chan struct{}, 1),
	}
}

// inTx calls fn with a transaction that is committed if fn returns
// nil, and rolled back otherwise.
func (conn *Conn) inTx(ctx context.Context, fn func(context.Context, store.Tx) error) (err error) {
	defer func() { err = translateStoreError(err) }()
	ctx, finishtx := ctrlctx.New(ctx, conn.getdb)
	defer finishtx(&err)
	tx, err := ctrlctx.CurrentTx(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, tx)
}

func translateStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict):
		return arvados.Errorf(arvados.KindWriteConflict, "%s", err)
	case errors.Is(err, store.ErrNotFound):
		return arvados.Errorf(arvados.KindNotFound, "%s", err)
	default:
		return err
	}
}

// nudge wakes up a background worker without blocking.
func nudge(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
		// already pending
	}
}

func newUUID(cluster *arvados.Cluster, infix string) (string, error) {
	return arvados.NewUUID(cluster.ClusterID, infix)
}
