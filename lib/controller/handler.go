// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package controller

import (
	"context"
	"fmt"
	"net/http"

	"git.arvados.org/crunchq.git/lib/containers"
	"git.arvados.org/crunchq.git/lib/controller/dblock"
	"git.arvados.org/crunchq.git/lib/controller/router"
	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/lib/store/memstore"
	"git.arvados.org/crunchq.git/lib/store/pgstore"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
)

// Handler serves the container API and runs the background sweeps
// until its context is canceled.
type Handler struct {
	Cluster *arvados.Cluster

	db      store.DB
	conn    *containers.Conn
	handler http.Handler
	done    chan struct{}
}

// NewHandler opens the configured store and starts the priority and
// cascade sweeps. In PostgreSQL mode, each sweep runs in only one
// controller process at a time.
func NewHandler(ctx context.Context, cluster *arvados.Cluster, reg *prometheus.Registry) (*Handler, error) {
	logger := ctxlog.FromContext(ctx)
	h := &Handler{
		Cluster: cluster,
		done:    make(chan struct{}),
	}
	var prioLocker, cascadeLocker containers.Locker
	switch cluster.Storage {
	case "memory":
		logger.Warn("using in-memory storage; all records will be lost when the process exits")
		h.db = memstore.New()
	case "postgresql":
		pg, err := pgstore.Open(ctx, cluster)
		if err != nil {
			return nil, err
		}
		h.db = pg
		getdb := func(context.Context) (*sqlx.DB, error) { return pg.SQLX(), nil }
		prioLocker = dblock.PrioritySweep.Bind(getdb)
		cascadeLocker = dblock.CascadeSweep.Bind(getdb)
	default:
		return nil, fmt.Errorf("unsupported Storage %q", cluster.Storage)
	}
	h.conn = containers.NewConn(cluster, h.getdb, reg)
	h.handler = router.New(h.conn)

	go func() {
		<-ctx.Done()
		h.db.Close()
		close(h.done)
	}()
	go h.conn.RunPrioritySweeps(ctx, prioLocker)
	go h.conn.RunCascadeSweeps(ctx, cascadeLocker)
	return h, nil
}

func (h *Handler) getdb(context.Context) (store.DB, error) {
	return h.db, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.handler.ServeHTTP(w, req)
}

// CheckHealth returns an error if the store can't start a
// transaction.
func (h *Handler) CheckHealth() error {
	tx, err := h.db.BeginTx(context.Background())
	if err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return tx.Rollback()
}

func (h *Handler) Done() <-chan struct{} {
	return h.done
}
