// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dblock provides cluster-wide locks for background workers
// that must run in only one controller process at a time.
package dblock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

var (
	PrioritySweep = &DBLocker{key: 10101}
	CascadeSweep  = &DBLocker{key: 10102}
	retryDelay    = 5 * time.Second
)

// DBLocker holds a PostgreSQL advisory lock on a dedicated
// connection for as long as a worker runs.
type DBLocker struct {
	key   int
	mtx   sync.Mutex
	ctx   context.Context
	getdb func(context.Context) (*sqlx.DB, error)
	conn  *sql.Conn // non-nil while locked
}

// Lock waits until the advisory lock is acquired, reconnecting as
// needed. It returns false if ctx is canceled first.
func (dbl *DBLocker) Lock(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error)) bool {
	logger := ctxlog.FromContext(ctx).WithField("LockKey", dbl.key)
	var lastHolder string
	for first := true; ; first = false {
		if !first {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(retryDelay):
			}
		}
		conn, holder, err := dbl.tryLock(ctx, getdb)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return false
		} else if err != nil {
			logger.WithError(err).Info("cannot acquire lock, will retry")
			continue
		} else if conn == nil {
			if holder != "" && holder != lastHolder {
				logger.WithField("DBClient", holder).Info("waiting for other process to release lock")
				lastHolder = holder
			}
			continue
		}
		logger.Debug("acquired pg_advisory_lock")
		return true
	}
}

// tryLock makes one attempt to take the lock. If the lock is held
// elsewhere it returns a nil conn and (if known) the holder's
// address.
func (dbl *DBLocker) tryLock(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error)) (*sql.Conn, string, error) {
	dbl.mtx.Lock()
	defer dbl.mtx.Unlock()
	if dbl.conn != nil {
		// Held by another goroutine in this process.
		return nil, "", nil
	}
	db, err := getdb(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("getting database pool: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("getting database connection: %w", err)
	}
	var locked bool
	err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, dbl.key).Scan(&locked)
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !locked {
		holder := dbl.holder(ctx, conn)
		conn.Close()
		return nil, holder, nil
	}
	dbl.ctx, dbl.getdb, dbl.conn = ctx, getdb, conn
	return conn, "", nil
}

func (dbl *DBLocker) holder(ctx context.Context, conn *sql.Conn) string {
	var host string
	var port int
	err := conn.QueryRowContext(ctx, `SELECT client_addr, client_port FROM pg_stat_activity WHERE pid IN
		(SELECT pid FROM pg_locks WHERE locktype = $1 AND objid = $2)`, "advisory", dbl.key).Scan(&host, &port)
	if err != nil {
		ctxlog.FromContext(ctx).WithError(err).Debug("cannot find lock holder")
		return ""
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

// Check confirms the locked connection is still alive, and tries to
// reacquire the lock if not. Lock must have succeeded first.
//
// It returns false if the context passed to Lock is canceled before
// the lock is confirmed.
func (dbl *DBLocker) Check() bool {
	dbl.mtx.Lock()
	logger := dbl.logger()
	err := dbl.conn.PingContext(dbl.ctx)
	if err == nil {
		dbl.mtx.Unlock()
		logger.Debug("lock connection still alive")
		return true
	} else if errors.Is(err, context.Canceled) {
		dbl.mtx.Unlock()
		return false
	}
	logger.WithError(err).Info("lock connection lost, reacquiring")
	dbl.conn.Close()
	dbl.conn = nil
	ctx, getdb := dbl.ctx, dbl.getdb
	dbl.mtx.Unlock()
	return dbl.Lock(ctx, getdb)
}

func (dbl *DBLocker) Unlock() {
	dbl.mtx.Lock()
	defer dbl.mtx.Unlock()
	if dbl.conn == nil {
		return
	}
	logger := dbl.logger()
	if _, err := dbl.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, dbl.key); err != nil {
		logger.WithError(err).Info("error releasing pg_advisory_lock")
	} else {
		logger.Debug("released pg_advisory_lock")
	}
	dbl.conn.Close()
	dbl.conn = nil
}

func (dbl *DBLocker) logger() logrus.FieldLogger {
	return ctxlog.FromContext(dbl.ctx).WithField("LockKey", dbl.key)
}

// Bind returns a locker that always uses getdb, suitable for
// containers.Conn's background workers.
func (dbl *DBLocker) Bind(getdb func(context.Context) (*sqlx.DB, error)) *BoundLocker {
	return &BoundLocker{dbl: dbl, getdb: getdb}
}

type BoundLocker struct {
	dbl   *DBLocker
	getdb func(context.Context) (*sqlx.DB, error)
}

func (bl *BoundLocker) Lock(ctx context.Context) bool { return bl.dbl.Lock(ctx, bl.getdb) }
func (bl *BoundLocker) Check() bool                    { return bl.dbl.Check() }
func (bl *BoundLocker) Unlock()                        { bl.dbl.Unlock() }
