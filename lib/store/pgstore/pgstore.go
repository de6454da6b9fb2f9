// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pgstore is a store.DB backed by PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

type DB struct {
	db *sqlx.DB
}

// Open connects to the database described by the cluster config.
func Open(ctx context.Context, cluster *arvados.Cluster) (*DB, error) {
	db, err := sqlx.Open("postgres", cluster.PostgreSQL.Connection.String())
	if err != nil {
		return nil, fmt.Errorf("postgresql connect failed: %w", err)
	}
	if p := cluster.PostgreSQL.ConnectionPool; p > 0 {
		db.SetMaxOpenConns(p)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connect succeeded but ping failed: %w", err)
	}
	return &DB{db: db}, nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB) *DB {
	return &DB{db: db}
}

// SQLX returns the underlying connection pool.
func (db *DB) SQLX() *sqlx.DB {
	return db.db
}

// Migrate creates any tables and indexes that don't exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	ctxlog.FromContext(ctx).Info("database schema is up to date")
	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) BeginTx(ctx context.Context) (store.Tx, error) {
	sqltx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	var now time.Time
	err = sqltx.GetContext(ctx, &now, `SELECT current_timestamp`)
	if err != nil {
		sqltx.Rollback()
		return nil, err
	}
	return &tx{tx: sqltx, now: now.UTC().Truncate(time.Microsecond)}, nil
}

type tx struct {
	tx  *sqlx.Tx
	now time.Time
}

func (tx *tx) Commit() error {
	err := tx.tx.Commit()
	if errors.Is(err, sql.ErrTxDone) {
		return store.ErrTxDone
	}
	return translateError(err)
}

func (tx *tx) Rollback() error {
	err := tx.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return store.ErrTxDone
	}
	return err
}

func (tx *tx) Now() time.Time {
	return tx.now
}

// translateError maps driver errors onto store errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqerr *pq.Error
	if errors.As(err, &pqerr) {
		switch pqerr.Code {
		case "23505", // unique_violation
			"40001", // serialization_failure
			"40P01": // deadlock_detected
			return store.ErrConflict
		}
	}
	return err
}

// insert runs an INSERT inside a savepoint, so a uniqueness
// violation is reported as ErrConflict without aborting the rest of
// the transaction.
func (tx *tx) insert(ctx context.Context, query string, arg interface{}) error {
	_, err := tx.tx.ExecContext(ctx, `SAVEPOINT crunchq_insert`)
	if err != nil {
		return err
	}
	_, err = tx.tx.NamedExecContext(ctx, query, arg)
	if err != nil {
		if _, rberr := tx.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT crunchq_insert`); rberr != nil {
			return fmt.Errorf("%w (rollback to savepoint also failed: %s)", translateError(err), rberr)
		}
		return translateError(err)
	}
	_, err = tx.tx.ExecContext(ctx, `RELEASE SAVEPOINT crunchq_insert`)
	return err
}

func (tx *tx) update(ctx context.Context, query string, arg interface{}) error {
	res, err := tx.tx.NamedExecContext(ctx, query, arg)
	if err != nil {
		return translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// whereClause accumulates query conditions and their positional
// arguments.
type whereClause struct {
	conds []string
	args  []interface{}
}

func (w *whereClause) add(cond string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereClause) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (tx *tx) GetContainer(ctx context.Context, uuid string, forUpdate bool) (arvados.Container, error) {
	q := `SELECT ` + containerColumns + ` FROM containers WHERE uuid=$1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var row containerRow
	err := tx.tx.GetContext(ctx, &row, q, uuid)
	if err != nil {
		return arvados.Container{}, translateError(err)
	}
	return row.container(), nil
}

func (tx *tx) ListContainers(ctx context.Context, filter store.ContainerFilter) ([]arvados.Container, error) {
	var where whereClause
	if len(filter.UUIDs) > 0 {
		where.add(`uuid = ANY($%d)`, pq.Array(filter.UUIDs))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		where.add(`state = ANY($%d)`, pq.Array(states))
	}
	if filter.SpecHash != "" {
		where.add(`spec_hash = $%d`, filter.SpecHash)
	}
	if filter.AuthUUID != "" {
		where.add(`auth_uuid = $%d`, filter.AuthUUID)
	}
	if filter.LockedByUUID != "" {
		where.add(`locked_by_uuid = $%d`, filter.LockedByUUID)
	}
	if filter.MinPriority != 0 {
		where.add(`priority >= $%d`, filter.MinPriority)
	}
	if filter.ExitCode != nil {
		where.add(`exit_code = $%d`, *filter.ExitCode)
	}
	q := `SELECT ` + containerColumns + ` FROM containers` + where.String() + ` ORDER BY created_at, uuid`
	if filter.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	if filter.ForUpdate {
		q += ` FOR UPDATE`
	}
	var rows []containerRow
	err := tx.tx.SelectContext(ctx, &rows, q, where.args...)
	if err != nil {
		return nil, translateError(err)
	}
	list := make([]arvados.Container, len(rows))
	for i, row := range rows {
		list[i] = row.container()
	}
	return list, nil
}

func (tx *tx) InsertContainer(ctx context.Context, ctr arvados.Container) error {
	return tx.insert(ctx, `INSERT INTO containers (`+containerColumns+`) VALUES (`+namedParams(containerColumns)+`)`, newContainerRow(ctr))
}

func (tx *tx) UpdateContainer(ctx context.Context, ctr arvados.Container) error {
	return tx.update(ctx, `UPDATE containers SET `+namedAssignments(containerColumns)+` WHERE uuid=:uuid`, newContainerRow(ctr))
}

func (tx *tx) GetContainerRequest(ctx context.Context, uuid string, forUpdate bool) (arvados.ContainerRequest, error) {
	q := `SELECT ` + containerRequestColumns + ` FROM container_requests WHERE uuid=$1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var row containerRequestRow
	err := tx.tx.GetContext(ctx, &row, q, uuid)
	if err != nil {
		return arvados.ContainerRequest{}, translateError(err)
	}
	return row.containerRequest(), nil
}

func (tx *tx) ListContainerRequests(ctx context.Context, filter store.ContainerRequestFilter) ([]arvados.ContainerRequest, error) {
	var where whereClause
	if len(filter.ContainerUUIDs) > 0 {
		where.add(`container_uuid = ANY($%d)`, pq.Array(filter.ContainerUUIDs))
	}
	if filter.RequestingContainerUUID != "" {
		where.add(`requesting_container_uuid = $%d`, filter.RequestingContainerUUID)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		where.add(`state = ANY($%d)`, pq.Array(states))
	}
	if filter.MinPriority != 0 {
		where.add(`priority >= $%d`, filter.MinPriority)
	}
	q := `SELECT ` + containerRequestColumns + ` FROM container_requests` + where.String() + ` ORDER BY uuid`
	if filter.ForUpdate {
		q += ` FOR UPDATE`
	}
	var rows []containerRequestRow
	err := tx.tx.SelectContext(ctx, &rows, q, where.args...)
	if err != nil {
		return nil, translateError(err)
	}
	list := make([]arvados.ContainerRequest, len(rows))
	for i, row := range rows {
		list[i] = row.containerRequest()
	}
	return list, nil
}

func (tx *tx) InsertContainerRequest(ctx context.Context, cr arvados.ContainerRequest) error {
	return tx.insert(ctx, `INSERT INTO container_requests (`+containerRequestColumns+`) VALUES (`+namedParams(containerRequestColumns)+`)`, newContainerRequestRow(cr))
}

func (tx *tx) UpdateContainerRequest(ctx context.Context, cr arvados.ContainerRequest) error {
	return tx.update(ctx, `UPDATE container_requests SET `+namedAssignments(containerRequestColumns)+` WHERE uuid=:uuid`, newContainerRequestRow(cr))
}

func (tx *tx) ListCollections(ctx context.Context, filter store.CollectionFilter) ([]arvados.Collection, error) {
	var where whereClause
	if filter.UUID != "" {
		where.add(`uuid = $%d`, filter.UUID)
	}
	if filter.PortableDataHash != "" {
		where.add(`portable_data_hash = $%d`, filter.PortableDataHash)
	}
	if filter.OwnerUUID != "" {
		where.add(`owner_uuid = $%d`, filter.OwnerUUID)
	}
	if filter.Name != "" {
		where.add(`name = $%d`, filter.Name)
	}
	var rows []collectionRow
	err := tx.tx.SelectContext(ctx, &rows, `SELECT `+collectionColumns+` FROM collections`+where.String()+` ORDER BY created_at, uuid`, where.args...)
	if err != nil {
		return nil, translateError(err)
	}
	list := make([]arvados.Collection, len(rows))
	for i, row := range rows {
		list[i] = row.collection()
	}
	return list, nil
}

func (tx *tx) InsertCollection(ctx context.Context, coll arvados.Collection) error {
	return tx.insert(ctx, `INSERT INTO collections (`+collectionColumns+`) VALUES (`+namedParams(collectionColumns)+`)`, newCollectionRow(coll))
}

func (tx *tx) ListDockerImages(ctx context.Context, repository, tag string) ([]arvados.DockerImage, error) {
	var rows []dockerImageRow
	err := tx.tx.SelectContext(ctx, &rows, `SELECT `+dockerImageColumns+` FROM docker_images WHERE repository=$1 AND tag=$2 ORDER BY created_at DESC, uuid DESC`, repository, tag)
	if err != nil {
		return nil, translateError(err)
	}
	list := make([]arvados.DockerImage, len(rows))
	for i, row := range rows {
		list[i] = row.dockerImage()
	}
	return list, nil
}

func (tx *tx) InsertDockerImage(ctx context.Context, img arvados.DockerImage) error {
	return tx.insert(ctx, `INSERT INTO docker_images (`+dockerImageColumns+`) VALUES (`+namedParams(dockerImageColumns)+`)`, dockerImageRow(img))
}

func (tx *tx) GetUser(ctx context.Context, uuid string) (arvados.User, error) {
	var row userRow
	err := tx.tx.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE uuid=$1`, uuid)
	if err != nil {
		return arvados.User{}, translateError(err)
	}
	return row.user(), nil
}

func (tx *tx) InsertUser(ctx context.Context, user arvados.User) error {
	return tx.insert(ctx, `INSERT INTO users (`+userColumns+`) VALUES (`+namedParams(userColumns)+`)`, userRow(user))
}

func (tx *tx) InsertPermission(ctx context.Context, perm arvados.Permission) error {
	_, err := tx.tx.ExecContext(ctx, `INSERT INTO permissions (user_uuid, target_uuid) VALUES ($1, $2) ON CONFLICT DO NOTHING`, perm.UserUUID, perm.TargetUUID)
	return translateError(err)
}

func (tx *tx) Readable(ctx context.Context, user arvados.User, targetUUID string) (bool, error) {
	if user.IsAdmin || user.UUID == targetUUID {
		return true, nil
	}
	var ok bool
	err := tx.tx.GetContext(ctx, &ok, `SELECT EXISTS (SELECT 1 FROM permissions WHERE user_uuid=$1 AND target_uuid=$2)`, user.UUID, targetUUID)
	return ok, translateError(err)
}

func (tx *tx) InsertAPIClientAuthorization(ctx context.Context, aca arvados.APIClientAuthorization) error {
	return tx.insert(ctx, `INSERT INTO api_client_authorizations (`+apiClientAuthorizationColumns+`) VALUES (`+namedParams(apiClientAuthorizationColumns)+`)`, newAPIClientAuthorizationRow(aca))
}

func (tx *tx) ExpireAPIClientAuthorization(ctx context.Context, uuid string, at time.Time) error {
	res, err := tx.tx.ExecContext(ctx, `UPDATE api_client_authorizations SET expires_at=$2 WHERE uuid=$1 AND (expires_at IS NULL OR expires_at > $2)`, uuid, at)
	if err != nil {
		return translateError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}
	// Either it doesn't exist, or it already expires earlier.
	var exists bool
	err = tx.tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM api_client_authorizations WHERE uuid=$1)`, uuid)
	if err != nil {
		return translateError(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

func (tx *tx) LookupAPIClientAuthorization(ctx context.Context, uuid string) (arvados.APIClientAuthorization, error) {
	var row apiClientAuthorizationRow
	err := tx.tx.GetContext(ctx, &row, `SELECT `+apiClientAuthorizationColumns+` FROM api_client_authorizations WHERE uuid=$1`, uuid)
	if err != nil {
		return arvados.APIClientAuthorization{}, translateError(err)
	}
	return row.apiClientAuthorization(), nil
}
