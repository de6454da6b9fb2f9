// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ctrlctx

import (
	"context"
	"errors"
	"sync"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
)

var (
	ErrNoTransaction   = errors.New("bug: there is no transaction in this context")
	ErrContextFinished = errors.New("refusing to start a transaction after wrapped function already returned")
)

// NewWithTransaction returns a child context whose CurrentTx is tx.
// The caller remains responsible for committing tx.
func NewWithTransaction(ctx context.Context, tx store.Tx) context.Context {
	txn := &transaction{tx: tx}
	txn.setup.Do(func() {})
	return context.WithValue(ctx, contextKeyTransaction, txn)
}

type contextKeyT string

var contextKeyTransaction = contextKeyT("transaction")

type transaction struct {
	tx    store.Tx
	err   error
	getdb func(context.Context) (store.DB, error)
	setup sync.Once
}

type finishFunc func(*error)

// New returns a child context that lazily opens a transaction on
// the first CurrentTx call, and a finish func that ends it:
//
//	func updateSomething(ctx context.Context) (err error) {
//		ctx, finishtx := New(ctx, getdb)
//		defer finishtx(&err)
//		tx, err := CurrentTx(ctx)
//		if err != nil {
//			return err
//		}
//		return tx.UpdateContainer(ctx, ctr)
//	}
//
// finishtx commits if *err is nil (storing the commit error in
// *err), otherwise rolls back and leaves *err alone. When ctx already
// carries a transaction, New reuses it and finishtx is a no-op.
func New(ctx context.Context, getdb func(context.Context) (store.DB, error)) (context.Context, finishFunc) {
	if _, ok := ctx.Value(contextKeyTransaction).(*transaction); ok {
		return ctx, func(*error) {}
	}
	txn := &transaction{getdb: getdb}
	return context.WithValue(ctx, contextKeyTransaction, txn), func(err *error) {
		// A CurrentTx call after this point must not open a
		// transaction that nobody will finish.
		txn.setup.Do(func() { txn.err = ErrContextFinished })
		if txn.tx == nil {
			return
		}
		if *err != nil {
			ctxlog.FromContext(ctx).WithError(*err).Debug("rollback")
			txn.tx.Rollback()
			return
		}
		*err = txn.tx.Commit()
	}
}

// NewTx opens a separate transaction using the same database as
// ctx's lazy transaction. The caller must Commit or Rollback.
func NewTx(ctx context.Context) (store.Tx, error) {
	txn, ok := ctx.Value(contextKeyTransaction).(*transaction)
	if !ok || txn.getdb == nil {
		return nil, ErrNoTransaction
	}
	db, err := txn.getdb(ctx)
	if err != nil {
		return nil, err
	}
	return db.BeginTx(ctx)
}

// CurrentTx returns ctx's transaction, opening it on first use.
func CurrentTx(ctx context.Context) (store.Tx, error) {
	txn, ok := ctx.Value(contextKeyTransaction).(*transaction)
	if !ok {
		return nil, ErrNoTransaction
	}
	txn.setup.Do(func() {
		if db, err := txn.getdb(ctx); err != nil {
			txn.err = err
		} else {
			txn.tx, txn.err = db.BeginTx(ctx)
		}
	})
	return txn.tx, txn.err
}
