// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
)

var authcacheTTL = time.Minute

type authcacheent struct {
	expireTime time.Time
	caller     Caller
}

// Authenticate returns the Caller identified by the first valid
// token in tokens. Tokens are either the cluster's SystemRootToken
// or "v2/{uuid}/{secret}". Results are cached briefly; a container
// credential is dropped from the cache as soon as it is expired.
func (conn *Conn) Authenticate(ctx context.Context, tokens []string) (Caller, error) {
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if conn.cluster.SystemRootToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(conn.cluster.SystemRootToken)) == 1 {
			return SystemCaller(conn.cluster), nil
		}
		if v, ok := conn.authcache.Get(token); ok {
			ent := v.(authcacheent)
			if ent.expireTime.After(time.Now()) {
				return ent.caller, nil
			}
			conn.authcache.Remove(token)
		}
		caller, expireTime, ok, err := conn.lookupToken(ctx, token)
		if err != nil {
			return Caller{}, err
		}
		if ok {
			conn.authcache.Add(token, authcacheent{expireTime: expireTime, caller: caller})
			return caller, nil
		}
	}
	return Caller{}, arvados.Errorf(arvados.KindUnauthenticated, "no valid token provided")
}

// lookupToken checks a v2 token against the store. ok is false if
// the token is malformed, unknown, expired, or belongs to an
// inactive user.
func (conn *Conn) lookupToken(ctx context.Context, token string) (caller Caller, expireTime time.Time, ok bool, err error) {
	uuid, secret, perr := arvados.ParseToken(token)
	if perr != nil || uuid == "" {
		return
	}
	err = conn.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		aca, err := tx.LookupAPIClientAuthorization(ctx, uuid)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(aca.APIToken), []byte(secret)) != 1 || aca.Expired(tx.Now()) {
			return nil
		}
		user, err := tx.GetUser(ctx, aca.UserUUID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		if !user.IsActive {
			return nil
		}
		aca.APIToken = ""
		caller = Caller{User: user, Token: aca}
		expireTime = time.Now().Add(authcacheTTL)
		if aca.ExpiresAt != nil && aca.ExpiresAt.Before(expireTime) {
			expireTime = *aca.ExpiresAt
		}
		ok = true
		return nil
	})
	return
}

// forgetToken drops cached lookups of the token with the given
// UUID.
func (conn *Conn) forgetToken(uuid string) {
	for _, k := range conn.authcache.Keys() {
		v, ok := conn.authcache.Peek(k)
		if !ok {
			continue
		}
		if v.(authcacheent).caller.Token.UUID == uuid {
			conn.authcache.Remove(k)
		}
	}
}
