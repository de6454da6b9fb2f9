// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"errors"
	"time"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	check "gopkg.in/check.v1"
)

func (s *Suite) TestAuthenticate(c *check.C) {
	caller, err := s.conn.Authenticate(s.ctx, []string{testSystemToken})
	c.Assert(err, check.IsNil)
	c.Check(caller.System, check.Equals, true)
	c.Check(caller.IsAdmin(), check.Equals, true)
	c.Check(caller.User.UUID, check.Equals, "zzzzz-tpzed-000000000000000")

	caller, err = s.conn.Authenticate(s.ctx, []string{"", "v2/zzzzz-gj3su-000000000000000/bogus", activeToken.TokenV2()})
	c.Assert(err, check.IsNil)
	c.Check(caller.User.UUID, check.Equals, activeUserUUID)
	c.Check(caller.Token.UUID, check.Equals, activeToken.UUID)
	c.Check(caller.Token.APIToken, check.Equals, "")
	c.Check(caller.System, check.Equals, false)

	for _, token := range []string{
		"",
		activeToken.APIToken,
		"v2/" + activeToken.UUID + "/wrongsecret",
		"v2/" + activeToken.UUID,
		"v2//" + activeToken.APIToken,
		expiredToken.TokenV2(),
		inactiveToken.TokenV2(),
		testSystemToken + "x",
	} {
		_, err := s.conn.Authenticate(s.ctx, []string{token})
		c.Check(errors.Is(err, arvados.ErrUnauthenticated), check.Equals, true, check.Commentf("token %q", token))
	}
	_, err = s.conn.Authenticate(s.ctx, nil)
	c.Check(errors.Is(err, arvados.ErrUnauthenticated), check.Equals, true)
}

func (s *Suite) TestAuthenticateCache(c *check.C) {
	token := activeToken.TokenV2()
	expire := func() {
		s.inTx(c, func(tx store.Tx) {
			c.Assert(tx.ExpireAPIClientAuthorization(s.ctx, activeToken.UUID, tx.Now()), check.IsNil)
		})
	}
	// Already cached by SetUpTest.
	expire()
	_, err := s.conn.Authenticate(s.ctx, []string{token})
	c.Check(err, check.IsNil)

	s.conn.forgetToken(activeToken.UUID)
	_, err = s.conn.Authenticate(s.ctx, []string{token})
	c.Check(errors.Is(err, arvados.ErrUnauthenticated), check.Equals, true)

	// Failed lookups are not cached.
	s.inTx(c, func(tx store.Tx) {
		c.Assert(tx.InsertAPIClientAuthorization(s.ctx, arvados.APIClientAuthorization{
			UUID:     "zzzzz-gj3su-ozv6nxrdsnw5gvq",
			APIToken: "newsecret",
			UserUUID: activeUserUUID,
			Scopes:   []string{"all"},
		}), check.IsNil)
	})
	newToken := "v2/zzzzz-gj3su-ozv6nxrdsnw5gvq/newsecret"
	caller, err := s.conn.Authenticate(s.ctx, []string{newToken})
	c.Assert(err, check.IsNil)
	c.Check(caller.Token.UUID, check.Equals, "zzzzz-gj3su-ozv6nxrdsnw5gvq")
}

func (s *Suite) TestAuthenticateCacheTTL(c *check.C) {
	defer func(ttl time.Duration) { authcacheTTL = ttl }(authcacheTTL)
	authcacheTTL = -time.Second
	token := spectatorToken.TokenV2()
	s.conn.forgetToken(spectatorToken.UUID)
	_, err := s.conn.Authenticate(s.ctx, []string{token})
	c.Assert(err, check.IsNil)
	s.inTx(c, func(tx store.Tx) {
		c.Assert(tx.ExpireAPIClientAuthorization(s.ctx, spectatorToken.UUID, tx.Now()), check.IsNil)
	})
	_, err = s.conn.Authenticate(s.ctx, []string{token})
	c.Check(errors.Is(err, arvados.ErrUnauthenticated), check.Equals, true)
}

func (s *Suite) TestContainerTokenScope(c *check.C) {
	cr := s.submit(c, s.active, requestAttrs("scoped"))
	runner := s.run(c, cr.ContainerUUID)
	c.Check(runner.Token.Permits("GET", "/arvados/v1/containers/current"), check.Equals, true)
	c.Check(runner.Token.UserUUID, check.Equals, activeUserUUID)
	c.Check(runner.Token.ExpiresAt, check.IsNil)
}
