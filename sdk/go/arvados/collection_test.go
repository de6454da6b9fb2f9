// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package arvados

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CollectionSuite{})

type CollectionSuite struct{}

func (s *CollectionSuite) TestPDHMatch(c *check.C) {
	for _, trial := range []struct {
		s  string
		ok bool
	}{
		{"d41d8cd98f00b204e9800998ecf8427e+0", true},
		{"fa3c1a9cb6783f85f2ecda037e07b8c3+167", true},
		{"fa3c1a9cb6783f85f2ecda037e07b8c3", false},
		{"fa3c1a9cb6783f85f2ecda037e07b8c3+", false},
		{"FA3C1A9CB6783F85F2ECDA037E07B8C3+167", false},
		{"fa3c1a9cb6783f85f2ecda037e07b8c3+167+Afoo@bar", false},
		{"arvados/jobs:latest", false},
		{"", false},
	} {
		c.Check(PDHMatch(trial.s), check.Equals, trial.ok, check.Commentf("%q", trial.s))
	}
}
