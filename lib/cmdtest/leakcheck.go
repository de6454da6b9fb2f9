// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck redirects os.Stdout and os.Stderr to temporary files,
// and returns a func that restores them and fails the test if
// anything was written there. Commands under test should write only
// to the stdout and stderr they are given.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		// ...
//	}
func LeakCheck(c *check.C) func() {
	dir := c.MkDir()
	origOut, origErr := os.Stdout, os.Stderr
	tmpOut, err := os.CreateTemp(dir, "stdout")
	c.Assert(err, check.IsNil)
	tmpErr, err := os.CreateTemp(dir, "stderr")
	c.Assert(err, check.IsNil)
	os.Stdout, os.Stderr = tmpOut, tmpErr
	return func() {
		os.Stdout, os.Stderr = origOut, origErr
		for name, f := range map[string]*os.File{"stdout": tmpOut, "stderr": tmpErr} {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			f.Close()
			c.Check(string(leaked), check.Equals, "", check.Commentf("leaked to os.%s", name))
		}
	}
}
