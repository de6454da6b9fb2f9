// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package router

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"

	"git.arvados.org/crunchq.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	check "gopkg.in/check.v1"
)

func (s *RouterSuite) TestAttrsInBody(c *check.C) {
	for _, body := range []string{
		`{"foo":"bar"}`,
		`{"container": {"foo":"bar"}}`,
	} {
		c.Logf("body: %s", body)
		req := httptest.NewRequest("POST", "https://an.example/ctrl", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		params, err := s.rtr.loadRequestParams(req, "container", nil)
		c.Assert(err, check.IsNil)
		c.Logf("params: %#v", params)
		c.Assert(params["attrs"], check.FitsTypeOf, map[string]interface{}{})
		c.Check(params["attrs"].(map[string]interface{})["foo"], check.Equals, "bar")
		c.Check(params["container"], check.IsNil)
	}
}

func (s *RouterSuite) TestFormParams(c *check.C) {
	req := httptest.NewRequest("POST", "https://an.example/ctrl?max_ram=1000&no_preemptible=true&partitions=[\"a\"]&name=\"quoted\"&bare=word", nil)
	params, err := s.rtr.loadRequestParams(req, "", httprouter.Params{{Key: "uuid", Value: "zzzzz-dz642-000000000000000"}})
	c.Assert(err, check.IsNil)
	c.Check(params["max_ram"], check.Equals, int64(1000))
	c.Check(params["no_preemptible"], check.Equals, true)
	c.Check(params["partitions"], check.DeepEquals, []interface{}{"a"})
	c.Check(params["name"], check.Equals, "quoted")
	c.Check(params["bare"], check.Equals, "word")
	c.Check(params["uuid"], check.Equals, "zzzzz-dz642-000000000000000")

	req = httptest.NewRequest("POST", "https://an.example/ctrl?max_ram=lots", nil)
	_, err = s.rtr.loadRequestParams(req, "", nil)
	c.Check(err, check.NotNil)
}

func (s *RouterSuite) TestBodyErrors(c *check.C) {
	for _, trial := range []struct {
		contentType string
		body        string
		status      int
	}{
		{"application/json", `{"container":`, http.StatusBadRequest},
		{"application/json; =bad", `{}`, http.StatusBadRequest},
		{"application/json", `[1,2]`, http.StatusBadRequest},
	} {
		req := httptest.NewRequest("POST", "https://an.example/ctrl", strings.NewReader(trial.body))
		req.Header.Set("Content-Type", trial.contentType)
		_, err := s.rtr.loadRequestParams(req, "container", nil)
		c.Assert(err, check.NotNil)
		var se httpserver.HTTPStatusError
		c.Assert(err, check.Implements, &se)
		se = err.(httpserver.HTTPStatusError)
		c.Check(se.HTTPStatus(), check.Equals, trial.status)
	}

	req := httptest.NewRequest("POST", "https://an.example/ctrl", strings.NewReader(`{"foo": "`+strings.Repeat("x", 1000)+`"}`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Body = http.MaxBytesReader(httptest.NewRecorder(), req.Body, 100)
	_, err := s.rtr.loadRequestParams(req, "", nil)
	c.Assert(err, check.NotNil)
	c.Check(err.(httpserver.HTTPStatusError).HTTPStatus(), check.Equals, http.StatusRequestEntityTooLarge)
}
