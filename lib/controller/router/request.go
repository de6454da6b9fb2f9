// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"git.arvados.org/crunchq.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
)

// guessAndParse decodes a form value, which always arrives as a
// string. Numeric and boolean parameters are parsed by name; "null"
// and "" are nil; values that look like JSON objects, arrays or
// strings are decoded as JSON; anything else stays a string.
func guessAndParse(k, v string) (interface{}, error) {
	switch {
	case intParams[k]:
		return strconv.ParseInt(v, 10, 64)
	case boolParams[k]:
		return stringToBool(v), nil
	case v == "null" || v == "":
		return nil, nil
	case strings.HasPrefix(v, "["):
		var j []interface{}
		err := json.Unmarshal([]byte(v), &j)
		return j, err
	case strings.HasPrefix(v, "{"):
		var j map[string]interface{}
		err := json.Unmarshal([]byte(v), &j)
		return j, err
	case strings.HasPrefix(v, "\""):
		var j string
		err := json.Unmarshal([]byte(v), &j)
		return j, err
	default:
		return v, nil
	}
}

// loadRequestParams merges the query string, form body, JSON body
// and path parameters of req into one map.
//
// If there is a parameter named attrsKey (e.g., "container"), it is
// renamed to "attrs". If there isn't, the top-level keys of a JSON
// body are used as attrs.
func (rtr *router) loadRequestParams(req *http.Request, attrsKey string, ps httprouter.Params) (map[string]interface{}, error) {
	err := req.ParseForm()
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, httpserver.ErrorWithStatus(err, http.StatusRequestEntityTooLarge)
		}
		return nil, httpserver.ErrorWithStatus(err, http.StatusBadRequest)
	}
	params := map[string]interface{}{}
	for k, values := range req.Form {
		for _, v := range values {
			params[k], err = guessAndParse(k, v)
			if err != nil {
				return nil, httpserver.ErrorWithStatus(err, http.StatusBadRequest)
			}
		}
	}

	mt := req.Header.Get("Content-Type")
	if ct, _, err := mime.ParseMediaType(mt); err != nil && mt != "" {
		return nil, httpserver.ErrorWithStatus(fmt.Errorf("error parsing media type %q: %w", mt, err), http.StatusBadRequest)
	} else if (ct == "application/json" || mt == "") && req.ContentLength != 0 {
		jsonParams := map[string]interface{}{}
		err := json.NewDecoder(req.Body).Decode(&jsonParams)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, httpserver.ErrorWithStatus(err, http.StatusBadRequest)
		}
		for k, v := range jsonParams {
			params[k] = v
		}
		if attrsKey != "" && params[attrsKey] == nil && len(jsonParams) > 0 {
			params[attrsKey] = jsonParams
		}
	}

	for _, p := range ps {
		params[p.Key] = p.Value
	}

	if v, ok := params[attrsKey]; ok && attrsKey != "" {
		params["attrs"] = v
		delete(params, attrsKey)
	}
	return params, nil
}

// transcode copies src to dst, using JSON as an intermediate format
// so dst's unmarshaling rules apply.
func (rtr *router) transcode(src interface{}, dst interface{}) error {
	buf, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, dst)
}

var intParams = map[string]bool{
	"max_ram":   true,
	"max_vcpus": true,
	"priority":  true,
	"exit_code": true,
}

var boolParams = map[string]bool{
	"no_preemptible": true,
}

func stringToBool(s string) bool {
	switch s {
	case "", "false", "0":
		return false
	default:
		return true
	}
}
