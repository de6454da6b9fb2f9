// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package router maps the HTTP API onto containers.Conn.
package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"git.arvados.org/crunchq.git/lib/containers"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"git.arvados.org/crunchq.git/sdk/go/auth"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
	"git.arvados.org/crunchq.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// Backend is the set of operations the router exposes. It is
// implemented by *containers.Conn.
type Backend interface {
	Authenticate(ctx context.Context, tokens []string) (containers.Caller, error)
	ContainerRequestCreate(ctx context.Context, caller containers.Caller, opts arvados.CreateOptions) (arvados.ContainerRequest, error)
	ContainerRequestUpdate(ctx context.Context, caller containers.Caller, opts arvados.UpdateOptions) (arvados.ContainerRequest, error)
	ContainerRequestGet(ctx context.Context, caller containers.Caller, opts arvados.GetOptions) (arvados.ContainerRequest, error)
	ContainerRequestCommit(ctx context.Context, caller containers.Caller, opts arvados.GetOptions) (arvados.ContainerRequest, error)
	ContainerGet(ctx context.Context, caller containers.Caller, opts arvados.GetOptions) (arvados.Container, error)
	ContainerUpdate(ctx context.Context, caller containers.Caller, opts arvados.UpdateOptions) (arvados.Container, error)
	ContainerLock(ctx context.Context, caller containers.Caller, opts arvados.GetOptions) (arvados.Container, error)
	ContainerUnlock(ctx context.Context, caller containers.Caller, opts arvados.GetOptions) (arvados.Container, error)
	ContainerLockNext(ctx context.Context, caller containers.Caller, opts arvados.LockNextOptions) (*arvados.Container, error)
	ContainerAuth(ctx context.Context, caller containers.Caller, opts arvados.GetOptions) (arvados.APIClientAuthorization, error)
	ContainerCurrent(ctx context.Context, caller containers.Caller) (arvados.Container, error)
	ContainerReportProgress(ctx context.Context, caller containers.Caller, uuid string, report arvados.ProgressReport) (arvados.Container, error)
	ContainerReportTerminal(ctx context.Context, caller containers.Caller, uuid string, report arvados.TerminalReport) (arvados.Container, error)
}

var _ Backend = (*containers.Conn)(nil)

type router struct {
	mux     *httprouter.Router
	backend Backend
	// Routes whose paths collide with a wildcard route, which
	// httprouter can't mix in one tree.
	static map[string]http.Handler
}

// New returns an http.Handler serving the container API.
func New(backend Backend) *router {
	rtr := &router{
		mux:     httprouter.New(),
		backend: backend,
		static:  map[string]http.Handler{},
	}
	rtr.addRoutes()
	return rtr
}

type progressOptions struct {
	UUID string `json:"uuid"`
	arvados.ProgressReport
}

type terminalOptions struct {
	UUID string `json:"uuid"`
	arvados.TerminalReport
}

type routeExec func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error)

func (rtr *router) addRoutes() {
	be := rtr.backend
	for _, route := range []struct {
		endpoint    arvados.APIEndpoint
		defaultOpts func() interface{}
		exec        routeExec
	}{
		{
			arvados.EndpointContainerRequestCreate,
			func() interface{} { return &arvados.CreateOptions{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				return be.ContainerRequestCreate(ctx, caller, *opts.(*arvados.CreateOptions))
			},
		},
		{
			arvados.EndpointContainerRequestUpdate,
			func() interface{} { return &arvados.UpdateOptions{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				return be.ContainerRequestUpdate(ctx, caller, *opts.(*arvados.UpdateOptions))
			},
		},
		{
			arvados.EndpointContainerRequestGet,
			func() interface{} { return &arvados.GetOptions{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				return be.ContainerRequestGet(ctx, caller, *opts.(*arvados.GetOptions))
			},
		},
		{
			arvados.EndpointContainerRequestCommit,
			func() interface{} { return &arvados.GetOptions{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				return be.ContainerRequestCommit(ctx, caller, *opts.(*arvados.GetOptions))
			},
		},
		{
			arvados.EndpointContainerGet,
			func() interface{} { return &arvados.GetOptions{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				return be.ContainerGet(ctx, caller, *opts.(*arvados.GetOptions))
			},
		},
		{
			arvados.EndpointContainerUpdate,
			func() interface{} { return &arvados.UpdateOptions{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				return be.ContainerUpdate(ctx, caller, *opts.(*arvados.UpdateOptions))
			},
		},
		{
			arvados.EndpointContainerLock,
			func() interface{} { return &arvados.GetOptions{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				return be.ContainerLock(ctx, caller, *opts.(*arvados.GetOptions))
			},
		},
		{
			arvados.EndpointContainerUnlock,
			func() interface{} { return &arvados.GetOptions{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				return be.ContainerUnlock(ctx, caller, *opts.(*arvados.GetOptions))
			},
		},
		{
			arvados.EndpointContainerAuth,
			func() interface{} { return &arvados.GetOptions{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				return be.ContainerAuth(ctx, caller, *opts.(*arvados.GetOptions))
			},
		},
		{
			arvados.EndpointContainerProgress,
			func() interface{} { return &progressOptions{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				o := opts.(*progressOptions)
				return be.ContainerReportProgress(ctx, caller, o.UUID, o.ProgressReport)
			},
		},
		{
			arvados.EndpointContainerTerminal,
			func() interface{} { return &terminalOptions{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				o := opts.(*terminalOptions)
				return be.ContainerReportTerminal(ctx, caller, o.UUID, o.TerminalReport)
			},
		},
		{
			arvados.EndpointContainerLockNext,
			func() interface{} { return &arvados.LockNextOptions{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				ctr, err := be.ContainerLockNext(ctx, caller, *opts.(*arvados.LockNextOptions))
				if err != nil || ctr == nil {
					return nil, err
				}
				return ctr, nil
			},
		},
		{
			arvados.EndpointContainerCurrent,
			func() interface{} { return &struct{}{} },
			func(ctx context.Context, caller containers.Caller, opts interface{}) (interface{}, error) {
				return be.ContainerCurrent(ctx, caller)
			},
		},
	} {
		route := route
		methods := []string{route.endpoint.Method}
		if route.endpoint.Method == "PATCH" {
			methods = append(methods, "PUT")
		}
		for _, method := range methods {
			handle := rtr.handler(route.endpoint, route.defaultOpts, route.exec)
			path := "/" + route.endpoint.Path
			if strings.Contains(path, "/:") {
				rtr.mux.Handle(method, path, handle)
			} else {
				rtr.static[method+" "+path] = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					handle(w, req, nil)
				})
			}
		}
	}
	rtr.mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		httpserver.Errors(w, []string{"API endpoint not found"}, http.StatusNotFound)
	})
	rtr.mux.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		httpserver.Errors(w, []string{"API endpoint not found"}, http.StatusMethodNotAllowed)
	})
}

func (rtr *router) handler(endpoint arvados.APIEndpoint, defaultOpts func() interface{}, exec routeExec) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		logger := ctxlog.FromContext(req.Context())
		params, err := rtr.loadRequestParams(req, endpoint.AttrsKey, ps)
		if err != nil {
			logger.WithField("endpoint", endpoint).WithError(err).Debug("error loading request params")
			httpserver.WriteError(w, err)
			return
		}
		if uuid, ok := params["uuid"].(string); ok && !arvados.UUIDMatch(uuid) {
			httpserver.WriteError(w, arvados.Errorf(arvados.KindNotFound, "not found: %q is not a valid uuid", uuid))
			return
		}
		opts := defaultOpts()
		err = rtr.transcode(params, opts)
		if err != nil {
			logger.WithField("params", params).WithError(err).Debugf("error transcoding params to %T", opts)
			httpserver.WriteError(w, httpserver.ErrorWithStatus(err, http.StatusBadRequest))
			return
		}

		ctx := req.Context()
		creds := auth.CredentialsFromRequest(req)
		caller, err := rtr.backend.Authenticate(ctx, creds.Tokens)
		if err != nil {
			httpserver.WriteError(w, err)
			return
		}
		if !caller.System && !caller.Token.Permits(req.Method, req.URL.Path) {
			httpserver.WriteError(w, arvados.Errorf(arvados.KindPermissionDenied, "token scope does not permit %s %s", req.Method, req.URL.Path))
			return
		}
		ctx = ctxlog.Context(ctx, logger.WithField("Caller", caller.User.UUID))
		logger.WithFields(logrus.Fields{
			"apiEndpoint": endpoint,
			"apiOptsType": fmt.Sprintf("%T", opts),
			"apiOpts":     opts,
		}).Debug("exec")
		resp, err := exec(ctx, caller, opts)
		if err != nil {
			logger.WithError(err).WithField("kind", arvados.KindOf(err)).Debugf("returning error type %T", err)
			httpserver.WriteError(w, err)
			return
		}
		rtr.sendResponse(w, resp)
	}
}

func (rtr *router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, PUT, PATCH, POST")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", "86486400")
	if r.Method == "OPTIONS" {
		return
	}
	if m := r.URL.Query().Get("_method"); m != "" {
		r2 := *r
		r = &r2
		r.Method = strings.ToUpper(m)
	}
	if h, ok := rtr.static[r.Method+" "+r.URL.Path]; ok {
		h.ServeHTTP(w, r)
		return
	}
	rtr.mux.ServeHTTP(w, r)
}
