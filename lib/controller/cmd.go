// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package controller

import (
	"context"

	"git.arvados.org/crunchq.git/lib/cmd"
	"git.arvados.org/crunchq.git/lib/service"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.Handler = service.Command("controller", newHandler)

func newHandler(ctx context.Context, cluster *arvados.Cluster, reg *prometheus.Registry) service.Handler {
	h, err := NewHandler(ctx, cluster, reg)
	if err != nil {
		return service.ErrorHandler(ctx, cluster, err)
	}
	return h
}
