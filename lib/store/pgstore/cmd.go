// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pgstore

import (
	"context"
	"flag"
	"fmt"
	"io"

	"git.arvados.org/crunchq.git/lib/cmd"
	"git.arvados.org/crunchq.git/lib/config"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
)

// MigrateCommand applies the embedded schema to the database named
// in the cluster config.
var MigrateCommand cmd.Handler = migrateCommand{}

type migrateCommand struct{}

func (migrateCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "text", "info")
	var err error
	defer func() {
		if err != nil {
			logger.WithError(err).Error("migrate failed")
		}
	}()

	loader := config.NewLoader(stdin, logger)
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return 1
	}
	if cluster.Storage != "postgresql" {
		err = fmt.Errorf("nothing to migrate: Storage is %q", cluster.Storage)
		return 1
	}
	ctx := ctxlog.Context(context.Background(), logger)
	db, err := Open(ctx, cluster)
	if err != nil {
		return 1
	}
	defer db.Close()
	err = db.Migrate(ctx)
	if err != nil {
		return 1
	}
	return 0
}
