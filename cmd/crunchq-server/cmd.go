// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/crunchq.git/lib/cmd"
	"git.arvados.org/crunchq.git/lib/config"
	"git.arvados.org/crunchq.git/lib/controller"
	"git.arvados.org/crunchq.git/lib/store/pgstore"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
		"controller":      controller.Command,
		"migrate":         pgstore.MigrateCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
