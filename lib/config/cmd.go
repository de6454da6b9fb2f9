// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"git.arvados.org/crunchq.git/lib/cmd"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"git.arvados.org/crunchq.git/sdk/go/ctxlog"
	"github.com/ghodss/yaml"
)

// DumpCommand writes the effective configuration (site config
// merged over defaults) to stdout as YAML.
var DumpCommand cmd.Handler = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, code := loadFromArgs(prog, args, stdin, stderr, false)
	if cfg == nil {
		return code
	}
	out, err := yaml.Marshal(cfg)
	if err == nil {
		_, err = stdout.Write(out)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
})

// CheckCommand exits non-zero if the site config cannot be loaded,
// or contains keys that are not known config entries.
var CheckCommand cmd.Handler = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, code := loadFromArgs(prog, args, stdin, stderr, true)
	if cfg == nil {
		return code
	}
	return 0
})

// DumpDefaultsCommand writes the built-in default config to stdout.
var DumpDefaultsCommand cmd.Handler = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if _, err := stdout.Write(DefaultYAML); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
})

// loadFromArgs parses the loader flags in args and loads the
// config. On failure it returns nil and the exit code to use.
func loadFromArgs(prog string, args []string, stdin io.Reader, stderr io.Writer, strict bool) (*arvados.Config, int) {
	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	loader.Strict = strict
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return nil, code
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, 1
	}
	return cfg, 0
}
