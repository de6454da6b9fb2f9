// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"regexp"
	"strings"

	"dario.cat/mergo"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

var ErrNoClustersDefined = errors.New("config does not define any clusters")

type Loader struct {
	Logger logrus.FieldLogger
	Path   string

	// Return an error (instead of just logging a warning) if the
	// config contains unknown keys.
	Strict bool

	stdin      io.Reader
	configdata []byte
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path fields.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/crunchq/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", arvados.DefaultConfigFile, "Site configuration `file` (default may be overridden by setting a CRUNCHQ_CONFIG environment variable)")
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return ioutil.ReadAll(ldr.stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ioutil.ReadAll(f)
}

func (ldr *Loader) Load() (*arvados.Config, error) {
	if ldr.configdata == nil {
		buf, err := ldr.loadBytes(ldr.Path)
		if err != nil {
			return nil, err
		}
		ldr.configdata = buf
	}

	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	err := yaml.Unmarshal(ldr.configdata, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, ErrNoClustersDefined
	}

	// We can't merge deep structs here; instead, we unmarshal the
	// default & loaded config files into generic maps, merge
	// those, and then json-encode+decode the result into the
	// config struct type.
	merged := map[string]interface{}{}
	for id := range dummy.Clusters {
		if !clusterIDRegexp.MatchString(id) {
			return nil, fmt.Errorf("%q: invalid cluster ID; must be 5 lowercase alphanumeric characters", id)
		}
		var src map[string]interface{}
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte(" xxxxx:"), []byte(" "+id+":"), -1), &src)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
		err = mergo.Merge(&merged, src, mergo.WithOverride)
		if err != nil {
			return nil, fmt.Errorf("merging defaults for %s: %s", id, err)
		}
	}
	var src map[string]interface{}
	err = yaml.Unmarshal(ldr.configdata, &src)
	if err != nil {
		return nil, fmt.Errorf("loading config data: %s", err)
	}
	err = ldr.checkKeys(merged, src)
	if err != nil {
		return nil, err
	}
	err = mergo.Merge(&merged, src, mergo.WithOverride)
	if err != nil {
		return nil, fmt.Errorf("merging config data: %s", err)
	}

	var cfg arvados.Config
	buf, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	err = json.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	for id, cc := range cfg.Clusters {
		cc.ClusterID = id
		err = checkCluster(cc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		cfg.Clusters[id] = cc
	}
	return &cfg, nil
}

var clusterIDRegexp = regexp.MustCompile(`^[a-z0-9]{5}$`)

// checkKeys logs (or, in Strict mode, returns an error for) every key
// in the loaded config that has no counterpart in the defaults.
func (ldr *Loader) checkKeys(expected, supplied map[string]interface{}) error {
	var unknown []string
	logExtraKeys(expected, supplied, "", &unknown)
	for _, k := range unknown {
		ldr.Logger.Warnf("deprecated or unknown config entry: %s", k)
	}
	if ldr.Strict && len(unknown) > 0 {
		return fmt.Errorf("unknown config entries: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func logExtraKeys(expected, supplied map[string]interface{}, prefix string, unknown *[]string) {
	if _, ok := expected["SAMPLE"]; ok {
		// Free-form map, like PostgreSQL.Connection.
		return
	}
	for k, vsupp := range supplied {
		vexp, ok := expected[k]
		if !ok {
			*unknown = append(*unknown, prefix+k)
			continue
		}
		vsuppmap, ok := vsupp.(map[string]interface{})
		if !ok {
			continue
		}
		if vexpmap, ok := vexp.(map[string]interface{}); ok {
			logExtraKeys(vexpmap, vsuppmap, prefix+k+".", unknown)
		}
	}
}

func checkCluster(cc arvados.Cluster) error {
	switch cc.Storage {
	case "memory", "postgresql":
	default:
		return fmt.Errorf("invalid Storage %q (must be \"memory\" or \"postgresql\")", cc.Storage)
	}
	if cc.Containers.MaxDispatchAttempts < 1 {
		return fmt.Errorf("Containers.MaxDispatchAttempts must be at least 1")
	}
	if cc.Containers.DefaultContainerCountMax < 1 {
		return fmt.Errorf("Containers.DefaultContainerCountMax must be at least 1")
	}
	if cc.Containers.DefaultKeepCacheRAM < 0 {
		return fmt.Errorf("Containers.DefaultKeepCacheRAM must not be negative")
	}
	return nil
}
