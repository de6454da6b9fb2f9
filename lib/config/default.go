// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"io"

	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"github.com/sirupsen/logrus"
)

// DefaultCluster returns a cluster config with all default values,
// except that Storage is "memory" and SystemRootToken is set to a
// fixed test value. It is meant for test suites.
func DefaultCluster(clusterID string) (*arvados.Cluster, error) {
	logger := logrus.New()
	logger.Out = io.Discard
	confdata := []byte(`Clusters: {` + clusterID + `: {Storage: memory, SystemRootToken: systemroottokensystemroottoken}}`)
	loader := NewLoader(bytes.NewBuffer(confdata), logger)
	loader.Path = "-"
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	return cfg.GetCluster(clusterID)
}
