// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package arvados

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

var DefaultConfigFile = func() string {
	if path := os.Getenv("CRUNCHQ_CONFIG"); path != "" {
		return path
	}
	return "/etc/crunchq/config.yml"
}()

// Config is the top level of a site configuration file.
type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	cc, ok := sc.Clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	}
	cc.ClusterID = clusterID
	return &cc, nil
}

type Cluster struct {
	ClusterID       string `json:"-"`
	SystemRootToken string
	ManagementToken string

	// "memory" or "postgresql"
	Storage    string
	PostgreSQL PostgreSQL
	Services   Services
	SystemLogs SystemLogs
	API        API
	Containers ContainersConfig
}

type PostgreSQL struct {
	Connection     PostgreSQLConnection
	ConnectionPool int
}

type PostgreSQLConnection map[string]string

// String returns a libpq connection string, with keys in sorted
// order. Empty values and the SAMPLE placeholder are omitted.
func (c PostgreSQLConnection) String() string {
	var keys []string
	for k, v := range c {
		if v != "" && k != "SAMPLE" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		v := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(c[k])
		s += strings.ToLower(k) + "='" + v + "' "
	}
	return s
}

type Services struct {
	Controller Service
}

type Service struct {
	Listen      string
	ExternalURL string
}

type SystemLogs struct {
	Format   string
	LogLevel string
}

type API struct {
	RequestTimeout        Duration
	MaxConcurrentRequests int
}

type ContainersConfig struct {
	// Default keep_cache_ram for containers whose requests don't
	// specify one.
	DefaultKeepCacheRAM ByteSize

	// Default retry budget (container_count_max) for new
	// container requests.
	DefaultContainerCountMax int

	// Cancel a container instead of unlocking it after this many
	// lock/unlock cycles.
	MaxDispatchAttempts int

	PreemptibleInstances bool

	// Interval between background priority consistency sweeps.
	PriorityUpdateInterval Duration

	// Interval between sweeps that retry failed completion
	// cascades.
	CascadeRetryInterval Duration

	// Log each filtering step of the reuse search.
	LogReuseDecisions bool

	AuthTokenCacheSize int
}
