// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"context"
	"sort"
	"time"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"github.com/sirupsen/logrus"
)

// Reuse tiers, in the order they are searched.
const (
	tierComplete = "complete"
	tierRunning  = "running"
	tierQueued   = "queued"
)

type reuseMatcher struct {
	tx      store.Tx
	caller  Caller
	logger  logrus.FieldLogger
	verbose bool
}

func (m *reuseMatcher) logf(format string, args ...interface{}) {
	if m.verbose {
		m.logger.Infof(format, args...)
	}
}

// find returns an existing container that can stand in for a new
// container with the given spec, and the tier it was found in. It
// returns ok=false if there is none.
func (m *reuseMatcher) find(ctx context.Context, spec Spec) (ctr arvados.Container, tier string, ok bool, err error) {
	hash := spec.Hash()
	indexed, err := m.tx.ListContainers(ctx, store.ContainerFilter{SpecHash: hash})
	if err != nil {
		return
	}
	// The index only narrows the search. A candidate must have
	// exactly the requested spec.
	var candidates []arvados.Container
	for _, c := range indexed {
		if specOf(c).Hash() == hash {
			candidates = append(candidates, c)
		}
	}
	m.logf("%d candidates with spec hash %s", len(candidates), hash)

	m.logf("checking for state=Complete with readable output and log...")
	var complete []arvados.Container
	for _, c := range candidates {
		if c.State != arvados.ContainerStateComplete || c.ExitCode == nil || *c.ExitCode != 0 {
			continue
		}
		if c.Output == "" || c.Log == "" {
			continue
		}
		var readable bool
		readable, err = m.caller.readablePDH(ctx, m.tx, c.Log)
		if err != nil {
			return
		} else if !readable {
			continue
		}
		readable, err = m.caller.readablePDH(ctx, m.tx, c.Output)
		if err != nil {
			return
		} else if !readable {
			continue
		}
		complete = append(complete, c)
	}
	m.logf("%d with state=Complete, exit_code=0, readable log and output", len(complete))
	if len(complete) > 0 {
		sort.SliceStable(complete, func(i, j int) bool {
			return timeBefore(complete[i].FinishedAt, complete[j].FinishedAt)
		})
		m.logf("done, reusing container %s with state=Complete", complete[0].UUID)
		return complete[0], tierComplete, true, nil
	}

	m.logf("checking for state=Running...")
	var running []arvados.Container
	for _, c := range candidates {
		if c.State == arvados.ContainerStateRunning && c.Priority > 0 && c.RuntimeStatus["error"] == nil {
			running = append(running, c)
		}
	}
	if len(running) > 0 {
		sort.SliceStable(running, func(i, j int) bool {
			if running[i].Progress != running[j].Progress {
				return running[i].Progress > running[j].Progress
			}
			return timeBefore(running[i].StartedAt, running[j].StartedAt)
		})
		m.logf("done, reusing container %s with state=Running", running[0].UUID)
		return running[0], tierRunning, true, nil
	}
	m.logf("have no containers in Running state")

	var waiting []arvados.Container
	for _, c := range candidates {
		if c.State != arvados.ContainerStateLocked && c.State != arvados.ContainerStateQueued {
			continue
		}
		waiting = append(waiting, c)
	}
	if len(waiting) > 0 {
		sort.SliceStable(waiting, func(i, j int) bool {
			a, b := waiting[i], waiting[j]
			if a.State != b.State {
				return a.State < b.State
			}
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
		m.logf("done, reusing container %s with state=%s", waiting[0].UUID, waiting[0].State)
		return waiting[0], tierQueued, true, nil
	}
	m.logf("done, no reusable container found")
	return arvados.Container{}, "", false, nil
}

// timeBefore orders timestamps ascending, with nil last.
func timeBefore(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a != nil
	}
	return a.Before(*b)
}
