// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"git.arvados.org/crunchq.git/sdk/go/arvados"
)

// Spec is the part of a container that determines what it computes.
// Two containers with equal Specs are interchangeable for reuse.
type Spec struct {
	Command            []string                   `json:"command"`
	ContainerImage     string                     `json:"container_image"`
	Cwd                string                     `json:"cwd"`
	Environment        map[string]string          `json:"environment"`
	Mounts             map[string]arvados.Mount   `json:"mounts"`
	OutputPath         string                     `json:"output_path"`
	RuntimeConstraints arvados.RuntimeConstraints `json:"runtime_constraints"`

	SchedulingParameters arvados.SchedulingParameters `json:"scheduling_parameters"`
}

func specOf(ctr arvados.Container) Spec {
	return Spec{
		Command:            ctr.Command,
		ContainerImage:     ctr.ContainerImage,
		Cwd:                ctr.Cwd,
		Environment:        ctr.Environment,
		Mounts:             ctr.Mounts,
		OutputPath:         ctr.OutputPath,
		RuntimeConstraints: ctr.RuntimeConstraints,

		SchedulingParameters: ctr.SchedulingParameters,
	}
}

// canonical returns a copy of s in which empty and nil collections
// are indistinguishable, partitions are sorted, and an unset
// preemptible flag is the same as false.
func (s Spec) canonical() Spec {
	sp := s.SchedulingParameters
	if len(sp.Partitions) == 0 {
		sp.Partitions = nil
	} else {
		sp.Partitions = append([]string(nil), sp.Partitions...)
		sort.Strings(sp.Partitions)
	}
	if !sp.IsPreemptible() {
		sp.Preemptible = nil
	}
	s.SchedulingParameters = sp
	if s.Command == nil {
		s.Command = []string{}
	}
	if s.Environment == nil {
		s.Environment = map[string]string{}
	}
	if s.Mounts == nil {
		s.Mounts = map[string]arvados.Mount{}
	}
	return s
}

// Hash returns a digest of the canonical encoding of s. Map keys are
// sorted by the JSON encoder, so equal specs always hash the same.
func (s Spec) Hash() string {
	buf, err := json.Marshal(s.canonical())
	if err != nil {
		// Every field type is plain data.
		panic(fmt.Sprintf("encoding container spec: %s", err))
	}
	return fmt.Sprintf("%x", sha256.Sum256(buf))
}

// apply copies s into ctr and sets ctr.SpecHash.
func (s Spec) apply(ctr *arvados.Container) {
	s = s.canonical()
	ctr.Command = s.Command
	ctr.ContainerImage = s.ContainerImage
	ctr.Cwd = s.Cwd
	ctr.Environment = s.Environment
	ctr.Mounts = s.Mounts
	ctr.OutputPath = s.OutputPath
	ctr.RuntimeConstraints = s.RuntimeConstraints
	ctr.SchedulingParameters = s.SchedulingParameters
	ctr.SpecHash = s.Hash()
}
