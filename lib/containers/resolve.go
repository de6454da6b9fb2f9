// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"context"
	"strings"

	"git.arvados.org/crunchq.git/lib/store"
	"git.arvados.org/crunchq.git/sdk/go/arvados"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const (
	minKeepCacheDisk = 2 << 30
	maxKeepCacheDisk = 32 << 30
)

// resolver turns a container request into a canonical Spec using the
// caller's permissions.
type resolver struct {
	cluster *arvados.Cluster
	tx      store.Tx
	caller  Caller
	logger  logrus.FieldLogger
}

func (r *resolver) resolve(ctx context.Context, cr arvados.ContainerRequest) (Spec, error) {
	image, err := r.resolveImage(ctx, cr.ContainerImage)
	if err != nil {
		return Spec{}, err
	}
	mounts, err := r.resolveMounts(ctx, cr.Mounts)
	if err != nil {
		return Spec{}, err
	}
	rc, err := resolveRuntimeConstraints(r.cluster, cr.RuntimeConstraints)
	if err != nil {
		return Spec{}, err
	}
	r.logger.WithFields(logrus.Fields{
		"ContainerImage": image,
		"RAM":            humanize.IBytes(uint64(rc.RAM)),
		"KeepCacheRAM":   humanize.IBytes(uint64(rc.KeepCacheRAM)),
		"KeepCacheDisk":  humanize.IBytes(uint64(rc.KeepCacheDisk)),
	}).Debug("resolved container spec")
	return Spec{
		Command:            cr.Command,
		ContainerImage:     image,
		Cwd:                cr.Cwd,
		Environment:        cr.Environment,
		Mounts:             mounts,
		OutputPath:         cr.OutputPath,
		RuntimeConstraints: rc,

		SchedulingParameters: cr.SchedulingParameters,
	}.canonical(), nil
}

// resolveImage returns the portable data hash of the image
// identified by search, which is either a portable data hash or a
// "repository[:tag]" name. Among images with the given name, the
// most recently created one readable by the caller wins.
func (r *resolver) resolveImage(ctx context.Context, search string) (string, error) {
	if arvados.PDHMatch(search) {
		ok, err := r.caller.readablePDH(ctx, r.tx, search)
		if err != nil {
			return "", err
		} else if !ok {
			return "", arvados.Errorf(arvados.KindUnresolvableImage, "docker image %q not found", search)
		}
		return search, nil
	}
	repo, tag := search, "latest"
	if i := strings.LastIndex(search, ":"); i > 0 && !strings.Contains(search[i:], "/") {
		repo, tag = search[:i], search[i+1:]
	}
	imgs, err := r.tx.ListDockerImages(ctx, repo, tag)
	if err != nil {
		return "", err
	}
	for _, img := range imgs {
		ok, err := r.caller.readable(ctx, r.tx, img.OwnerUUID)
		if err != nil {
			return "", err
		} else if ok {
			return img.PortableDataHash, nil
		}
	}
	return "", arvados.Errorf(arvados.KindUnresolvableImage, "docker image %q not found", search)
}

// resolveMounts replaces every collection UUID reference with the
// collection's current portable data hash.
func (r *resolver) resolveMounts(ctx context.Context, mounts map[string]arvados.Mount) (map[string]arvados.Mount, error) {
	resolved := make(map[string]arvados.Mount, len(mounts))
	for path, mnt := range mounts {
		if mnt.Kind != "collection" || mnt.UUID == "" {
			resolved[path] = mnt
			continue
		}
		colls, err := r.tx.ListCollections(ctx, store.CollectionFilter{UUID: mnt.UUID})
		if err != nil {
			return nil, err
		}
		readable := false
		if len(colls) > 0 {
			readable, err = r.caller.readable(ctx, r.tx, colls[0].OwnerUUID)
			if err != nil {
				return nil, err
			}
		}
		if !readable {
			return nil, arvados.Errorf(arvados.KindUnresolvableMount, "cannot mount collection %q: not found", mnt.UUID)
		}
		if mnt.PortableDataHash != "" && mnt.PortableDataHash != colls[0].PortableDataHash {
			return nil, arvados.Errorf(arvados.KindMountMismatch, "mount %q: portable_data_hash %q does not match collection %s (%q)", path, mnt.PortableDataHash, mnt.UUID, colls[0].PortableDataHash)
		}
		mnt.PortableDataHash = colls[0].PortableDataHash
		mnt.UUID = ""
		resolved[path] = mnt
	}
	return resolved, nil
}

// resolveRuntimeConstraints collapses each range to its minimum and
// fills in cache size defaults.
func resolveRuntimeConstraints(cluster *arvados.Cluster, req arvados.RequestRuntimeConstraints) (arvados.RuntimeConstraints, error) {
	if err := validateConstraints(req); err != nil {
		return arvados.RuntimeConstraints{}, err
	}
	rc := arvados.RuntimeConstraints{
		API:           req.API,
		RAM:           req.RAM.Min(),
		VCPUs:         int(req.VCPUs.Min()),
		KeepCacheRAM:  req.KeepCacheRAM.Min(),
		KeepCacheDisk: req.KeepCacheDisk.Min(),
	}
	if rc.KeepCacheRAM == 0 {
		rc.KeepCacheRAM = int64(cluster.Containers.DefaultKeepCacheRAM)
	}
	if rc.KeepCacheDisk == 0 && rc.KeepCacheRAM == 0 {
		rc.KeepCacheDisk = boundKeepCacheDisk(rc.RAM)
	}
	return rc, nil
}

// boundKeepCacheDisk returns value clamped to the range of sensible
// disk cache sizes.
func boundKeepCacheDisk(value int64) int64 {
	if value < minKeepCacheDisk {
		return minKeepCacheDisk
	} else if value > maxKeepCacheDisk {
		return maxKeepCacheDisk
	}
	return value
}
