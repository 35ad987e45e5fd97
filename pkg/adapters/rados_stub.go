//go:build !ceph

/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package adapters

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/types"
)

// Rados is compiled without librados support unless the ceph build tag
// is set. Every operation reports the missing backend.
type Rados struct{}

func NewRados(_, _, _ string) *Rados { return &Rados{} }

func (r *Rados) err() error {
	return errors.Wrap(errdefs.ErrNoDevice, "built without ceph support")
}

func (r *Rados) Mount(context.Context, string, string) (bool, error) { return false, r.err() }

func (r *Rados) Umount(context.Context, string, string) error { return r.err() }

func (r *Rados) Mounted(string) (string, bool, error) { return "", false, r.err() }

func (r *Rados) Format(context.Context, string, string) (types.SpaceInfo, error) {
	return types.SpaceInfo{}, r.err()
}

func (r *Rados) Df(string) (types.SpaceInfo, error) { return types.SpaceInfo{}, r.err() }

func (r *Rados) GetLabel(string) (string, error) { return "", r.err() }

func (r *Rados) Sync(context.Context, string) error { return r.err() }
