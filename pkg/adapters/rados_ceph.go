//go:build ceph

/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package adapters

import (
	"context"
	"sync"

	"github.com/ceph/go-ceph/rados"
	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/types"
)

const radosLabelObject = ".phobos_label"

// Rados serves rados_pool media. A medium's device is the pool name;
// mounting opens an I/O context on the pool, the mount path is the
// handle key the daemon hands back to clients.
type Rados struct {
	cluster  string
	user     string
	confFile string

	mu     sync.Mutex
	conn   *rados.Conn
	ioctxs map[string]*rados.IOContext // mount path -> open pool context
}

func NewRados(cluster, user, confFile string) *Rados {
	return &Rados{
		cluster:  cluster,
		user:     user,
		confFile: confFile,
		ioctxs:   make(map[string]*rados.IOContext),
	}
}

func (r *Rados) ensureConn() error {
	if r.conn != nil {
		return nil
	}
	conn, err := rados.NewConnWithClusterAndUser(r.cluster, r.user)
	if err != nil {
		return errors.Wrapf(errdefs.ErrIO, "rados connection: %v", err)
	}
	if r.confFile != "" {
		if err := conn.ReadConfigFile(r.confFile); err != nil {
			return errors.Wrapf(errdefs.ErrIO, "rados config %s: %v", r.confFile, err)
		}
	} else {
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return errors.Wrapf(errdefs.ErrIO, "rados connect: %v", err)
	}
	r.conn = conn
	return nil
}

func (r *Rados) Mount(_ context.Context, device, path string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureConn(); err != nil {
		return false, err
	}
	if _, open := r.ioctxs[path]; open {
		return false, errors.Wrapf(errdefs.ErrBusy, "pool handle %s in use", path)
	}
	ioctx, err := r.conn.OpenIOContext(device)
	if err != nil {
		return false, errors.Wrapf(errdefs.ErrIO, "open pool %s: %v", device, err)
	}
	r.ioctxs[path] = ioctx
	return false, nil
}

func (r *Rados) Umount(_ context.Context, _, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ioctx, open := r.ioctxs[path]
	if !open {
		return errors.Wrapf(errdefs.ErrNotFound, "pool handle %s", path)
	}
	ioctx.Destroy()
	delete(r.ioctxs, path)
	return nil
}

func (r *Rados) Mounted(path string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, open := r.ioctxs[path]
	return path, open, nil
}

func (r *Rados) Format(_ context.Context, device, label string) (types.SpaceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureConn(); err != nil {
		return types.SpaceInfo{}, err
	}
	ioctx, err := r.conn.OpenIOContext(device)
	if err != nil {
		return types.SpaceInfo{}, errors.Wrapf(errdefs.ErrIO, "open pool %s: %v", device, err)
	}
	defer ioctx.Destroy()
	if _, err := ioctx.Stat(radosLabelObject); err == nil {
		return types.SpaceInfo{}, errors.Wrapf(errdefs.ErrInvalidState,
			"pool %s already labelled", device)
	}
	if err := ioctx.WriteFull(radosLabelObject, []byte(label)); err != nil {
		return types.SpaceInfo{}, errors.Wrapf(errdefs.ErrIO, "label pool %s: %v", device, err)
	}
	return r.dfLocked()
}

func (r *Rados) Df(_ string) (types.SpaceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureConn(); err != nil {
		return types.SpaceInfo{}, err
	}
	return r.dfLocked()
}

func (r *Rados) dfLocked() (types.SpaceInfo, error) {
	stats, err := r.conn.GetClusterStats()
	if err != nil {
		return types.SpaceInfo{}, errors.Wrapf(errdefs.ErrIO, "cluster stats: %v", err)
	}
	return types.SpaceInfo{
		Total: int64(stats.Kb) * 1024,
		Used:  int64(stats.Kb_used) * 1024,
		Free:  int64(stats.Kb_avail) * 1024,
	}, nil
}

func (r *Rados) GetLabel(path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ioctx, open := r.ioctxs[path]
	if !open {
		return "", errors.Wrapf(errdefs.ErrNotFound, "pool handle %s", path)
	}
	stat, err := ioctx.Stat(radosLabelObject)
	if err != nil {
		return "", errors.Wrapf(errdefs.ErrIO, "stat label: %v", err)
	}
	buf := make([]byte, stat.Size)
	n, err := ioctx.Read(radosLabelObject, buf, 0)
	if err != nil {
		return "", errors.Wrapf(errdefs.ErrIO, "read label: %v", err)
	}
	return string(buf[:n]), nil
}

func (r *Rados) Sync(_ context.Context, _ string) error {
	// librados writes are acknowledged only once durable on the OSDs;
	// there is no client-side dirty state to flush.
	return nil
}
