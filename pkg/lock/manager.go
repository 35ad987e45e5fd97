/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package lock serialises cluster-wide access to devices and media
// through the DSS lock table. Locks are stamped (hostname, pid) so a
// restarted daemon can reclaim what its predecessor held.
package lock

import (
	"context"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/dss"
	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/types"
)

// Manager acquires, renews and releases DSS locks on behalf of one
// daemon identity.
type Manager struct {
	locks    dss.LockStore
	hostname string
	pid      int
}

// NewManager binds a lock manager to the daemon identity.
func NewManager(locks dss.LockStore, hostname string, pid int) *Manager {
	return &Manager{locks: locks, hostname: hostname, pid: pid}
}

func (m *Manager) Hostname() string { return m.hostname }

func (m *Manager) Pid() int { return m.pid }

// AcquireDevice takes the cluster lock on a device.
func (m *Manager) AcquireDevice(ctx context.Context, id types.ResourceID) error {
	return m.locks.Acquire(ctx, dss.LockDevice, id, m.hostname, m.pid)
}

// AcquireMedium takes the cluster lock on a medium.
func (m *Manager) AcquireMedium(ctx context.Context, id types.ResourceID) error {
	return m.locks.Acquire(ctx, dss.LockMedium, id, m.hostname, m.pid)
}

// ReleaseDevice drops the device lock owned by this daemon.
func (m *Manager) ReleaseDevice(ctx context.Context, id types.ResourceID) error {
	return m.locks.Release(ctx, dss.LockDevice, id, m.hostname, m.pid, false)
}

// ReleaseMedium drops the medium lock owned by this daemon.
func (m *Manager) ReleaseMedium(ctx context.Context, id types.ResourceID) error {
	return m.locks.Release(ctx, dss.LockMedium, id, m.hostname, m.pid, false)
}

// MediumLockStatus reads the current medium lock record.
func (m *Manager) MediumLockStatus(ctx context.Context, id types.ResourceID) (types.Lock, error) {
	return m.locks.Status(ctx, dss.LockMedium, id)
}

// DeviceLockStatus reads the current device lock record.
func (m *Manager) DeviceLockStatus(ctx context.Context, id types.ResourceID) (types.Lock, error) {
	return m.locks.Status(ctx, dss.LockDevice, id)
}

// OwnsLock reports whether a lock record belongs to this daemon.
func (m *Manager) OwnsLock(l types.Lock) bool {
	return l.OwnedBy(m.hostname, m.pid)
}

// Foreign reports whether a lock record names another host. A lock from
// this host but another pid is stale, not foreign.
func (m *Manager) Foreign(l types.Lock) bool {
	return l.IsLocked() && l.Hostname != m.hostname
}

// RenewIfStale inspects the current lock record of a resource and makes
// sure this daemon ends up owning it:
//   - owned by another host: ErrAlreadyLocked
//   - owned by this host but a dead pid: force-release then re-acquire
//   - unlocked or already ours: plain acquire
func (m *Manager) RenewIfStale(ctx context.Context, lt dss.LockType, id types.ResourceID, cur types.Lock) error {
	if cur.IsLocked() {
		if cur.Hostname != m.hostname {
			return errors.Wrapf(errdefs.ErrAlreadyLocked, "%s %s held by %s:%d",
				lt, id, cur.Hostname, cur.Owner)
		}
		if cur.Owner != m.pid {
			log.G(ctx).Warnf("Reclaiming %s lock on %s from dead pid %d", lt, id, cur.Owner)
			if err := m.locks.Release(ctx, lt, id, m.hostname, m.pid, true); err != nil &&
				!errdefs.IsNotFound(err) {
				return errors.Wrapf(err, "force release %s %s", lt, id)
			}
		}
	}
	return m.locks.Acquire(ctx, lt, id, m.hostname, m.pid)
}

// CleanStale drops the locks a previous daemon incarnation on this host
// left behind: every device lock of this host, and every medium lock of
// this host whose medium is not loaded in a device listed in keepMedia.
func (m *Manager) CleanStale(ctx context.Context, keepMedia map[types.ResourceID]struct{}) error {
	devs, err := m.locks.Clean(ctx, dss.LockDevice, m.hostname, 0)
	if err != nil {
		return errors.Wrap(err, "clean stale device locks")
	}
	for _, id := range devs {
		log.G(ctx).Infof("Cleaned stale device lock on %s", id)
	}

	// Medium locks backing a currently-loaded medium are re-stamped
	// instead of dropped; Clean cannot filter, so drop then re-acquire.
	media, err := m.locks.Clean(ctx, dss.LockMedium, m.hostname, 0)
	if err != nil {
		return errors.Wrap(err, "clean stale medium locks")
	}
	for _, id := range media {
		if _, keep := keepMedia[id]; keep {
			if err := m.AcquireMedium(ctx, id); err != nil {
				return errors.Wrapf(err, "re-stamp medium lock %s", id)
			}
			continue
		}
		log.G(ctx).Infof("Cleaned stale medium lock on %s", id)
	}
	return nil
}
