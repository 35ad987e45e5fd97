/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package dss is the daemon's view of the distributed state store: media
// and device records plus the cluster-wide lock table. The scheduler
// consumes the Store interface only; the bbolt implementation in this
// package makes the daemon self-contained.
package dss

import (
	"context"
	"time"

	"github.com/cea-hpc/phobos/pkg/types"
)

// LockType partitions the lock table by resource kind.
type LockType string

const (
	LockDevice LockType = "device"
	LockMedium LockType = "medium"
)

// MediaFilter restricts a media query. Zero fields do not filter.
type MediaFilter struct {
	Family      types.Family
	Name        string
	Library     string
	AdminStatus types.AdminStatus
	PutAccess   *bool
	GetAccess   *bool
}

// DeviceFilter restricts a device query.
type DeviceFilter struct {
	Family      types.Family
	Name        string
	Host        string
	AdminStatus types.AdminStatus
}

// MediumUpdate is the field mask for partial medium updates.
type MediumUpdate struct {
	Space       *types.SpaceInfo
	LogcWritten *int64
	NbObjects   *int64
	FsStatus    *types.FsStatus
	FsLabel     *string
	AdminStatus *types.AdminStatus
}

// LogRecord is an opaque operational log entry persisted next to the
// resource it concerns.
type LogRecord struct {
	Resource types.ResourceID `json:"resource"`
	Cause    string           `json:"cause"`
	Message  string           `json:"message"`
	Errno    int              `json:"errno,omitempty"`
	Time     time.Time        `json:"time"`
}

// MediaStore gives access to persistent medium records.
type MediaStore interface {
	Get(ctx context.Context, f MediaFilter) ([]types.Medium, error)
	// GetOne returns exactly the named medium or ErrNotFound.
	GetOne(ctx context.Context, id types.ResourceID) (*types.Medium, error)
	Set(ctx context.Context, m *types.Medium) error
	Update(ctx context.Context, id types.ResourceID, u MediumUpdate) error
}

// DeviceStore gives access to persistent device records.
type DeviceStore interface {
	Get(ctx context.Context, f DeviceFilter) ([]types.Device, error)
	GetOne(ctx context.Context, id types.ResourceID) (*types.Device, error)
	Set(ctx context.Context, d *types.Device) error
	UpdateAdminStatus(ctx context.Context, id types.ResourceID, st types.AdminStatus) error
}

// LockStore is the transactional lock table. Acquire is atomic: it
// either installs (hostname, pid) as the owner or fails with the
// current owner attached to the error.
type LockStore interface {
	Acquire(ctx context.Context, lt LockType, id types.ResourceID, hostname string, pid int) error
	// Release removes the lock if owned by (hostname, pid); force
	// removes it regardless of owner.
	Release(ctx context.Context, lt LockType, id types.ResourceID, hostname string, pid int, force bool) error
	Status(ctx context.Context, lt LockType, id types.ResourceID) (types.Lock, error)
	// Clean removes every lock of the given type held by hostname. A
	// pid > 0 additionally restricts to that pid. Returns the ids of
	// the resources unlocked.
	Clean(ctx context.Context, lt LockType, hostname string, pid int) ([]types.ResourceID, error)
}

// LogStore records health events; consumers treat entries as opaque.
type LogStore interface {
	Emit(ctx context.Context, rec LogRecord) error
}

// Store aggregates the DSS surfaces the daemon consumes.
type Store interface {
	Media() MediaStore
	Devices() DeviceStore
	Locks() LockStore
	Logs() LogStore
	Close() error
}
