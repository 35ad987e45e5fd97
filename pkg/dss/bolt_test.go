/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package dss

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/types"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mediumID(name string) types.ResourceID {
	return types.ResourceID{Family: types.FamilyTape, Name: name, Library: "legacy"}
}

func TestMediaSetGetUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	m := types.Medium{
		ID:          mediumID("P00001"),
		FsType:      types.FsLTFS,
		FsStatus:    types.FsStatusEmpty,
		AdminStatus: types.AdminUnlocked,
		PutAccess:   true,
		GetAccess:   true,
		Space:       types.SpaceInfo{Total: 1000, Free: 1000},
		Tags:        []string{"prod"},
	}
	require.NoError(t, db.Media().Set(ctx, &m))

	got, err := db.Media().GetOne(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m, *got)

	_, err = db.Media().GetOne(ctx, mediumID("missing"))
	assert.True(t, errdefs.IsNotFound(err))

	full := types.FsStatusFull
	logc := int64(42)
	require.NoError(t, db.Media().Update(ctx, m.ID, MediumUpdate{
		FsStatus:    &full,
		LogcWritten: &logc,
	}))
	got, err = db.Media().GetOne(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FsStatusFull, got.FsStatus)
	assert.Equal(t, int64(42), got.LogcWritten)
	// untouched fields survive a partial update
	assert.Equal(t, []string{"prod"}, got.Tags)
}

func TestMediaFilter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	yes, no := true, false
	media := []types.Medium{
		{ID: mediumID("A"), AdminStatus: types.AdminUnlocked, PutAccess: true},
		{ID: mediumID("B"), AdminStatus: types.AdminLocked, PutAccess: true},
		{ID: mediumID("C"), AdminStatus: types.AdminUnlocked, PutAccess: false},
		{ID: types.ResourceID{Family: types.FamilyDir, Name: "D", Library: "legacy"},
			AdminStatus: types.AdminUnlocked, PutAccess: true},
	}
	for i := range media {
		require.NoError(t, db.Media().Set(ctx, &media[i]))
	}

	tests := map[string]struct {
		filter   MediaFilter
		expected []string
	}{
		"by family": {
			filter:   MediaFilter{Family: types.FamilyDir},
			expected: []string{"D"},
		},
		"unlocked with put": {
			filter:   MediaFilter{Family: types.FamilyTape, AdminStatus: types.AdminUnlocked, PutAccess: &yes},
			expected: []string{"A"},
		},
		"no put": {
			filter:   MediaFilter{Family: types.FamilyTape, PutAccess: &no},
			expected: []string{"C"},
		},
		"by name": {
			filter:   MediaFilter{Name: "B"},
			expected: []string{"B"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := db.Media().Get(ctx, tc.filter)
			require.NoError(t, err)
			names := make([]string, 0, len(got))
			for _, m := range got {
				names = append(names, m.ID.Name)
			}
			assert.ElementsMatch(t, tc.expected, names)
		})
	}
}

func TestDeviceAdminStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	d := types.Device{
		ID:          types.ResourceID{Family: types.FamilyTape, Name: "drive0", Library: "legacy"},
		Host:        "node1",
		AdminStatus: types.AdminUnlocked,
	}
	require.NoError(t, db.Devices().Set(ctx, &d))

	require.NoError(t, db.Devices().UpdateAdminStatus(ctx, d.ID, types.AdminFailed))
	got, err := db.Devices().GetOne(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AdminFailed, got.AdminStatus)

	devs, err := db.Devices().Get(ctx, DeviceFilter{Host: "node1", AdminStatus: types.AdminFailed})
	require.NoError(t, err)
	assert.Len(t, devs, 1)
}

func TestLockAcquireRelease(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id := mediumID("P00001")

	require.NoError(t, db.Locks().Acquire(ctx, LockMedium, id, "node1", 100))
	// re-acquiring our own lock is idempotent
	require.NoError(t, db.Locks().Acquire(ctx, LockMedium, id, "node1", 100))

	err := db.Locks().Acquire(ctx, LockMedium, id, "node2", 200)
	assert.True(t, errdefs.IsRetryable(err))

	cur, err := db.Locks().Status(ctx, LockMedium, id)
	require.NoError(t, err)
	assert.Equal(t, "node1", cur.Hostname)
	assert.Equal(t, 100, cur.Owner)

	err = db.Locks().Release(ctx, LockMedium, id, "node2", 200, false)
	assert.True(t, errdefs.IsAlreadyLocked(err))

	require.NoError(t, db.Locks().Release(ctx, LockMedium, id, "node2", 200, true))
	cur, err = db.Locks().Status(ctx, LockMedium, id)
	require.NoError(t, err)
	assert.False(t, cur.IsLocked())
}

func TestLockClean(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Locks().Acquire(ctx, LockMedium, mediumID("A"), "node1", 100))
	require.NoError(t, db.Locks().Acquire(ctx, LockMedium, mediumID("B"), "node1", 101))
	require.NoError(t, db.Locks().Acquire(ctx, LockMedium, mediumID("C"), "node2", 100))

	cleaned, err := db.Locks().Clean(ctx, LockMedium, "node1", 101)
	require.NoError(t, err)
	require.Len(t, cleaned, 1)
	assert.Equal(t, "B", cleaned[0].Name)

	cleaned, err = db.Locks().Clean(ctx, LockMedium, "node1", 0)
	require.NoError(t, err)
	require.Len(t, cleaned, 1)
	assert.Equal(t, "A", cleaned[0].Name)

	cur, err := db.Locks().Status(ctx, LockMedium, mediumID("C"))
	require.NoError(t, err)
	assert.Equal(t, "node2", cur.Hostname)
}

func TestLogsEmit(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Logs().Emit(context.Background(), LogRecord{
		Resource: mediumID("A"),
		Cause:    "device failure",
		Message:  "mount failed",
		Errno:    -5,
	}))
}
