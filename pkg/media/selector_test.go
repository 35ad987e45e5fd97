/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobos/pkg/dss"
	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/lock"
	"github.com/cea-hpc/phobos/pkg/types"
)

type fixture struct {
	store    *dss.Database
	locks    *lock.Manager
	selector *Selector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := dss.NewDatabase(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	lm := lock.NewManager(db.Locks(), "node1", 100)
	return &fixture{store: db, locks: lm, selector: NewSelector(db, lm)}
}

func (f *fixture) addMedium(t *testing.T, name string, free int64, tags ...string) types.ResourceID {
	t.Helper()
	m := types.Medium{
		ID:          types.ResourceID{Family: types.FamilyTape, Name: name, Library: "legacy"},
		FsType:      types.FsLTFS,
		FsStatus:    types.FsStatusUsed,
		AdminStatus: types.AdminUnlocked,
		PutAccess:   true,
		GetAccess:   true,
		Space:       types.SpaceInfo{Total: free, Free: free},
		Tags:        tags,
	}
	require.NoError(t, f.store.Media().Set(context.Background(), &m))
	return m.ID
}

func TestSelectWholeFit(t *testing.T) {
	f := newFixture(t)
	f.addMedium(t, "SMALL", 100)
	f.addMedium(t, "TIGHT", 550)
	f.addMedium(t, "LARGE", 10000)

	m, err := f.selector.Select(context.Background(), Request{
		Family: types.FamilyTape,
		Size:   500,
	})
	require.NoError(t, err)
	// smallest medium that fits the whole size
	assert.Equal(t, "TIGHT", m.ID.Name)
}

func TestSelectSplit(t *testing.T) {
	f := newFixture(t)
	f.addMedium(t, "A", 300)
	f.addMedium(t, "B", 400)

	m, err := f.selector.Select(context.Background(), Request{
		Family: types.FamilyTape,
		Size:   600,
	})
	require.NoError(t, err)
	// nothing fits whole; the largest candidate takes the split write
	assert.Equal(t, "B", m.ID.Name)
}

func TestSelectNoSpace(t *testing.T) {
	f := newFixture(t)
	f.addMedium(t, "A", 100)
	f.addMedium(t, "B", 200)

	_, err := f.selector.Select(context.Background(), Request{
		Family: types.FamilyTape,
		Size:   1000,
	})
	assert.ErrorIs(t, err, errdefs.ErrNoSpace)
}

func TestSelectTags(t *testing.T) {
	f := newFixture(t)
	f.addMedium(t, "PLAIN", 1000)
	f.addMedium(t, "TAGGED", 1000, "prod", "fast")

	m, err := f.selector.Select(context.Background(), Request{
		Family: types.FamilyTape,
		Size:   10,
		Tags:   []string{"prod"},
	})
	require.NoError(t, err)
	assert.Equal(t, "TAGGED", m.ID.Name)

	_, err = f.selector.Select(context.Background(), Request{
		Family: types.FamilyTape,
		Size:   10,
		Tags:   []string{"archive"},
	})
	assert.ErrorIs(t, err, errdefs.ErrNoSpace)
}

func TestSelectExcludesAlreadySelected(t *testing.T) {
	f := newFixture(t)
	a := f.addMedium(t, "A", 1000)
	f.addMedium(t, "B", 2000)

	m, err := f.selector.Select(context.Background(), Request{
		Family:  types.FamilyTape,
		Size:    500,
		Exclude: map[types.ResourceID]struct{}{a: {}},
	})
	require.NoError(t, err)
	assert.Equal(t, "B", m.ID.Name)
}

func TestSelectForeignLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addMedium(t, "A", 1000)

	require.NoError(t, f.store.Locks().Acquire(ctx, dss.LockMedium, a, "node2", 50))

	// the foreign-locked medium's free space does not count, so nothing
	// is left to fit the request
	_, err := f.selector.Select(ctx, Request{Family: types.FamilyTape, Size: 500})
	assert.ErrorIs(t, err, errdefs.ErrNoSpace)

	// with another free candidate the foreign one is bypassed
	f.addMedium(t, "B", 600)
	m, err := f.selector.Select(ctx, Request{Family: types.FamilyTape, Size: 500})
	require.NoError(t, err)
	assert.Equal(t, "B", m.ID.Name)
}

func TestSelectBusyLoadedCountsAsCapacity(t *testing.T) {
	f := newFixture(t)
	a := f.addMedium(t, "A", 1000)

	_, err := f.selector.Select(context.Background(), Request{
		Family:     types.FamilyTape,
		Size:       500,
		BusyLoaded: func(id types.ResourceID) bool { return id == a },
	})
	// capacity exists, it is just busy: Wait, not NoSpace
	assert.ErrorIs(t, err, errdefs.ErrAgain)
}

func TestSelectSkipsBlankAndFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for name, st := range map[string]types.FsStatus{"BLANK": types.FsStatusBlank, "FULL": types.FsStatusFull} {
		m := types.Medium{
			ID:          types.ResourceID{Family: types.FamilyTape, Name: name, Library: "legacy"},
			FsStatus:    st,
			AdminStatus: types.AdminUnlocked,
			PutAccess:   true,
			Space:       types.SpaceInfo{Free: 1 << 30},
		}
		require.NoError(t, f.store.Media().Set(ctx, &m))
	}

	_, err := f.selector.Select(ctx, Request{Family: types.FamilyTape, Size: 1})
	assert.ErrorIs(t, err, errdefs.ErrNoSpace)
}

func TestSelectAndLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addMedium(t, "A", 1000)

	m, err := f.selector.SelectAndLock(ctx, Request{Family: types.FamilyTape, Size: 100})
	require.NoError(t, err)
	assert.Equal(t, a, m.ID)

	cur, err := f.locks.MediumLockStatus(ctx, a)
	require.NoError(t, err)
	assert.True(t, f.locks.OwnsLock(cur))
}

func TestSelectAndLockSkipsForeignLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addMedium(t, "A", 1000)
	b := f.addMedium(t, "B", 900)

	// a competitor already holds the tight fit: the selector passes over it
	require.NoError(t, f.store.Locks().Acquire(ctx, dss.LockMedium, b, "node2", 50))

	m, err := f.selector.SelectAndLock(ctx, Request{Family: types.FamilyTape, Size: 100})
	require.NoError(t, err)
	assert.Equal(t, a, m.ID)
}
