/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobos/pkg/adapters"
	"github.com/cea-hpc/phobos/pkg/dss"
	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/lock"
	"github.com/cea-hpc/phobos/pkg/proto"
	"github.com/cea-hpc/phobos/pkg/request"
	"github.com/cea-hpc/phobos/pkg/types"
)

type recorder struct {
	mu    sync.Mutex
	resps []*proto.Response
}

func (r *recorder) Push(resp *proto.Response) {
	r.mu.Lock()
	r.resps = append(r.resps, resp)
	r.mu.Unlock()
}

func (r *recorder) responses() []*proto.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*proto.Response(nil), r.resps...)
}

func (r *recorder) waitResponses(t *testing.T, n int) []*proto.Response {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if resps := r.responses(); len(resps) >= n {
			return resps
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d responses, got %d", n, len(r.responses()))
	return nil
}

type fixture struct {
	store   *dss.Database
	locks   *lock.Manager
	lib     *adapters.MockLibrary
	fs      *adapters.MockFs
	results chan Result
	cancel  context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := dss.NewDatabase(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		store:   db,
		locks:   lock.NewManager(db.Locks(), "node1", 100),
		lib:     adapters.NewMockLibrary(),
		fs:      adapters.NewMockFs(),
		results: make(chan Result, 16),
	}
	f.lib.AddDrive("sn0", 0, "")
	f.lib.MapDrivePath("/dev/nst0", "sn0")
	f.fs.AttachLibrary(f.lib)
	return f
}

func (f *fixture) adapterSet() *adapters.Set {
	return &adapters.Set{
		Device:  &adapters.SgDevice{},
		Library: f.lib,
		Fs:      map[types.FsType]adapters.FsAdapter{types.FsLTFS: f.fs},
	}
}

func tapeID(name string) types.ResourceID {
	return types.ResourceID{Family: types.FamilyTape, Name: name, Library: "legacy"}
}

func (f *fixture) addMedium(t *testing.T, name string, st types.FsStatus, free int64) types.Medium {
	t.Helper()
	m := types.Medium{
		ID:          tapeID(name),
		FsType:      types.FsLTFS,
		FsStatus:    st,
		AdminStatus: types.AdminUnlocked,
		PutAccess:   true,
		GetAccess:   true,
		Space:       types.SpaceInfo{Total: free, Free: free},
	}
	require.NoError(t, f.store.Media().Set(context.Background(), &m))
	f.lib.AddMedium(name)
	if st != types.FsStatusBlank {
		f.fs.AddVolume(name, name, m.Space)
	}
	return m
}

func (f *fixture) startDevice(t *testing.T, thresholds Thresholds) *Device {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	info := types.Device{
		ID:          tapeID("drive0"),
		Host:        "node1",
		Serial:      "sn0",
		Path:        "/dev/nst0",
		AdminStatus: types.AdminUnlocked,
	}
	require.NoError(t, f.store.Devices().Set(ctx, &info))
	require.NoError(t, f.locks.AcquireDevice(ctx, info.ID))

	dev, err := New(ctx, Config{
		Info:        info,
		Adapters:    f.adapterSet(),
		Store:       f.store,
		Locks:       f.locks,
		MountPrefix: t.TempDir(),
		Thresholds:  thresholds,
		Results:     f.results,
	})
	require.NoError(t, err)

	go dev.Run(ctx)
	t.Cleanup(func() {
		cancel()
		dev.Wait()
	})
	return dev
}

func (f *fixture) waitResult(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-f.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for device result")
		return Result{}
	}
}

func writeContainer(rec *recorder, size int64) *request.Container {
	return request.New(&proto.Request{
		ID:    "w1",
		Kind:  proto.KindWrite,
		Write: &proto.WriteAlloc{Media: []proto.WriteMedium{{Size: size}}},
	}, rec)
}

func publishWrite(t *testing.T, f *fixture, dev *Device, m types.Medium, size int64, rec *recorder) *request.SubRequest {
	t.Helper()
	require.NoError(t, f.locks.AcquireMedium(context.Background(), m.ID))
	cont := writeContainer(rec, size)
	sub := cont.Subs()[0]
	sub.Medium = &m
	require.True(t, dev.TryReserve())
	dev.Publish(sub)
	return sub
}

func TestWriteReachesIOReady(t *testing.T) {
	f := newFixture(t)
	m := f.addMedium(t, "P00001", types.FsStatusEmpty, 1000)
	dev := f.startDevice(t, Thresholds{NbRequests: 100})

	rec := &recorder{}
	publishWrite(t, f, dev, m, 100, rec)

	r := f.waitResult(t)
	require.NoError(t, r.Err)
	assert.Equal(t, types.OpMounted, dev.OpStatus())
	assert.True(t, dev.Busy(), "ongoing I/O keeps the device busy")

	resps := rec.waitResponses(t, 1)
	require.Equal(t, proto.KindWrite, resps[0].Kind)
	entry := resps[0].Write.Media[0]
	assert.Equal(t, m.ID, entry.ID)
	assert.NotEmpty(t, entry.Root)
	assert.Equal(t, int64(1000), entry.AvailSize)
}

func TestReleaseTriggersSyncOnCount(t *testing.T) {
	f := newFixture(t)
	m := f.addMedium(t, "P00001", types.FsStatusEmpty, 1000)
	dev := f.startDevice(t, Thresholds{NbRequests: 1})

	rec := &recorder{}
	publishWrite(t, f, dev, m, 100, rec)
	require.NoError(t, f.waitResult(t).Err)

	relRec := &recorder{}
	rel := request.New(&proto.Request{
		ID:   "rel1",
		Kind: proto.KindRelease,
		Release: &proto.Release{Media: []proto.ReleaseMedium{
			{ID: m.ID, SizeWritten: 100, NbObjects: 2, ToSync: true},
		}},
	}, relRec)
	dev.FinishIO(&SyncEntry{Cont: rel, Medium: m.ID, Written: 100, NbObjects: 2})

	resps := relRec.waitResponses(t, 1)
	require.Equal(t, proto.KindRelease, resps[0].Kind)
	assert.Equal(t, []types.ResourceID{m.ID}, resps[0].Release.Media)
	assert.Equal(t, 1, f.fs.Syncs())

	got, err := f.store.Media().GetOne(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(900), got.Space.Free)
	assert.Equal(t, int64(100), got.LogcWritten)
	assert.Equal(t, int64(2), got.NbObjects)
	assert.Equal(t, types.FsStatusUsed, got.FsStatus)
}

func TestExactFitMediumBecomesFull(t *testing.T) {
	f := newFixture(t)
	m := f.addMedium(t, "P00001", types.FsStatusEmpty, 100)
	dev := f.startDevice(t, Thresholds{NbRequests: 1})

	rec := &recorder{}
	publishWrite(t, f, dev, m, 100, rec)
	require.NoError(t, f.waitResult(t).Err)

	relRec := &recorder{}
	rel := request.New(&proto.Request{
		ID:   "rel1",
		Kind: proto.KindRelease,
		Release: &proto.Release{Media: []proto.ReleaseMedium{
			{ID: m.ID, SizeWritten: 100, ToSync: true},
		}},
	}, relRec)
	dev.FinishIO(&SyncEntry{Cont: rel, Medium: m.ID, Written: 100})
	relRec.waitResponses(t, 1)

	got, err := f.store.Media().GetOne(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Space.Free)
	assert.Equal(t, types.FsStatusFull, got.FsStatus)
}

func TestSyncTimerThreshold(t *testing.T) {
	f := newFixture(t)
	m := f.addMedium(t, "P00001", types.FsStatusEmpty, 1000)
	dev := f.startDevice(t, Thresholds{NbRequests: 100, MaxAge: 50 * time.Millisecond})

	rec := &recorder{}
	publishWrite(t, f, dev, m, 10, rec)
	require.NoError(t, f.waitResult(t).Err)

	relRec := &recorder{}
	rel := request.New(&proto.Request{
		ID:   "rel1",
		Kind: proto.KindRelease,
		Release: &proto.Release{Media: []proto.ReleaseMedium{
			{ID: m.ID, SizeWritten: 10, ToSync: true},
		}},
	}, relRec)
	dev.FinishIO(&SyncEntry{Cont: rel, Medium: m.ID, Written: 10})

	// no count nor byte threshold crossed: only the age timer fires
	relRec.waitResponses(t, 1)
	assert.Equal(t, 1, f.fs.Syncs())
}

func TestReadOnlyMountMarksFull(t *testing.T) {
	f := newFixture(t)
	m := f.addMedium(t, "P00001", types.FsStatusUsed, 1000)
	f.fs.SetReadOnly("P00001", true)
	dev := f.startDevice(t, Thresholds{NbRequests: 100})

	rec := &recorder{}
	sub := publishWrite(t, f, dev, m, 100, rec)

	r := f.waitResult(t)
	require.Error(t, r.Err)
	assert.True(t, errdefs.IsRetryable(r.Err))
	assert.True(t, sub.FailedOnMedium)

	got, err := f.store.Media().GetOne(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FsStatusFull, got.FsStatus)
}

func TestFormatBlankMedium(t *testing.T) {
	f := newFixture(t)
	m := f.addMedium(t, "P00001", types.FsStatusBlank, 0)
	dev := f.startDevice(t, Thresholds{NbRequests: 100})

	rec := &recorder{}
	cont := request.New(&proto.Request{
		ID:     "f1",
		Kind:   proto.KindFormat,
		Format: &proto.Format{ID: m.ID, Fs: types.FsLTFS, Unlock: true},
	}, rec)
	require.NoError(t, f.locks.AcquireMedium(context.Background(), m.ID))
	sub := cont.Subs()[0]
	sub.Medium = &m
	require.True(t, dev.TryReserve())
	dev.Publish(sub)

	require.NoError(t, f.waitResult(t).Err)
	resps := rec.waitResponses(t, 1)
	assert.Equal(t, proto.KindFormat, resps[0].Kind)

	got, err := f.store.Media().GetOne(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FsStatusEmpty, got.FsStatus)
	assert.Equal(t, "P00001", got.FsLabel)
	assert.Equal(t, types.AdminUnlocked, got.AdminStatus)
}

func TestFormatNonBlankIsRejected(t *testing.T) {
	f := newFixture(t)
	m := f.addMedium(t, "P00001", types.FsStatusUsed, 1000)
	dev := f.startDevice(t, Thresholds{NbRequests: 100})

	rec := &recorder{}
	cont := request.New(&proto.Request{
		ID:     "f1",
		Kind:   proto.KindFormat,
		Format: &proto.Format{ID: m.ID, Fs: types.FsLTFS},
	}, rec)
	require.NoError(t, f.locks.AcquireMedium(context.Background(), m.ID))
	sub := cont.Subs()[0]
	sub.Medium = &m
	require.True(t, dev.TryReserve())
	dev.Publish(sub)

	r := f.waitResult(t)
	assert.ErrorIs(t, r.Err, errdefs.ErrInvalidState)
}

func TestEvictionSwapsMedia(t *testing.T) {
	f := newFixture(t)
	a := f.addMedium(t, "P00001", types.FsStatusEmpty, 1000)
	b := f.addMedium(t, "P00002", types.FsStatusEmpty, 2000)
	dev := f.startDevice(t, Thresholds{NbRequests: 1})

	rec := &recorder{}
	publishWrite(t, f, dev, a, 10, rec)
	require.NoError(t, f.waitResult(t).Err)

	// settle the I/O so the device can swap
	relRec := &recorder{}
	rel := request.New(&proto.Request{
		ID:   "rel1",
		Kind: proto.KindRelease,
		Release: &proto.Release{Media: []proto.ReleaseMedium{
			{ID: a.ID, SizeWritten: 10, ToSync: true},
		}},
	}, relRec)
	dev.FinishIO(&SyncEntry{Cont: rel, Medium: a.ID, Written: 10})
	relRec.waitResponses(t, 1)

	rec2 := &recorder{}
	publishWrite(t, f, dev, b, 10, rec2)
	require.NoError(t, f.waitResult(t).Err)

	cur := dev.Medium()
	require.NotNil(t, cur)
	assert.Equal(t, b.ID, cur.ID)

	// the evicted medium lost its lock and sits in a slot again
	lockA, err := f.locks.MediumLockStatus(context.Background(), a.ID)
	require.NoError(t, err)
	assert.False(t, lockA.IsLocked())
	addr, err := f.lib.MediaLookup("P00001")
	require.NoError(t, err)
	assert.Equal(t, adapters.AddrSlot, addr.Kind)
}

func TestSyncFailureFailsDevice(t *testing.T) {
	f := newFixture(t)
	m := f.addMedium(t, "P00001", types.FsStatusEmpty, 1000)
	dev := f.startDevice(t, Thresholds{NbRequests: 1})

	rec := &recorder{}
	publishWrite(t, f, dev, m, 10, rec)
	require.NoError(t, f.waitResult(t).Err)

	f.fs.FailSync = errdefs.ErrIO
	relRec := &recorder{}
	rel := request.New(&proto.Request{
		ID:   "rel1",
		Kind: proto.KindRelease,
		Release: &proto.Release{Media: []proto.ReleaseMedium{
			{ID: m.ID, SizeWritten: 10, ToSync: true},
		}},
	}, relRec)
	dev.FinishIO(&SyncEntry{Cont: rel, Medium: m.ID, Written: 10})

	resps := relRec.waitResponses(t, 1)
	require.Equal(t, proto.KindError, resps[0].Kind)
	assert.Equal(t, errdefs.CodeIO, resps[0].Error.Code)

	deadline := time.Now().Add(5 * time.Second)
	for dev.OpStatus() != types.OpFailed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, types.OpFailed, dev.OpStatus())

	got, err := f.store.Devices().GetOne(context.Background(), dev.ID())
	require.NoError(t, err)
	assert.Equal(t, types.AdminFailed, got.AdminStatus)
}

func TestAdoptLoadedMedium(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := types.Medium{
		ID:          tapeID("P00001"),
		FsType:      types.FsLTFS,
		FsStatus:    types.FsStatusUsed,
		AdminStatus: types.AdminUnlocked,
		PutAccess:   true,
		Space:       types.SpaceInfo{Total: 1000, Free: 500},
	}
	require.NoError(t, f.store.Media().Set(ctx, &m))
	f.fs.AddVolume("P00001", "P00001", m.Space)

	lib := adapters.NewMockLibrary()
	lib.AddDrive("sn0", 0, "P00001")
	lib.MapDrivePath("/dev/nst0", "sn0")
	f.lib = lib
	f.fs.AttachLibrary(lib)

	info := types.Device{
		ID:     tapeID("drive0"),
		Host:   "node1",
		Serial: "sn0",
		Path:   "/dev/nst0",
	}
	dev, err := New(ctx, Config{
		Info:        info,
		Adapters:    f.adapterSet(),
		Store:       f.store,
		Locks:       f.locks,
		MountPrefix: t.TempDir(),
		Results:     f.results,
	})
	require.NoError(t, err)

	assert.Equal(t, types.OpLoaded, dev.OpStatus())
	require.NotNil(t, dev.Medium())
	assert.Equal(t, m.ID, dev.Medium().ID)

	cur, err := f.locks.MediumLockStatus(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, f.locks.OwnsLock(cur))
}
