/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package device

import (
	"context"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/dss"
	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/metrics"
	"github.com/cea-hpc/phobos/pkg/proto"
	"github.com/cea-hpc/phobos/pkg/request"
	"github.com/cea-hpc/phobos/pkg/types"
)

// step performs one round of device work: flush the sync queue when due,
// then serve the published sub-request if any.
func (d *Device) step(ctx context.Context) {
	if d.syncDue() {
		d.doSync(ctx)
	}

	d.lock()
	sub := d.sub
	d.unlock()
	if sub == nil {
		return
	}

	err := d.serve(ctx, sub)

	d.lock()
	d.sub = nil
	d.unlock()

	d.cfg.Results <- Result{Dev: d, Sub: sub, Err: err}
}

// drain settles what is left at shutdown: pending syncs are flushed so
// acknowledged releases are not lost, the held sub-request is failed.
func (d *Device) drain(ctx context.Context) {
	if d.syncPending() {
		d.doSync(ctx)
	}
	d.lock()
	sub := d.sub
	d.sub = nil
	d.unlock()
	if sub != nil {
		sub.Cont.FailSub(sub, errdefs.ErrShutdown)
	}
}

func (d *Device) syncPending() bool {
	d.lock()
	defer d.unlock()
	return len(d.syncQueue) > 0 && !d.ongoingIO
}

// syncDue applies the three per-family thresholds.
func (d *Device) syncDue() bool {
	d.lock()
	defer d.unlock()
	if len(d.syncQueue) == 0 || d.ongoingIO {
		return false
	}
	t := d.cfg.Thresholds
	if t.NbRequests > 0 && len(d.syncQueue) >= t.NbRequests {
		return true
	}
	if t.WrittenBytes > 0 && d.tosyncBytes >= t.WrittenBytes {
		return true
	}
	if t.MaxAge > 0 && time.Since(d.syncQueue[0].QueuedAt) >= t.MaxAge {
		return true
	}
	return false
}

// serve walks the state machine until the sub-request's medium is
// ready, then performs the operation. Retryable errors bubble up to
// the scheduler; hard back-end errors fail the device.
func (d *Device) serve(ctx context.Context, sub *request.SubRequest) error {
	if d.OpStatus() == types.OpFailed {
		return errors.Wrapf(errdefs.ErrNoDevice, "device %s failed", d.ID())
	}
	if sub.Cont.Failed() {
		// A sibling already failed the request.
		return nil
	}

	target := sub.Medium

	cur := d.Medium()
	if cur != nil && cur.ID != target.ID {
		if err := d.freeCurrent(ctx); err != nil {
			return err
		}
	}

	if d.OpStatus() == types.OpEmpty {
		if err := d.load(ctx, target); err != nil {
			return err
		}
	}

	switch sub.Op {
	case request.OpFormat:
		return d.format(ctx, sub)
	case request.OpWrite:
		return d.serveIO(ctx, sub, true)
	default:
		return d.serveIO(ctx, sub, false)
	}
}

// freeCurrent evicts the loaded medium to make room for another one.
// Pending sync work forbids the unmount; the scheduler never pairs a
// medium change onto such a device.
func (d *Device) freeCurrent(ctx context.Context) error {
	d.lock()
	pending := len(d.syncQueue) > 0
	d.unlock()
	if pending {
		return errors.Wrapf(errdefs.ErrBusy, "device %s has pending sync work", d.ID())
	}
	if d.OpStatus() == types.OpMounted {
		if err := d.umount(ctx); err != nil {
			return err
		}
	}
	return d.unload(ctx)
}

// load moves the target medium into the drive.
func (d *Device) load(ctx context.Context, m *types.Medium) error {
	src, err := d.cfg.Adapters.Library.MediaLookup(m.ID.Name)
	if err != nil {
		return errors.Wrapf(err, "locate medium %s", m.ID)
	}
	if err := d.cfg.Adapters.Library.MediaMove(src, d.addr); err != nil {
		if errdefs.IsRetryable(err) {
			// Another drive still holds the medium; retried later.
			return err
		}
		return d.fail(ctx, errors.Wrapf(err, "load %s into %s", m.ID, d.ID()))
	}
	d.lock()
	mm := *m
	d.medium = &mm
	d.op = types.OpLoaded
	d.originSlot = src
	d.unlock()
	log.G(ctx).Debugf("Device %s loaded medium %s", d.ID(), m.ID)
	return nil
}

// unload moves the medium back to a slot and releases its lock.
func (d *Device) unload(ctx context.Context) error {
	d.lock()
	m := d.medium
	slot := d.originSlot
	d.unlock()
	if m == nil {
		return nil
	}
	if err := d.cfg.Adapters.Library.MediaMove(d.addr, slot); err != nil {
		return d.fail(ctx, errors.Wrapf(err, "unload %s from %s", m.ID, d.ID()))
	}
	if err := d.cfg.Locks.ReleaseMedium(ctx, m.ID); err != nil && !errdefs.IsNotFound(err) {
		log.G(ctx).WithError(err).Warnf("Release lock of unloaded medium %s", m.ID)
	}
	d.lock()
	d.medium = nil
	d.op = types.OpEmpty
	d.unlock()
	log.G(ctx).Debugf("Device %s unloaded medium %s", d.ID(), m.ID)
	return nil
}

// mount makes the loaded medium's filesystem reachable. A read-only
// mount of a supposedly writable medium marks it full so the write can
// be retargeted.
func (d *Device) mount(ctx context.Context, sub *request.SubRequest) error {
	m := d.Medium()
	fs, ok := d.cfg.Adapters.FsFor(m.FsType)
	if !ok {
		return errors.Wrapf(errdefs.ErrInvalidState, "no adapter for fs %s", m.FsType)
	}
	path := d.MountPath()
	readOnly, err := fs.Mount(ctx, d.mediumDevice(m), path)
	if err != nil {
		return d.fail(ctx, errors.Wrapf(err, "mount %s on %s", m.ID, d.ID()))
	}
	d.lock()
	d.op = types.OpMounted
	d.mountPath = path
	d.unlock()

	if readOnly && sub.Op == request.OpWrite {
		st := types.FsStatusFull
		if err := d.cfg.Store.Media().Update(ctx, m.ID, dss.MediumUpdate{FsStatus: &st}); err != nil {
			log.G(ctx).WithError(err).Warnf("Mark read-only medium %s full", m.ID)
		}
		d.lock()
		if d.medium != nil {
			d.medium.FsStatus = st
		}
		d.unlock()
		sub.FailedOnMedium = true
		return errors.Wrapf(errdefs.ErrAgain, "medium %s mounted read-only", m.ID)
	}
	return nil
}

// mediumDevice maps the medium to what the fs adapter calls a device:
// the drive path for tape, the medium name (directory path, pool name)
// otherwise.
func (d *Device) mediumDevice(m *types.Medium) string {
	if m.ID.Family == types.FamilyTape {
		return d.cfg.Info.Path
	}
	return m.ID.Name
}

// umount requires all sync commitments settled.
func (d *Device) umount(ctx context.Context) error {
	m := d.Medium()
	fs, _ := d.cfg.Adapters.FsFor(m.FsType)
	if err := fs.Umount(ctx, d.mediumDevice(m), d.mountPath); err != nil {
		return d.fail(ctx, errors.Wrapf(err, "umount %s from %s", m.ID, d.ID()))
	}
	d.lock()
	d.op = types.OpLoaded
	d.mountPath = ""
	d.unlock()
	return nil
}

// serveIO brings the medium to the I/O-ready state and completes the
// sub-request with its mount information.
func (d *Device) serveIO(ctx context.Context, sub *request.SubRequest, write bool) error {
	if d.OpStatus() == types.OpLoaded {
		if err := d.mount(ctx, sub); err != nil {
			return err
		}
	}

	m := d.Medium()
	fs, _ := d.cfg.Adapters.FsFor(m.FsType)
	info := proto.MediumInfo{
		ID:       m.ID,
		Root:     d.mountPath,
		FsType:   m.FsType,
		AddrType: addrTypeFor(m.FsType),
	}
	if write {
		if space, err := fs.Df(d.mountPath); err == nil {
			info.AvailSize = space.Free
			d.lock()
			d.medium.Space = space
			d.unlock()
		} else {
			info.AvailSize = m.Space.Free
		}
	}

	d.lock()
	d.ongoingIO = true
	d.unlock()
	if !sub.Cont.CompleteSub(sub, info) && sub.Cont.Failed() {
		// A sibling already failed the request; no I/O will follow.
		d.lock()
		d.ongoingIO = false
		d.unlock()
	}
	return nil
}

func addrTypeFor(t types.FsType) types.AddrType {
	switch t {
	case types.FsRados:
		return types.AddrOpaque
	default:
		return types.AddrPath
	}
}

// format initialises the loaded blank medium.
func (d *Device) format(ctx context.Context, sub *request.SubRequest) error {
	m := d.Medium()
	params := sub.Format

	if m.FsStatus != types.FsStatusBlank &&
		!(params.Force && m.ID.Family == types.FamilyTape) {
		return errors.Wrapf(errdefs.ErrInvalidState,
			"medium %s has fs status %s", m.ID, m.FsStatus)
	}

	fs, ok := d.cfg.Adapters.FsFor(params.Fs)
	if !ok {
		return errors.Wrapf(errdefs.ErrInvalidState, "no adapter for fs %s", params.Fs)
	}
	space, err := fs.Format(ctx, d.mediumDevice(m), m.ID.Name)
	if err != nil {
		return d.fail(ctx, errors.Wrapf(err, "format %s on %s", m.ID, d.ID()))
	}

	st := types.FsStatusEmpty
	label := m.ID.Name
	upd := dss.MediumUpdate{FsStatus: &st, FsLabel: &label}
	if space.Total > 0 {
		upd.Space = &space
	}
	if params.Unlock {
		unlocked := types.AdminUnlocked
		upd.AdminStatus = &unlocked
	}
	if err := d.cfg.Store.Media().Update(ctx, m.ID, upd); err != nil {
		return errors.Wrapf(err, "record format of %s", m.ID)
	}

	d.lock()
	d.medium.FsType = params.Fs
	d.medium.FsStatus = st
	d.medium.FsLabel = label
	if space.Total > 0 {
		d.medium.Space = space
	}
	if params.Unlock {
		d.medium.AdminStatus = types.AdminUnlocked
	}
	d.unlock()

	sub.Cont.CompleteSub(sub, proto.MediumInfo{ID: m.ID, FsType: params.Fs})
	log.G(ctx).Infof("Device %s formatted medium %s as %s", d.ID(), m.ID, params.Fs)
	return nil
}

// doSync flushes the filesystem and settles every queued release.
func (d *Device) doSync(ctx context.Context) {
	d.lock()
	queue := d.syncQueue
	d.syncQueue = nil
	d.tosyncBytes = 0
	path := d.mountPath
	m := d.medium
	d.unlock()

	if len(queue) == 0 || m == nil {
		return
	}

	fs, ok := d.cfg.Adapters.FsFor(m.FsType)
	if !ok {
		d.failSync(ctx, queue, errors.Wrapf(errdefs.ErrInvalidState,
			"no adapter for fs %s", m.FsType))
		return
	}
	if err := fs.Sync(ctx, path); err != nil {
		metrics.SyncsTotal.WithLabelValues("error").Inc()
		d.failSync(ctx, queue, errors.Wrapf(err, "sync %s", m.ID))
		return
	}
	metrics.SyncsTotal.WithLabelValues("ok").Inc()

	var written, objects int64
	for _, e := range queue {
		if e.Cont.Failed() {
			continue
		}
		written += e.Written
		objects += e.NbObjects
	}
	if err := d.recordSync(ctx, m, written, objects); err != nil {
		log.G(ctx).WithError(err).Errorf("Record sync of %s", m.ID)
	}

	for _, e := range queue {
		if e.Cont.Failed() {
			e.Cont.CancelRelease(e.Medium)
			continue
		}
		e.Cont.CompleteRelease(e.Medium)
	}
	log.G(ctx).Debugf("Device %s synced %d entries, %d bytes", d.ID(), len(queue), written)
}

// recordSync updates the medium accounting in DSS after a flush.
func (d *Device) recordSync(ctx context.Context, m *types.Medium, written, objects int64) error {
	space := m.Space
	space.Free -= written
	if space.Free < 0 {
		space.Free = 0
	}
	space.Used += written
	logc := m.LogcWritten + written
	nbObj := m.NbObjects + objects
	st := types.FsStatusUsed
	if space.Free == 0 {
		st = types.FsStatusFull
	}

	upd := dss.MediumUpdate{
		Space:       &space,
		LogcWritten: &logc,
		NbObjects:   &nbObj,
		FsStatus:    &st,
	}
	if err := d.cfg.Store.Media().Update(ctx, m.ID, upd); err != nil {
		return err
	}

	d.lock()
	if d.medium != nil && d.medium.ID == m.ID {
		d.medium.Space = space
		d.medium.LogcWritten = logc
		d.medium.NbObjects = nbObj
		d.medium.FsStatus = st
	}
	d.unlock()
	return nil
}

// failSync marks the device failed and propagates the error to every
// queued release.
func (d *Device) failSync(ctx context.Context, queue []SyncEntry, err error) {
	for _, e := range queue {
		e.Cont.Fail(errors.Wrap(errdefs.ErrIO, err.Error()))
	}
	_ = d.fail(ctx, err)
}

// fail is the terminal transition: the device leaves the usable set,
// its DSS record is marked failed and its locks are dropped.
func (d *Device) fail(ctx context.Context, cause error) error {
	log.G(ctx).WithError(cause).Errorf("Device %s failed", d.ID())

	d.lock()
	m := d.medium
	d.op = types.OpFailed
	d.medium = nil
	d.mountPath = ""
	d.unlock()

	if err := d.cfg.Store.Devices().UpdateAdminStatus(ctx, d.ID(), types.AdminFailed); err != nil {
		log.G(ctx).WithError(err).Warnf("Mark device %s failed in store", d.ID())
	}
	_ = d.cfg.Store.Logs().Emit(ctx, dss.LogRecord{
		Resource: d.ID(),
		Cause:    "device failure",
		Message:  cause.Error(),
		Errno:    errdefs.Code(cause),
	})

	if m != nil {
		if err := d.cfg.Locks.ReleaseMedium(ctx, m.ID); err != nil && !errdefs.IsNotFound(err) {
			log.G(ctx).WithError(err).Warnf("Release medium lock %s", m.ID)
		}
	}
	if err := d.cfg.Locks.ReleaseDevice(ctx, d.ID()); err != nil && !errdefs.IsNotFound(err) {
		log.G(ctx).WithError(err).Warnf("Release device lock %s", d.ID())
	}

	if errors.Is(cause, errdefs.ErrIO) {
		return cause
	}
	return errors.Wrap(errdefs.ErrIO, cause.Error())
}
