/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package device owns the per-drive state machine. Each managed drive
// runs one goroutine that serves a single sub-request at a time,
// walking empty -> loaded -> mounted and back, and flushes its sync
// queue once the durability thresholds are crossed.
package device

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/adapters"
	"github.com/cea-hpc/phobos/pkg/dss"
	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/lock"
	"github.com/cea-hpc/phobos/pkg/request"
	"github.com/cea-hpc/phobos/pkg/types"
)

// Result reports a finished or failed sub-request to the scheduler.
type Result struct {
	Dev *Device
	Sub *request.SubRequest
	Err error
}

// SyncEntry is one released write awaiting durability.
type SyncEntry struct {
	Cont      *request.Container
	Medium    types.ResourceID
	Written   int64
	NbObjects int64
	QueuedAt  time.Time
}

// Thresholds trigger a sync once any is crossed.
type Thresholds struct {
	NbRequests   int
	WrittenBytes int64
	MaxAge       time.Duration
}

// Config wires a device to its collaborators.
type Config struct {
	Info        types.Device
	Adapters    *adapters.Set
	Store       dss.Store
	Locks       *lock.Manager
	MountPrefix string
	Thresholds  Thresholds
	Results     chan<- Result
}

// Device is the in-memory state of one managed drive. All mutable
// fields are guarded by mu; the device goroutine is the only writer of
// the operational state, the scheduler only reserves and publishes.
type Device struct {
	cfg  Config
	addr adapters.Addr

	mu          sync.Mutex
	op          types.OpStatus
	mountPath   string
	medium      *types.Medium
	originSlot  adapters.Addr
	sub         *request.SubRequest
	ongoingIO   bool
	scheduled   bool
	syncQueue   []SyncEntry
	tosyncBytes int64

	wake chan struct{}
	done chan struct{}
}

// New builds the device state and refreshes it against the library:
// a drive already holding a mounted medium starts at mounted.
func New(ctx context.Context, cfg Config) (*Device, error) {
	d := &Device{
		cfg:  cfg,
		op:   types.OpEmpty,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	addr, loaded, err := cfg.Adapters.Library.DriveLookup(cfg.Info.Serial)
	if err != nil && !errdefs.IsNotFound(err) {
		return nil, errors.Wrapf(err, "drive lookup %s", cfg.Info.ID)
	}
	d.addr = addr

	if loaded != "" {
		if err := d.adoptLoaded(ctx, loaded); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// adoptLoaded reclaims a medium found in the drive at startup.
func (d *Device) adoptLoaded(ctx context.Context, label string) error {
	media, err := d.cfg.Store.Media().Get(ctx, dss.MediaFilter{
		Family: d.cfg.Info.ID.Family,
		Name:   label,
	})
	if err != nil {
		return errors.Wrapf(err, "fetch loaded medium %s", label)
	}
	if len(media) == 0 {
		return errors.Wrapf(errdefs.ErrNotFound, "medium %s loaded in %s has no record",
			label, d.cfg.Info.ID)
	}
	m := media[0]
	if err := d.cfg.Locks.RenewIfStale(ctx, dss.LockMedium, m.ID, m.Lock); err != nil {
		return err
	}
	d.medium = &m
	d.op = types.OpLoaded
	d.originSlot = adapters.Addr{Kind: adapters.AddrSlot, Index: -1}

	path := d.MountPath()
	fs, ok := d.cfg.Adapters.FsFor(m.FsType)
	if !ok {
		return errors.Wrapf(errdefs.ErrInvalidState, "no adapter for fs %s", m.FsType)
	}
	if _, mounted, err := fs.Mounted(path); err == nil && mounted {
		d.op = types.OpMounted
		d.mountPath = path
	}
	log.G(ctx).Infof("Device %s adopted medium %s in state %s", d.cfg.Info.ID, label, d.op)
	return nil
}

// Run is the device goroutine body. It exits when ctx is cancelled and
// the current sub-request has settled.
func (d *Device) Run(ctx context.Context) {
	defer close(d.done)
	for {
		timer := d.syncTimer()
		select {
		case <-ctx.Done():
			d.drain(context.Background())
			return
		case <-d.wake:
		case <-timer:
		}
		d.step(ctx)
	}
}

// syncTimer returns a channel firing at the oldest pending sync
// deadline, or nil when the queue is empty.
func (d *Device) syncTimer() <-chan time.Time {
	d.lock()
	defer d.unlock()
	if len(d.syncQueue) == 0 || d.cfg.Thresholds.MaxAge <= 0 {
		return nil
	}
	deadline := d.syncQueue[0].QueuedAt.Add(d.cfg.Thresholds.MaxAge)
	return time.After(time.Until(deadline))
}

// Wait blocks until the device goroutine has exited.
func (d *Device) Wait() {
	<-d.done
}

// Done is closed when the device goroutine has exited.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// SetAdminStatus updates the in-memory administrative status.
func (d *Device) SetAdminStatus(st types.AdminStatus) {
	d.lock()
	d.cfg.Info.AdminStatus = st
	d.unlock()
}

func (d *Device) lock() { d.mu.Lock() }

func (d *Device) unlock() { d.mu.Unlock() }

func (d *Device) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// ID returns the device identifier.
func (d *Device) ID() types.ResourceID { return d.cfg.Info.ID }

// Info returns the persistent record the device was built from.
func (d *Device) Info() types.Device { return d.cfg.Info }

// MountPath derives the mount point from the configured prefix.
func (d *Device) MountPath() string {
	return filepath.Join(d.cfg.MountPrefix, string(d.cfg.Info.ID.Family), d.cfg.Info.ID.Name)
}

// OpStatus returns the operational state.
func (d *Device) OpStatus() types.OpStatus {
	d.lock()
	defer d.unlock()
	return d.op
}

// Medium returns a copy of the loaded medium record, if any.
func (d *Device) Medium() *types.Medium {
	d.lock()
	defer d.unlock()
	if d.medium == nil {
		return nil
	}
	m := *d.medium
	return &m
}

// TargetMedium is the medium the device is bound to: the published
// sub-request's target when one is pending, the loaded medium
// otherwise. Schedulers use it to treat not-yet-loaded media as busy.
func (d *Device) TargetMedium() *types.Medium {
	d.lock()
	defer d.unlock()
	if d.sub != nil && d.sub.Medium != nil {
		m := *d.sub.Medium
		return &m
	}
	if d.medium == nil {
		return nil
	}
	m := *d.medium
	return &m
}

// Busy reports whether the device can not accept a new sub-request:
// failed, already holding one, reserved by the scheduler, serving
// client I/O, or carrying pending sync work.
func (d *Device) Busy() bool {
	d.lock()
	defer d.unlock()
	return d.busyLocked()
}

func (d *Device) busyLocked() bool {
	return d.op == types.OpFailed || d.sub != nil || d.scheduled ||
		d.ongoingIO || len(d.syncQueue) > 0
}

// TryReserve marks the device as being paired by the scheduler. The
// reservation holds until Publish or Unreserve.
func (d *Device) TryReserve() bool {
	d.lock()
	defer d.unlock()
	if d.busyLocked() {
		return false
	}
	d.scheduled = true
	return true
}

// Unreserve drops a reservation that did not lead to a publication.
func (d *Device) Unreserve() {
	d.lock()
	d.scheduled = false
	d.unlock()
}

// Publish hands a sub-request to the device goroutine.
func (d *Device) Publish(sub *request.SubRequest) {
	d.lock()
	d.sub = sub
	d.scheduled = false
	d.unlock()
	d.notify()
}

// FinishIO ends the client I/O phase opened by a write or read
// allocation. A write release with toSync queues a sync entry.
func (d *Device) FinishIO(entry *SyncEntry) {
	d.lock()
	d.ongoingIO = false
	if entry != nil {
		if entry.QueuedAt.IsZero() {
			entry.QueuedAt = time.Now()
		}
		d.syncQueue = append(d.syncQueue, *entry)
		d.tosyncBytes += entry.Written
	}
	d.unlock()
	d.notify()
}

// TosyncStats exposes the pending sync accounting.
func (d *Device) TosyncStats() (entries int, bytes int64, oldest time.Time) {
	d.lock()
	defer d.unlock()
	if len(d.syncQueue) > 0 {
		oldest = d.syncQueue[0].QueuedAt
	}
	return len(d.syncQueue), d.tosyncBytes, oldest
}

// DropSyncFor cancels the queued sync entries belonging to a failed
// container. Totals shrink; no response will be emitted for them.
func (d *Device) DropSyncFor(cont *request.Container) {
	d.lock()
	defer d.unlock()
	kept := d.syncQueue[:0]
	for _, e := range d.syncQueue {
		if e.Cont == cont {
			d.tosyncBytes -= e.Written
			e.Cont.CancelRelease(e.Medium)
			continue
		}
		kept = append(kept, e)
	}
	d.syncQueue = kept
}
