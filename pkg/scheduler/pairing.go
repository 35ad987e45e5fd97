/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package scheduler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/device"
	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/media"
	"github.com/cea-hpc/phobos/pkg/request"
	"github.com/cea-hpc/phobos/pkg/types"
)

// Policy selects the device<->medium pairing heuristic.
type Policy string

const (
	PolicyBestFit  Policy = "best_fit"
	PolicyFirstFit Policy = "first_fit"
)

// busyLoaded reports media loaded in a device that cannot serve a new
// request; the selector skips them.
func (s *Scheduler) busyLoaded(id types.ResourceID) bool {
	for _, e := range s.devices {
		if !e.dev.Busy() {
			continue
		}
		if m := e.dev.TargetMedium(); m != nil && m.ID == id {
			return true
		}
	}
	return false
}

// compatible applies tape drive<->cartridge model compatibility from
// configuration; other families pair by name equality.
func (s *Scheduler) compatible(dev *device.Device, m *types.Medium) bool {
	if s.cfg.Family != types.FamilyTape {
		return dev.ID().Name == m.ID.Name
	}
	models, ok := s.cfg.DriveCompat[dev.Info().Model]
	if !ok {
		// no rule configured for this drive model: accept
		return true
	}
	for _, model := range models {
		if model == m.Model {
			return true
		}
	}
	return false
}

// pairWrite finds a (device, medium) pair for one write sub-request,
// trying in order: a device already mounting a fitting medium, a device
// with a fitting medium loaded, a freshly selected medium into an empty
// drive, and finally evicting the least-free drive.
func (s *Scheduler) pairWrite(ctx context.Context, sub *request.SubRequest,
	exclude map[types.ResourceID]struct{}, tags []string) (*device.Device, *types.Medium, error) {

	// (a)+(b): reuse a medium already in a drive
	if dev, m := s.findLoadedFit(sub.Size, exclude, tags); dev != nil {
		return dev, m, nil
	}

	// (c): pick a new medium for an empty (or evictable) drive
	m, err := s.selector.SelectAndLock(ctx, media.Request{
		Family:     s.cfg.Family,
		Size:       sub.Size,
		Tags:       tags,
		Exclude:    exclude,
		BusyLoaded: s.busyLoaded,
	})
	if err != nil {
		return nil, nil, err
	}

	if dev := s.findEmpty(m); dev != nil {
		return dev, m, nil
	}

	// (d): evict the least-free loaded medium
	if dev := s.selectDriveToFree(m); dev != nil {
		return dev, m, nil
	}

	if err := s.cfg.Locks.ReleaseMedium(ctx, m.ID); err != nil && !errdefs.IsNotFound(err) {
		return nil, nil, err
	}
	return nil, nil, errors.Wrapf(errdefs.ErrAgain, "no device available for medium %s", m.ID)
}

// findLoadedFit scans devices whose loaded medium can absorb the write,
// mounted media first, then media that still need a mount.
func (s *Scheduler) findLoadedFit(size int64, exclude map[types.ResourceID]struct{},
	tags []string) (*device.Device, *types.Medium) {

	if dev, m := s.findFitIn(types.OpMounted, size, exclude, tags); dev != nil {
		return dev, m
	}
	return s.findFitIn(types.OpLoaded, size, exclude, tags)
}

// findFitIn scans idle devices in state st. Best-fit picks the tightest
// fitting medium; first-fit the first one.
func (s *Scheduler) findFitIn(st types.OpStatus, size int64,
	exclude map[types.ResourceID]struct{}, tags []string) (*device.Device, *types.Medium) {

	var bestDev *device.Device
	var bestMedium *types.Medium

	for _, e := range s.devices {
		dev := e.dev
		if dev.Busy() {
			continue
		}
		if dev.OpStatus() != st {
			continue
		}
		m := dev.Medium()
		if m == nil || !m.Writable() || !m.HasTags(tags) {
			continue
		}
		if _, excluded := exclude[m.ID]; excluded {
			continue
		}
		if m.Space.Free < size {
			continue
		}
		if s.cfg.Policy == PolicyFirstFit {
			return dev, m
		}
		if bestMedium == nil || m.Space.Free < bestMedium.Space.Free {
			bestDev, bestMedium = dev, m
		}
	}
	return bestDev, bestMedium
}

// findEmpty returns a compatible idle empty device.
func (s *Scheduler) findEmpty(m *types.Medium) *device.Device {
	for _, e := range s.devices {
		dev := e.dev
		if dev.Busy() || dev.OpStatus() != types.OpEmpty {
			continue
		}
		if s.compatible(dev, m) {
			return dev
		}
	}
	return nil
}

// selectDriveToFree picks the drive whose loaded medium has the least
// free space: the one most likely nearly exhausted anyway.
func (s *Scheduler) selectDriveToFree(target *types.Medium) *device.Device {
	var victim *device.Device
	var victimFree int64
	for _, e := range s.devices {
		dev := e.dev
		if dev.Busy() {
			continue
		}
		st := dev.OpStatus()
		if st != types.OpMounted && st != types.OpLoaded {
			continue
		}
		if !s.compatible(dev, target) {
			continue
		}
		m := dev.Medium()
		if m == nil {
			continue
		}
		if victim == nil || m.Space.Free < victimFree {
			victim, victimFree = dev, m.Space.Free
		}
	}
	return victim
}

// pairRead finds the device for one named medium: the drive already
// holding it, else any compatible idle drive after locking the medium.
func (s *Scheduler) pairRead(ctx context.Context, id types.ResourceID) (*device.Device, *types.Medium, error) {
	m, err := s.cfg.Store.Media().GetOne(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if m.AdminStatus != types.AdminUnlocked || !m.GetAccess {
		return nil, nil, errors.Wrapf(errdefs.ErrPermission, "medium %s not readable", id)
	}

	for _, e := range s.devices {
		dev := e.dev
		cur := dev.Medium()
		if cur == nil || cur.ID != id {
			continue
		}
		if dev.Busy() {
			return nil, nil, errors.Wrapf(errdefs.ErrAgain, "medium %s busy in %s", id, dev.ID())
		}
		return dev, cur, nil
	}

	cur, err := s.cfg.Locks.MediumLockStatus(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.cfg.Locks.Foreign(cur) {
		return nil, nil, errors.Wrapf(errdefs.ErrAlreadyLocked,
			"medium %s held by %s:%d", id, cur.Hostname, cur.Owner)
	}
	if err := s.cfg.Locks.AcquireMedium(ctx, id); err != nil {
		return nil, nil, err
	}

	if dev := s.findEmpty(m); dev != nil {
		return dev, m, nil
	}
	if dev := s.selectDriveToFree(m); dev != nil {
		return dev, m, nil
	}
	if err := s.cfg.Locks.ReleaseMedium(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		return nil, nil, err
	}
	return nil, nil, errors.Wrapf(errdefs.ErrAgain, "no device available for medium %s", id)
}

// pairFormat locks the named medium and finds a drive for it.
func (s *Scheduler) pairFormat(ctx context.Context, f *request.SubRequest) (*device.Device, *types.Medium, error) {
	id := f.Format.ID
	m, err := s.cfg.Store.Media().GetOne(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if m.FsStatus != types.FsStatusBlank &&
		!(f.Format.Force && m.ID.Family == types.FamilyTape) {
		return nil, nil, errors.Wrapf(errdefs.ErrInvalidState,
			"medium %s has fs status %s", id, m.FsStatus)
	}

	cur, err := s.cfg.Locks.MediumLockStatus(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.cfg.Locks.Foreign(cur) {
		return nil, nil, errors.Wrapf(errdefs.ErrAlreadyLocked,
			"medium %s held by %s:%d", id, cur.Hostname, cur.Owner)
	}
	if err := s.cfg.Locks.AcquireMedium(ctx, id); err != nil {
		return nil, nil, err
	}

	for _, e := range s.devices {
		dev := e.dev
		if cur := dev.Medium(); cur != nil && cur.ID == id {
			if dev.Busy() {
				return nil, nil, errors.Wrapf(errdefs.ErrAgain, "medium %s busy in %s", id, dev.ID())
			}
			return dev, cur, nil
		}
	}
	if dev := s.findEmpty(m); dev != nil {
		return dev, m, nil
	}
	if dev := s.selectDriveToFree(m); dev != nil {
		return dev, m, nil
	}
	if err := s.cfg.Locks.ReleaseMedium(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		return nil, nil, err
	}
	return nil, nil, errors.Wrapf(errdefs.ErrAgain, "no device available for medium %s", id)
}
