/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/device"
	"github.com/cea-hpc/phobos/pkg/dss"
	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/proto"
	"github.com/cea-hpc/phobos/pkg/request"
	"github.com/cea-hpc/phobos/pkg/types"
)

// handleNotify serves device topology changes. With wait unset the
// acknowledgement is pushed immediately and the work proceeds in the
// background of the scheduler loop.
func (s *Scheduler) handleNotify(ctx context.Context, c *request.Container) {
	n := c.Req.Notify

	ack := func(err error) {
		if err != nil {
			c.Fail(err)
			return
		}
		c.Respond(&proto.Response{
			ID:     c.Req.ID,
			Kind:   proto.KindNotify,
			Notify: &proto.NotifyResp{Op: n.Op, Resource: n.Resource},
		})
	}

	switch n.Op {
	case proto.NotifyDeviceAdd:
		ack(s.deviceAdd(ctx, n.Resource))
	case proto.NotifyDeviceUnlock:
		e := s.entryFor(n.Resource)
		if e == nil {
			ack(s.deviceAdd(ctx, n.Resource))
			return
		}
		e.dev.SetAdminStatus(types.AdminUnlocked)
		if err := s.cfg.Store.Devices().UpdateAdminStatus(ctx, n.Resource, types.AdminUnlocked); err != nil {
			ack(err)
			return
		}
		ack(nil)
	case proto.NotifyDeviceLock:
		e := s.entryFor(n.Resource)
		if e == nil {
			ack(errors.Wrapf(errdefs.ErrNotFound, "device %s not managed", n.Resource))
			return
		}
		e.removing = true
		if n.Wait {
			e.notify = c
			return
		}
		ack(nil)
	default:
		ack(errors.Wrapf(errdefs.ErrProtocol, "notify op %q", n.Op))
	}
}

func (s *Scheduler) entryFor(id types.ResourceID) *devEntry {
	for _, e := range s.devices {
		if e.dev.ID() == id {
			return e
		}
	}
	return nil
}

// deviceAdd fetches the record, takes the device lock and starts the
// device goroutine.
func (s *Scheduler) deviceAdd(ctx context.Context, id types.ResourceID) error {
	if s.entryFor(id) != nil {
		return errors.Wrapf(errdefs.ErrExists, "device %s already managed", id)
	}

	recs, err := s.cfg.Store.Devices().Get(ctx, dss.DeviceFilter{
		Family:      s.cfg.Family,
		Name:        id.Name,
		Host:        s.cfg.Locks.Hostname(),
		AdminStatus: types.AdminUnlocked,
	})
	if err != nil {
		return errors.Wrapf(err, "fetch device %s", id)
	}
	if len(recs) == 0 {
		return errors.Wrapf(errdefs.ErrNotFound,
			"no unlocked device %s on host %s", id, s.cfg.Locks.Hostname())
	}
	rec := recs[0]

	if err := s.cfg.Locks.RenewIfStale(ctx, dss.LockDevice, rec.ID, rec.Lock); err != nil {
		return err
	}

	dev, err := device.New(ctx, device.Config{
		Info:        rec,
		Adapters:    s.cfg.Adapters,
		Store:       s.cfg.Store,
		Locks:       s.cfg.Locks,
		MountPrefix: s.cfg.MountPrefix,
		Thresholds:  s.cfg.Thresholds,
		Results:     s.results,
	})
	if err != nil {
		if rerr := s.cfg.Locks.ReleaseDevice(ctx, rec.ID); rerr != nil && !errdefs.IsNotFound(rerr) {
			log.G(ctx).WithError(rerr).Warnf("Release device lock %s", rec.ID)
		}
		return err
	}

	s.AttachDevice(ctx, dev)
	log.G(ctx).Infof("Device %s joined the %s scheduler", rec.ID, s.cfg.Family)
	return nil
}

// reapRemovals completes admin-lock removals once the device finished
// its ongoing work, including pending syncs.
func (s *Scheduler) reapRemovals(ctx context.Context) {
	var reaped []*devEntry
	s.devMu.Lock()
	kept := s.devices[:0]
	for _, e := range s.devices {
		if !e.removing || e.dev.Busy() {
			kept = append(kept, e)
			continue
		}
		reaped = append(reaped, e)
	}
	s.devices = kept
	s.devMu.Unlock()

	for _, e := range reaped {
		e.cancel()
		e.dev.Wait()
		s.releaseDeviceLocks(ctx, e.dev)
		log.G(ctx).Infof("Device %s left the %s scheduler", e.dev.ID(), s.cfg.Family)
		if e.notify != nil {
			n := e.notify.Req.Notify
			e.notify.Respond(&proto.Response{
				ID:     e.notify.Req.ID,
				Kind:   proto.KindNotify,
				Notify: &proto.NotifyResp{Op: n.Op, Resource: n.Resource},
			})
		}
	}
}

// configPayload is the configure request surface: the pairing policy
// and the sync thresholds can be read or adjusted at runtime.
type configPayload struct {
	Policy           *Policy `json:"policy,omitempty"`
	SyncNbRequests   *int    `json:"sync_nb_requests,omitempty"`
	SyncWrittenBytes *int64  `json:"sync_written_bytes,omitempty"`
	SyncMaxAgeMs     *int64  `json:"sync_max_age_ms,omitempty"`
}

func (s *Scheduler) handleConfigure(c *request.Container) {
	conf := c.Req.Configure
	switch conf.Op {
	case "get":
		nb := s.cfg.Thresholds.NbRequests
		wb := s.cfg.Thresholds.WrittenBytes
		age := s.cfg.Thresholds.MaxAge.Milliseconds()
		policy := s.cfg.Policy
		payload, err := json.Marshal(configPayload{
			Policy:           &policy,
			SyncNbRequests:   &nb,
			SyncWrittenBytes: &wb,
			SyncMaxAgeMs:     &age,
		})
		if err != nil {
			c.Fail(err)
			return
		}
		c.Respond(&proto.Response{
			ID:        c.Req.ID,
			Kind:      proto.KindConfigure,
			Configure: &proto.ConfigureResp{Payload: payload},
		})
	case "set":
		var p configPayload
		if err := json.Unmarshal(conf.Payload, &p); err != nil {
			c.Fail(errors.Wrapf(errdefs.ErrProtocol, "configure payload: %v", err))
			return
		}
		if p.Policy != nil {
			if *p.Policy != PolicyBestFit && *p.Policy != PolicyFirstFit {
				c.Fail(errors.Wrapf(errdefs.ErrProtocol, "policy %q", *p.Policy))
				return
			}
			s.cfg.Policy = *p.Policy
		}
		// Threshold updates only apply to devices attached afterwards;
		// running devices keep the thresholds they were built with.
		if p.SyncNbRequests != nil {
			s.cfg.Thresholds.NbRequests = *p.SyncNbRequests
		}
		if p.SyncWrittenBytes != nil {
			s.cfg.Thresholds.WrittenBytes = *p.SyncWrittenBytes
		}
		if p.SyncMaxAgeMs != nil {
			s.cfg.Thresholds.MaxAge = time.Duration(*p.SyncMaxAgeMs) * time.Millisecond
		}
		c.Respond(&proto.Response{
			ID:        c.Req.ID,
			Kind:      proto.KindConfigure,
			Configure: &proto.ConfigureResp{},
		})
	default:
		c.Fail(errors.Wrapf(errdefs.ErrProtocol, "configure op %q", conf.Op))
	}
}
