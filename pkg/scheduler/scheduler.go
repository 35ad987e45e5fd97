/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package scheduler runs one goroutine per resource family: it admits
// client requests, pairs them with devices and media, publishes
// sub-requests to the device goroutines and settles their results.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/adapters"
	"github.com/cea-hpc/phobos/pkg/device"
	"github.com/cea-hpc/phobos/pkg/dss"
	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/lock"
	"github.com/cea-hpc/phobos/pkg/media"
	"github.com/cea-hpc/phobos/pkg/metrics"
	"github.com/cea-hpc/phobos/pkg/proto"
	"github.com/cea-hpc/phobos/pkg/request"
	"github.com/cea-hpc/phobos/pkg/types"
)

// pollInterval is the coarse scheduling tick; explicit wake-ups through
// the incoming and result channels keep the common path prompt.
const pollInterval = 100 * time.Millisecond

// Config wires a family scheduler.
type Config struct {
	Family      types.Family
	Store       dss.Store
	Locks       *lock.Manager
	Adapters    *adapters.Set
	MountPrefix string
	Policy      Policy
	Thresholds  device.Thresholds
	// DriveCompat maps a tape drive model to the cartridge models it
	// accepts.
	DriveCompat map[string][]string
	// QueueDepth bounds the incoming channel.
	QueueDepth int
}

type devEntry struct {
	dev    *device.Device
	cancel context.CancelFunc
	// removing is set once an admin lock asked for the device to
	// leave; the optional container receives the notify response.
	removing bool
	notify   *request.Container
}

// queued is one request waiting for pairing.
type queued struct {
	cont *request.Container
	// readMedia is the candidate list of a read request in the caller's
	// order. dispatchRead scans it from the start on every attempt and
	// skips media it cannot pair; failed media are neither moved to the
	// tail nor removed.
	readMedia []types.ResourceID
}

// Scheduler is the per-family request dispatcher.
type Scheduler struct {
	cfg      Config
	selector *media.Selector
	formats  *formatSet

	incoming chan *request.Container
	results  chan device.Result

	// devices is mutated by the scheduler goroutine only; devMu lets
	// the admin API snapshot it.
	devMu   sync.RWMutex
	devices []*devEntry

	// owned by the scheduler goroutine
	pending []*queued
	retryQ  []device.Result

	done chan struct{}
}

// New builds a scheduler; devices are attached before Run via
// AttachDevice or later through notify requests.
func New(cfg Config) *Scheduler {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	return &Scheduler{
		cfg:      cfg,
		selector: media.NewSelector(cfg.Store, cfg.Locks),
		formats:  newFormatSet(),
		incoming: make(chan *request.Container, cfg.QueueDepth),
		results:  make(chan device.Result, cfg.QueueDepth),
		done:     make(chan struct{}),
	}
}

// Results returns the channel device goroutines report on.
func (s *Scheduler) Results() chan<- device.Result { return s.results }

// Push hands a framed request container to the scheduler. It fails
// fast with ErrShutdown once the scheduler stopped.
func (s *Scheduler) Push(c *request.Container) {
	select {
	case <-s.done:
		c.Fail(errdefs.ErrShutdown)
	case s.incoming <- c:
	}
}

// AttachDevice registers a device created at startup and starts its
// goroutine under the given parent context.
func (s *Scheduler) AttachDevice(ctx context.Context, dev *device.Device) {
	devCtx, cancel := context.WithCancel(ctx)
	s.devMu.Lock()
	s.devices = append(s.devices, &devEntry{dev: dev, cancel: cancel})
	s.devMu.Unlock()
	metrics.ObserveDeviceState(dev.ID().Name, string(dev.OpStatus()))
	go dev.Run(devCtx)
}

// Devices snapshots the managed device list.
func (s *Scheduler) Devices() []*device.Device {
	s.devMu.RLock()
	defer s.devMu.RUnlock()
	out := make([]*device.Device, 0, len(s.devices))
	for _, e := range s.devices {
		out = append(out, e.dev)
	}
	return out
}

// Run is the scheduler goroutine body.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(context.Background())
			return
		case c := <-s.incoming:
			s.admit(ctx, c)
		case r := <-s.results:
			s.handleResult(ctx, r)
		case <-tick.C:
		}

		s.drainRetry(ctx)
		s.schedule(ctx)
		s.reapRemovals(ctx)
		s.observe()
	}
}

func (s *Scheduler) observe() {
	for _, e := range s.devices {
		name := e.dev.ID().Name
		metrics.ObserveDeviceState(name, string(e.dev.OpStatus()))
		entries, bytes, _ := e.dev.TosyncStats()
		metrics.SyncQueueEntries.WithLabelValues(name).Set(float64(entries))
		metrics.SyncQueueBytes.WithLabelValues(name).Set(float64(bytes))
	}
}

// admit validates a request and routes it: inline kinds are served on
// the spot, the rest joins the pending queue.
func (s *Scheduler) admit(ctx context.Context, c *request.Container) {
	if err := c.Req.Validate(); err != nil {
		metrics.RequestsTotal.WithLabelValues(string(c.Req.Kind), "protocol_error").Inc()
		c.Fail(err)
		return
	}

	switch c.Req.Kind {
	case proto.KindPing:
		c.Respond(&proto.Response{ID: c.Req.ID, Kind: proto.KindPing})
	case proto.KindConfigure:
		s.handleConfigure(c)
	case proto.KindNotify:
		s.handleNotify(ctx, c)
	case proto.KindRelease:
		s.handleRelease(ctx, c)
	case proto.KindFormat:
		if !s.formats.TryAdd(c.Req.Format.ID) {
			c.Fail(errors.Wrapf(errdefs.ErrAgain,
				"format of %s already in progress", c.Req.Format.ID))
			return
		}
		s.pending = append(s.pending, &queued{cont: c})
	case proto.KindRead:
		s.pending = append(s.pending, &queued{
			cont:      c,
			readMedia: append([]types.ResourceID(nil), c.Req.Read.Media...),
		})
	default: // write
		s.pending = append(s.pending, &queued{cont: c})
	}
}

// schedule walks the pending queue and tries to publish every
// sub-request of each head request. Requests that cannot be served
// right now answer Again so the client backs off and retries.
func (s *Scheduler) schedule(ctx context.Context) {
	remaining := s.pending[:0]
	for _, q := range s.pending {
		if q.cont.Failed() {
			continue
		}
		done, err := s.tryDispatch(ctx, q)
		if err == nil && !done {
			remaining = append(remaining, q)
			continue
		}
		if err != nil {
			s.failQueued(q, err)
		}
	}
	s.pending = remaining
}

func (s *Scheduler) failQueued(q *queued, err error) {
	kind := string(q.cont.Req.Kind)
	if errdefs.IsRetryable(err) {
		metrics.RequestsTotal.WithLabelValues(kind, "again").Inc()
	} else {
		metrics.RequestsTotal.WithLabelValues(kind, "error").Inc()
	}
	if q.cont.Req.Kind == proto.KindFormat {
		s.formats.Remove(q.cont.Req.Format.ID)
	}
	q.cont.Fail(err)
}

// tryDispatch pairs and publishes all sub-requests of one queued
// request. done reports the request left the queue (published).
func (s *Scheduler) tryDispatch(ctx context.Context, q *queued) (bool, error) {
	switch q.cont.Req.Kind {
	case proto.KindWrite:
		return s.dispatchWrite(ctx, q)
	case proto.KindRead:
		return s.dispatchRead(ctx, q)
	default:
		return s.dispatchFormat(ctx, q)
	}
}

type pairing struct {
	dev *device.Device
	m   *types.Medium
	sub *request.SubRequest
}

// publish commits a set of pairings atomically: every device was
// reserved during pairing.
func (s *Scheduler) publish(pairs []pairing) {
	for _, p := range pairs {
		p.sub.Medium = p.m
		p.dev.Publish(p.sub)
	}
}

// abort rolls reserved devices and freshly acquired medium locks back.
func (s *Scheduler) abort(ctx context.Context, pairs []pairing) {
	for _, p := range pairs {
		p.dev.Unreserve()
		s.releaseIfUnloaded(ctx, p.m.ID)
	}
}

// releaseIfUnloaded drops a medium lock unless a device of ours holds
// or is about to hold the medium (its goroutine then owns the lock
// lifecycle).
func (s *Scheduler) releaseIfUnloaded(ctx context.Context, id types.ResourceID) {
	for _, e := range s.devices {
		if m := e.dev.TargetMedium(); m != nil && m.ID == id {
			return
		}
	}
	if err := s.cfg.Locks.ReleaseMedium(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		log.G(ctx).WithError(err).Warnf("Release medium lock %s", id)
	}
}

func (s *Scheduler) dispatchWrite(ctx context.Context, q *queued) (bool, error) {
	exclude := make(map[types.ResourceID]struct{})
	var pairs []pairing

	for _, sub := range q.cont.Subs() {
		tags := q.cont.Req.Write.Media[sub.MediumIndex].Tags
		dev, m, err := s.pairWrite(ctx, sub, exclude, tags)
		if err != nil {
			s.abort(ctx, pairs)
			return false, err
		}
		if !dev.TryReserve() {
			s.abort(ctx, pairs)
			s.releaseIfUnloaded(ctx, m.ID)
			return false, errors.Wrapf(errdefs.ErrAgain, "device %s got busy", dev.ID())
		}
		exclude[m.ID] = struct{}{}
		pairs = append(pairs, pairing{dev: dev, m: m, sub: sub})
	}

	s.publish(pairs)
	return true, nil
}

func (s *Scheduler) dispatchRead(ctx context.Context, q *queued) (bool, error) {
	var pairs []pairing
	var lastErr error
	candidates := q.readMedia

	subs := q.cont.Subs()
	next := 0
	for _, sub := range subs {
		paired := false
		for next < len(candidates) {
			id := candidates[next]
			next++
			dev, m, err := s.pairRead(ctx, id)
			if err != nil {
				// transiently unavailable or dead candidate: skip it,
				// the client's retry starts from a fresh scan
				lastErr = err
				continue
			}
			if !dev.TryReserve() {
				lastErr = errors.Wrapf(errdefs.ErrAgain, "device %s got busy", dev.ID())
				continue
			}
			pairs = append(pairs, pairing{dev: dev, m: m, sub: sub})
			paired = true
			break
		}
		if !paired {
			s.abort(ctx, pairs)
			if lastErr == nil {
				lastErr = errors.Wrapf(errdefs.ErrNoDevice,
					"%d media required, none available", q.cont.Req.Read.NRequired)
			}
			return false, lastErr
		}
	}

	s.publish(pairs)
	return true, nil
}

func (s *Scheduler) dispatchFormat(ctx context.Context, q *queued) (bool, error) {
	sub := q.cont.Subs()[0]
	dev, m, err := s.pairFormat(ctx, sub)
	if err != nil {
		return false, err
	}
	if !dev.TryReserve() {
		s.releaseIfUnloaded(ctx, m.ID)
		return false, errors.Wrapf(errdefs.ErrAgain, "device %s got busy", dev.ID())
	}
	s.publish([]pairing{{dev: dev, m: m, sub: sub}})
	return true, nil
}

// handleResult settles what a device reported back.
func (s *Scheduler) handleResult(ctx context.Context, r device.Result) {
	sub := r.Sub
	kind := string(sub.Cont.Req.Kind)

	switch {
	case r.Err == nil:
		if sub.Op == request.OpFormat {
			s.formats.Remove(sub.Format.ID)
		}
		metrics.RequestsTotal.WithLabelValues(kind, "ok").Inc()
		metrics.RequestDuration.WithLabelValues(kind).
			Observe(time.Since(sub.Cont.ReceivedAt).Seconds())
	case errdefs.IsRetryable(r.Err):
		log.G(ctx).WithError(r.Err).Debugf("Sub-request %s/%d retried",
			sub.Cont.Req.ID, sub.MediumIndex)
		s.retryQ = append(s.retryQ, r)
	default:
		if sub.Op == request.OpFormat {
			s.formats.Remove(sub.Format.ID)
		}
		metrics.RequestsTotal.WithLabelValues(kind, "error").Inc()
		if sub.Cont.FailSub(sub, r.Err) {
			s.dropSyncOf(sub.Cont)
		}
		if sub.Medium != nil {
			s.releaseIfUnloaded(ctx, sub.Medium.ID)
		}
	}
}

// dropSyncOf cancels queued sync entries of a failed request on every
// device.
func (s *Scheduler) dropSyncOf(cont *request.Container) {
	for _, e := range s.devices {
		e.dev.DropSyncFor(cont)
	}
}

// drainRetry re-pairs sub-requests that hit a recoverable device error.
func (s *Scheduler) drainRetry(ctx context.Context) {
	if len(s.retryQ) == 0 {
		return
	}
	queue := s.retryQ
	s.retryQ = nil

	for _, r := range queue {
		sub := r.Sub
		if sub.Cont.Failed() {
			continue
		}
		if err := s.retryPair(ctx, sub); err != nil {
			if errdefs.IsRetryable(err) {
				s.retryQ = append(s.retryQ, r)
				continue
			}
			if sub.Cont.FailSub(sub, err) {
				s.dropSyncOf(sub.Cont)
			}
			if sub.Op == request.OpFormat {
				s.formats.Remove(sub.Format.ID)
			}
		}
	}
}

// retryPair finds a new home for one retried sub-request. A
// failure-on-medium retry excludes the bad medium and releases it.
func (s *Scheduler) retryPair(ctx context.Context, sub *request.SubRequest) error {
	exclude := make(map[types.ResourceID]struct{})
	for _, sibling := range sub.Cont.Subs() {
		if sibling != sub && sibling.Medium != nil {
			exclude[sibling.Medium.ID] = struct{}{}
		}
	}
	badMedium := sub.FailedOnMedium && sub.Medium != nil
	if badMedium {
		exclude[sub.Medium.ID] = struct{}{}
		s.releaseIfUnloaded(ctx, sub.Medium.ID)
		sub.FailedOnMedium = false
	}

	var dev *device.Device
	var m *types.Medium
	var err error

	switch sub.Op {
	case request.OpWrite:
		tags := sub.Cont.Req.Write.Media[sub.MediumIndex].Tags
		dev, m, err = s.pairWrite(ctx, sub, exclude, tags)
	case request.OpRead:
		target := sub.Medium.ID
		if badMedium {
			found := false
			for _, cand := range sub.Cont.Req.Read.Media {
				if cand == target {
					continue
				}
				if _, used := exclude[cand]; used {
					continue
				}
				target, found = cand, true
				break
			}
			if !found {
				return errors.Wrapf(errdefs.ErrNoDevice,
					"no remaining medium to read from")
			}
		}
		dev, m, err = s.pairRead(ctx, target)
	default:
		dev, m, err = s.pairFormat(ctx, sub)
	}
	if err != nil {
		return err
	}
	if !dev.TryReserve() {
		s.releaseIfUnloaded(ctx, m.ID)
		return errors.Wrapf(errdefs.ErrAgain, "device %s got busy", dev.ID())
	}
	s.publish([]pairing{{dev: dev, m: m, sub: sub}})
	return nil
}

// handleRelease routes each released medium to the device serving it.
// Write releases with to_sync join the device sync queue; everything
// else settles immediately.
func (s *Scheduler) handleRelease(ctx context.Context, c *request.Container) {
	for _, rel := range c.Req.Release.Media {
		dev := s.deviceHolding(rel.ID)
		if dev == nil {
			log.G(ctx).Warnf("Release of %s: no device holds it", rel.ID)
			c.CompleteRelease(rel.ID)
			continue
		}
		if rel.Rc != 0 {
			_ = s.cfg.Store.Logs().Emit(ctx, dss.LogRecord{
				Resource: rel.ID,
				Cause:    "client I/O failure",
				Errno:    rel.Rc,
			})
			dev.FinishIO(nil)
			c.CompleteRelease(rel.ID)
			continue
		}
		if !rel.ToSync {
			dev.FinishIO(nil)
			c.CompleteRelease(rel.ID)
			continue
		}
		dev.FinishIO(&device.SyncEntry{
			Cont:      c,
			Medium:    rel.ID,
			Written:   rel.SizeWritten,
			NbObjects: rel.NbObjects,
		})
	}
}

func (s *Scheduler) deviceHolding(id types.ResourceID) *device.Device {
	for _, e := range s.devices {
		if m := e.dev.Medium(); m != nil && m.ID == id {
			return e.dev
		}
	}
	return nil
}

// shutdown cancels everything still in flight and stops the devices.
func (s *Scheduler) shutdown(ctx context.Context) {
	log.G(ctx).Infof("Scheduler %s shutting down", s.cfg.Family)

	for _, q := range s.pending {
		q.cont.Fail(errdefs.ErrShutdown)
	}
	s.pending = nil
	for _, r := range s.retryQ {
		r.Sub.Cont.FailSub(r.Sub, errdefs.ErrShutdown)
	}
	s.retryQ = nil

	// non-blocking drain of the incoming queue
	for {
		select {
		case c := <-s.incoming:
			c.Fail(errdefs.ErrShutdown)
			continue
		default:
		}
		break
	}

	for _, e := range s.devices {
		e.cancel()
	}
	for _, e := range s.devices {
	wait:
		for {
			select {
			case r := <-s.results:
				if r.Err != nil {
					r.Sub.Cont.FailSub(r.Sub, errdefs.ErrShutdown)
				}
			case <-e.dev.Done():
				break wait
			}
		}
		s.releaseDeviceLocks(ctx, e.dev)
	}
}

// releaseDeviceLocks drops the DSS locks a stopped device held.
func (s *Scheduler) releaseDeviceLocks(ctx context.Context, dev *device.Device) {
	if m := dev.Medium(); m != nil {
		if err := s.cfg.Locks.ReleaseMedium(ctx, m.ID); err != nil && !errdefs.IsNotFound(err) {
			log.G(ctx).WithError(err).Warnf("Release medium lock %s", m.ID)
		}
	}
	if err := s.cfg.Locks.ReleaseDevice(ctx, dev.ID()); err != nil && !errdefs.IsNotFound(err) {
		log.G(ctx).WithError(err).Warnf("Release device lock %s", dev.ID())
	}
}
