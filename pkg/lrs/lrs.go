/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package lrs assembles the Local Resource Scheduler daemon: the DSS
// store, the lock manager, the family scheduler with its devices, the
// client socket and the admin API.
package lrs

import (
	"context"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/cea-hpc/phobos/config"
	"github.com/cea-hpc/phobos/pkg/adapters"
	"github.com/cea-hpc/phobos/pkg/comm"
	"github.com/cea-hpc/phobos/pkg/device"
	"github.com/cea-hpc/phobos/pkg/dss"
	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/lock"
	"github.com/cea-hpc/phobos/pkg/scheduler"
	"github.com/cea-hpc/phobos/pkg/system"
	"github.com/cea-hpc/phobos/pkg/types"
)

// Options overrides collaborators, mainly for tests.
type Options struct {
	// Store replaces the embedded bbolt store.
	Store dss.Store
	// Adapters replaces the family's default adapter set.
	Adapters *adapters.Set
	// Pid overrides the daemon pid used in lock stamps.
	Pid int
	// DisableAdminAPI skips the admin socket.
	DisableAdminAPI bool
}

// Daemon is one running LRS instance, bound to one family.
type Daemon struct {
	cfg    config.Config
	family types.Family

	store   dss.Store
	ownsDB  bool
	locks   *lock.Manager
	sched   *scheduler.Scheduler
	server *comm.Server
	admin  *system.Controller
	lockFd int
}

// New builds the daemon: takes the host lock file, opens the store,
// cleans stale locks and adopts the host's devices.
func New(ctx context.Context, cfg config.Config, opts Options) (*Daemon, error) {
	family := types.Family(cfg.Family)
	if !family.Valid() {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "family %q", cfg.Family)
	}

	d := &Daemon{cfg: cfg, family: family, lockFd: -1}

	if err := d.takeLockFile(); err != nil {
		return nil, err
	}

	if opts.Store != nil {
		d.store = opts.Store
	} else {
		db, err := dss.NewDatabase(cfg.RootDir)
		if err != nil {
			d.releaseLockFile()
			return nil, err
		}
		d.store = db
		d.ownsDB = true
	}

	pid := opts.Pid
	if pid == 0 {
		pid = os.Getpid()
	}
	d.locks = lock.NewManager(d.store.Locks(), cfg.Hostname, pid)

	adapterSet := opts.Adapters
	if adapterSet == nil {
		adapterSet = adapters.ForFamily(family, adapters.Options{
			LTFSCommand:    cfg.LTFSCommand,
			ChangerCommand: cfg.ChangerCommand,
			RadosCluster:   cfg.RadosCluster,
			RadosUser:      cfg.RadosUser,
			RadosConfFile:  cfg.RadosConfFile,
		})
	}

	if family == types.FamilyTape && cfg.ChangerDevice != "" {
		if err := adapterSet.Library.Open(cfg.ChangerDevice); err != nil {
			d.close()
			return nil, errors.Wrap(err, "open library")
		}
	}

	// A crashed predecessor leaves (host, pid) stamped locks behind;
	// media still sitting in our drives are re-locked during adoption.
	if err := d.locks.CleanStale(ctx, nil); err != nil {
		d.close()
		return nil, err
	}

	nbReq, written, maxAge, err := cfg.SyncFor(family)
	if err != nil {
		d.close()
		return nil, err
	}

	d.sched = scheduler.New(scheduler.Config{
		Family:      family,
		Store:       d.store,
		Locks:       d.locks,
		Adapters:    adapterSet,
		MountPrefix: cfg.MountPrefix,
		Policy:      scheduler.Policy(cfg.Policy),
		Thresholds: device.Thresholds{
			NbRequests:   nbReq,
			WrittenBytes: written,
			MaxAge:       maxAge,
		},
		DriveCompat: cfg.DriveCompat,
	})

	if err := d.adoptDevices(ctx, adapterSet); err != nil {
		d.close()
		return nil, err
	}

	d.server, err = comm.NewServer(cfg.SocketPath, d.sched.Push)
	if err != nil {
		d.close()
		return nil, err
	}

	if !opts.DisableAdminAPI {
		d.admin, err = system.NewController(d.store, []*scheduler.Scheduler{d.sched}, cfg.AdminSocket)
		if err != nil {
			d.close()
			return nil, err
		}
	}

	return d, nil
}

// adoptDevices loads the host's unlocked device records, locks them and
// starts their goroutines.
func (d *Daemon) adoptDevices(ctx context.Context, adapterSet *adapters.Set) error {
	recs, err := d.store.Devices().Get(ctx, dss.DeviceFilter{
		Family:      d.family,
		Host:        d.cfg.Hostname,
		AdminStatus: types.AdminUnlocked,
	})
	if err != nil {
		return errors.Wrap(err, "fetch host devices")
	}

	for i := range recs {
		rec := recs[i]
		if err := d.locks.RenewIfStale(ctx, dss.LockDevice, rec.ID, rec.Lock); err != nil {
			if errdefs.IsAlreadyLocked(err) {
				log.G(ctx).WithError(err).Warnf("Skipping foreign-locked device %s", rec.ID)
				continue
			}
			return err
		}

		dev, err := device.New(ctx, device.Config{
			Info:        rec,
			Adapters:    adapterSet,
			Store:       d.store,
			Locks:       d.locks,
			MountPrefix: d.cfg.MountPrefix,
			Thresholds:  d.schedThresholds(),
			Results:     d.sched.Results(),
		})
		if err != nil {
			log.G(ctx).WithError(err).Errorf("Device %s not usable", rec.ID)
			if rerr := d.locks.ReleaseDevice(ctx, rec.ID); rerr != nil && !errdefs.IsNotFound(rerr) {
				log.G(ctx).WithError(rerr).Warnf("Release device lock %s", rec.ID)
			}
			continue
		}
		d.sched.AttachDevice(ctx, dev)
		log.G(ctx).Infof("Managing device %s", rec.ID)
	}
	return nil
}

func (d *Daemon) schedThresholds() device.Thresholds {
	nbReq, written, maxAge, _ := d.cfg.SyncFor(d.family)
	return device.Thresholds{NbRequests: nbReq, WrittenBytes: written, MaxAge: maxAge}
}

// Scheduler exposes the family scheduler, e.g. for in-process clients.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.sched }

// Store exposes the DSS store backing the daemon.
func (d *Daemon) Store() dss.Store { return d.store }

// Run serves until ctx is cancelled, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(runCtx)

	eg.Go(func() error {
		d.sched.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		return d.server.Serve(egCtx)
	})
	if d.admin != nil {
		// The admin listener dies with the process; its error only
		// matters while the daemon is supposed to be up.
		go func() {
			if err := d.admin.Run(); err != nil {
				log.G(ctx).WithError(err).Warn("Admin API stopped")
			}
		}()
	}

	err := eg.Wait()
	d.close()
	return err
}

func (d *Daemon) close() {
	if d.server != nil {
		d.server.Close()
	}
	if d.store != nil && d.ownsDB {
		if err := d.store.Close(); err != nil {
			log.L.WithError(err).Warn("Close store")
		}
		d.store = nil
	}
	d.releaseLockFile()
}

// takeLockFile guards against two daemons of the same family on one
// host.
func (d *Daemon) takeLockFile() error {
	if err := os.MkdirAll(filepath.Dir(d.cfg.LockFile), 0755); err != nil {
		return err
	}
	fd, err := unix.Open(d.cfg.LockFile, unix.O_CREAT|unix.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(err, "open lock file %s", d.cfg.LockFile)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return errors.Wrapf(errdefs.ErrBusy,
			"another daemon holds %s", d.cfg.LockFile)
	}
	d.lockFd = fd
	return nil
}

func (d *Daemon) releaseLockFile() {
	if d.lockFd >= 0 {
		unix.Close(d.lockFd)
		d.lockFd = -1
	}
}
