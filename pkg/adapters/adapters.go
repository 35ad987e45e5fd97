/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package adapters defines the narrow back-end traits the scheduler
// consumes: device lookup, library (medium changer) control and
// per-filesystem operations. Concrete adapters are registered per
// family at startup.
package adapters

import (
	"context"
	"encoding/json"

	"github.com/cea-hpc/phobos/pkg/types"
)

// AddrKind discriminates the two element classes of a library.
type AddrKind string

const (
	AddrDrive AddrKind = "drive"
	AddrSlot  AddrKind = "slot"
)

// Addr is a library element address.
type Addr struct {
	Kind  AddrKind `json:"kind"`
	Index int      `json:"index"`
}

// DeviceAdapter resolves the hardware identity of local drives.
type DeviceAdapter interface {
	// Lookup maps a serial number to the device node path.
	Lookup(serial string) (string, error)
	// Query reads the family, model and serial of a device node.
	Query(path string) (types.Family, string, string, error)
}

// LibraryAdapter drives the medium changer of one library.
type LibraryAdapter interface {
	Open(dev string) error
	Close() error
	// DriveLookup returns the drive address for a serial and, when a
	// medium sits in the drive, its label.
	DriveLookup(serial string) (Addr, string, error)
	// MediaLookup returns the current address of a labelled medium.
	MediaLookup(label string) (Addr, error)
	// MediaMove transports a medium between two addresses.
	MediaMove(src, dst Addr) error
	// Scan dumps the library state for admin tooling.
	Scan() (json.RawMessage, error)
}

// FsAdapter abstracts the filesystem family of a medium.
type FsAdapter interface {
	// Mount makes the medium's filesystem reachable under path. LTFS
	// mounts an almost-full tape read-only; readOnly reports it so the
	// caller can retarget the write.
	Mount(ctx context.Context, device, path string) (readOnly bool, err error)
	Umount(ctx context.Context, device, path string) error
	// Mounted returns the device backing path when it is a mountpoint.
	Mounted(path string) (string, bool, error)
	// Format initialises a blank medium with the given label and
	// reports the resulting space accounting.
	Format(ctx context.Context, device, label string) (types.SpaceInfo, error)
	Df(path string) (types.SpaceInfo, error)
	GetLabel(path string) (string, error)
	// Sync flushes written data so it survives an unmount or crash.
	Sync(ctx context.Context, path string) error
}

// Set bundles the adapters a family runs with.
type Set struct {
	Device  DeviceAdapter
	Library LibraryAdapter
	Fs      map[types.FsType]FsAdapter
}

// FsFor returns the filesystem adapter for a medium fs type.
func (s *Set) FsFor(t types.FsType) (FsAdapter, bool) {
	fs, ok := s.Fs[t]
	return fs, ok
}

// Options carries the external-tool knobs concrete adapters need.
type Options struct {
	// LTFS command entry point, e.g. /usr/bin/ltfs.
	LTFSCommand string
	// Changer control command, mtx compatible.
	ChangerCommand string
	// RADOS connection parameters.
	RadosCluster  string
	RadosUser     string
	RadosConfFile string
}

// ForFamily builds the default adapter set of a family.
func ForFamily(family types.Family, opts Options) *Set {
	switch family {
	case types.FamilyTape:
		return &Set{
			Device:  &SgDevice{},
			Library: NewChangerLibrary(opts.ChangerCommand),
			Fs: map[types.FsType]FsAdapter{
				types.FsLTFS: NewLTFS(opts.LTFSCommand),
			},
		}
	case types.FamilyRados:
		return &Set{
			Device:  &LocalDevice{family: types.FamilyRados},
			Library: &NoopLibrary{},
			Fs: map[types.FsType]FsAdapter{
				types.FsRados: NewRados(opts.RadosCluster, opts.RadosUser, opts.RadosConfFile),
			},
		}
	default:
		return &Set{
			Device:  &LocalDevice{family: types.FamilyDir},
			Library: &NoopLibrary{},
			Fs: map[types.FsType]FsAdapter{
				types.FsPosix: &Posix{},
			},
		}
	}
}
