/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package adapters

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/types"
)

const labelFileName = ".phobos_label"

// Posix serves directory media. A medium's device is the directory
// itself; "mounting" materialises a symlink under the daemon's mount
// prefix so every family exposes a root path the same way.
type Posix struct{}

func (p *Posix) Mount(_ context.Context, device, path string) (bool, error) {
	if _, err := os.Stat(device); err != nil {
		return false, errors.Wrapf(errdefs.ErrIO, "stat %s: %v", device, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, errors.Wrapf(errdefs.ErrIO, "create mount dir: %v", err)
	}
	if err := os.Symlink(device, path); err != nil {
		if os.IsExist(err) {
			return false, errors.Wrapf(errdefs.ErrBusy, "mount point %s in use", path)
		}
		return false, errors.Wrapf(errdefs.ErrIO, "link %s: %v", path, err)
	}
	readOnly := unix.Access(device, unix.W_OK) != nil
	return readOnly, nil
}

func (p *Posix) Umount(_ context.Context, _, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(errdefs.ErrIO, "unlink %s: %v", path, err)
	}
	return nil
}

func (p *Posix) Mounted(path string) (string, bool, error) {
	target, err := os.Readlink(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return target, true, nil
}

func (p *Posix) Format(_ context.Context, device, label string) (types.SpaceInfo, error) {
	if err := os.MkdirAll(device, 0700); err != nil {
		return types.SpaceInfo{}, errors.Wrapf(errdefs.ErrIO, "mkdir %s: %v", device, err)
	}
	entries, err := os.ReadDir(device)
	if err != nil {
		return types.SpaceInfo{}, errors.Wrapf(errdefs.ErrIO, "read %s: %v", device, err)
	}
	if len(entries) != 0 {
		return types.SpaceInfo{}, errors.Wrapf(errdefs.ErrInvalidState, "%s is not empty", device)
	}
	labelFile := filepath.Join(device, labelFileName)
	if err := os.WriteFile(labelFile, []byte(label), 0600); err != nil {
		return types.SpaceInfo{}, errors.Wrapf(errdefs.ErrIO, "write label: %v", err)
	}
	return p.Df(device)
}

func (p *Posix) Df(path string) (types.SpaceInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return types.SpaceInfo{}, errors.Wrapf(errdefs.ErrIO, "statfs %s: %v", path, err)
	}
	bsize := int64(st.Bsize)
	total := int64(st.Blocks) * bsize
	free := int64(st.Bavail) * bsize
	return types.SpaceInfo{
		Total: total,
		Used:  total - int64(st.Bfree)*bsize,
		Free:  free,
	}, nil
}

func (p *Posix) GetLabel(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(path, labelFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrapf(errdefs.ErrNotFound, "no label under %s", path)
		}
		return "", errors.Wrapf(errdefs.ErrIO, "read label: %v", err)
	}
	return string(data), nil
}

func (p *Posix) Sync(_ context.Context, path string) error {
	// A directory fsync is enough to persist the namespace; file data
	// is flushed by the writers themselves before release.
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(errdefs.ErrIO, "open %s: %v", path, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errors.Wrapf(errdefs.ErrIO, "sync %s: %v", path, err)
	}
	return nil
}

// LocalDevice is the device adapter of families whose "drives" are
// plain host resources addressed by name.
type LocalDevice struct {
	family types.Family
}

func (d *LocalDevice) Lookup(serial string) (string, error) {
	return serial, nil
}

func (d *LocalDevice) Query(path string) (types.Family, string, string, error) {
	return d.family, "", path, nil
}

// NoopLibrary serves families without a medium changer: every medium is
// permanently "loadable" wherever it already is.
type NoopLibrary struct{}

func (l *NoopLibrary) Open(string) error { return nil }

func (l *NoopLibrary) Close() error { return nil }

func (l *NoopLibrary) DriveLookup(serial string) (Addr, string, error) {
	return Addr{Kind: AddrDrive}, "", nil
}

func (l *NoopLibrary) MediaLookup(label string) (Addr, error) {
	return Addr{Kind: AddrSlot}, nil
}

func (l *NoopLibrary) MediaMove(src, dst Addr) error { return nil }

func (l *NoopLibrary) Scan() (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
