/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package adapters

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/types"
)

const defaultLTFSCommand = "/usr/bin/ltfs"

// LTFS drives the LTFS reference implementation through its command
// line front end. Format goes through mkltfs living next to the ltfs
// binary.
type LTFS struct {
	command string
}

func NewLTFS(command string) *LTFS {
	if command == "" {
		command = defaultLTFSCommand
	}
	return &LTFS{command: command}
}

func (l *LTFS) run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(errdefs.ErrIO, "%s %s: %v: %s",
			bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (l *LTFS) Mount(ctx context.Context, device, path string) (bool, error) {
	if err := os.MkdirAll(path, 0750); err != nil {
		return false, errors.Wrapf(errdefs.ErrIO, "create mount point %s: %v", path, err)
	}
	if _, err := l.run(ctx, l.command, "-o", "devname="+device, path); err != nil {
		return false, err
	}
	// LTFS silently falls back to a read-only mount when the tape is
	// almost full.
	readOnly := unix.Access(path, unix.W_OK) != nil
	return readOnly, nil
}

func (l *LTFS) Umount(ctx context.Context, _, path string) error {
	if _, err := l.run(ctx, "umount", path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.G(ctx).Warnf("Leaving mount point %s behind: %v", path, err)
	}
	return nil
}

func (l *LTFS) Mounted(path string) (string, bool, error) {
	var st, parent unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if err := unix.Stat(parentDir(path), &parent); err != nil {
		return "", false, err
	}
	if st.Dev != parent.Dev {
		return path, true, nil
	}
	return "", false, nil
}

func parentDir(path string) string {
	i := strings.LastIndexByte(strings.TrimRight(path, "/"), '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func (l *LTFS) Format(ctx context.Context, device, label string) (types.SpaceInfo, error) {
	mkltfs := strings.TrimSuffix(l.command, "ltfs") + "mkltfs"
	if _, err := l.run(ctx, mkltfs, "-d", device, "-n", label, "--force"); err != nil {
		return types.SpaceInfo{}, err
	}
	// mkltfs reports capacity only on verbose output; a mount+statfs
	// round trip would be wasteful here, the caller refreshes space on
	// first mount anyway.
	return types.SpaceInfo{}, nil
}

func (l *LTFS) Df(path string) (types.SpaceInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return types.SpaceInfo{}, errors.Wrapf(errdefs.ErrIO, "statfs %s: %v", path, err)
	}
	bsize := int64(st.Bsize)
	total := int64(st.Blocks) * bsize
	return types.SpaceInfo{
		Total: total,
		Used:  total - int64(st.Bfree)*bsize,
		Free:  int64(st.Bavail) * bsize,
	}, nil
}

func (l *LTFS) GetLabel(path string) (string, error) {
	// LTFS exposes the volume name as an extended attribute on the
	// mount root.
	buf := make([]byte, 256)
	n, err := unix.Getxattr(path, "user.ltfs.volumeName", buf)
	if err != nil {
		return "", errors.Wrapf(errdefs.ErrIO, "read volume name of %s: %v", path, err)
	}
	return string(buf[:n]), nil
}

func (l *LTFS) Sync(ctx context.Context, path string) error {
	// Triggering an LTFS index flush goes through the dedicated xattr.
	if err := unix.Setxattr(path, "user.ltfs.sync", []byte("1"), 0); err != nil {
		return errors.Wrapf(errdefs.ErrIO, "sync %s: %v", path, err)
	}
	return nil
}

// SgDevice resolves tape drives through the Linux sg/st sysfs naming.
type SgDevice struct{}

func (d *SgDevice) Lookup(serial string) (string, error) {
	// Serial-to-path resolution walks /sys/class/scsi_tape.
	entries, err := os.ReadDir("/sys/class/scsi_tape")
	if err != nil {
		return "", errors.Wrapf(errdefs.ErrIO, "scan scsi_tape class: %v", err)
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "nst") && strings.Count(name, "n") == 1 {
			data, err := os.ReadFile("/sys/class/scsi_tape/" + name + "/device/vpd_pg80")
			if err != nil {
				continue
			}
			if strings.Contains(string(data), serial) {
				return "/dev/" + name, nil
			}
		}
	}
	return "", errors.Wrapf(errdefs.ErrNotFound, "no tape drive with serial %s", serial)
}

func (d *SgDevice) Query(path string) (types.Family, string, string, error) {
	base := strings.TrimPrefix(path, "/dev/")
	sysdir := "/sys/class/scsi_tape/" + base + "/device/"
	model, err := os.ReadFile(sysdir + "model")
	if err != nil {
		return "", "", "", errors.Wrapf(errdefs.ErrIO, "read model of %s: %v", path, err)
	}
	serial, err := os.ReadFile(sysdir + "vpd_pg80")
	if err != nil {
		return "", "", "", errors.Wrapf(errdefs.ErrIO, "read serial of %s: %v", path, err)
	}
	return types.FamilyTape, strings.TrimSpace(string(model)),
		strings.TrimSpace(string(serial)), nil
}
