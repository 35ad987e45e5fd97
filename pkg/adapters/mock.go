/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package adapters

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/types"
)

// MockLibrary is an in-memory medium changer used by tests and by the
// dry-run mode of the admin tooling.
type MockLibrary struct {
	mu sync.Mutex

	drives        map[int]string // drive index -> loaded label
	slots         map[int]string // slot index -> stored label
	driveBySerial map[string]int
	serialByPath  map[string]string

	// FailMove, when set, is returned by the next MediaMove call.
	FailMove error
	moves    int
}

func NewMockLibrary() *MockLibrary {
	return &MockLibrary{
		drives:        make(map[int]string),
		slots:         make(map[int]string),
		driveBySerial: make(map[string]int),
		serialByPath:  make(map[string]string),
	}
}

// MapDrivePath associates a device node path with a drive serial so
// MockFs can resolve what sits in the drive.
func (l *MockLibrary) MapDrivePath(path, serial string) {
	l.mu.Lock()
	l.serialByPath[path] = serial
	l.mu.Unlock()
}

// LoadedByPath returns the label loaded in the drive a device node
// points to.
func (l *MockLibrary) LoadedByPath(path string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	serial, ok := l.serialByPath[path]
	if !ok {
		return "", false
	}
	idx, ok := l.driveBySerial[serial]
	if !ok {
		return "", false
	}
	label := l.drives[idx]
	return label, label != ""
}

// AddDrive declares a drive, optionally pre-loaded with a medium.
func (l *MockLibrary) AddDrive(serial string, index int, loaded string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drives[index] = loaded
	l.driveBySerial[serial] = index
}

// AddMedium stores a medium in the first free slot.
func (l *MockLibrary) AddMedium(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; ; i++ {
		if _, used := l.slots[i]; !used {
			l.slots[i] = label
			return
		}
	}
}

// Moves returns how many transports the library executed.
func (l *MockLibrary) Moves() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.moves
}

func (l *MockLibrary) Open(string) error { return nil }

func (l *MockLibrary) Close() error { return nil }

func (l *MockLibrary) DriveLookup(serial string) (Addr, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.driveBySerial[serial]
	if !ok {
		return Addr{}, "", errors.Wrapf(errdefs.ErrNotFound, "drive serial %s", serial)
	}
	return Addr{Kind: AddrDrive, Index: idx}, l.drives[idx], nil
}

func (l *MockLibrary) MediaLookup(label string) (Addr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for idx, stored := range l.slots {
		if stored == label {
			return Addr{Kind: AddrSlot, Index: idx}, nil
		}
	}
	for idx, loaded := range l.drives {
		if loaded == label {
			return Addr{Kind: AddrDrive, Index: idx}, nil
		}
	}
	return Addr{}, errors.Wrapf(errdefs.ErrNotFound, "medium %s", label)
}

func (l *MockLibrary) MediaMove(src, dst Addr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailMove != nil {
		err := l.FailMove
		l.FailMove = nil
		return err
	}
	if src.Kind == AddrDrive && dst.Kind == AddrDrive {
		return errors.Wrapf(errdefs.ErrBusy, "drive to drive move")
	}
	var label string
	switch src.Kind {
	case AddrDrive:
		label = l.drives[src.Index]
		l.drives[src.Index] = ""
	default:
		label = l.slots[src.Index]
		delete(l.slots, src.Index)
	}
	if label == "" {
		return errors.Wrapf(errdefs.ErrNotFound, "source %v empty", src)
	}
	switch dst.Kind {
	case AddrDrive:
		if l.drives[dst.Index] != "" {
			return errors.Wrapf(errdefs.ErrBusy, "drive %d full", dst.Index)
		}
		l.drives[dst.Index] = label
	default:
		if dst.Index < 0 {
			// negative index stands for any free slot
			for i := 0; ; i++ {
				if _, used := l.slots[i]; !used {
					dst.Index = i
					break
				}
			}
		}
		if _, used := l.slots[dst.Index]; used {
			return errors.Wrapf(errdefs.ErrBusy, "slot %d full", dst.Index)
		}
		l.slots[dst.Index] = label
	}
	l.moves++
	return nil
}

func (l *MockLibrary) Scan() (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return json.Marshal(struct {
		Drives map[int]string `json:"drives"`
		Slots  map[int]string `json:"slots"`
	}{l.drives, l.slots})
}

type mockVolume struct {
	label    string
	space    types.SpaceInfo
	readOnly bool
}

// MockFs is an in-memory filesystem adapter. Volumes are keyed by
// device name; tests pre-declare them and may toggle failure modes.
type MockFs struct {
	mu sync.Mutex

	volumes map[string]*mockVolume
	mounted map[string]string // mount path -> volume key
	lib     *MockLibrary

	FailMount error
	FailSync  error
	syncs     int
}

func NewMockFs() *MockFs {
	return &MockFs{
		volumes: make(map[string]*mockVolume),
		mounted: make(map[string]string),
	}
}

// AttachLibrary resolves tape drive paths to the loaded cartridge
// label, so one drive serves different volumes over time.
func (f *MockFs) AttachLibrary(lib *MockLibrary) {
	f.mu.Lock()
	f.lib = lib
	f.mu.Unlock()
}

// resolveLocked maps a device argument to the volume key.
func (f *MockFs) resolveLocked(device string) string {
	if f.lib != nil {
		if label, ok := f.lib.LoadedByPath(device); ok {
			return label
		}
	}
	return device
}

// AddVolume declares a formatted volume on a device.
func (f *MockFs) AddVolume(device, label string, space types.SpaceInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[device] = &mockVolume{label: label, space: space}
}

// SetReadOnly makes future mounts of the device read-only.
func (f *MockFs) SetReadOnly(device string, ro bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.volumes[device]; ok {
		v.readOnly = ro
	}
}

// Syncs returns how many flushes were executed.
func (f *MockFs) Syncs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

func (f *MockFs) Mount(_ context.Context, device, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailMount != nil {
		err := f.FailMount
		f.FailMount = nil
		return false, err
	}
	key := f.resolveLocked(device)
	v, ok := f.volumes[key]
	if !ok {
		return false, errors.Wrapf(errdefs.ErrIO, "device %s has no filesystem", device)
	}
	f.mounted[path] = key
	return v.readOnly, nil
}

func (f *MockFs) Umount(_ context.Context, _, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.mounted[path]; !ok {
		return errors.Wrapf(errdefs.ErrNotFound, "%s not mounted", path)
	}
	delete(f.mounted, path)
	return nil
}

func (f *MockFs) Mounted(path string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.mounted[path]
	return dev, ok, nil
}

func (f *MockFs) Format(_ context.Context, device, label string) (types.SpaceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := f.resolveLocked(device)
	if _, ok := f.volumes[key]; ok {
		return types.SpaceInfo{}, errors.Wrapf(errdefs.ErrInvalidState,
			"device %s already formatted", device)
	}
	space := types.SpaceInfo{Total: 1 << 30, Free: 1 << 30}
	f.volumes[key] = &mockVolume{label: label, space: space}
	return space, nil
}

func (f *MockFs) Df(path string) (types.SpaceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.mounted[path]
	if !ok {
		return types.SpaceInfo{}, errors.Wrapf(errdefs.ErrNotFound, "%s not mounted", path)
	}
	return f.volumes[dev].space, nil
}

func (f *MockFs) GetLabel(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.mounted[path]
	if !ok {
		return "", errors.Wrapf(errdefs.ErrNotFound, "%s not mounted", path)
	}
	return f.volumes[dev].label, nil
}

func (f *MockFs) Sync(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSync != nil {
		err := f.FailSync
		f.FailSync = nil
		return err
	}
	if _, ok := f.mounted[path]; !ok {
		return errors.Wrapf(errdefs.ErrNotFound, "%s not mounted", path)
	}
	f.syncs++
	return nil
}
