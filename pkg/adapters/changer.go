/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package adapters

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/errdefs"
)

const defaultChangerCommand = "/usr/sbin/mtx"

// ChangerLibrary drives a SCSI medium changer through an mtx-compatible
// control command. One instance serialises access to one changer; the
// SCSI protocol does not admit concurrent moves on a single arm.
type ChangerLibrary struct {
	command string

	mu  sync.Mutex
	dev string

	// element state from the last status scan
	drives map[int]string // drive index -> loaded label ("" when empty)
	slots  map[int]string // slot index -> stored label
}

func NewChangerLibrary(command string) *ChangerLibrary {
	if command == "" {
		command = defaultChangerCommand
	}
	return &ChangerLibrary{command: command}
}

func (c *ChangerLibrary) Open(dev string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dev = dev
	return c.refreshLocked()
}

func (c *ChangerLibrary) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dev = ""
	c.drives, c.slots = nil, nil
	return nil
}

func (c *ChangerLibrary) run(args ...string) (string, error) {
	cmd := exec.Command(c.command, append([]string{"-f", c.dev}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(errdefs.ErrIO, "%s %s: %v: %s",
			c.command, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// refreshLocked reparses `mtx status` output:
//
//	Data Transfer Element 0:Full (Storage Element 3 Loaded):VolumeTag = P00003L5
//	Storage Element 1:Full :VolumeTag=P00001L5
//	Storage Element 2:Empty
func (c *ChangerLibrary) refreshLocked() error {
	out, err := c.run("status")
	if err != nil {
		return err
	}
	drives := make(map[int]string)
	slots := make(map[int]string)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "Data Transfer Element"):
			idx, label := parseElementLine(strings.TrimPrefix(line, "Data Transfer Element "))
			if idx >= 0 {
				drives[idx] = label
			}
		case strings.HasPrefix(line, "Storage Element"):
			rest := strings.TrimPrefix(line, "Storage Element ")
			if strings.Contains(rest, "IMPORT/EXPORT") {
				continue
			}
			idx, label := parseElementLine(rest)
			if idx >= 0 {
				slots[idx] = label
			}
		}
	}
	c.drives, c.slots = drives, slots
	return nil
}

func parseElementLine(rest string) (int, string) {
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return -1, ""
	}
	idx, err := strconv.Atoi(strings.TrimSpace(rest[:colon]))
	if err != nil {
		return -1, ""
	}
	label := ""
	if tag := strings.Index(rest, "VolumeTag"); tag >= 0 {
		label = strings.Trim(strings.TrimLeft(rest[tag+len("VolumeTag"):], " ="), " ")
	}
	return idx, label
}

func (c *ChangerLibrary) DriveLookup(serial string) (Addr, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// The drive index is carried in the serial suffix mapping kept by
	// the admin tool; fall back to a plain index parse.
	idx, err := strconv.Atoi(strings.TrimLeft(serial, "drive_"))
	if err != nil {
		return Addr{}, "", errors.Wrapf(errdefs.ErrNotFound, "unknown drive serial %s", serial)
	}
	label, ok := c.drives[idx]
	if !ok {
		return Addr{}, "", errors.Wrapf(errdefs.ErrNotFound, "drive %d absent from library", idx)
	}
	return Addr{Kind: AddrDrive, Index: idx}, label, nil
}

func (c *ChangerLibrary) MediaLookup(label string) (Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, l := range c.slots {
		if l == label {
			return Addr{Kind: AddrSlot, Index: idx}, nil
		}
	}
	for idx, l := range c.drives {
		if l == label {
			return Addr{Kind: AddrDrive, Index: idx}, nil
		}
	}
	return Addr{}, errors.Wrapf(errdefs.ErrNotFound, "medium %s absent from library", label)
}

func (c *ChangerLibrary) MediaMove(src, dst Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if src.Kind == AddrDrive && dst.Kind == AddrDrive {
		// Drive-to-drive transport is not a changer primitive.
		return errors.Wrapf(errdefs.ErrBusy, "drive %d to drive %d move", src.Index, dst.Index)
	}
	if dst.Kind == AddrSlot && dst.Index < 0 {
		// negative index stands for any free slot
		found := false
		for idx, label := range c.slots {
			if label == "" {
				dst.Index, found = idx, true
				break
			}
		}
		if !found {
			return errors.Wrapf(errdefs.ErrBusy, "no free slot in library")
		}
	}

	err := c.moveLocked(src, dst)
	if err != nil && src.Kind == AddrDrive && dst.Kind == AddrSlot {
		// Some changers reject unloading back to the origin slot once
		// it was reused. Retry against any free slot.
		log.L.Warnf("Unload to slot %d failed (%v), retrying with a free slot", dst.Index, err)
		for idx, label := range c.slots {
			if label != "" || idx == dst.Index {
				continue
			}
			if err2 := c.moveLocked(src, Addr{Kind: AddrSlot, Index: idx}); err2 == nil {
				return nil
			}
		}
	}
	return err
}

func (c *ChangerLibrary) moveLocked(src, dst Addr) error {
	var args []string
	switch {
	case src.Kind == AddrSlot && dst.Kind == AddrDrive:
		args = []string{"load", strconv.Itoa(src.Index), strconv.Itoa(dst.Index)}
	case src.Kind == AddrDrive && dst.Kind == AddrSlot:
		args = []string{"unload", strconv.Itoa(dst.Index), strconv.Itoa(src.Index)}
	default:
		args = []string{"transfer", strconv.Itoa(src.Index), strconv.Itoa(dst.Index)}
	}
	if _, err := c.run(args...); err != nil {
		return err
	}
	return c.refreshLocked()
}

func (c *ChangerLibrary) Scan() (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(); err != nil {
		return nil, err
	}
	state := struct {
		Drives map[string]string `json:"drives"`
		Slots  map[string]string `json:"slots"`
	}{
		Drives: make(map[string]string, len(c.drives)),
		Slots:  make(map[string]string, len(c.slots)),
	}
	for idx, label := range c.drives {
		state.Drives[fmt.Sprint(idx)] = label
	}
	for idx, label := range c.slots {
		state.Slots[fmt.Sprint(idx)] = label
	}
	return json.Marshal(&state)
}
