/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package types

import (
	"fmt"
	"time"
)

// Family is the closed resource-family enumeration. One daemon instance
// is bound to exactly one family.
type Family string

const (
	FamilyTape  Family = "tape"
	FamilyDir   Family = "dir"
	FamilyRados Family = "rados_pool"
)

// Valid reports whether f is one of the known families.
func (f Family) Valid() bool {
	switch f {
	case FamilyTape, FamilyDir, FamilyRados:
		return true
	}
	return false
}

// FsType identifies the filesystem adapter serving a medium.
type FsType string

const (
	FsPosix FsType = "posix"
	FsLTFS  FsType = "ltfs"
	FsRados FsType = "rados"
)

// FsStatus is the filesystem lifecycle of a medium.
type FsStatus string

const (
	FsStatusBlank FsStatus = "blank"
	FsStatusEmpty FsStatus = "empty"
	FsStatusUsed  FsStatus = "used"
	FsStatusFull  FsStatus = "full"
)

// AdminStatus is the administrative lifecycle of a medium or device.
type AdminStatus string

const (
	AdminUnlocked AdminStatus = "unlocked"
	AdminLocked   AdminStatus = "locked"
	AdminFailed   AdminStatus = "failed"
)

// OpStatus is the in-memory operational state of a device.
type OpStatus string

const (
	OpEmpty   OpStatus = "empty"
	OpLoaded  OpStatus = "loaded"
	OpMounted OpStatus = "mounted"
	OpFailed  OpStatus = "failed"
)

// AddrType discriminates how extents are addressed on a medium.
type AddrType string

const (
	AddrPath   AddrType = "path"
	AddrHash   AddrType = "hash"
	AddrOpaque AddrType = "opaque"
)

// ResourceID identifies a medium or device, unique cluster-wide.
type ResourceID struct {
	Family  Family `json:"family"`
	Name    string `json:"name"`
	Library string `json:"library"`
}

func (r ResourceID) String() string {
	return fmt.Sprintf("%s:%s:%s", r.Family, r.Name, r.Library)
}

// Lock is the DSS lock record mirrored in memory. A zero Hostname means
// the resource is not locked.
type Lock struct {
	Hostname  string    `json:"hostname,omitempty"`
	Owner     int       `json:"owner,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// IsLocked reports whether the record names an owner.
func (l Lock) IsLocked() bool {
	return l.Hostname != ""
}

// OwnedBy reports whether the lock belongs to (hostname, pid).
func (l Lock) OwnedBy(hostname string, pid int) bool {
	return l.Hostname == hostname && l.Owner == pid
}

// SpaceInfo carries the physical accounting of a medium, in bytes.
type SpaceInfo struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
}

// Medium is the persistent DSS record of a cartridge, directory or pool.
type Medium struct {
	ID          ResourceID  `json:"id"`
	Model       string      `json:"model,omitempty"`
	Space       SpaceInfo   `json:"space"`
	LogcWritten int64       `json:"logc_written"`
	NbObjects   int64       `json:"nb_objects"`
	FsType      FsType      `json:"fs_type"`
	FsStatus    FsStatus    `json:"fs_status"`
	FsLabel     string      `json:"fs_label,omitempty"`
	AdminStatus AdminStatus `json:"admin_status"`
	GetAccess   bool        `json:"get_access"`
	PutAccess   bool        `json:"put_access"`
	Tags        []string    `json:"tags,omitempty"`
	Lock        Lock        `json:"lock"`
}

// HasTags reports whether the medium carries every requested tag.
func (m *Medium) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range m.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Writable reports whether the medium can admit new writes at all.
func (m *Medium) Writable() bool {
	return m.AdminStatus == AdminUnlocked && m.PutAccess &&
		m.FsStatus != FsStatusBlank && m.FsStatus != FsStatusFull
}

// Device is the persistent DSS record of a drive.
type Device struct {
	ID          ResourceID  `json:"id"`
	Model       string      `json:"model,omitempty"`
	Host        string      `json:"host"`
	Serial      string      `json:"serial,omitempty"`
	Path        string      `json:"path,omitempty"`
	AdminStatus AdminStatus `json:"admin_status"`
	Lock        Lock        `json:"lock"`
}
