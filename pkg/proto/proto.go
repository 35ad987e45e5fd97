/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package proto defines the request/response envelopes exchanged with
// clients over the daemon's Unix socket.
package proto

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/types"
)

// Kind tags a request or response envelope.
type Kind string

const (
	KindPing      Kind = "ping"
	KindWrite     Kind = "write-alloc"
	KindRead      Kind = "read-alloc"
	KindRelease   Kind = "release"
	KindFormat    Kind = "format"
	KindNotify    Kind = "notify"
	KindConfigure Kind = "configure"
	KindError     Kind = "error"
)

// NotifyOp enumerates the admin notifications the daemon accepts.
type NotifyOp string

const (
	NotifyDeviceAdd    NotifyOp = "device-add"
	NotifyDeviceLock   NotifyOp = "device-lock"
	NotifyDeviceUnlock NotifyOp = "device-unlock"
)

// WriteMedium is one medium slot of a write allocation.
type WriteMedium struct {
	Size int64    `json:"size"`
	Tags []string `json:"tags,omitempty"`
}

// WriteAlloc asks for one writable medium per entry.
type WriteAlloc struct {
	Media []WriteMedium `json:"media"`
}

// ReadAlloc asks for NRequired of the named media to become readable.
type ReadAlloc struct {
	Media     []types.ResourceID `json:"media"`
	NRequired int                `json:"n_required"`
}

// ReleaseMedium reports the client is done with one medium.
type ReleaseMedium struct {
	ID          types.ResourceID `json:"id"`
	SizeWritten int64            `json:"size_written,omitempty"`
	NbObjects   int64            `json:"nb_objects,omitempty"`
	Rc          int              `json:"rc,omitempty"`
	ToSync      bool             `json:"to_sync,omitempty"`
}

// Release closes a previous read or write allocation.
type Release struct {
	Media []ReleaseMedium `json:"media"`
}

// Format initialises a blank medium.
type Format struct {
	ID     types.ResourceID `json:"id"`
	Fs     types.FsType     `json:"fs"`
	Unlock bool             `json:"unlock,omitempty"`
	Force  bool             `json:"force,omitempty"`
}

// Notify signals a device topology change.
type Notify struct {
	Op       NotifyOp         `json:"op"`
	Resource types.ResourceID `json:"resource"`
	Wait     bool             `json:"wait,omitempty"`
}

// Configure reads or updates a daemon setting at runtime.
type Configure struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request is the client-to-daemon envelope. Exactly one operation field
// matching Kind is set.
type Request struct {
	ID        string      `json:"id"`
	Kind      Kind        `json:"kind"`
	Write     *WriteAlloc `json:"write,omitempty"`
	Read      *ReadAlloc  `json:"read,omitempty"`
	Release   *Release    `json:"release,omitempty"`
	Format    *Format     `json:"format,omitempty"`
	Notify    *Notify     `json:"notify,omitempty"`
	Configure *Configure  `json:"configure,omitempty"`
}

// MediumInfo describes one allocated medium in a response.
type MediumInfo struct {
	ID       types.ResourceID `json:"id"`
	Root     string           `json:"root"`
	FsType   types.FsType     `json:"fs_type"`
	AddrType types.AddrType   `json:"addr_type"`
	// AvailSize is only meaningful on write allocations.
	AvailSize int64 `json:"avail_size,omitempty"`
}

// WriteResp answers a write allocation, one entry per requested medium.
type WriteResp struct {
	Media []MediumInfo `json:"media"`
}

// ReadResp answers a read allocation with the media that became ready.
type ReadResp struct {
	Media []MediumInfo `json:"media"`
}

// ReleaseResp acknowledges a release once the data is durable.
type ReleaseResp struct {
	Media []types.ResourceID `json:"media"`
}

// FormatResp acknowledges a completed format.
type FormatResp struct {
	ID types.ResourceID `json:"id"`
}

// NotifyResp acknowledges a completed notify with wait set.
type NotifyResp struct {
	Op       NotifyOp         `json:"op"`
	Resource types.ResourceID `json:"resource"`
}

// ConfigureResp carries the queried or updated settings.
type ConfigureResp struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Error is the error response payload. Code is a stable signed numeric
// code; KindHint echoes the originating request kind.
type Error struct {
	Code     int    `json:"code"`
	KindHint Kind   `json:"kind_hint"`
	Message  string `json:"message,omitempty"`
}

// Response is the daemon-to-client envelope, matched to its request by
// ID. Kind is the request kind, or KindError with Error set.
type Response struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Write     *WriteResp     `json:"write,omitempty"`
	Read      *ReadResp      `json:"read,omitempty"`
	Release   *ReleaseResp   `json:"release,omitempty"`
	Format    *FormatResp    `json:"format,omitempty"`
	Notify    *NotifyResp    `json:"notify,omitempty"`
	Configure *ConfigureResp `json:"configure,omitempty"`
	Error     *Error         `json:"error,omitempty"`
}

// Validate checks the envelope is well formed: a non-empty id and the
// operation payload matching its kind.
func (r *Request) Validate() error {
	if r.ID == "" {
		return errMissing("id")
	}
	switch r.Kind {
	case KindPing:
		return nil
	case KindWrite:
		if r.Write == nil || len(r.Write.Media) == 0 {
			return errMissing("write.media")
		}
		for _, m := range r.Write.Media {
			if m.Size < 0 {
				return errMissing("write.media.size")
			}
		}
	case KindRead:
		if r.Read == nil || len(r.Read.Media) == 0 {
			return errMissing("read.media")
		}
		if r.Read.NRequired <= 0 || r.Read.NRequired > len(r.Read.Media) {
			return errMissing("read.n_required")
		}
	case KindRelease:
		if r.Release == nil || len(r.Release.Media) == 0 {
			return errMissing("release.media")
		}
	case KindFormat:
		if r.Format == nil || r.Format.ID.Name == "" {
			return errMissing("format.id")
		}
	case KindNotify:
		if r.Notify == nil || r.Notify.Resource.Name == "" {
			return errMissing("notify.resource")
		}
	case KindConfigure:
		if r.Configure == nil || r.Configure.Op == "" {
			return errMissing("configure.op")
		}
	default:
		return errMissing("kind")
	}
	return nil
}

func errMissing(field string) error {
	return errors.Wrapf(errdefs.ErrProtocol, "missing or invalid field %s", field)
}
