/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/types"
)

func TestFrameRoundTrip(t *testing.T) {
	req := Request{
		ID:   "req-1",
		Kind: KindWrite,
		Write: &WriteAlloc{Media: []WriteMedium{
			{Size: 1 << 20, Tags: []string{"prod"}},
			{Size: 42},
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &req))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, req, got)
}

func TestFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	var got Request
	err := ReadFrame(&buf, &got)
	assert.ErrorIs(t, err, errdefs.ErrProtocol)
}

func TestFrameRejectsGarbage(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 2, '{', 'x'})
	var got Request
	err := ReadFrame(&buf, &got)
	assert.ErrorIs(t, err, errdefs.ErrProtocol)
}

func TestValidate(t *testing.T) {
	id := types.ResourceID{Family: types.FamilyTape, Name: "P00001", Library: "legacy"}

	tests := map[string]struct {
		req   Request
		valid bool
	}{
		"ping": {
			req:   Request{ID: "1", Kind: KindPing},
			valid: true,
		},
		"missing id": {
			req:   Request{Kind: KindPing},
			valid: false,
		},
		"unknown kind": {
			req:   Request{ID: "1", Kind: Kind("bogus")},
			valid: false,
		},
		"write": {
			req:   Request{ID: "1", Kind: KindWrite, Write: &WriteAlloc{Media: []WriteMedium{{Size: 1}}}},
			valid: true,
		},
		"write without media": {
			req:   Request{ID: "1", Kind: KindWrite, Write: &WriteAlloc{}},
			valid: false,
		},
		"write negative size": {
			req:   Request{ID: "1", Kind: KindWrite, Write: &WriteAlloc{Media: []WriteMedium{{Size: -1}}}},
			valid: false,
		},
		"write zero size": {
			req:   Request{ID: "1", Kind: KindWrite, Write: &WriteAlloc{Media: []WriteMedium{{Size: 0}}}},
			valid: true,
		},
		"read": {
			req: Request{ID: "1", Kind: KindRead,
				Read: &ReadAlloc{Media: []types.ResourceID{id}, NRequired: 1}},
			valid: true,
		},
		"read n_required too large": {
			req: Request{ID: "1", Kind: KindRead,
				Read: &ReadAlloc{Media: []types.ResourceID{id}, NRequired: 2}},
			valid: false,
		},
		"format": {
			req:   Request{ID: "1", Kind: KindFormat, Format: &Format{ID: id, Fs: types.FsLTFS}},
			valid: true,
		},
		"release": {
			req: Request{ID: "1", Kind: KindRelease,
				Release: &Release{Media: []ReleaseMedium{{ID: id, SizeWritten: 10, ToSync: true}}}},
			valid: true,
		},
		"notify": {
			req: Request{ID: "1", Kind: KindNotify,
				Notify: &Notify{Op: NotifyDeviceAdd, Resource: id}},
			valid: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errdefs.ErrProtocol)
			}
		})
	}
}
