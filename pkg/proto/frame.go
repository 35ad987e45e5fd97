/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package proto

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/errdefs"
)

// Frames are a 4-byte big-endian length followed by one JSON envelope.
const maxFrameSize = 16 << 20

// WriteFrame serialises v and writes one frame.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	if len(payload) > maxFrameSize {
		return errors.Wrapf(errdefs.ErrProtocol, "frame of %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one frame and unmarshals it into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return errors.Wrapf(errdefs.ErrProtocol, "frame of %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Wrapf(errdefs.ErrProtocol, "decode frame: %v", err)
	}
	return nil
}
