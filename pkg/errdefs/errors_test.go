/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package errdefs

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCodeRoundTrip(t *testing.T) {
	for _, err := range []error{
		ErrAgain, ErrBusy, ErrAlreadyLocked, ErrNotFound, ErrPermission,
		ErrInvalidState, ErrNoSpace, ErrNoDevice, ErrShutdown, ErrIO, ErrProtocol,
	} {
		code := Code(err)
		assert.Negative(t, code)
		assert.ErrorIs(t, FromCode(code), err)
	}
}

func TestCodeWrapped(t *testing.T) {
	err := errors.Wrapf(ErrNoSpace, "1024 bytes requested")
	assert.Equal(t, CodeNoSpace, Code(err))
}

func TestCodeUnknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, Code(errors.New("something else")))
}

func TestIsRetryable(t *testing.T) {
	tests := map[string]struct {
		err      error
		expected bool
	}{
		"again is retryable":       {ErrAgain, true},
		"busy is retryable":        {ErrBusy, true},
		"wrapped busy":             {errors.Wrap(ErrBusy, "drive 2"), true},
		"foreign lock is not":      {ErrAlreadyLocked, false},
		"shutdown is not":          {ErrShutdown, false},
		"arbitrary errors are not": {errors.New("boom"), false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsRetryable(tc.err))
		})
	}
}
