/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package dss

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/types"
)

// parseResourceID reverses types.ResourceID.String. Lock-table keys are
// stored in that form.
func parseResourceID(s string) (types.ResourceID, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return types.ResourceID{}, errors.Errorf("malformed resource id %q", s)
	}
	return types.ResourceID{
		Family:  types.Family(parts[0]),
		Name:    parts[1],
		Library: parts[2],
	}, nil
}
