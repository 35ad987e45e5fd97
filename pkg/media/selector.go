/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package media picks write targets among the family's unlocked media.
package media

import (
	"context"

	"github.com/avast/retry-go/v5"
	"github.com/pkg/errors"

	"github.com/cea-hpc/phobos/pkg/dss"
	"github.com/cea-hpc/phobos/pkg/errdefs"
	"github.com/cea-hpc/phobos/pkg/lock"
	"github.com/cea-hpc/phobos/pkg/types"
)

// Request scopes one selection.
type Request struct {
	Family types.Family
	Size   int64
	Tags   []string
	// Exclude lists media already selected for the same request.
	Exclude map[types.ResourceID]struct{}
	// BusyLoaded reports media currently loaded in a busy device.
	BusyLoaded func(types.ResourceID) bool
}

// Selector scans DSS for a writable medium.
type Selector struct {
	store dss.Store
	locks *lock.Manager
}

func NewSelector(store dss.Store, locks *lock.Manager) *Selector {
	return &Selector{store: store, locks: locks}
}

// Select returns the best writable medium for the request:
//   - the smallest medium fitting the whole size, when one exists
//   - otherwise the largest medium, accepting a split write
//   - ErrNoSpace when the free space of the family's media, counting
//     media loaded in busy devices but not media locked elsewhere,
//     cannot fit the size
//   - ErrAgain when that free space fits the size but no medium can
//     take the write now (the space sits in busy devices)
//
// The returned medium is not locked; callers acquire the lock next and
// rescan on a lost race.
func (s *Selector) Select(ctx context.Context, req Request) (*types.Medium, error) {
	yes := true
	candidates, err := s.store.Media().Get(ctx, dss.MediaFilter{
		Family:      req.Family,
		AdminStatus: types.AdminUnlocked,
		PutAccess:   &yes,
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan media")
	}

	var whole, split *types.Medium
	var totalFree int64
	seen := false

	for i := range candidates {
		m := &candidates[i]
		if m.FsStatus == types.FsStatusBlank || m.FsStatus == types.FsStatusFull {
			continue
		}
		if !m.HasTags(req.Tags) {
			continue
		}
		if _, excluded := req.Exclude[m.ID]; excluded {
			continue
		}
		if req.BusyLoaded != nil && req.BusyLoaded(m.ID) {
			// Busy media still count towards the family's capacity:
			// the caller gets Wait rather than NoSpace and retries.
			seen = true
			totalFree += m.Space.Free
			continue
		}

		cur, err := s.locks.MediumLockStatus(ctx, m.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "lock status of %s", m.ID)
		}
		m.Lock = cur
		foreign := s.locks.Foreign(cur)

		seen = true
		if !foreign {
			totalFree += m.Space.Free
		}

		if !foreign && m.Space.Free >= req.Size {
			if whole == nil || m.Space.Free < whole.Space.Free {
				whole = m
			}
		}
		if !foreign && (split == nil || m.Space.Free > split.Space.Free) {
			split = m
		}
	}

	if !seen {
		return nil, errors.Wrapf(errdefs.ErrNoSpace,
			"no writable medium matches tags %v", req.Tags)
	}
	if totalFree < req.Size {
		return nil, errors.Wrapf(errdefs.ErrNoSpace,
			"%d bytes requested, %d free in family %s", req.Size, totalFree, req.Family)
	}
	if whole != nil {
		out := *whole
		return &out, nil
	}
	if split != nil {
		out := *split
		return &out, nil
	}
	return nil, errors.Wrapf(errdefs.ErrAgain, "all candidate media are locked elsewhere")
}

// SelectAndLock scans and immediately locks the chosen medium,
// rescanning on a lost lock race.
func (s *Selector) SelectAndLock(ctx context.Context, req Request) (*types.Medium, error) {
	var picked *types.Medium
	err := retry.New(
		retry.Attempts(5),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		m, err := s.Select(ctx, req)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if err := s.locks.AcquireMedium(ctx, m.ID); err != nil {
			if errdefs.IsRetryable(err) {
				// lost the race, rescan
				return err
			}
			return retry.Unrecoverable(err)
		}
		picked = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}
