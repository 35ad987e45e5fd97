/*
 * Copyright (c) 2026. Phobos Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package scheduler

import (
	"sync"

	"github.com/cea-hpc/phobos/pkg/types"
)

// formatSet tracks media with a format in flight so two formats of the
// same medium never run concurrently.
type formatSet struct {
	mu sync.Mutex
	m  map[types.ResourceID]struct{}
}

func newFormatSet() *formatSet {
	return &formatSet{m: make(map[types.ResourceID]struct{})}
}

// TryAdd claims the medium; false when a format is already in flight.
func (s *formatSet) TryAdd(id types.ResourceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.m[id]; busy {
		return false
	}
	s.m[id] = struct{}{}
	return true
}

// Remove drops the claim once the format settled.
func (s *formatSet) Remove(id types.ResourceID) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}
