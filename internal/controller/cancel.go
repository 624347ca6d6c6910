// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"sync"
)

// =============================================================================
// CANCELLATION SLOT
// =============================================================================

// cancelSlot is a single mutable slot holding either nothing or the abort
// capability of the in-flight exchange. Stop triggers the capability and
// clears the slot; the streaming read observes the cancelled context at the
// next chunk boundary and discards remaining input.
type cancelSlot struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

// arm installs the abort capability for a new exchange and returns a
// generation token for the matching disarm call.
func (s *cancelSlot) arm(cancel context.CancelFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.cancel = cancel
	return s.gen
}

// disarm clears the slot when the exchange that armed it finishes on its
// own. The generation check keeps a stale disarm from clobbering a newer
// exchange's capability.
func (s *cancelSlot) disarm(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.cancel = nil
	}
}

// stop triggers the held capability, if any, and clears the slot.
// Idempotent; a no-op when no exchange is active.
func (s *cancelSlot) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
