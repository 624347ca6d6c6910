// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store holds the ordered message history for one conversation.
//
// The store is the only shared mutable state in chatwire. Every update is a
// full-sequence swap: there is no element-level mutation, which keeps
// rollback a single Replace call with a previously read snapshot.
package store

import (
	"sync"

	"github.com/jeranaias/chatwire/internal/model"
)

// =============================================================================
// STORE TYPE
// =============================================================================

// Store owns the ordered message sequence for a single conversation
// identifier. Consumers read snapshots and subscribe to swaps; only the
// request controller writes.
type Store struct {
	mu sync.Mutex

	conversationID string
	messages       []model.Message

	// speculative marks the current sequence as an optimistic update that
	// has not yet been confirmed by a completed exchange.
	speculative bool

	subscribers map[int]func([]model.Message)
	nextSubID   int
}

// New creates a store for the given conversation identifier, seeded with an
// initial sequence (which may be empty or nil).
func New(conversationID string, initial []model.Message) *Store {
	return &Store{
		conversationID: conversationID,
		messages:       cloneMessages(initial),
		subscribers:    make(map[int]func([]model.Message)),
	}
}

// ConversationID returns the identifier this store belongs to.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// =============================================================================
// READ / REPLACE
// =============================================================================

// Messages returns a snapshot copy of the current sequence. The returned
// slice is safe to retain; later swaps do not affect it.
func (s *Store) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Replace overwrites the stored sequence and notifies every subscriber
// before returning. optimistic marks the swap as speculative (a not yet
// confirmed update that a failed exchange will roll back).
//
// Subscribers are invoked outside the store lock but synchronously; every
// subscriber observes the new sequence before Replace returns.
func (s *Store) Replace(messages []model.Message, optimistic bool) {
	s.mu.Lock()
	s.messages = cloneMessages(messages)
	s.speculative = optimistic
	snapshot := cloneMessages(s.messages)
	subs := make([]func([]model.Message), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// Speculative reports whether the current sequence is an unconfirmed
// optimistic update.
func (s *Store) Speculative() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speculative
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers fn to be called synchronously with a snapshot on
// every Replace. It returns an unsubscribe function.
func (s *Store) Subscribe(fn func([]model.Message)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// cloneMessages copies a message slice. Message is a value type, so a slice
// copy is a deep enough copy for swap semantics.
func cloneMessages(messages []model.Message) []model.Message {
	cloned := make([]model.Message, len(messages))
	copy(cloned, messages)
	return cloned
}
