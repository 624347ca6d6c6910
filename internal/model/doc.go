// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for streaming conversations.
//
// This package defines the core domain types used throughout chatwire for
// representing messages, function calls, and chat-completion request
// envelopes.
//
// # Key Types
//
//   - Message: single message with role, content, timestamp, and optional
//     function call
//   - FunctionCall: tagged union tracking a function call through its
//     lifecycle (none, pending raw text, resolved name+arguments)
//   - FunctionSchema: JSON schema description of a callable function
//   - Envelope: one chat-completion request (messages plus function fields)
//   - Role: message role enumeration (user, assistant, system, function)
//
// # Usage
//
// Create a message and an envelope:
//
//	msg := model.NewUserMessage("Hello!")
//	env := model.Envelope{Messages: []model.Message{msg}}
package model
