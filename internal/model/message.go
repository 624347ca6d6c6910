// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/chatwire/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleFunction  Role = "function"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	case RoleFunction:
		return "Function"
	default:
		return string(r)
	}
}

// =============================================================================
// FUNCTION CALL TYPE
// =============================================================================

// FunctionCallState tracks a function call through its lifecycle.
type FunctionCallState int

const (
	// FunctionCallNone means the message carries no function call.
	FunctionCallNone FunctionCallState = iota

	// FunctionCallPending means the function-call envelope is still
	// streaming; only the raw accumulating text is available.
	FunctionCallPending

	// FunctionCallResolved means the envelope has been fully parsed into
	// a name and an arguments string.
	FunctionCallResolved
)

// FunctionCall is a tagged union over the three shapes a function call takes
// during a streamed response: absent, a partial raw string mid-stream, or a
// parsed name/arguments pair once the stream has ended.
type FunctionCall struct {
	State FunctionCallState `json:"state"`

	// Raw is the accumulating envelope text. Set only while State is
	// FunctionCallPending.
	Raw string `json:"raw,omitempty"`

	// Name and Arguments are set only once State is FunctionCallResolved.
	// Arguments is a JSON document kept as text; parsing it is the
	// handler's concern.
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// PendingFunctionCall returns a mid-stream function call holding raw text.
func PendingFunctionCall(raw string) FunctionCall {
	return FunctionCall{State: FunctionCallPending, Raw: raw}
}

// ResolvedFunctionCall returns a fully parsed function call.
func ResolvedFunctionCall(name, arguments string) FunctionCall {
	return FunctionCall{State: FunctionCallResolved, Name: name, Arguments: arguments}
}

// IsZero returns true if no function call is present.
func (f FunctionCall) IsZero() bool {
	return f.State == FunctionCallNone
}

// Resolved returns true if the call has been fully parsed.
func (f FunctionCall) Resolved() bool {
	return f.State == FunctionCallResolved
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// In its final form a message holds either plain Content or a resolved
// FunctionCall, never both. While a response is streaming the assistant
// message may hold a pending FunctionCall with empty Content.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	// Content
	Content string `json:"content"`

	// Name identifies the function a RoleFunction message is the result
	// of. Required when Role is RoleFunction, empty otherwise.
	Name string `json:"name,omitempty"`

	// FunctionCall is the model-issued directive, if any.
	FunctionCall FunctionCall `json:"function_call,omitzero"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        GenerateID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewFunctionMessage creates a new function-result message.
func NewFunctionMessage(name, result string) Message {
	msg := NewMessage(RoleFunction, result)
	msg.Name = name
	return msg
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// HasFunctionCall returns true if the message carries a pending or resolved
// function call.
func (m Message) HasFunctionCall() bool {
	return !m.FunctionCall.IsZero()
}

// Terminal returns true if the message ends a function-call loop: plain
// assistant content with no resolved function call attached.
func (m Message) Terminal() bool {
	return !m.FunctionCall.Resolved()
}

// IsEmpty returns true if the message has no content and no function call.
func (m Message) IsEmpty() bool {
	return m.Content == "" && m.FunctionCall.IsZero()
}

// Preview returns a truncated preview of the message content.
func (m Message) Preview(maxLen int) string {
	if m.FunctionCall.Resolved() {
		return util.TruncateRunes("-> "+m.FunctionCall.Name+"("+m.FunctionCall.Arguments+")", maxLen)
	}
	return util.TruncateRunes(m.Content, maxLen)
}

// EstimateTokens gives a rough estimate of token count.
// Uses the approximation of ~4 characters per token.
func (m Message) EstimateTokens() int {
	return (len(m.Content) + len(m.FunctionCall.Arguments) + 3) / 4
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GenerateID creates a unique message ID.
func GenerateID() string {
	return "msg_" + uuid.NewString()
}
