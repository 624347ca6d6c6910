// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// FUNCTION CALL STATES
// =============================================================================

func TestFunctionCall_States(t *testing.T) {
	var none FunctionCall
	assert.True(t, none.IsZero())
	assert.False(t, none.Resolved())

	pending := PendingFunctionCall(`{"function_call":{"na`)
	assert.False(t, pending.IsZero())
	assert.False(t, pending.Resolved())
	assert.Equal(t, `{"function_call":{"na`, pending.Raw)

	resolved := ResolvedFunctionCall("get_weather", `{"city":"Oslo"}`)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, "get_weather", resolved.Name)
}

// =============================================================================
// MESSAGE
// =============================================================================

func TestNewMessage(t *testing.T) {
	msg := NewUserMessage("hello")

	assert.True(t, strings.HasPrefix(msg.ID, "msg_"))
	assert.Equal(t, RoleUser, msg.Role)
	assert.False(t, msg.CreatedAt.IsZero())

	other := NewUserMessage("hello")
	assert.NotEqual(t, msg.ID, other.ID, "ids must be unique")
}

func TestNewFunctionMessage(t *testing.T) {
	msg := NewFunctionMessage("get_weather", `{"temp":12}`)
	assert.Equal(t, RoleFunction, msg.Role)
	assert.Equal(t, "get_weather", msg.Name)
	assert.Equal(t, `{"temp":12}`, msg.Content)
}

func TestMessage_Terminal(t *testing.T) {
	plain := NewMessage(RoleAssistant, "done")
	assert.True(t, plain.Terminal())

	call := NewMessage(RoleAssistant, "")
	call.FunctionCall = ResolvedFunctionCall("next", "{}")
	assert.False(t, call.Terminal())

	// A pending call is not terminal-deciding either way; only a resolved
	// call continues the loop.
	pending := NewMessage(RoleAssistant, "")
	pending.FunctionCall = PendingFunctionCall("{")
	assert.True(t, pending.Terminal())
}

func TestMessage_JSONOmitsEmptyCall(t *testing.T) {
	data, err := json.Marshal(NewUserMessage("hi"))
	assert.NoError(t, err)
	assert.NotContains(t, string(data), "function_call")

	msg := NewMessage(RoleAssistant, "")
	msg.FunctionCall = ResolvedFunctionCall("f", "{}")
	data, err = json.Marshal(msg)
	assert.NoError(t, err)
	assert.Contains(t, string(data), "function_call")
}

func TestMessage_Preview(t *testing.T) {
	long := NewUserMessage(strings.Repeat("x", 100))
	preview := long.Preview(10)
	assert.LessOrEqual(t, len([]rune(preview)), 10)

	call := NewMessage(RoleAssistant, "")
	call.FunctionCall = ResolvedFunctionCall("get_weather", "{}")
	assert.Contains(t, call.Preview(80), "get_weather")
}

// =============================================================================
// ENVELOPE
// =============================================================================

func TestEnvelope_WithMessage(t *testing.T) {
	env := Envelope{Messages: []Message{NewUserMessage("one")}}
	next := env.WithMessage(NewUserMessage("two"))

	assert.Len(t, env.Messages, 1, "receiver must not be modified")
	assert.Len(t, next.Messages, 2)
	assert.Equal(t, "two", next.LastMessage().Content)
}

func TestEnvelope_LastMessageEmpty(t *testing.T) {
	var env Envelope
	assert.Equal(t, Message{}, env.LastMessage())
}
