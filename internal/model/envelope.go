// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
)

// =============================================================================
// FUNCTION SCHEMA
// =============================================================================

// FunctionSchema describes a function the model may call.
//
// Parameters is a JSON Schema document kept as raw JSON; chatwire forwards
// it verbatim and never interprets it.
type FunctionSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// =============================================================================
// REQUEST ENVELOPE
// =============================================================================

// Envelope is one chat-completion request: the full message sequence to
// submit plus the optional function fields. Envelopes are built fresh per
// request and never mutated after submission.
type Envelope struct {
	// Messages is the ordered sequence to submit.
	Messages []Message

	// Functions lists the schemas offered to the model, if any.
	Functions []FunctionSchema

	// FunctionCall is the raw directive controlling function selection
	// ("auto", "none", or {"name": ...}), forwarded verbatim.
	FunctionCall json.RawMessage
}

// WithMessage returns a copy of the envelope with msg appended to a cloned
// message sequence. The receiver is not modified.
func (e Envelope) WithMessage(msg Message) Envelope {
	messages := make([]Message, 0, len(e.Messages)+1)
	messages = append(messages, e.Messages...)
	messages = append(messages, msg)
	e.Messages = messages
	return e
}

// LastMessage returns the final message of the envelope, or a zero Message
// if the envelope is empty.
func (e Envelope) LastMessage() Message {
	if len(e.Messages) == 0 {
		return Message{}
	}
	return e.Messages[len(e.Messages)-1]
}
