// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package decode converts a streamed chat-completion body into an evolving
// assistant message.
//
// The decoder accumulates raw chunks into a running text buffer and
// classifies the text on every tick: plain assistant prose, or a pending
// function-call envelope identified by a fixed literal prefix. The envelope
// is one JSON document delivered incrementally, so no partial parse is
// attempted; the full parse happens once at stream end.
package decode

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/chatwire/internal/model"
)

// FunctionCallPrefix is the literal marker that opens a function-call
// envelope on the wire.
const FunctionCallPrefix = `{"function_call":`

// =============================================================================
// DECODE ERROR
// =============================================================================

// Error reports a malformed function-call envelope at stream end. It is
// fatal for the submission and never retried internally.
type Error struct {
	Raw string // the full accumulated envelope text
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("malformed function_call envelope (%d bytes): %v", len(e.Raw), e.Err)
}

// Unwrap returns the underlying parse error.
func (e *Error) Unwrap() error {
	return e.Err
}

// =============================================================================
// DECODER
// =============================================================================

// Decoder accumulates response chunks for a single exchange and produces
// the evolving assistant message. The message id is fixed at construction
// so every intermediate store state carries the same id.
//
// PERFORMANCE: strings.Builder avoids quadratic allocations while streaming.
type Decoder struct {
	messageID string
	createdAt time.Time
	buf       strings.Builder
}

// New creates a decoder for one exchange. messageID becomes the stable id
// of the assistant message under construction.
func New(messageID string) *Decoder {
	return &Decoder{
		messageID: messageID,
		createdAt: time.Now(),
	}
}

// Write appends a chunk to the accumulator. It implements io.Writer and
// never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf.Write(p)
	return len(p), nil
}

// Text returns the full accumulated text so far.
func (d *Decoder) Text() string {
	return d.buf.String()
}

// Len returns the number of accumulated bytes.
func (d *Decoder) Len() int {
	return d.buf.Len()
}

// PendingFunctionCall reports whether the accumulated text currently
// matches the function-call envelope marker. Re-evaluated on every tick:
// text shorter than the prefix classifies as plain content until the
// prefix completes.
func (d *Decoder) PendingFunctionCall() bool {
	return strings.HasPrefix(d.buf.String(), FunctionCallPrefix)
}

// Message returns the evolving assistant message for the current
// accumulated text. While the text matches the envelope marker the message
// holds a pending function call and empty content; otherwise the whole
// text is plain content.
func (d *Decoder) Message() model.Message {
	msg := model.Message{
		ID:        d.messageID,
		Role:      model.RoleAssistant,
		CreatedAt: d.createdAt,
	}
	text := d.buf.String()
	if strings.HasPrefix(text, FunctionCallPrefix) {
		msg.FunctionCall = model.PendingFunctionCall(text)
		return msg
	}
	msg.Content = text
	return msg
}

// Finalize produces the terminal assistant message once the stream has
// ended normally. If the text matched the envelope marker it is parsed as
// JSON and the pending call replaced with its resolved form; a parse
// failure is returned as *Error and is fatal for the submission.
func (d *Decoder) Finalize() (model.Message, error) {
	msg := model.Message{
		ID:        d.messageID,
		Role:      model.RoleAssistant,
		CreatedAt: d.createdAt,
	}

	text := d.buf.String()
	if !strings.HasPrefix(text, FunctionCallPrefix) {
		msg.Content = text
		return msg, nil
	}

	var envelope struct {
		FunctionCall struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function_call"`
	}
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return model.Message{}, &Error{Raw: text, Err: err}
	}

	msg.FunctionCall = model.ResolvedFunctionCall(
		envelope.FunctionCall.Name,
		envelope.FunctionCall.Arguments,
	)
	return msg, nil
}
