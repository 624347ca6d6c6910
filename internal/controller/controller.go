// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controller drives streaming chat-completion submissions against a
// message store.
//
// The controller owns the submission algorithm: snapshot the store, apply
// the optimistic update, run the HTTP exchange, swap the evolving assistant
// message into the store on every chunk, and either finalize or roll back.
// When the model answers with a structured function call, the controller
// loops: it hands the call to the configured handler, takes the handler's
// next envelope, and resubmits until a plain-content terminal message is
// produced or the round guard trips.
//
// Exactly one submission is in flight per conversation at a time; a
// submission issued while another is active is serialized behind it.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/chatwire/internal/client"
	"github.com/jeranaias/chatwire/internal/decode"
	"github.com/jeranaias/chatwire/internal/model"
	"github.com/jeranaias/chatwire/internal/store"
)

// DefaultMaxRounds is the function-call round guard used when Options does
// not set one. The loop has no natural cap (the terminal condition is "the
// model answers in plain text"), so an explicit guard turns a runaway
// model/handler pair into a fast failure instead of an endless loop.
const DefaultMaxRounds = 8

// =============================================================================
// ERRORS
// =============================================================================

// ErrLoopExceeded indicates the function-call loop hit the round guard
// before producing a terminal message.
var ErrLoopExceeded = errors.New("function-call loop exceeded maximum rounds")

// HandlerError wraps a failure raised by the function handler collaborator.
type HandlerError struct {
	Name string // function the handler was resolving
	Err  error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("function handler %q failed: %v", e.Name, e.Err)
}

// Unwrap returns the underlying handler error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// =============================================================================
// LOOP STATES
// =============================================================================

// LoopState is the function-call loop's explicit state.
type LoopState int32

const (
	StateIdle LoopState = iota
	StateRequesting
	StateStreaming
	StateDecided
	StateAwaitingHandler
	StateDone
	StateCancelled
	StateFailed
)

// String returns the state name.
func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateDecided:
		return "decided"
	case StateAwaitingHandler:
		return "awaiting_handler"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Handler resolves a structured function call. It receives the call and the
// current envelope (latest messages included) and returns the next envelope
// to submit, typically the same history plus a function-role message
// carrying the result. A handler error fails the whole submission.
type Handler func(ctx context.Context, call model.FunctionCall, env model.Envelope) (model.Envelope, error)

// Callbacks are optional pass-through observers invoked during a
// submission. They carry no core state; OnResponse may return an error to
// abort the exchange.
type Callbacks struct {
	OnResponse client.ResponseHook
	OnFinish   func(msg model.Message)
	OnError    func(err error)
}

// RequestOptions carries the optional function fields of one submission.
type RequestOptions struct {
	Functions    []model.FunctionSchema
	FunctionCall json.RawMessage
}

// Options configures a Controller.
type Options struct {
	// Handler resolves function calls. When nil, a structured call is
	// surfaced as the final message and its resolution is left to the
	// caller.
	Handler Handler

	// Callbacks are the lifecycle observers.
	Callbacks Callbacks

	// MaxRounds caps handler invocations per submission.
	// 0 means DefaultMaxRounds.
	MaxRounds int
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller submits chat-completion requests for one conversation. It is
// the store's only writer.
type Controller struct {
	store     *store.Store
	client    *client.Client
	handler   Handler
	callbacks Callbacks
	maxRounds int

	// submitMu serializes submissions: one optimistic update against the
	// store at a time.
	submitMu sync.Mutex

	cancel  cancelSlot
	loading atomic.Bool
	state   atomic.Int32

	mu        sync.Mutex
	lastErr   error
	lastStats Stats
}

// New creates a controller bound to one store and one client.
func New(st *store.Store, cl *client.Client, opts Options) *Controller {
	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Controller{
		store:     st,
		client:    cl,
		handler:   opts.Handler,
		callbacks: opts.Callbacks,
		maxRounds: maxRounds,
	}
}

// Store returns the message store the controller writes to.
func (c *Controller) Store() *store.Store {
	return c.store
}

// IsLoading reports whether a submission is in flight.
func (c *Controller) IsLoading() bool {
	return c.loading.Load()
}

// State returns the loop state of the most recent submission.
func (c *Controller) State() LoopState {
	return LoopState(c.state.Load())
}

// Err returns the error of the most recent submission, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastStats returns stream statistics for the most recent completed
// exchange.
func (c *Controller) LastStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStats
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// Append appends msg to the current sequence and submits the result. A
// missing message id is assigned; an explicit id is preserved through all
// store states. Returns the terminal message's content, or "" when the
// submission was cancelled.
//
// The store is snapshotted after the submission is granted its turn, not at
// call time: an Append queued behind an in-flight submission builds its
// envelope from that submission's outcome rather than from a stale
// mid-stream sequence.
func (c *Controller) Append(ctx context.Context, msg model.Message, opts *RequestOptions) (string, error) {
	if msg.ID == "" {
		msg.ID = model.GenerateID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	return c.run(ctx, func() model.Envelope {
		env := model.Envelope{
			Messages: append(c.store.Messages(), msg),
		}
		applyOptions(&env, opts)
		return env
	})
}

// Reload resubmits the current sequence. If the last message is an
// assistant message it is dropped first (re-requesting a replacement);
// otherwise the sequence is submitted unchanged. Like Append, the sequence
// is read once the submission holds its turn.
func (c *Controller) Reload(ctx context.Context, opts *RequestOptions) (string, error) {
	return c.run(ctx, func() model.Envelope {
		messages := c.store.Messages()
		if n := len(messages); n > 0 && messages[n-1].Role == model.RoleAssistant {
			messages = messages[:n-1]
		}

		env := model.Envelope{Messages: messages}
		applyOptions(&env, opts)
		return env
	})
}

// Stop signals the cancellation handle. Idempotent; a no-op when no
// request is active. The in-flight submission resolves without error and
// whatever partial state existed remains in the store.
func (c *Controller) Stop() {
	c.cancel.stop()
}

// applyOptions copies the optional function fields onto the envelope.
func applyOptions(env *model.Envelope, opts *RequestOptions) {
	if opts == nil {
		return
	}
	env.Functions = opts.Functions
	env.FunctionCall = opts.FunctionCall
}

// =============================================================================
// FUNCTION-CALL LOOP
// =============================================================================

// run drives the submission loop for one caller-visible operation:
// Requesting -> Streaming -> Decided, then either Done (terminal plain
// content), AwaitingHandler (structured call with a configured handler), or
// the Cancelled/Failed terminals.
//
// build constructs the initial envelope and is invoked only after submitMu
// is held, so a queued submission always starts from the sequence the
// previous submission left behind.
func (c *Controller) run(ctx context.Context, build func() model.Envelope) (string, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	c.loading.Store(true)
	defer c.loading.Store(false)
	c.setErr(nil)

	env := build()
	rounds := 0
	for {
		final, cancelled, err := c.submit(ctx, env)
		if err != nil {
			c.fail(err)
			return "", err
		}
		if cancelled {
			c.state.Store(int32(StateCancelled))
			return "", nil
		}

		c.state.Store(int32(StateDecided))
		if !final.FunctionCall.Resolved() || c.handler == nil {
			c.state.Store(int32(StateDone))
			if c.callbacks.OnFinish != nil {
				c.callbacks.OnFinish(final)
			}
			return final.Content, nil
		}

		rounds++
		if rounds > c.maxRounds {
			err := fmt.Errorf("%w (%d)", ErrLoopExceeded, c.maxRounds)
			c.fail(err)
			return "", err
		}

		c.state.Store(int32(StateAwaitingHandler))
		next, err := c.handler(ctx, final.FunctionCall, model.Envelope{
			Messages:     c.store.Messages(),
			Functions:    env.Functions,
			FunctionCall: env.FunctionCall,
		})
		if err != nil {
			werr := &HandlerError{Name: final.FunctionCall.Name, Err: err}
			c.fail(werr)
			return "", werr
		}
		env = next
	}
}

// fail records err, moves to the Failed state, and notifies the OnError
// observer.
func (c *Controller) fail(err error) {
	c.state.Store(int32(StateFailed))
	c.setErr(err)
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}

func (c *Controller) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// =============================================================================
// SUBMISSION
// =============================================================================

// submit runs one request envelope through the exchange:
//
//  1. snapshot the stored sequence
//  2. optimistically replace the store with the envelope's messages
//  3. stream the response, swapping the evolving assistant message into
//     the store on every chunk, polling cancellation at each boundary
//  4. finalize (parsing the function-call envelope if one accumulated),
//     or roll back to the snapshot on failure
//
// Returns the final assistant message, whether the exchange was cancelled
// (cancellation is silent: no error, no rollback), and any fatal error.
func (c *Controller) submit(ctx context.Context, env model.Envelope) (model.Message, bool, error) {
	previous := c.store.Messages()
	c.store.Replace(env.Messages, true)

	streamCtx, cancelFn := context.WithCancel(ctx)
	gen := c.cancel.arm(cancelFn)
	defer func() {
		c.cancel.disarm(gen)
		cancelFn()
	}()

	c.state.Store(int32(StateRequesting))

	dec := decode.New(model.GenerateID())
	stats := newStats()

	err := c.client.Stream(streamCtx, env, c.callbacks.OnResponse, func(chunk []byte) bool {
		// Cancellation is checked before each chunk is applied; a chunk
		// arriving after Stop must not mutate the store.
		if streamCtx.Err() != nil {
			return true
		}
		c.state.Store(int32(StateStreaming))
		stats.recordChunk(len(chunk))
		dec.Write(chunk)
		c.store.Replace(append(copySeq(env.Messages), dec.Message()), false)
		return false
	})

	cancelled := streamCtx.Err() != nil
	if err != nil {
		if cancelled || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return model.Message{}, true, nil
		}
		c.store.Replace(previous, false)
		return model.Message{}, false, err
	}
	if cancelled {
		return model.Message{}, true, nil
	}

	final, err := dec.Finalize()
	if err != nil {
		// Decode failure is fatal but not rolled back: the stream did
		// deliver a response, it just failed to parse.
		return model.Message{}, false, err
	}

	c.store.Replace(append(copySeq(env.Messages), final), false)

	stats.finalize()
	c.mu.Lock()
	c.lastStats = *stats
	c.mu.Unlock()

	return final, false, nil
}

// copySeq clones a message slice so per-chunk appends never share backing
// arrays with the envelope.
func copySeq(messages []model.Message) []model.Message {
	cloned := make([]model.Message, len(messages), len(messages)+1)
	copy(cloned, messages)
	return cloned
}
