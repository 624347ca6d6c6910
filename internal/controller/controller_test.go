// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/chatwire/internal/client"
	"github.com/jeranaias/chatwire/internal/decode"
	"github.com/jeranaias/chatwire/internal/model"
	"github.com/jeranaias/chatwire/internal/store"
)

// scriptedServer returns an httptest server that answers request N with
// responses[N], flushing each response in small pieces to exercise the
// chunked path. Extra requests repeat the last response.
func scriptedServer(t *testing.T, responses ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(requests.Add(1)) - 1
		if n >= len(responses) {
			n = len(responses) - 1
		}
		body := responses[n]
		flusher := w.(http.Flusher)
		for len(body) > 0 {
			piece := body
			if len(piece) > 7 {
				piece = piece[:7]
			}
			w.Write([]byte(piece))
			flusher.Flush()
			body = body[len(piece):]
		}
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func newController(t *testing.T, endpoint string, opts Options) *Controller {
	t.Helper()
	return New(store.New("test", nil), client.New(endpoint), opts)
}

// =============================================================================
// PLAIN EXCHANGE
// =============================================================================

// TestAppend_PlainContent drives one full exchange: optimistic append,
// incremental swaps with a stable evolving-message id, terminal append.
func TestAppend_PlainContent(t *testing.T) {
	server, _ := scriptedServer(t, "Hello world")
	ctrl := newController(t, server.URL, Options{})

	var evolvingIDs []string
	ctrl.Store().Subscribe(func(messages []model.Message) {
		if n := len(messages); n > 0 && messages[n-1].Role == model.RoleAssistant {
			evolvingIDs = append(evolvingIDs, messages[n-1].ID)
		}
	})

	content, err := ctrl.Append(context.Background(), model.NewUserMessage("hi"), nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if content != "Hello world" {
		t.Errorf("content = %q", content)
	}
	if ctrl.State() != StateDone {
		t.Errorf("state = %v, want done", ctrl.State())
	}

	messages := ctrl.Store().Messages()
	if len(messages) != 2 {
		t.Fatalf("store len = %d, want user + assistant", len(messages))
	}
	if messages[0].Content != "hi" || messages[1].Content != "Hello world" {
		t.Errorf("sequence = %q, %q", messages[0].Content, messages[1].Content)
	}
	if ctrl.Store().Speculative() {
		t.Error("completed exchange must clear the speculative marker")
	}

	if len(evolvingIDs) < 2 {
		t.Fatalf("assistant swaps = %d, want streaming plus final", len(evolvingIDs))
	}
	for i := 1; i < len(evolvingIDs); i++ {
		if evolvingIDs[i] != evolvingIDs[0] {
			t.Errorf("swap %d changed the evolving message id", i)
		}
	}

	stats := ctrl.LastStats()
	if stats.Chunks == 0 || stats.Bytes != len("Hello world") {
		t.Errorf("stats = %+v", stats)
	}
}

// TestAppend_PreservesExplicitID verifies a caller-supplied message id
// survives into the store.
func TestAppend_PreservesExplicitID(t *testing.T) {
	server, _ := scriptedServer(t, "ok")
	ctrl := newController(t, server.URL, Options{})

	msg := model.NewUserMessage("hi")
	msg.ID = "msg_explicit"
	if _, err := ctrl.Append(context.Background(), msg, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := ctrl.Store().Messages()[0].ID; got != "msg_explicit" {
		t.Errorf("stored id = %q", got)
	}
}

// =============================================================================
// FAILURE AND ROLLBACK
// =============================================================================

// TestAppend_RollbackOnStatusError verifies a failed exchange restores the
// pre-submission sequence and surfaces the status error.
func TestAppend_RollbackOnStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	st := store.New("test", []model.Message{model.NewUserMessage("kept")})
	var observed []error
	ctrl := New(st, client.New(server.URL), Options{
		Callbacks: Callbacks{OnError: func(err error) { observed = append(observed, err) }},
	})

	_, err := ctrl.Append(context.Background(), model.NewUserMessage("doomed"), nil)

	var statusErr *client.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *client.StatusError", err)
	}
	if ctrl.State() != StateFailed {
		t.Errorf("state = %v, want failed", ctrl.State())
	}
	if len(observed) != 1 {
		t.Errorf("OnError calls = %d, want 1", len(observed))
	}

	messages := st.Messages()
	if len(messages) != 1 || messages[0].Content != "kept" {
		t.Errorf("store = %+v, want rollback to the original sequence", messages)
	}
}

// TestAppend_DecodeErrorNotRolledBack verifies a malformed envelope at
// stream end is fatal without restoring the snapshot: the exchange did
// deliver a response.
func TestAppend_DecodeErrorNotRolledBack(t *testing.T) {
	server, _ := scriptedServer(t, `{"function_call":{"name":"broken"`)
	ctrl := newController(t, server.URL, Options{})

	_, err := ctrl.Append(context.Background(), model.NewUserMessage("hi"), nil)

	var decErr *decode.Error
	if !errors.As(err, &decErr) {
		t.Fatalf("err = %v, want *decode.Error", err)
	}

	messages := ctrl.Store().Messages()
	if len(messages) == 0 || messages[0].Content != "hi" {
		t.Errorf("store = %+v, decode failure must not roll back", messages)
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

// TestStop_MidStream verifies Stop resolves the submission silently and the
// partial assistant message stays in the store.
func TestStop_MidStream(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Write([]byte("partial "))
		flusher.Flush()
		<-release
		w.Write([]byte("never seen"))
	}))
	defer server.Close()
	defer close(release)

	ctrl := newController(t, server.URL, Options{})

	firstChunk := make(chan struct{})
	var signalled atomic.Bool
	ctrl.Store().Subscribe(func(messages []model.Message) {
		if n := len(messages); n > 0 && messages[n-1].Content == "partial " {
			if signalled.CompareAndSwap(false, true) {
				close(firstChunk)
			}
		}
	})

	type result struct {
		content string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		content, err := ctrl.Append(context.Background(), model.NewUserMessage("hi"), nil)
		done <- result{content, err}
	}()

	select {
	case <-firstChunk:
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never arrived")
	}
	ctrl.Stop()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Append did not resolve after Stop")
	}

	if res.err != nil {
		t.Errorf("err = %v, cancellation must be silent", res.err)
	}
	if res.content != "" {
		t.Errorf("content = %q, want empty on cancellation", res.content)
	}
	if ctrl.State() != StateCancelled {
		t.Errorf("state = %v, want cancelled", ctrl.State())
	}

	messages := ctrl.Store().Messages()
	if n := len(messages); n == 0 || messages[n-1].Content != "partial " {
		t.Errorf("store = %+v, partial progress must remain", messages)
	}
}

// TestAppend_QueuedMidStream verifies an Append issued while another
// submission is streaming builds its envelope from that submission's
// completed outcome, not from the mid-stream sequence it observed at call
// time. The completed first answer must survive in full.
func TestAppend_QueuedMidStream(t *testing.T) {
	release := make(chan struct{})
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		if requests.Add(1) == 1 {
			w.Write([]byte("answer "))
			flusher.Flush()
			<-release
			w.Write([]byte("one, complete"))
			return
		}
		w.Write([]byte("answer two"))
	}))
	defer server.Close()

	ctrl := newController(t, server.URL, Options{})

	firstChunk := make(chan struct{})
	var signalled atomic.Bool
	ctrl.Store().Subscribe(func(messages []model.Message) {
		if n := len(messages); n > 0 && messages[n-1].Content == "answer " {
			if signalled.CompareAndSwap(false, true) {
				close(firstChunk)
			}
		}
	})

	errs := make(chan error, 2)
	go func() {
		_, err := ctrl.Append(context.Background(), model.NewUserMessage("one"), nil)
		errs <- err
	}()

	select {
	case <-firstChunk:
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk never arrived")
	}

	// Queue the second submission while the first is still streaming, then
	// let the first finish.
	go func() {
		_, err := ctrl.Append(context.Background(), model.NewUserMessage("two"), nil)
		errs <- err
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("submission did not resolve")
		}
	}

	contents := make([]string, 0, 4)
	for _, msg := range ctrl.Store().Messages() {
		contents = append(contents, msg.Content)
	}
	want := []string{"one", "answer one, complete", "two", "answer two"}
	if len(contents) != len(want) {
		t.Fatalf("contents = %q, want %q", contents, want)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Fatalf("contents = %q, want %q", contents, want)
		}
	}
}

// TestStop_Idle verifies Stop with nothing in flight is a no-op.
func TestStop_Idle(t *testing.T) {
	server, _ := scriptedServer(t, "ok")
	ctrl := newController(t, server.URL, Options{})

	ctrl.Stop()
	ctrl.Stop()

	content, err := ctrl.Append(context.Background(), model.NewUserMessage("hi"), nil)
	if err != nil || content != "ok" {
		t.Fatalf("Append after idle Stop: %q, %v", content, err)
	}
}

// =============================================================================
// FUNCTION-CALL LOOP
// =============================================================================

// TestFunctionCallLoop verifies the full round trip: structured call,
// handler resolution, resubmission, terminal plain content.
func TestFunctionCallLoop(t *testing.T) {
	server, requests := scriptedServer(t,
		`{"function_call":{"name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}}`,
		"It is sunny in Oslo.",
	)

	var handlerCalls []model.FunctionCall
	ctrl := newController(t, server.URL, Options{
		Handler: func(_ context.Context, call model.FunctionCall, env model.Envelope) (model.Envelope, error) {
			handlerCalls = append(handlerCalls, call)
			return env.WithMessage(model.NewFunctionMessage(call.Name, "sunny")), nil
		},
	})

	content, err := ctrl.Append(context.Background(), model.NewUserMessage("weather in Oslo?"), nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if content != "It is sunny in Oslo." {
		t.Errorf("content = %q", content)
	}
	if requests.Load() != 2 {
		t.Errorf("requests = %d, want 2", requests.Load())
	}

	if len(handlerCalls) != 1 {
		t.Fatalf("handler calls = %d, want 1", len(handlerCalls))
	}
	if handlerCalls[0].Name != "get_weather" {
		t.Errorf("handler saw call %+v", handlerCalls[0])
	}

	roles := make([]model.Role, 0, 4)
	for _, msg := range ctrl.Store().Messages() {
		roles = append(roles, msg.Role)
	}
	want := []model.Role{model.RoleUser, model.RoleAssistant, model.RoleFunction, model.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
}

// TestFunctionCallLoop_NilHandler verifies a structured call with no handler
// configured becomes the final message instead of looping.
func TestFunctionCallLoop_NilHandler(t *testing.T) {
	server, requests := scriptedServer(t,
		`{"function_call":{"name":"get_weather","arguments":"{}"}}`,
	)

	var finished []model.Message
	ctrl := newController(t, server.URL, Options{
		Callbacks: Callbacks{OnFinish: func(msg model.Message) { finished = append(finished, msg) }},
	})

	content, err := ctrl.Append(context.Background(), model.NewUserMessage("hi"), nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if content != "" {
		t.Errorf("content = %q, resolved call carries no plain content", content)
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1 (no resubmission)", requests.Load())
	}
	if len(finished) != 1 || !finished[0].FunctionCall.Resolved() {
		t.Errorf("OnFinish = %+v, want the resolved-call message", finished)
	}
}

// TestFunctionCallLoop_Exceeded verifies the round guard converts a model
// that never stops calling functions into ErrLoopExceeded.
func TestFunctionCallLoop_Exceeded(t *testing.T) {
	server, requests := scriptedServer(t,
		`{"function_call":{"name":"again","arguments":"{}"}}`,
	)

	handlerCalls := 0
	ctrl := newController(t, server.URL, Options{
		MaxRounds: 2,
		Handler: func(_ context.Context, call model.FunctionCall, env model.Envelope) (model.Envelope, error) {
			handlerCalls++
			return env.WithMessage(model.NewFunctionMessage(call.Name, "ok")), nil
		},
	})

	_, err := ctrl.Append(context.Background(), model.NewUserMessage("hi"), nil)
	if !errors.Is(err, ErrLoopExceeded) {
		t.Fatalf("err = %v, want ErrLoopExceeded", err)
	}
	if handlerCalls != 2 {
		t.Errorf("handler calls = %d, want MaxRounds", handlerCalls)
	}
	if requests.Load() != 3 {
		t.Errorf("requests = %d, want MaxRounds+1", requests.Load())
	}
	if ctrl.State() != StateFailed {
		t.Errorf("state = %v, want failed", ctrl.State())
	}
}

// TestFunctionCallLoop_HandlerError verifies handler failures are wrapped
// with the function name and fail the submission.
func TestFunctionCallLoop_HandlerError(t *testing.T) {
	server, _ := scriptedServer(t,
		`{"function_call":{"name":"get_weather","arguments":"{}"}}`,
	)

	boom := errors.New("boom")
	ctrl := newController(t, server.URL, Options{
		Handler: func(context.Context, model.FunctionCall, model.Envelope) (model.Envelope, error) {
			return model.Envelope{}, boom
		},
	})

	_, err := ctrl.Append(context.Background(), model.NewUserMessage("hi"), nil)

	var handlerErr *HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("err = %v, want *HandlerError", err)
	}
	if handlerErr.Name != "get_weather" {
		t.Errorf("Name = %q", handlerErr.Name)
	}
	if !errors.Is(err, boom) {
		t.Error("HandlerError must unwrap to the handler's error")
	}
}

// =============================================================================
// RELOAD
// =============================================================================

// TestReload_DropsTrailingAssistant verifies Reload replaces the last
// assistant answer rather than stacking a second one.
func TestReload_DropsTrailingAssistant(t *testing.T) {
	server, _ := scriptedServer(t, "replacement")

	st := store.New("test", []model.Message{
		model.NewUserMessage("question"),
		model.NewMessage(model.RoleAssistant, "first answer"),
	})
	ctrl := New(st, client.New(server.URL), Options{})

	content, err := ctrl.Reload(context.Background(), nil)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if content != "replacement" {
		t.Errorf("content = %q", content)
	}

	messages := st.Messages()
	if len(messages) != 2 {
		t.Fatalf("store len = %d, want 2", len(messages))
	}
	if messages[1].Content != "replacement" {
		t.Errorf("last = %q, want the replacement answer", messages[1].Content)
	}
}

// TestReload_NoTrailingAssistant verifies Reload submits the sequence
// unchanged when it does not end with an assistant message.
func TestReload_NoTrailingAssistant(t *testing.T) {
	server, _ := scriptedServer(t, "answer")

	st := store.New("test", []model.Message{model.NewUserMessage("question")})
	ctrl := New(st, client.New(server.URL), Options{})

	if _, err := ctrl.Reload(context.Background(), nil); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	messages := st.Messages()
	if len(messages) != 2 || messages[0].Content != "question" {
		t.Errorf("store = %+v", messages)
	}
}
