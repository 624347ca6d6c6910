// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/chatwire/internal/client"
	"github.com/jeranaias/chatwire/internal/config"
	"github.com/jeranaias/chatwire/internal/controller"
	"github.com/jeranaias/chatwire/internal/model"
)

// previewWidth bounds message previews in /history output.
const previewWidth = 72

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter renders the evolving assistant message incrementally. It
// subscribes to store swaps and prints only the content suffix that appeared
// since the previous swap, so streamed text shows up as it arrives.
type streamPrinter struct {
	out io.Writer

	mu      sync.Mutex
	lastID  string
	printed int
	pending bool
}

func newStreamPrinter(out io.Writer) *streamPrinter {
	return &streamPrinter{out: out}
}

// observe is the store subscription callback.
func (p *streamPrinter) observe(messages []model.Message) {
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	if last.Role != model.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if last.ID != p.lastID {
		p.lastID = last.ID
		p.printed = 0
		p.pending = false
	}

	// A function-call envelope is not printable mid-stream; show a single
	// marker while it accumulates and the parsed call once resolved.
	switch last.FunctionCall.State {
	case model.FunctionCallPending:
		if !p.pending {
			p.pending = true
			fmt.Fprint(p.out, "[function call ...]")
		}
		return
	case model.FunctionCallResolved:
		if p.pending {
			fmt.Fprint(p.out, "\r")
		}
		fmt.Fprintf(p.out, "-> %s(%s)\n", last.FunctionCall.Name, last.FunctionCall.Arguments)
		p.pending = false
		p.printed = len(last.Content)
		return
	}

	if p.printed < len(last.Content) {
		fmt.Fprint(p.out, last.Content[p.printed:])
		p.printed = len(last.Content)
	}
}

// interrupt resets the printer after an aborted or failed exchange so the
// next response starts on a clean line.
func (p *streamPrinter) interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastID = ""
	p.printed = 0
	p.pending = false
}

// =============================================================================
// REPL
// =============================================================================

// repl is the interactive loop: read a line, dispatch slash commands, submit
// everything else as a user message.
type repl struct {
	ctrl    *controller.Controller
	cl      *client.Client
	cfg     config.Config
	printer *streamPrinter

	// reloaded holds the newest config delivered by the file watcher; it
	// is applied on this goroutine before the next submission.
	reloaded *atomic.Pointer[config.Config]

	line        *liner.State
	historyFile string
}

func newREPL(ctrl *controller.Controller, cl *client.Client, cfg config.Config, reloaded *atomic.Pointer[config.Config], printer *streamPrinter) *repl {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	r := &repl{
		ctrl:     ctrl,
		cl:       cl,
		cfg:      cfg,
		printer:  printer,
		reloaded: reloaded,
		line:     line,
	}

	if dir, err := config.ConfigDir(); err == nil {
		r.historyFile = filepath.Join(dir, "history")
		if f, err := os.Open(r.historyFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}
	return r
}

// Close saves input history and restores the terminal.
func (r *repl) Close() {
	if r.historyFile != "" {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

// Run reads input until /quit, EOF, or a prompt abort.
func (r *repl) Run() error {
	for {
		input, err := r.line.Prompt("> ")
		switch {
		case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
			fmt.Println()
			return nil
		case err != nil:
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := r.dispatch(input); quit {
				return nil
			}
			continue
		}

		r.send(input)
	}
}

// dispatch handles a slash command. Returns true to exit the loop.
func (r *repl) dispatch(input string) bool {
	cmd, _, _ := strings.Cut(input, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println("  /history  show the conversation so far")
		fmt.Println("  /clear    drop all messages")
		fmt.Println("  /reload   resubmit, replacing the last assistant answer")
		fmt.Println("  /stop     cancel the in-flight response")
		fmt.Println("  /stats    show stream statistics for the last exchange")
		fmt.Println("  /quit     exit")
	case "/history":
		messages := r.ctrl.Store().Messages()
		if len(messages) == 0 {
			fmt.Println("(empty)")
			break
		}
		for _, msg := range messages {
			fmt.Printf("%-9s %s\n", msg.Role.DisplayName()+":", msg.Preview(previewWidth))
		}
	case "/clear":
		r.ctrl.Store().Replace(nil, false)
		r.printer.interrupt()
		fmt.Println("history cleared")
	case "/reload":
		r.applyReload()
		ctx, cancel := r.requestContext()
		_, err := r.ctrl.Reload(ctx, r.requestOptions())
		cancel()
		fmt.Println()
		if err != nil {
			// Already reported through OnError.
			r.printer.interrupt()
		}
	case "/stop":
		r.ctrl.Stop()
	case "/stats":
		stats := r.ctrl.LastStats()
		if stats.Chunks == 0 {
			fmt.Println("no completed exchange yet")
			break
		}
		fmt.Printf("chunks: %d  bytes: %d  ttfc: %s  total: %s\n",
			stats.Chunks, stats.Bytes,
			stats.TTFC.Round(time.Millisecond),
			stats.Duration.Round(time.Millisecond))
	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
	}
	return false
}

// applyReload picks up a config change delivered by the watcher. The
// endpoint is fixed for the process lifetime; headers, extra body fields,
// and the request deadline follow the file.
func (r *repl) applyReload() {
	next := r.reloaded.Swap(nil)
	if next == nil {
		return
	}
	r.cl.WithHeaders(next.Headers).WithExtraBody(next.Body)
	r.cfg.Headers = next.Headers
	r.cfg.Body = next.Body
	r.cfg.RequestTimeoutSecs = next.RequestTimeoutSecs
	fmt.Println("(config reloaded)")
}

// send submits one user message and blocks until the exchange resolves.
func (r *repl) send(text string) {
	r.applyReload()
	ctx, cancel := r.requestContext()
	defer cancel()

	_, err := r.ctrl.Append(ctx, model.NewUserMessage(text), r.requestOptions())
	fmt.Println()
	if err != nil {
		// Already reported through OnError; the history was rolled back.
		r.printer.interrupt()
	}
}

// requestContext returns the per-submission context, honoring the configured
// deadline when one is set.
func (r *repl) requestContext() (context.Context, context.CancelFunc) {
	if r.cfg.RequestTimeoutSecs > 0 {
		return context.WithTimeout(context.Background(), time.Duration(r.cfg.RequestTimeoutSecs)*time.Second)
	}
	return context.WithCancel(context.Background())
}

func (r *repl) requestOptions() *controller.RequestOptions {
	return &controller.RequestOptions{Functions: builtinFunctions}
}
