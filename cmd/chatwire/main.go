// chatwire - streaming chat-completion client with function-call support.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/chatwire/internal/client"
	"github.com/jeranaias/chatwire/internal/config"
	"github.com/jeranaias/chatwire/internal/controller"
	"github.com/jeranaias/chatwire/internal/model"
	"github.com/jeranaias/chatwire/internal/store"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.chatwire/config.toml)")
	endpoint := flag.String("endpoint", "", "chat-completion endpoint URL (overrides config)")
	system := flag.String("system", "", "system prompt prepended to the conversation")
	debug := flag.Bool("debug", false, "enable request-level debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatwire %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *endpoint, *system, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "chatwire: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, endpoint, system string, debug bool) error {
	if endpoint != "" {
		os.Setenv("CHATWIRE_ENDPOINT", endpoint)
	}

	var (
		cfg  config.Config
		path string
		err  error
	)
	if configPath != "" {
		path = configPath
		cfg, err = config.LoadFrom(path)
	} else {
		path, err = config.DefaultPath()
		if err == nil {
			cfg, err = config.LoadFrom(path)
		}
	}
	if err != nil {
		return err
	}

	var debugLog *log.Logger
	if debug {
		zl, zerr := zap.NewDevelopment()
		if zerr != nil {
			return zerr
		}
		defer zl.Sync()
		debugLog = zap.NewStdLog(zl)
	}

	cl := client.New(cfg.Endpoint).
		WithHeaders(cfg.Headers).
		WithExtraBody(cfg.Body)
	if cfg.RateLimitPerSec > 0 {
		cl.WithRateLimit(cfg.RateLimitPerSec, cfg.RateLimitBurst)
	}
	if debugLog != nil {
		cl.WithLogger(debugLog)
	}

	// Live reload: the watcher parks the newest valid config here and the
	// REPL applies it before the next submission. Only the REPL goroutine
	// touches the client, so no locking is needed around the With* calls.
	var pendingCfg atomic.Pointer[config.Config]
	if watcher, werr := config.NewWatcher(path, func(next config.Config) {
		pendingCfg.Store(&next)
	}); werr == nil {
		if werr = watcher.Watch(); werr == nil {
			defer watcher.Close()
		} else {
			watcher.Close()
		}
	}

	var initial []model.Message
	if system != "" {
		initial = []model.Message{model.NewSystemMessage(system)}
	}
	st := store.New("default", initial)

	printer := newStreamPrinter(os.Stdout)
	unsubscribe := st.Subscribe(printer.observe)
	defer unsubscribe()

	ctrl := controller.New(st, cl, controller.Options{
		Handler:   functionHandler,
		MaxRounds: cfg.MaxFunctionRounds,
		Callbacks: controller.Callbacks{
			OnError: func(err error) {
				printer.interrupt()
				fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
			},
		},
	})

	// SIGINT while a response is streaming stops the exchange; the partial
	// message stays in the history.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			ctrl.Stop()
		}
	}()

	loop := newREPL(ctrl, cl, cfg, &pendingCfg, printer)
	defer loop.Close()

	fmt.Printf("chatwire %s - %s\n", Version, cfg.Endpoint)
	fmt.Println("Type a message, or /help for commands.")
	return loop.Run()
}

// =============================================================================
// DEMO FUNCTION HANDLER
// =============================================================================

// builtinFunctions is the schema set advertised on every submission.
var builtinFunctions = []model.FunctionSchema{
	{
		Name:        "get_current_time",
		Description: "Returns the current local date and time.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
	},
}

// functionHandler resolves the built-in functions. The result is appended to
// the envelope as a function-role message and the whole thing resubmitted.
func functionHandler(_ context.Context, call model.FunctionCall, env model.Envelope) (model.Envelope, error) {
	switch call.Name {
	case "get_current_time":
		result := time.Now().Format(time.RFC1123)
		return env.WithMessage(model.NewFunctionMessage(call.Name, result)), nil
	default:
		return model.Envelope{}, fmt.Errorf("unknown function %q", call.Name)
	}
}
