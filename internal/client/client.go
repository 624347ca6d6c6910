// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client implements the HTTP exchange with a chat-completion
// endpoint.
//
// The client POSTs a JSON body built from a request envelope and hands the
// response body to the caller chunk by chunk. It knows nothing about
// message stores or function-call loops; those live in the controller.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/chatwire/internal/model"
)

// Configuration constants for the chat-completion exchange.
const (
	// DefaultErrorText is used when a non-success response carries an
	// empty body.
	DefaultErrorText = "failed to fetch the chat response"

	// MaxErrorBodySize caps how much of an error response body is read.
	MaxErrorBodySize = 64 * 1024

	// streamBufferSize is the read buffer for response body chunks.
	streamBufferSize = 4 * 1024
)

// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
// Shared HTTP client for streaming requests; no client timeout, lifetime is
// controlled via context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrEmptyBody indicates a success response whose body carried no bytes.
var ErrEmptyBody = errors.New("response body is empty")

// StatusError reports a non-success HTTP status. Body holds the response
// body text, or DefaultErrorText when the body was empty.
type StatusError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("chat endpoint error (HTTP %d): %s", e.Status, e.Body)
}

// =============================================================================
// CLIENT
// =============================================================================

// logger is the minimal logging surface the client needs. *log.Logger
// satisfies it, as does zap via zap.NewStdLog.
type logger interface {
	Printf(format string, v ...interface{})
}

// ChunkFunc receives each raw chunk of the response body in arrival order.
// Returning true stops the read without error; remaining input is
// discarded.
type ChunkFunc func(chunk []byte) (stop bool)

// ResponseHook inspects the raw response before the body is consumed.
// Returning an error aborts the exchange.
type ResponseHook func(resp *http.Response) error

// Client performs streaming chat-completion exchanges against a single
// configured endpoint.
type Client struct {
	endpoint   string
	headers    map[string]string
	extraBody  map[string]interface{}
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logger
}

// New creates a client for the given endpoint URL.
func New(endpoint string) *Client {
	return &Client{
		endpoint:   endpoint,
		headers:    make(map[string]string),
		httpClient: sharedStreamingClient,
	}
}

// WithHeader adds a header sent on every request.
func (c *Client) WithHeader(key, value string) *Client {
	c.headers[key] = value
	return c
}

// WithHeaders replaces the header set sent on every request.
func (c *Client) WithHeaders(headers map[string]string) *Client {
	c.headers = make(map[string]string, len(headers))
	for k, v := range headers {
		c.headers[k] = v
	}
	return c
}

// WithExtraBody sets additional top-level fields merged into every request
// body (model name, temperature, and similar endpoint knobs).
func (c *Client) WithExtraBody(fields map[string]interface{}) *Client {
	c.extraBody = fields
	return c
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests and by
// callers that need custom transports.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithRateLimit enables client-side request rate limiting.
func (c *Client) WithRateLimit(perSecond float64, burst int) *Client {
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return c
}

// WithLogger sets a request-level debug logger.
func (c *Client) WithLogger(l logger) *Client {
	c.logger = l
	return c
}

// Endpoint returns the configured endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// =============================================================================
// WIRE FORMAT
// =============================================================================

// wireMessage is the serialized message shape: {role, content, name?,
// function_call?} with empty optional fields omitted.
type wireMessage struct {
	Role         string            `json:"role"`
	Content      string            `json:"content"`
	Name         string            `json:"name,omitempty"`
	FunctionCall *wireFunctionCall `json:"function_call,omitempty"`
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// buildBody serializes the envelope plus the client's extra body fields
// into the request body document.
func (c *Client) buildBody(env model.Envelope) ([]byte, error) {
	body := make(map[string]interface{}, len(c.extraBody)+3)
	for k, v := range c.extraBody {
		body[k] = v
	}

	messages := make([]wireMessage, 0, len(env.Messages))
	for _, msg := range env.Messages {
		wm := wireMessage{
			Role:    msg.Role.String(),
			Content: msg.Content,
			Name:    msg.Name,
		}
		if msg.FunctionCall.Resolved() {
			wm.FunctionCall = &wireFunctionCall{
				Name:      msg.FunctionCall.Name,
				Arguments: msg.FunctionCall.Arguments,
			}
		}
		messages = append(messages, wm)
	}
	body["messages"] = messages

	if len(env.Functions) > 0 {
		body["functions"] = env.Functions
	}
	if len(env.FunctionCall) > 0 {
		body["function_call"] = env.FunctionCall
	}

	return json.Marshal(body)
}

// =============================================================================
// STREAMING EXCHANGE
// =============================================================================

// Stream submits the envelope and feeds every response body chunk to fn in
// arrival order. hook, when non-nil, inspects the raw response before the
// body is read.
//
// Error cases: transport failures and hook failures are returned as-is, a
// non-success status becomes *StatusError carrying the body text, and a
// success response that ends with zero body bytes returns ErrEmptyBody.
// A read aborted by fn returning true is not an error.
func (c *Client) Stream(ctx context.Context, env model.Envelope, hook ResponseHook, fn ChunkFunc) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	bodyBytes, err := c.buildBody(env)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	if c.logger != nil {
		c.logger.Printf("chat request: %d messages, %d functions", len(env.Messages), len(env.Functions))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if hook != nil {
		if err := hook(resp); err != nil {
			return err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp)
	}

	return readStream(resp.Body, fn)
}

// statusError converts a non-success response into *StatusError.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
	text := string(body)
	if text == "" {
		text = DefaultErrorText
	}
	if c.logger != nil {
		c.logger.Printf("chat error status %d: %s", resp.StatusCode, text)
	}
	return &StatusError{Status: resp.StatusCode, Body: text}
}

// readStream delivers body chunks to fn until EOF, an error, or fn asking
// to stop.
func readStream(body io.Reader, fn ChunkFunc) error {
	buf := make([]byte, streamBufferSize)
	total := 0

	for {
		n, err := body.Read(buf)
		if n > 0 {
			total += n
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if fn(chunk) {
				return nil
			}
		}
		if err == io.EOF {
			if total == 0 {
				return ErrEmptyBody
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
