package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/scribe/pkg/config"
)

// ErrClientClosed is returned by calls on a closed client.
var ErrClientClosed = errors.New("mcp: client closed")

// ErrSessionInvalid signals the server rejected our protocol session. The
// client recovers from it internally by re-running the handshake.
var ErrSessionInvalid = errors.New("mcp: session invalid")

// RetryConfig configures retry behavior for transient call failures.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// RetryFromPolicy converts the configuration file's retry_policy section
// into client retry settings.
func RetryFromPolicy(p config.RetryPolicy) RetryConfig {
	return RetryConfig{
		MaxAttempts:  p.MaxAttempts,
		InitialDelay: p.InitialBackoff,
		MaxDelay:     p.MaxBackoff,
		Multiplier:   p.Multiplier,
		Jitter:       p.Jitter,
	}
}

// ClientConfig configures the convenience client.
type ClientConfig struct {
	BaseURL string
	// Name and Version identify this caller in the initialize handshake.
	Name    string
	Version string

	// Retry overrides the retry_policy defaults per field; zero-valued
	// fields fall back to the configuration defaults.
	Retry      RetryConfig
	HTTPClient *http.Client
}

// Client is the convenience wrapper internal services use to call tools.
// It performs the initialize handshake lazily on first use, caches both
// session headers, re-initializes once when the server reports an invalid
// session, and retries transient failures with capped exponential backoff.
type Client struct {
	baseURL string
	name    string
	version string
	retry   RetryConfig
	http    *http.Client

	msgID int64

	mu          sync.Mutex
	closed      bool
	initialized bool
	protoID     string
	analyticsID string
}

// NewClient creates a client. No network traffic happens until the first
// call.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	defaults := RetryFromPolicy(config.Default().Retry)
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaults.MaxAttempts
	}
	if retry.InitialDelay <= 0 {
		retry.InitialDelay = defaults.InitialDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = defaults.MaxDelay
	}
	if retry.Multiplier <= 1 {
		retry.Multiplier = defaults.Multiplier
	}
	if retry.Jitter <= 0 {
		retry.Jitter = defaults.Jitter
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	name := cfg.Name
	if name == "" {
		name = "scribe-client"
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		name:    name,
		version: cfg.Version,
		retry:   retry,
		http:    httpClient,
	}, nil
}

func (c *Client) nextID() int64 {
	return atomic.AddInt64(&c.msgID, 1)
}

// post sends one JSON-RPC message and decodes the response envelope. It
// returns the protocol session id the server attached to the response;
// the analytics header updates the cache as a side effect.
func (c *Client) post(ctx context.Context, method string, params any, protoID string) (*Message, string, error) {
	var paramsBytes json.RawMessage
	if params != nil {
		var err error
		paramsBytes, err = json.Marshal(params)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	id := c.nextID()
	rawID, _ := json.Marshal(id)
	msg := Message{
		JSONRPC: "2.0",
		ID:      rawID,
		Method:  method,
		Params:  paramsBytes,
	}
	if strings.HasPrefix(method, "notifications/") {
		msg.ID = nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if protoID != "" {
		req.Header.Set(HeaderProtocolSession, protoID)
	}
	c.mu.Lock()
	if c.analyticsID != "" {
		req.Header.Set(HeaderAnalyticsSession, c.analyticsID)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", ErrSessionInvalid
	}
	if resp.StatusCode >= 500 {
		return nil, "", fmt.Errorf("server error: %s", resp.Status)
	}

	respProto := resp.Header.Get(HeaderProtocolSession)
	if got := resp.Header.Get(HeaderAnalyticsSession); got != "" {
		c.mu.Lock()
		c.analyticsID = got
		c.mu.Unlock()
	}

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return &Message{JSONRPC: "2.0"}, respProto, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, "", fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Error != nil && out.Error.Code == CodeSessionInvalid {
		return nil, "", ErrSessionInvalid
	}
	return &out, respProto, nil
}

// ensureInitialized performs the handshake exactly once per live session
// and returns the protocol session id to use for the call.
func (c *Client) ensureInitialized(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClientClosed
	}
	if c.initialized {
		id := c.protoID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	return c.reinitialize(ctx)
}

// reinitialize runs a fresh handshake, replacing any cached session state.
func (c *Client) reinitialize(ctx context.Context) (string, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: c.name, Version: c.version},
	}
	resp, protoID, err := c.post(ctx, "initialize", params, "")
	if err != nil {
		return "", fmt.Errorf("initialize failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("initialize error: %s", resp.Error.Message)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("failed to parse initialize result: %w", err)
	}
	if protoID == "" {
		return "", fmt.Errorf("initialize response missing session header")
	}

	if _, _, err := c.post(ctx, "notifications/initialized", nil, protoID); err != nil {
		return "", fmt.Errorf("initialized notification failed: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.protoID = protoID
	c.mu.Unlock()
	return protoID, nil
}

// call runs one request with session recovery and transient retry. On an
// invalid-session signal it re-initializes and repeats the call once; a
// second invalid-session failure surfaces.
func (c *Client) call(ctx context.Context, method string, params any) (*Message, error) {
	reinitialized := false
	delay := c.retry.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		protoID, err := c.ensureInitialized(ctx)
		if err != nil {
			return nil, err
		}

		resp, _, err := c.post(ctx, method, params, protoID)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, ErrSessionInvalid) {
			if reinitialized {
				return nil, err
			}
			reinitialized = true
			c.mu.Lock()
			c.initialized = false
			c.protoID = ""
			c.analyticsID = ""
			c.mu.Unlock()
			// Session recovery does not consume a retry attempt.
			attempt--
			continue
		}

		if !transientError(err) || attempt == c.retry.MaxAttempts {
			return nil, err
		}
		if err := sleepWithContext(ctx, applyJitter(delay, c.retry.Jitter)); err != nil {
			return nil, err
		}
		delay = minDuration(time.Duration(float64(delay)*c.retry.Multiplier), c.retry.MaxDelay)
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", method, c.retry.MaxAttempts, lastErr)
}

// ListTools fetches the list of available tools from the server
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list error: %s", resp.Error.Message)
	}
	var result ToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	resp, err := c.call(ctx, "tools/call", ToolCallParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/call error: %s", resp.Error.Message)
	}
	var result ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return &result, nil
}

// Ping checks server liveness over the established session.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.call(ctx, "ping", nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("ping error: %s", resp.Error.Message)
	}
	return nil
}

// SessionID returns the analytics session id the server attributed our
// calls to, if one has been established.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.analyticsID
}

// Close ends the protocol session on the server and releases the client.
// Safe to call multiple times and on every exit path.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	protoID := c.protoID
	c.protoID = ""
	c.analyticsID = ""
	c.initialized = false
	c.mu.Unlock()

	if protoID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/mcp", nil)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderProtocolSession, protoID)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// transientError reports whether a call failure is worth retrying.
func transientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "server error")
}

func applyJitter(delay time.Duration, jitter float64) time.Duration {
	if delay <= 0 || jitter <= 0 {
		return delay
	}
	if jitter > 1 {
		jitter = 1
	}
	base := float64(delay)
	min := base * (1 - jitter)
	max := base * (1 + jitter)
	return time.Duration(min + rand.Float64()*(max-min))
}

func minDuration(a, b time.Duration) time.Duration {
	if b <= 0 || a < b {
		return a
	}
	return b
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
