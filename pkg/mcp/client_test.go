package mcp

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odvcencio/scribe/pkg/config"
	"github.com/odvcencio/scribe/pkg/storage"
)

func newClientFixture(t *testing.T) (*serverFixture, *Client) {
	t.Helper()
	f := newServerFixture(t)
	client, err := NewClient(ClientConfig{
		BaseURL: f.ts.URL,
		Name:    "internal-indexer",
		Version: "0.3.0",
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return f, client
}

func TestClientLazyInitializeAndCall(t *testing.T) {
	f, client := newClientFixture(t)

	res, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "hi" {
		t.Fatalf("unexpected result %+v", res)
	}

	// The first call established both sessions lazily.
	if client.SessionID() == "" {
		t.Fatal("expected analytics session cached after first call")
	}
	if f.server.protocol.Count() != 1 {
		t.Fatalf("expected one protocol session, got %d", f.server.protocol.Count())
	}
	if !f.registry.Validate(client.SessionID()) {
		t.Fatal("cached analytics session must be live")
	}
}

func TestClientReusesSessionAcrossCalls(t *testing.T) {
	f, client := newClientFixture(t)

	if _, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "a"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	first := client.SessionID()
	if _, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "b"}); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if client.SessionID() != first {
		t.Fatalf("expected one analytics session, got %s then %s", first, client.SessionID())
	}

	count, err := f.store.CountRequests(first)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}
}

func TestClientReinitializesOnInvalidSession(t *testing.T) {
	f, client := newClientFixture(t)

	if _, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "a"}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// Simulate a server-side protocol session loss (e.g. server restart).
	client.mu.Lock()
	lostProto := client.protoID
	client.mu.Unlock()
	f.server.protocol.Close(lostProto)

	if _, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "b"}); err != nil {
		t.Fatalf("call after session loss: %v", err)
	}

	client.mu.Lock()
	newProto := client.protoID
	client.mu.Unlock()
	if newProto == lostProto || newProto == "" {
		t.Fatalf("expected fresh protocol session, got %q", newProto)
	}
}

func TestClientListToolsAndPing(t *testing.T) {
	_, client := newClientFixture(t)

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	f := newServerFixture(t)

	// Proxy that 503s the first two tool calls, passing everything else
	// through to the real server.
	var failures int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if strings.Contains(string(body), `"tools/call"`) && atomic.AddInt32(&failures, 1) <= 2 {
			http.Error(w, "temporarily overloaded", http.StatusServiceUnavailable)
			return
		}

		req, err := http.NewRequestWithContext(r.Context(), r.Method, f.ts.URL+r.URL.Path, bytes.NewReader(body))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		req.Header = r.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		for k, vals := range resp.Header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	t.Cleanup(proxy.Close)

	client, err := NewClient(ClientConfig{
		BaseURL: proxy.URL,
		Retry: RetryConfig{
			MaxAttempts:  4,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	res, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "through"})
	if err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if res.Content[0].Text != "through" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestClientSurfacesExhaustedRetries(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)

	client, err := NewClient(ClientConfig{
		BaseURL: down.URL,
		Retry: RetryConfig{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	if _, err := client.CallTool(context.Background(), "echo", nil); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
}

func TestClientCloseEndsSessions(t *testing.T) {
	f, client := newClientFixture(t)

	if _, err := client.CallTool(context.Background(), "echo", map[string]any{}); err != nil {
		t.Fatalf("call: %v", err)
	}
	analyticsID := client.SessionID()

	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.server.protocol.Count() != 0 {
		t.Fatal("expected server-side protocol session dropped")
	}
	sess, err := f.store.GetSession(analyticsID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != storage.SessionStatusDisconnected {
		t.Fatalf("expected disconnected, got %s", sess.Status)
	}

	// Calls after Close fail deterministically.
	if _, err := client.CallTool(context.Background(), "echo", nil); err != ErrClientClosed {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestClientRetryDefaultsFollowConfig(t *testing.T) {
	client, err := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	want := RetryFromPolicy(config.Default().Retry)
	if client.retry != want {
		t.Fatalf("retry defaults = %+v, want config defaults %+v", client.retry, want)
	}

	// Explicit settings win over the defaults.
	client, err = NewClient(ClientConfig{
		BaseURL: "http://127.0.0.1:1",
		Retry:   RetryConfig{MaxAttempts: 7, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 3, Jitter: 0.5},
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if client.retry.MaxAttempts != 7 || client.retry.Multiplier != 3 || client.retry.Jitter != 0.5 {
		t.Fatalf("explicit retry settings overridden: %+v", client.retry)
	}
}

func TestTransientErrorClassification(t *testing.T) {
	if transientError(nil) {
		t.Fatal("nil is not transient")
	}
	if transientError(context.Canceled) {
		t.Fatal("cancellation is not transient")
	}
	if !transientError(errTimeout{}) {
		t.Fatal("temporary network errors are transient")
	}
}

type errTimeout struct{}

func (errTimeout) Error() string   { return "dial timeout" }
func (errTimeout) Temporary() bool { return true }
