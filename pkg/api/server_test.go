package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/scribe/pkg/session"
	"github.com/odvcencio/scribe/pkg/storage"
)

type apiFixture struct {
	store    *storage.Store
	registry *session.Registry
	ts       *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "scribe.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := session.NewRegistry(session.RegistryConfig{
		Store:         store,
		Timeout:       time.Hour,
		IdleThreshold: 5 * time.Minute,
	})
	srv := NewServer(ServerConfig{Store: store, Registry: registry})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &apiFixture{store: store, registry: registry, ts: ts}
}

func (f *apiFixture) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	var body map[string]any
	resp := f.get(t, "/healthz", &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestListSessionsFiltersByStatus(t *testing.T) {
	f := newAPIFixture(t)

	created, err := f.registry.Create(session.Metadata{ClientType: "cursor"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	closed, err := f.registry.Create(session.Metadata{ClientType: "cursor"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.registry.Close(closed.ID, storage.DisconnectReasonClient); err != nil {
		t.Fatalf("close: %v", err)
	}

	var body struct {
		Sessions []storage.Session `json:"sessions"`
		Count    int               `json:"count"`
	}
	f.get(t, "/sessions?status=active", &body)
	if body.Count != 1 || body.Sessions[0].ID != created.ID {
		t.Fatalf("unexpected active list %+v", body)
	}

	body.Sessions = nil
	f.get(t, "/sessions", &body)
	if body.Count != 2 {
		t.Fatalf("expected both sessions unfiltered, got %d", body.Count)
	}

	resp := f.get(t, "/sessions?status=bogus", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", resp.StatusCode)
	}
}

func TestGetSessionDetail(t *testing.T) {
	f := newAPIFixture(t)

	created, err := f.registry.Create(session.Metadata{ClientType: "claude-code"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := f.store.SaveRequest(&storage.Request{
			SessionID:        created.ID,
			Method:           "tools/call",
			ToolName:         "search_docs",
			PromptTokens:     100,
			CompletionTokens: 50,
			EstimatedCost:    0.00045,
		}); err != nil {
			t.Fatalf("save request: %v", err)
		}
	}

	var body struct {
		Session  storage.Session        `json:"session"`
		Requests []storage.Request      `json:"requests"`
		Summary  storage.SessionSummary `json:"summary"`
	}
	resp := f.get(t, "/sessions/"+created.ID, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body.Session.ID != created.ID {
		t.Fatalf("wrong session %+v", body.Session)
	}
	if len(body.Requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(body.Requests))
	}
	if body.Summary.TotalRequests != 3 || body.Summary.TotalTokens != 450 {
		t.Fatalf("unexpected summary %+v", body.Summary)
	}

	resp = f.get(t, "/sessions/does-not-exist", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestUsageSummaryWindow(t *testing.T) {
	f := newAPIFixture(t)

	created, err := f.registry.Create(session.Metadata{ClientType: "cursor"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	now := time.Now().UTC()
	for _, tool := range []string{"read_file", "read_file", "search_docs"} {
		if err := f.store.SaveRequest(&storage.Request{
			SessionID:        created.ID,
			Method:           "tools/call",
			ToolName:         tool,
			PromptTokens:     10,
			CompletionTokens: 5,
			Timestamp:        now,
		}); err != nil {
			t.Fatalf("save request: %v", err)
		}
	}

	var summary storage.UsageSummary
	start := now.Add(-time.Hour).Format(time.RFC3339)
	end := now.Add(time.Hour).Format(time.RFC3339)
	resp := f.get(t, "/usage/summary?start="+start+"&end="+end, &summary)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if summary.TotalRequests != 3 || summary.TotalTokens != 45 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.ByTool) != 2 || summary.ByTool[0].ToolName != "read_file" {
		t.Fatalf("unexpected per-tool breakdown %+v", summary.ByTool)
	}

	// A window before the rows existed is empty.
	emptyEnd := now.Add(-2 * time.Hour).Format(time.RFC3339)
	summary = storage.UsageSummary{}
	f.get(t, "/usage/summary?start="+now.Add(-3*time.Hour).Format(time.RFC3339)+"&end="+emptyEnd, &summary)
	if summary.TotalRequests != 0 {
		t.Fatalf("expected empty window, got %+v", summary)
	}

	resp = f.get(t, "/usage/summary?start=notatime", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad time, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	if _, err := f.registry.Create(session.Metadata{ClientType: "cursor"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	resp := f.get(t, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	// Gauges carry no _total suffix; that is reserved for counters.
	if !strings.Contains(string(body), "scribe_sessions_active 1") {
		t.Fatalf("expected active-session gauge in exposition, got:\n%s", body)
	}
	if strings.Contains(string(body), "scribe_sessions_active_total") {
		t.Fatal("gauge must not carry a _total suffix")
	}
}
