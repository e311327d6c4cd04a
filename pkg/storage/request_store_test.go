package storage

import (
	"testing"
	"time"
)

func seedSession(t *testing.T, store *Store, id string, at time.Time) {
	t.Helper()
	sess := &Session{ID: id, ConnectedAt: at, LastActivity: at, Status: SessionStatusActive}
	if err := store.UpsertSession(sess); err != nil {
		t.Fatalf("seed session %s: %v", id, err)
	}
}

func TestSaveRequestDerivesTotals(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	seedSession(t, store, "sess-1", now)

	req := &Request{
		SessionID:        "sess-1",
		Method:           "tools/call",
		ToolName:         "search_knowledge",
		PromptTokens:     120,
		CompletionTokens: 80,
		TotalTokens:      999, // ignored, derived from prompt + completion
		EstimatedCost:    0.004,
		Timestamp:        now,
		DurationMs:       52,
		Status:           RequestStatusSuccess,
	}
	if err := store.SaveRequest(req); err != nil {
		t.Fatalf("save request: %v", err)
	}
	if req.ID == 0 {
		t.Fatal("expected request id to be assigned")
	}
	if req.TotalTokens != 200 {
		t.Fatalf("expected derived total 200, got %d", req.TotalTokens)
	}

	list, err := store.ListRequests("sess-1", 10)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(list) != 1 || list[0].ToolName != "search_knowledge" || list[0].TotalTokens != 200 {
		t.Fatalf("unexpected requests: %+v", list)
	}
}

func TestListRequestsBounded(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	seedSession(t, store, "sess-many", now)

	for i := 0; i < 120; i++ {
		req := &Request{
			SessionID: "sess-many",
			Method:    "tools/call",
			ToolName:  "list_tasks",
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveRequest(req); err != nil {
			t.Fatalf("save request %d: %v", i, err)
		}
	}

	list, err := store.ListRequests("sess-many", 0)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(list) != 100 {
		t.Fatalf("expected history bounded to 100, got %d", len(list))
	}
	// Newest first.
	if !list[0].Timestamp.After(list[len(list)-1].Timestamp) {
		t.Fatalf("expected newest-first ordering, got first=%v last=%v", list[0].Timestamp, list[len(list)-1].Timestamp)
	}

	count, err := store.CountRequests("sess-many")
	if err != nil {
		t.Fatalf("count requests: %v", err)
	}
	if count != 120 {
		t.Fatalf("expected 120 requests, got %d", count)
	}
}

func TestDeleteSessionCascadesRequests(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	seedSession(t, store, "sess-cascade", now)
	seedSession(t, store, "sess-keep", now)

	for i := 0; i < 3; i++ {
		if err := store.SaveRequest(&Request{SessionID: "sess-cascade", Method: "tools/call", ToolName: "get_document"}); err != nil {
			t.Fatalf("save request: %v", err)
		}
	}
	if err := store.SaveRequest(&Request{SessionID: "sess-keep", Method: "ping"}); err != nil {
		t.Fatalf("save request: %v", err)
	}

	if err := store.DeleteSession("sess-cascade"); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	count, err := store.CountRequests("sess-cascade")
	if err != nil {
		t.Fatalf("count requests: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected cascade delete to remove requests, got %d", count)
	}

	// Unrelated session untouched.
	count, err = store.CountRequests("sess-keep")
	if err != nil {
		t.Fatalf("count requests: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 surviving request, got %d", count)
	}
}

func TestUsageSummary(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	seedSession(t, store, "sess-u", now)

	inWindow := []*Request{
		{SessionID: "sess-u", Method: "tools/call", ToolName: "search_knowledge", PromptTokens: 100, CompletionTokens: 50, EstimatedCost: 0.003, Timestamp: now},
		{SessionID: "sess-u", Method: "tools/call", ToolName: "search_knowledge", PromptTokens: 60, CompletionTokens: 40, EstimatedCost: 0.002, Timestamp: now.Add(time.Minute), Status: RequestStatusError, ErrorMessage: "backend unreachable"},
		{SessionID: "sess-u", Method: "tools/call", ToolName: "create_task", PromptTokens: 30, CompletionTokens: 10, EstimatedCost: 0.001, Timestamp: now.Add(2 * time.Minute)},
	}
	for _, req := range inWindow {
		if err := store.SaveRequest(req); err != nil {
			t.Fatalf("save request: %v", err)
		}
	}
	// Outside the window.
	if err := store.SaveRequest(&Request{SessionID: "sess-u", Method: "tools/call", ToolName: "create_task", Timestamp: now.Add(2 * time.Hour)}); err != nil {
		t.Fatalf("save request: %v", err)
	}

	summary, err := store.GetUsageSummary(now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("usage summary: %v", err)
	}
	if summary.TotalRequests != 3 {
		t.Fatalf("expected 3 requests in window, got %d", summary.TotalRequests)
	}
	if summary.TotalTokens != 290 {
		t.Fatalf("expected 290 tokens, got %d", summary.TotalTokens)
	}
	if len(summary.ByTool) != 2 {
		t.Fatalf("expected 2 tools in breakdown, got %+v", summary.ByTool)
	}
	if summary.ByTool[0].ToolName != "search_knowledge" || summary.ByTool[0].TotalRequests != 2 {
		t.Fatalf("expected search_knowledge first with 2 requests, got %+v", summary.ByTool[0])
	}
	if summary.ByTool[0].ErrorCount != 1 {
		t.Fatalf("expected 1 error for search_knowledge, got %d", summary.ByTool[0].ErrorCount)
	}

	sessSummary, err := store.GetSessionSummary("sess-u")
	if err != nil {
		t.Fatalf("session summary: %v", err)
	}
	if sessSummary.TotalRequests != 4 {
		t.Fatalf("expected 4 total requests for session, got %d", sessSummary.TotalRequests)
	}
}

func TestMigrationsRecorded(t *testing.T) {
	store := newTestStore(t)

	version, err := store.GetSchemaVersion()
	if err != nil {
		t.Fatalf("get schema version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}
}
