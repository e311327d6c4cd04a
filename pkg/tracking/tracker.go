package tracking

import (
	"time"

	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/session"
	"github.com/odvcencio/scribe/pkg/storage"
)

// Tracker persists request rows and refreshes the parent session's
// activity. Every write is best-effort: failures are logged and swallowed
// so an unavailable store never breaks tool execution.
type Tracker struct {
	store     *storage.Store
	registry  *session.Registry
	log       *logging.Logger
	costPer1K float64
	now       func() time.Time

	// onRecord, when set, observes each saved row. Used for metrics.
	onRecord func(req *storage.Request)
}

// TrackerConfig configures the request tracker.
type TrackerConfig struct {
	Store           *storage.Store
	Registry        *session.Registry
	Log             *logging.Logger
	CostPer1KTokens float64
	OnRecord        func(req *storage.Request)

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// NewTracker creates a request tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	log := cfg.Log
	if log == nil {
		log = logging.NewNopLogger()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		store:     cfg.Store,
		registry:  cfg.Registry,
		log:       log,
		costPer1K: cfg.CostPer1KTokens,
		now:       now,
		onRecord:  cfg.OnRecord,
	}
}

// Record saves a request row and touches the parent session. A row without
// a session id is dropped; the requests table only holds attributed calls.
func (t *Tracker) Record(req *storage.Request) {
	if req == nil || req.SessionID == "" {
		return
	}

	if err := t.store.SaveRequest(req); err != nil {
		t.log.Error(logging.CategoryTracking, "record_failed", "could not save request row", map[string]any{
			"session_id": req.SessionID,
			"tool_name":  req.ToolName,
			"error":      err.Error(),
		})
		return
	}

	if t.registry != nil {
		t.registry.Touch(req.SessionID)
	}
	if t.onRecord != nil {
		t.onRecord(req)
	}

	t.log.Debug(logging.CategoryTracking, "request_recorded", "tool call recorded", map[string]any{
		"session_id":   req.SessionID,
		"tool_name":    req.ToolName,
		"total_tokens": req.TotalTokens,
		"status":       req.Status,
	})
}
