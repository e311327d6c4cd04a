// Package tracking records one row per tool invocation and resolves which
// analytics session each call belongs to. Tracking is strictly best-effort:
// a failure here never fails the tool call it observes.
package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/session"
	"github.com/odvcencio/scribe/pkg/storage"
)

// ExecutionContext carries request metadata through the middleware chain.
type ExecutionContext struct {
	Context  context.Context
	Method   string
	ToolName string

	// ConnectionID identifies the transport-level connection (the protocol
	// session). Used as the cache key for lazy session resolution.
	ConnectionID string
	// HeaderSessionID is the analytics session id the client supplied, if any.
	HeaderSessionID string
	// SessionID is the resolved analytics session. Set by the middleware.
	SessionID string

	ClientMeta session.Metadata
	Params     map[string]any
	StartTime  time.Time
}

// Result is the outcome of a tool invocation as seen by the tracker.
type Result struct {
	Content string
	IsError bool

	// Token counts reported by the handler. Zero means unknown; the tracker
	// estimates from the payloads instead.
	PromptTokens     int
	CompletionTokens int
}

// Executor is the function signature for tool execution.
type Executor func(ctx *ExecutionContext) (*Result, error)

// Middleware wraps an Executor with additional behavior.
type Middleware func(next Executor) Executor

// Chain composes middlewares in order (first middleware is outermost).
func Chain(middlewares ...Middleware) Middleware {
	return func(final Executor) Executor {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Resolver maps transport connections to analytics sessions. Resolution
// order: the client-declared header id, then the id cached for the
// connection, then a lazily created session. A stale id at any step logs
// and falls through to the next.
type Resolver struct {
	registry *session.Registry
	log      *logging.Logger

	mu     sync.Mutex
	byConn map[string]string
}

// NewResolver creates a session resolver backed by the given registry.
func NewResolver(registry *session.Registry, log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Resolver{
		registry: registry,
		log:      log,
		byConn:   make(map[string]string),
	}
}

// Resolve returns the analytics session id for the call, creating one when
// neither the client header nor the connection cache names a live session.
// The mutex spans the whole resolution so concurrent calls on one
// connection create at most one session.
func (r *Resolver) Resolve(ctx *ExecutionContext) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id := ctx.HeaderSessionID; id != "" {
		if r.registry.Validate(id) {
			r.byConn[ctx.ConnectionID] = id
			return id, nil
		}
		r.log.Warn(logging.CategoryTracking, "stale_header_session", "client-declared session is not valid", map[string]any{
			"session_id":    id,
			"connection_id": ctx.ConnectionID,
		})
	}

	if id, ok := r.byConn[ctx.ConnectionID]; ok {
		if r.registry.Validate(id) {
			return id, nil
		}
		delete(r.byConn, ctx.ConnectionID)
		r.log.Warn(logging.CategoryTracking, "stale_cached_session", "cached session expired under the connection", map[string]any{
			"session_id":    id,
			"connection_id": ctx.ConnectionID,
		})
	}

	created, err := r.registry.Create(ctx.ClientMeta)
	if err != nil {
		return "", err
	}
	r.byConn[ctx.ConnectionID] = created.ID
	return created.ID, nil
}

// SessionFor returns the analytics id cached for a connection, if any.
func (r *Resolver) SessionFor(connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[connectionID]
	return id, ok
}

// Forget drops the cache entry for a closed connection. The session itself
// stays live until it times out or the client closes it.
func (r *Resolver) Forget(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConn, connectionID)
}

// errHandlerPanic marks request rows whose handler panicked instead of
// returning. The panic itself propagates to the transport layer untouched.
var errHandlerPanic = errors.New("tool handler panicked")

// Middleware returns the tracking middleware: it resolves the session
// before the handler runs and records the request row after it returns,
// on success and on error alike.
func (t *Tracker) Middleware(resolver *Resolver) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) (res *Result, err error) {
			if ctx.StartTime.IsZero() {
				ctx.StartTime = t.now()
			}

			id, resolveErr := resolver.Resolve(ctx)
			if resolveErr != nil {
				// The tool call proceeds untracked rather than failing.
				t.log.Error(logging.CategoryTracking, "resolve_failed", "could not resolve session", map[string]any{
					"connection_id": ctx.ConnectionID,
					"error":         resolveErr.Error(),
				})
				return next(ctx)
			}
			ctx.SessionID = id

			// The record runs on every exit path. A panic in the handler
			// unwinds through here before next returns, so the completed
			// flag distinguishes it from a clean nil/nil return.
			completed := false
			defer func() {
				if !completed {
					t.record(ctx, nil, errHandlerPanic)
					return
				}
				t.record(ctx, res, err)
			}()
			res, err = next(ctx)
			completed = true
			return res, err
		}
	}
}

// record builds a request row from the finished call and saves it
// best-effort.
func (t *Tracker) record(ctx *ExecutionContext, res *Result, callErr error) {
	now := t.now()

	req := &storage.Request{
		SessionID:  ctx.SessionID,
		Method:     ctx.Method,
		ToolName:   ctx.ToolName,
		Timestamp:  ctx.StartTime,
		DurationMs: now.Sub(ctx.StartTime).Milliseconds(),
		Status:     storage.RequestStatusSuccess,
	}

	if res != nil {
		req.PromptTokens = res.PromptTokens
		req.CompletionTokens = res.CompletionTokens
	}
	if req.PromptTokens == 0 {
		req.PromptTokens = CountParamsTokens(ctx.Params)
	}
	if req.CompletionTokens == 0 && res != nil {
		req.CompletionTokens = CountTokens(res.Content)
	}
	req.EstimatedCost = EstimateCost(req.PromptTokens+req.CompletionTokens, t.costPer1K)

	switch {
	case callErr != nil:
		req.Status = storage.RequestStatusError
		req.ErrorMessage = callErr.Error()
		if errors.Is(callErr, context.DeadlineExceeded) {
			req.Status = storage.RequestStatusTimeout
		}
	case res != nil && res.IsError:
		req.Status = storage.RequestStatusError
		req.ErrorMessage = res.Content
	}

	t.Record(req)
}
