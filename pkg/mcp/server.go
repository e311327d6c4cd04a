package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/observability"
	"github.com/odvcencio/scribe/pkg/session"
	"github.com/odvcencio/scribe/pkg/storage"
	"github.com/odvcencio/scribe/pkg/tracking"
)

// ToolHandler executes one tool call. A returned error is a protocol-level
// failure; tool-level failures go in the result with IsError set.
type ToolHandler func(ctx *tracking.ExecutionContext) (*ToolCallResult, error)

// ServerConfig configures the MCP wire server.
type ServerConfig struct {
	Name    string
	Version string

	Protocol *ProtocolSessions
	Registry *session.Registry
	Resolver *tracking.Resolver
	Tracker  *tracking.Tracker
	Log      *logging.Logger

	// Middleware is prepended to the tracking middleware on the tool
	// dispatch chain.
	Middleware []tracking.Middleware
}

// Server is the HTTP MCP endpoint. It owns protocol sessions, dispatches
// tool calls through the tracking chain, and carries both session ids as
// response headers.
type Server struct {
	name     string
	version  string
	protocol *ProtocolSessions
	registry *session.Registry
	resolver *tracking.Resolver
	log      *logging.Logger

	// chainTemplate is the middleware applied around every registered tool.
	// Set once at construction, before any RegisterTool call.
	chainTemplate []tracking.Middleware

	mu       sync.RWMutex
	tools    map[string]ToolDefinition
	handlers map[string]tracking.Executor
}

// NewServer creates the MCP server. Register tools before serving.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = logging.NewNopLogger()
	}
	protocol := cfg.Protocol
	if protocol == nil {
		protocol = NewProtocolSessions()
	}

	s := &Server{
		name:     cfg.Name,
		version:  cfg.Version,
		protocol: protocol,
		registry: cfg.Registry,
		resolver: cfg.Resolver,
		log:      log,
		tools:    make(map[string]ToolDefinition),
		handlers: make(map[string]tracking.Executor),
	}
	s.chainTemplate = cfg.Middleware
	if cfg.Tracker != nil && cfg.Resolver != nil {
		s.chainTemplate = append(s.chainTemplate, cfg.Tracker.Middleware(cfg.Resolver))
	}
	return s
}

// RegisterTool exposes a tool on the server. The handler runs inside the
// full middleware chain.
func (s *Server) RegisterTool(def ToolDefinition, handler ToolHandler) {
	final := func(ctx *tracking.ExecutionContext) (*tracking.Result, error) {
		res, err := handler(ctx)
		if err != nil {
			return nil, err
		}
		return &tracking.Result{
			Content: FlattenContent(res.Content),
			IsError: res.IsError,
		}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[def.Name] = def
	s.handlers[def.Name] = tracking.Chain(s.chainTemplate...)(final)
}

// Router returns the chi router serving the MCP endpoint.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/mcp", s.handlePost)
	r.Delete("/mcp", s.handleDelete)
	return r
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeError(w, http.StatusBadRequest, nil, CodeParseError, "invalid JSON")
		return
	}
	if msg.JSONRPC != "2.0" {
		s.writeError(w, http.StatusBadRequest, msg.ID, CodeInvalidRequest, "jsonrpc must be 2.0")
		return
	}

	switch msg.Method {
	case "initialize":
		s.handleInitialize(w, r, &msg)
	case "notifications/initialized":
		s.handleInitialized(w, r, &msg)
	case "ping":
		s.withProtocolSession(w, r, &msg, func(protoID string, _ session.Metadata) {
			s.writeResult(w, r, protoID, msg.ID, map[string]any{})
		})
	case "tools/list":
		s.withProtocolSession(w, r, &msg, func(protoID string, _ session.Metadata) {
			s.writeResult(w, r, protoID, msg.ID, ToolsListResult{Tools: s.toolList()})
		})
	case "tools/call":
		s.withProtocolSession(w, r, &msg, func(protoID string, meta session.Metadata) {
			s.handleToolCall(w, r, &msg, protoID, meta)
		})
	default:
		s.writeError(w, http.StatusOK, msg.ID, CodeMethodNotFound, fmt.Sprintf("unknown method %q", msg.Method))
	}
}

// handleDelete ends the connection: the protocol session is dropped and the
// analytics session, if one was resolved on this connection, is closed with
// a client disconnect reason.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	protoID := r.Header.Get(HeaderProtocolSession)
	if protoID == "" {
		http.Error(w, "missing session header", http.StatusBadRequest)
		return
	}
	if _, ok := s.protocol.Touch(protoID); !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	if s.resolver != nil {
		if analyticsID, ok := s.resolver.SessionFor(protoID); ok {
			if err := s.registry.Close(analyticsID, storage.DisconnectReasonClient); err != nil {
				s.log.Warn(logging.CategoryProtocol, "close_failed", "could not close analytics session", map[string]any{
					"session_id": analyticsID,
					"error":      err.Error(),
				})
			}
			s.resolver.Forget(protoID)
		}
	}
	s.protocol.Close(protoID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, msg *Message) {
	var params InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.writeError(w, http.StatusOK, msg.ID, CodeInvalidParams, "invalid initialize params")
			return
		}
	}

	meta := session.Metadata{
		ClientType:         params.ClientInfo.Name,
		ClientVersion:      params.ClientInfo.Version,
		ClientCapabilities: string(params.Capabilities),
	}
	protoID := s.protocol.Open(meta)

	s.log.Info(logging.CategoryProtocol, "handshake", "protocol session opened", map[string]any{
		"protocol_id": protoID,
		"client":      params.ClientInfo.Name,
	})

	s.writeResult(w, r, protoID, msg.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      ServerInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleInitialized(w http.ResponseWriter, r *http.Request, msg *Message) {
	protoID := r.Header.Get(HeaderProtocolSession)
	if protoID == "" || !s.protocol.MarkInitialized(protoID) {
		s.writeError(w, http.StatusNotFound, msg.ID, CodeSessionInvalid, "unknown protocol session")
		return
	}
	w.Header().Set(HeaderProtocolSession, protoID)
	w.WriteHeader(http.StatusAccepted)
}

// withProtocolSession gates a method on a valid Mcp-Session-Id header. An
// unknown id gets a 404 so well-behaved clients re-run the handshake.
func (s *Server) withProtocolSession(w http.ResponseWriter, r *http.Request, msg *Message, fn func(protoID string, meta session.Metadata)) {
	protoID := r.Header.Get(HeaderProtocolSession)
	if protoID == "" {
		s.writeError(w, http.StatusBadRequest, msg.ID, CodeSessionInvalid, "missing Mcp-Session-Id header")
		return
	}
	meta, ok := s.protocol.Touch(protoID)
	if !ok {
		s.writeError(w, http.StatusNotFound, msg.ID, CodeSessionInvalid, "unknown or expired protocol session")
		return
	}
	fn(protoID, meta)
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request, msg *Message, protoID string, meta session.Metadata) {
	var params ToolCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.writeError(w, http.StatusOK, msg.ID, CodeInvalidParams, "invalid tools/call params")
		return
	}

	s.mu.RLock()
	exec, ok := s.handlers[params.Name]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, http.StatusOK, msg.ID, CodeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
		return
	}

	ctx, span := observability.StartSpan(r.Context(), "mcp.tools/call")
	defer span.End()
	span.SetAttributes(
		observability.AttrProtocolID.String(protoID),
		observability.AttrToolName.String(params.Name),
		observability.AttrMethod.String(msg.Method),
	)

	ec := &tracking.ExecutionContext{
		Context:         ctx,
		Method:          msg.Method,
		ToolName:        params.Name,
		ConnectionID:    protoID,
		HeaderSessionID: r.Header.Get(HeaderAnalyticsSession),
		ClientMeta:      meta,
		Params:          params.Arguments,
	}

	res, err := exec(ec)
	if ec.SessionID != "" {
		span.SetAttributes(observability.AttrSessionID.String(ec.SessionID))
		w.Header().Set(HeaderAnalyticsSession, ec.SessionID)
	}
	if err != nil {
		span.RecordError(err)
		// The handler's own failure reaches the client as a tool error, not
		// a transport failure.
		s.writeResultWithAnalytics(w, protoID, ec.SessionID, msg.ID, ErrorResult(err.Error()))
		return
	}

	result := &ToolCallResult{IsError: res.IsError}
	if res.Content != "" {
		result.Content = []ContentBlock{{Type: "text", Text: res.Content}}
	}
	s.writeResultWithAnalytics(w, protoID, ec.SessionID, msg.ID, result)
}

func (s *Server) toolList() []ToolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]ToolDefinition, 0, len(s.tools))
	for _, def := range s.tools {
		tools = append(tools, def)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, protoID string, id json.RawMessage, result any) {
	s.writeResultWithAnalytics(w, protoID, "", id, result)
}

func (s *Server) writeResultWithAnalytics(w http.ResponseWriter, protoID, analyticsID string, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, id, CodeInternalError, "failed to encode result")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderProtocolSession, protoID)
	if analyticsID != "" {
		w.Header().Set(HeaderAnalyticsSession, analyticsID)
	}
	_ = json.NewEncoder(w).Encode(Message{
		JSONRPC: "2.0",
		ID:      id,
		Result:  raw,
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &ErrorResponse{Code: code, Message: message},
	})
}
