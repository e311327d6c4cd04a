package storage

import (
	"database/sql"
	"time"
)

// Request status constants.
const (
	RequestStatusSuccess = "success"
	RequestStatusError   = "error"
	RequestStatusTimeout = "timeout"
)

// Request represents one tool invocation recorded against a session.
// Rows are append-only; they are never mutated after insert.
type Request struct {
	ID               int64     `json:"request_id"`
	SessionID        string    `json:"session_id"`
	Method           string    `json:"method"`
	ToolName         string    `json:"tool_name,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	EstimatedCost    float64   `json:"estimated_cost"`
	Timestamp        time.Time `json:"timestamp"`
	DurationMs       int64     `json:"duration_ms"`
	Status           string    `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// SaveRequest inserts a request row. The total token count is derived from
// prompt + completion regardless of what the caller supplied.
func (s *Store) SaveRequest(req *Request) error {
	req.TotalTokens = req.PromptTokens + req.CompletionTokens
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	if req.Status == "" {
		req.Status = RequestStatusSuccess
	}

	var toolArg, errArg any
	if req.ToolName != "" {
		toolArg = req.ToolName
	}
	if req.ErrorMessage != "" {
		errArg = req.ErrorMessage
	}

	res, err := s.execWithRetry(`
		INSERT INTO requests (session_id, method, tool_name, prompt_tokens, completion_tokens,
		                      total_tokens, estimated_cost, timestamp, duration_ms, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		req.SessionID,
		req.Method,
		toolArg,
		req.PromptTokens,
		req.CompletionTokens,
		req.TotalTokens,
		req.EstimatedCost,
		req.Timestamp.UTC(),
		req.DurationMs,
		req.Status,
		errArg,
	)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	req.ID = id

	s.notify(newEvent(EventRequestRecorded, req.SessionID, id, *req))
	return nil
}

// ListRequests returns the most recent requests for a session, newest first,
// bounded by limit (default 100).
func (s *Store) ListRequests(sessionID string, limit int) ([]Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT request_id, session_id, method, tool_name, prompt_tokens, completion_tokens,
		       total_tokens, estimated_cost, timestamp, duration_ms, status, error_message
		FROM requests
		WHERE session_id = ?
		ORDER BY timestamp DESC, request_id DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := []Request{}
	for rows.Next() {
		var req Request
		var toolName, errMsg sql.NullString
		if err := rows.Scan(
			&req.ID,
			&req.SessionID,
			&req.Method,
			&toolName,
			&req.PromptTokens,
			&req.CompletionTokens,
			&req.TotalTokens,
			&req.EstimatedCost,
			&req.Timestamp,
			&req.DurationMs,
			&req.Status,
			&errMsg,
		); err != nil {
			return nil, err
		}
		if toolName.Valid {
			req.ToolName = toolName.String
		}
		if errMsg.Valid {
			req.ErrorMessage = errMsg.String
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// CountRequests returns the number of requests recorded for a session.
func (s *Store) CountRequests(sessionID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM requests WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}
