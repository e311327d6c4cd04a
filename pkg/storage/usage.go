package storage

import (
	"time"
)

// SessionSummary aggregates request totals for one session.
type SessionSummary struct {
	TotalRequests int     `json:"total_requests"`
	TotalTokens   int     `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
}

// ToolUsage aggregates request totals for one tool within a window.
type ToolUsage struct {
	ToolName      string  `json:"tool_name"`
	TotalRequests int     `json:"total_requests"`
	TotalTokens   int     `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
	ErrorCount    int     `json:"error_count"`
}

// UsageSummary aggregates request totals over a time window with a per-tool
// breakdown.
type UsageSummary struct {
	Start         time.Time   `json:"start"`
	End           time.Time   `json:"end"`
	TotalRequests int         `json:"total_requests"`
	TotalTokens   int         `json:"total_tokens"`
	TotalCost     float64     `json:"total_cost"`
	ByTool        []ToolUsage `json:"by_tool"`
}

// GetSessionSummary returns aggregate token and cost totals for a session.
func (s *Store) GetSessionSummary(sessionID string) (*SessionSummary, error) {
	var summary SessionSummary
	err := s.db.QueryRow(`
		SELECT COUNT(1), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(estimated_cost), 0)
		FROM requests WHERE session_id = ?
	`, sessionID).Scan(&summary.TotalRequests, &summary.TotalTokens, &summary.TotalCost)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// GetUsageSummary returns aggregate totals for requests inside [start, end)
// along with a per-tool breakdown. Requests without a tool name (non-tool-call
// methods) are grouped under an empty tool name.
func (s *Store) GetUsageSummary(start, end time.Time) (*UsageSummary, error) {
	summary := &UsageSummary{Start: start.UTC(), End: end.UTC()}

	err := s.db.QueryRow(`
		SELECT COUNT(1), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(estimated_cost), 0)
		FROM requests WHERE timestamp >= ? AND timestamp < ?
	`, start.UTC(), end.UTC()).Scan(&summary.TotalRequests, &summary.TotalTokens, &summary.TotalCost)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT COALESCE(tool_name, ''), COUNT(1),
		       COALESCE(SUM(total_tokens), 0), COALESCE(SUM(estimated_cost), 0),
		       SUM(CASE WHEN status != ? THEN 1 ELSE 0 END)
		FROM requests
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY COALESCE(tool_name, '')
		ORDER BY COUNT(1) DESC
	`, RequestStatusSuccess, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var usage ToolUsage
		if err := rows.Scan(
			&usage.ToolName,
			&usage.TotalRequests,
			&usage.TotalTokens,
			&usage.TotalCost,
			&usage.ErrorCount,
		); err != nil {
			return nil, err
		}
		summary.ByTool = append(summary.ByTool, usage)
	}
	return summary, rows.Err()
}
