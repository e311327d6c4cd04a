package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Session status constants. Disconnected and expired are terminal.
const (
	SessionStatusActive       = "active"
	SessionStatusIdle         = "idle"
	SessionStatusDisconnected = "disconnected"
	SessionStatusExpired      = "expired"
)

// Disconnect reason constants.
const (
	DisconnectReasonClient  = "client_disconnect"
	DisconnectReasonTimeout = "timeout"
	DisconnectReasonError   = "error"
)

// Session represents one logical client connection lifetime persisted in SQLite.
type Session struct {
	ID                 string     `json:"session_id"`
	ClientType         string     `json:"client_type,omitempty"`
	ClientVersion      string     `json:"client_version,omitempty"`
	ClientCapabilities string     `json:"client_capabilities,omitempty"`
	ConnectedAt        time.Time  `json:"connected_at"`
	LastActivity       time.Time  `json:"last_activity"`
	DisconnectedAt     *time.Time `json:"disconnected_at,omitempty"`
	TotalDurationMs    *int64     `json:"total_duration_ms,omitempty"`
	Status             string     `json:"status"`
	DisconnectReason   string     `json:"disconnect_reason,omitempty"`
	ReconnectTokenID   string     `json:"-"`
	ReconnectExpiresAt *time.Time `json:"-"`
}

// IsTerminal reports whether the session has reached a terminal status.
func (s *Session) IsTerminal() bool {
	return s.Status == SessionStatusDisconnected || s.Status == SessionStatusExpired
}

// UpsertSession inserts a session row, or refreshes an existing row with the
// same identifier. The upsert makes retried writes after transient store
// failures safe.
func (s *Store) UpsertSession(sess *Session) error {
	status := strings.TrimSpace(strings.ToLower(sess.Status))
	if status == "" {
		status = SessionStatusActive
	}

	query := `
		INSERT INTO sessions (session_id, client_type, client_version, client_capabilities,
		                      connected_at, last_activity, status, reconnect_token_id, reconnect_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			client_type=excluded.client_type,
			client_version=excluded.client_version,
			client_capabilities=excluded.client_capabilities,
			last_activity=excluded.last_activity,
			status=excluded.status
	`

	var tokenArg, expiresArg any
	if sess.ReconnectTokenID != "" {
		tokenArg = sess.ReconnectTokenID
	}
	if sess.ReconnectExpiresAt != nil {
		expiresArg = sess.ReconnectExpiresAt.UTC()
	}

	_, err := s.execWithRetry(query,
		sess.ID,
		sess.ClientType,
		sess.ClientVersion,
		sess.ClientCapabilities,
		sess.ConnectedAt.UTC(),
		sess.LastActivity.UTC(),
		status,
		tokenArg,
		expiresArg,
	)
	if err != nil {
		return err
	}

	clone := *sess
	s.notify(newEvent(EventSessionCreated, sess.ID, sess.ID, clone))
	return nil
}

// GetSession retrieves a session by ID. Returns nil, nil when not found.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	query := `
		SELECT session_id, client_type, client_version, client_capabilities,
		       connected_at, last_activity, disconnected_at, total_duration_ms,
		       status, disconnect_reason, reconnect_token_id, reconnect_expires_at
		FROM sessions WHERE session_id = ?
	`
	var sess Session
	var disconnectedAt, reconnectExpires sql.NullTime
	var totalDuration sql.NullInt64
	var disconnectReason, reconnectToken sql.NullString
	err := s.db.QueryRow(query, sessionID).Scan(
		&sess.ID,
		&sess.ClientType,
		&sess.ClientVersion,
		&sess.ClientCapabilities,
		&sess.ConnectedAt,
		&sess.LastActivity,
		&disconnectedAt,
		&totalDuration,
		&sess.Status,
		&disconnectReason,
		&reconnectToken,
		&reconnectExpires,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if disconnectedAt.Valid {
		sess.DisconnectedAt = &disconnectedAt.Time
	}
	if totalDuration.Valid {
		sess.TotalDurationMs = &totalDuration.Int64
	}
	if disconnectReason.Valid {
		sess.DisconnectReason = disconnectReason.String
	}
	if reconnectToken.Valid {
		sess.ReconnectTokenID = reconnectToken.String
	}
	if reconnectExpires.Valid {
		sess.ReconnectExpiresAt = &reconnectExpires.Time
	}
	return &sess, nil
}

// ListSessions returns sessions ordered by last activity, optionally filtered
// by status. A limit <= 0 applies a default of 100.
func (s *Store) ListSessions(status string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT session_id, client_type, client_version, client_capabilities,
		       connected_at, last_activity, disconnected_at, total_duration_ms,
		       status, disconnect_reason
		FROM sessions
	`
	args := []any{}
	status = strings.TrimSpace(strings.ToLower(status))
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY last_activity DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ListRecoverable returns sessions that were active at shutdown and whose
// last activity is at or after the cutoff. Used to repopulate the in-memory
// registry on process start.
func (s *Store) ListRecoverable(cutoff time.Time) ([]Session, error) {
	query := `
		SELECT session_id, client_type, client_version, client_capabilities,
		       connected_at, last_activity, disconnected_at, total_duration_ms,
		       status, disconnect_reason
		FROM sessions
		WHERE status = ? AND last_activity >= ?
		ORDER BY last_activity DESC
	`
	rows, err := s.db.Query(query, SessionStatusActive, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ListTimedOut returns non-terminal sessions whose last activity is strictly
// before the cutoff. Used by the reaper sweep over the store.
func (s *Store) ListTimedOut(cutoff time.Time) ([]Session, error) {
	query := `
		SELECT session_id, client_type, client_version, client_capabilities,
		       connected_at, last_activity, disconnected_at, total_duration_ms,
		       status, disconnect_reason
		FROM sessions
		WHERE status IN (?, ?) AND last_activity < ?
	`
	rows, err := s.db.Query(query, SessionStatusActive, SessionStatusIdle, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	sessions := []Session{}
	for rows.Next() {
		var sess Session
		var disconnectedAt sql.NullTime
		var totalDuration sql.NullInt64
		var disconnectReason sql.NullString
		if err := rows.Scan(
			&sess.ID,
			&sess.ClientType,
			&sess.ClientVersion,
			&sess.ClientCapabilities,
			&sess.ConnectedAt,
			&sess.LastActivity,
			&disconnectedAt,
			&totalDuration,
			&sess.Status,
			&disconnectReason,
		); err != nil {
			return nil, err
		}
		if disconnectedAt.Valid {
			sess.DisconnectedAt = &disconnectedAt.Time
		}
		if totalDuration.Valid {
			sess.TotalDurationMs = &totalDuration.Int64
		}
		if disconnectReason.Valid {
			sess.DisconnectReason = disconnectReason.String
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// TouchSession writes through a new last_activity and status. Writes carrying
// a timestamp older than the stored value are rejected so retried or
// reordered writes cannot move activity backwards; terminal sessions are
// never touched. Returns true when the row was updated.
func (s *Store) TouchSession(sessionID string, at time.Time, status string) (bool, error) {
	res, err := s.execWithRetry(`
		UPDATE sessions SET last_activity = ?, status = ?
		WHERE session_id = ?
		  AND last_activity <= ?
		  AND status IN (?, ?)
	`, at.UTC(), status, sessionID, at.UTC(), SessionStatusActive, SessionStatusIdle)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	s.notify(newEvent(EventSessionUpdated, sessionID, sessionID, map[string]any{
		"lastActivity": at.UTC(),
		"status":       status,
	}))
	return true, nil
}

// CloseSession marks a session terminal with the given status and reason,
// recording the disconnect time and total duration. Already-terminal rows are
// left untouched so status transitions stay monotonic. Returns true when the
// row transitioned.
func (s *Store) CloseSession(sessionID string, at time.Time, status, reason string) (bool, error) {
	if status != SessionStatusDisconnected && status != SessionStatusExpired {
		return false, fmt.Errorf("invalid terminal status: %s", status)
	}

	res, err := s.execWithRetry(`
		UPDATE sessions
		SET status = ?,
		    disconnect_reason = ?,
		    disconnected_at = ?,
		    total_duration_ms = CAST((julianday(?) - julianday(connected_at)) * 86400000 AS INTEGER)
		WHERE session_id = ? AND status IN (?, ?)
	`, status, reason, at.UTC(), at.UTC(), sessionID, SessionStatusActive, SessionStatusIdle)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	s.notify(newEvent(EventSessionClosed, sessionID, sessionID, map[string]any{
		"status": status,
		"reason": reason,
	}))
	return true, nil
}

// SetReconnectToken records the identifier and expiry of the session's
// current reconnect token.
func (s *Store) SetReconnectToken(sessionID, tokenID string, expires time.Time) error {
	_, err := s.execWithRetry(`
		UPDATE sessions SET reconnect_token_id = ?, reconnect_expires_at = ?
		WHERE session_id = ?
	`, tokenID, expires.UTC(), sessionID)
	return err
}

// ConsumeReconnectToken atomically clears a matching, unexpired reconnect
// token. Returns true when the token was present and consumed; a second call
// with the same token returns false, which gives tokens single-use semantics.
func (s *Store) ConsumeReconnectToken(sessionID, tokenID string, now time.Time) (bool, error) {
	res, err := s.execWithRetry(`
		UPDATE sessions SET reconnect_token_id = NULL, reconnect_expires_at = NULL
		WHERE session_id = ? AND reconnect_token_id = ? AND reconnect_expires_at > ?
	`, sessionID, tokenID, now.UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// DeleteSession deletes a session and all of its requests (cascade).
func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.execWithRetry(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}

	s.notify(newEvent(EventSessionDeleted, sessionID, sessionID, nil))
	return nil
}
