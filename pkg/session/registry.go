// Package session tracks analytics sessions for MCP clients: one durable,
// crash-recoverable record per logical client connection, cached in memory
// and written through to SQLite.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/odvcencio/scribe/pkg/logging"
	"github.com/odvcencio/scribe/pkg/storage"
)

// Sentinel errors surfaced by the registry.
var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionExpired  = errors.New("session: expired")
	ErrSessionClosed   = errors.New("session: closed")
)

// Metadata is the free-form client-declared information captured at create.
type Metadata struct {
	ClientType         string
	ClientVersion      string
	ClientCapabilities string
}

// Created is the result of registering a new session.
type Created struct {
	ID string
	// ReconnectToken is a signed single-use token the client may present to
	// resume this session. Empty when reconnection is disabled.
	ReconnectToken string
}

// entry is the in-memory view of a live session. The registry mutex guards
// every field.
type entry struct {
	connectedAt  time.Time
	lastActivity time.Time
	status       string
}

// RegistryConfig configures the session registry.
type RegistryConfig struct {
	Store *storage.Store
	Log   *logging.Logger

	// Timeout is the validity window measured from last activity.
	Timeout time.Duration
	// IdleThreshold is the activity delta past which a session reports idle.
	IdleThreshold time.Duration

	// Reconnect issues single-use resume tokens when non-nil.
	Reconnect *ReconnectIssuer

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Registry owns the in-memory session cache and all session state
// transitions. Every mutating operation holds one mutex so foreground
// validation and the background reaper observe a consistent view.
type Registry struct {
	mu    sync.Mutex
	cache map[string]*entry

	store     *storage.Store
	log       *logging.Logger
	timeout   time.Duration
	idle      time.Duration
	reconnect *ReconnectIssuer
	now       func() time.Time
}

// NewRegistry creates a session registry. The cache starts empty; call
// Recover to repopulate it from storage after a restart.
func NewRegistry(cfg RegistryConfig) *Registry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	idle := cfg.IdleThreshold
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	log := cfg.Log
	if log == nil {
		log = logging.NewNopLogger()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cache:     make(map[string]*entry),
		store:     cfg.Store,
		log:       log,
		timeout:   timeout,
		idle:      idle,
		reconnect: cfg.Reconnect,
		now:       now,
	}
}

// Timeout returns the configured validity window.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Create registers a new session for the given client metadata and returns
// its identifier. Sessions are only ever created here; the protocol layer
// never mints analytics ids.
func (r *Registry) Create(meta Metadata) (*Created, error) {
	now := r.now()
	id := GenerateSessionID(meta.ClientType)

	sess := &storage.Session{
		ID:                 id,
		ClientType:         meta.ClientType,
		ClientVersion:      meta.ClientVersion,
		ClientCapabilities: meta.ClientCapabilities,
		ConnectedAt:        now,
		LastActivity:       now,
		Status:             storage.SessionStatusActive,
	}

	created := &Created{ID: id}
	if r.reconnect != nil {
		token, jti, expires, err := r.reconnect.Mint(id, now)
		if err != nil {
			return nil, err
		}
		sess.ReconnectTokenID = jti
		sess.ReconnectExpiresAt = &expires
		created.ReconnectToken = token
	}

	if err := r.store.UpsertSession(sess); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[id] = &entry{
		connectedAt:  now,
		lastActivity: now,
		status:       storage.SessionStatusActive,
	}
	r.mu.Unlock()

	r.log.Info(logging.CategorySession, "session_created", "session created", map[string]any{
		"session_id":  id,
		"client_type": meta.ClientType,
	})
	return created, nil
}

// Validate reports whether the id names a live session inside the timeout
// window. On success it advances last_activity (cache and store) and
// recomputes the status against the previous activity delta. On failure the
// session is evicted from the cache and marked expired in storage if it was
// not already terminal.
func (r *Registry) Validate(sessionID string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.cache[sessionID]
	if !ok {
		loaded, err := r.loadLocked(sessionID)
		if err != nil {
			r.log.Warn(logging.CategorySession, "validate_load_failed", "store lookup failed", map[string]any{
				"session_id": sessionID,
				"error":      err.Error(),
			})
			return false
		}
		if loaded == nil {
			return false
		}
		ent = loaded
	}

	delta := now.Sub(ent.lastActivity)
	if delta > r.timeout {
		r.expireLocked(sessionID, now)
		return false
	}

	status := storage.SessionStatusActive
	if delta >= r.idle {
		status = storage.SessionStatusIdle
	}
	ent.lastActivity = now
	ent.status = status

	if _, err := r.store.TouchSession(sessionID, now, status); err != nil {
		// The cache stays authoritative for liveness; the write-through is
		// retried on the next touch.
		r.log.Warn(logging.CategorySession, "touch_failed", "write-through failed", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	return true
}

// Touch advances last_activity for a session known to be live, without the
// eviction side effects of Validate. Used by the request tracker after each
// recorded tool call.
func (r *Registry) Touch(sessionID string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.cache[sessionID]
	if !ok {
		return
	}

	delta := now.Sub(ent.lastActivity)
	status := storage.SessionStatusActive
	if delta >= r.idle {
		status = storage.SessionStatusIdle
	}
	ent.lastActivity = now
	ent.status = status

	if _, err := r.store.TouchSession(sessionID, now, status); err != nil {
		r.log.Warn(logging.CategorySession, "touch_failed", "write-through failed", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
}

// Close terminates a session with the given reason, computes its total
// duration, and removes it from the cache. Timed-out sessions become
// expired; every other reason yields disconnected.
func (r *Registry) Close(sessionID, reason string) error {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closeLocked(sessionID, now, reason)
}

func (r *Registry) closeLocked(sessionID string, now time.Time, reason string) error {
	delete(r.cache, sessionID)

	status := storage.SessionStatusDisconnected
	if reason == storage.DisconnectReasonTimeout {
		status = storage.SessionStatusExpired
	}

	transitioned, err := r.store.CloseSession(sessionID, now, status, reason)
	if err != nil {
		return err
	}
	if transitioned {
		r.log.Info(logging.CategorySession, "session_closed", "session closed", map[string]any{
			"session_id": sessionID,
			"status":     status,
			"reason":     reason,
		})
	}
	return nil
}

// expireLocked evicts a session that failed validation and marks the stored
// record terminal unless it already is.
func (r *Registry) expireLocked(sessionID string, now time.Time) {
	delete(r.cache, sessionID)

	if _, err := r.store.CloseSession(sessionID, now, storage.SessionStatusExpired, storage.DisconnectReasonTimeout); err != nil {
		r.log.Warn(logging.CategorySession, "expire_failed", "could not mark session expired", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
}

// loadLocked pulls a session from storage into the cache on a cache miss.
// Terminal sessions are never resurrected. Returns nil when the session is
// unknown or terminal.
func (r *Registry) loadLocked(sessionID string) (*entry, error) {
	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.IsTerminal() {
		return nil, nil
	}

	ent := &entry{
		connectedAt:  sess.ConnectedAt,
		lastActivity: sess.LastActivity,
		status:       sess.Status,
	}
	r.cache[sessionID] = ent
	return ent, nil
}

// Recover repopulates the in-memory cache from sessions persisted as active
// within the timeout window. Called once at process start; this is the only
// session work permitted at startup. Sessions outside the window are left
// for the reaper's first pass.
func (r *Registry) Recover() ([]string, error) {
	now := r.now()
	cutoff := now.Add(-r.timeout)

	sessions, err := r.store.ListRecoverable(cutoff)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		r.cache[sess.ID] = &entry{
			connectedAt:  sess.ConnectedAt,
			lastActivity: sess.LastActivity,
			status:       sess.Status,
		}
		ids = append(ids, sess.ID)
	}
	r.mu.Unlock()

	r.log.Info(logging.CategorySession, "sessions_recovered", "cache repopulated from store", map[string]any{
		"count": len(ids),
	})
	return ids, nil
}

// Reconnect redeems a single-use reconnect token and returns the id of the
// resumed session. The token is consumed even when redemption ultimately
// fails, so a captured token cannot be replayed.
func (r *Registry) Reconnect(token string) (string, error) {
	if r.reconnect == nil {
		return "", ErrSessionNotFound
	}
	now := r.now()

	sessionID, jti, err := r.reconnect.Parse(token, now)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	used, err := r.store.ConsumeReconnectToken(sessionID, jti, now)
	if err != nil {
		return "", err
	}
	if !used {
		return "", ErrReconnectTokenUsed
	}

	ent, ok := r.cache[sessionID]
	if !ok {
		ent, err = r.loadLocked(sessionID)
		if err != nil {
			return "", err
		}
		if ent == nil {
			return "", ErrSessionClosed
		}
	}

	if now.Sub(ent.lastActivity) > r.timeout {
		r.expireLocked(sessionID, now)
		return "", ErrSessionExpired
	}

	ent.lastActivity = now
	ent.status = storage.SessionStatusActive
	if _, err := r.store.TouchSession(sessionID, now, storage.SessionStatusActive); err != nil {
		r.log.Warn(logging.CategorySession, "touch_failed", "write-through failed", map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	return sessionID, nil
}

// ActiveCount returns the number of cached (live) sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Snapshot returns the ids of all cached sessions.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.cache))
	for id := range r.cache {
		ids = append(ids, id)
	}
	return ids
}

// sweepExpired closes every cached session whose activity delta exceeds the
// timeout, then sweeps the store for rows the cache never saw (e.g. sessions
// from before a restart). Returns the number of sessions closed.
func (r *Registry) sweepExpired() (int, error) {
	now := r.now()
	cutoff := now.Add(-r.timeout)

	r.mu.Lock()
	var stale []string
	for id, ent := range r.cache {
		if now.Sub(ent.lastActivity) > r.timeout {
			stale = append(stale, id)
		}
	}
	var firstErr error
	for _, id := range stale {
		if err := r.closeLocked(id, now, storage.DisconnectReasonTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.mu.Unlock()

	closed := len(stale)

	// Store sweep for completeness: rows that never made it into the cache.
	rows, err := r.store.ListTimedOut(cutoff)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return closed, firstErr
	}
	for _, sess := range rows {
		r.mu.Lock()
		_, cached := r.cache[sess.ID]
		r.mu.Unlock()
		if cached {
			// Already handled above or revalidated since the query ran.
			continue
		}
		transitioned, err := r.store.CloseSession(sess.ID, now, storage.SessionStatusExpired, storage.DisconnectReasonTimeout)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if transitioned {
			closed++
		}
	}
	return closed, firstErr
}
