package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/scribe/pkg/session"
)

// protocolSession is one transport-level session, minted at initialize.
// Protocol sessions are in-memory only: they do not survive a restart and
// never touch the analytics store.
type protocolSession struct {
	id          string
	client      session.Metadata
	createdAt   time.Time
	lastSeen    time.Time
	initialized bool
}

// ProtocolSessions owns the transport-level session ids carried in the
// Mcp-Session-Id header. It is deliberately ignorant of the analytics
// registry; the only coupling between the two session concepts is the
// header pair on the wire.
type ProtocolSessions struct {
	mu       sync.Mutex
	sessions map[string]*protocolSession
	now      func() time.Time
}

// NewProtocolSessions creates an empty protocol session table.
func NewProtocolSessions() *ProtocolSessions {
	return &ProtocolSessions{
		sessions: make(map[string]*protocolSession),
		now:      time.Now,
	}
}

// Open mints a protocol session for a completed initialize handshake.
func (p *ProtocolSessions) Open(client session.Metadata) string {
	id := uuid.NewString()
	now := p.now()

	p.mu.Lock()
	p.sessions[id] = &protocolSession{
		id:        id,
		client:    client,
		createdAt: now,
		lastSeen:  now,
	}
	p.mu.Unlock()
	return id
}

// Touch validates a protocol session id and refreshes its last-seen time.
// Returns the client metadata declared at initialize.
func (p *ProtocolSessions) Touch(id string) (session.Metadata, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.sessions[id]
	if !ok {
		return session.Metadata{}, false
	}
	ps.lastSeen = p.now()
	return ps.client, true
}

// MarkInitialized records the notifications/initialized handshake step.
func (p *ProtocolSessions) MarkInitialized(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.sessions[id]
	if !ok {
		return false
	}
	ps.initialized = true
	return true
}

// Close removes a protocol session. Idempotent.
func (p *ProtocolSessions) Close(id string) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}

// Count returns the number of open protocol sessions.
func (p *ProtocolSessions) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
