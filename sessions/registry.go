package sessions

import (
	"sync"

	"github.com/google/uuid"
)

// Record pairs a session's negotiated metadata with its channel binding. The
// pair lives and dies together: it is registered and removed as one registry
// entry, so lookups can never observe a session with one half missing.
type Record struct {
	sessionID       string
	protocolVersion string
	caps            CapabilitySet
	client          ClientInfo
	channel         *Channel

	mu    sync.Mutex
	state State
}

func (r *Record) SessionID() string           { return r.sessionID }
func (r *Record) ProtocolVersion() string     { return r.protocolVersion }
func (r *Record) Capabilities() CapabilitySet { return r.caps }
func (r *Record) Client() ClientInfo          { return r.client }
func (r *Record) Channel() *Channel           { return r.channel }

// MarkOpen transitions the session out of the pending handshake state.
// Idempotent.
func (r *Record) MarkOpen() {
	r.mu.Lock()
	r.state = StateOpen
	r.mu.Unlock()
}

func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Registry owns the live sessions of one server process. All mutation is a
// single mutex-guarded step; there is no window where a session id resolves
// to a partially-registered entry.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Create allocates a session id, binds a fresh channel, and registers the
// record. The record is resolvable before Create returns, so a message
// referencing the new id immediately after the initialize acknowledgement is
// guaranteed to find it.
func (g *Registry) Create(caps CapabilitySet, client ClientInfo, protocolVersion string) *Record {
	rec := &Record{
		sessionID:       uuid.NewString(),
		protocolVersion: protocolVersion,
		caps:            caps,
		client:          client,
		channel:         NewChannel(),
		state:           StatePending,
	}

	g.mu.Lock()
	g.records[rec.sessionID] = rec
	g.mu.Unlock()

	// A channel that closes out from under us takes the session with it.
	rec.channel.OnClose(func() { g.remove(rec.sessionID) })

	return rec
}

// Resolve looks up a live session by id.
func (g *Registry) Resolve(sessionID string) (*Record, bool) {
	g.mu.RLock()
	rec, ok := g.records[sessionID]
	g.mu.RUnlock()
	return rec, ok
}

// Destroy removes the session and closes its channel. Idempotent; destroying
// an unknown id is a no-op.
func (g *Registry) Destroy(sessionID string) {
	rec, ok := g.remove(sessionID)
	if !ok {
		return
	}
	rec.channel.Close()
}

// remove unregisters without closing the channel; used by Destroy and by the
// channel's own close hook so the two paths stay idempotent with each other.
func (g *Registry) remove(sessionID string) (*Record, bool) {
	g.mu.Lock()
	rec, ok := g.records[sessionID]
	if ok {
		delete(g.records, sessionID)
	}
	g.mu.Unlock()
	return rec, ok
}

// Len reports the number of live sessions.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}
