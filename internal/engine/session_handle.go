package engine

import (
	"github.com/paygate-mcp/paygate/sessions"
)

var _ sessions.Session = (*SessionHandle)(nil)

// SessionHandle is the per-request view of a live session handed to tool
// handlers. The elicitation capability, when present, carries the writer
// bound to the request that produced this handle.
type SessionHandle struct {
	rec *sessions.Record

	elicitationCap sessions.ElicitationCapability
}

func (s *SessionHandle) SessionID() string {
	return s.rec.SessionID()
}

func (s *SessionHandle) ProtocolVersion() string {
	return s.rec.ProtocolVersion()
}

func (s *SessionHandle) State() sessions.State {
	return s.rec.State()
}

func (s *SessionHandle) GetElicitationCapability() (cap sessions.ElicitationCapability, ok bool) {
	if s.elicitationCap == nil {
		return nil, false
	}
	return s.elicitationCap, true
}
