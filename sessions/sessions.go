// Package sessions holds the session registry and the per-session channel
// binding used to push server-initiated messages to a connected client.
package sessions

import (
	"context"
	"errors"

	"github.com/paygate-mcp/paygate/mcp"
)

var (
	// ErrSessionNotFound is returned when a session id does not resolve to a
	// live session. A destroyed id is never resurrected; the client must
	// reinitialize.
	ErrSessionNotFound = errors.New("session not found")

	// ErrChannelClosed is returned when pushing to a session whose channel has
	// been closed.
	ErrChannelClosed = errors.New("session channel closed")

	// ErrElicitationTimeout indicates no elicitation response arrived within
	// the configured wait budget.
	ErrElicitationTimeout = errors.New("elicitation timed out")

	// ErrElicitationChannelClosed indicates the session's channel closed while
	// an elicitation wait was pending; the suspended call cannot be resumed.
	ErrElicitationChannelClosed = errors.New("session closed while elicitation pending")

	// ErrElicitationInFlight is returned when a second elicitation would be
	// issued on a session that already has one pending. Overlapping
	// elicitations per session are not supported.
	ErrElicitationInFlight = errors.New("an elicitation is already pending on this session")
)

// CapabilitySet records the client capabilities negotiated at initialization.
type CapabilitySet struct {
	Elicitation bool
}

// ClientInfo identifies the client that initialized the session.
type ClientInfo struct {
	Name    string
	Version string
}

// State tracks the session handshake lifecycle.
type State string

const (
	StatePending State = "pending"
	StateOpen    State = "open"
)

// ElicitationCapability is present on sessions whose client declared support
// for elicitation. ElicitURL suspends the caller until the client answers,
// the wait budget elapses, or the session's channel closes.
type ElicitationCapability interface {
	ElicitURL(ctx context.Context, message, url string) (mcp.ElicitAction, error)
}

// Session is the per-call view of a negotiated session handed to tool
// handlers. Implementations must be safe for concurrent use.
type Session interface {
	SessionID() string
	ProtocolVersion() string

	GetElicitationCapability() (cap ElicitationCapability, ok bool)
}

// MessageHandlerFunction handles ordered messages delivered on a session's
// channel. Returning an error terminates the subscription with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error
