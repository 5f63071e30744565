// Package mcpservice is the service layer between the protocol engine and
// user code: server identity plus the tools surface.
package mcpservice

import (
	"github.com/paygate-mcp/paygate/mcp"
)

// Server bundles server identity with the capabilities it exposes.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        *ToolsContainer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerInfo sets the server identity reported during initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *Server) { s.instructions = instr }
}

// WithToolsCapability wires the tools container served to all sessions.
func WithToolsCapability(tc *ToolsContainer) ServerOption {
	return func(s *Server) { s.tools = tc }
}

// NewServer builds a Server from functional options.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerInfo returns the server identity.
func (s *Server) ServerInfo() mcp.ImplementationInfo { return s.info }

// Instructions returns the initialize instructions, if any.
func (s *Server) Instructions() (string, bool) {
	return s.instructions, s.instructions != ""
}

// Tools returns the tools container, or nil when the server exposes none.
func (s *Server) Tools() *ToolsContainer { return s.tools }
