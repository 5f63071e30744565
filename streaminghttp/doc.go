// Package streaminghttp serves the MCP streaming HTTP transport for the
// payment-gated server.
//
// A single endpoint accepts two verbs. POST carries client-to-server JSON-RPC
// messages: the initialize handshake (no session header) returns a JSON body
// and mints the Mcp-Session-Id header; subsequent requests reference the
// session via that header and receive their responses as a per-request SSE
// stream, which also carries any elicitation the request triggers. GET opens
// the session's standing SSE stream, resumable with Last-Event-ID. All other
// verbs are rejected with 405.
//
// Session lifetime is bound to the standing stream: when a client's GET
// stream ends the session is destroyed, and any tool call suspended on an
// elicitation unwinds with a channel-closed outcome.
package streaminghttp
