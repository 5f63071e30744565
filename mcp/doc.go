// Package mcp contains the wire-level types exchanged with MCP clients.
//
// The surface is intentionally narrow: the paygate server speaks the
// initialization handshake, the tools surface, and the URL-mode elicitation
// exchange used for payment approval. Types mirror the JSON shapes observed on
// the wire; no behavior lives here.
package mcp
