package engine

import (
	"context"

	"github.com/paygate-mcp/paygate/internal/jsonrpc"
)

// MessageWriter delivers a server-initiated JSON-RPC message to the client.
// Transports bind a request-scoped writer when the client is waiting on an
// open response stream.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

type MessageWriterFunc func(ctx context.Context, msg jsonrpc.Message) error

func NewMessageWriterFunc(f func(ctx context.Context, msg jsonrpc.Message) error) MessageWriterFunc {
	return f
}

func (f MessageWriterFunc) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	return f(ctx, msg)
}
