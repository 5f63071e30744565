// Package server assembles the paid MCP server: the tool surface and the
// payment gate wrapping it.
package server

import (
	"context"

	"github.com/paygate-mcp/paygate/mcp"
	"github.com/paygate-mcp/paygate/mcpservice"
	"github.com/paygate-mcp/paygate/payment"
	"github.com/paygate-mcp/paygate/paygate"
	"github.com/paygate-mcp/paygate/sessions"
	"github.com/shopspring/decimal"
)

const addResource = "tool://add"

// Config carries the pricing of the tool surface.
type Config struct {
	// AddPrice is the charge for one add invocation, in Currency.
	AddPrice decimal.Decimal
	Currency string
}

// AddArgs are the arguments of the add tool.
type AddArgs struct {
	A float64 `json:"a" jsonschema:"description=First addend"`
	B float64 `json:"b" jsonschema:"description=Second addend"`
}

// New builds the MCP server definition: a single paid add tool whose
// execution is guarded by the payment gate.
func New(gate *paygate.Gate, cfg Config) *mcpservice.Server {
	addTool := mcpservice.NewTool(
		"add",
		func(ctx context.Context, sess sessions.Session, args AddArgs) (*mcp.CallToolResult, error) {
			charge := payment.Charge{
				Resource: addResource,
				Amount:   cfg.AddPrice,
				Currency: cfg.Currency,
			}
			return gate.Guard(ctx, sess, charge, func(ctx context.Context) (*mcp.CallToolResult, error) {
				// Sum in decimal so fractional addends render exactly.
				sum := decimal.NewFromFloat(args.A).Add(decimal.NewFromFloat(args.B))
				return mcpservice.TextResult(sum.String()), nil
			})
		},
		mcpservice.WithToolDescription("Adds two numbers. Requires payment before use."),
	)

	return mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{
			Name:    "paygate",
			Version: "0.1.0",
		}),
		mcpservice.WithInstructions("The add tool is paid. If a call requires payment you will receive an elicitation with an approval URL; complete payment there and accept to resume the call."),
		mcpservice.WithToolsCapability(mcpservice.NewToolsContainer(addTool)),
	)
}
