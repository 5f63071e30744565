// Package paygate decides whether a tool invocation may proceed based on the
// payment status of its associated charge. Unpaid charges trigger a URL-mode
// elicitation so a human can settle the charge out of band; the suspended tool
// call resumes once the client reports the outcome.
package paygate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/paygate-mcp/paygate/mcp"
	"github.com/paygate-mcp/paygate/mcpservice"
	"github.com/paygate-mcp/paygate/payment"
	"github.com/paygate-mcp/paygate/sessions"
)

// Continuation is the gated remainder of a tool call, run only once the charge
// is known to be settled.
type Continuation func(ctx context.Context) (*mcp.CallToolResult, error)

// Gate verifies charges against a payment ledger and walks unpaid charges
// through the elicitation approval handshake.
type Gate struct {
	ledger payment.Ledger
	log    *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger used by the gate.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// New constructs a Gate backed by the given ledger.
func New(ledger payment.Ledger, opts ...Option) *Gate {
	g := &Gate{
		ledger: ledger,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Guard runs cont only if charge is settled. When the ledger reports the
// charge unpaid, Guard issues a URL-mode elicitation on the session and waits
// for the outcome. On accept it re-verifies the exact payment request the
// ledger minted; a single accept never loops back into a second elicitation.
//
// Payment outcomes (declined, timed out, session closed, unpaid after accept)
// are reported as tool-level failures, not transport errors. Ledger and
// infrastructure faults propagate as errors.
func (g *Gate) Guard(ctx context.Context, sess sessions.Session, charge payment.Charge, cont Continuation) (*mcp.CallToolResult, error) {
	res, err := g.ledger.Verify(ctx, charge)
	if err != nil {
		return nil, fmt.Errorf("verifying charge for %s: %w", charge.Resource, err)
	}
	if res.Paid() {
		return cont(ctx)
	}

	desc, ok := res.Required()
	if !ok {
		return nil, fmt.Errorf("ledger reported %s unpaid without a payment request", charge.Resource)
	}

	cap, ok := sess.GetElicitationCapability()
	if !ok {
		// Sessions are only admitted with elicitation declared, so this
		// indicates a capability wiring fault rather than a client mistake.
		return nil, fmt.Errorf("session %s has no elicitation capability", sess.SessionID())
	}

	g.log.InfoContext(ctx, "paygate.payment_required",
		slog.String("resource", charge.Resource),
		slog.String("payment_request_id", desc.PaymentRequestID),
	)

	msg := fmt.Sprintf("Payment of %s %s is required to use %s. Approve the charge to continue.",
		desc.Amount.String(), desc.Currency, charge.Resource)

	action, err := cap.ElicitURL(ctx, msg, desc.PaymentRequestURL)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrElicitationTimeout):
			g.log.InfoContext(ctx, "paygate.elicitation_timeout",
				slog.String("payment_request_id", desc.PaymentRequestID))
			return mcpservice.Errorf("Payment approval timed out before a response arrived."), nil
		case errors.Is(err, sessions.ErrElicitationChannelClosed):
			return mcpservice.Errorf("Session closed before payment approval completed."), nil
		case errors.Is(err, sessions.ErrElicitationInFlight):
			return mcpservice.Errorf("Another payment approval is already pending on this session."), nil
		default:
			return nil, fmt.Errorf("eliciting payment approval: %w", err)
		}
	}

	if action != mcp.ElicitActionAccept {
		g.log.InfoContext(ctx, "paygate.payment_declined",
			slog.String("payment_request_id", desc.PaymentRequestID))
		return mcpservice.Errorf("Payment declined by user."), nil
	}

	// Re-check the same payment request the elicitation pointed at. Accepting
	// the prompt does not by itself settle anything.
	paid, err := g.ledger.CheckPayment(ctx, desc.PaymentRequestID)
	if err != nil {
		return nil, fmt.Errorf("checking payment request %s: %w", desc.PaymentRequestID, err)
	}
	if !paid {
		g.log.InfoContext(ctx, "paygate.payment_unsettled",
			slog.String("payment_request_id", desc.PaymentRequestID))
		return mcpservice.Errorf("Payment not completed; the charge remains unpaid."), nil
	}

	g.log.InfoContext(ctx, "paygate.payment_settled",
		slog.String("payment_request_id", desc.PaymentRequestID))
	return cont(ctx)
}
