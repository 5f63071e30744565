// Package payment defines the boundary to the payment-ledger collaborator.
//
// Verification communicates its outcome through a tagged result rather than a
// sentinel error: an unpaid charge is an expected, recoverable state carrying
// a descriptor the elicitation flow needs, while error returns are reserved
// for genuine faults (network, malformed responses).
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Charge describes one billable invocation of a gated resource.
type Charge struct {
	// Resource names what is being charged for, e.g. "tool://add".
	Resource string
	// Amount is the price. Decimal, never a binary float: amounts must
	// round-trip the wire exactly.
	Amount decimal.Decimal
	// Currency is an ISO 4217 code.
	Currency string
}

// RequiredDescriptor is the resumable payment-request descriptor produced by
// the ledger when a charge is unpaid. It is scoped to a single tool call and
// never reused across calls.
type RequiredDescriptor struct {
	// PaymentRequestID identifies this specific charge attempt. Re-verification
	// after approval must target this id, not a fresh charge.
	PaymentRequestID string
	// PaymentRequestURL is where the human approves or declines the charge.
	PaymentRequestURL string
	// Amount echoes the charge amount, decimal-exact.
	Amount decimal.Decimal
	// Currency echoes the charge currency.
	Currency string
}

// VerifyResult is the tagged outcome of a verification attempt: either the
// charge is settled, or a descriptor explains how to get it settled.
type VerifyResult struct {
	paid     bool
	required *RequiredDescriptor
}

// Settled builds the paid outcome.
func Settled() VerifyResult {
	return VerifyResult{paid: true}
}

// Unsettled builds the payment-required outcome carrying desc.
func Unsettled(desc RequiredDescriptor) VerifyResult {
	return VerifyResult{required: &desc}
}

// Paid reports whether the charge is settled.
func (r VerifyResult) Paid() bool { return r.paid }

// Required returns the payment-request descriptor for an unsettled charge.
// ok is false when the charge is paid.
func (r VerifyResult) Required() (desc RequiredDescriptor, ok bool) {
	if r.required == nil {
		return RequiredDescriptor{}, false
	}
	return *r.required, true
}

// Ledger is the payment verification collaborator.
type Ledger interface {
	// Verify checks whether charge is settled. An unpaid charge is reported
	// via the result, not the error; errors are reserved for faults.
	Verify(ctx context.Context, charge Charge) (VerifyResult, error)

	// CheckPayment re-verifies a specific payment request by id after the
	// client reports approval. It must consult the same charge attempt that
	// produced the id rather than opening a new one.
	CheckPayment(ctx context.Context, paymentRequestID string) (bool, error)
}
