// Package paymenttest provides an in-memory Ledger for tests.
package paymenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/paygate-mcp/paygate/payment"
)

// FakeLedger is an in-memory payment.Ledger. Each distinct charge resource
// gets one payment request; marking it paid makes both Verify and
// CheckPayment report settled.
type FakeLedger struct {
	mu       sync.Mutex
	nextID   int
	requests map[string]*fakeRequest // paymentRequestID -> request
	byRes    map[string]string       // resource -> paymentRequestID

	verifyCalls []payment.Charge
	checkCalls  []string

	// VerifyErr, when set, is returned by Verify to simulate ledger faults.
	VerifyErr error
	// CheckErr, when set, is returned by CheckPayment.
	CheckErr error
	// ApprovalURL is the base used for descriptor URLs.
	ApprovalURL string
}

type fakeRequest struct {
	charge payment.Charge
	paid   bool
}

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		requests:    make(map[string]*fakeRequest),
		byRes:       make(map[string]string),
		ApprovalURL: "https://pay.example.test/approve",
	}
}

var _ payment.Ledger = (*FakeLedger)(nil)

// Verify implements payment.Ledger.
func (f *FakeLedger) Verify(ctx context.Context, charge payment.Charge) (payment.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.verifyCalls = append(f.verifyCalls, charge)

	if f.VerifyErr != nil {
		return payment.VerifyResult{}, f.VerifyErr
	}

	id, ok := f.byRes[charge.Resource]
	if !ok {
		f.nextID++
		id = fmt.Sprintf("preq_%04d", f.nextID)
		f.byRes[charge.Resource] = id
		f.requests[id] = &fakeRequest{charge: charge}
	}

	req := f.requests[id]
	if req.paid {
		return payment.Settled(), nil
	}
	return payment.Unsettled(payment.RequiredDescriptor{
		PaymentRequestID:  id,
		PaymentRequestURL: f.ApprovalURL + "/" + id,
		Amount:            charge.Amount,
		Currency:          charge.Currency,
	}), nil
}

// CheckPayment implements payment.Ledger.
func (f *FakeLedger) CheckPayment(ctx context.Context, paymentRequestID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.checkCalls = append(f.checkCalls, paymentRequestID)

	if f.CheckErr != nil {
		return false, f.CheckErr
	}
	req, ok := f.requests[paymentRequestID]
	if !ok {
		return false, fmt.Errorf("unknown payment request %q", paymentRequestID)
	}
	return req.paid, nil
}

// MarkPaid settles the payment request with the given id.
func (f *FakeLedger) MarkPaid(paymentRequestID string) {
	f.mu.Lock()
	if req, ok := f.requests[paymentRequestID]; ok {
		req.paid = true
	}
	f.mu.Unlock()
}

// SettleResource settles whatever payment request backs the given resource,
// creating one if none exists yet.
func (f *FakeLedger) SettleResource(resource string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byRes[resource]
	if !ok {
		f.nextID++
		id = fmt.Sprintf("preq_%04d", f.nextID)
		f.byRes[resource] = id
		f.requests[id] = &fakeRequest{}
	}
	f.requests[id].paid = true
}

// VerifyCalls returns a copy of the charges passed to Verify.
func (f *FakeLedger) VerifyCalls() []payment.Charge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment.Charge(nil), f.verifyCalls...)
}

// CheckCalls returns a copy of the ids passed to CheckPayment.
func (f *FakeLedger) CheckCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.checkCalls...)
}
