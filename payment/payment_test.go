package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestToLedgerFormat(t *testing.T) {
	charge := Charge{
		Resource: "tool://add",
		Amount:   mustDecimal(t, "0.10"),
		Currency: "USD",
	}

	got := toLedgerFormat(charge)
	assert.Equal(t, "tool://add", got.Resource)
	assert.Equal(t, "0.1", got.Amount)
	assert.Equal(t, "USD", got.Currency)
}

func TestVerifyResultTagging(t *testing.T) {
	paid := Settled()
	assert.True(t, paid.Paid())
	_, ok := paid.Required()
	assert.False(t, ok)

	desc := RequiredDescriptor{
		PaymentRequestID:  "preq_1",
		PaymentRequestURL: "https://pay.example/preq_1",
		Amount:            mustDecimal(t, "0.10"),
		Currency:          "USD",
	}
	unpaid := Unsettled(desc)
	assert.False(t, unpaid.Paid())
	got, ok := unpaid.Required()
	require.True(t, ok)
	assert.Equal(t, desc, got)
}

func TestHTTPLedgerVerifyPaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/verify", r.URL.Path)

		var req ledgerChargeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tool://add", req.Resource)
		assert.Equal(t, "0.1", req.Amount)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ledgerVerifyResponse{Status: "paid"})
	}))
	defer srv.Close()

	l, err := NewHTTPLedger(srv.URL)
	require.NoError(t, err)

	res, err := l.Verify(context.Background(), Charge{Resource: "tool://add", Amount: mustDecimal(t, "0.10"), Currency: "USD"})
	require.NoError(t, err)
	assert.True(t, res.Paid())
}

func TestHTTPLedgerVerifyPaymentRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ledgerVerifyResponse{
			Status:            "payment_required",
			PaymentRequestID:  "preq_42",
			PaymentRequestURL: "https://pay.example/preq_42",
			Amount:            "0.10",
			Currency:          "USD",
		})
	}))
	defer srv.Close()

	l, err := NewHTTPLedger(srv.URL)
	require.NoError(t, err)

	res, err := l.Verify(context.Background(), Charge{Resource: "tool://add", Amount: mustDecimal(t, "0.10"), Currency: "USD"})
	require.NoError(t, err)
	require.False(t, res.Paid())

	desc, ok := res.Required()
	require.True(t, ok)
	assert.Equal(t, "preq_42", desc.PaymentRequestID)
	assert.Equal(t, "https://pay.example/preq_42", desc.PaymentRequestURL)
	// Exact decimal round-trip, not float drift.
	assert.True(t, desc.Amount.Equal(mustDecimal(t, "0.10")), "amount %s", desc.Amount)
	assert.Equal(t, "USD", desc.Currency)
}

func TestHTTPLedgerVerifyMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ledgerVerifyResponse{Status: "payment_required"})
	}))
	defer srv.Close()

	l, err := NewHTTPLedger(srv.URL)
	require.NoError(t, err)

	_, err = l.Verify(context.Background(), Charge{Resource: "tool://add", Amount: mustDecimal(t, "1"), Currency: "USD"})
	require.Error(t, err)
}

func TestHTTPLedgerCheckPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/payment-requests/preq_42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ledgerStatusResponse{Paid: true})
	}))
	defer srv.Close()

	l, err := NewHTTPLedger(srv.URL)
	require.NoError(t, err)

	paid, err := l.CheckPayment(context.Background(), "preq_42")
	require.NoError(t, err)
	assert.True(t, paid)

	_, err = l.CheckPayment(context.Background(), "")
	require.Error(t, err)
}

func TestNewHTTPLedgerRejectsBadScheme(t *testing.T) {
	_, err := NewHTTPLedger("ftp://ledger.example")
	require.Error(t, err)
}
