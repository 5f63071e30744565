package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ledgerStatusPaid     = "paid"
	ledgerStatusRequired = "payment_required"
)

// ledgerChargeRequest is the ledger service's wire shape for a verification
// call. It differs from the local Charge shape, so the translation lives in
// one place instead of being smeared across call sites.
type ledgerChargeRequest struct {
	Resource string `json:"resource"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// toLedgerFormat translates a local charge into the ledger's wire shape.
// Pure; the collaborator is never mutated or monkey-patched.
func toLedgerFormat(charge Charge) ledgerChargeRequest {
	return ledgerChargeRequest{
		Resource: charge.Resource,
		Amount:   charge.Amount.String(),
		Currency: charge.Currency,
	}
}

type ledgerVerifyResponse struct {
	Status            string `json:"status"`
	PaymentRequestID  string `json:"paymentRequestId,omitempty"`
	PaymentRequestURL string `json:"paymentRequestUrl,omitempty"`
	Amount            string `json:"amount,omitempty"`
	Currency          string `json:"currency,omitempty"`
}

type ledgerStatusResponse struct {
	Paid bool `json:"paid"`
}

// HTTPLedger talks to a remote payment-ledger service over JSON/HTTP. It
// implements Ledger.
type HTTPLedger struct {
	baseURL *url.URL
	http    *http.Client
	log     *slog.Logger
}

var _ Ledger = (*HTTPLedger)(nil)

// HTTPLedgerOption configures an HTTPLedger.
type HTTPLedgerOption func(*HTTPLedger)

// WithHTTPClient overrides the HTTP client used for ledger calls.
func WithHTTPClient(c *http.Client) HTTPLedgerOption {
	return func(l *HTTPLedger) {
		if c != nil {
			l.http = c
		}
	}
}

// WithLogger sets the logger used for ledger call tracing.
func WithLogger(log *slog.Logger) HTTPLedgerOption {
	return func(l *HTTPLedger) {
		if log != nil {
			l.log = log
		}
	}
}

// NewHTTPLedger constructs a ledger client for the service at baseURL.
func NewHTTPLedger(baseURL string, opts ...HTTPLedgerOption) (*HTTPLedger, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ledger URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ledger URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}

	l := &HTTPLedger{
		baseURL: u,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Verify implements Ledger.
func (l *HTTPLedger) Verify(ctx context.Context, charge Charge) (VerifyResult, error) {
	start := time.Now()

	body, err := json.Marshal(toLedgerFormat(charge))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("marshal charge: %w", err)
	}

	var resp ledgerVerifyResponse
	if err := l.postJSON(ctx, "/verify", body, &resp); err != nil {
		l.log.ErrorContext(ctx, "ledger.verify.fail", slog.String("resource", charge.Resource), slog.String("err", err.Error()))
		return VerifyResult{}, err
	}

	switch resp.Status {
	case ledgerStatusPaid:
		l.log.InfoContext(ctx, "ledger.verify.paid", slog.String("resource", charge.Resource), slog.Duration("dur", time.Since(start)))
		return Settled(), nil
	case ledgerStatusRequired:
		if resp.PaymentRequestID == "" || resp.PaymentRequestURL == "" {
			return VerifyResult{}, fmt.Errorf("ledger payment_required response missing descriptor fields")
		}
		amount := charge.Amount
		if resp.Amount != "" {
			amount, err = decimal.NewFromString(resp.Amount)
			if err != nil {
				return VerifyResult{}, fmt.Errorf("ledger returned malformed amount %q: %w", resp.Amount, err)
			}
		}
		currency := resp.Currency
		if currency == "" {
			currency = charge.Currency
		}
		l.log.InfoContext(ctx, "ledger.verify.required",
			slog.String("resource", charge.Resource),
			slog.String("payment_request_id", resp.PaymentRequestID),
			slog.Duration("dur", time.Since(start)))
		return Unsettled(RequiredDescriptor{
			PaymentRequestID:  resp.PaymentRequestID,
			PaymentRequestURL: resp.PaymentRequestURL,
			Amount:            amount,
			Currency:          currency,
		}), nil
	default:
		return VerifyResult{}, fmt.Errorf("ledger returned unknown status %q", resp.Status)
	}
}

// CheckPayment implements Ledger.
func (l *HTTPLedger) CheckPayment(ctx context.Context, paymentRequestID string) (bool, error) {
	if paymentRequestID == "" {
		return false, fmt.Errorf("payment request id required")
	}

	u := l.baseURL.JoinPath("payment-requests", paymentRequestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := l.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("ledger status call: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("ledger status call: unexpected status %d", res.StatusCode)
	}

	var status ledgerStatusResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&status); err != nil {
		return false, fmt.Errorf("decode ledger status response: %w", err)
	}

	l.log.InfoContext(ctx, "ledger.check_payment.ok",
		slog.String("payment_request_id", paymentRequestID),
		slog.Bool("paid", status.Paid))

	return status.Paid, nil
}

func (l *HTTPLedger) postJSON(ctx context.Context, path string, body []byte, out any) error {
	u := l.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger call: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger call: unexpected status %d", res.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode ledger response: %w", err)
	}
	return nil
}
