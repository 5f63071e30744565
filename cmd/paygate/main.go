// Command paygate runs the payment-gated MCP server over streaming HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/paygate-mcp/paygate/payment"
	"github.com/paygate-mcp/paygate/paygate"
	"github.com/paygate-mcp/paygate/server"
	"github.com/paygate-mcp/paygate/sessions"
	"github.com/paygate-mcp/paygate/streaminghttp"
	"github.com/shopspring/decimal"
)

type config struct {
	// Addr is the listen address. ENV: PAYGATE_ADDR
	Addr string `env:"PAYGATE_ADDR,default=:8080"`
	// PublicEndpoint is the externally visible MCP endpoint URL. ENV: PAYGATE_PUBLIC_ENDPOINT
	PublicEndpoint string `env:"PAYGATE_PUBLIC_ENDPOINT,default=http://localhost:8080/mcp"`
	// LedgerURL is the base URL of the payment ledger service. ENV: PAYGATE_LEDGER_URL
	LedgerURL string `env:"PAYGATE_LEDGER_URL,required"`
	// AddPrice is the decimal charge for one add call. ENV: PAYGATE_ADD_PRICE
	AddPrice string `env:"PAYGATE_ADD_PRICE,default=0.10"`
	// Currency is the ISO currency code of AddPrice. ENV: PAYGATE_CURRENCY
	Currency string `env:"PAYGATE_CURRENCY,default=USD"`
	// ElicitationTimeout bounds the wait for a payment approval. ENV: PAYGATE_ELICITATION_TIMEOUT
	ElicitationTimeout time.Duration `env:"PAYGATE_ELICITATION_TIMEOUT,default=30s"`
	// LogLevel is one of debug, info, warn, error. ENV: PAYGATE_LOG_LEVEL
	LogLevel string `env:"PAYGATE_LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "paygate:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("config: invalid log level %q", cfg.LogLevel)
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	price, err := decimal.NewFromString(cfg.AddPrice)
	if err != nil {
		return fmt.Errorf("config: invalid add price %q: %w", cfg.AddPrice, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, err := payment.NewHTTPLedger(cfg.LedgerURL, payment.WithLogger(log))
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	gate := paygate.New(ledger, paygate.WithLogger(log))
	srv := server.New(gate, server.Config{AddPrice: price, Currency: cfg.Currency})

	h, err := streaminghttp.New(
		ctx,
		cfg.PublicEndpoint,
		sessions.NewRegistry(),
		srv,
		streaminghttp.WithLogger(log),
		streaminghttp.WithElicitationTimeout(cfg.ElicitationTimeout),
	)
	if err != nil {
		return fmt.Errorf("handler: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.Addr), slog.String("endpoint", cfg.PublicEndpoint))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
