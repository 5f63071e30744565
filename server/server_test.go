package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate-mcp/paygate/mcp"
	"github.com/paygate-mcp/paygate/payment/paymenttest"
	"github.com/paygate-mcp/paygate/paygate"
	"github.com/paygate-mcp/paygate/sessions"
)

type stubElicitation struct {
	action mcp.ElicitAction
	calls  int
}

func (s *stubElicitation) ElicitURL(ctx context.Context, message, url string) (mcp.ElicitAction, error) {
	s.calls++
	return s.action, nil
}

type stubSession struct {
	elicit sessions.ElicitationCapability
}

func (stubSession) SessionID() string       { return "sess-test" }
func (stubSession) ProtocolVersion() string { return mcp.LatestProtocolVersion }
func (s stubSession) GetElicitationCapability() (sessions.ElicitationCapability, bool) {
	return s.elicit, s.elicit != nil
}

func testConfig() Config {
	return Config{AddPrice: decimal.RequireFromString("0.10"), Currency: "USD"}
}

func TestAddToolSettled(t *testing.T) {
	ledger := paymenttest.NewFakeLedger()
	ledger.SettleResource("tool://add")
	srv := New(paygate.New(ledger), testConfig())

	el := &stubElicitation{action: mcp.ElicitActionAccept}
	res, err := srv.Tools().CallTool(context.Background(), stubSession{elicit: el}, &mcp.CallToolRequestReceived{
		Name:      "add",
		Arguments: json.RawMessage(`{"a":2,"b":3}`),
	})
	require.NoError(t, err)

	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "5", res.Content[0].Text)
	assert.Zero(t, el.calls, "a settled charge must not prompt for approval")
}

func TestAddToolFractionalResult(t *testing.T) {
	ledger := paymenttest.NewFakeLedger()
	ledger.SettleResource("tool://add")
	srv := New(paygate.New(ledger), testConfig())

	res, err := srv.Tools().CallTool(context.Background(), stubSession{}, &mcp.CallToolRequestReceived{
		Name:      "add",
		Arguments: json.RawMessage(`{"a":0.1,"b":0.2}`),
	})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "0.3", res.Content[0].Text, "fractional addends must sum decimally, not in binary floating point")
}

func TestAddToolUnpaidDeclined(t *testing.T) {
	ledger := paymenttest.NewFakeLedger()
	srv := New(paygate.New(ledger), testConfig())

	el := &stubElicitation{action: mcp.ElicitActionDecline}
	res, err := srv.Tools().CallTool(context.Background(), stubSession{elicit: el}, &mcp.CallToolRequestReceived{
		Name:      "add",
		Arguments: json.RawMessage(`{"a":2,"b":3}`),
	})
	require.NoError(t, err)

	assert.True(t, res.IsError)
	assert.Equal(t, 1, el.calls)
	require.Len(t, res.Content, 1)
	assert.Contains(t, res.Content[0].Text, "declined")
}

func TestAddToolDescriptor(t *testing.T) {
	srv := New(paygate.New(paymenttest.NewFakeLedger()), testConfig())

	tools, next := srv.Tools().ListTools(nil)
	require.Len(t, tools, 1)
	assert.Empty(t, next)

	tool := tools[0]
	assert.Equal(t, "add", tool.Name)
	assert.Equal(t, "object", tool.InputSchema.Type)
	assert.ElementsMatch(t, []string{"a", "b"}, tool.InputSchema.Required)
	assert.False(t, tool.InputSchema.AdditionalProperties)
}
