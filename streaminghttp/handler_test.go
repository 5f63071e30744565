package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"

	"github.com/paygate-mcp/paygate/internal/jsonrpc"
	"github.com/paygate-mcp/paygate/mcp"
	"github.com/paygate-mcp/paygate/payment/paymenttest"
	"github.com/paygate-mcp/paygate/paygate"
	"github.com/paygate-mcp/paygate/server"
	"github.com/paygate-mcp/paygate/sessions"
)

type testHarness struct {
	ts       *httptest.Server
	ledger   *paymenttest.FakeLedger
	registry *sessions.Registry
}

func newTestHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()

	ledger := paymenttest.NewFakeLedger()
	registry := sessions.NewRegistry()
	srv := server.New(paygate.New(ledger), server.Config{
		AddPrice: decimal.RequireFromString("0.10"),
		Currency: "USD",
	})

	h, err := New(t.Context(), "http://127.0.0.1/mcp", registry, srv, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	return &testHarness{ts: ts, ledger: ledger, registry: registry}
}

func (h *testHarness) endpoint() string { return h.ts.URL + "/mcp" }

// postMCP issues one MCP POST with the standard headers. An empty sessionID
// omits the session header.
func (h *testHarness) postMCP(t *testing.T, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.endpoint(), strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

const initializeBody = `{
	"jsonrpc": "2.0",
	"id": 1,
	"method": "initialize",
	"params": {
		"protocolVersion": "2025-06-18",
		"capabilities": {"elicitation": {}},
		"clientInfo": {"name": "test-client", "version": "0.0.1"}
	}
}`

// initialize performs the handshake and returns the minted session id.
func (h *testHarness) initialize(t *testing.T) string {
	t.Helper()
	res := h.postMCP(t, "", initializeBody)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	sessID := res.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessID)
	return sessID
}

func decodeBody(t *testing.T, res *http.Response) *jsonrpc.Response {
	t.Helper()
	var out jsonrpc.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return &out
}

func callBody(id int, a, b float64) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"add","arguments":{"a":%v,"b":%v}}}`, id, a, b)
}

func elicitResponseBody(elicitationID string, action mcp.ElicitAction) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{"action":%q}}`, elicitationID, action)
}

func TestInitializeHandshake(t *testing.T) {
	h := newTestHarness(t)

	res := h.postMCP(t, "", initializeBody)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("Mcp-Session-Id"))
	assert.Equal(t, "2025-06-18", res.Header.Get("Mcp-Protocol-Version"))

	rpcRes := decodeBody(t, res)
	require.Nil(t, rpcRes.Error)

	var initRes mcp.InitializeResult
	require.NoError(t, json.Unmarshal(rpcRes.Result, &initRes))
	assert.Equal(t, "paygate", initRes.ServerInfo.Name)
	assert.NotNil(t, initRes.Capabilities.Tools)
	assert.Equal(t, 1, h.registry.Len())
}

func TestInitializeWithoutElicitationCapability(t *testing.T) {
	h := newTestHarness(t)

	res := h.postMCP(t, "", `{
		"jsonrpc": "2.0",
		"id": 1,
		"method": "initialize",
		"params": {
			"protocolVersion": "2025-06-18",
			"capabilities": {},
			"clientInfo": {"name": "bare-client"}
		}
	}`)
	defer res.Body.Close()

	// The request itself is well formed: the rejection is a JSON-RPC error on
	// a 200, not a transport failure.
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, res.Header.Get("Mcp-Session-Id"))

	rpcRes := decodeBody(t, res)
	require.NotNil(t, rpcRes.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidParams, rpcRes.Error.Code)
	assert.Contains(t, rpcRes.Error.Message, "does not support elicitation")
	assert.Equal(t, 0, h.registry.Len(), "no session state may survive the rejection")
}

func TestUnknownSessionReference(t *testing.T) {
	h := newTestHarness(t)

	res := h.postMCP(t, "sess_does_not_exist", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	defer res.Body.Close()

	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	rpcRes := decodeBody(t, res)
	require.NotNil(t, rpcRes.Error)
	assert.Equal(t, jsonrpc.ErrorCodeServerError, rpcRes.Error.Code)
	assert.Equal(t, "Bad Request", rpcRes.Error.Message)
}

func TestNonInitializeWithoutSession(t *testing.T) {
	h := newTestHarness(t)

	res := h.postMCP(t, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	defer res.Body.Close()

	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	rpcRes := decodeBody(t, res)
	require.NotNil(t, rpcRes.Error)
	assert.Equal(t, "Bad Request", rpcRes.Error.Message)
}

func TestDeleteMethodNotAllowed(t *testing.T) {
	h := newTestHarness(t)
	sessID := h.initialize(t)

	req, err := http.NewRequest(http.MethodDelete, h.endpoint(), nil)
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", sessID)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	assert.Equal(t, "GET, POST", res.Header.Get("Allow"))
	rpcRes := decodeBody(t, res)
	require.NotNil(t, rpcRes.Error)
	assert.Equal(t, jsonrpc.ErrorCodeServerError, rpcRes.Error.Code)
	assert.Equal(t, "Method not allowed", rpcRes.Error.Message)

	// The unsupported verb must not touch the session.
	_, ok := h.registry.Resolve(sessID)
	assert.True(t, ok)
}

func TestRedundantInitialize(t *testing.T) {
	h := newTestHarness(t)
	sessID := h.initialize(t)

	res := h.postMCP(t, sessID, initializeBody)
	defer res.Body.Close()
	require.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestBatchRejected(t *testing.T) {
	h := newTestHarness(t)
	sessID := h.initialize(t)

	res := h.postMCP(t, sessID, `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	defer res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestProtocolVersionMismatch(t *testing.T) {
	h := newTestHarness(t)
	sessID := h.initialize(t)

	req, err := http.NewRequest(http.MethodPost, h.endpoint(), strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	req.Header.Set("Mcp-Protocol-Version", "2024-11-05")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	rpcRes := decodeBody(t, res)
	require.NotNil(t, rpcRes.Error)
	assert.Equal(t, "Bad Request", rpcRes.Error.Message)
}

func TestNotificationAccepted(t *testing.T) {
	h := newTestHarness(t)
	sessID := h.initialize(t)

	res := h.postMCP(t, sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	defer res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestPaidCallStreamsSingleResult(t *testing.T) {
	h := newTestHarness(t)
	h.ledger.SettleResource("tool://add")
	sessID := h.initialize(t)

	res := h.postMCP(t, sessID, callBody(2, 2, 3))
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	var events []string
	for ev, err := range sse.Read(res.Body, nil) {
		require.NoError(t, err)
		events = append(events, ev.Data)
	}
	require.Len(t, events, 1, "a settled charge produces exactly the tool response")

	var rpcRes jsonrpc.Response
	require.NoError(t, json.Unmarshal([]byte(events[0]), &rpcRes))
	require.Nil(t, rpcRes.Error)

	var out mcp.CallToolResult
	require.NoError(t, json.Unmarshal(rpcRes.Result, &out))
	assert.False(t, out.IsError)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "5", out.Content[0].Text)
}

// runElicitedCall posts a gated add call, answers the elicitation pushed on
// the call's stream with the given action, and returns the final tool result.
func (h *testHarness) runElicitedCall(t *testing.T, sessID string, payBeforeAnswer bool, action mcp.ElicitAction) *mcp.CallToolResult {
	t.Helper()

	res := h.postMCP(t, sessID, callBody(2, 2, 3))
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	var final *jsonrpc.Response
	for ev, err := range sse.Read(res.Body, nil) {
		require.NoError(t, err)

		var msg jsonrpc.AnyMessage
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &msg))

		if msg.Type() == "request" {
			require.Equal(t, "elicitation/create", msg.Method)

			var params mcp.ElicitRequest
			require.NoError(t, json.Unmarshal(msg.Params, &params))
			assert.Equal(t, mcp.ElicitationModeURL, params.Mode)
			assert.Equal(t, params.ElicitationID, msg.ID.String())
			assert.Contains(t, params.URL, "preq_0001")
			assert.Contains(t, params.Message, "0.1 USD")

			if payBeforeAnswer {
				h.ledger.MarkPaid("preq_0001")
			}

			ansRes := h.postMCP(t, sessID, elicitResponseBody(params.ElicitationID, action))
			require.Equal(t, http.StatusAccepted, ansRes.StatusCode)
			ansRes.Body.Close()
			continue
		}

		final = msg.AsResponse()
	}

	require.NotNil(t, final, "stream ended without the tool response")
	require.Nil(t, final.Error, "payment outcomes surface as tool results, not envelope errors")

	var out mcp.CallToolResult
	require.NoError(t, json.Unmarshal(final.Result, &out))
	return &out
}

func TestElicitationAcceptEndToEnd(t *testing.T) {
	h := newTestHarness(t)
	sessID := h.initialize(t)

	out := h.runElicitedCall(t, sessID, true, mcp.ElicitActionAccept)
	assert.False(t, out.IsError)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "5", out.Content[0].Text)
	assert.Equal(t, []string{"preq_0001"}, h.ledger.CheckCalls())
}

func TestElicitationDeclineEndToEnd(t *testing.T) {
	h := newTestHarness(t)
	sessID := h.initialize(t)

	out := h.runElicitedCall(t, sessID, false, mcp.ElicitActionDecline)
	assert.True(t, out.IsError)
	require.Len(t, out.Content, 1)
	assert.Contains(t, out.Content[0].Text, "declined")
	assert.Empty(t, h.ledger.CheckCalls())
}

func TestElicitationAcceptWithoutPayment(t *testing.T) {
	h := newTestHarness(t)
	sessID := h.initialize(t)

	out := h.runElicitedCall(t, sessID, false, mcp.ElicitActionAccept)
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content[0].Text, "not completed")
	assert.Len(t, h.ledger.CheckCalls(), 1, "accept re-verifies once, with no retry loop")
}

func TestGetStreamLifecycle(t *testing.T) {
	h := newTestHarness(t)
	sessID := h.initialize(t)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint(), nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	// Dropping the standing stream ends the session.
	cancel()
	res.Body.Close()

	require.Eventually(t, func() bool {
		_, ok := h.registry.Resolve(sessID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "session must die with its standing stream")

	followup := h.postMCP(t, sessID, `{"jsonrpc":"2.0","id":9,"method":"tools/list"}`)
	defer followup.Body.Close()
	assert.Equal(t, http.StatusBadRequest, followup.StatusCode)
}

func TestGetWithoutSession(t *testing.T) {
	h := newTestHarness(t)

	req, err := http.NewRequest(http.MethodGet, h.endpoint(), nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestUnsupportedContentType(t *testing.T) {
	h := newTestHarness(t)

	req, err := http.NewRequest(http.MethodPost, h.endpoint(), strings.NewReader("a=b"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)
}
