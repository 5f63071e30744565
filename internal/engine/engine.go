// Package engine coordinates sessions, message routing, and protocol handling
// for the payment-gated MCP server. It is transport-agnostic: the streaming
// HTTP handler feeds it decoded JSON-RPC messages and supplies a writer for
// server-initiated traffic.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paygate-mcp/paygate/internal/jsonrpc"
	"github.com/paygate-mcp/paygate/internal/logctx"
	"github.com/paygate-mcp/paygate/mcp"
	"github.com/paygate-mcp/paygate/mcpservice"
	"github.com/paygate-mcp/paygate/sessions"
)

const defaultElicitationTimeout = 30 * time.Second

var (
	// ErrElicitationUnsupported rejects an initialize whose client did not
	// declare the elicitation capability. Every tool this server exposes may
	// suspend on a payment approval, so a session without elicitation could
	// never complete an unpaid call.
	ErrElicitationUnsupported = errors.New("client does not support elicitation")

	ErrCancelled = errors.New("operation cancelled")
	ErrInternal  = errors.New("internal error")
)

// Engine is the core of the server. All live state is in-process: the session
// registry holds channel bindings, and the rendezvous table parks suspended
// elicitation waits until the matching client response arrives.
type Engine struct {
	registry *sessions.Registry
	srv      *mcpservice.Server
	log      *slog.Logger

	elicitTimeout time.Duration

	// tool call tracking
	toolCtxMu      sync.Mutex
	toolCtxCancels map[string]context.CancelCauseFunc // sessionID+"/"+reqID -> cancel func

	// rendez-vous tracking for server-initiated requests awaiting a client
	// response. Entries are keyed by the outbound request id, and sessWaits
	// indexes the one pending wait a session may hold.
	rdvMu      sync.Mutex
	rdvChans   map[string]chan []byte
	rdvClosers map[string]func()
	sessWaits  map[string]string // sessionID -> pending request id
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithElicitationTimeout bounds how long a suspended tool call waits for the
// client's elicitation response. Default is 30s.
func WithElicitationTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.elicitTimeout = d
		}
	}
}

func NewEngine(registry *sessions.Registry, srv *mcpservice.Server, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:       registry,
		srv:            srv,
		log:            slog.Default(),
		elicitTimeout:  defaultElicitationTimeout,
		toolCtxCancels: make(map[string]context.CancelCauseFunc),
		rdvChans:       make(map[string]chan []byte),
		rdvClosers:     make(map[string]func()),
		sessWaits:      make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// InitializeSession handles the MCP initialize handshake: it validates the
// client's declared capabilities, creates a session record, and returns the
// InitializeResult payload alongside a handle for subsequent requests. A
// client that does not declare elicitation is rejected before any session
// state exists.
func (e *Engine) InitializeSession(ctx context.Context, req *mcp.InitializeRequest) (*SessionHandle, *mcp.InitializeResult, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("initialize request required")
	}

	if req.Capabilities.Elicitation == nil {
		e.log.InfoContext(ctx, "engine.initialize.rejected",
			slog.String("client", req.ClientInfo.Name),
			slog.String("reason", "missing elicitation capability"))
		return nil, nil, ErrElicitationUnsupported
	}

	negotiatedVersion := req.ProtocolVersion
	if negotiatedVersion == "" {
		negotiatedVersion = mcp.LatestProtocolVersion
	}

	capSet := sessions.CapabilitySet{Elicitation: true}
	client := sessions.ClientInfo{
		Name:    req.ClientInfo.Name,
		Version: req.ClientInfo.Version,
	}

	rec := e.registry.Create(capSet, client, negotiatedVersion)

	// A dying channel abandons any elicitation wait parked on the session so
	// the suspended tool call unwinds instead of running out the clock.
	sessID := rec.SessionID()
	rec.Channel().OnClose(func() { e.cancelSessionWaits(sessID) })

	initRes := &mcp.InitializeResult{
		ProtocolVersion: negotiatedVersion,
		Capabilities:    mcp.ServerCapabilities{},
		ServerInfo:      e.srv.ServerInfo(),
	}
	if instr, ok := e.srv.Instructions(); ok {
		initRes.Instructions = instr
	}
	if e.srv.Tools() != nil {
		initRes.Capabilities.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}

	e.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("session_id", rec.SessionID()),
		slog.String("protocol_version", negotiatedVersion),
		slog.String("client", client.Name))

	return e.newHandle(rec, nil), initRes, nil
}

// LoadSession resolves a live session by id and binds the request-scoped
// writer used for server-initiated messages during this request's lifetime.
// Returns sessions.ErrSessionNotFound for unknown or destroyed ids.
func (e *Engine) LoadSession(ctx context.Context, sessID string, requestScopedWriter MessageWriter) (*SessionHandle, error) {
	rec, ok := e.registry.Resolve(sessID)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return e.newHandle(rec, requestScopedWriter), nil
}

func (e *Engine) newHandle(rec *sessions.Record, requestScopedWriter MessageWriter) *SessionHandle {
	h := &SessionHandle{rec: rec}
	if rec.Capabilities().Elicitation {
		h.elicitationCap = &elicitationCapability{
			eng:                 e,
			log:                 e.log,
			sessID:              rec.SessionID(),
			channel:             rec.Channel(),
			requestScopedWriter: requestScopedWriter,
			timeout:             e.elicitTimeout,
		}
	}
	return h
}

// DestroySession removes the session and closes its channel. Idempotent.
func (e *Engine) DestroySession(ctx context.Context, sessID string) {
	e.registry.Destroy(sessID)
	e.log.InfoContext(ctx, "engine.session.destroyed", slog.String("session_id", sessID))
}

// HandleRequest dispatches an incoming JSON-RPC request on an established
// session and returns the response to deliver.
func (e *Engine) HandleRequest(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	switch req.Method {
	case string(mcp.ToolsListMethod):
		return e.handleToolsList(ctx, sess, req)
	case string(mcp.ToolsCallMethod):
		return e.handleToolCall(ctx, sess, req)
	case string(mcp.PingMethod):
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	}

	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found", nil), nil
}

func (e *Engine) handleToolsList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	tc := e.srv.Tools()
	if tc == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools not supported", nil), nil
	}

	var cursor *string
	if params.Cursor != "" {
		s := params.Cursor
		cursor = &s
	}

	items, nextCursor := tc.ListTools(cursor)
	res := &mcp.ListToolsResult{Tools: items}
	res.NextCursor = nextCursor

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(items)))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleToolCall(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	tc := e.srv.Tools()
	if tc == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools not supported", nil), nil
	}

	reqID := req.ID.String()
	if reqID == "" {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", "missing request ID"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "missing request ID", nil), nil
	}

	// Track the call context so a notifications/cancelled for this request id
	// can unwind the tool, including one suspended in an elicitation wait.
	key := sess.SessionID() + "/" + reqID

	toolCtx, toolCancel := context.WithCancelCause(ctx)
	defer toolCancel(context.Canceled)

	e.toolCtxMu.Lock()
	if _, exists := e.toolCtxCancels[key]; exists {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", "duplicate request ID"))
		e.toolCtxMu.Unlock()
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal server error", nil), nil
	}
	e.toolCtxCancels[key] = toolCancel
	e.toolCtxMu.Unlock()

	defer func() {
		e.toolCtxMu.Lock()
		delete(e.toolCtxCancels, key)
		e.toolCtxMu.Unlock()
	}()

	res, err := tc.CallTool(toolCtx, sess, &params)
	if err != nil {
		if errors.Is(err, mcpservice.ErrToolNotFound) {
			log.InfoContext(ctx, "engine.handle_request.unknown_tool", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
		}
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal server error", nil), nil
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

// HandleNotification processes an incoming JSON-RPC notification from a client.
// Unknown notifications are ignored.
func (e *Engine) HandleNotification(ctx context.Context, sess *SessionHandle, note *jsonrpc.Request) error {
	switch note.Method {
	case string(mcp.InitializedNotificationMethod):
		sess.rec.MarkOpen()
		e.log.InfoContext(ctx, "engine.session.initialized", slog.String("session_id", sess.SessionID()))
		return nil
	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
			return nil
		}
		if params.RequestID != "" {
			hadCancel := e.cancelInFlightRequest(sess.SessionID(), params.RequestID, params.Reason)
			e.log.InfoContext(ctx, "engine.handle_notification.cancel",
				slog.String("request_id", params.RequestID),
				slog.Bool("had_cancel", hadCancel))
		}
		return nil
	}

	e.log.InfoContext(ctx, "engine.handle_notification.ignored", slog.String("rpc_method", note.Method))
	return nil
}

// HandleClientResponse routes a client-sent JSON-RPC response into the
// rendezvous awaiting it. The response id is authoritative: a response whose
// id matches no pending wait owned by this session is dropped.
func (e *Engine) HandleClientResponse(ctx context.Context, sess *SessionHandle, res *jsonrpc.Response) error {
	if res == nil || res.ID == nil || res.ID.IsNil() {
		return fmt.Errorf("invalid response: missing id")
	}

	reqID := res.ID.String()

	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	// The send happens under rdvMu: the wait's cleanup closes the channel
	// under the same lock, so a response racing a timeout or abandoned wait
	// either finds the live channel or finds no entry at all. The send is
	// non-blocking; the buffered channel tolerates a brief receiver delay and
	// a duplicate response is dropped rather than blocking the transport.
	e.rdvMu.Lock()
	rdvCh, exists := e.rdvChans[reqID]
	owned := e.sessWaits[sess.SessionID()] == reqID
	if exists && owned {
		select {
		case rdvCh <- payload:
		default:
		}
	}
	e.rdvMu.Unlock()

	if !exists || !owned {
		// Late, duplicate, or cross-session response. Nothing is waiting on it.
		e.log.InfoContext(ctx, "engine.client_response.unmatched",
			slog.String("request_id", reqID),
			slog.String("session_id", sess.SessionID()))
	}
	return nil
}

// cancelInFlightRequest cancels the context of a tracked tool call. Requests
// are scoped to the session that issued them.
func (e *Engine) cancelInFlightRequest(sessID, reqID, reason string) bool {
	if reqID == "" {
		return false
	}

	e.toolCtxMu.Lock()
	cancel, exists := e.toolCtxCancels[sessID+"/"+reqID]
	e.toolCtxMu.Unlock()

	if exists && cancel != nil {
		cancelReason := reason
		if cancelReason == "" {
			cancelReason = "cancelled"
		}
		cancel(errors.New(cancelReason))
	}

	return exists && cancel != nil
}

// createRendezVous registers a rendezvous channel for a server-initiated
// request id. The returned channel receives at most one response payload. The
// returned cleanup MUST be called once the wait concludes. A session may hold
// at most one pending rendezvous at a time.
func (e *Engine) createRendezVous(sessID, reqID string) (<-chan []byte, func(), error) {
	recvCh := make(chan []byte, 1)

	e.rdvMu.Lock()
	if _, busy := e.sessWaits[sessID]; busy {
		e.rdvMu.Unlock()
		return nil, nil, sessions.ErrElicitationInFlight
	}
	e.rdvChans[reqID] = recvCh
	e.rdvClosers[reqID] = func() { close(recvCh) }
	e.sessWaits[sessID] = reqID
	e.rdvMu.Unlock()

	cleanup := func() {
		e.rdvMu.Lock()
		if closer, exists := e.rdvClosers[reqID]; exists && closer != nil {
			delete(e.rdvClosers, reqID)
			closer()
		}
		delete(e.rdvChans, reqID)
		if e.sessWaits[sessID] == reqID {
			delete(e.sessWaits, sessID)
		}
		e.rdvMu.Unlock()
	}
	return recvCh, cleanup, nil
}

// cancelSessionWaits abandons the pending rendezvous of a session whose
// channel closed. Closing the rendezvous channel wakes the suspended waiter
// with a channel-closed outcome; the waiter's own cleanup then removes the
// bookkeeping.
func (e *Engine) cancelSessionWaits(sessID string) {
	e.rdvMu.Lock()
	reqID, ok := e.sessWaits[sessID]
	if ok {
		if closer, exists := e.rdvClosers[reqID]; exists && closer != nil {
			delete(e.rdvClosers, reqID)
			closer()
		}
		delete(e.rdvChans, reqID)
		delete(e.sessWaits, sessID)
	}
	e.rdvMu.Unlock()
}

// StreamSession subscribes the caller to the session's client-facing stream
// starting after lastEventID.
func (e *Engine) StreamSession(ctx context.Context, sess *SessionHandle, lastEventID string, handler sessions.MessageHandlerFunction) error {
	return sess.rec.Channel().Subscribe(ctx, lastEventID, handler)
}

// PublishToSession appends a server-initiated message to the session's
// channel for delivery on its stream.
func (e *Engine) PublishToSession(ctx context.Context, sess *SessionHandle, msg jsonrpc.Message) (string, error) {
	return sess.rec.Channel().Publish(ctx, msg)
}
