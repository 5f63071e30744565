package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/paygate-mcp/paygate/internal/jsonrpc"
	"github.com/paygate-mcp/paygate/mcp"
	"github.com/paygate-mcp/paygate/sessions"
)

var _ sessions.ElicitationCapability = (*elicitationCapability)(nil)

type elicitationCapability struct {
	eng    *Engine
	log    *slog.Logger
	sessID string

	// channel is the session's durable stream; requestScopedWriter, when
	// present, delivers on the response stream of the request that triggered
	// the elicitation.
	channel             *sessions.Channel
	requestScopedWriter MessageWriter

	timeout time.Duration
}

// ElicitURL implements sessions.ElicitationCapability. It pushes a URL-mode
// elicitation request to the client and suspends until the client answers,
// the wait budget elapses, or the session's channel closes. The outbound
// request id is the sole correlation key; the client must echo it as the
// response id.
func (c *elicitationCapability) ElicitURL(ctx context.Context, message, url string) (mcp.ElicitAction, error) {
	elicID := uuid.NewString()

	params, err := json.Marshal(mcp.ElicitRequest{
		Mode:          mcp.ElicitationModeURL,
		ElicitationID: elicID,
		URL:           url,
		Message:       message,
	})
	if err != nil {
		c.log.ErrorContext(ctx, "elicitation.create.err", slog.String("session_id", c.sessID), slog.String("err", err.Error()))
		return "", ErrInternal
	}

	clientReq := jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ElicitationCreateMethod),
		Params:         json.RawMessage(params),
		ID:             jsonrpc.NewRequestID(elicID),
	}

	bytes, err := json.Marshal(clientReq)
	if err != nil {
		c.log.ErrorContext(ctx, "elicitation.create.marshal.err", slog.String("session_id", c.sessID), slog.String("err", err.Error()))
		return "", ErrInternal
	}

	// Register the rendezvous before writing so the response cannot race the
	// wait. The cleanup removes the entry under lock, which is what makes a
	// late response a no-op instead of a stray send.
	rdvCh, closeRdv, err := c.eng.createRendezVous(c.sessID, elicID)
	if err != nil {
		return "", err
	}
	defer closeRdv()

	if err := c.writeToClient(ctx, bytes); err != nil {
		c.log.ErrorContext(ctx, "elicitation.create.write.fail", slog.String("session_id", c.sessID), slog.String("err", err.Error()))
		if err == sessions.ErrChannelClosed {
			return "", sessions.ErrElicitationChannelClosed
		}
		return "", ErrInternal
	}

	c.log.InfoContext(ctx, "elicitation.create.sent",
		slog.String("session_id", c.sessID),
		slog.String("elicitation_id", elicID))

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-rdvCh:
		if !ok {
			// The session's channel closed out from under the wait.
			c.log.InfoContext(ctx, "elicitation.create.channel_closed", slog.String("session_id", c.sessID), slog.String("elicitation_id", elicID))
			return "", sessions.ErrElicitationChannelClosed
		}
		return c.decodeOutcome(ctx, elicID, msg)
	case <-timer.C:
		c.log.InfoContext(ctx, "elicitation.create.timeout", slog.String("session_id", c.sessID), slog.String("elicitation_id", elicID))
		return "", sessions.ErrElicitationTimeout
	case <-ctx.Done():
		c.log.InfoContext(ctx, "elicitation.create.ctx_done", slog.String("session_id", c.sessID), slog.String("elicitation_id", elicID))
		return "", ctx.Err()
	}
}

// writeToClient prefers the request-scoped stream of the call that triggered
// the elicitation and falls back to the session channel when no such stream
// is bound.
func (c *elicitationCapability) writeToClient(ctx context.Context, msg jsonrpc.Message) error {
	if c.requestScopedWriter != nil {
		if err := c.requestScopedWriter.WriteMessage(ctx, msg); err == nil {
			return nil
		}
	}
	_, err := c.channel.Publish(ctx, msg)
	return err
}

func (c *elicitationCapability) decodeOutcome(ctx context.Context, elicID string, msg []byte) (mcp.ElicitAction, error) {
	var resp jsonrpc.Response
	if err := json.Unmarshal(msg, &resp); err != nil {
		c.log.ErrorContext(ctx, "elicitation.response.unmarshal.fail", slog.String("session_id", c.sessID), slog.String("err", err.Error()))
		return "", ErrInternal
	}
	if resp.Error != nil {
		// The client refused to surface the approval; treat as a decline.
		c.log.InfoContext(ctx, "elicitation.response.error",
			slog.String("session_id", c.sessID),
			slog.String("elicitation_id", elicID),
			slog.Int("code", int(resp.Error.Code)),
			slog.String("message", resp.Error.Message))
		return mcp.ElicitActionDecline, nil
	}

	var er mcp.ElicitResult
	if err := json.Unmarshal(resp.Result, &er); err != nil {
		c.log.ErrorContext(ctx, "elicitation.response.result.unmarshal.fail", slog.String("session_id", c.sessID), slog.String("err", err.Error()))
		return "", ErrInternal
	}

	action := er.Action
	if action != mcp.ElicitActionAccept {
		// Anything other than an explicit accept is a decline.
		action = mcp.ElicitActionDecline
	}

	c.log.InfoContext(ctx, "elicitation.response.ok",
		slog.String("session_id", c.sessID),
		slog.String("elicitation_id", elicID),
		slog.String("action", string(action)))

	return action, nil
}
