// Package frontend serves the client-facing websocket protocol: one
// text frame per JSON message, hello handshake first, then subscribe /
// input / ack traffic multiplexed over the connection.
package frontend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agentmux/agentmux/internal/gateway/auth"
	"github.com/agentmux/agentmux/internal/gateway/session"
	"github.com/agentmux/agentmux/internal/gateway/store"
	"github.com/agentmux/agentmux/internal/gateway/wire"
	"github.com/agentmux/agentmux/internal/metrics"
	"github.com/agentmux/agentmux/internal/util/timefmt"
)

// Subprotocol identifies protocol v1 during the websocket upgrade.
const Subprotocol = "agentmux.v1"

// WebSocket close codes.
const (
	wsCloseUnauthorized   = 4001
	wsCloseInvalidRequest = 4002
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Handler serves /ws.
type Handler struct {
	auth      auth.Validator
	sessions  *session.Manager
	st        store.Store
	gatewayID string
	heartbeat time.Duration

	// shutdownCh, when closed, rejects new connections.
	shutdownCh <-chan struct{}
}

func NewHandler(v auth.Validator, sessions *session.Manager, st store.Store, gatewayID string, heartbeat time.Duration, shutdownCh <-chan struct{}) *Handler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handler{
		auth:       v,
		sessions:   sessions,
		st:         st,
		gatewayID:  gatewayID,
		heartbeat:  heartbeat,
		shutdownCh: shutdownCh,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.shutdownCh != nil {
		select {
		case <-h.shutdownCh:
			http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		slog.Debug("ws: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	c := &wsConn{conn: conn, ctx: r.Context()}
	h.serve(r.Context(), c)
}

// wsConn serializes frame writes; the actor sender goroutines and the
// read-loop handler all write through it.
type wsConn struct {
	conn *websocket.Conn
	ctx  context.Context

	writeMu sync.Mutex
}

func (c *wsConn) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}

func (c *wsConn) send(msg wire.ServerMessage) error {
	frame, err := wire.EncodeServer(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

func (c *wsConn) sendError(code, message, sessionID string) {
	_ = c.send(&wire.Error{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Retryable: retryable(code),
	})
}

func retryable(code string) bool {
	switch code {
	case wire.CodeAccessElsewhere, wire.CodeSlowSubscriber, wire.CodeLeaseLost, wire.CodeInternalError:
		return true
	}
	return false
}

// connState is the per-connection state after a successful handshake.
type connState struct {
	clientID   string
	deviceType string
	user       *auth.UserInfo

	// subscriptions tracks the sessions this connection is attached to,
	// for detachment when the socket closes.
	subscriptions map[string]struct{}
}

func (h *Handler) serve(ctx context.Context, c *wsConn) {
	state, ok := h.handshake(ctx, c)
	if !ok {
		return
	}
	defer h.detachAll(state)

	// Liveness runs on the write side: the gateway emits a pong at the
	// advertised interval, and a client that stopped draining the socket
	// fails that write, which closes the connection. Clients may also
	// send pings and get an immediate pong back. A quiet but healthy
	// client is never dropped.
	stopPong := make(chan struct{})
	defer close(stopPong)
	go h.pongLoop(c, stopPong)

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			slog.Debug("ws: read ended", "client_id", state.clientID, "error", err)
			return
		}
		if typ != websocket.MessageText {
			_ = c.conn.Close(websocket.StatusCode(wsCloseInvalidRequest), "expected text frames")
			return
		}

		msg, err := wire.DecodeClient(data)
		if err != nil {
			c.sendError(wire.CodeInvalidMessage, err.Error(), "")
			continue
		}
		h.dispatch(ctx, c, state, msg)
	}
}

func (h *Handler) pongLoop(c *wsConn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(&wire.Pong{}); err != nil {
				_ = c.conn.CloseNow()
				return
			}
		}
	}
}

func (h *Handler) handshake(ctx context.Context, c *wsConn) (*connState, bool) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	typ, data, err := c.conn.Read(hsCtx)
	if err != nil {
		slog.Debug("ws: handshake read failed", "error", err)
		return nil, false
	}
	if typ != websocket.MessageText {
		_ = c.conn.Close(websocket.StatusCode(wsCloseInvalidRequest), "expected text frame for hello")
		return nil, false
	}

	msg, err := wire.DecodeClient(data)
	if err != nil {
		c.sendError(wire.CodeInvalidMessage, err.Error(), "")
		_ = c.conn.Close(websocket.StatusCode(wsCloseInvalidRequest), "invalid hello")
		return nil, false
	}
	hello, ok := msg.(*wire.Hello)
	if !ok {
		c.sendError(wire.CodeNotAuthenticated, "hello must be the first message", "")
		_ = c.conn.Close(websocket.StatusCode(wsCloseUnauthorized), "not authenticated")
		return nil, false
	}

	user, err := h.auth.Validate(hsCtx, hello.Token)
	if err != nil {
		c.sendError(wire.CodeAuthFailed, "invalid token", "")
		_ = c.conn.Close(websocket.StatusCode(wsCloseUnauthorized), "unauthorized")
		return nil, false
	}

	if err := c.send(&wire.HelloOK{
		GatewayTime:         timefmt.Format(time.Now().UTC()),
		HeartbeatIntervalMs: h.heartbeat.Milliseconds(),
		UserID:              user.ID,
	}); err != nil {
		return nil, false
	}
	slog.Debug("ws: client connected", "client_id", hello.ClientID, "device_type", hello.DeviceType, "user_id", user.ID)
	return &connState{
		clientID:      hello.ClientID,
		deviceType:    hello.DeviceType,
		user:          user,
		subscriptions: make(map[string]struct{}),
	}, true
}

func (h *Handler) detachAll(state *connState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for sid := range state.subscriptions {
		if a, ok := h.sessions.Get(sid); ok {
			_ = a.DetachSubscriber(ctx, state.clientID)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, c *wsConn, state *connState, msg wire.ClientMessage) {
	switch m := msg.(type) {
	case *wire.Hello:
		c.sendError(wire.CodeInvalidMessage, "already authenticated", "")
	case *wire.Ping:
		_ = c.send(&wire.Pong{})
	case *wire.Subscribe:
		h.handleSubscribe(ctx, c, state, m)
	case *wire.Unsubscribe:
		h.handleUnsubscribe(ctx, c, state, m)
	case *wire.Input:
		h.handleInput(ctx, c, state, m)
	case *wire.Ack:
		h.handleAck(ctx, c, state, m)
	case *wire.CreateSession:
		h.handleCreate(ctx, c, state, m)
	case *wire.StopSession:
		h.handleStop(ctx, c, state, m)
	default:
		c.sendError(wire.CodeInvalidMessage, "unsupported message", "")
	}
}

// resolveActor loads the session's actor, enforcing ownership. Errors
// are reported to the client; the returned bool says whether to
// proceed.
func (h *Handler) resolveActor(ctx context.Context, c *wsConn, state *connState, sessionID string) (*session.Actor, bool) {
	sess, err := h.st.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.sendError(wire.CodeSessionNotFound, "session not found", sessionID)
		} else {
			c.sendError(wire.CodeInternalError, "session lookup failed", sessionID)
		}
		return nil, false
	}
	if sess.UserID != state.user.ID {
		c.sendError(wire.CodeAccessDenied, "session belongs to another user", sessionID)
		return nil, false
	}

	a, err := h.sessions.GetOrLoad(ctx, sessionID)
	if err != nil {
		if held, ok := store.AsLeaseHeld(err); ok {
			c.sendError(wire.CodeAccessElsewhere, "session is active on gateway "+held.Holder, sessionID)
		} else if errors.Is(err, store.ErrNotFound) {
			c.sendError(wire.CodeSessionNotFound, "session not found", sessionID)
		} else {
			slog.Error("ws: load session failed", "session_id", sessionID, "error", err)
			c.sendError(wire.CodeInternalError, "failed to load session", sessionID)
		}
		return nil, false
	}
	return a, true
}

func (h *Handler) handleSubscribe(ctx context.Context, c *wsConn, state *connState, m *wire.Subscribe) {
	a, ok := h.resolveActor(ctx, c, state, m.SessionID)
	if !ok {
		return
	}
	// The sink holds replay and live frames until the subscribed ack is
	// on the wire, so the client always sees the ack before any event.
	ready := make(chan struct{})
	defer close(ready)
	sink := &wsSink{conn: c, sessionID: m.SessionID, ready: ready}
	res, err := a.AttachSubscriber(ctx, state.clientID, state.deviceType, h.gatewayID, sink, m.LastAckSeq)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrReplayUnavailable):
			c.sendError(wire.CodeReplayUnavailable, "requested range is no longer retained, resubscribe with lastAckSeq 0", m.SessionID)
		default:
			slog.Error("ws: subscribe failed", "session_id", m.SessionID, "error", err)
			c.sendError(wire.CodeInternalError, "subscribe failed", m.SessionID)
		}
		return
	}
	state.subscriptions[m.SessionID] = struct{}{}
	_ = c.send(&wire.Subscribed{
		SessionID:    m.SessionID,
		CurrentState: res.CurrentState,
		LatestSeq:    res.LatestSeq,
	})
}

func (h *Handler) handleUnsubscribe(ctx context.Context, c *wsConn, state *connState, m *wire.Unsubscribe) {
	if a, ok := h.sessions.Get(m.SessionID); ok {
		_ = a.DetachSubscriber(ctx, state.clientID)
	}
	delete(state.subscriptions, m.SessionID)
	_ = c.send(&wire.Unsubscribed{SessionID: m.SessionID})
}

func (h *Handler) handleInput(ctx context.Context, c *wsConn, state *connState, m *wire.Input) {
	a, ok := h.resolveActor(ctx, c, state, m.SessionID)
	if !ok {
		return
	}
	seq, err := a.HandleInput(ctx, m.ClientInputID, m.Data)
	if err != nil {
		var invalid *session.InvalidTransitionError
		switch {
		case errors.Is(err, session.ErrSessionStopped):
			c.sendError(wire.CodeInvalidTransition, "session is stopped", m.SessionID)
		case errors.As(err, &invalid):
			c.sendError(wire.CodeInvalidTransition, invalid.Error(), m.SessionID)
		case errors.Is(err, session.ErrAgentBusy):
			c.sendError(wire.CodeInternalError, "agent is busy, retry", m.SessionID)
		case errors.Is(err, session.ErrNoAgent):
			c.sendError(wire.CodeInternalError, "no agent attached", m.SessionID)
		default:
			slog.Error("ws: input failed", "session_id", m.SessionID, "error", err)
			c.sendError(wire.CodeInternalError, "input failed", m.SessionID)
		}
		return
	}
	_ = c.send(&wire.InputAck{
		SessionID:     m.SessionID,
		ClientInputID: m.ClientInputID,
		AcceptedSeq:   seq,
	})
}

func (h *Handler) handleAck(ctx context.Context, c *wsConn, state *connState, m *wire.Ack) {
	a, ok := h.sessions.Get(m.SessionID)
	if !ok {
		// Acks for non-resident sessions carry no value; the watermark
		// was recorded while the subscription lived.
		return
	}
	if err := a.UpdateAck(ctx, state.clientID, m.Seq); err != nil {
		slog.Debug("ws: ack failed", "session_id", m.SessionID, "error", err)
	}
}

func (h *Handler) handleCreate(ctx context.Context, c *wsConn, state *connState, m *wire.CreateSession) {
	a, err := h.sessions.CreateSession(ctx, session.CreateParams{
		UserID:           state.user.ID,
		AgentType:        m.AgentType,
		WorkingDirectory: m.WorkingDirectory,
		WorktreeID:       m.WorktreeID,
		RepositoryID:     m.RepositoryID,
	})
	if err != nil {
		slog.Error("ws: create session failed", "agent_type", m.AgentType, "error", err)
		c.sendError(wire.CodeCreateFailed, "failed to create session", "")
		return
	}
	_ = c.send(&wire.SessionCreated{
		SessionID: a.ID(),
		Status:    string(store.StatusProvisioning),
	})
}

func (h *Handler) handleStop(ctx context.Context, c *wsConn, state *connState, m *wire.StopSession) {
	sess, err := h.st.GetSession(ctx, m.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.sendError(wire.CodeSessionNotFound, "session not found", m.SessionID)
		} else {
			c.sendError(wire.CodeInternalError, "session lookup failed", m.SessionID)
		}
		return
	}
	if sess.UserID != state.user.ID {
		c.sendError(wire.CodeAccessDenied, "session belongs to another user", m.SessionID)
		return
	}
	if err := h.sessions.StopSession(ctx, m.SessionID); err != nil {
		if held, ok := store.AsLeaseHeld(err); ok {
			c.sendError(wire.CodeAccessElsewhere, "session is active on gateway "+held.Holder, m.SessionID)
			return
		}
		slog.Error("ws: stop session failed", "session_id", m.SessionID, "error", err)
		c.sendError(wire.CodeInternalError, "stop failed", m.SessionID)
		return
	}
	delete(state.subscriptions, m.SessionID)
	_ = c.send(&wire.SessionStopped{SessionID: m.SessionID})
}

// wsSink delivers one subscription's frames over the shared connection.
// Closing a sink ends the subscription, not the socket: a final error
// frame tells the client why, and other subscriptions keep flowing.
type wsSink struct {
	conn      *wsConn
	sessionID string

	// ready is closed once the subscribed ack has been written; frames
	// queued by the sender goroutine wait for it.
	ready <-chan struct{}
}

func (s *wsSink) Send(frame []byte) error {
	<-s.ready
	return s.conn.writeFrame(frame)
}

func (s *wsSink) Close(code, message string) {
	if code == "" {
		return
	}
	s.conn.sendError(code, message, s.sessionID)
}
