// Package realtime is the session gateway: it authenticates websocket handshakes, registers
// connections in the presence registry and routes inbound envelopes to the messaging pipeline
// and the call coordinator.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"hirewire/cmd/internal/auth/identity"
	"hirewire/cmd/internal/events"
	"hirewire/cmd/internal/messaging"
	"hirewire/cmd/internal/metrics"
	"hirewire/cmd/internal/presence"
	"hirewire/cmd/internal/signaling"
	v1 "hirewire/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Handshake fallbacks for clients that cannot set Authorization on the upgrade request.
	headerIdentity = "X-Hirewire-Identity"
	headerRole     = "X-Hirewire-Role"

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Verifier turns a handshake identity token into a user id. *identity.Verifier satisfies it.
type Verifier interface {
	Verify(token string) (userID string, err error)
}

// Publisher emits events. *events.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic events.Topic, payload any) int
}

// Deps are the collaborators a gateway routes to.
type Deps struct {
	Registry *presence.Registry
	Bus      Publisher
	Messages *messaging.Service
	Calls    *signaling.Coordinator
	Verifier Verifier
	Metrics  *metrics.Metrics
}

// WSGateway is the WebSocket entrypoint for hirewire realtime.
//
// It enforces origin policy, authentication, subprotocol selection, rate limits and heartbeats,
// and is the single registry mutator for a connection's lifecycle.
type WSGateway struct {
	log      *slog.Logger
	registry *presence.Registry
	bus      Publisher
	messages *messaging.Service
	calls    *signaling.Coordinator
	verifier Verifier
	metrics  *metrics.Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults, tuned by HIREWIRE_WS_* env vars.
func NewWSGateway(log *slog.Logger, deps Deps) (*WSGateway, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Messages == nil || deps.Calls == nil {
		return nil, errors.New("realtime: messaging service and call coordinator are required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("realtime: identity verifier is required")
	}
	if deps.Registry == nil {
		deps.Registry = presence.NewRegistry()
	}

	g := &WSGateway{
		log:      log,
		registry: deps.Registry,
		bus:      deps.Bus,
		messages: deps.Messages,
		calls:    deps.Calls,
		verifier: deps.Verifier,
		metrics:  deps.Metrics,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob that disables websocket.Accept's origin check.
	g.devInsecure = envBoolWS("HIREWIRE_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("HIREWIRE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("HIREWIRE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy (same-host ok, cross-origin needs
	// OriginPatterns). Derive the patterns from the allowlist so both layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("HIREWIRE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	// 0 disables the idle deadline; dead peers are then detected by the heartbeat alone.
	g.readIdleTimeout = envDurationWS("HIREWIRE_WS_READ_IDLE_TIMEOUT", 0)

	g.sendQueueSize = envIntWS("HIREWIRE_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("HIREWIRE_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	if g.heartbeatEvery <= 0 {
		g.heartbeatEvery = heartbeatInterval
	}
	g.heartbeatTimeout = envDurationWS("HIREWIRE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)
	if g.heartbeatTimeout <= 0 {
		g.heartbeatTimeout = heartbeatTimeout
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = wsDefaultWriteTimeout
	}

	g.rateEvents = envIntWS("HIREWIRE_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("HIREWIRE_WS_RATE_WINDOW", rateLimitWindow)

	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the handshake, upgrades to a WebSocket session and runs the realtime loop.
// Handshake failures are answered over plain HTTP and never touch the registry.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.metrics.Handshake("forbidden_origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, role, status, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "status", status, "remote", r.RemoteAddr)
		if status == http.StatusUnauthorized {
			g.metrics.Handshake("unauthorized")
		} else {
			g.metrics.Handshake("bad_role")
		}
		http.Error(w, v1.CodeAuthFailed, status)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "user_id", userID, "err", err)
		g.metrics.Handshake("accept_failed")
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		g.metrics.Handshake("bad_subprotocol")
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	sessionID, err := NewSessionID(now)
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(userID, sessionID, role, g.sendQueueSize)

	ctx, cancel := context.WithCancel(signaling.WithSession(r.Context(), sessionID))
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	if replaced := g.registry.Register(userID, client, role); replaced != nil && replaced.ID() != sessionID {
		if old, ok := replaced.(*Client); ok {
			old.Close()
		}
		g.log.Info("ws.session.replaced", "user_id", userID, "role", string(role), "old_session_id", replaced.ID(), "session_id", sessionID)
	}
	g.metrics.Handshake("ok")
	g.metrics.ConnectionOpened()
	defer g.metrics.ConnectionClosed()

	g.log.Info("ws.session.open", "user_id", userID, "role", string(role), "session_id", sessionID)

	g.reply(client, v1.TypeSessionReady, v1.SessionReadyPayload{
		SessionID: sessionID,
		UserID:    userID,
		Role:      string(role),
	})
	g.publish(ctx, events.TopicPresenceChanged, events.PresenceChanged{
		UserID: userID,
		Role:   string(role),
		Online: true,
		At:     now,
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed from outside (replaced by a newer connection for the same role).
				shutdown(websocket.StatusPolicyViolation, "session replaced")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
				if ctx.Err() == nil {
					g.publish(ctx, events.TopicPresenceHeartbeat, events.PresenceHeartbeat{
						UserID:    userID,
						Role:      string(role),
						SessionID: sessionID,
						At:        time.Now().UTC(),
					})
				}
			}
		}
	}()

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		env, err := g.read(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, "", v1.CodeBadEnvelope, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.sendError(client, env.ID, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, env.ID, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}
		if !v1.IsInbound(env.Type) {
			g.sendError(client, env.ID, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
			continue readLoop
		}

		g.dispatch(ctx, client, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	// The heartbeat publishes presence refreshes; let it stop before the offline event.
	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.disconnect(ctx, client)

	<-writerDone
}

// ---- handshake ----

var (
	errMissingIdentity = errors.New("missing identity")
	errMissingRole     = errors.New("missing or unknown role")
	errRoleMismatch    = errors.New("role does not match token")
)

// claimsVerifier is implemented by verifiers whose tokens may pin the session role.
// *identity.Verifier satisfies it.
type claimsVerifier interface {
	Claims(token string) (identity.Claims, error)
}

// authenticate resolves the caller's identity and role from the upgrade request.
// The identity token is taken from "Authorization: Bearer", then the "identity"/"token" query
// parameters, then the X-Hirewire-Identity header.
func (g *WSGateway) authenticate(r *http.Request) (string, presence.Role, int, error) {
	q := r.URL.Query()

	tok, ok := identity.ParseBearer(r.Header.Get("Authorization"))
	if !ok {
		tok = firstNonEmpty(q.Get("identity"), q.Get("token"), r.Header.Get(headerIdentity))
	}
	if tok == "" {
		return "", "", http.StatusUnauthorized, errMissingIdentity
	}

	var userID, tokenRole string
	if cv, ok := g.verifier.(claimsVerifier); ok {
		c, err := cv.Claims(tok)
		if err != nil {
			return "", "", http.StatusUnauthorized, err
		}
		userID, tokenRole = c.Subject, strings.TrimSpace(c.Role)
	} else {
		uid, err := g.verifier.Verify(tok)
		if err != nil {
			return "", "", http.StatusUnauthorized, err
		}
		userID = uid
	}

	role, err := presence.ParseRole(firstNonEmpty(q.Get("role"), r.Header.Get(headerRole), tokenRole))
	if err != nil {
		return "", "", http.StatusBadRequest, fmt.Errorf("%w: %v", errMissingRole, err)
	}
	if tokenRole != "" && !strings.EqualFold(tokenRole, string(role)) {
		return "", "", http.StatusForbidden, errRoleMismatch
	}
	return userID, role, http.StatusOK, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// disconnect removes client from the registry and ends the call side this connection owns,
// including when a newer connection replaced it. The identity is announced offline only when
// this was its last connection.
func (g *WSGateway) disconnect(ctx context.Context, client *Client) {
	ctx = context.WithoutCancel(ctx)

	removed, stillOnline := g.registry.DeregisterHandle(client.UserID, client.SessionID)
	g.log.Info("ws.session.close", "user_id", client.UserID, "session_id", client.SessionID, "removed", removed, "still_online", stillOnline)

	if call, ok := g.calls.DisconnectSession(ctx, client.UserID, client.SessionID); ok {
		g.log.Info("ws.disconnect.call_ended", "user_id", client.UserID, "session_id", client.SessionID, "call_id", call.ID)
	}
	if !removed || stillOnline {
		return
	}

	g.publish(ctx, events.TopicPresenceChanged, events.PresenceChanged{
		UserID: client.UserID,
		Role:   string(client.Role),
		Online: false,
		At:     time.Now().UTC(),
	})
}

// ---- routing ----

// payloadError marks an inbound payload that failed to decode.
type payloadError struct{ err error }

func (e payloadError) Error() string { return "invalid payload: " + e.err.Error() }
func (e payloadError) Unwrap() error { return e.err }

func decodePayload(env v1.Envelope, dst any) error {
	if err := env.Decode(dst); err != nil {
		return payloadError{err: err}
	}
	return nil
}

func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) {
	err := g.route(ctx, client, env)
	if err == nil {
		return
	}

	code, msg := errorCode(err)
	switch code {
	case v1.CodeSessionNotFound:
		// Nothing to end/answer/reject: a no-op from the client's perspective.
		g.log.Debug("ws.route.noop", "session_id", client.SessionID, "type", env.Type, "err", err)
		return
	case v1.CodeStorageFailure, v1.CodeInternal:
		g.log.Warn("ws.route.fail", "session_id", client.SessionID, "user_id", client.UserID, "type", env.Type, "code", code, "err", err)
	default:
		g.log.Debug("ws.route.reject", "session_id", client.SessionID, "type", env.Type, "code", code, "err", err)
	}
	g.sendError(client, env.ID, code, msg)
}

func (g *WSGateway) route(ctx context.Context, client *Client, env v1.Envelope) error {
	uid := client.UserID

	switch env.Type {
	case v1.TypeSendMessage:
		var p v1.SendMessagePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		// The pipeline answers the sender itself (message-sent / message-delivered).
		_, err := g.messages.SendMessage(ctx, uid, strings.TrimSpace(p.RecipientID), p.Content, strings.TrimSpace(p.ClientMsgID))
		return err

	case v1.TypeMarkRead:
		var p v1.MarkReadPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		_, err := g.messages.MarkRead(ctx, uid, strings.TrimSpace(p.MessageID))
		return err

	case v1.TypeTypingStart, v1.TypeTypingStop:
		var p v1.TypingPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return g.messages.Typing(uid, strings.TrimSpace(p.RecipientID), env.Type == v1.TypeTypingStart)

	case v1.TypeMessageHistory:
		var p v1.MessageHistoryRequestPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		peer := strings.TrimSpace(p.PeerID)
		page, err := g.messages.History(ctx, uid, peer, p.Before, p.Limit)
		if err != nil {
			return err
		}
		g.reply(client, v1.TypeMessageHistory, v1.MessageHistoryPayload{
			PeerID:   peer,
			Messages: messaging.Payloads(page.Messages),
			HasMore:  page.HasMore,
		})
		return nil

	case v1.TypeUnreadCount:
		n, err := g.messages.UnreadCount(ctx, uid)
		if err != nil {
			return err
		}
		g.reply(client, v1.TypeUnreadCountState, v1.UnreadCountPayload{Count: n})
		return nil

	case v1.TypeMessageSearch:
		var p v1.MessageSearchPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		found, err := g.messages.Search(ctx, uid, p.Query, p.Limit)
		if err != nil {
			return err
		}
		g.reply(client, v1.TypeSearchResult, v1.MessageSearchResultPayload{
			Query:    p.Query,
			Messages: messaging.Payloads(found),
		})
		return nil

	case v1.TypePresenceQuery:
		var p v1.PresenceQueryPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if len(p.UserIDs) > maxPresenceQueryIDs {
			return payloadError{err: fmt.Errorf("at most %d user_ids", maxPresenceQueryIDs)}
		}
		online := make(map[string]bool, len(p.UserIDs))
		for _, id := range p.UserIDs {
			online[id] = g.registry.IsOnline(id)
		}
		g.reply(client, v1.TypePresenceState, v1.PresenceStatePayload{Online: online})
		return nil

	case v1.TypeCallInitiate:
		var p v1.CallInitiatePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		_, err := g.calls.Initiate(ctx, uid, strings.TrimSpace(p.RecipientID), p.Offer)
		return err

	case v1.TypeCallAnswer:
		var p v1.CallAnswerPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		_, err := g.calls.Answer(ctx, uid, strings.TrimSpace(p.CallerID), p.Answer)
		return err

	case v1.TypeCallReject:
		var p v1.CallRejectPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		_, err := g.calls.Reject(ctx, uid, strings.TrimSpace(p.CallerID))
		return err

	case v1.TypeCallEnd:
		var p v1.CallEndPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		_, err := g.calls.End(ctx, uid, strings.TrimSpace(p.OtherPartyID))
		return err

	case v1.TypeCallSignal:
		var p v1.CallSignalPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		return g.calls.Signal(ctx, uid, strings.TrimSpace(p.PeerID), p.Data)

	default:
		return errUnsupported
	}
}

var errUnsupported = errors.New("unsupported type")

// errorCode maps an operation error to its wire code and a client-safe message.
func errorCode(err error) (code, msg string) {
	var pe payloadError
	switch {
	case errors.As(err, &pe):
		return v1.CodeBadPayload, pe.Error()
	case errors.Is(err, errUnsupported):
		return v1.CodeUnsupported, "unsupported type"
	case errors.Is(err, signaling.ErrRecipientUnreachable):
		return v1.CodeRecipientUnreachable, "recipient is offline"
	case errors.Is(err, signaling.ErrCallAlreadyActive):
		return v1.CodeCallAlreadyActive, "recipient is in another call"
	case errors.Is(err, signaling.ErrCallerBusy):
		return v1.CodeCallerBusy, "you are already in a call"
	case errors.Is(err, signaling.ErrSessionNotFound):
		return v1.CodeSessionNotFound, "no matching call"
	case errors.Is(err, messaging.ErrStorage), errors.Is(err, signaling.ErrStorage):
		return v1.CodeStorageFailure, "storage unavailable"
	case errors.Is(err, messaging.ErrForbidden):
		return v1.CodeForbidden, "forbidden"
	case errors.Is(err, messaging.ErrNotFound):
		return v1.CodeNotFound, "not found"
	case errors.Is(err, messaging.ErrInvalidInput), errors.Is(err, signaling.ErrInvalidInput):
		return v1.CodeBadPayload, opMessage(err)
	default:
		return v1.CodeInternal, "internal error"
	}
}

func opMessage(err error) string {
	var me *messaging.OpError
	if errors.As(err, &me) && me.Msg != "" {
		return me.Msg
	}
	var se *signaling.OpError
	if errors.As(err, &se) && se.Msg != "" {
		return se.Msg
	}
	return "invalid input"
}

// ---- send helpers ----

func (g *WSGateway) publish(ctx context.Context, topic events.Topic, payload any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(ctx, topic, payload)
}

// reply pushes a response to the requesting connection only.
func (g *WSGateway) reply(client *Client, typ string, payload any) {
	if err := presence.Deliver(client, typ, payload, time.Now().UTC()); err != nil {
		g.metrics.PushDropped()
		g.log.Info("ws.reply.drop", "session_id", client.SessionID, "type", typ, "err", err)
	}
}

func (g *WSGateway) sendError(client *Client, ref, code, msg string) {
	g.reply(client, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, Ref: ref})
}

// ---- envelope IO ----

// badJSONError marks a frame that was read successfully but is not a JSON envelope.
type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "decode envelope: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

func (g *WSGateway) read(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	if g.readIdleTimeout <= 0 {
		return readEnvelope(ctx, conn)
	}
	readCtx, cancel := context.WithTimeout(ctx, g.readIdleTimeout)
	defer cancel()
	return readEnvelope(readCtx, conn)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bj badJSONError
	if errors.As(err, &bj) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, de-duplicated hosts of the allowlist.
// websocket.Accept matches OriginPatterns against the origin host with filepath.Match.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
