// Package main provides a CI-friendly WebSocket smoke test for the hirewire realtime gateway.
//
// It validates:
//   - handshake + subprotocol selection with a minted identity token
//   - session-ready for two users
//   - send-message -> message-sent mirror + new-message to the recipient
//   - mark-read -> message-read to the sender
//   - message-history contains the message
//   - call-initiate / call-answer / call-signal / call-end relay
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"

	v1 "hirewire/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

// Pushed by the server as side effects; never the step being waited on.
var ambient = map[string]struct{}{
	v1.TypePresenceChanged:  {},
	v1.TypeMessageDelivered: {},
	v1.TypeTyping:           {},
}

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
	seq   int
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", os.Getenv("HIREWIRE_JWT_SECRET"), "HS256 secret shared with the server")
		issuer  = flag.String("issuer", os.Getenv("HIREWIRE_JWT_ISSUER"), "iss claim (must match HIREWIRE_JWT_ISSUER when set)")
		userA   = flag.String("a", "smoke-alice", "first user id")
		userB   = flag.String("b", "smoke-bob", "second user id")
		text    = flag.String("text", "hello hirewire 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if len(*secret) < 32 {
		fatalf("-secret (or HIREWIRE_JWT_SECRET) must be at least 32 bytes")
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, mustToken(*secret, *issuer, *userA), *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, mustToken(*secret, *issuer, *userB), *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	// Messaging.
	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	a.mustSend(root, v1.TypeSendMessage, v1.SendMessagePayload{RecipientID: b.userID, Content: *text, ClientMsgID: clientMsgID}, *timeout)

	var sent v1.MessagePayload
	a.mustDecode(a.mustReadUntilType(root, v1.TypeMessageSent, *timeout), &sent)
	if sent.ID == "" || sent.ClientMsgID != clientMsgID || sent.Content != *text {
		fatalf("message-sent mismatch (A): %+v", sent)
	}

	var got v1.MessagePayload
	b.mustDecode(b.mustReadUntilType(root, v1.TypeNewMessage, *timeout), &got)
	if got.ID != sent.ID || got.SenderID != a.userID || got.Content != *text {
		fatalf("new-message mismatch (B): %+v", got)
	}

	b.mustSend(root, v1.TypeMarkRead, v1.MarkReadPayload{MessageID: sent.ID}, *timeout)
	var read v1.MessageReadPayload
	a.mustDecode(a.mustReadUntilType(root, v1.TypeMessageRead, *timeout), &read)
	if read.MessageID != sent.ID || read.ReaderID != b.userID {
		fatalf("message-read mismatch (A): %+v", read)
	}

	b.mustSend(root, v1.TypeMessageHistory, v1.MessageHistoryRequestPayload{PeerID: a.userID, Limit: 50}, *timeout)
	var hist v1.MessageHistoryPayload
	b.mustDecode(b.mustReadUntilType(root, v1.TypeMessageHistory, *timeout), &hist)
	found := false
	for _, m := range hist.Messages {
		if m.ID == sent.ID && m.IsRead {
			found = true
			break
		}
	}
	if !found {
		fatalf("message-history missing read message %s (B)", sent.ID)
	}

	// Calls.
	a.mustSend(root, v1.TypeCallInitiate, v1.CallInitiatePayload{RecipientID: b.userID, Offer: "smoke-offer"}, *timeout)
	var incoming v1.IncomingCallPayload
	b.mustDecode(b.mustReadUntilType(root, v1.TypeIncomingCall, *timeout), &incoming)
	if incoming.CallID == "" || incoming.CallerID != a.userID || incoming.Offer != "smoke-offer" {
		fatalf("incoming-call mismatch (B): %+v", incoming)
	}

	b.mustSend(root, v1.TypeCallAnswer, v1.CallAnswerPayload{CallerID: a.userID, Answer: "smoke-answer"}, *timeout)
	var answered v1.CallAnsweredPayload
	a.mustDecode(a.mustReadUntilType(root, v1.TypeCallAnswered, *timeout), &answered)
	if answered.CallID != incoming.CallID || answered.Answer != "smoke-answer" {
		fatalf("call-answered mismatch (A): %+v", answered)
	}

	a.mustSend(root, v1.TypeCallSignal, v1.CallSignalPayload{PeerID: b.userID, Data: "candidate:1"}, *timeout)
	var sig v1.CallSignalPayload
	b.mustDecode(b.mustReadUntilType(root, v1.TypeCallSignal, *timeout), &sig)
	if sig.PeerID != a.userID || sig.Data != "candidate:1" {
		fatalf("call-signal mismatch (B): %+v", sig)
	}

	a.mustSend(root, v1.TypeCallEnd, v1.CallEndPayload{OtherPartyID: b.userID}, *timeout)
	var ended v1.CallEndedPayload
	b.mustDecode(b.mustReadUntilType(root, v1.TypeCallEnded, *timeout), &ended)
	if ended.CallID != incoming.CallID || ended.EndedBy != a.userID {
		fatalf("call-ended mismatch (B): %+v", ended)
	}

	fmt.Printf("OK: A=%s B=%s message_id=%s call_id=%s\n", a.sessionID, b.sessionID, sent.ID, incoming.CallID)
}

func mustToken(secret, issuer, userID string) string {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fatalf("sign token for %s: %v", userID, err)
	}
	return tok
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	u, _ := url.Parse(wsURL)
	q := u.Query()
	q.Set("role", v1.RoleParticipant)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	var ready v1.SessionReadyPayload
	c.mustDecode(c.mustReadUntilType(parent, v1.TypeSessionReady, stepTimeout), &ready)
	if strings.TrimSpace(ready.SessionID) == "" {
		fatalf("session-ready missing session_id (%s)", name)
	}
	if ready.UserID != userID {
		fatalf("session-ready user mismatch (%s): got=%q want=%q", name, ready.UserID, userID)
	}
	c.sessionID = ready.SessionID

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) mustSend(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	c.seq++
	env, err := v1.NewEnvelope(typ, fmt.Sprintf("%s-%d", c.name, c.seq), time.Now().UTC(), payload)
	if err != nil {
		fatalf("build %s (%s): %v", typ, c.name, err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s failed (%s): %v", typ, c.name, err)
	}
}

func (c *smokeClient) mustDecode(env v1.Envelope, dst any) {
	if err := env.Decode(dst); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, c.name, err)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = env.Decode(&ep)
				fatalf("server error (%s): code=%q msg=%q ref=%q", c.name, ep.Code, ep.Message, ep.Ref)
			}
			if _, ok := ambient[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
