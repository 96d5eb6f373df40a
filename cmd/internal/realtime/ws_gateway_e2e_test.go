package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"hirewire/cmd/internal/auth/identity"
	"hirewire/cmd/internal/events"
	"hirewire/cmd/internal/messaging"
	"hirewire/cmd/internal/notify"
	"hirewire/cmd/internal/presence"
	"hirewire/cmd/internal/signaling"
	v1 "hirewire/shared/contracts/realtime/v1"
)

// These tests run the full gateway over httptest with in-memory stores. They use t.Setenv for
// the HIREWIRE_WS_* knobs and therefore do not run in parallel.

type wsHarness struct {
	ts     *httptest.Server
	issuer *identity.Issuer
	reg    *presence.Registry
	calls  *signaling.Coordinator
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	t.Setenv("HIREWIRE_WS_ORIGIN_REQUIRED", "false")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	secret := []byte(strings.Repeat("s", identity.MinSecretBytes))

	verifier, err := identity.NewVerifier(identity.Config{Secret: secret, Issuer: "hirewire-test"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	issuer, err := identity.NewIssuer(identity.Config{Secret: secret, Issuer: "hirewire-test", TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	reg := presence.NewRegistry()
	bus := events.NewBus(log, nil)
	msgs := messaging.NewService(messaging.NewInMemoryStore(), reg, bus, log, nil, messaging.Config{})
	calls := signaling.NewCoordinator(signaling.NewInMemoryStore(), reg, bus, log, nil, signaling.Config{})

	fan := notify.NewFanout(reg, log)
	bus.Subscribe("fanout", fan.Handle, fan.Topics()...)

	gw, err := NewWSGateway(log, Deps{
		Registry: reg,
		Bus:      bus,
		Messages: msgs,
		Calls:    calls,
		Verifier: verifier,
	})
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &wsHarness{ts: ts, issuer: issuer, reg: reg, calls: calls}
}

func (h *wsHarness) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := h.issuer.Issue(userID, "", time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (h *wsHarness) dial(t *testing.T, bearer, role, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(h.ts.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	if role != "" {
		u.RawQuery = url.Values{"role": {role}}.Encode()
	}

	hdr := http.Header{}
	if bearer != "" {
		hdr.Set("Authorization", "Bearer "+bearer)
	}
	if origin != "" {
		hdr.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
}

// connect dials as userID and waits for session-ready, so the registration is visible.
func (h *wsHarness) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	conn, resp, err := h.dial(t, h.token(t, userID), v1.RoleParticipant, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })

	ready := readUntilType(t, conn, v1.TypeSessionReady, 4)
	var p v1.SessionReadyPayload
	decodeEnv(t, ready, &p)
	if p.UserID != userID || p.SessionID == "" || p.Role != v1.RoleParticipant {
		t.Fatalf("unexpected session-ready %+v", p)
	}
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ, id string, payload any) {
	t.Helper()
	env, err := v1.NewEnvelope(typ, id, time.Now().UTC(), payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	writeRaw(t, conn, env)
}

func writeRaw(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	var b []byte
	switch x := v.(type) {
	case string:
		b = []byte(x)
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal envelope: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read waiting for %q: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func decodeEnv(t *testing.T, env v1.Envelope, dst any) {
	t.Helper()
	if err := env.Decode(dst); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
}

func expectError(t *testing.T, conn *websocket.Conn, code string) v1.ErrorPayload {
	t.Helper()
	var p v1.ErrorPayload
	decodeEnv(t, readUntilType(t, conn, v1.TypeError, 6), &p)
	if p.Code != code {
		t.Fatalf("error code: got %q (%s) want %q", p.Code, p.Message, code)
	}
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestWSGateway_HandshakeRejected(t *testing.T) {
	h := newWSHarness(t)

	tests := []struct {
		name   string
		bearer string
		role   string
		status int
	}{
		{name: "missing identity", role: v1.RoleParticipant, status: http.StatusUnauthorized},
		{name: "invalid token", bearer: "not-a-valid-token", role: v1.RoleParticipant, status: http.StatusUnauthorized},
		{name: "missing role", bearer: h.token(t, "alice"), status: http.StatusBadRequest},
		{name: "unknown role", bearer: h.token(t, "alice"), role: "admin", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := h.dial(t, tt.bearer, tt.role, "")
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err == nil {
				t.Fatal("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != tt.status {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				t.Fatalf("expected %d, got status=%d err=%v", tt.status, status, err)
			}
		})
	}

	if n := h.reg.Count(); n != 0 {
		t.Fatalf("rejected handshakes must not touch the registry, count=%d", n)
	}
}

func TestWSGateway_OriginRequired(t *testing.T) {
	h := newWSHarness(t)
	t.Setenv("HIREWIRE_WS_ORIGIN_REQUIRED", "true")

	// The gateway reads its env at construction; build a second one with the new policy.
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := NewWSGateway(log, Deps{
		Registry: h.reg,
		Messages: messaging.NewService(messaging.NewInMemoryStore(), h.reg, nil, log, nil, messaging.Config{}),
		Calls:    h.calls,
		Verifier: stubVerifier{},
	})
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?role=participant", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without Origin, got %d", rec.Code)
	}
}

func TestWSGateway_PresenceLifecycle(t *testing.T) {
	h := newWSHarness(t)

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	var p v1.PresenceChangedPayload
	decodeEnv(t, readUntilType(t, alice, v1.TypePresenceChanged, 4), &p)
	if p.UserID != "bob" || !p.Online {
		t.Fatalf("expected bob online, got %+v", p)
	}

	writeEnvelopeWS(t, alice, v1.TypePresenceQuery, "pq-1", v1.PresenceQueryPayload{UserIDs: []string{"bob", "carol"}})
	var st v1.PresenceStatePayload
	decodeEnv(t, readUntilType(t, alice, v1.TypePresenceState, 4), &st)
	if !st.Online["bob"] || st.Online["carol"] {
		t.Fatalf("unexpected presence state %+v", st.Online)
	}

	_ = bob.Close(websocket.StatusNormalClosure, "bye")

	decodeEnv(t, readUntilType(t, alice, v1.TypePresenceChanged, 4), &p)
	if p.UserID != "bob" || p.Online {
		t.Fatalf("expected bob offline, got %+v", p)
	}
	waitFor(t, func() bool { return !h.reg.IsOnline("bob") })
}

func TestWSGateway_MessageDeliveryAndRead(t *testing.T) {
	h := newWSHarness(t)

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	writeEnvelopeWS(t, alice, v1.TypeSendMessage, "send-1", v1.SendMessagePayload{
		RecipientID: "bob",
		Content:     "hello bob",
		ClientMsgID: "c-1",
	})

	var in v1.MessagePayload
	decodeEnv(t, readUntilType(t, bob, v1.TypeNewMessage, 6), &in)
	if in.SenderID != "alice" || in.Content != "hello bob" || in.ID == "" {
		t.Fatalf("unexpected new-message %+v", in)
	}

	var sent v1.MessagePayload
	decodeEnv(t, readUntilType(t, alice, v1.TypeMessageSent, 6), &sent)
	if sent.ID != in.ID || sent.DeliveryStatus != v1.StatusDelivered || sent.ClientMsgID != "c-1" {
		t.Fatalf("unexpected message-sent %+v", sent)
	}
	var delivered v1.MessageDeliveredPayload
	decodeEnv(t, readUntilType(t, alice, v1.TypeMessageDelivered, 4), &delivered)
	if delivered.MessageID != in.ID || delivered.RecipientID != "bob" {
		t.Fatalf("unexpected message-delivered %+v", delivered)
	}

	writeEnvelopeWS(t, bob, v1.TypeUnreadCount, "uc-1", struct{}{})
	var unread v1.UnreadCountPayload
	decodeEnv(t, readUntilType(t, bob, v1.TypeUnreadCountState, 4), &unread)
	if unread.Count != 1 {
		t.Fatalf("unread before read: got %d want 1", unread.Count)
	}

	writeEnvelopeWS(t, bob, v1.TypeMarkRead, "read-1", v1.MarkReadPayload{MessageID: in.ID})
	var read v1.MessageReadPayload
	decodeEnv(t, readUntilType(t, alice, v1.TypeMessageRead, 6), &read)
	if read.MessageID != in.ID || read.ReaderID != "bob" {
		t.Fatalf("unexpected message-read %+v", read)
	}

	writeEnvelopeWS(t, bob, v1.TypeUnreadCount, "uc-2", struct{}{})
	decodeEnv(t, readUntilType(t, bob, v1.TypeUnreadCountState, 4), &unread)
	if unread.Count != 0 {
		t.Fatalf("unread after read: got %d want 0", unread.Count)
	}

	writeEnvelopeWS(t, bob, v1.TypeMessageSearch, "s-1", v1.MessageSearchPayload{Query: "BOB"})
	var found v1.MessageSearchResultPayload
	decodeEnv(t, readUntilType(t, bob, v1.TypeSearchResult, 4), &found)
	if len(found.Messages) != 1 || found.Messages[0].ID != in.ID || !found.Messages[0].IsRead {
		t.Fatalf("unexpected search result %+v", found)
	}
}

func TestWSGateway_OfflineRecipientReadsHistory(t *testing.T) {
	h := newWSHarness(t)

	alice := h.connect(t, "alice")

	writeEnvelopeWS(t, alice, v1.TypeSendMessage, "send-1", v1.SendMessagePayload{RecipientID: "carol", Content: "are you there"})
	var sent v1.MessagePayload
	decodeEnv(t, readUntilType(t, alice, v1.TypeMessageSent, 4), &sent)
	if sent.DeliveryStatus != v1.StatusSent {
		t.Fatalf("offline recipient: status got %q want sent", sent.DeliveryStatus)
	}

	carol := h.connect(t, "carol")
	writeEnvelopeWS(t, carol, v1.TypeMessageHistory, "h-1", v1.MessageHistoryRequestPayload{PeerID: "alice"})

	// History is the first non-presence envelope: nothing was re-pushed on connect.
	env := readUntilType(t, carol, v1.TypeMessageHistory, 1)
	var hist v1.MessageHistoryPayload
	decodeEnv(t, env, &hist)
	if hist.PeerID != "alice" || len(hist.Messages) != 1 || hist.Messages[0].ID != sent.ID {
		t.Fatalf("unexpected history %+v", hist)
	}
	if hist.Messages[0].DeliveryStatus != v1.StatusSent {
		t.Fatalf("history status: got %q want sent", hist.Messages[0].DeliveryStatus)
	}
}

func TestWSGateway_CallFlowAndDisconnect(t *testing.T) {
	h := newWSHarness(t)

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	writeEnvelopeWS(t, alice, v1.TypeCallInitiate, "call-1", v1.CallInitiatePayload{RecipientID: "bob", Offer: "sdp-offer"})

	var incoming v1.IncomingCallPayload
	decodeEnv(t, readUntilType(t, bob, v1.TypeIncomingCall, 6), &incoming)
	if incoming.CallerID != "alice" || incoming.Offer != "sdp-offer" || incoming.CallID == "" {
		t.Fatalf("unexpected incoming-call %+v", incoming)
	}

	writeEnvelopeWS(t, bob, v1.TypeCallAnswer, "ans-1", v1.CallAnswerPayload{CallerID: "alice", Answer: "sdp-answer"})
	var answered v1.CallAnsweredPayload
	decodeEnv(t, readUntilType(t, alice, v1.TypeCallAnswered, 6), &answered)
	if answered.CallID != incoming.CallID || answered.Answer != "sdp-answer" {
		t.Fatalf("unexpected call-answered %+v", answered)
	}

	writeEnvelopeWS(t, bob, v1.TypeCallSignal, "ice-1", v1.CallSignalPayload{PeerID: "alice", Data: "candidate:1"})
	var sig v1.CallSignalPayload
	decodeEnv(t, readUntilType(t, alice, v1.TypeCallSignal, 4), &sig)
	if sig.PeerID != "bob" || sig.Data != "candidate:1" {
		t.Fatalf("unexpected call-signal %+v", sig)
	}

	// Caller drops mid-call: the callee is told and the call is terminal.
	_ = alice.Close(websocket.StatusNormalClosure, "bye")

	var ended v1.CallEndedPayload
	decodeEnv(t, readUntilType(t, bob, v1.TypeCallEnded, 6), &ended)
	if ended.CallID != incoming.CallID || ended.EndedBy != "alice" || ended.Reason != signaling.ReasonDisconnected {
		t.Fatalf("unexpected call-ended %+v", ended)
	}
	if _, ok := h.calls.ActiveCall("bob"); ok {
		t.Fatal("bob should have no active call")
	}

	// Reconnect and call again.
	alice2 := h.connect(t, "alice")
	writeEnvelopeWS(t, alice2, v1.TypeCallInitiate, "call-2", v1.CallInitiatePayload{RecipientID: "bob", Offer: "offer-2"})
	decodeEnv(t, readUntilType(t, bob, v1.TypeIncomingCall, 6), &incoming)
	if incoming.Offer != "offer-2" {
		t.Fatalf("unexpected second incoming-call %+v", incoming)
	}
}

func TestWSGateway_CallErrors(t *testing.T) {
	h := newWSHarness(t)

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")

	writeEnvelopeWS(t, alice, v1.TypeCallInitiate, "call-off", v1.CallInitiatePayload{RecipientID: "dave", Offer: "x"})
	p := expectError(t, alice, v1.CodeRecipientUnreachable)
	if p.Ref != "call-off" {
		t.Fatalf("error ref: got %q want call-off", p.Ref)
	}

	writeEnvelopeWS(t, alice, v1.TypeCallInitiate, "call-1", v1.CallInitiatePayload{RecipientID: "bob", Offer: "x"})
	_ = readUntilType(t, bob, v1.TypeIncomingCall, 6)

	writeEnvelopeWS(t, carol, v1.TypeCallInitiate, "call-busy", v1.CallInitiatePayload{RecipientID: "bob", Offer: "y"})
	expectError(t, carol, v1.CodeCallAlreadyActive)

	writeEnvelopeWS(t, alice, v1.TypeCallInitiate, "call-self", v1.CallInitiatePayload{RecipientID: "alice", Offer: "z"})
	expectError(t, alice, v1.CodeBadPayload)

	// Ending a call you are not in is a silent no-op: the next reply is the presence answer.
	writeEnvelopeWS(t, carol, v1.TypeCallEnd, "end-none", v1.CallEndPayload{OtherPartyID: "bob"})
	writeEnvelopeWS(t, carol, v1.TypePresenceQuery, "pq", v1.PresenceQueryPayload{UserIDs: []string{"bob"}})
	_ = readUntilType(t, carol, v1.TypePresenceState, 1)

	writeEnvelopeWS(t, bob, v1.TypeCallReject, "rej", v1.CallRejectPayload{CallerID: "alice"})
	var rejected v1.CallRejectedPayload
	decodeEnv(t, readUntilType(t, alice, v1.TypeCallRejected, 6), &rejected)
	if rejected.CalleeID != "bob" {
		t.Fatalf("unexpected call-rejected %+v", rejected)
	}
}

func TestWSGateway_BadInput(t *testing.T) {
	h := newWSHarness(t)
	alice := h.connect(t, "alice")

	writeRaw(t, alice, "{not json")
	expectError(t, alice, v1.CodeBadEnvelope)

	writeRaw(t, alice, v1.Envelope{V: "v0", Type: v1.TypeSendMessage})
	expectError(t, alice, v1.CodeBadEnvelope)

	writeEnvelopeWS(t, alice, v1.TypeSessionReady, "out", struct{}{})
	expectError(t, alice, v1.CodeUnsupported)

	writeRaw(t, alice, `{"v":"v1","type":"send-message","id":"bad","payload":{"recipient_id":42}}`)
	p := expectError(t, alice, v1.CodeBadPayload)
	if p.Ref != "bad" {
		t.Fatalf("error ref: got %q want bad", p.Ref)
	}

	writeEnvelopeWS(t, alice, v1.TypeSendMessage, "empty", v1.SendMessagePayload{RecipientID: "bob", Content: "   "})
	expectError(t, alice, v1.CodeBadPayload)
}

func TestWSGateway_SameRoleReplacesConnection(t *testing.T) {
	h := newWSHarness(t)

	watcher := h.connect(t, "bob")
	first := h.connect(t, "alice")
	_ = readUntilType(t, watcher, v1.TypePresenceChanged, 4)

	_ = h.connect(t, "alice")

	// The replaced connection is closed by the server.
	for i := 0; i < 8; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := first.Read(ctx)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
				t.Fatalf("expected policy-violation close, got %v", err)
			}
			break
		}
	}

	// Closing the stale connection must not take alice offline.
	time.Sleep(50 * time.Millisecond)
	if !h.reg.IsOnline("alice") {
		t.Fatal("alice should remain online through her newer connection")
	}
	if got := len(h.reg.ResolveAll("alice")); got != 1 {
		t.Fatalf("expected one live handle for alice, got %d", got)
	}
}

func TestWSGateway_ReplacedConnectionEndsItsCall(t *testing.T) {
	h := newWSHarness(t)

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")

	writeEnvelopeWS(t, alice, v1.TypeCallInitiate, "call-1", v1.CallInitiatePayload{RecipientID: "bob", Offer: "o"})
	var incoming v1.IncomingCallPayload
	decodeEnv(t, readUntilType(t, bob, v1.TypeIncomingCall, 6), &incoming)
	writeEnvelopeWS(t, bob, v1.TypeCallAnswer, "ans-1", v1.CallAnswerPayload{CallerID: "alice", Answer: "a"})
	_ = readUntilType(t, alice, v1.TypeCallAnswered, 6)

	// alice reconnects with the same role; the old socket, which owns the call, is replaced.
	alice2 := h.connect(t, "alice")

	var ended v1.CallEndedPayload
	decodeEnv(t, readUntilType(t, bob, v1.TypeCallEnded, 8), &ended)
	if ended.CallID != incoming.CallID || ended.EndedBy != "alice" || ended.Reason != signaling.ReasonDisconnected {
		t.Fatalf("unexpected call-ended %+v", ended)
	}
	waitFor(t, func() bool {
		_, busy := h.calls.ActiveCall("bob")
		return !busy
	})
	if !h.reg.IsOnline("alice") {
		t.Fatal("alice should stay online through her newer connection")
	}

	// bob is free again for everyone, and alice's new connection can call.
	writeEnvelopeWS(t, carol, v1.TypeCallInitiate, "call-2", v1.CallInitiatePayload{RecipientID: "bob", Offer: "o2"})
	decodeEnv(t, readUntilType(t, bob, v1.TypeIncomingCall, 6), &incoming)
	if incoming.CallerID != "carol" {
		t.Fatalf("unexpected incoming-call %+v", incoming)
	}
	writeEnvelopeWS(t, bob, v1.TypeCallReject, "rej", v1.CallRejectPayload{CallerID: "carol"})
	_ = readUntilType(t, carol, v1.TypeCallRejected, 6)

	writeEnvelopeWS(t, alice2, v1.TypeCallInitiate, "call-3", v1.CallInitiatePayload{RecipientID: "bob", Offer: "o3"})
	decodeEnv(t, readUntilType(t, bob, v1.TypeIncomingCall, 6), &incoming)
	if incoming.CallerID != "alice" {
		t.Fatalf("unexpected incoming-call %+v", incoming)
	}
}

func TestWSGateway_TokenRolePinsHandshake(t *testing.T) {
	h := newWSHarness(t)

	tok, _, err := h.issuer.Issue("alice", v1.RoleParticipant, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, resp, err := h.dial(t, tok, v1.RolePrivileged, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("escalated role should be refused with 403, resp=%v err=%v", resp, err)
	}
	if h.reg.IsOnline("alice") {
		t.Fatal("refused handshake must not register")
	}

	// Without a handshake role the token's role applies.
	conn, resp, err := h.dial(t, tok, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	var ready v1.SessionReadyPayload
	decodeEnv(t, readUntilType(t, conn, v1.TypeSessionReady, 4), &ready)
	if ready.Role != v1.RoleParticipant {
		t.Fatalf("role=%q want participant", ready.Role)
	}
}

func TestWSGateway_RateLimitCloses(t *testing.T) {
	t.Setenv("HIREWIRE_WS_RATE_EVENTS", "3")
	t.Setenv("HIREWIRE_WS_RATE_WINDOW", "1m")
	h := newWSHarness(t)

	alice := h.connect(t, "alice")
	for i := 0; i < 4; i++ {
		writeEnvelopeWS(t, alice, v1.TypeUnreadCount, "uc", struct{}{})
	}

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := alice.Read(ctx)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
				t.Fatalf("expected policy-violation close, got %v", err)
			}
			return
		}
	}
	t.Fatal("connection was not closed after exceeding the rate limit")
}
