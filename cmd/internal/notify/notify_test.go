package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"hirewire/cmd/internal/events"
	"hirewire/cmd/internal/presence"
	v1 "hirewire/shared/contracts/realtime/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

type recordingHandle struct {
	id  string
	mu  sync.Mutex
	got []v1.Envelope
}

func (h *recordingHandle) ID() string { return h.id }

func (h *recordingHandle) Push(env v1.Envelope) error {
	h.mu.Lock()
	h.got = append(h.got, env)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandle) envelopes() []v1.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]v1.Envelope(nil), h.got...)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMessageEvent(delivered bool) events.Event {
	return events.Event{
		Topic: events.TopicNewMessage,
		At:    t0,
		Payload: events.NewMessage{
			MessageID:   "m1",
			SenderID:    "alice",
			RecipientID: "bob",
			Preview:     "hello",
			Delivered:   delivered,
			CreatedAt:   t0,
		},
	}
}

func callEvent(from, to, actor, reason string) events.Event {
	return events.Event{
		Topic: events.TopicCallStateChanged,
		At:    t0,
		Payload: events.CallStateChanged{
			CallID:   "c1",
			CallerID: "alice",
			CalleeID: "bob",
			From:     from,
			To:       to,
			Actor:    actor,
			Reason:   reason,
			At:       t0,
		},
	}
}

func TestIsMissedCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		from  string
		to    string
		actor string
		want  bool
	}{
		{name: "caller hangs up while ringing", from: "pending", to: "ended", actor: "alice", want: true},
		{name: "callee ends while ringing", from: "pending", to: "ended", actor: "bob", want: false},
		{name: "callee rejects", from: "pending", to: "rejected", actor: "bob", want: false},
		{name: "accepted call ends", from: "accepted", to: "ended", actor: "alice", want: false},
		{name: "answer", from: "pending", to: "accepted", actor: "bob", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := callEvent(tt.from, tt.to, tt.actor, "").Payload.(events.CallStateChanged)
			if got := IsMissedCall(p); got != tt.want {
				t.Fatalf("IsMissedCall: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestRecorder_RecordsNewMessageAndMissedCall(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	r := NewRecorder(st, testLogger())
	ctx := context.Background()

	if err := r.Handle(ctx, newMessageEvent(true)); err != nil {
		t.Fatalf("Handle(new-message): %v", err)
	}
	if err := r.Handle(ctx, callEvent("pending", "accepted", "bob", "")); err != nil {
		t.Fatalf("Handle(answer): %v", err)
	}
	later := callEvent("pending", "ended", "alice", "hangup")
	later.Payload = func() events.CallStateChanged {
		p := later.Payload.(events.CallStateChanged)
		p.At = t0.Add(time.Minute)
		return p
	}()
	if err := r.Handle(ctx, later); err != nil {
		t.Fatalf("Handle(missed): %v", err)
	}

	got, err := r.List(ctx, "bob", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %+v", got)
	}
	if got[0].Kind != KindMissedCall || got[0].RefID != "c1" || got[0].ActorID != "alice" {
		t.Fatalf("newest should be the missed call, got %+v", got[0])
	}
	if got[1].Kind != KindNewMessage || got[1].RefID != "m1" || got[1].Preview != "hello" {
		t.Fatalf("unexpected message notification: %+v", got[1])
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Fatalf("expected distinct ids, got %q and %q", got[0].ID, got[1].ID)
	}

	if other, _ := r.List(ctx, "alice", 0); len(other) != 0 {
		t.Fatalf("alice should have no notifications, got %+v", other)
	}
}

func TestRecorder_IgnoresUnrelatedPayloads(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	r := NewRecorder(st, testLogger())

	ev := events.Event{Topic: events.TopicPresenceChanged, At: t0, Payload: events.PresenceChanged{UserID: "bob", Online: true}}
	if err := r.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got, _ := st.ListNotifications(context.Background(), "bob", 0); len(got) != 0 {
		t.Fatalf("expected nothing recorded, got %+v", got)
	}
}

func TestInMemoryStore_ValidatesAndLimits(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()

	if err := st.SaveNotification(ctx, Notification{UserID: "bob", Kind: KindNewMessage}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	for i := 0; i < 5; i++ {
		n := Notification{
			ID:        string(rune('a' + i)),
			UserID:    "bob",
			Kind:      KindNewMessage,
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}
		if err := st.SaveNotification(ctx, n); err != nil {
			t.Fatalf("SaveNotification: %v", err)
		}
	}

	got, err := st.ListNotifications(ctx, "bob", 3)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(got) != 3 || got[0].ID != "e" || got[2].ID != "c" {
		t.Fatalf("expected newest three e,d,c got %+v", got)
	}
}

func TestKafkaDispatcher_SkipsDeliveredMessages(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	d := NewKafkaDispatcher(w, testLogger())

	if err := d.Handle(context.Background(), newMessageEvent(true)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(w.msgs) != 0 {
		t.Fatalf("delivered message should not be pushed, got %d records", len(w.msgs))
	}
}

func TestKafkaDispatcher_WritesUndeliveredMessage(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	d := NewKafkaDispatcher(w, testLogger())

	if err := d.Handle(context.Background(), newMessageEvent(false)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one record, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "bob" {
		t.Fatalf("record key: got %q want bob", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(KindNewMessage) {
		t.Fatalf("unexpected headers: %+v", msg.Headers)
	}

	var req PushRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.UserID != "bob" || req.ActorID != "alice" || req.RefID != "m1" || req.Kind != "new-message" {
		t.Fatalf("unexpected push request: %+v", req)
	}
	if !req.At.Equal(t0) {
		t.Fatalf("push at: got %v want %v", req.At, t0)
	}
}

func TestKafkaDispatcher_MissedCallOnly(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	d := NewKafkaDispatcher(w, testLogger())
	ctx := context.Background()

	_ = d.Handle(ctx, callEvent("pending", "accepted", "bob", ""))
	_ = d.Handle(ctx, callEvent("accepted", "ended", "alice", "hangup"))
	if len(w.msgs) != 0 {
		t.Fatalf("expected no records for answered call, got %d", len(w.msgs))
	}

	if err := d.Handle(ctx, callEvent("pending", "ended", "alice", "disconnected")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "bob" {
		t.Fatalf("expected one record for bob, got %+v", w.msgs)
	}
}

func TestKafkaDispatcher_PropagatesWriteError(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker down")
	w := &fakeWriter{err: boom}
	d := NewKafkaDispatcher(w, testLogger())

	if err := d.Handle(context.Background(), newMessageEvent(false)); !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
	if err := d.Close(); err != nil || !w.closed {
		t.Fatalf("Close: err=%v closed=%v", err, w.closed)
	}
}

func TestFanout_PresenceReachesEveryoneElse(t *testing.T) {
	t.Parallel()

	reg := presence.NewRegistry()
	alice := &recordingHandle{id: "h-alice"}
	bob := &recordingHandle{id: "h-bob"}
	carol := &recordingHandle{id: "h-carol"}
	reg.Register("alice", alice, presence.RoleParticipant)
	reg.Register("bob", bob, presence.RoleParticipant)
	reg.Register("carol", carol, presence.RolePrivileged)

	f := NewFanout(reg, testLogger())
	ev := events.Event{
		Topic:   events.TopicPresenceChanged,
		At:      t0,
		Payload: events.PresenceChanged{UserID: "alice", Role: "participant", Online: true, At: t0},
	}
	if err := f.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if got := alice.envelopes(); len(got) != 0 {
		t.Fatalf("origin should not hear its own presence, got %d", len(got))
	}
	for name, h := range map[string]*recordingHandle{"bob": bob, "carol": carol} {
		got := h.envelopes()
		if len(got) != 1 || got[0].Type != v1.TypePresenceChanged {
			t.Fatalf("%s: expected one presence-changed, got %+v", name, got)
		}
		var p v1.PresenceChangedPayload
		if err := got[0].Decode(&p); err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if p.UserID != "alice" || !p.Online || p.Role != "participant" {
			t.Fatalf("%s: unexpected payload %+v", name, p)
		}
	}
}

func TestFanout_ReadReceiptToSender(t *testing.T) {
	t.Parallel()

	reg := presence.NewRegistry()
	alice := &recordingHandle{id: "h-alice"}
	reg.Register("alice", alice, presence.RoleParticipant)

	f := NewFanout(reg, testLogger())
	ev := events.Event{
		Topic:   events.TopicMessageRead,
		At:      t0,
		Payload: events.MessageRead{MessageID: "m1", SenderID: "alice", ReaderID: "bob", ReadAt: t0},
	}
	if err := f.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := alice.envelopes()
	if len(got) != 1 || got[0].Type != v1.TypeMessageRead {
		t.Fatalf("expected one message-read, got %+v", got)
	}
	var p v1.MessageReadPayload
	if err := got[0].Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.MessageID != "m1" || p.ReaderID != "bob" {
		t.Fatalf("unexpected payload %+v", p)
	}

	// Offline sender is not an error.
	ev.Payload = events.MessageRead{MessageID: "m2", SenderID: "dave", ReaderID: "bob", ReadAt: t0}
	if err := f.Handle(context.Background(), ev); err != nil {
		t.Fatalf("offline sender: %v", err)
	}
}

func TestFanout_ThroughBus(t *testing.T) {
	t.Parallel()

	reg := presence.NewRegistry()
	bob := &recordingHandle{id: "h-bob"}
	reg.Register("bob", bob, presence.RoleParticipant)

	bus := events.NewBus(testLogger(), nil)
	f := NewFanout(reg, testLogger())
	bus.Subscribe("fanout", f.Handle, f.Topics()...)

	n := bus.Publish(context.Background(), events.TopicPresenceChanged, events.PresenceChanged{UserID: "alice", Online: false, At: t0})
	if n != 1 {
		t.Fatalf("expected one successful subscriber, got %d", n)
	}
	if got := bob.envelopes(); len(got) != 1 {
		t.Fatalf("expected bob to hear alice go offline, got %d envelopes", len(got))
	}
}
