package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"hirewire/cmd/internal/events"
)

func TestRedisMirror_Integration(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("HIREWIRE_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("HIREWIRE_TEST_REDIS_ADDR not set; skipping redis integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := fmt.Sprintf("hirewire_test_%d", time.Now().UnixNano())
	m := NewRedisMirror(client, prefix, time.Minute, nil)
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		keys, _ := client.Keys(cctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(cctx, keys...).Err()
		}
		_ = m.Close()
	})

	if err := m.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	at := time.Now().UTC()
	online := events.Event{Topic: events.TopicPresenceChanged, At: at, Payload: events.PresenceChanged{UserID: "u1", Role: "participant", Online: true, At: at}}
	if err := m.Handle(ctx, online); err != nil {
		t.Fatalf("handle online: %v", err)
	}

	st, ok, err := m.Lookup(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if st.Status != "online" || st.Role != "participant" {
		t.Fatalf("state=%+v", st)
	}
	ids, err := client.SMembers(ctx, prefix+":online").Result()
	if err != nil || !slices.Contains(ids, "u1") {
		t.Fatalf("online=%v err=%v", ids, err)
	}

	offline := events.Event{Topic: events.TopicPresenceChanged, At: at, Payload: events.PresenceChanged{UserID: "u1", Online: false, At: at}}
	if err := m.Handle(ctx, offline); err != nil {
		t.Fatalf("handle offline: %v", err)
	}
	st, _, _ = m.Lookup(ctx, "u1")
	if st.Status != "offline" {
		t.Fatalf("status=%q want offline", st.Status)
	}
	ids, _ = client.SMembers(ctx, prefix+":online").Result()
	if slices.Contains(ids, "u1") {
		t.Fatalf("u1 still in online set: %v", ids)
	}

	if _, ok, err := m.Lookup(ctx, "never-seen"); ok || err != nil {
		t.Fatalf("lookup unknown: ok=%v err=%v", ok, err)
	}
}

func TestRedisMirror_HeartbeatKeepsPresenceAlive(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("HIREWIRE_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("HIREWIRE_TEST_REDIS_ADDR not set; skipping redis integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := fmt.Sprintf("hirewire_ttl_%d", time.Now().UnixNano())
	ttl := 1500 * time.Millisecond
	m := NewRedisMirror(client, prefix, ttl, nil)
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		_ = client.Del(cctx, prefix+":online", prefix+":presence:u1").Err()
		_ = m.Close()
	})

	at := time.Now().UTC()
	beat := events.Event{Topic: events.TopicPresenceHeartbeat, At: at, Payload: events.PresenceHeartbeat{UserID: "u1", Role: "participant", SessionID: "s1", At: at}}

	if err := m.Handle(ctx, beat); err != nil {
		t.Fatalf("heartbeat before online: %v", err)
	}
	if _, ok, _ := m.Lookup(ctx, "u1"); ok {
		t.Fatal("a heartbeat must not create presence for a user that never came online")
	}

	online := events.Event{Topic: events.TopicPresenceChanged, At: at, Payload: events.PresenceChanged{UserID: "u1", Role: "participant", Online: true, At: at}}
	if err := m.Handle(ctx, online); err != nil {
		t.Fatalf("handle online: %v", err)
	}

	// Three heartbeats across twice the TTL keep the key alive.
	for i := 0; i < 3; i++ {
		time.Sleep(ttl / 2)
		if err := m.Handle(ctx, beat); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
	st, ok, err := m.Lookup(ctx, "u1")
	if err != nil || !ok || st.Status != "online" {
		t.Fatalf("presence expired despite heartbeats: %+v ok=%v err=%v", st, ok, err)
	}
	if pttl, _ := client.PTTL(ctx, prefix+":presence:u1").Result(); pttl <= 0 || pttl > ttl {
		t.Fatalf("PTTL=%v want (0,%v]", pttl, ttl)
	}

	// Without heartbeats the key lapses.
	time.Sleep(ttl + 300*time.Millisecond)
	if _, ok, _ := m.Lookup(ctx, "u1"); ok {
		t.Fatal("presence key should have expired")
	}

	// A late heartbeat after going offline must not flip the user back online.
	if err := m.Handle(ctx, online); err != nil {
		t.Fatalf("handle online: %v", err)
	}
	offline := events.Event{Topic: events.TopicPresenceChanged, At: at, Payload: events.PresenceChanged{UserID: "u1", Online: false, At: at}}
	if err := m.Handle(ctx, offline); err != nil {
		t.Fatalf("handle offline: %v", err)
	}
	if err := m.Handle(ctx, beat); err != nil {
		t.Fatalf("late heartbeat: %v", err)
	}
	if st, _, _ := m.Lookup(ctx, "u1"); st.Status != "offline" {
		t.Fatalf("status=%q want offline", st.Status)
	}
}

func TestRedisMirror_Topics(t *testing.T) {
	t.Parallel()

	m := NewRedisMirror(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", 0, nil)
	defer m.Close()

	got := m.Topics()
	if !slices.Contains(got, events.TopicPresenceChanged) || !slices.Contains(got, events.TopicPresenceHeartbeat) {
		t.Fatalf("topics=%v", got)
	}
}

func TestRedisMirror_RejectsForeignPayload(t *testing.T) {
	t.Parallel()

	m := NewRedisMirror(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", 0, nil)
	defer m.Close()

	err := m.Handle(context.Background(), events.Event{Topic: events.TopicPresenceChanged, Payload: "nope"})
	if err == nil {
		t.Fatalf("expected error for foreign payload")
	}
}

func TestRedisMirror_BreakerOpensOnUnreachableRedis(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	m := NewRedisMirror(client, "", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.timeout = 500 * time.Millisecond
	defer m.Close()

	ev := events.Event{Topic: events.TopicPresenceChanged, Payload: events.PresenceChanged{UserID: "u1", Online: true, At: time.Now()}}
	for i := 0; i < mirrorTripAfter; i++ {
		err := m.Handle(context.Background(), ev)
		if err == nil || errors.Is(err, gobreaker.ErrOpenState) {
			t.Fatalf("attempt %d: want redis error, got %v", i, err)
		}
	}

	start := time.Now()
	if err := m.Handle(context.Background(), ev); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("breaker should be open, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("open breaker must fail fast")
	}
}
