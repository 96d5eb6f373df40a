package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"hirewire/cmd/internal/events"
)

// RedisMirror copies presence transitions into Redis so processes outside this one
// (notification workers, admin tooling) can read who is online.
//
// Keys:
//   - <prefix>:presence:<userID> -> {"status","role","last_seen"} (TTL while online)
//   - <prefix>:online            -> set of online user IDs
//
// Connection heartbeats re-arm the TTL, so the heartbeat interval must stay below the TTL.
//
// The mirror is a read model only. The in-process Registry stays authoritative.
// Writes go through a circuit breaker: Handle runs on the publisher's goroutine, so after
// mirrorTripAfter consecutive failures updates are dropped immediately until Redis answers again.
type RedisMirror struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	log     *slog.Logger
	breaker *gobreaker.CircuitBreaker
}

const (
	mirrorTripAfter   = 3
	mirrorOpenTimeout = 30 * time.Second
)

// refreshScript re-arms an online user's presence key. It is a no-op once the user left the
// online set, so a heartbeat racing the offline transition cannot resurrect the user.
var refreshScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

// PresenceState is the JSON document stored per user.
type PresenceState struct {
	Status   string `json:"status"`
	Role     string `json:"role,omitempty"`
	LastSeen int64  `json:"last_seen"`
}

// NewRedisMirror wires a mirror over client. A zero ttl keeps online keys without expiry.
func NewRedisMirror(client redis.UniversalClient, prefix string, ttl time.Duration, log *slog.Logger) *RedisMirror {
	if prefix == "" {
		prefix = "hirewire"
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisMirror{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		timeout: 2 * time.Second,
		log:     log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "presence-mirror",
			MaxRequests: 1,
			Timeout:     mirrorOpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= mirrorTripAfter
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("presence.mirror.breaker", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (m *RedisMirror) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", m.prefix, userID)
}

func (m *RedisMirror) onlineKey() string { return m.prefix + ":online" }

// Topics lists the bus topics Handle consumes.
func (m *RedisMirror) Topics() []events.Topic {
	return []events.Topic{events.TopicPresenceChanged, events.TopicPresenceHeartbeat}
}

// Handle is an events.Handler for TopicPresenceChanged and TopicPresenceHeartbeat.
func (m *RedisMirror) Handle(ctx context.Context, ev events.Event) error {
	var write func(ctx context.Context) error
	switch p := ev.Payload.(type) {
	case events.PresenceChanged:
		at := orEventTime(p.At, ev.At)
		write = func(ctx context.Context) error {
			if p.Online {
				return m.markOnline(ctx, p.UserID, p.Role, at)
			}
			return m.markOffline(ctx, p.UserID, at)
		}
	case events.PresenceHeartbeat:
		at := orEventTime(p.At, ev.At)
		write = func(ctx context.Context) error { return m.refresh(ctx, p.UserID, p.Role, at) }
	default:
		return fmt.Errorf("presence mirror: unexpected payload %T", ev.Payload)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	_, err := m.breaker.Execute(func() (any, error) {
		return nil, write(ctx)
	})
	return err
}

func orEventTime(at, fallback time.Time) time.Time {
	if at.IsZero() {
		return fallback
	}
	return at
}

func (m *RedisMirror) markOnline(ctx context.Context, userID, role string, at time.Time) error {
	b, err := json.Marshal(PresenceState{Status: "online", Role: role, LastSeen: at.Unix()})
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, m.onlineKey(), userID)
	pipe.Set(ctx, m.presenceKey(userID), b, m.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (m *RedisMirror) refresh(ctx context.Context, userID, role string, at time.Time) error {
	b, err := json.Marshal(PresenceState{Status: "online", Role: role, LastSeen: at.Unix()})
	if err != nil {
		return err
	}
	keys := []string{m.onlineKey(), m.presenceKey(userID)}
	return refreshScript.Run(ctx, m.client, keys, userID, b, m.ttl.Milliseconds()).Err()
}

func (m *RedisMirror) markOffline(ctx context.Context, userID string, at time.Time) error {
	b, err := json.Marshal(PresenceState{Status: "offline", LastSeen: at.Unix()})
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	pipe.SRem(ctx, m.onlineKey(), userID)
	pipe.Set(ctx, m.presenceKey(userID), b, 0)
	_, err = pipe.Exec(ctx)
	return err
}

// Lookup returns the mirrored state for userID. ok is false when no state was ever recorded.
func (m *RedisMirror) Lookup(ctx context.Context, userID string) (state PresenceState, ok bool, err error) {
	b, err := m.client.Get(ctx, m.presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PresenceState{}, false, nil
	}
	if err != nil {
		return PresenceState{}, false, err
	}
	if err := json.Unmarshal(b, &state); err != nil {
		return PresenceState{}, false, err
	}
	return state, true, nil
}

// Reset clears the online set. Called at startup: a fresh process holds no connections,
// so anything left from a previous run is stale.
func (m *RedisMirror) Reset(ctx context.Context) error {
	return m.client.Del(ctx, m.onlineKey()).Err()
}

// Ping checks connectivity for readiness.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
