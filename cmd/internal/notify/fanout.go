package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"hirewire/cmd/internal/events"
	"hirewire/cmd/internal/presence"
	v1 "hirewire/shared/contracts/realtime/v1"
)

// Fanout pushes bus events to live connections: presence changes to everyone else,
// read receipts to the message's original sender.
type Fanout struct {
	reg *presence.Registry
	log *slog.Logger
}

// NewFanout constructs the live fan-out listener.
func NewFanout(reg *presence.Registry, log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{reg: reg, log: log}
}

// Topics lists the topics Handle consumes.
func (f *Fanout) Topics() []events.Topic {
	return []events.Topic{events.TopicPresenceChanged, events.TopicMessageRead}
}

// Handle is an events.Handler.
func (f *Fanout) Handle(ctx context.Context, ev events.Event) error {
	switch p := ev.Payload.(type) {
	case events.PresenceChanged:
		at := p.At
		if at.IsZero() {
			at = ev.At
		}
		n := f.reg.Broadcast(v1.TypePresenceChanged, v1.PresenceChangedPayload{
			UserID: p.UserID,
			Online: p.Online,
			Role:   p.Role,
			At:     at,
		}, p.UserID, at)
		f.log.Debug("fanout.presence", "user_id", p.UserID, "online", p.Online, "reached", n)
		return nil

	case events.MessageRead:
		err := f.reg.DeliverTo(p.SenderID, v1.TypeMessageRead, v1.MessageReadPayload{
			MessageID: p.MessageID,
			ReaderID:  p.ReaderID,
			ReadAt:    p.ReadAt,
		}, p.ReadAt)
		if errors.Is(err, presence.ErrOffline) {
			return nil
		}
		return err

	default:
		return fmt.Errorf("fanout: unexpected payload %T", ev.Payload)
	}
}
