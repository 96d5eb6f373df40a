package notify

import (
	"context"
	"log/slog"
	"time"

	"hirewire/cmd/identity/ids"
	"hirewire/cmd/internal/events"
	"hirewire/cmd/internal/signaling"
)

// Recorder persists a notification for every new message and every missed call.
type Recorder struct {
	store   Store
	log     *slog.Logger
	timeout time.Duration
}

// NewRecorder constructs a Recorder over store.
func NewRecorder(store Store, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, log: log, timeout: 3 * time.Second}
}

// Topics lists the topics Handle consumes.
func (r *Recorder) Topics() []events.Topic {
	return []events.Topic{events.TopicNewMessage, events.TopicCallStateChanged}
}

// Handle is an events.Handler.
func (r *Recorder) Handle(ctx context.Context, ev events.Event) error {
	n, ok := FromEvent(ev)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.store.SaveNotification(ctx, n); err != nil {
		return err
	}
	r.log.Debug("notify.record.ok", "user_id", n.UserID, "kind", string(n.Kind), "ref_id", n.RefID)
	return nil
}

// List returns userID's notifications, newest first.
func (r *Recorder) List(ctx context.Context, userID string, limit int) ([]Notification, error) {
	return r.store.ListNotifications(ctx, userID, limit)
}

// FromEvent maps a bus event to the notification it implies, if any.
func FromEvent(ev events.Event) (Notification, bool) {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch p := ev.Payload.(type) {
	case events.NewMessage:
		if !p.CreatedAt.IsZero() {
			at = p.CreatedAt
		}
		return Notification{
			ID:        ids.Next(at),
			UserID:    p.RecipientID,
			Kind:      KindNewMessage,
			ActorID:   p.SenderID,
			RefID:     p.MessageID,
			Preview:   p.Preview,
			CreatedAt: at,
		}, true
	case events.CallStateChanged:
		if !IsMissedCall(p) {
			return Notification{}, false
		}
		if !p.At.IsZero() {
			at = p.At
		}
		return Notification{
			ID:        ids.Next(at),
			UserID:    p.CalleeID,
			Kind:      KindMissedCall,
			ActorID:   p.CallerID,
			RefID:     p.CallID,
			CreatedAt: at,
		}, true
	default:
		return Notification{}, false
	}
}

// IsMissedCall reports whether a transition ends a call the callee never answered or declined.
func IsMissedCall(p events.CallStateChanged) bool {
	return p.From == string(signaling.StatePending) &&
		p.To == string(signaling.StateEnded) &&
		p.Actor == p.CallerID
}
