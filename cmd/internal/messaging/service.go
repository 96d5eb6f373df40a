// Package messaging is the message delivery pipeline: persist first, then attempt a single
// best-effort push to the recipient, mirror the stored copy back to the sender and announce
// the message on the event bus.
//
// Delivery status is advisory. A message reaches "delivered" only when a live push was
// accepted; a failed push is logged and never retried. Offline recipients are not queued:
// they read history on their next connect.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"hirewire/cmd/identity/ids"
	"hirewire/cmd/internal/events"
	"hirewire/cmd/internal/metrics"
	"hirewire/cmd/internal/presence"
	v1 "hirewire/shared/contracts/realtime/v1"
)

// Directory resolves live connection handles. *presence.Registry satisfies it.
type Directory interface {
	Resolve(userID string) (presence.Handle, bool)
}

// Publisher emits events. *events.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic events.Topic, payload any) int
}

const (
	DefaultMaxContentBytes = 4096
	defaultStoreTimeout    = 5 * time.Second
	previewRunes           = 80
)

// Config tunes the pipeline.
type Config struct {
	// MaxContentBytes bounds message content; 0 selects DefaultMaxContentBytes.
	MaxContentBytes int
	// StoreTimeout bounds each storage call; 0 selects 5s.
	StoreTimeout time.Duration
	// RequireReadOwnership restricts MarkRead to the message's recipient.
	// Off by default: any authenticated identity may mark any message read.
	RequireReadOwnership bool
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Service implements the delivery pipeline over a Store.
type Service struct {
	store   Store
	dir     Directory
	bus     Publisher
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
}

// NewService wires the pipeline. bus, log and m may be nil.
func NewService(store Store, dir Directory, bus Publisher, log *slog.Logger, m *metrics.Metrics, cfg Config) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultMaxContentBytes
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: store, dir: dir, bus: bus, log: log, metrics: m, cfg: cfg}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) publish(ctx context.Context, topic events.Topic, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, topic, payload)
}

// push is a best-effort single attempt; failures are logged and reported to the caller.
func (s *Service) push(userID, typ string, payload any, now time.Time) bool {
	h, ok := s.dir.Resolve(userID)
	if !ok {
		return false
	}
	if err := presence.Deliver(h, typ, payload, now); err != nil {
		s.metrics.PushDropped()
		s.log.Warn("message.push.fail", "user_id", userID, "type", typ, "err", err)
		return false
	}
	return true
}

// SendMessage persists a message from senderID to recipientID and attempts live delivery.
//
// A storage failure is returned and nothing else happens. Once persisted, the call succeeds
// regardless of recipient reachability. A duplicate clientMsgID returns the stored copy and
// only re-acknowledges the sender.
func (s *Service) SendMessage(ctx context.Context, senderID, recipientID, content, clientMsgID string) (Message, error) {
	const op = "messaging.SendMessage"

	if !ids.ValidIdentity(senderID) {
		return Message{}, invalid(op, "invalid sender_id")
	}
	if !ids.ValidIdentity(recipientID) {
		return Message{}, invalid(op, "invalid recipient_id")
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, invalid(op, "empty content")
	}
	if len(content) > s.cfg.MaxContentBytes || !utf8.ValidString(content) {
		return Message{}, invalid(op, "content too long or not utf-8")
	}
	if len(clientMsgID) > 64 {
		return Message{}, invalid(op, "client_msg_id too long")
	}

	now := s.cfg.Now()

	sctx, cancel := s.storeCtx(ctx)
	res, err := s.store.SaveMessage(sctx, SaveMessageInput{
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		ClientMsgID: clientMsgID,
		Now:         now,
	})
	cancel()
	if err != nil {
		s.metrics.Message("failed")
		return Message{}, storageErr(op, err)
	}

	msg := res.Stored
	if res.Duplicated {
		s.push(senderID, v1.TypeMessageSent, msg.Payload(), now)
		return msg, nil
	}

	delivered := s.push(recipientID, v1.TypeNewMessage, msg.Payload(), now)
	if delivered {
		sctx, cancel := s.storeCtx(ctx)
		updated, _, err := s.store.UpdateMessageStatus(sctx, msg.ID, StatusDelivered, now)
		cancel()
		if err != nil {
			s.log.Warn("message.status.fail", "message_id", msg.ID, "status", StatusDelivered, "err", err)
		} else {
			msg = updated
		}
	}

	s.push(senderID, v1.TypeMessageSent, msg.Payload(), now)
	if delivered {
		s.push(senderID, v1.TypeMessageDelivered, v1.MessageDeliveredPayload{MessageID: msg.ID, RecipientID: recipientID}, now)
		s.metrics.Message("delivered")
	} else {
		s.metrics.Message("stored")
	}

	s.publish(ctx, events.TopicNewMessage, events.NewMessage{
		MessageID:   msg.ID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Preview:     preview(content),
		Delivered:   delivered,
		CreatedAt:   msg.CreatedAt,
	})

	s.log.Debug("message.send.ok", "message_id", msg.ID, "sender_id", senderID, "recipient_id", recipientID, "delivered", delivered)
	return msg, nil
}

// MarkRead moves messageID to read and announces it on the bus.
// Marking an already-read message is a no-op that still succeeds.
func (s *Service) MarkRead(ctx context.Context, readerID, messageID string) (Message, error) {
	const op = "messaging.MarkRead"

	if strings.TrimSpace(messageID) == "" {
		return Message{}, invalid(op, "missing message_id")
	}

	if s.cfg.RequireReadOwnership {
		sctx, cancel := s.storeCtx(ctx)
		cur, err := s.store.GetMessage(sctx, messageID)
		cancel()
		if err != nil {
			return Message{}, storageErr(op, err)
		}
		if cur.RecipientID != readerID {
			return Message{}, &OpError{Op: op, Kind: ErrForbidden, Msg: "reader is not the recipient"}
		}
	}

	now := s.cfg.Now()
	sctx, cancel := s.storeCtx(ctx)
	msg, changed, err := s.store.UpdateMessageStatus(sctx, messageID, StatusRead, now)
	cancel()
	if err != nil {
		return Message{}, storageErr(op, err)
	}

	if changed {
		readAt := now
		if msg.ReadAt != nil {
			readAt = *msg.ReadAt
		}
		s.publish(ctx, events.TopicMessageRead, events.MessageRead{
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
			ReaderID:  readerID,
			ReadAt:    readAt,
		})
	}
	return msg, nil
}

// Typing relays a typing indicator to recipientID. Nothing is persisted or published.
func (s *Service) Typing(senderID, recipientID string, active bool) error {
	if !ids.ValidIdentity(recipientID) {
		return invalid("messaging.Typing", "invalid recipient_id")
	}
	s.push(recipientID, v1.TypeTyping, v1.TypingNoticePayload{SenderID: senderID, Active: active}, s.cfg.Now())
	return nil
}

// History returns the conversation between userID and peerID.
func (s *Service) History(ctx context.Context, userID, peerID string, before *time.Time, limit int) (ConversationPage, error) {
	const op = "messaging.History"

	if !ids.ValidIdentity(peerID) {
		return ConversationPage{}, invalid(op, "invalid peer_id")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	page, err := s.store.Conversation(sctx, ConversationQuery{UserID: userID, PeerID: peerID, Before: before, Limit: limit})
	if err != nil {
		return ConversationPage{}, storageErr(op, err)
	}
	return page, nil
}

// UnreadCount returns the number of unread messages addressed to userID.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	n, err := s.store.UnreadCount(sctx, userID)
	if err != nil {
		return 0, storageErr("messaging.UnreadCount", err)
	}
	return n, nil
}

// Search returns userID's messages containing query, newest first.
func (s *Service) Search(ctx context.Context, userID, query string, limit int) ([]Message, error) {
	const op = "messaging.Search"

	if strings.TrimSpace(query) == "" {
		return nil, invalid(op, "empty query")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	out, err := s.store.Search(sctx, SearchQuery{UserID: userID, Query: query, Limit: limit})
	if err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// IsStorageFailure reports whether err is a storage collaborator failure.
func IsStorageFailure(err error) bool { return errors.Is(err, ErrStorage) }

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	r := []rune(content)
	return string(r[:previewRunes]) + "…"
}
