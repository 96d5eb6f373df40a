package messaging

import (
	"context"
	"time"

	v1 "hirewire/shared/contracts/realtime/v1"
)

// Status is a message delivery status. It only moves forward: sent -> delivered -> read.
type Status string

const (
	StatusSent      Status = v1.StatusSent
	StatusDelivered Status = v1.StatusDelivered
	StatusRead      Status = v1.StatusRead
)

// Rank orders statuses; unknown statuses rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Message is the canonical persisted chat message.
type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	Content     string
	ClientMsgID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	IsRead      bool
	ReadAt      *time.Time
	Status      Status
}

// Payload converts m to its wire form.
func (m Message) Payload() v1.MessagePayload {
	return v1.MessagePayload{
		ID:             m.ID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		IsRead:         m.IsRead,
		DeliveryStatus: string(m.Status),
		ClientMsgID:    m.ClientMsgID,
	}
}

// Payloads converts a slice of messages to wire form. It never returns nil.
func Payloads(msgs []Message) []v1.MessagePayload {
	out := make([]v1.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Payload())
	}
	return out
}

// Store persists and queries chat messages.
//
// Requirements:
//   - SaveMessage is idempotent per (sender_id, client_msg_id) when ClientMsgID is set
//   - UpdateMessageStatus never lowers a status; changed reports whether a write happened
//   - Conversation returns the newest window before Before, in chronological order
type Store interface {
	SaveMessage(ctx context.Context, in SaveMessageInput) (SaveMessageResult, error)
	UpdateMessageStatus(ctx context.Context, id string, status Status, at time.Time) (msg Message, changed bool, err error)
	GetMessage(ctx context.Context, id string) (Message, error)
	Conversation(ctx context.Context, q ConversationQuery) (ConversationPage, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	Search(ctx context.Context, q SearchQuery) ([]Message, error)
	Close() error
}

// SaveMessageInput describes a message persist request.
type SaveMessageInput struct {
	SenderID    string
	RecipientID string
	Content     string
	ClientMsgID string
	Now         time.Time
}

// SaveMessageResult is the persist operation result.
type SaveMessageResult struct {
	Stored     Message
	Duplicated bool
}

// ConversationQuery selects messages exchanged between UserID and PeerID.
type ConversationQuery struct {
	UserID string
	PeerID string
	Before *time.Time
	Limit  int
}

// ConversationPage is one history window. HasMore reports older messages beyond the window.
type ConversationPage struct {
	Messages []Message
	HasMore  bool
}

// SearchQuery is a case-insensitive substring match over content of messages involving UserID.
// Results are newest first.
type SearchQuery struct {
	UserID string
	Query  string
	Limit  int
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}
