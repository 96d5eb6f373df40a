package messaging

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"hirewire/cmd/identity/ids"
)

const memMaxMessages = 100_000

// InMemoryStore is a dev-only fallback when no database is configured.
// It honours the same idempotency and monotonic-status rules as the database stores.
type InMemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Message
	order  []string          // insertion order, oldest first
	dedupe map[string]string // sender_id + "\x00" + client_msg_id -> message id

	// FailNext, when set, makes the next mutating call return it. Tests only.
	FailNext error
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[string]*Message),
		order:  make([]string, 0, 256),
		dedupe: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func dedupeKey(senderID, clientMsgID string) string { return senderID + "\x00" + clientMsgID }

func (s *InMemoryStore) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

// SaveMessage persists a message with idempotency per (sender, client_msg_id).
func (s *InMemoryStore) SaveMessage(ctx context.Context, in SaveMessageInput) (SaveMessageResult, error) {
	if in.SenderID == "" || in.RecipientID == "" {
		return SaveMessageResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return SaveMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return SaveMessageResult{}, err
	}

	if in.ClientMsgID != "" {
		if id, ok := s.dedupe[dedupeKey(in.SenderID, in.ClientMsgID)]; ok {
			if existing, ok := s.byID[id]; ok {
				return SaveMessageResult{Stored: *existing, Duplicated: true}, nil
			}
		}
	}

	msg := &Message{
		ID:          ids.Next(now),
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Content:     in.Content,
		ClientMsgID: in.ClientMsgID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      StatusSent,
	}
	s.byID[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	if in.ClientMsgID != "" {
		s.dedupe[dedupeKey(in.SenderID, in.ClientMsgID)] = msg.ID
	}

	// Bound memory to avoid unbounded growth in dev.
	if len(s.order) > memMaxMessages {
		evict := s.order[0]
		s.order = s.order[1:]
		if old, ok := s.byID[evict]; ok && old.ClientMsgID != "" {
			delete(s.dedupe, dedupeKey(old.SenderID, old.ClientMsgID))
		}
		delete(s.byID, evict)
	}

	return SaveMessageResult{Stored: *msg}, nil
}

// UpdateMessageStatus raises the status of id to status. Lower or equal statuses are ignored.
func (s *InMemoryStore) UpdateMessageStatus(ctx context.Context, id string, status Status, at time.Time) (Message, bool, error) {
	if id == "" || status.Rank() == 0 {
		return Message{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return Message{}, false, err
	}

	m, ok := s.byID[id]
	if !ok {
		return Message{}, false, ErrNotFound
	}
	if status.Rank() <= m.Status.Rank() {
		return *m, false, nil
	}

	m.Status = status
	m.UpdatedAt = at
	if status == StatusRead {
		m.IsRead = true
		readAt := at
		m.ReadAt = &readAt
	}
	return *m, true, nil
}

// GetMessage returns a single message by id.
func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return *m, nil
}

// Conversation returns the newest window of messages between two users before q.Before,
// ordered oldest first.
func (s *InMemoryStore) Conversation(ctx context.Context, q ConversationQuery) (ConversationPage, error) {
	if q.UserID == "" || q.PeerID == "" {
		return ConversationPage{}, errors.New("missing user_id or peer_id")
	}
	if err := ctx.Err(); err != nil {
		return ConversationPage{}, err
	}
	limit := clampLimit(q.Limit)

	s.mu.Lock()
	snap := make([]Message, 0, 64)
	for _, id := range s.order {
		m := s.byID[id]
		if !between(*m, q.UserID, q.PeerID) {
			continue
		}
		if q.Before != nil && !m.CreatedAt.Before(*q.Before) {
			continue
		}
		snap = append(snap, *m)
	}
	s.mu.Unlock()

	sortChronological(snap)

	hasMore := len(snap) > limit
	if hasMore {
		snap = snap[len(snap)-limit:]
	}
	return ConversationPage{Messages: snap, HasMore: hasMore}, nil
}

// UnreadCount counts messages addressed to userID that are not yet read.
func (s *InMemoryStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.byID {
		if m.RecipientID == userID && !m.IsRead {
			n++
		}
	}
	return n, nil
}

// Search returns messages involving q.UserID whose content contains q.Query, newest first.
func (s *InMemoryStore) Search(ctx context.Context, q SearchQuery) ([]Message, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Query))
	if q.UserID == "" || needle == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := clampLimit(q.Limit)

	s.mu.Lock()
	var out []Message
	for _, m := range s.byID {
		if m.SenderID != q.UserID && m.RecipientID != q.UserID {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), needle) {
			out = append(out, *m)
		}
	}
	s.mu.Unlock()

	sortChronological(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func between(m Message, a, b string) bool {
	return (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a)
}

// sortChronological orders by created_at, then id (ULIDs from ids.Next sort within a millisecond).
func sortChronological(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
