// Package notify holds the event bus consumers that act on behalf of users who may not be
// connected: a notification recorder, an external push dispatcher over Kafka and the live
// fan-out listener.
package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Kind is the notification category.
type Kind string

const (
	KindNewMessage Kind = "new-message"
	KindMissedCall Kind = "missed-call"
)

// Notification is one persisted notification addressed to UserID.
type Notification struct {
	ID        string
	UserID    string
	Kind      Kind
	ActorID   string
	RefID     string
	Preview   string
	CreatedAt time.Time
}

// Store persists notifications.
type Store interface {
	SaveNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error)
	Close() error
}

var ErrInvalidInput = errors.New("invalid input")

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// InMemoryStore is a dev-only notification store.
type InMemoryStore struct {
	mu     sync.Mutex
	byUser map[string][]Notification
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byUser: make(map[string][]Notification)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) SaveNotification(ctx context.Context, n Notification) error {
	if n.ID == "" || n.UserID == "" || n.Kind == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.byUser[n.UserID] = append(s.byUser[n.UserID], n)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	out := append([]Notification(nil), s.byUser[userID]...)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
