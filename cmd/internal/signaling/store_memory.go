package signaling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a dev-only call store used when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	calls map[string]CallSession

	// FailNext, when set, makes the next mutating call return it. Tests only.
	FailNext error
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{calls: make(map[string]CallSession)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// FailNextWrite makes the next mutating call fail with err.
func (s *InMemoryStore) FailNextWrite(err error) {
	s.mu.Lock()
	s.FailNext = err
	s.mu.Unlock()
}

func (s *InMemoryStore) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func (s *InMemoryStore) CreateCallSession(ctx context.Context, c CallSession) error {
	if c.ID == "" || c.CallerID == "" || c.CalleeID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return err
	}
	if _, exists := s.calls[c.ID]; exists {
		return errors.New("duplicate call id")
	}
	s.calls[c.ID] = c
	return nil
}

func (s *InMemoryStore) UpdateCallSession(ctx context.Context, id string, t Transition) (CallSession, error) {
	if err := ctx.Err(); err != nil {
		return CallSession{}, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return CallSession{}, err
	}

	c, ok := s.calls[id]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	if c.State != t.From {
		return c, ErrConflict
	}
	c.State = t.To
	c.UpdatedAt = at
	if t.To.Terminal() {
		c.EndedBy = t.EndedBy
		c.EndReason = t.Reason
	}
	s.calls[id] = c
	return c, nil
}

func (s *InMemoryStore) GetCall(ctx context.Context, id string) (CallSession, error) {
	if err := ctx.Err(); err != nil {
		return CallSession{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[id]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) ListCalls(ctx context.Context, userID string, limit int) ([]CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	var out []CallSession
	for _, c := range s.calls {
		if c.Involves(userID) {
			out = append(out, c)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
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
