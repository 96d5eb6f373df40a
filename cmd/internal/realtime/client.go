package realtime

import (
	"sync"

	"hirewire/cmd/internal/presence"
	v1 "hirewire/shared/contracts/realtime/v1"
)

// Client represents one authenticated websocket session. It is the presence.Handle the
// registry hands out to the messaging pipeline and the call coordinator.
//
// Design notes:
// - Send is never closed by the server; concurrent pushers select on done instead.
// - Push never blocks: a full queue is reported as presence.ErrBackpressure.
// - Close is idempotent.
type Client struct {
	SessionID string
	UserID    string
	Role      presence.Role
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

var _ presence.Handle = (*Client)(nil)

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, role presence.Role, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// ID returns the session id.
func (c *Client) ID() string { return c.SessionID }

// Push enqueues env for the writer goroutine.
func (c *Client) Push(env v1.Envelope) error {
	select {
	case <-c.done:
		return presence.ErrHandleClosed
	default:
	}

	select {
	case <-c.done:
		return presence.ErrHandleClosed
	case c.Send <- env:
		return nil
	default:
		return presence.ErrBackpressure
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
