package signaling

import (
	"context"
	"time"
)

// State is a call lifecycle state.
type State string

const (
	StatePending  State = "pending"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
	StateEnded    State = "ended"
)

// Terminal reports whether s can no longer change.
func (s State) Terminal() bool { return s == StateRejected || s == StateEnded }

// End reasons recorded on ended sessions.
const (
	ReasonHangup       = "hangup"
	ReasonDisconnected = "disconnected"
	ReasonPreempted    = "preempted"
	ReasonUnreachable  = "unreachable"
	ReasonRejected     = "rejected"
)

// CallSession is one two-party call record.
type CallSession struct {
	ID        string
	CallerID  string
	CalleeID  string
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
	EndedBy   string
	EndReason string
}

// Involves reports whether userID is a party of the call.
func (c CallSession) Involves(userID string) bool {
	return c.CallerID == userID || c.CalleeID == userID
}

// OtherParty returns the party that is not userID.
func (c CallSession) OtherParty(userID string) string {
	if c.CallerID == userID {
		return c.CalleeID
	}
	return c.CallerID
}

// Transition is a conditional state change applied by Store.UpdateCallSession.
type Transition struct {
	From    State
	To      State
	At      time.Time
	EndedBy string
	Reason  string
}

// Store persists call records for audit and history.
//
// Requirements:
//   - UpdateCallSession applies only when the stored state equals t.From (ErrConflict otherwise,
//     ErrNotFound when id is unknown)
//   - ListCalls returns sessions involving userID, newest first
type Store interface {
	CreateCallSession(ctx context.Context, c CallSession) error
	UpdateCallSession(ctx context.Context, id string, t Transition) (CallSession, error)
	GetCall(ctx context.Context, id string) (CallSession, error)
	ListCalls(ctx context.Context, userID string, limit int) ([]CallSession, error)
	Close() error
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
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
