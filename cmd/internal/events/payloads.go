package events

import "time"

// PresenceChanged is published on TopicPresenceChanged by the session gateway.
type PresenceChanged struct {
	UserID string
	Role   string
	Online bool
	At     time.Time
}

// PresenceHeartbeat is published on TopicPresenceHeartbeat while a connection stays alive.
type PresenceHeartbeat struct {
	UserID    string
	Role      string
	SessionID string
	At        time.Time
}

// NewMessage is published on TopicNewMessage after a message is persisted,
// whether or not the live push to the recipient succeeded.
type NewMessage struct {
	MessageID   string
	SenderID    string
	RecipientID string
	Preview     string
	Delivered   bool
	CreatedAt   time.Time
}

// MessageRead is published on TopicMessageRead when a message reaches the read state.
type MessageRead struct {
	MessageID string
	SenderID  string
	ReaderID  string
	ReadAt    time.Time
}

// CallStateChanged is published on TopicCallStateChanged for every call transition.
type CallStateChanged struct {
	CallID   string
	CallerID string
	CalleeID string
	From     string
	To       string
	Actor    string
	Reason   string
	At       time.Time
}
