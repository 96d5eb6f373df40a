package v1

import "time"

// Roles accepted in the connection handshake.
const (
	RoleParticipant = "participant"
	RolePrivileged  = "privileged"
)

// Delivery statuses for chat messages, in non-decreasing order.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// ---- session / presence ----

// SessionReadyPayload is sent once the connection is authenticated and registered.
type SessionReadyPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
}

// PresenceChangedPayload announces that a user went online or offline.
type PresenceChangedPayload struct {
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	Role   string    `json:"role,omitempty"`
	At     time.Time `json:"at"`
}

// PresenceQueryPayload asks for the online state of a set of users.
type PresenceQueryPayload struct {
	UserIDs []string `json:"user_ids"`
}

// PresenceStatePayload answers a presence query.
type PresenceStatePayload struct {
	Online map[string]bool `json:"online"`
}

// ---- messaging ----

// SendMessagePayload requests delivery of a chat message.
type SendMessagePayload struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// MessagePayload is the authoritative server copy of a chat message.
// It is used for new-message (recipient) and message-sent (sender mirror).
type MessagePayload struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	IsRead         bool      `json:"is_read"`
	DeliveryStatus string    `json:"delivery_status"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
}

// MessageDeliveredPayload tells the sender that the recipient's connection accepted the push.
type MessageDeliveredPayload struct {
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
}

// MarkReadPayload acknowledges that a message has been read.
type MarkReadPayload struct {
	MessageID string `json:"message_id"`
}

// MessageReadPayload notifies the original sender that a message was read.
type MessageReadPayload struct {
	MessageID string    `json:"message_id"`
	ReaderID  string    `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

// TypingPayload is the inbound typing-start / typing-stop payload.
type TypingPayload struct {
	RecipientID string `json:"recipient_id"`
}

// TypingNoticePayload relays a typing indicator to the recipient.
type TypingNoticePayload struct {
	SenderID string `json:"sender_id"`
	Active   bool   `json:"active"`
}

// MessageHistoryRequestPayload requests a window of the conversation with a peer.
type MessageHistoryRequestPayload struct {
	PeerID string     `json:"peer_id"`
	Before *time.Time `json:"before,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// MessageHistoryPayload returns messages ordered oldest first.
type MessageHistoryPayload struct {
	PeerID   string           `json:"peer_id"`
	Messages []MessagePayload `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// UnreadCountPayload returns the number of unread messages addressed to the caller.
type UnreadCountPayload struct {
	Count int64 `json:"count"`
}

// MessageSearchPayload searches the caller's messages by content.
type MessageSearchPayload struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// MessageSearchResultPayload returns matching messages, newest first.
type MessageSearchResultPayload struct {
	Query    string           `json:"query"`
	Messages []MessagePayload `json:"messages"`
}

// ---- call signaling ----

// CallInitiatePayload starts a call and carries the opaque offer blob.
type CallInitiatePayload struct {
	RecipientID string `json:"recipient_id"`
	Offer       string `json:"offer"`
}

// IncomingCallPayload is relayed to the callee.
type IncomingCallPayload struct {
	CallID   string `json:"call_id"`
	CallerID string `json:"caller_id"`
	Offer    string `json:"offer"`
}

// CallAnswerPayload accepts a pending call and carries the opaque answer blob.
type CallAnswerPayload struct {
	CallerID string `json:"caller_id"`
	Answer   string `json:"answer"`
}

// CallAnsweredPayload is relayed to the caller.
type CallAnsweredPayload struct {
	CallID   string `json:"call_id"`
	CalleeID string `json:"callee_id"`
	Answer   string `json:"answer"`
}

// CallRejectPayload declines a pending call.
type CallRejectPayload struct {
	CallerID string `json:"caller_id"`
}

// CallRejectedPayload is relayed to the caller.
type CallRejectedPayload struct {
	CallID   string `json:"call_id"`
	CalleeID string `json:"callee_id"`
}

// CallEndPayload ends the caller's non-terminal call.
type CallEndPayload struct {
	OtherPartyID string `json:"other_party_id"`
}

// CallEndedPayload is relayed to the other party.
type CallEndedPayload struct {
	CallID  string `json:"call_id"`
	EndedBy string `json:"ended_by"`
	Reason  string `json:"reason"`
}

// CallSignalPayload carries opaque negotiation data (e.g. ICE candidates).
// Inbound PeerID names the target; outbound PeerID names the sender.
type CallSignalPayload struct {
	PeerID string `json:"peer_id"`
	Data   string `json:"data"`
}

// ---- errors ----

// ErrorPayload is a structured error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}
