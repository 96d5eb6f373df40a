// Package v1 defines the hirewire realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the smoke tool and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated during the handshake.
const Subprotocol = "hirewire.realtime.v1"

// Inbound types (client -> server).
const (
	TypeSendMessage   = "send-message"
	TypeMarkRead      = "mark-read"
	TypeTypingStart   = "typing-start"
	TypeTypingStop    = "typing-stop"
	TypeCallInitiate  = "call-initiate"
	TypeCallAnswer    = "call-answer"
	TypeCallReject    = "call-reject"
	TypeCallEnd       = "call-end"
	TypePresenceQuery = "presence-query"
	TypeUnreadCount   = "unread-count"
	TypeMessageSearch = "message-search"

	// TypeCallSignal and TypeMessageHistory are used in both directions.
	TypeCallSignal     = "call-signal"
	TypeMessageHistory = "message-history"
)

// Outbound types (server -> client).
const (
	TypeSessionReady     = "session-ready"
	TypePresenceChanged  = "presence-changed"
	TypePresenceState    = "presence-state"
	TypeNewMessage       = "new-message"
	TypeMessageSent      = "message-sent"
	TypeMessageDelivered = "message-delivered"
	TypeMessageRead      = "message-read"
	TypeTyping           = "typing"
	TypeIncomingCall     = "incoming-call"
	TypeCallAnswered     = "call-answered"
	TypeCallRejected     = "call-rejected"
	TypeCallEnded        = "call-ended"
	TypeUnreadCountState = "unread-count-state"
	TypeSearchResult     = "message-search-result"
	TypeError            = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeAuthFailed           = "auth_failed"
	CodeBadEnvelope          = "bad_envelope"
	CodeBadPayload           = "bad_payload"
	CodeUnsupported          = "unsupported"
	CodeRateLimited          = "rate_limited"
	CodeRecipientUnreachable = "recipient_unreachable"
	CodeCallAlreadyActive    = "call_already_active"
	CodeCallerBusy           = "caller_busy"
	CodeSessionNotFound      = "session_not_found"
	CodeNotFound             = "not_found"
	CodeForbidden            = "forbidden"
	CodeStorageFailure       = "storage_failure"
	CodeInternal             = "internal"
)

var inboundTypes = map[string]struct{}{
	TypeSendMessage:    {},
	TypeMarkRead:       {},
	TypeTypingStart:    {},
	TypeTypingStop:     {},
	TypeCallInitiate:   {},
	TypeCallAnswer:     {},
	TypeCallReject:     {},
	TypeCallEnd:        {},
	TypeCallSignal:     {},
	TypePresenceQuery:  {},
	TypeMessageHistory: {},
	TypeUnreadCount:    {},
	TypeMessageSearch:  {},
}

var outboundTypes = map[string]struct{}{
	TypeSessionReady:     {},
	TypePresenceChanged:  {},
	TypePresenceState:    {},
	TypeNewMessage:       {},
	TypeMessageSent:      {},
	TypeMessageDelivered: {},
	TypeMessageRead:      {},
	TypeTyping:           {},
	TypeIncomingCall:     {},
	TypeCallAnswered:     {},
	TypeCallRejected:     {},
	TypeCallEnded:        {},
	TypeCallSignal:       {},
	TypeMessageHistory:   {},
	TypeUnreadCountState: {},
	TypeSearchResult:     {},
	TypeError:            {},
}

// IsInbound reports whether typ may be sent by a client.
func IsInbound(typ string) bool {
	_, ok := inboundTypes[typ]
	return ok
}

// IsOutbound reports whether typ may be emitted by the server.
func IsOutbound(typ string) bool {
	_, ok := outboundTypes[typ]
	return ok
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsInbound(e.Type) && !IsOutbound(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// Decode unmarshals the payload into dst. An empty payload decodes as "{}".
func (e Envelope) Decode(dst any) error {
	raw := e.Payload
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return json.Unmarshal(raw, dst)
}

// NewEnvelope builds an envelope carrying payload marshaled as JSON.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}, nil
}
