// Package api serves the read side of the coordinator over plain HTTP: notifications,
// call history, unread counts and presence lookups for the authenticated identity.
//
// Every write path (messages, calls, read receipts) stays on the realtime socket.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hirewire/cmd/internal/auth/identity"
	"hirewire/cmd/internal/notify"
	"hirewire/cmd/internal/presence"
	"hirewire/cmd/internal/signaling"
	v1 "hirewire/shared/contracts/realtime/v1"
)

const maxPresenceIDs = 100

// Verifier maps a bearer token to a user id.
type Verifier interface {
	Verify(token string) (string, error)
}

// Notifications lists stored notifications. *notify.Recorder satisfies it.
type Notifications interface {
	List(ctx context.Context, userID string, limit int) ([]notify.Notification, error)
}

// Calls reads call state. *signaling.Coordinator satisfies it.
type Calls interface {
	ListCalls(ctx context.Context, userID string, limit int) ([]signaling.CallSession, error)
	ActiveCall(userID string) (signaling.CallSession, bool)
}

// Unread counts unread messages. *messaging.Service satisfies it.
type Unread interface {
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

// Presence answers liveness. *presence.Registry satisfies it.
type Presence interface {
	IsOnline(userID string) bool
}

// LastSeen reads the shared presence read model. *presence.RedisMirror satisfies it.
type LastSeen interface {
	Lookup(ctx context.Context, userID string) (presence.PresenceState, bool, error)
}

// Deps are the collaborators of Handler. Notifications may be nil (endpoint answers 503).
// LastSeen is optional; without it offline users carry no last_seen.
type Deps struct {
	Verifier      Verifier
	Notifications Notifications
	Calls         Calls
	Unread        Unread
	Presence      Presence
	LastSeen      LastSeen
}

// Handler implements the /v1 read endpoints.
type Handler struct {
	log  *slog.Logger
	deps Deps
}

// NewHandler validates deps. log may be nil.
func NewHandler(log *slog.Logger, deps Deps) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if deps.Verifier == nil {
		return nil, errors.New("api: verifier is required")
	}
	if deps.Calls == nil || deps.Unread == nil || deps.Presence == nil {
		return nil, errors.New("api: calls, unread and presence readers are required")
	}
	return &Handler{log: log, deps: deps}, nil
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/v1/notifications", h.handleNotifications)
	mux.HandleFunc("/v1/calls", h.handleCalls)
	mux.HandleFunc("/v1/unread", h.handleUnread)
	mux.HandleFunc("/v1/presence", h.handlePresence)
}

type notificationResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ActorID   string    `json:"actor_id,omitempty"`
	RefID     string    `json:"ref_id,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type callResponse struct {
	ID        string    `json:"id"`
	CallerID  string    `json:"caller_id"`
	CalleeID  string    `json:"callee_id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	EndedBy   string    `json:"ended_by,omitempty"`
	EndReason string    `json:"end_reason,omitempty"`
}

type presenceEntry struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen,omitempty"`
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if h.deps.Notifications == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "notifications not configured")
		return
	}

	list, err := h.deps.Notifications.List(r.Context(), userID, queryLimit(r))
	if err != nil {
		h.log.Error("api.notifications.fail", "user_id", userID, "err", err)
		writeError(w, http.StatusServiceUnavailable, v1.CodeStorageFailure, "storage unavailable")
		return
	}

	out := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		out = append(out, notificationResponse{
			ID:        n.ID,
			Kind:      string(n.Kind),
			ActorID:   n.ActorID,
			RefID:     n.RefID,
			Preview:   n.Preview,
			CreatedAt: n.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

func (h *Handler) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	list, err := h.deps.Calls.ListCalls(r.Context(), userID, queryLimit(r))
	if err != nil {
		h.log.Error("api.calls.fail", "user_id", userID, "err", err)
		writeError(w, http.StatusServiceUnavailable, v1.CodeStorageFailure, "storage unavailable")
		return
	}

	out := make([]callResponse, 0, len(list))
	for _, c := range list {
		out = append(out, toCallResponse(c))
	}
	resp := map[string]any{"calls": out, "active": nil}
	if active, ok := h.deps.Calls.ActiveCall(userID); ok {
		resp["active"] = toCallResponse(active)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	n, err := h.deps.Unread.UnreadCount(r.Context(), userID)
	if err != nil {
		h.log.Error("api.unread.fail", "user_id", userID, "err", err)
		writeError(w, http.StatusServiceUnavailable, v1.CodeStorageFailure, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": n})
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.requireAuth(w, r); !ok {
		return
	}

	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("user_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, v1.CodeBadPayload, "user_ids is required")
		return
	}
	if len(ids) > maxPresenceIDs {
		writeError(w, http.StatusBadRequest, v1.CodeBadPayload, "too many user_ids")
		return
	}

	out := make([]presenceEntry, 0, len(ids))
	for _, id := range ids {
		e := presenceEntry{UserID: id, Online: h.deps.Presence.IsOnline(id)}
		if !e.Online && h.deps.LastSeen != nil {
			st, ok, err := h.deps.LastSeen.Lookup(r.Context(), id)
			if err != nil {
				h.log.Debug("api.presence.last_seen.fail", "user_id", id, "err", err)
			} else if ok {
				e.LastSeen = st.LastSeen
			}
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (string, bool) {
	tok, ok := identity.ParseBearer(r.Header.Get("Authorization"))
	if !ok {
		writeError(w, http.StatusUnauthorized, v1.CodeAuthFailed, "missing bearer token")
		return "", false
	}
	userID, err := h.deps.Verifier.Verify(tok)
	if err != nil {
		writeError(w, http.StatusUnauthorized, v1.CodeAuthFailed, "invalid token")
		return "", false
	}
	return userID, true
}

// queryLimit parses ?limit=; zero lets the store apply its default and clamp.
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit")))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func toCallResponse(c signaling.CallSession) callResponse {
	return callResponse{
		ID:        c.ID,
		CallerID:  c.CallerID,
		CalleeID:  c.CalleeID,
		State:     string(c.State),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		EndedBy:   c.EndedBy,
		EndReason: c.EndReason,
	}
}
