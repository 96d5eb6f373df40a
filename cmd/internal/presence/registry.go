// Package presence tracks which identities hold a live connection.
//
// The Registry is pure in-memory state. It never performs I/O and never blocks on a handle;
// pushing to a handle is the handle's concern (see Deliver).
package presence

import (
	"errors"
	"sort"
	"strings"
	"sync"

	v1 "hirewire/shared/contracts/realtime/v1"
)

// Role is the coarse role tag attached to a connection.
type Role string

const (
	RoleParticipant Role = v1.RoleParticipant
	RolePrivileged  Role = v1.RolePrivileged
)

// ParseRole validates a handshake role claim.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleParticipant:
		return RoleParticipant, nil
	case RolePrivileged:
		return RolePrivileged, nil
	case "":
		return "", errors.New("missing role")
	default:
		return "", errors.New("unknown role")
	}
}

var (
	// ErrHandleClosed is returned by Push when the connection is shutting down.
	ErrHandleClosed = errors.New("presence: handle closed")
	// ErrBackpressure is returned by Push when the connection's outbound queue is full.
	ErrBackpressure = errors.New("presence: send queue full")
)

// Handle is a live bidirectional connection.
//
// Push must not block: implementations enqueue and let a writer goroutine do network I/O.
type Handle interface {
	ID() string
	Push(env v1.Envelope) error
}

// Record is one registry entry, returned by Snapshot.
type Record struct {
	UserID string
	Role   Role
	Handle Handle
}

type entry struct {
	role   Role
	handle Handle
	seq    uint64
}

// Registry maps identities to live handles. At most one handle is kept per (userID, role);
// a new Register for the same pair replaces the previous handle.
type Registry struct {
	mu    sync.RWMutex
	seq   uint64
	users map[string]map[Role]entry
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]map[Role]entry)}
}

// Register stores handle for (userID, role) and returns the handle it replaced, if any.
// Registering the same handle twice is a no-op apart from refreshing recency.
func (r *Registry) Register(userID string, handle Handle, role Role) (replaced Handle) {
	if userID == "" || handle == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	roles := r.users[userID]
	if roles == nil {
		roles = make(map[Role]entry, 1)
		r.users[userID] = roles
	}

	if prev, ok := roles[role]; ok && prev.handle.ID() != handle.ID() {
		replaced = prev.handle
	}

	r.seq++
	roles[role] = entry{role: role, handle: handle, seq: r.seq}
	return replaced
}

// Deregister removes every handle for userID. It is a no-op when userID is absent.
func (r *Registry) Deregister(userID string) {
	r.mu.Lock()
	delete(r.users, userID)
	r.mu.Unlock()
}

// DeregisterHandle removes handleID for userID only if it is still the registered handle.
// It reports whether a removal happened and whether the user is still online afterwards.
// A connection that was replaced by a newer one therefore cannot remove its successor.
func (r *Registry) DeregisterHandle(userID, handleID string) (removed bool, stillOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roles := r.users[userID]
	for role, e := range roles {
		if e.handle.ID() == handleID {
			delete(roles, role)
			removed = true
			break
		}
	}
	if len(roles) == 0 {
		delete(r.users, userID)
		return removed, false
	}
	return removed, true
}

// Resolve returns the most recently registered handle for userID.
func (r *Registry) Resolve(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best  entry
		found bool
	)
	for _, e := range r.users[userID] {
		if !found || e.seq > best.seq {
			best, found = e, true
		}
	}
	if !found {
		return nil, false
	}
	return best.handle, true
}

// ResolveAll returns every handle registered for userID, most recent first.
func (r *Registry) ResolveAll(userID string) []Handle {
	r.mu.RLock()
	entries := make([]entry, 0, len(r.users[userID]))
	for _, e := range r.users[userID] {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })

	out := make([]Handle, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.handle)
	}
	return out
}

// IsOnline reports whether userID has at least one live handle.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Count returns the number of live handles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, roles := range r.users {
		n += len(roles)
	}
	return n
}

// Snapshot returns every registered handle, ordered by user ID then role. Diagnostics only.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.users))
	for userID, roles := range r.users {
		for role, e := range roles {
			out = append(out, Record{UserID: userID, Role: role, Handle: e.handle})
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Role < out[j].Role
	})
	return out
}
