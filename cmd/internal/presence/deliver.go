package presence

import (
	"errors"
	"time"

	"hirewire/cmd/identity/ids"
	v1 "hirewire/shared/contracts/realtime/v1"
)

// ErrOffline is returned by DeliverTo when the user holds no live handle.
var ErrOffline = errors.New("presence: user offline")

// Deliver wraps payload into an envelope and pushes it over h (best-effort, single attempt).
func Deliver(h Handle, typ string, payload any, now time.Time) error {
	if h == nil {
		return ErrOffline
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	env, err := v1.NewEnvelope(typ, ids.Next(now), now, payload)
	if err != nil {
		return err
	}
	return h.Push(env)
}

// DeliverTo resolves userID and pushes to its most recent handle.
func (r *Registry) DeliverTo(userID, typ string, payload any, now time.Time) error {
	h, ok := r.Resolve(userID)
	if !ok {
		return ErrOffline
	}
	return Deliver(h, typ, payload, now)
}

// Broadcast pushes to every live handle except those belonging to skipUserID.
// It returns the number of handles that accepted the envelope.
func (r *Registry) Broadcast(typ string, payload any, skipUserID string, now time.Time) int {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	env, err := v1.NewEnvelope(typ, ids.Next(now), now, payload)
	if err != nil {
		return 0
	}

	n := 0
	for _, rec := range r.Snapshot() {
		if rec.UserID == skipUserID {
			continue
		}
		if rec.Handle.Push(env) == nil {
			n++
		}
	}
	return n
}
