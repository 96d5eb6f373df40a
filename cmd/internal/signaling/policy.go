package signaling

// Decision is the outcome of a collision check at Initiate.
type Decision int

const (
	// Proceed creates the new call; nothing conflicts.
	Proceed Decision = iota
	// PreemptCaller force-ends the caller's existing call, then proceeds.
	PreemptCaller
	// RejectCalleeBusy fails the initiate with ErrCallAlreadyActive.
	RejectCalleeBusy
	// RejectCallerBusy fails the initiate with ErrCallerBusy.
	RejectCallerBusy
)

// Collision describes the non-terminal calls held by both parties at Initiate time.
// CalleeCall is nil when the callee's only call is the caller's own call.
type Collision struct {
	CallerID   string
	CalleeID   string
	CallerCall *CallSession
	CalleeCall *CallSession
}

// CollisionPolicy decides how Initiate treats existing non-terminal calls.
type CollisionPolicy func(c Collision) Decision

// LastCallWinsPolicy preempts the caller's own call and rejects a colliding initiate
// towards a busy callee. This is the default.
func LastCallWinsPolicy(c Collision) Decision {
	if c.CalleeCall != nil {
		return RejectCalleeBusy
	}
	if c.CallerCall != nil {
		return PreemptCaller
	}
	return Proceed
}

// StrictPolicy rejects any collision, including the caller's own active call.
func StrictPolicy(c Collision) Decision {
	if c.CalleeCall != nil {
		return RejectCalleeBusy
	}
	if c.CallerCall != nil {
		return RejectCallerBusy
	}
	return Proceed
}

// PolicyByName maps a configuration value to a policy. Unknown names select LastCallWinsPolicy.
func PolicyByName(name string) CollisionPolicy {
	if name == "strict" {
		return StrictPolicy
	}
	return LastCallWinsPolicy
}
