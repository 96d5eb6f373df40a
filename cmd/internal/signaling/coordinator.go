// Package signaling owns the two-party call lifecycle:
//
//	Initiate: none -> pending       (offer relayed to callee)
//	Answer:   pending -> accepted   (answer relayed to caller)
//	Reject:   pending -> rejected   (caller notified)
//	End:      pending|accepted -> ended (other party notified)
//
// A participant holds at most one non-terminal call. The coordinator keeps a live index of
// non-terminal sessions keyed by participant and serializes every transition under one mutex,
// so two concurrent Answer/Reject calls on the same session cannot both win.
//
// Each party's side of a call is bound to the connection that started, received or answered
// it (see WithSession). Closing that connection ends the call; closing any other connection of
// the same identity does not.
//
// Signaling payloads (offer, answer, ICE data) are opaque strings relayed unmodified.
package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hirewire/cmd/identity/ids"
	"hirewire/cmd/internal/events"
	"hirewire/cmd/internal/metrics"
	"hirewire/cmd/internal/presence"
	v1 "hirewire/shared/contracts/realtime/v1"
)

// Directory resolves live connection handles. *presence.Registry satisfies it.
type Directory interface {
	Resolve(userID string) (presence.Handle, bool)
}

// Publisher emits events. *events.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic events.Topic, payload any) int
}

const (
	DefaultMaxPayloadBytes = 64 << 10
	defaultStoreTimeout    = 5 * time.Second
)

// Config tunes the coordinator.
type Config struct {
	// Policy decides Initiate collisions; nil selects LastCallWinsPolicy.
	Policy CollisionPolicy
	// StoreTimeout bounds each storage call; 0 selects 5s.
	StoreTimeout time.Duration
	// MaxPayloadBytes bounds offer/answer/signal blobs; 0 selects DefaultMaxPayloadBytes.
	MaxPayloadBytes int
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

type sessionKey struct{}

// WithSession tags ctx with the connection id an operation arrives on.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

func sessionFrom(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey{}).(string)
	return s
}

// Coordinator is the call signaling state machine.
//
// Transitions queue their TopicCallStateChanged events under the lock; the events are published
// in transition order after the lock is released, before the triggering method returns.
// Subscribers may read coordinator state but must not trigger transitions.
type Coordinator struct {
	store   Store
	dir     Directory
	bus     Publisher
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu     sync.Mutex
	active map[string]*CallSession // participant id -> non-terminal session
	owner  map[string]string       // participant id -> connection bound to its side of the call
	outbox []events.CallStateChanged

	flushMu sync.Mutex
}

// NewCoordinator wires the state machine. bus, log and m may be nil.
func NewCoordinator(store Store, dir Directory, bus Publisher, log *slog.Logger, m *metrics.Metrics, cfg Config) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = LastCallWinsPolicy
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		store:   store,
		dir:     dir,
		bus:     bus,
		log:     log,
		metrics: m,
		cfg:     cfg,
		active:  make(map[string]*CallSession),
		owner:   make(map[string]string),
	}
}

// Initiate starts a call from callerID to calleeID and relays offer to the callee.
//
// Failures before the pending session is persisted leave no state behind. A caller that
// already holds a call has it force-ended first when the policy allows it.
func (c *Coordinator) Initiate(ctx context.Context, callerID, calleeID, offer string) (CallSession, error) {
	const op = "signaling.Initiate"

	if !ids.ValidIdentity(callerID) || !ids.ValidIdentity(calleeID) {
		return CallSession{}, opErr(op, ErrInvalidInput, "invalid participant id")
	}
	if callerID == calleeID {
		return CallSession{}, opErr(op, ErrInvalidInput, "cannot call yourself")
	}
	if len(offer) > c.cfg.MaxPayloadBytes {
		return CallSession{}, opErr(op, ErrInvalidInput, "offer too large")
	}

	c.mu.Lock()
	defer c.flush(ctx)
	defer c.mu.Unlock()

	callerCall := c.active[callerID]
	calleeCall := c.active[calleeID]
	if calleeCall != nil && calleeCall == callerCall {
		calleeCall = nil
	}

	decision := c.cfg.Policy(Collision{
		CallerID:   callerID,
		CalleeID:   calleeID,
		CallerCall: copySession(callerCall),
		CalleeCall: copySession(calleeCall),
	})
	// A busy callee is never overridden: it would leave two non-terminal calls on one identity.
	if calleeCall != nil && decision != RejectCallerBusy {
		decision = RejectCalleeBusy
	}

	switch decision {
	case RejectCalleeBusy:
		c.metrics.CallRejected("call_already_active")
		c.log.Info("call.initiate.reject", "caller_id", callerID, "callee_id", calleeID, "reason", "callee_busy")
		return CallSession{}, opErr(op, ErrCallAlreadyActive, "callee is in another call")
	case RejectCallerBusy:
		c.metrics.CallRejected("caller_busy")
		c.log.Info("call.initiate.reject", "caller_id", callerID, "callee_id", calleeID, "reason", "caller_busy")
		return CallSession{}, opErr(op, ErrCallerBusy, "caller is in another call")
	}

	h, online := c.dir.Resolve(calleeID)
	if !online {
		c.metrics.CallRejected("recipient_unreachable")
		c.log.Info("call.initiate.reject", "caller_id", callerID, "callee_id", calleeID, "reason", "offline")
		return CallSession{}, opErr(op, ErrRecipientUnreachable, "callee offline")
	}

	if callerCall != nil {
		if _, err := c.endLocked(ctx, callerCall, callerID, ReasonPreempted, false); err != nil {
			return CallSession{}, err
		}
	}

	now := c.cfg.Now()
	sess := &CallSession{
		ID:        ids.Next(now),
		CallerID:  callerID,
		CalleeID:  calleeID,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	err := c.store.CreateCallSession(sctx, *sess)
	cancel()
	if err != nil {
		c.metrics.CallRejected("storage_failure")
		c.log.Error("call.create.fail", "caller_id", callerID, "callee_id", calleeID, "err", err)
		return CallSession{}, storageErr(op, err)
	}

	c.active[callerID] = sess
	c.active[calleeID] = sess
	c.owner[callerID] = sessionFrom(ctx)
	c.owner[calleeID] = h.ID()
	c.metrics.CallTransition(string(StatePending))
	c.emit(ctx, *sess, "", callerID, "")

	if err := presence.Deliver(h, v1.TypeIncomingCall, v1.IncomingCallPayload{
		CallID:   sess.ID,
		CallerID: callerID,
		Offer:    offer,
	}, now); err != nil {
		c.log.Warn("call.offer.push.fail", "call_id", sess.ID, "callee_id", calleeID, "err", err)
		_, _ = c.endLocked(ctx, sess, callerID, ReasonUnreachable, true)
		c.metrics.CallRejected("recipient_unreachable")
		return CallSession{}, opErr(op, ErrRecipientUnreachable, "offer not delivered")
	}

	c.log.Info("call.initiate.ok", "call_id", sess.ID, "caller_id", callerID, "callee_id", calleeID)
	return *sess, nil
}

// Answer accepts the pending call addressed to calleeID and relays answer to the caller.
// callerID may be empty; when set it must match the pending call's caller.
func (c *Coordinator) Answer(ctx context.Context, calleeID, callerID, answer string) (CallSession, error) {
	const op = "signaling.Answer"

	if len(answer) > c.cfg.MaxPayloadBytes {
		return CallSession{}, opErr(op, ErrInvalidInput, "answer too large")
	}

	c.mu.Lock()
	defer c.flush(ctx)
	defer c.mu.Unlock()

	sess := c.pendingFor(calleeID, callerID)
	if sess == nil {
		return CallSession{}, opErr(op, ErrSessionNotFound, "no pending call")
	}

	updated, err := c.transitionLocked(ctx, sess, StateAccepted, calleeID, "", false)
	if err != nil {
		return CallSession{}, err
	}
	if sid := sessionFrom(ctx); sid != "" {
		c.owner[calleeID] = sid
	}

	c.relay(updated.CallerID, v1.TypeCallAnswered, v1.CallAnsweredPayload{
		CallID:   updated.ID,
		CalleeID: calleeID,
		Answer:   answer,
	})
	return updated, nil
}

// Reject declines the pending call addressed to calleeID and notifies the caller.
func (c *Coordinator) Reject(ctx context.Context, calleeID, callerID string) (CallSession, error) {
	const op = "signaling.Reject"

	c.mu.Lock()
	defer c.flush(ctx)
	defer c.mu.Unlock()

	sess := c.pendingFor(calleeID, callerID)
	if sess == nil {
		return CallSession{}, opErr(op, ErrSessionNotFound, "no pending call")
	}

	updated, err := c.transitionLocked(ctx, sess, StateRejected, calleeID, ReasonRejected, false)
	if err != nil {
		return CallSession{}, err
	}

	c.relay(updated.CallerID, v1.TypeCallRejected, v1.CallRejectedPayload{
		CallID:   updated.ID,
		CalleeID: calleeID,
	})
	return updated, nil
}

// End terminates userID's non-terminal call and notifies the other party.
// otherPartyID may be empty; when set it must match the call's other party.
func (c *Coordinator) End(ctx context.Context, userID, otherPartyID string) (CallSession, error) {
	const op = "signaling.End"

	c.mu.Lock()
	defer c.flush(ctx)
	defer c.mu.Unlock()

	sess := c.active[userID]
	if sess == nil || (otherPartyID != "" && sess.OtherParty(userID) != otherPartyID) {
		return CallSession{}, opErr(op, ErrSessionNotFound, "no active call")
	}
	return c.endLocked(ctx, sess, userID, ReasonHangup, false)
}

// Disconnect is the implicit End for userID's non-terminal call, whichever connection owns it.
// The in-memory index is cleared even if persisting the transition fails, so a stale
// call can never block the identity's next Initiate.
func (c *Coordinator) Disconnect(ctx context.Context, userID string) (CallSession, bool) {
	return c.disconnect(ctx, userID, "", true)
}

// DisconnectSession ends userID's non-terminal call only when its side is bound to sessionID
// (or to no connection at all). It is called for every closed or replaced connection.
func (c *Coordinator) DisconnectSession(ctx context.Context, userID, sessionID string) (CallSession, bool) {
	return c.disconnect(ctx, userID, sessionID, false)
}

func (c *Coordinator) disconnect(ctx context.Context, userID, sessionID string, anyOwner bool) (CallSession, bool) {
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	defer c.flush(ctx)
	defer c.mu.Unlock()

	sess := c.active[userID]
	if sess == nil {
		return CallSession{}, false
	}
	if owner := c.owner[userID]; !anyOwner && owner != "" && owner != sessionID {
		return CallSession{}, false
	}
	ended, _ := c.endLocked(ctx, sess, userID, ReasonDisconnected, true)
	return ended, true
}

// Signal relays an opaque ICE/renegotiation blob from fromID to peerID.
// Both must be parties of the same non-terminal call.
func (c *Coordinator) Signal(ctx context.Context, fromID, peerID, data string) error {
	const op = "signaling.Signal"

	if len(data) > c.cfg.MaxPayloadBytes {
		return opErr(op, ErrInvalidInput, "signal too large")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.active[fromID]
	if sess == nil || peerID == fromID || !sess.Involves(peerID) {
		return opErr(op, ErrSessionNotFound, "no call with peer")
	}

	if !c.relay(peerID, v1.TypeCallSignal, v1.CallSignalPayload{PeerID: fromID, Data: data}) {
		return opErr(op, ErrRecipientUnreachable, "peer not reachable")
	}
	return nil
}

// ActiveCall returns userID's non-terminal call, if any.
func (c *Coordinator) ActiveCall(userID string) (CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.active[userID]
	if sess == nil {
		return CallSession{}, false
	}
	return *sess, true
}

// ActiveCount returns the number of distinct non-terminal calls.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(c.active))
	for _, s := range c.active {
		seen[s.ID] = struct{}{}
	}
	return len(seen)
}

// ListCalls returns userID's call history, newest first.
func (c *Coordinator) ListCalls(ctx context.Context, userID string, limit int) ([]CallSession, error) {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	out, err := c.store.ListCalls(sctx, userID, limit)
	if err != nil {
		return nil, storageErr("signaling.ListCalls", err)
	}
	return out, nil
}

func (c *Coordinator) pendingFor(calleeID, callerID string) *CallSession {
	sess := c.active[calleeID]
	if sess == nil || sess.State != StatePending || sess.CalleeID != calleeID {
		return nil
	}
	if callerID != "" && sess.CallerID != callerID {
		return nil
	}
	return sess
}

func (c *Coordinator) endLocked(ctx context.Context, sess *CallSession, actor, reason string, force bool) (CallSession, error) {
	ended, err := c.transitionLocked(ctx, sess, StateEnded, actor, reason, force)
	if err != nil {
		return CallSession{}, err
	}
	c.relay(ended.OtherParty(actor), v1.TypeCallEnded, v1.CallEndedPayload{
		CallID:  ended.ID,
		EndedBy: actor,
		Reason:  reason,
	})
	return ended, nil
}

// transitionLocked persists sess.State -> to, then updates the live index.
// Without force a storage failure leaves the session untouched; with force the in-memory
// transition is applied anyway and the failure is only logged.
func (c *Coordinator) transitionLocked(ctx context.Context, sess *CallSession, to State, actor, reason string, force bool) (CallSession, error) {
	now := c.cfg.Now()
	from := sess.State

	sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	updated, err := c.store.UpdateCallSession(sctx, sess.ID, Transition{
		From:    from,
		To:      to,
		At:      now,
		EndedBy: actor,
		Reason:  reason,
	})
	cancel()

	if err != nil {
		if !force {
			c.log.Error("call.transition.fail", "call_id", sess.ID, "from", from, "to", to, "err", err)
			return CallSession{}, storageErr("signaling.transition", err)
		}
		c.log.Warn("call.transition.persist.fail", "call_id", sess.ID, "from", from, "to", to, "err", err)
		updated = *sess
		updated.State = to
		updated.UpdatedAt = now
		if to.Terminal() {
			updated.EndedBy = actor
			updated.EndReason = reason
		}
	}

	if to.Terminal() {
		c.unindexLocked(sess)
	} else {
		*sess = updated
	}

	c.metrics.CallTransition(string(to))
	c.emit(ctx, updated, from, actor, reason)
	c.log.Info("call.transition", "call_id", updated.ID, "from", from, "to", to, "actor", actor, "reason", reason)
	return updated, nil
}

func (c *Coordinator) unindexLocked(sess *CallSession) {
	for _, id := range []string{sess.CallerID, sess.CalleeID} {
		if c.active[id] == sess {
			delete(c.active, id)
			delete(c.owner, id)
		}
	}
}

// emit queues a transition event; flush publishes it once c.mu is released.
func (c *Coordinator) emit(_ context.Context, sess CallSession, from State, actor, reason string) {
	if c.bus == nil {
		return
	}
	c.outbox = append(c.outbox, events.CallStateChanged{
		CallID:   sess.ID,
		CallerID: sess.CallerID,
		CalleeID: sess.CalleeID,
		From:     string(from),
		To:       string(sess.State),
		Actor:    actor,
		Reason:   reason,
		At:       sess.UpdatedAt,
	})
}

// flush drains the outbox without holding c.mu. flushMu keeps a single drainer, so events
// leave in the order their transitions happened, and a caller returns only after its own
// events were published by itself or by the drainer ahead of it.
func (c *Coordinator) flush(ctx context.Context) {
	if c.bus == nil {
		return
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	for {
		c.mu.Lock()
		batch := c.outbox
		c.outbox = nil
		c.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			c.bus.Publish(ctx, events.TopicCallStateChanged, ev)
		}
	}
}

// relay is a best-effort push; it reports whether the handle accepted the envelope.
func (c *Coordinator) relay(userID, typ string, payload any) bool {
	h, ok := c.dir.Resolve(userID)
	if !ok {
		c.log.Debug("call.relay.offline", "user_id", userID, "type", typ)
		return false
	}
	if err := presence.Deliver(h, typ, payload, c.cfg.Now()); err != nil {
		c.metrics.PushDropped()
		c.log.Warn("call.relay.fail", "user_id", userID, "type", typ, "err", err)
		return false
	}
	return true
}

func copySession(s *CallSession) *CallSession {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
