package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// State is the per-sender conversation state.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateConfirming State = "confirming"
	StateExecuting  State = "executing"
)

// OutcomeKind records what a partially reported backend effect was.
type OutcomeKind string

const (
	OutcomeBookingCreated   OutcomeKind = "booking_created"
	OutcomeBookingCancelled OutcomeKind = "booking_cancelled"
	OutcomeActionFailed     OutcomeKind = "action_failed"
)

// PendingOutcome is the compensation record for a backend effect the user
// has not been told about yet (e.g. booking created but the reply send
// failed, or a long-running call that finished after the interim ack). The
// bot never rolls back acknowledged backend effects; it reports them.
type PendingOutcome struct {
	Kind      OutcomeKind `json:"kind"`
	BookingID string      `json:"booking_id,omitempty"`
	HotelName string      `json:"hotel_name,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// Session is the per-sender conversation state machine. One session per
// sender, owned by the session store, mutated only under the store's
// per-session lock.
type Session struct {
	ID                   string          `json:"id"`
	State                State           `json:"state"`
	PendingIntent        Intent          `json:"pending_intent,omitempty"`
	Slots                Slots           `json:"slots,omitempty"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty"`
	Outcome              *PendingOutcome `json:"outcome,omitempty"`
	LastActivityAt       time.Time       `json:"last_activity_at"`
	LastInboundAt        time.Time       `json:"last_inbound_at"`
	LastInboundMessageID string          `json:"last_inbound_message_id,omitempty"`

	// WasExpired is set by the store when TTL eviction reset this session
	// since the sender's last turn, so the engine can mention the restart.
	// Never persisted.
	WasExpired bool `json:"-"`
}

func newSession(senderID string, now time.Time) *Session {
	return &Session{
		ID:             senderID,
		State:          StateIdle,
		Slots:          Slots{},
		LastActivityAt: now,
	}
}

// expired reports whether the session has been inactive beyond ttl.
func (s *Session) expired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.LastActivityAt) > ttl
}

// reset discards uncommitted in-memory state. Acknowledged backend effects
// are not touched (compensation, not rollback), so Outcome survives.
func (s *Session) reset() {
	s.State = StateIdle
	s.PendingIntent = ""
	s.Slots = Slots{}
	s.IdempotencyKey = ""
}

// empty reports whether the session carries nothing worth keeping; the
// store destroys empty sessions instead of letting them idle until TTL.
func (s *Session) empty() bool {
	return s.State == StateIdle && s.PendingIntent == "" && s.Outcome == nil
}

// MissingSlots returns the required slots not yet collected, in the routing
// table's order so prompts are stable.
func (s *Session) MissingSlots() []string {
	var missing []string
	for _, name := range s.PendingIntent.RequiredSlots() {
		if strings.TrimSpace(s.Slots[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// mergeSlots folds extracted values into the session. Existing values are
// only overwritten when the user is explicitly correcting (after declining
// a confirmation); otherwise slots are add-only. Any change to the snapshot
// invalidates the idempotency key: the key binds to exactly one draft, and a
// recovered or declined flow must never execute an edited draft under the
// key minted for the old one.
func (s *Session) mergeSlots(extracted Slots, allowOverwrite bool) {
	if s.Slots == nil {
		s.Slots = Slots{}
	}
	for k, v := range extracted {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if cur, exists := s.Slots[k]; exists {
			if !allowOverwrite || cur == v {
				continue
			}
		}
		s.Slots[k] = v
		s.IdempotencyKey = ""
	}
}

// IdempotencyKeyFor derives the deterministic key for one logical action:
// the same sender, intent, and slot snapshot always produce the same key, a
// different snapshot never reuses a prior key.
func IdempotencyKeyFor(senderID string, intent Intent, slots Slots) string {
	h := sha256.New()
	h.Write([]byte(senderID))
	h.Write([]byte{0})
	h.Write([]byte(intent))
	for _, k := range slots.sortedKeys() {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(slots[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
