// Package conversation implements the orchestration engine between the
// messaging webhook, the NLU provider, and the booking backend: per-sender
// session state, intent routing, idempotent backend calls, and reply
// composition.
package conversation

import (
	"sort"
	"time"
)

// MessageType classifies an inbound message after normalization.
type MessageType string

const (
	MessageTypeText MessageType = "text"
	// MessageTypeUnsupported covers media, location, reactions, and anything
	// else the bot cannot interpret. Normalization never fails on these.
	MessageTypeUnsupported MessageType = "unsupported"
)

// InboundMessage is the canonical inbound message, immutable once received.
// ChannelMessageID deduplicates retried webhook deliveries.
type InboundMessage struct {
	SenderID         string
	ChannelMessageID string
	Timestamp        time.Time
	RawText          string
	Type             MessageType
}

// MessageKind distinguishes free-form replies from pre-approved templates.
type MessageKind string

const (
	KindFreeForm MessageKind = "free_form"
	KindTemplate MessageKind = "template"
)

// OutboundMessage is a composed reply ready for the channel client.
// Resending the same CorrelationID has no additional user-visible effect.
type OutboundMessage struct {
	RecipientID   string
	Kind          MessageKind
	Body          string
	Template      string
	CorrelationID string
}

// Slots accumulates extracted parameters for the pending intent.
type Slots map[string]string

// Clone returns a copy so snapshots are not aliased to live session state.
func (s Slots) Clone() Slots {
	if s == nil {
		return nil
	}
	out := make(Slots, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// sortedKeys returns the slot names in deterministic order, used when
// deriving idempotency keys and cache keys.
func (s Slots) sortedKeys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Intent is the closed set of actions the bot can route. Unknown NLU labels
// always map to IntentUnsupported rather than failing.
type Intent string

const (
	IntentSearchHotels  Intent = "search_hotels"
	IntentCreateBooking Intent = "create_booking"
	IntentListBookings  Intent = "list_bookings"
	IntentCancelBooking Intent = "cancel_booking"
	IntentUnsupported   Intent = "unsupported"
)

// ParseIntent maps an NLU label onto the closed intent set.
func ParseIntent(label string) Intent {
	switch Intent(label) {
	case IntentSearchHotels, IntentCreateBooking, IntentListBookings, IntentCancelBooking:
		return Intent(label)
	default:
		return IntentUnsupported
	}
}

// Slot names shared between the NLU contract and the routing table.
const (
	SlotHotelID   = "hotelId"
	SlotCheckIn   = "checkIn"
	SlotCheckOut  = "checkOut"
	SlotGuests    = "guests"
	SlotLocation  = "location"
	SlotMaxPrice  = "maxPrice"
	SlotBookingID = "bookingId"
)

// RequiredSlots returns the fixed required-slot set for an intent. Search
// and listing run single-turn: all their parameters are optional filters.
func (i Intent) RequiredSlots() []string {
	switch i {
	case IntentCreateBooking:
		return []string{SlotHotelID, SlotCheckIn, SlotCheckOut, SlotGuests}
	case IntentCancelBooking:
		return []string{SlotBookingID}
	default:
		return nil
	}
}

// MultiTurn reports whether the intent collects slots and confirms before
// executing. Single-turn intents execute immediately and create no session.
func (i Intent) MultiTurn() bool {
	switch i {
	case IntentCreateBooking, IntentCancelBooking:
		return true
	default:
		return false
	}
}
