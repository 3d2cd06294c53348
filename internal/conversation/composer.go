package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ceylonstays/concierge/internal/backend"
)

// Situation names what a reply is for; the template registry is keyed by it
// so the composer can fall back to a pre-approved template when the
// messaging window has closed.
type Situation string

const (
	SituationSlotPrompt    Situation = "slot_prompt"
	SituationConfirmation  Situation = "confirmation"
	SituationSearchResults Situation = "search_results"
	SituationBookingList   Situation = "booking_list"
	SituationSuccess       Situation = "success"
	SituationFailure       Situation = "failure"
	SituationGuardrail     Situation = "guardrail"
	SituationNotUnderstood Situation = "not_understood"
	SituationCancelled     Situation = "cancelled"
	SituationInterimAck    Situation = "interim_ack"
	SituationOutcome       Situation = "outcome_notice"
)

// Reply is a composed body before the window rule is applied.
type Reply struct {
	Situation Situation
	Body      string
}

// ErrWindowExpired means the free-form window has closed and no suitable
// template is registered for the situation. The caller fails closed.
var ErrWindowExpired = errors.New("conversation: messaging window expired and no template available")

// Composer builds outbound messages and enforces the provider's
// free-form-reply window: outside the window only pre-approved templates may
// be sent.
type Composer struct {
	window    time.Duration
	templates map[Situation]string
	now       func() time.Time
}

// NewComposer creates a composer with the provider response window and the
// registered template names per situation.
func NewComposer(window time.Duration, templates map[Situation]string) *Composer {
	if templates == nil {
		templates = map[Situation]string{}
	}
	return &Composer{
		window:    window,
		templates: templates,
		now:       time.Now,
	}
}

// Compose turns a reply into an OutboundMessage. Free-form is only legal
// while the sender's last inbound message is within the window; afterwards a
// registered template is substituted, or ErrWindowExpired is returned.
func (c *Composer) Compose(recipientID string, reply Reply, lastInboundAt time.Time) (OutboundMessage, error) {
	msg := OutboundMessage{
		RecipientID:   recipientID,
		CorrelationID: uuid.NewString(),
	}

	if c.window > 0 && !lastInboundAt.IsZero() && c.now().Sub(lastInboundAt) > c.window {
		template, ok := c.templates[reply.Situation]
		if !ok {
			return OutboundMessage{}, fmt.Errorf("%w: situation %s", ErrWindowExpired, reply.Situation)
		}
		msg.Kind = KindTemplate
		msg.Template = template
		return msg, nil
	}

	msg.Kind = KindFreeForm
	msg.Body = reply.Body
	return msg, nil
}

var slotPrompts = map[string]string{
	SlotHotelID:   "Which hotel would you like to book? You can give me the hotel number from the search results.",
	SlotCheckIn:   "What date would you like to check in?",
	SlotCheckOut:  "And when will you be checking out?",
	SlotGuests:    "How many guests will be staying?",
	SlotBookingID: "Which booking should I cancel? Please give me the booking reference.",
}

// PromptForSlot asks the user for the next missing slot.
func PromptForSlot(slot string) Reply {
	prompt, ok := slotPrompts[slot]
	if !ok {
		prompt = fmt.Sprintf("Could you tell me the %s?", slot)
	}
	return Reply{Situation: SituationSlotPrompt, Body: prompt}
}

// ConfirmationSummary asks the user to confirm before executing.
func ConfirmationSummary(sess *Session) Reply {
	var b strings.Builder
	switch sess.PendingIntent {
	case IntentCreateBooking:
		fmt.Fprintf(&b, "Please confirm your booking: hotel %s, check-in %s, check-out %s, %s guest(s).",
			sess.Slots[SlotHotelID], sess.Slots[SlotCheckIn], sess.Slots[SlotCheckOut], sess.Slots[SlotGuests])
	case IntentCancelBooking:
		fmt.Fprintf(&b, "Please confirm: cancel booking %s.", sess.Slots[SlotBookingID])
	default:
		b.WriteString("Please confirm to proceed.")
	}
	b.WriteString(` Reply "yes" to confirm or "no" to change something.`)
	return Reply{Situation: SituationConfirmation, Body: b.String()}
}

// SearchResultsReply formats a hotel list.
func SearchResultsReply(hotels []backend.Hotel, filters backend.SearchFilters) Reply {
	if len(hotels) == 0 {
		where := filters.Location
		if where == "" {
			where = "that area"
		}
		return Reply{
			Situation: SituationSearchResults,
			Body:      fmt.Sprintf("I couldn't find any available hotels in %s matching your criteria. Try different dates or a higher budget?", where),
		}
	}

	var b strings.Builder
	b.WriteString("Here's what I found:\n")
	max := len(hotels)
	if max > 5 {
		max = 5
	}
	for i := 0; i < max; i++ {
		h := hotels[i]
		fmt.Fprintf(&b, "%d. %s (%s) — %d %s/night", i+1, h.Name, h.Location, h.NightlyRate, h.Currency)
		if h.RoomsLeft > 0 && h.RoomsLeft <= 3 {
			fmt.Fprintf(&b, ", only %d room(s) left", h.RoomsLeft)
		}
		b.WriteString("\n")
	}
	b.WriteString("Reply with the hotel you'd like to book.")
	return Reply{Situation: SituationSearchResults, Body: b.String()}
}

// BookingListReply formats the caller's bookings.
func BookingListReply(bookings []backend.Booking) Reply {
	if len(bookings) == 0 {
		return Reply{Situation: SituationBookingList, Body: "You don't have any bookings yet. Want me to find you a hotel?"}
	}
	var b strings.Builder
	b.WriteString("Your bookings:\n")
	for _, bk := range bookings {
		name := bk.HotelName
		if name == "" {
			name = bk.HotelID
		}
		fmt.Fprintf(&b, "- %s: %s, %s to %s (%s)\n", bk.ID, name, bk.CheckIn, bk.CheckOut, bk.Status)
	}
	return Reply{Situation: SituationBookingList, Body: strings.TrimRight(b.String(), "\n")}
}

// BookingCreatedReply confirms a successful booking.
func BookingCreatedReply(b *backend.Booking) Reply {
	name := b.HotelName
	if name == "" {
		name = "your hotel"
	}
	return Reply{
		Situation: SituationSuccess,
		Body:      fmt.Sprintf("All set! Booking %s confirmed at %s, %s to %s for %d guest(s).", b.ID, name, b.CheckIn, b.CheckOut, b.Guests),
	}
}

// BookingCancelledReply confirms a cancellation.
func BookingCancelledReply(b *backend.Booking) Reply {
	return Reply{
		Situation: SituationSuccess,
		Body:      fmt.Sprintf("Done — booking %s has been cancelled.", b.ID),
	}
}

// FailureReply is the user-facing terminal failure notice. It never carries
// raw upstream error text.
func FailureReply(detail string) Reply {
	body := "Sorry, I couldn't complete that right now. Please try again in a little while."
	if detail != "" {
		body = fmt.Sprintf("Sorry, I couldn't complete that: %s", detail)
	}
	return Reply{Situation: SituationFailure, Body: body}
}

// GuardrailReply is the degraded answer when the NLU provider is down.
func GuardrailReply() Reply {
	return Reply{
		Situation: SituationGuardrail,
		Body:      "Sorry, I'm having trouble understanding right now. You can ask me to find hotels, make a booking, list your bookings, or cancel one.",
	}
}

// NotUnderstoodReply handles unsupported message types and intents.
func NotUnderstoodReply() Reply {
	return Reply{
		Situation: SituationNotUnderstood,
		Body:      "Sorry, I can only help with text messages about hotel search and bookings. Try something like \"Find hotels in Ella under 20000\".",
	}
}

// CancelledReply acknowledges a user-cancelled flow.
func CancelledReply() Reply {
	return Reply{Situation: SituationCancelled, Body: "No problem, I've cancelled that. Let me know if you need anything else."}
}

// InterimAckReply is sent when a backend operation outlives the reply; the
// terminal result is reported on the user's next message.
func InterimAckReply() Reply {
	return Reply{Situation: SituationInterimAck, Body: "Working on it — this is taking a moment. I'll have an update for you shortly."}
}

// OutcomeReply reports the true backend state recorded by a prior turn.
func OutcomeReply(o *PendingOutcome) Reply {
	switch o.Kind {
	case OutcomeBookingCreated:
		name := o.HotelName
		if name == "" {
			name = "your hotel"
		}
		return Reply{Situation: SituationOutcome, Body: fmt.Sprintf("Good news — your earlier booking went through: %s at %s is confirmed.", o.BookingID, name)}
	case OutcomeBookingCancelled:
		return Reply{Situation: SituationOutcome, Body: fmt.Sprintf("Update: booking %s was cancelled as requested.", o.BookingID)}
	default:
		detail := o.Detail
		if detail == "" {
			detail = "your last request didn't go through"
		}
		return Reply{Situation: SituationOutcome, Body: fmt.Sprintf("Update on your last request: %s. Would you like to try again?", detail)}
	}
}

// RestartNotice prefixes a reply after TTL eviction reset the conversation.
func RestartNotice(body string) string {
	return "Your previous conversation expired, so we're starting fresh. " + body
}
