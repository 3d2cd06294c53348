package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ceylonstays/concierge/internal/backend"
	"github.com/ceylonstays/concierge/internal/observability/metrics"
	"github.com/ceylonstays/concierge/internal/retry"
	"github.com/ceylonstays/concierge/pkg/logging"
)

// BackendClient is the booking-service surface the engine orchestrates.
type BackendClient interface {
	SearchHotels(ctx context.Context, filters backend.SearchFilters) ([]backend.Hotel, error)
	CreateBooking(ctx context.Context, draft backend.BookingDraft, idempotencyKey string) (*backend.Booking, error)
	ListBookings(ctx context.Context, userRef string) ([]backend.Booking, error)
	CancelBooking(ctx context.Context, bookingID, idempotencyKey string) (*backend.Booking, error)
	GetBookingByKey(ctx context.Context, idempotencyKey string) (*backend.Booking, error)
}

// Engine drives one conversation turn: session transitions, NLU, intent
// routing, idempotent backend orchestration, and reply composition. All
// externally caused failures are translated into user-appropriate replies
// here; only internal failures propagate as errors.
type Engine struct {
	sessions SessionStore
	nlu      Classifier
	backend  BackendClient
	composer *Composer
	logger   *logging.Logger
	metrics  *metrics.Metrics

	policy          retry.Policy
	interimAckAfter time.Duration
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithRetryPolicy overrides the backend retry policy.
func WithRetryPolicy(p retry.Policy) EngineOption {
	return func(e *Engine) { e.policy = p }
}

// WithInterimAckAfter sets how long a backend call may run before the user
// gets an interim acknowledgment and the result is delivered next turn.
func WithInterimAckAfter(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.interimAckAfter = d
		}
	}
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine wires the orchestration engine.
func NewEngine(sessions SessionStore, nlu Classifier, bc BackendClient, composer *Composer, logger *logging.Logger, opts ...EngineOption) *Engine {
	if sessions == nil {
		panic("conversation: session store cannot be nil")
	}
	if nlu == nil {
		panic("conversation: classifier cannot be nil")
	}
	if bc == nil {
		panic("conversation: backend client cannot be nil")
	}
	if composer == nil {
		panic("conversation: composer cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		sessions:        sessions,
		nlu:             nlu,
		backend:         bc,
		composer:        composer,
		logger:          logger,
		policy:          retry.DefaultPolicy(),
		interimAckAfter: 8 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleInbound processes one already-deduplicated inbound message and
// returns the reply to send, or nil when no reply is warranted.
func (e *Engine) HandleInbound(ctx context.Context, msg InboundMessage) (*OutboundMessage, error) {
	var out *OutboundMessage
	err := e.sessions.WithSession(ctx, msg.SenderID, func(sess *Session) error {
		restarted := sess.WasExpired
		sess.LastInboundMessageID = msg.ChannelMessageID
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		sess.LastInboundAt = msg.Timestamp

		reply := e.handleTurn(ctx, sess, msg)
		if reply == nil {
			return nil
		}
		if restarted {
			reply.Body = RestartNotice(reply.Body)
		}

		composed, err := e.composer.Compose(msg.SenderID, *reply, msg.Timestamp)
		if err != nil {
			// Fail closed: no free-form message escapes the window rule.
			e.logger.Error("reply suppressed by messaging window", "error", err, "sender_id", msg.SenderID)
			return err
		}
		out = &composed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) handleTurn(ctx context.Context, sess *Session, msg InboundMessage) *Reply {
	// A backend effect from an earlier turn the user has not seen yet takes
	// precedence: report the true state, never re-attempt.
	if sess.Outcome != nil {
		reply := OutcomeReply(sess.Outcome)
		sess.Outcome = nil
		return &reply
	}

	if sess.State == StateExecuting {
		return e.recoverExecuting(ctx, sess)
	}

	if msg.Type != MessageTypeText || strings.TrimSpace(msg.RawText) == "" {
		reply := NotUnderstoodReply()
		return &reply
	}

	text := strings.TrimSpace(msg.RawText)

	if isCancellation(text) && sess.State != StateIdle {
		sess.reset()
		reply := CancelledReply()
		return &reply
	}

	if sess.State == StateConfirming {
		return e.handleConfirming(ctx, sess, text)
	}

	return e.handleUtterance(ctx, sess, text)
}

// recoverExecuting handles a session interrupted mid-execution (process
// restart or an interim-acked call whose continuation was lost): ask the
// backend whether the idempotency key took effect; if so report it, else
// fall back to Confirming.
func (e *Engine) recoverExecuting(ctx context.Context, sess *Session) *Reply {
	booking, err := e.backend.GetBookingByKey(ctx, sess.IdempotencyKey)
	switch {
	case err == nil:
		reply := e.successReply(sess.PendingIntent, booking)
		sess.reset()
		return &reply
	case errors.Is(err, backend.ErrNotFound):
		sess.State = StateConfirming
		reply := ConfirmationSummary(sess)
		reply.Body = "I wasn't able to finish your last request. " + reply.Body
		return &reply
	default:
		e.logger.Warn("executing recovery lookup failed", "error", err, "sender_id", sess.ID)
		reply := InterimAckReply()
		return &reply
	}
}

func (e *Engine) handleConfirming(ctx context.Context, sess *Session, text string) *Reply {
	switch {
	case isAffirmative(text):
		return e.executeAction(ctx, sess)
	case isNegative(text):
		sess.State = StateCollecting
		return &Reply{Situation: SituationSlotPrompt, Body: "Okay — what would you like to change?"}
	default:
		// Could be an inline edit ("make it 3 guests"); let the NLU decide.
		return e.handleUtterance(ctx, sess, text)
	}
}

func (e *Engine) handleUtterance(ctx context.Context, sess *Session, text string) *Reply {
	result, err := e.classify(ctx, sess, text)
	if err != nil {
		// Degrade, never surface: fall back to the pending intent when one
		// exists, else a guardrail reply.
		e.metrics.ObserveNLUFallback()
		e.logger.Warn("nlu degraded", "error", err, "sender_id", sess.ID)
		if sess.PendingIntent != "" {
			if missing := sess.MissingSlots(); len(missing) > 0 {
				reply := PromptForSlot(missing[0])
				return &reply
			}
			sess.State = StateConfirming
			reply := ConfirmationSummary(sess)
			return &reply
		}
		reply := GuardrailReply()
		return &reply
	}

	if sess.PendingIntent != "" {
		return e.continueFlow(ctx, sess, result)
	}
	return e.startFlow(ctx, sess, result)
}

func (e *Engine) classify(ctx context.Context, sess *Session, text string) (NLUResult, error) {
	start := time.Now()
	result, err := e.nlu.Classify(ctx, SessionContext{
		SessionID:     sess.ID,
		PendingIntent: sess.PendingIntent,
		Slots:         sess.Slots.Clone(),
	}, text)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.metrics.ObserveNLULatency(outcome, time.Since(start).Seconds())
	return result, err
}

// startFlow routes a fresh intent from an idle session.
func (e *Engine) startFlow(ctx context.Context, sess *Session, result NLUResult) *Reply {
	switch result.Intent {
	case IntentSearchHotels:
		return e.searchHotels(ctx, result.Slots)
	case IntentListBookings:
		return e.listBookings(ctx, sess.ID)
	case IntentCreateBooking, IntentCancelBooking:
		sess.PendingIntent = result.Intent
		sess.State = StateCollecting
		sess.mergeSlots(result.Slots, false)
		return e.advanceCollecting(sess)
	default:
		reply := NotUnderstoodReply()
		return &reply
	}
}

// continueFlow folds a turn into an active multi-turn flow.
func (e *Engine) continueFlow(ctx context.Context, sess *Session, result NLUResult) *Reply {
	switch {
	case result.Intent == sess.PendingIntent || result.Intent == IntentUnsupported:
		// Treat the turn as slot material for the pending intent. Overwrite
		// is only allowed when the user is correcting a complete draft.
		allowOverwrite := len(sess.MissingSlots()) == 0
		sess.mergeSlots(result.Slots, allowOverwrite)
		return e.advanceCollecting(sess)
	case !result.Intent.MultiTurn():
		// Side query (e.g. another search while booking): answer it and keep
		// the pending flow untouched.
		if result.Intent == IntentSearchHotels {
			return e.searchHotels(ctx, result.Slots)
		}
		return e.listBookings(ctx, sess.ID)
	default:
		// The user changed their mind: the old draft is discarded, the new
		// intent starts collecting. A session never holds two intents.
		sess.reset()
		sess.PendingIntent = result.Intent
		sess.State = StateCollecting
		sess.mergeSlots(result.Slots, false)
		return e.advanceCollecting(sess)
	}
}

func (e *Engine) advanceCollecting(sess *Session) *Reply {
	if missing := sess.MissingSlots(); len(missing) > 0 {
		sess.State = StateCollecting
		reply := PromptForSlot(missing[0])
		return &reply
	}
	sess.State = StateConfirming
	reply := ConfirmationSummary(sess)
	return &reply
}

// searchHotels is single-turn: no session state is created or mutated.
func (e *Engine) searchHotels(ctx context.Context, slots Slots) *Reply {
	filters := backend.SearchFilters{
		Location: slots[SlotLocation],
		CheckIn:  slots[SlotCheckIn],
		CheckOut: slots[SlotCheckOut],
	}
	if v, err := strconv.Atoi(slots[SlotMaxPrice]); err == nil {
		filters.MaxPrice = v
	}
	if v, err := strconv.Atoi(slots[SlotGuests]); err == nil {
		filters.Guests = v
	}

	var hotels []backend.Hotel
	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		var callErr error
		hotels, callErr = e.backend.SearchHotels(ctx, filters)
		return callErr
	})
	e.observeBackend("search_hotels", err)
	if err != nil {
		reply := e.failureReply(err)
		return &reply
	}
	reply := SearchResultsReply(hotels, filters)
	return &reply
}

func (e *Engine) listBookings(ctx context.Context, senderID string) *Reply {
	var bookings []backend.Booking
	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		var callErr error
		bookings, callErr = e.backend.ListBookings(ctx, senderID)
		return callErr
	})
	e.observeBackend("list_bookings", err)
	if err != nil {
		reply := e.failureReply(err)
		return &reply
	}
	reply := BookingListReply(bookings)
	return &reply
}

// executeAction promotes a confirmed draft to a backend call. The
// idempotency key is derived once per slot snapshot and reused across
// retries, so at-least-once delivery becomes at-most-once effect.
func (e *Engine) executeAction(ctx context.Context, sess *Session) *Reply {
	sess.State = StateExecuting
	if sess.IdempotencyKey == "" {
		sess.IdempotencyKey = IdempotencyKeyFor(sess.ID, sess.PendingIntent, sess.Slots)
	}

	intent := sess.PendingIntent
	key := sess.IdempotencyKey
	senderID := sess.ID
	slots := sess.Slots.Clone()

	done := make(chan executeResult, 1)
	go func() {
		// Detached from the request context: an acknowledged backend effect
		// must be recorded even if the webhook request has gone away.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		done <- e.callBackend(callCtx, intent, senderID, slots, key)
	}()

	timer := time.NewTimer(e.interimAckAfter)
	defer timer.Stop()

	select {
	case res := <-done:
		return e.settleExecution(sess, res)
	case <-timer.C:
		// Long-running: ack now, deliver the terminal result next contact.
		go e.recordLateOutcome(senderID, intent, key, done)
		reply := InterimAckReply()
		return &reply
	}
}

type executeResult struct {
	booking *backend.Booking
	err     error
}

func (e *Engine) callBackend(ctx context.Context, intent Intent, senderID string, slots Slots, key string) executeResult {
	var booking *backend.Booking
	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		var callErr error
		switch intent {
		case IntentCreateBooking:
			booking, callErr = e.backend.CreateBooking(ctx, backend.BookingDraft{
				HotelID:  slots[SlotHotelID],
				CheckIn:  slots[SlotCheckIn],
				CheckOut: slots[SlotCheckOut],
				Guests:   atoiOrZero(slots[SlotGuests]),
				GuestRef: senderID,
			}, key)
		case IntentCancelBooking:
			booking, callErr = e.backend.CancelBooking(ctx, slots[SlotBookingID], key)
		default:
			callErr = fmt.Errorf("conversation: intent %s is not executable", intent)
		}
		return callErr
	})
	e.observeBackend(string(intent), err)
	return executeResult{booking: booking, err: err}
}

// settleExecution translates the terminal result of a backend call while the
// session lock is still held.
func (e *Engine) settleExecution(sess *Session, res executeResult) *Reply {
	if res.err != nil {
		e.logger.Warn("backend action failed",
			"error", res.err,
			"sender_id", sess.ID,
			"intent", sess.PendingIntent,
		)
		reply := e.failureReply(res.err)
		sess.reset()
		return &reply
	}
	reply := e.successReply(sess.PendingIntent, res.booking)
	sess.reset()
	return &reply
}

// recordLateOutcome waits for an interim-acked call to finish and records
// the true backend state on the session for the next contact.
func (e *Engine) recordLateOutcome(senderID string, intent Intent, key string, done <-chan executeResult) {
	res := <-done
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := e.sessions.WithSession(ctx, senderID, func(sess *Session) error {
		if sess.State != StateExecuting || sess.IdempotencyKey != key {
			// The execution was already settled on another turn (a recovery
			// lookup reported it) or the user moved on to a different draft.
			// Writing an outcome here would report the same effect twice.
			return nil
		}
		switch {
		case res.err != nil:
			sess.Outcome = &PendingOutcome{Kind: OutcomeActionFailed, Detail: userFacingDetail(res.err)}
		case intent == IntentCancelBooking:
			sess.Outcome = &PendingOutcome{Kind: OutcomeBookingCancelled, BookingID: res.booking.ID}
		default:
			sess.Outcome = &PendingOutcome{Kind: OutcomeBookingCreated, BookingID: res.booking.ID, HotelName: res.booking.HotelName}
		}
		sess.State = StateIdle
		sess.PendingIntent = ""
		sess.Slots = Slots{}
		sess.IdempotencyKey = ""
		return nil
	})
	if err != nil {
		e.logger.Error("failed to record late backend outcome", "error", err, "sender_id", senderID)
	}
}

func (e *Engine) successReply(intent Intent, booking *backend.Booking) Reply {
	if intent == IntentCancelBooking {
		return BookingCancelledReply(booking)
	}
	return BookingCreatedReply(booking)
}

// failureReply maps backend failures to user-facing notices without leaking
// upstream error text.
func (e *Engine) failureReply(err error) Reply {
	return FailureReply(userFacingDetail(err))
}

func userFacingDetail(err error) string {
	var be *backend.Error
	if !errors.As(err, &be) {
		return ""
	}
	switch {
	case be.Conflict():
		return "it looks like that was already handled"
	case be.StatusCode == http.StatusNotFound:
		return "I couldn't find that booking"
	case be.StatusCode >= http.StatusBadRequest && be.StatusCode < http.StatusInternalServerError:
		return "some of the details don't look right — please double-check the dates and try again"
	default:
		return ""
	}
}

func (e *Engine) observeBackend(op string, err error) {
	outcome := "ok"
	if err != nil {
		if retry.IsRetriable(err) {
			outcome = "retries_exhausted"
		} else {
			outcome = "terminal"
		}
	}
	e.metrics.ObserveBackend(op, outcome)
}

func atoiOrZero(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

var cancelWords = map[string]struct{}{
	"cancel": {}, "stop": {}, "quit": {}, "exit": {}, "nevermind": {}, "never mind": {}, "forget it": {},
}

var affirmativeWords = map[string]struct{}{
	"yes": {}, "y": {}, "yeah": {}, "yep": {}, "confirm": {}, "confirmed": {}, "ok": {}, "okay": {}, "sure": {}, "go ahead": {},
}

var negativeWords = map[string]struct{}{
	"no": {}, "n": {}, "nope": {}, "change": {}, "not yet": {},
}

func normalizeWord(text string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(text), ".!?"))
}

func isCancellation(text string) bool {
	_, ok := cancelWords[normalizeWord(text)]
	return ok
}

func isAffirmative(text string) bool {
	_, ok := affirmativeWords[normalizeWord(text)]
	return ok
}

func isNegative(text string) bool {
	_, ok := negativeWords[normalizeWord(text)]
	return ok
}
