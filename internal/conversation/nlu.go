package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ceylonstays/concierge/pkg/logging"
)

// NluErrorKind classifies NLU gateway failures.
type NluErrorKind string

const (
	NluTimeout       NluErrorKind = "timeout"
	NluProviderError NluErrorKind = "provider_error"
	NluUnparseable   NluErrorKind = "unparseable"
)

// NluError is a classified failure from the NLU provider. It is never
// surfaced to the user as a raw error; the engine degrades to the pending
// intent or a guardrail reply.
type NluError struct {
	Kind  NluErrorKind
	cause error
}

func (e *NluError) Error() string {
	return fmt.Sprintf("nlu: %s: %v", e.Kind, e.cause)
}

func (e *NluError) Unwrap() error { return e.cause }

// NLUResult is the strict output contract of the gateway.
type NLUResult struct {
	Intent     Intent  `json:"intent"`
	Slots      Slots   `json:"slots"`
	Confidence float64 `json:"confidence"`
}

// SessionContext is the conversation context handed to the classifier.
type SessionContext struct {
	SessionID     string
	PendingIntent Intent
	Slots         Slots
}

// Classifier derives a structured intent from an utterance.
type Classifier interface {
	Classify(ctx context.Context, sc SessionContext, utterance string) (NLUResult, error)
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const nluSystemPrompt = `You classify hotel-concierge messages. Respond with ONLY a JSON object:
{"intent": one of "search_hotels", "create_booking", "list_bookings", "cancel_booking", "unsupported",
 "slots": object mapping any of "hotelId", "checkIn" (ISO date), "checkOut" (ISO date), "guests", "location", "maxPrice", "bookingId" to string values extracted from the message,
 "confidence": number between 0 and 1}
Only include slots explicitly present in the message. If the user is answering a question about a missing detail, keep the pending intent and fill the matching slot.`

// OpenAIClassifier is the NLU gateway: one bounded-timeout chat completion
// per turn, strict JSON parsing, low confidence treated as unsupported.
type OpenAIClassifier struct {
	client    chatClient
	cache     ResultCache
	model     string
	timeout   time.Duration
	threshold float64
	logger    *logging.Logger
}

// ClassifierOption customizes the classifier.
type ClassifierOption func(*OpenAIClassifier)

// WithResultCache enables the per-session result cache.
func WithResultCache(cache ResultCache) ClassifierOption {
	return func(c *OpenAIClassifier) { c.cache = cache }
}

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) ClassifierOption {
	return func(c *OpenAIClassifier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewOpenAIClassifier builds the gateway around an OpenAI-compatible chat
// client. Confidence below threshold degrades to IntentUnsupported.
func NewOpenAIClassifier(client chatClient, model string, threshold float64, logger *logging.Logger, opts ...ClassifierOption) *OpenAIClassifier {
	if client == nil {
		panic("conversation: chat client cannot be nil")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &OpenAIClassifier{
		client:    client,
		model:     model,
		timeout:   5 * time.Second,
		threshold: threshold,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify implements Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, sc SessionContext, utterance string) (NLUResult, error) {
	cacheKey := nluCacheKey(sc, utterance)
	if c.cache != nil {
		if res, ok := c.cache.Get(ctx, cacheKey); ok {
			return res, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: nluSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildNLUContext(sc, utterance)},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			return NLUResult{}, &NluError{Kind: NluTimeout, cause: err}
		}
		return NLUResult{}, &NluError{Kind: NluProviderError, cause: err}
	}
	if len(resp.Choices) == 0 {
		return NLUResult{}, &NluError{Kind: NluProviderError, cause: errors.New("no choices returned")}
	}

	result, err := parseNLUResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return NLUResult{}, err
	}

	if result.Confidence < c.threshold {
		c.logger.Debug("nlu confidence below threshold",
			"session_id", sc.SessionID,
			"intent", result.Intent,
			"confidence", result.Confidence,
		)
		result.Intent = IntentUnsupported
		result.Slots = Slots{}
	}

	if c.cache != nil {
		c.cache.Set(ctx, cacheKey, result)
	}
	return result, nil
}

func buildNLUContext(sc SessionContext, utterance string) string {
	var b strings.Builder
	if sc.PendingIntent != "" && sc.PendingIntent != IntentUnsupported {
		fmt.Fprintf(&b, "Pending intent: %s\n", sc.PendingIntent)
	}
	if len(sc.Slots) > 0 {
		b.WriteString("Collected slots:")
		for _, k := range sc.Slots.sortedKeys() {
			fmt.Fprintf(&b, " %s=%s", k, sc.Slots[k])
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Message: %s", utterance)
	return b.String()
}

func parseNLUResponse(content string) (NLUResult, error) {
	var raw struct {
		Intent     string            `json:"intent"`
		Slots      map[string]string `json:"slots"`
		Confidence float64           `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return NLUResult{}, &NluError{Kind: NluUnparseable, cause: err}
	}
	if raw.Intent == "" {
		return NLUResult{}, &NluError{Kind: NluUnparseable, cause: errors.New("missing intent label")}
	}
	slots := Slots{}
	for k, v := range raw.Slots {
		if strings.TrimSpace(v) != "" {
			slots[k] = strings.TrimSpace(v)
		}
	}
	return NLUResult{
		Intent:     ParseIntent(raw.Intent),
		Slots:      slots,
		Confidence: raw.Confidence,
	}, nil
}

// nluCacheKey binds a cache entry to one session, its pending intent, the
// slots collected so far, and the utterance. Never shared across sessions.
func nluCacheKey(sc SessionContext, utterance string) string {
	h := sha256.New()
	h.Write([]byte(sc.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(sc.PendingIntent))
	for _, k := range sc.Slots.sortedKeys() {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(sc.Slots[k]))
	}
	h.Write([]byte{0})
	h.Write([]byte(utterance))
	return hex.EncodeToString(h.Sum(nil))
}
