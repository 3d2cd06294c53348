// Package whatsapp handles the Meta Cloud API webhook (verification
// handshake + signed deliveries) and outbound sends for the concierge bot.
package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ceylonstays/concierge/internal/conversation"
	"github.com/ceylonstays/concierge/internal/observability/metrics"
	"github.com/ceylonstays/concierge/pkg/logging"
)

const channelName = "whatsapp"

// WebhookHandler authenticates webhook requests and hands normalized
// messages to the dispatcher.
type WebhookHandler struct {
	verifyToken string
	appSecret   string
	processed   conversation.ProcessedStore
	dispatch    func(conversation.InboundMessage) error
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// WebhookConfig wires the handler.
type WebhookConfig struct {
	VerifyToken string
	AppSecret   string
	Processed   conversation.ProcessedStore
	Dispatch    func(conversation.InboundMessage) error
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	if cfg.Processed == nil {
		panic("whatsapp: processed store cannot be nil")
	}
	if cfg.Dispatch == nil {
		panic("whatsapp: dispatch func cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &WebhookHandler{
		verifyToken: cfg.VerifyToken,
		appSecret:   cfg.AppSecret,
		processed:   cfg.Processed,
		dispatch:    cfg.Dispatch,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// HandleVerification handles the GET webhook verification challenge: the
// literal challenge is echoed only when the supplied token matches.
func (h *WebhookHandler) HandleVerification(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && h.verifyToken != "" && hmac.Equal([]byte(token), []byte(h.verifyToken)) {
		h.metrics.ObserveInbound("verify", "accepted")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, challenge)
		return
	}

	h.metrics.ObserveInbound("verify", "rejected")
	h.logger.Warn("webhook verification rejected", "mode", mode)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// HandleInbound handles POST webhook deliveries. The raw body is captured
// before any parsing so the signature is computed over the exact bytes; any
// mismatch rejects unconditionally.
func (h *WebhookHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if !VerifySignature(h.appSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		h.metrics.ObserveInbound("message", "unauthorized")
		h.logger.Warn("invalid webhook signature")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.metrics.ObserveInbound("message", "malformed")
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	messages := ParseWebhookEvent(event)
	if len(messages) == 0 {
		// Delivery receipts and other non-message changes.
		h.metrics.ObserveInbound("status", "ignored")
		w.WriteHeader(http.StatusOK)
		return
	}

	accepted := 0
	for _, msg := range messages {
		fresh, err := h.processed.MarkProcessed(r.Context(), channelName, msg.ChannelMessageID)
		if err != nil {
			h.logger.Error("dedupe mark failed", "error", err, "channel_message_id", msg.ChannelMessageID)
			http.Error(w, "Server Error", http.StatusInternalServerError)
			return
		}
		if !fresh {
			h.metrics.ObserveInbound("message", "duplicate")
			continue
		}
		if err := h.dispatch(msg); err != nil {
			h.logger.Error("dispatch failed", "error", err, "sender_id", msg.SenderID)
			http.Error(w, "Server Error", http.StatusInternalServerError)
			return
		}
		accepted++
	}

	h.metrics.ObserveWebhookLatency("message", time.Since(start).Seconds())
	if accepted == 0 {
		// Every message in this delivery was a retransmission: acknowledge
		// without side effects.
		w.WriteHeader(http.StatusOK)
		return
	}
	h.metrics.ObserveInbound("message", "accepted")
	w.WriteHeader(http.StatusAccepted)
}

// ParseWebhookEvent normalizes a webhook event into canonical inbound
// messages. Unsupported message types become MessageTypeUnsupported so the
// bot can answer gracefully instead of failing.
func ParseWebhookEvent(event WebhookEvent) []conversation.InboundMessage {
	var messages []conversation.InboundMessage
	for _, entry := range event.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for _, m := range change.Value.Messages {
				msg := conversation.InboundMessage{
					SenderID:         m.From,
					ChannelMessageID: m.ID,
					Timestamp:        parseTimestamp(m.Timestamp),
					Type:             conversation.MessageTypeUnsupported,
				}
				if m.Type == "text" && m.Text != nil && strings.TrimSpace(m.Text.Body) != "" {
					msg.Type = conversation.MessageTypeText
					msg.RawText = m.Text.Body
				}
				if msg.SenderID == "" || msg.ChannelMessageID == "" {
					continue
				}
				messages = append(messages, msg)
			}
		}
	}
	return messages
}

func parseTimestamp(raw string) time.Time {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now()
	}
	return time.Unix(secs, 0)
}

// VerifySignature verifies the X-Hub-Signature-256 header: an HMAC-SHA256
// over the raw body, compared in constant time.
func VerifySignature(appSecret string, body []byte, signature string) bool {
	if appSecret == "" || signature == "" {
		return false
	}

	const prefix = "sha256="
	if len(signature) <= len(prefix) || signature[:len(prefix)] != prefix {
		return false
	}
	sigHex := signature[len(prefix):]

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sigHex))
}
