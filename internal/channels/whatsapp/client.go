package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ceylonstays/concierge/pkg/logging"
)

const defaultGraphAPIBaseURL = "https://graph.facebook.com/v21.0"

// SendError is a typed failure from the Cloud API send endpoint.
type SendError struct {
	StatusCode int
	Code       int
	Message    string
	transport  bool
}

func (e *SendError) Error() string {
	if e.transport {
		return fmt.Sprintf("whatsapp: transport error: %s", e.Message)
	}
	return fmt.Sprintf("whatsapp: send failed (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Retriable reports whether the send may be retried. Transport failures,
// rate limiting and provider-side errors are transient; everything else is
// terminal.
func (e *SendError) Retriable() bool {
	return e.transport || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client sends messages through the WhatsApp Cloud API.
type Client struct {
	baseURL       string
	phoneNumberID string
	accessToken   string
	templateLang  string
	httpClient    *http.Client
	logger        *logging.Logger
}

// ClientOption customizes the client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client (used in tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the Graph API base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithTemplateLanguage sets the locale used for template sends.
func WithTemplateLanguage(code string) ClientOption {
	return func(c *Client) { c.templateLang = code }
}

// NewClient creates a Cloud API client for one phone number.
func NewClient(phoneNumberID, accessToken string, logger *logging.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Client{
		baseURL:       defaultGraphAPIBaseURL,
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		templateLang:  "en",
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendText delivers a free-form text message.
func (c *Client) SendText(ctx context.Context, recipientID, body string) (string, error) {
	req := SendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipientID,
		Type:             "text",
		Text:             &SendText{Body: body},
	}
	return c.send(ctx, req)
}

// SendTemplate delivers a pre-approved template message, used outside the
// free-form reply window.
func (c *Client) SendTemplate(ctx context.Context, recipientID, template string) (string, error) {
	req := SendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipientID,
		Type:             "template",
		Template: &SendTemplate{
			Name:     template,
			Language: TemplateLanguage{Code: c.templateLang},
		},
	}
	return c.send(ctx, req)
}

func (c *Client) send(ctx context.Context, payload SendRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("whatsapp: build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &SendError{Message: err.Error(), transport: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &SendError{Message: err.Error(), transport: true}
	}

	var parsed SendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil && resp.StatusCode < 300 {
		return "", fmt.Errorf("whatsapp: decode send response: %w", err)
	}

	if resp.StatusCode >= 300 {
		se := &SendError{StatusCode: resp.StatusCode, Message: "send rejected"}
		if parsed.Error != nil {
			se.Code = parsed.Error.Code
			se.Message = parsed.Error.Message
		}
		return "", se
	}

	if len(parsed.Messages) == 0 {
		return "", fmt.Errorf("whatsapp: send response missing message id")
	}
	c.logger.Debug("message sent", "recipient_id", payload.To, "provider_message_id", parsed.Messages[0].ID)
	return parsed.Messages[0].ID, nil
}
