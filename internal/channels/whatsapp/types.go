package whatsapp

// WebhookEvent is the top-level structure received from the Cloud API
// webhook.
type WebhookEvent struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry represents a single entry in the webhook payload.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change carries one batch of messaging events.
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value holds inbound messages and delivery statuses.
type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

// Contact identifies the message sender.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Message is a single inbound message.
type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"` // unix seconds as string
	Type      string `json:"type"`
	Text      *Text  `json:"text,omitempty"`
}

// Text is the body of a text message.
type Text struct {
	Body string `json:"body"`
}

// Status is a delivery receipt for an outbound message.
type Status struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
}

// SendRequest is the payload for the Cloud API messages endpoint.
type SendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *SendText     `json:"text,omitempty"`
	Template         *SendTemplate `json:"template,omitempty"`
}

// SendText is the free-form text body.
type SendText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

// SendTemplate references a pre-approved template.
type SendTemplate struct {
	Name     string           `json:"name"`
	Language TemplateLanguage `json:"language"`
}

// TemplateLanguage selects the template locale.
type TemplateLanguage struct {
	Code string `json:"code"`
}

// SendResponse is the Cloud API reply to a send.
type SendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *APIError `json:"error,omitempty"`
}

// APIError is the Graph API error envelope.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}
