// Package backend is the HTTP client for the booking service, the source of
// truth for hotel inventory and reservations. Mutating calls carry an
// idempotency key so retried requests deduplicate server-side.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultHTTPTimeout   = 10 * time.Second
	idempotencyKeyHeader = "Idempotency-Key"
	serviceTokenTTL      = time.Minute
)

// Client calls the booking service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	jwtSecret  []byte
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithServiceJWT switches auth from the static API key to short-lived HS256
// tokens minted per request.
func WithServiceJWT(secret string) Option {
	return func(c *Client) {
		if secret != "" {
			c.jwtSecret = []byte(secret)
		}
	}
}

// NewClient creates a booking-service client authenticated with apiKey.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SearchHotels returns hotels matching the filters. Single-turn, no
// idempotency key needed: reads are naturally safe to repeat.
func (c *Client) SearchHotels(ctx context.Context, filters SearchFilters) ([]Hotel, error) {
	q := url.Values{}
	if filters.Location != "" {
		q.Set("location", filters.Location)
	}
	if filters.MaxPrice > 0 {
		q.Set("max_price", strconv.Itoa(filters.MaxPrice))
	}
	if filters.CheckIn != "" {
		q.Set("check_in", filters.CheckIn)
	}
	if filters.CheckOut != "" {
		q.Set("check_out", filters.CheckOut)
	}
	if filters.Guests > 0 {
		q.Set("guests", strconv.Itoa(filters.Guests))
	}

	var result struct {
		Hotels []Hotel `json:"hotels"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/hotels?"+q.Encode(), "", nil, &result); err != nil {
		return nil, err
	}
	return result.Hotels, nil
}

// CreateBooking creates a reservation. The same idempotency key must be
// reused on retries of the same draft so the backend deduplicates them.
func (c *Client) CreateBooking(ctx context.Context, draft BookingDraft, idempotencyKey string) (*Booking, error) {
	var booking Booking
	if err := c.do(ctx, http.MethodPost, "/v1/bookings", idempotencyKey, draft, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// ListBookings returns the caller's bookings.
func (c *Client) ListBookings(ctx context.Context, userRef string) ([]Booking, error) {
	var result struct {
		Bookings []Booking `json:"bookings"`
	}
	path := "/v1/bookings?guest_ref=" + url.QueryEscape(userRef)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &result); err != nil {
		return nil, err
	}
	return result.Bookings, nil
}

// CancelBooking cancels a reservation, idempotently per key.
func (c *Client) CancelBooking(ctx context.Context, bookingID, idempotencyKey string) (*Booking, error) {
	var booking Booking
	path := "/v1/bookings/" + url.PathEscape(bookingID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, idempotencyKey, nil, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// GetBookingByKey looks up the booking created under an idempotency key, if
// any. Used to recover a session interrupted mid-execution: if the backend
// confirms the effect applied we report it instead of re-creating.
func (c *Client) GetBookingByKey(ctx context.Context, idempotencyKey string) (*Booking, error) {
	var booking Booking
	path := "/v1/bookings/by-key/" + url.PathEscape(idempotencyKey)
	err := c.do(ctx, http.MethodGet, path, "", nil, &booking)
	if err != nil {
		var be *Error
		if errors.As(err, &be) && be.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &booking, nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyKeyHeader, idempotencyKey)
	}
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return parseErrorResponse(resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("backend: unmarshal response: %w", err)
		}
	}
	return nil
}

// authorize attaches the service-to-service credential: a short-lived HS256
// token when a signing secret is configured, else the static API key.
func (c *Client) authorize(req *http.Request) error {
	if len(c.jwtSecret) == 0 {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return nil
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "concierge",
		Subject:   "conversation-orchestrator",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(serviceTokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.jwtSecret)
	if err != nil {
		return fmt.Errorf("backend: sign service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func parseErrorResponse(status int, body []byte) *Error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	if payload.Message == "" {
		payload.Message = http.StatusText(status)
	}
	return &Error{StatusCode: status, Code: payload.Code, Message: payload.Message}
}
