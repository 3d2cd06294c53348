package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchHotelsBuildsQueryAndAuth(t *testing.T) {
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"hotels": []Hotel{{ID: "h1", Name: "Ella Rock View", Location: "Ella", NightlyRate: 18000, Currency: "LKR"}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "static-key")
	hotels, err := client.SearchHotels(context.Background(), SearchFilters{Location: "Ella", MaxPrice: 20000, Guests: 2})
	require.NoError(t, err)
	require.Len(t, hotels, 1)
	assert.Equal(t, "Ella Rock View", hotels[0].Name)
	assert.Contains(t, gotQuery, "location=Ella")
	assert.Contains(t, gotQuery, "max_price=20000")
	assert.Equal(t, "Bearer static-key", gotAuth)
}

func TestCreateBookingSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotDraft BookingDraft
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotDraft))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Booking{ID: "b1", HotelID: gotDraft.HotelID, Status: "confirmed"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "static-key")
	draft := BookingDraft{HotelID: "h12", CheckIn: "2026-09-04", CheckOut: "2026-09-06", Guests: 2, GuestRef: "94771234567"}
	booking, err := client.CreateBooking(context.Background(), draft, "key-abc")
	require.NoError(t, err)
	assert.Equal(t, "b1", booking.ID)
	assert.Equal(t, "key-abc", gotKey)
	assert.Equal(t, "h12", gotDraft.HotelID)
}

func TestServerErrorsAreRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"unavailable","message":"try later"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "k")
	_, err := client.CreateBooking(context.Background(), BookingDraft{}, "key")
	require.Error(t, err)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Retriable())
	assert.Equal(t, http.StatusServiceUnavailable, be.StatusCode)
}

func TestValidationErrorsAreTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"invalid_dates","message":"check_out before check_in"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "k")
	_, err := client.CreateBooking(context.Background(), BookingDraft{}, "key")
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.False(t, be.Retriable())
	assert.Equal(t, "invalid_dates", be.Code)
}

func TestConflictIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"already_cancelled","message":"booking already cancelled"}`, http.StatusConflict)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "k")
	_, err := client.CancelBooking(context.Background(), "b1", "key")
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Conflict())
	assert.False(t, be.Retriable())
}

func TestTransportFailureIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client := NewClient(srv.URL, "k")
	_, err := client.ListBookings(context.Background(), "94771234567")
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Retriable())
}

func TestGetBookingByKeyNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"no booking"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "k")
	_, err := client.GetBookingByKey(context.Background(), "key-missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestServiceJWTAuth(t *testing.T) {
	secret := "shared-signing-secret"
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"bookings": []Booking{}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", WithServiceJWT(secret))
	_, err := client.ListBookings(context.Background(), "guest-1")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
	raw := strings.TrimPrefix(gotAuth, "Bearer ")
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	claims := token.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "concierge", claims.Issuer)
	assert.NotNil(t, claims.ExpiresAt)
}
