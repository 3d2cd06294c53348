package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	rl := newRateLimiter(1, 3)
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.allow("203.0.113.7") {
			t.Fatalf("request %d within burst was rejected", i+1)
		}
	}
	if rl.allow("203.0.113.7") {
		t.Fatal("request beyond burst was allowed")
	}

	now = now.Add(2 * time.Second)
	if !rl.allow("203.0.113.7") {
		t.Fatal("bucket did not refill after idle time")
	}
}

func TestRateLimiterClientsAreIndependent(t *testing.T) {
	rl := newRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	if !rl.allow("203.0.113.7") {
		t.Fatal("first client rejected")
	}
	if rl.allow("203.0.113.7") {
		t.Fatal("first client exceeded its bucket but was allowed")
	}
	if !rl.allow("198.51.100.9") {
		t.Fatal("second client throttled by the first client's bucket")
	}
}

func TestRateLimiterPrunesStaleClients(t *testing.T) {
	rl := newRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.allow("203.0.113.7")
	now = now.Add(staleClientAfter + time.Minute)
	rl.allow("198.51.100.9")

	if _, ok := rl.clients["203.0.113.7"]; ok {
		t.Error("stale client bucket was not pruned")
	}
	if _, ok := rl.clients["198.51.100.9"]; !ok {
		t.Error("active client bucket was pruned")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimit(1, 2)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", nil)
	req.RemoteAddr = "203.0.113.7:4421"

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusNoContent)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-budget request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	// A different caller has its own budget. The port must not matter.
	other := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", nil)
	other.RemoteAddr = "198.51.100.9:1234"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("independent caller: status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}
