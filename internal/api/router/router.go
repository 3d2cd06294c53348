// Package router assembles the HTTP surface of the concierge service.
package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ceylonstays/concierge/internal/channels/whatsapp"
	httpmiddleware "github.com/ceylonstays/concierge/internal/http/middleware"
	"github.com/ceylonstays/concierge/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger         *logging.Logger
	Webhook        *whatsapp.WebhookHandler
	MetricsHandler http.Handler

	// WebhookRateLimit caps webhook deliveries per second per IP.
	// Zero disables the limiter.
	WebhookRateLimit float64
	WebhookBurst     int
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", handleHealth)

	if cfg.Webhook != nil {
		r.Route("/webhooks/whatsapp", func(wh chi.Router) {
			if cfg.WebhookRateLimit > 0 {
				wh.Use(httpmiddleware.RateLimit(cfg.WebhookRateLimit, cfg.WebhookBurst))
			}
			wh.Get("/", cfg.Webhook.HandleVerification)
			wh.Post("/", cfg.Webhook.HandleInbound)
		})
	}

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
